// Package store manages the SQLite database holding syncable items and
// the catch-up cursor.
//
// Only this package may open or query the database. All other packages
// receive a [*Store] and call its methods. Status transitions driven by
// the sync engine are compare-and-set on the current status, so a user
// mutation that lands mid-flight always wins over the engine's completion.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/pezzottify/pezzosync/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS items (
    kind          TEXT NOT NULL,
    id            TEXT NOT NULL,
    payload       TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL,
    resume_status TEXT NOT NULL DEFAULT '',
    error_reason  TEXT NOT NULL DEFAULT '',
    updated_at    TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (kind, id)
);

CREATE INDEX IF NOT EXISTS idx_items_kind_status ON items (kind, status);

CREATE TABLE IF NOT EXISTS sync_meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

const cursorKey = "cursor"

const itemColumns = `kind, id, payload, status, resume_status, error_reason, updated_at`

// Store is the SQLite-backed item and cursor repository.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the default path for the sync database:
// ~/.local/share/pezzosync/sync.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "pezzosync", "sync.db"), nil
}

// Open opens (or creates) the SQLite database at path, applies the schema,
// and configures WAL mode for better concurrent read performance.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies the schema DDL idempotently (CREATE IF NOT EXISTS).
func migrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// --- item CRUD -----------------------------------------------------------------

// Get returns the item with the given kind and id, or (nil, nil) if no
// such item exists.
func (s *Store) Get(ctx context.Context, kind model.Kind, id string) (*model.Item, error) {
	q := `SELECT ` + itemColumns + ` FROM items WHERE kind = ? AND id = ?`
	row := s.db.QueryRowContext(ctx, q, string(kind), id)
	return scanItem(row)
}

// Upsert inserts or replaces an item keyed by (kind, id). UpdatedAt is
// stamped with the current time.
func (s *Store) Upsert(ctx context.Context, item *model.Item) error {
	const q = `
		INSERT INTO items (kind, id, payload, status, resume_status, error_reason, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind, id) DO UPDATE SET
		    payload       = excluded.payload,
		    status        = excluded.status,
		    resume_status = excluded.resume_status,
		    error_reason  = excluded.error_reason,
		    updated_at    = excluded.updated_at`

	item.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, q,
		string(item.Kind),
		item.ID,
		string(item.Payload),
		string(item.Status),
		string(item.Resume),
		string(item.ErrorReason),
		formatTime(item.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting item %s/%s: %w", item.Kind, item.ID, err)
	}
	return nil
}

// Delete removes the item with the given kind and id. Deleting an absent
// item is not an error.
func (s *Store) Delete(ctx context.Context, kind model.Kind, id string) error {
	const q = `DELETE FROM items WHERE kind = ? AND id = ?`
	if _, err := s.db.ExecContext(ctx, q, string(kind), id); err != nil {
		return fmt.Errorf("deleting item %s/%s: %w", kind, id, err)
	}
	return nil
}

// ListPending returns all items of the given kind whose status marks
// outbound work, oldest mutation first. Rows with unrecognized statuses
// are excluded by construction.
func (s *Store) ListPending(ctx context.Context, kind model.Kind) ([]*model.Item, error) {
	q := `SELECT ` + itemColumns + ` FROM items
		WHERE kind = ? AND status IN (?, ?, ?)
		ORDER BY updated_at ASC`

	pending := model.PendingStatuses()
	rows, err := s.db.QueryContext(ctx, q, string(kind),
		string(pending[0]), string(pending[1]), string(pending[2]))
	if err != nil {
		return nil, fmt.Errorf("querying pending items for %s: %w", kind, err)
	}
	defer func() { _ = rows.Close() }()

	var items []*model.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// --- engine status transitions ---------------------------------------------------
//
// All transitions below are CAS-guarded: they apply only while the row is
// still in the status the engine last wrote. A zero-row update means a
// concurrent mutation took the row and the engine must yield.

// MarkSyncing moves an item from its pending status into syncing,
// recording the originating status for restart recovery. Returns false if
// the row was no longer in the expected status.
func (s *Store) MarkSyncing(ctx context.Context, kind model.Kind, id string, from model.SyncStatus) (bool, error) {
	const q = `
		UPDATE items SET status = ?, resume_status = ?, updated_at = ?
		WHERE kind = ? AND id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, q,
		string(model.StatusSyncing), string(from), formatTime(time.Now().UTC()),
		string(kind), id, string(from))
	if err != nil {
		return false, fmt.Errorf("marking %s/%s syncing: %w", kind, id, err)
	}
	return oneRow(res)
}

// FinishSync completes an in-flight reconciliation: syncing → synced.
func (s *Store) FinishSync(ctx context.Context, kind model.Kind, id string) (bool, error) {
	const q = `
		UPDATE items SET status = ?, resume_status = '', error_reason = '', updated_at = ?
		WHERE kind = ? AND id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, q,
		string(model.StatusSynced), formatTime(time.Now().UTC()),
		string(kind), id, string(model.StatusSyncing))
	if err != nil {
		return false, fmt.Errorf("finishing sync for %s/%s: %w", kind, id, err)
	}
	return oneRow(res)
}

// Requeue reverts an in-flight item to its originating pending status
// after a transient failure, so the next sweep retries it.
func (s *Store) Requeue(ctx context.Context, kind model.Kind, id string) (bool, error) {
	const q = `
		UPDATE items SET status = resume_status, resume_status = '', updated_at = ?
		WHERE kind = ? AND id = ? AND status = ? AND resume_status != ''`
	res, err := s.db.ExecContext(ctx, q,
		formatTime(time.Now().UTC()),
		string(kind), id, string(model.StatusSyncing))
	if err != nil {
		return false, fmt.Errorf("requeueing %s/%s: %w", kind, id, err)
	}
	return oneRow(res)
}

// RequeueCreate moves an in-flight item to pending_create. Used when an
// update finds the server record gone and the item must be recreated.
func (s *Store) RequeueCreate(ctx context.Context, kind model.Kind, id string) (bool, error) {
	const q = `
		UPDATE items SET status = ?, resume_status = '', updated_at = ?
		WHERE kind = ? AND id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, q,
		string(model.StatusPendingCreate), formatTime(time.Now().UTC()),
		string(kind), id, string(model.StatusSyncing))
	if err != nil {
		return false, fmt.Errorf("requeueing %s/%s for create: %w", kind, id, err)
	}
	return oneRow(res)
}

// MarkError parks an in-flight item in sync_error with the given reason.
// The originating status stays in resume_status so a manual retry can
// restore it.
func (s *Store) MarkError(ctx context.Context, kind model.Kind, id string, reason model.ErrorReason) (bool, error) {
	const q = `
		UPDATE items SET status = ?, error_reason = ?, updated_at = ?
		WHERE kind = ? AND id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, q,
		string(model.StatusSyncError), string(reason), formatTime(time.Now().UTC()),
		string(kind), id, string(model.StatusSyncing))
	if err != nil {
		return false, fmt.Errorf("marking %s/%s errored: %w", kind, id, err)
	}
	return oneRow(res)
}

// DeleteIfSyncing hard-deletes an item only while it is still in flight.
// Used when the server confirms (or already satisfied) a deletion.
func (s *Store) DeleteIfSyncing(ctx context.Context, kind model.Kind, id string) (bool, error) {
	const q = `DELETE FROM items WHERE kind = ? AND id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, q, string(kind), id, string(model.StatusSyncing))
	if err != nil {
		return false, fmt.Errorf("deleting synced-away %s/%s: %w", kind, id, err)
	}
	return oneRow(res)
}

// AdoptServerID rebinds an item from its provisional local id to the
// server-assigned id after a successful create. The old row is removed and
// re-inserted under the new id in one transaction. An in-flight row comes
// out synced; a row a concurrent mutation re-marked keeps its new pending
// status and payload, so the queued mutation is re-dispatched under the
// adopted id on the next sweep.
func (s *Store) AdoptServerID(ctx context.Context, kind model.Kind, localID, serverID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning adopt transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	q := `SELECT ` + itemColumns + ` FROM items WHERE kind = ? AND id = ?`
	item, err := scanItem(tx.QueryRowContext(ctx, q, string(kind), localID))
	if err != nil {
		return err
	}

	status := model.StatusSynced
	resume := model.SyncStatus("")
	reason := model.ReasonNone
	payload := ""
	if item != nil {
		payload = string(item.Payload)
		if item.Status != model.StatusSyncing {
			// A user mutation overwrote the in-flight status; keep it.
			status = item.Status
			resume = item.Resume
			reason = item.ErrorReason
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM items WHERE kind = ? AND id = ?`, string(kind), localID); err != nil {
			return fmt.Errorf("removing provisional row %s/%s: %w", kind, localID, err)
		}
	}

	const ins = `
		INSERT INTO items (kind, id, payload, status, resume_status, error_reason, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind, id) DO UPDATE SET
		    payload       = excluded.payload,
		    status        = excluded.status,
		    resume_status = excluded.resume_status,
		    error_reason  = excluded.error_reason,
		    updated_at    = excluded.updated_at`
	_, err = tx.ExecContext(ctx, ins,
		string(kind), serverID, payload,
		string(status), string(resume), string(reason),
		formatTime(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("inserting adopted row %s/%s: %w", kind, serverID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing adopt of %s/%s: %w", kind, serverID, err)
	}
	return nil
}

// --- recovery ---------------------------------------------------------------

// ResetInterrupted resets every item stuck in syncing back to its
// originating pending status. Called once at startup: an in-flight call
// state cannot be trusted across a restart. Rows missing a resume status
// fall back to pending_update. Returns the number of rows repaired.
func (s *Store) ResetInterrupted(ctx context.Context) (int64, error) {
	const q = `
		UPDATE items SET
		    status = CASE WHEN resume_status != '' THEN resume_status ELSE ? END,
		    resume_status = '',
		    updated_at = ?
		WHERE status = ?`
	res, err := s.db.ExecContext(ctx, q,
		string(model.StatusPendingUpdate), formatTime(time.Now().UTC()),
		string(model.StatusSyncing))
	if err != nil {
		return 0, fmt.Errorf("resetting interrupted items: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting reset items: %w", err)
	}
	return n, nil
}

// RetryErrored returns every sync_error item of the given kind to its
// originating pending status so the next sweep retries it. Returns the
// number of rows requeued.
func (s *Store) RetryErrored(ctx context.Context, kind model.Kind) (int64, error) {
	const q = `
		UPDATE items SET
		    status = CASE WHEN resume_status != '' THEN resume_status ELSE ? END,
		    resume_status = '',
		    error_reason = '',
		    updated_at = ?
		WHERE kind = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, q,
		string(model.StatusPendingUpdate), formatTime(time.Now().UTC()),
		string(kind), string(model.StatusSyncError))
	if err != nil {
		return 0, fmt.Errorf("retrying errored items for %s: %w", kind, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting retried items: %w", err)
	}
	return n, nil
}

// --- server-origin state (catch-up writes) -----------------------------------

// ApplyUpsert writes a server-origin item as synced. A row holding an
// unacknowledged local mutation is left untouched: the engine reconciles
// it against the server later.
func (s *Store) ApplyUpsert(ctx context.Context, item *model.Item) error {
	const q = `
		INSERT INTO items (kind, id, payload, status, resume_status, error_reason, updated_at)
		VALUES (?, ?, ?, ?, '', '', ?)
		ON CONFLICT(kind, id) DO UPDATE SET
		    payload       = excluded.payload,
		    status        = excluded.status,
		    resume_status = '',
		    error_reason  = '',
		    updated_at    = excluded.updated_at
		WHERE items.status = ?`
	_, err := s.db.ExecContext(ctx, q,
		string(item.Kind), item.ID, string(item.Payload),
		string(model.StatusSynced), formatTime(time.Now().UTC()),
		string(model.StatusSynced))
	if err != nil {
		return fmt.Errorf("applying server upsert %s/%s: %w", item.Kind, item.ID, err)
	}
	return nil
}

// ApplyDelete removes a server-origin item. Rows holding local mutations
// survive; the engine resolves them against the server later.
func (s *Store) ApplyDelete(ctx context.Context, kind model.Kind, id string) error {
	const q = `DELETE FROM items WHERE kind = ? AND id = ? AND status = ?`
	_, err := s.db.ExecContext(ctx, q, string(kind), id, string(model.StatusSynced))
	if err != nil {
		return fmt.Errorf("applying server delete %s/%s: %w", kind, id, err)
	}
	return nil
}

// ReplaceSnapshot atomically swaps all server-origin local state for the
// given snapshot items and stores the snapshot cursor. Within a single
// transaction every synced row of the server-origin kinds is dropped and
// the snapshot rows are inserted as synced; rows holding unacknowledged
// local mutations are preserved and shadow their snapshot counterpart
// until the engine reconciles them.
func (s *Store) ReplaceSnapshot(ctx context.Context, items []*model.Item, cursor int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning snapshot transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, kind := range model.ServerOriginKinds() {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM items WHERE kind = ? AND status = ?`,
			string(kind), string(model.StatusSynced))
		if err != nil {
			return fmt.Errorf("clearing synced %s rows: %w", kind, err)
		}
	}

	const ins = `
		INSERT INTO items (kind, id, payload, status, resume_status, error_reason, updated_at)
		VALUES (?, ?, ?, ?, '', '', ?)
		ON CONFLICT(kind, id) DO NOTHING`
	now := formatTime(time.Now().UTC())
	for _, item := range items {
		_, err := tx.ExecContext(ctx, ins,
			string(item.Kind), item.ID, string(item.Payload),
			string(model.StatusSynced), now)
		if err != nil {
			return fmt.Errorf("inserting snapshot row %s/%s: %w", item.Kind, item.ID, err)
		}
	}

	if err := setCursorTx(ctx, tx, cursor); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing snapshot: %w", err)
	}
	return nil
}

// --- cursor -------------------------------------------------------------------

// Cursor returns the last applied server event sequence number. ok is
// false when no cursor is stored (never synced).
func (s *Store) Cursor(ctx context.Context) (seq int64, ok bool, err error) {
	var value string
	err = s.db.QueryRowContext(ctx,
		`SELECT value FROM sync_meta WHERE key = ?`, cursorKey).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("reading cursor: %w", err)
	}
	seq, err = strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parsing cursor %q: %w", value, err)
	}
	return seq, true, nil
}

// SetCursor stores the last applied server event sequence number.
func (s *Store) SetCursor(ctx context.Context, seq int64) error {
	const q = `
		INSERT INTO sync_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	if _, err := s.db.ExecContext(ctx, q, cursorKey, strconv.FormatInt(seq, 10)); err != nil {
		return fmt.Errorf("storing cursor %d: %w", seq, err)
	}
	return nil
}

func setCursorTx(ctx context.Context, tx *sql.Tx, seq int64) error {
	const q = `
		INSERT INTO sync_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	if _, err := tx.ExecContext(ctx, q, cursorKey, strconv.FormatInt(seq, 10)); err != nil {
		return fmt.Errorf("storing cursor %d: %w", seq, err)
	}
	return nil
}

// ClearCursor removes the stored cursor (logout path).
func (s *Store) ClearCursor(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_meta WHERE key = ?`, cursorKey); err != nil {
		return fmt.Errorf("clearing cursor: %w", err)
	}
	return nil
}

// --- reporting ------------------------------------------------------------------

// StatusCounts returns the number of items per kind and status. Statuses
// are parsed with the unknown fallback so rows written by newer versions
// show up as unknown instead of breaking the report.
func (s *Store) StatusCounts(ctx context.Context) (map[model.Kind]map[model.SyncStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, status, COUNT(*) FROM items GROUP BY kind, status`)
	if err != nil {
		return nil, fmt.Errorf("counting items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[model.Kind]map[model.SyncStatus]int)
	for rows.Next() {
		var kind, status string
		var n int
		if err := rows.Scan(&kind, &status, &n); err != nil {
			return nil, fmt.Errorf("scanning count row: %w", err)
		}
		k := model.Kind(kind)
		if counts[k] == nil {
			counts[k] = make(map[model.SyncStatus]int)
		}
		counts[k][model.ParseSyncStatus(status)] += n
	}
	return counts, rows.Err()
}

// --- helpers -----------------------------------------------------------------

// scanner matches both *sql.Row and *sql.Rows so scanItem can be reused.
type scanner interface {
	Scan(dest ...any) error
}

func scanItem(sc scanner) (*model.Item, error) {
	var item model.Item
	var kind, payload, status, resume, reason, updatedAt string

	err := sc.Scan(&kind, &item.ID, &payload, &status, &resume, &reason, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning item row: %w", err)
	}

	item.Kind = model.Kind(kind)
	item.Payload = []byte(payload)
	item.Status = model.ParseSyncStatus(status)
	if resume != "" {
		item.Resume = model.ParseSyncStatus(resume)
	}
	item.ErrorReason = model.ParseErrorReason(reason)
	item.UpdatedAt, _ = parseTime(updatedAt)

	return &item, nil
}

func oneRow(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading rows affected: %w", err)
	}
	return n > 0, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
