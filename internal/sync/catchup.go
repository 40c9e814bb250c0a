package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/pezzottify/pezzosync/internal/model"
)

const (
	spanFullSync        = "catchup.full_sync"
	spanCatchUp         = "catchup.events"
	metricEventsApplied = "pezzosync.catchup.events.applied"
	metricEventsSkipped = "pezzosync.catchup.events.skipped"
	metricFullSyncs     = "pezzosync.catchup.full_syncs"
)

// State is the catch-up manager's reconciliation phase, readable at any
// time through [CatchUp.State].
type State string

const (
	// StateIdle means no reconciliation has run since startup or cleanup.
	StateIdle State = "idle"
	// StateSyncing means a reconciliation is in progress.
	StateSyncing State = "syncing"
	// StateSynced means the last reconciliation completed.
	StateSynced State = "synced"
	// StateError means the last reconciliation failed.
	StateError State = "error"
)

// CatchUp reconciles inbound server state into the local store. It
// replays the event feed from a stored cursor, falls back to a full
// snapshot when the cursor is missing or pruned, and applies pushed
// events one at a time. All operations serialize on an internal mutex:
// a full sync and a catch-up never interleave, and a pushed event never
// lands in the middle of a snapshot replace.
//
// Inbound writes never clobber local pending mutations; the store's
// apply operations skip rows the engine still has to drain.
type CatchUp struct {
	store   CatchUpStore
	source  SnapshotSource
	session SessionGate
	log     *slog.Logger

	op stdsync.Mutex // serializes reconciliation operations

	stateMu stdsync.Mutex
	state   State
	lastErr string

	tracer       trace.Tracer
	cntApplied   metric.Int64Counter
	cntSkipped   metric.Int64Counter
	cntFullSyncs metric.Int64Counter
}

// NewCatchUp creates a catch-up manager in the idle state.
func NewCatchUp(store CatchUpStore, source SnapshotSource, session SessionGate, logger *slog.Logger) *CatchUp {
	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	return &CatchUp{
		store:   store,
		source:  source,
		session: session,
		log:     logger,
		state:   StateIdle,

		tracer:       tracer,
		cntApplied:   mustCounter(metricEventsApplied, "Number of server events applied locally"),
		cntSkipped:   mustCounter(metricEventsSkipped, "Number of server events skipped (stale or unhandled type)"),
		cntFullSyncs: mustCounter(metricFullSyncs, "Number of full snapshot syncs"),
	}
}

// State returns the current reconciliation phase.
func (c *CatchUp) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// LastError returns the failure message of the most recent
// reconciliation, empty unless State is [StateError].
func (c *CatchUp) LastError() string {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.lastErr
}

func (c *CatchUp) setState(s State, err error) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.state = s
	c.lastErr = ""
	if err != nil {
		c.lastErr = err.Error()
	}
}

// Initialize brings local state up to date at startup: catch-up when a
// cursor is stored, full sync otherwise. Skips quietly when no usable
// session is on hand; the next connect or wake tries again.
func (c *CatchUp) Initialize(ctx context.Context) error {
	if !c.session.Authenticated() {
		c.log.Info("no usable session, initial reconcile skipped")
		return nil
	}
	c.op.Lock()
	defer c.op.Unlock()

	_, ok, err := c.store.Cursor(ctx)
	if err != nil {
		return fmt.Errorf("reading cursor: %w", err)
	}
	if !ok {
		return c.fullSyncLocked(ctx)
	}
	return c.catchUpLocked(ctx)
}

// FullSync replaces all server-origin local state with a fresh snapshot
// and stores its sequence as the new cursor. Rows holding local pending
// mutations survive the replace.
func (c *CatchUp) FullSync(ctx context.Context) error {
	c.op.Lock()
	defer c.op.Unlock()
	return c.fullSyncLocked(ctx)
}

// CatchUp replays events recorded after the stored cursor. A missing
// cursor or one the server has pruned degrades to a full sync.
func (c *CatchUp) CatchUp(ctx context.Context) error {
	c.op.Lock()
	defer c.op.Unlock()
	return c.catchUpLocked(ctx)
}

// HandleSyncMessage applies a single pushed event. Events at or below
// the stored cursor are duplicate deliveries and are discarded, as is
// everything that arrives before a baseline exists.
func (c *CatchUp) HandleSyncMessage(ctx context.Context, ev model.StoredEvent) error {
	c.op.Lock()
	defer c.op.Unlock()

	cursor, ok, err := c.store.Cursor(ctx)
	if err != nil {
		return fmt.Errorf("reading cursor: %w", err)
	}
	if !ok {
		c.log.Debug("no sync baseline yet, pushed event discarded", "seq", ev.Seq, "type", ev.Type)
		return nil
	}
	if ev.Seq <= cursor {
		c.log.Debug("stale pushed event discarded", "seq", ev.Seq, "cursor", cursor, "type", ev.Type)
		return nil
	}

	applied, err := c.applyEvent(ctx, &ev)
	if err != nil {
		return fmt.Errorf("applying pushed event %d (%s): %w", ev.Seq, ev.Type, err)
	}
	if err := c.store.SetCursor(ctx, ev.Seq); err != nil {
		return fmt.Errorf("advancing cursor to %d: %w", ev.Seq, err)
	}
	if applied {
		c.cntApplied.Add(ctx, 1)
		c.log.Debug("pushed event applied", "seq", ev.Seq, "type", ev.Type)
	} else {
		c.cntSkipped.Add(ctx, 1)
	}
	return nil
}

// Cleanup drops the cursor and returns to idle. Used on logout. Pending
// outbound items are untouched; only the inbound baseline is forgotten,
// so the next session starts with a full sync.
func (c *CatchUp) Cleanup(ctx context.Context) error {
	c.op.Lock()
	defer c.op.Unlock()

	if err := c.store.ClearCursor(ctx); err != nil {
		return fmt.Errorf("clearing cursor: %w", err)
	}
	c.setState(StateIdle, nil)
	c.log.Info("sync baseline cleared")
	return nil
}

func (c *CatchUp) fullSyncLocked(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, spanFullSync)
	defer span.End()
	c.setState(StateSyncing, nil)

	snap, err := c.source.FetchState(ctx)
	if err != nil {
		err = fmt.Errorf("fetching sync state: %w", err)
		span.RecordError(err)
		c.setState(StateError, err)
		return err
	}
	items := snap.Items()
	if err := c.store.ReplaceSnapshot(ctx, items, snap.Seq); err != nil {
		err = fmt.Errorf("replacing snapshot: %w", err)
		span.RecordError(err)
		c.setState(StateError, err)
		return err
	}

	c.cntFullSyncs.Add(ctx, 1)
	span.SetAttributes(
		attribute.Int("catchup.items", len(items)),
		attribute.Int64("catchup.seq", snap.Seq),
	)
	c.setState(StateSynced, nil)
	c.log.Info("full sync complete", "seq", snap.Seq, "items", len(items))
	return nil
}

func (c *CatchUp) catchUpLocked(ctx context.Context) error {
	cursor, ok, err := c.store.Cursor(ctx)
	if err != nil {
		return fmt.Errorf("reading cursor: %w", err)
	}
	if !ok {
		c.log.Info("no cursor stored, running full sync")
		return c.fullSyncLocked(ctx)
	}

	ctx, span := c.tracer.Start(ctx, spanCatchUp, trace.WithAttributes(
		attribute.Int64("catchup.since", cursor),
	))
	defer span.End()
	c.setState(StateSyncing, nil)

	page, err := c.source.FetchEventsSince(ctx, cursor)
	if errors.Is(err, model.ErrEventsPruned) {
		span.RecordError(err)
		c.log.Info("cursor predates retained events, running full sync", "cursor", cursor)
		return c.fullSyncLocked(ctx)
	}
	if err != nil {
		err = fmt.Errorf("fetching events since %d: %w", cursor, err)
		span.RecordError(err)
		c.setState(StateError, err)
		return err
	}

	applied, skipped := 0, 0
	highest := cursor
	for i := range page.Events {
		ev := &page.Events[i]
		if ev.Seq <= cursor {
			skipped++
			continue
		}
		ok, err := c.applyEvent(ctx, ev)
		if err != nil {
			// Events before this one are already in; replaying them on
			// the next attempt is a no-op thanks to the cursor gate and
			// idempotent application.
			err = fmt.Errorf("applying event %d (%s): %w", ev.Seq, ev.Type, err)
			span.RecordError(err)
			c.setState(StateError, err)
			return err
		}
		if ok {
			applied++
		} else {
			skipped++
		}
		if ev.Seq > highest {
			highest = ev.Seq
		}
	}
	if highest > cursor {
		if err := c.store.SetCursor(ctx, highest); err != nil {
			err = fmt.Errorf("advancing cursor to %d: %w", highest, err)
			span.RecordError(err)
			c.setState(StateError, err)
			return err
		}
	}

	if applied > 0 {
		c.cntApplied.Add(ctx, int64(applied))
	}
	if skipped > 0 {
		c.cntSkipped.Add(ctx, int64(skipped))
	}
	span.SetAttributes(
		attribute.Int("catchup.applied", applied),
		attribute.Int("catchup.skipped", skipped),
		attribute.Int64("catchup.cursor", highest),
	)
	c.setState(StateSynced, nil)
	c.log.Info("catch-up complete", "from", cursor, "to", highest, "applied", applied, "skipped", skipped)
	return nil
}

// applyEvent translates one server event into a store write. The write
// itself refuses to touch rows holding local pending mutations, so a
// local edit always outlives a concurrent server event. Unhandled event
// types (settings, downloads, notifications) report applied=false; the
// caller still advances the cursor past them.
func (c *CatchUp) applyEvent(ctx context.Context, ev *model.StoredEvent) (bool, error) {
	switch ev.Type {
	case model.EventContentLiked:
		p, err := decodeLikeEvent(ev)
		if err != nil {
			return false, err
		}
		payload, err := json.Marshal(model.LikePayload{ContentType: p.ContentType, ContentID: p.ContentID})
		if err != nil {
			return false, err
		}
		return true, c.store.ApplyUpsert(ctx, &model.Item{
			Kind:    model.KindLikes,
			ID:      model.LikeID(p.ContentType, p.ContentID),
			Payload: payload,
			Status:  model.StatusSynced,
		})

	case model.EventContentUnliked:
		p, err := decodeLikeEvent(ev)
		if err != nil {
			return false, err
		}
		return true, c.store.ApplyDelete(ctx, model.KindLikes, model.LikeID(p.ContentType, p.ContentID))

	case model.EventPlaylistCreated:
		p, err := decodePlaylistEvent(ev)
		if err != nil {
			return false, err
		}
		return true, c.applyPlaylistUpsert(ctx, p.PlaylistID, func(cur *model.PlaylistPayload) {
			cur.Name = p.Name
			if p.TrackIDs != nil {
				cur.TrackIDs = p.TrackIDs
			}
		})

	case model.EventPlaylistRenamed:
		p, err := decodePlaylistEvent(ev)
		if err != nil {
			return false, err
		}
		return true, c.applyPlaylistUpsert(ctx, p.PlaylistID, func(cur *model.PlaylistPayload) {
			cur.Name = p.Name
		})

	case model.EventPlaylistTracksUpdated:
		p, err := decodePlaylistEvent(ev)
		if err != nil {
			return false, err
		}
		return true, c.applyPlaylistUpsert(ctx, p.PlaylistID, func(cur *model.PlaylistPayload) {
			cur.TrackIDs = p.TrackIDs
		})

	case model.EventPlaylistDeleted:
		p, err := decodePlaylistEvent(ev)
		if err != nil {
			return false, err
		}
		return true, c.store.ApplyDelete(ctx, model.KindPlaylists, p.PlaylistID)

	default:
		c.log.Debug("unhandled event type skipped", "seq", ev.Seq, "type", ev.Type)
		return false, nil
	}
}

// applyPlaylistUpsert merges a partial playlist event into the stored
// payload. Playlist events carry only the changed fields, so the current
// payload seeds the merge; a missing row seeds it empty. Rows with a
// local pending mutation are left alone.
func (c *CatchUp) applyPlaylistUpsert(ctx context.Context, id string, merge func(*model.PlaylistPayload)) error {
	cur, err := c.store.Get(ctx, model.KindPlaylists, id)
	if err != nil {
		return err
	}
	var payload model.PlaylistPayload
	if cur != nil {
		if cur.Status != model.StatusSynced {
			c.log.Debug("local mutation shadows server event", "kind", model.KindPlaylists, "id", id)
			return nil
		}
		if err := json.Unmarshal(cur.Payload, &payload); err != nil {
			return fmt.Errorf("decode stored playlist %s: %w", id, err)
		}
	}
	merge(&payload)
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.store.ApplyUpsert(ctx, &model.Item{
		Kind:    model.KindPlaylists,
		ID:      id,
		Payload: raw,
		Status:  model.StatusSynced,
	})
}

func decodeLikeEvent(ev *model.StoredEvent) (model.LikeEventPayload, error) {
	var p model.LikeEventPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return p, fmt.Errorf("decode %s payload: %w", ev.Type, err)
	}
	return p, nil
}

func decodePlaylistEvent(ev *model.StoredEvent) (model.PlaylistEventPayload, error) {
	var p model.PlaylistEventPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return p, fmt.Errorf("decode %s payload: %w", ev.Type, err)
	}
	return p, nil
}
