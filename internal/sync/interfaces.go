// Package sync implements the offline-first synchronization core for
// pezzosync. Local mutations are queued in the store under pending
// statuses and drained to the catalog server; server-side changes flow
// back in through a cursor-gated event feed.
//
// The package contains two main components:
//
//   - [Engine] drains pending outbound mutations for one item kind,
//     woken by mutations and paced by an adaptive backoff.
//   - [CatchUp] reconciles inbound server state, replaying the event
//     feed from a stored cursor and falling back to a full snapshot
//     when the cursor is missing or pruned.
package sync

import (
	"context"

	"github.com/pezzottify/pezzosync/internal/model"
)

// MutationStore provides the pending-item queue and its status
// transitions. Implemented by [store.Store]. The transition methods
// return false when a concurrent mutation already moved the row out of
// the expected status; the engine yields in that case and leaves the
// row for a later sweep.
type MutationStore interface {
	ListPending(ctx context.Context, kind model.Kind) ([]*model.Item, error)
	MarkSyncing(ctx context.Context, kind model.Kind, id string, from model.SyncStatus) (bool, error)
	FinishSync(ctx context.Context, kind model.Kind, id string) (bool, error)
	Requeue(ctx context.Context, kind model.Kind, id string) (bool, error)
	RequeueCreate(ctx context.Context, kind model.Kind, id string) (bool, error)
	MarkError(ctx context.Context, kind model.Kind, id string, reason model.ErrorReason) (bool, error)
	DeleteIfSyncing(ctx context.Context, kind model.Kind, id string) (bool, error)
	AdoptServerID(ctx context.Context, kind model.Kind, localID, serverID string) error
}

// Remote dispatches one mutation to the catalog server. Implemented per
// kind by [catalog.LikesRemote], [catalog.PlaylistsRemote], and
// [catalog.ListeningRemote]. Create returns the server's id for the
// record, which may differ from the local provisional id.
type Remote interface {
	Create(ctx context.Context, item *model.Item) (string, error)
	Update(ctx context.Context, item *model.Item) error
	Delete(ctx context.Context, item *model.Item) error
}

// CatchUpStore provides the inbound half of the store: snapshot
// replacement, event application, and the sync cursor. Implemented by
// [store.Store]. ApplyUpsert and ApplyDelete never touch rows holding a
// local pending mutation.
type CatchUpStore interface {
	Get(ctx context.Context, kind model.Kind, id string) (*model.Item, error)
	ApplyUpsert(ctx context.Context, item *model.Item) error
	ApplyDelete(ctx context.Context, kind model.Kind, id string) error
	ReplaceSnapshot(ctx context.Context, items []*model.Item, cursor int64) error
	Cursor(ctx context.Context) (int64, bool, error)
	SetCursor(ctx context.Context, seq int64) error
	ClearCursor(ctx context.Context) error
}

// SnapshotSource fetches server-side sync state. Implemented by
// [catalog.Client].
type SnapshotSource interface {
	FetchState(ctx context.Context) (*model.Snapshot, error)
	FetchEventsSince(ctx context.Context, since int64) (*model.EventsPage, error)
}

// SessionGate reports whether a usable session token is on hand.
// Implemented by [session.Manager]. The engine checks it before every
// sweep and skips quietly when unauthenticated rather than burning
// items into error states.
type SessionGate interface {
	Authenticated() bool
}
