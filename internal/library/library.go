// Package library is the user-facing mutation facade. Every operation
// records its intent as a pending status in the local store and returns
// immediately; the sync engines carry the mutation to the catalog server
// in the background. Mutations are legal at any time, connected or not.
package library

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/pezzottify/pezzosync/internal/model"
	"github.com/pezzottify/pezzosync/internal/store"
)

// Waker nudges the engine owning a kind after a mutation is queued.
type Waker interface {
	WakeUp()
}

// Library applies user mutations to the local store.
type Library struct {
	store  *store.Store
	wakers map[model.Kind]Waker
	logger *slog.Logger
}

// New creates the facade. Engines register themselves with
// [Library.RegisterWaker] before use.
func New(s *store.Store, logger *slog.Logger) *Library {
	return &Library{
		store:  s,
		wakers: make(map[model.Kind]Waker),
		logger: logger,
	}
}

// RegisterWaker attaches the engine to wake after mutations of kind.
// Not safe for concurrent use; wire everything up before serving.
func (l *Library) RegisterWaker(kind model.Kind, w Waker) {
	l.wakers[kind] = w
}

func (l *Library) wake(kind model.Kind) {
	if w := l.wakers[kind]; w != nil {
		w.WakeUp()
	}
}

// localID mints a provisional id for records the server has not named yet.
func localID() string {
	return "local-" + uuid.NewString()
}

// Like marks content as liked. Liking already-liked content is a no-op;
// liking content with a queued or failed unlike re-asserts the like.
func (l *Library) Like(ctx context.Context, contentType, contentID string) error {
	id := model.LikeID(contentType, contentID)
	cur, err := l.store.Get(ctx, model.KindLikes, id)
	if err != nil {
		return err
	}

	switch {
	case cur == nil:
		// First like, insert below.
	case cur.Status == model.StatusPendingDelete:
	case cur.Status == model.StatusSyncing && cur.Resume == model.StatusPendingDelete:
	case cur.Status == model.StatusSyncError:
	default:
		// Already liked or a create is on its way.
		return nil
	}

	payload, err := json.Marshal(model.LikePayload{ContentType: contentType, ContentID: contentID})
	if err != nil {
		return fmt.Errorf("encode like payload: %w", err)
	}
	item := &model.Item{
		Kind:    model.KindLikes,
		ID:      id,
		Payload: payload,
		Status:  model.StatusPendingCreate,
	}
	if err := l.store.Upsert(ctx, item); err != nil {
		return err
	}
	l.logger.Debug("like queued", "id", id)
	l.wake(model.KindLikes)
	return nil
}

// Unlike removes a like. A like the server has never seen is dropped
// locally; anything else queues a delete, overruling an in-flight or
// failed sync.
func (l *Library) Unlike(ctx context.Context, contentType, contentID string) error {
	id := model.LikeID(contentType, contentID)
	cur, err := l.store.Get(ctx, model.KindLikes, id)
	if err != nil {
		return err
	}
	if cur == nil {
		return nil
	}

	if cur.Status == model.StatusPendingCreate {
		if err := l.store.Delete(ctx, model.KindLikes, id); err != nil {
			return err
		}
		l.logger.Debug("unsynced like dropped", "id", id)
		return nil
	}

	cur.Status = model.StatusPendingDelete
	cur.Resume = ""
	cur.ErrorReason = ""
	if err := l.store.Upsert(ctx, cur); err != nil {
		return err
	}
	l.logger.Debug("unlike queued", "id", id)
	l.wake(model.KindLikes)
	return nil
}

// CreatePlaylist queues a playlist create and returns its provisional
// local id. The id changes to the server-assigned one once the create
// syncs.
func (l *Library) CreatePlaylist(ctx context.Context, name string, trackIDs []string) (string, error) {
	payload, err := json.Marshal(model.PlaylistPayload{Name: name, TrackIDs: trackIDs})
	if err != nil {
		return "", fmt.Errorf("encode playlist payload: %w", err)
	}
	id := localID()
	item := &model.Item{
		Kind:    model.KindPlaylists,
		ID:      id,
		Payload: payload,
		Status:  model.StatusPendingCreate,
	}
	if err := l.store.Upsert(ctx, item); err != nil {
		return "", err
	}
	l.logger.Debug("playlist create queued", "id", id, "name", name)
	l.wake(model.KindPlaylists)
	return id, nil
}

// RenamePlaylist updates a playlist's name.
func (l *Library) RenamePlaylist(ctx context.Context, id, name string) error {
	return l.updatePlaylist(ctx, id, func(p *model.PlaylistPayload) {
		p.Name = name
	})
}

// SetPlaylistTracks replaces a playlist's track list.
func (l *Library) SetPlaylistTracks(ctx context.Context, id string, trackIDs []string) error {
	return l.updatePlaylist(ctx, id, func(p *model.PlaylistPayload) {
		p.TrackIDs = trackIDs
	})
}

// updatePlaylist rewrites the payload and queues the right status. A
// playlist the server has never seen stays pending_create: the newest
// payload rides the create. Everything else becomes pending_update, which
// also overrules an in-flight or failed sync.
func (l *Library) updatePlaylist(ctx context.Context, id string, mutate func(*model.PlaylistPayload)) error {
	cur, err := l.store.Get(ctx, model.KindPlaylists, id)
	if err != nil {
		return err
	}
	if cur == nil || deleteQueued(cur) {
		return model.ErrNotFound
	}

	var p model.PlaylistPayload
	if err := json.Unmarshal(cur.Payload, &p); err != nil {
		return fmt.Errorf("decode playlist payload for %s: %w", id, err)
	}
	mutate(&p)
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode playlist payload: %w", err)
	}

	status := model.StatusPendingUpdate
	if cur.Status == model.StatusPendingCreate ||
		(cur.Status == model.StatusSyncError && cur.Resume == model.StatusPendingCreate) {
		status = model.StatusPendingCreate
	}
	item := &model.Item{
		Kind:    model.KindPlaylists,
		ID:      id,
		Payload: payload,
		Status:  status,
	}
	if err := l.store.Upsert(ctx, item); err != nil {
		return err
	}
	l.logger.Debug("playlist update queued", "id", id, "status", status)
	l.wake(model.KindPlaylists)
	return nil
}

// DeletePlaylist removes a playlist. Deleting an absent playlist is a
// no-op; a playlist the server has never seen is dropped locally.
func (l *Library) DeletePlaylist(ctx context.Context, id string) error {
	cur, err := l.store.Get(ctx, model.KindPlaylists, id)
	if err != nil {
		return err
	}
	if cur == nil {
		return nil
	}

	if cur.Status == model.StatusPendingCreate {
		if err := l.store.Delete(ctx, model.KindPlaylists, id); err != nil {
			return err
		}
		l.logger.Debug("unsynced playlist dropped", "id", id)
		return nil
	}

	cur.Status = model.StatusPendingDelete
	cur.Resume = ""
	cur.ErrorReason = ""
	if err := l.store.Upsert(ctx, cur); err != nil {
		return err
	}
	l.logger.Debug("playlist delete queued", "id", id)
	l.wake(model.KindPlaylists)
	return nil
}

// RecordListening queues a listening event. A missing SessionID gets a
// fresh uuid so server-side creation stays idempotent across retries.
func (l *Library) RecordListening(ctx context.Context, p model.ListeningPayload) (string, error) {
	if p.SessionID == "" {
		p.SessionID = uuid.NewString()
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode listening payload: %w", err)
	}
	id := localID()
	item := &model.Item{
		Kind:    model.KindListening,
		ID:      id,
		Payload: payload,
		Status:  model.StatusPendingCreate,
	}
	if err := l.store.Upsert(ctx, item); err != nil {
		return "", err
	}
	l.logger.Debug("listening event queued", "id", id, "track", p.TrackID)
	l.wake(model.KindListening)
	return id, nil
}

// RetryErrored returns every sync_error row of kind to its originating
// pending status and wakes the engine.
func (l *Library) RetryErrored(ctx context.Context, kind model.Kind) (int64, error) {
	n, err := l.store.RetryErrored(ctx, kind)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		l.logger.Info("errored items requeued", "kind", kind, "count", n)
		l.wake(kind)
	}
	return n, nil
}

// deleteQueued reports whether a delete is queued or in flight for the
// row, making it absent from the user's point of view.
func deleteQueued(item *model.Item) bool {
	if item.Status == model.StatusPendingDelete {
		return true
	}
	return item.Status == model.StatusSyncing && item.Resume == model.StatusPendingDelete
}
