package sync

import (
	"context"
	"testing"

	"github.com/pezzottify/pezzosync/internal/model"
	"github.com/pezzottify/pezzosync/internal/store"
)

// Compile-time: the real store satisfies both store-facing interfaces.
var (
	_ MutationStore = (*store.Store)(nil)
	_ CatchUpStore  = (*store.Store)(nil)
)

func setCursor(t *testing.T, s *store.Store, seq int64) {
	t.Helper()
	if err := s.SetCursor(context.Background(), seq); err != nil {
		t.Fatalf("setting cursor: %v", err)
	}
}

func cursorOf(t *testing.T, s *store.Store) (int64, bool) {
	t.Helper()
	seq, ok, err := s.Cursor(context.Background())
	if err != nil {
		t.Fatalf("reading cursor: %v", err)
	}
	return seq, ok
}

// ---------------------------------------------------------------------------
// Scenario 1: First run, no cursor → full sync
// ---------------------------------------------------------------------------

func TestCatchUp_InitializeFullSyncsWithoutCursor(t *testing.T) {
	s := newTestStore(t)
	source := newMockSource()
	source.snapshot = model.Snapshot{
		Seq: 7,
		Likes: model.SnapshotLikes{
			Albums: []string{"a1"},
			Tracks: []string{"t1", "t2"},
		},
		Playlists: []model.SnapshotPlaylist{{ID: "p1", Name: "Chill", Tracks: []string{"t1"}}},
	}

	c := NewCatchUp(s, source, newMockGate(true), testLogger)
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got, _ := cursorOf(t, s); got != 7 {
		t.Errorf("cursor = %d, want 7", got)
	}
	if c.State() != StateSynced {
		t.Errorf("state = %s, want %s", c.State(), StateSynced)
	}

	like := getItem(t, s, model.KindLikes, model.LikeID(model.ContentAlbum, "a1"))
	if like == nil || like.Status != model.StatusSynced {
		t.Errorf("album like = %+v, want synced row", like)
	}
	pl := getItem(t, s, model.KindPlaylists, "p1")
	if pl == nil {
		t.Fatal("playlist p1 missing after full sync")
	}
	if p := decodePlaylist(t, pl); p.Name != "Chill" {
		t.Errorf("playlist name = %q, want Chill", p.Name)
	}
}

// ---------------------------------------------------------------------------
// Scenario 2: Cursor on hand → events replayed, no snapshot fetch
// ---------------------------------------------------------------------------

func TestCatchUp_InitializeReplaysEventsWithCursor(t *testing.T) {
	s := newTestStore(t)
	setCursor(t, s, 5)

	source := newMockSource()
	source.log = []model.StoredEvent{
		likeEvent(t, 6, model.EventContentLiked, model.ContentTrack, "t1"),
		playlistEvent(t, 7, model.EventPlaylistCreated, model.PlaylistEventPayload{PlaylistID: "p1", Name: "Focus"}),
	}

	c := NewCatchUp(s, source, newMockGate(true), testLogger)
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if source.stateCallCount() != 0 {
		t.Errorf("snapshot fetches = %d, want 0", source.stateCallCount())
	}
	if got, _ := cursorOf(t, s); got != 7 {
		t.Errorf("cursor = %d, want 7", got)
	}
	if item := getItem(t, s, model.KindLikes, model.LikeID(model.ContentTrack, "t1")); item == nil {
		t.Error("liked track missing after catch-up")
	}
	if item := getItem(t, s, model.KindPlaylists, "p1"); item == nil {
		t.Error("playlist missing after catch-up")
	}
}

// ---------------------------------------------------------------------------
// Scenario 3: Replays are idempotent, stale events are no-ops
// ---------------------------------------------------------------------------

func TestCatchUp_StaleEventsAreNoOps(t *testing.T) {
	s := newTestStore(t)
	setCursor(t, s, 6)

	source := newMockSource()
	source.log = []model.StoredEvent{
		likeEvent(t, 5, model.EventContentLiked, model.ContentAlbum, "a5"), // already reflected per cursor
		likeEvent(t, 7, model.EventContentLiked, model.ContentTrack, "t7"),
	}

	c := NewCatchUp(s, source, newMockGate(true), testLogger)
	if err := c.CatchUp(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if item := getItem(t, s, model.KindLikes, model.LikeID(model.ContentAlbum, "a5")); item != nil {
		t.Error("stale event was applied")
	}
	if item := getItem(t, s, model.KindLikes, model.LikeID(model.ContentTrack, "t7")); item == nil {
		t.Error("new event was not applied")
	}
	if got, _ := cursorOf(t, s); got != 7 {
		t.Errorf("cursor = %d, want 7", got)
	}

	// A second catch-up finds nothing newer and changes nothing.
	if err := c.CatchUp(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, _ := cursorOf(t, s); got != 7 {
		t.Errorf("cursor after replay = %d, want 7", got)
	}

	// So does a duplicate push of the same event.
	if err := c.HandleSyncMessage(context.Background(), source.log[1]); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, _ := cursorOf(t, s); got != 7 {
		t.Errorf("cursor after duplicate push = %d, want 7", got)
	}
}

// ---------------------------------------------------------------------------
// Scenario 4: Server pruned the cursor's events → degrade to full sync
// ---------------------------------------------------------------------------

func TestCatchUp_PrunedCursorFallsBackToFullSync(t *testing.T) {
	s := newTestStore(t)
	setCursor(t, s, 3)
	putLike(t, s, model.ContentAlbum, "stale", model.StatusSynced)

	source := newMockSource()
	source.eventsErr = model.ErrEventsPruned
	source.snapshot = model.Snapshot{
		Seq:   42,
		Likes: model.SnapshotLikes{Tracks: []string{"t1"}},
	}

	c := NewCatchUp(s, source, newMockGate(true), testLogger)
	if err := c.CatchUp(context.Background()); err != nil {
		t.Fatalf("pruned cursor must degrade to full sync, got error: %v", err)
	}

	if source.stateCallCount() != 1 {
		t.Errorf("snapshot fetches = %d, want 1", source.stateCallCount())
	}
	if got, _ := cursorOf(t, s); got != 42 {
		t.Errorf("cursor = %d, want 42", got)
	}
	if item := getItem(t, s, model.KindLikes, model.LikeID(model.ContentAlbum, "stale")); item != nil {
		t.Error("stale synced row survived the snapshot replace")
	}
	if item := getItem(t, s, model.KindLikes, model.LikeID(model.ContentTrack, "t1")); item == nil {
		t.Error("snapshot row missing")
	}
	if c.State() != StateSynced {
		t.Errorf("state = %s, want %s", c.State(), StateSynced)
	}
}

func TestCatchUp_WithoutCursorRunsFullSync(t *testing.T) {
	s := newTestStore(t)
	source := newMockSource()
	source.snapshot = model.Snapshot{Seq: 9}

	c := NewCatchUp(s, source, newMockGate(true), testLogger)
	if err := c.CatchUp(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if source.stateCallCount() != 1 {
		t.Errorf("snapshot fetches = %d, want 1", source.stateCallCount())
	}
	if got, _ := cursorOf(t, s); got != 9 {
		t.Errorf("cursor = %d, want 9", got)
	}
}

// ---------------------------------------------------------------------------
// Scenario 5: Pushed events
// ---------------------------------------------------------------------------

func TestCatchUp_HandleSyncMessage_AppliesAndAdvances(t *testing.T) {
	s := newTestStore(t)
	setCursor(t, s, 10)

	c := NewCatchUp(s, newMockSource(), newMockGate(true), testLogger)
	ev := likeEvent(t, 11, model.EventContentLiked, model.ContentArtist, "ar1")
	if err := c.HandleSyncMessage(context.Background(), ev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if item := getItem(t, s, model.KindLikes, model.LikeID(model.ContentArtist, "ar1")); item == nil {
		t.Error("pushed like missing")
	}
	if got, _ := cursorOf(t, s); got != 11 {
		t.Errorf("cursor = %d, want 11", got)
	}
}

func TestCatchUp_HandleSyncMessage_DiscardsStale(t *testing.T) {
	s := newTestStore(t)
	setCursor(t, s, 20)

	c := NewCatchUp(s, newMockSource(), newMockGate(true), testLogger)
	ev := likeEvent(t, 20, model.EventContentLiked, model.ContentTrack, "t1")
	if err := c.HandleSyncMessage(context.Background(), ev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if item := getItem(t, s, model.KindLikes, model.LikeID(model.ContentTrack, "t1")); item != nil {
		t.Error("stale pushed event was applied")
	}
	if got, _ := cursorOf(t, s); got != 20 {
		t.Errorf("cursor = %d, want unchanged 20", got)
	}
}

func TestCatchUp_HandleSyncMessage_RequiresBaseline(t *testing.T) {
	s := newTestStore(t)

	c := NewCatchUp(s, newMockSource(), newMockGate(true), testLogger)
	ev := likeEvent(t, 3, model.EventContentLiked, model.ContentTrack, "t1")
	if err := c.HandleSyncMessage(context.Background(), ev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if item := getItem(t, s, model.KindLikes, model.LikeID(model.ContentTrack, "t1")); item != nil {
		t.Error("event applied without a baseline")
	}
	if _, ok := cursorOf(t, s); ok {
		t.Error("cursor appeared without a baseline")
	}
}

// ---------------------------------------------------------------------------
// Scenario 6: Local pending mutations survive inbound writes
// ---------------------------------------------------------------------------

func TestCatchUp_FullSyncPreservesPendingRows(t *testing.T) {
	s := newTestStore(t)
	putPlaylist(t, s, "local-x", "Drafts", nil, model.StatusPendingCreate)
	putLike(t, s, model.ContentAlbum, "gone", model.StatusSynced)

	source := newMockSource()
	source.snapshot = model.Snapshot{
		Seq:       42,
		Playlists: []model.SnapshotPlaylist{{ID: "p1", Name: "Chill"}},
	}

	c := NewCatchUp(s, source, newMockGate(true), testLogger)
	if err := c.FullSync(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	local := getItem(t, s, model.KindPlaylists, "local-x")
	if local == nil || local.Status != model.StatusPendingCreate {
		t.Errorf("pending row = %+v, want preserved pending_create", local)
	}
	if item := getItem(t, s, model.KindLikes, model.LikeID(model.ContentAlbum, "gone")); item != nil {
		t.Error("synced row not in the snapshot survived")
	}
	if item := getItem(t, s, model.KindPlaylists, "p1"); item == nil {
		t.Error("snapshot playlist missing")
	}
}

func TestCatchUp_EventNeverClobbersLocalMutation(t *testing.T) {
	s := newTestStore(t)
	setCursor(t, s, 5)
	putPlaylist(t, s, "p1", "Mine", []string{"t1"}, model.StatusPendingUpdate)

	c := NewCatchUp(s, newMockSource(), newMockGate(true), testLogger)
	ev := playlistEvent(t, 8, model.EventPlaylistRenamed, model.PlaylistEventPayload{PlaylistID: "p1", Name: "Server"})
	if err := c.HandleSyncMessage(context.Background(), ev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	item := getItem(t, s, model.KindPlaylists, "p1")
	if item.Status != model.StatusPendingUpdate {
		t.Errorf("status = %s, want %s", item.Status, model.StatusPendingUpdate)
	}
	if p := decodePlaylist(t, item); p.Name != "Mine" {
		t.Errorf("name = %q, want local %q to win", p.Name, "Mine")
	}
	// The cursor still advances: the event is reflected, just shadowed.
	if got, _ := cursorOf(t, s); got != 8 {
		t.Errorf("cursor = %d, want 8", got)
	}
}

// ---------------------------------------------------------------------------
// Scenario 7: Unhandled event types advance the cursor
// ---------------------------------------------------------------------------

func TestCatchUp_UnknownEventTypesAdvanceCursor(t *testing.T) {
	s := newTestStore(t)
	setCursor(t, s, 7)

	source := newMockSource()
	source.log = []model.StoredEvent{
		{Seq: 8, Type: "settings_changed", Payload: []byte(`{"theme":"dark"}`)},
		{Seq: 9, Type: "download_completed", Payload: []byte(`{}`)},
	}

	c := NewCatchUp(s, source, newMockGate(true), testLogger)
	if err := c.CatchUp(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, _ := cursorOf(t, s); got != 9 {
		t.Errorf("cursor = %d, want 9", got)
	}
}

// ---------------------------------------------------------------------------
// Scenario 8: Playlist lifecycle through events
// ---------------------------------------------------------------------------

func TestCatchUp_PlaylistLifecycleEvents(t *testing.T) {
	s := newTestStore(t)
	setCursor(t, s, 1)

	source := newMockSource()
	source.log = []model.StoredEvent{
		playlistEvent(t, 2, model.EventPlaylistCreated, model.PlaylistEventPayload{PlaylistID: "p1", Name: "Mix"}),
		playlistEvent(t, 3, model.EventPlaylistTracksUpdated, model.PlaylistEventPayload{PlaylistID: "p1", TrackIDs: []string{"a", "b"}}),
		playlistEvent(t, 4, model.EventPlaylistRenamed, model.PlaylistEventPayload{PlaylistID: "p1", Name: "Best Mix"}),
	}

	c := NewCatchUp(s, source, newMockGate(true), testLogger)
	if err := c.CatchUp(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	item := getItem(t, s, model.KindPlaylists, "p1")
	if item == nil {
		t.Fatal("playlist missing after lifecycle events")
	}
	p := decodePlaylist(t, item)
	if p.Name != "Best Mix" {
		t.Errorf("name = %q, want Best Mix (rename keeps tracks)", p.Name)
	}
	if len(p.TrackIDs) != 2 || p.TrackIDs[0] != "a" || p.TrackIDs[1] != "b" {
		t.Errorf("tracks = %v, want [a b]", p.TrackIDs)
	}

	// The playlist goes away server-side.
	ev := playlistEvent(t, 5, model.EventPlaylistDeleted, model.PlaylistEventPayload{PlaylistID: "p1"})
	if err := c.HandleSyncMessage(context.Background(), ev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if getItem(t, s, model.KindPlaylists, "p1") != nil {
		t.Error("playlist still present after delete event")
	}
	if got, _ := cursorOf(t, s); got != 5 {
		t.Errorf("cursor = %d, want 5", got)
	}
}

// ---------------------------------------------------------------------------
// Scenario 9: Cleanup forgets the baseline, not the outbound queue
// ---------------------------------------------------------------------------

func TestCatchUp_Cleanup(t *testing.T) {
	s := newTestStore(t)
	setCursor(t, s, 12)
	putPlaylist(t, s, "local-1", "Queued", nil, model.StatusPendingCreate)

	c := NewCatchUp(s, newMockSource(), newMockGate(true), testLogger)
	if err := c.Cleanup(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := cursorOf(t, s); ok {
		t.Error("cursor survived cleanup")
	}
	if c.State() != StateIdle {
		t.Errorf("state = %s, want %s", c.State(), StateIdle)
	}
	if item := getItem(t, s, model.KindPlaylists, "local-1"); item == nil {
		t.Error("pending outbound item was dropped by cleanup")
	}
}

func TestCatchUp_InitializeSkipsWhenUnauthenticated(t *testing.T) {
	s := newTestStore(t)
	source := newMockSource()

	c := NewCatchUp(s, source, newMockGate(false), testLogger)
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if source.stateCallCount() != 0 {
		t.Errorf("snapshot fetches = %d, want 0 while unauthenticated", source.stateCallCount())
	}
	if c.State() != StateIdle {
		t.Errorf("state = %s, want %s", c.State(), StateIdle)
	}
}
