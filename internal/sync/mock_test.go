package sync

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	stdsync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pezzottify/pezzosync/internal/model"
	"github.com/pezzottify/pezzosync/internal/store"
)

var testLogger = slog.Default()

// fastPacing keeps loop tests snappy without changing the shape of the
// backoff curve.
func fastPacing() Pacing {
	return Pacing{
		MinSleep:       5 * time.Millisecond,
		MaxSleep:       50 * time.Millisecond,
		GrowthFactor:   1.4,
		SessionRecheck: 10 * time.Millisecond,
	}
}

// --- Test store ---------------------------------------------------------------

// The engine and catch-up tests run against the real SQLite store: the
// status transitions under test are compare-and-set statements, and a
// hand-rolled fake would just re-implement them.

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func putLike(t *testing.T, s *store.Store, contentType, contentID string, status model.SyncStatus) string {
	t.Helper()
	payload, err := json.Marshal(model.LikePayload{ContentType: contentType, ContentID: contentID})
	if err != nil {
		t.Fatalf("encoding like payload: %v", err)
	}
	id := model.LikeID(contentType, contentID)
	item := &model.Item{Kind: model.KindLikes, ID: id, Payload: payload, Status: status}
	if err := s.Upsert(context.Background(), item); err != nil {
		t.Fatalf("seeding like %s: %v", id, err)
	}
	return id
}

func putPlaylist(t *testing.T, s *store.Store, id, name string, tracks []string, status model.SyncStatus) {
	t.Helper()
	payload, err := json.Marshal(model.PlaylistPayload{Name: name, TrackIDs: tracks})
	if err != nil {
		t.Fatalf("encoding playlist payload: %v", err)
	}
	item := &model.Item{Kind: model.KindPlaylists, ID: id, Payload: payload, Status: status}
	if err := s.Upsert(context.Background(), item); err != nil {
		t.Fatalf("seeding playlist %s: %v", id, err)
	}
}

func getItem(t *testing.T, s *store.Store, kind model.Kind, id string) *model.Item {
	t.Helper()
	item, err := s.Get(context.Background(), kind, id)
	if err != nil {
		t.Fatalf("get %s/%s: %v", kind, id, err)
	}
	return item
}

func decodePlaylist(t *testing.T, item *model.Item) model.PlaylistPayload {
	t.Helper()
	var p model.PlaylistPayload
	if err := json.Unmarshal(item.Payload, &p); err != nil {
		t.Fatalf("decoding playlist payload: %v", err)
	}
	return p
}

// waitUntil polls cond until it holds or the deadline passes.
func waitUntil(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// --- Mock remote ----------------------------------------------------------------

type remoteCall struct {
	op string // "create", "update", "delete"
	id string
}

// mockRemote scripts per-operation error sequences. An exhausted script
// means success. Creates return serverID, or the item's own id when
// serverID is empty (the likes behavior).
type mockRemote struct {
	mu stdsync.Mutex

	serverID   string
	createErrs []error
	updateErrs []error
	deleteErrs []error

	// hold, when non-nil, blocks Create until the channel is closed.
	hold chan struct{}

	calls       []remoteCall
	inFlight    int
	maxInFlight int
}

func newMockRemote() *mockRemote { return &mockRemote{} }

func (m *mockRemote) scriptCreate(errs ...error) { m.mu.Lock(); m.createErrs = append(m.createErrs, errs...); m.mu.Unlock() }
func (m *mockRemote) scriptUpdate(errs ...error) { m.mu.Lock(); m.updateErrs = append(m.updateErrs, errs...); m.mu.Unlock() }
func (m *mockRemote) scriptDelete(errs ...error) { m.mu.Lock(); m.deleteErrs = append(m.deleteErrs, errs...); m.mu.Unlock() }

func (m *mockRemote) begin(op, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, remoteCall{op, id})
	m.inFlight++
	if m.inFlight > m.maxInFlight {
		m.maxInFlight = m.inFlight
	}
}

func (m *mockRemote) end() {
	m.mu.Lock()
	m.inFlight--
	m.mu.Unlock()
}

func (m *mockRemote) nextErr(errs *[]error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (m *mockRemote) Create(ctx context.Context, item *model.Item) (string, error) {
	m.begin("create", item.ID)
	defer m.end()

	m.mu.Lock()
	hold := m.hold
	m.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	if err := m.nextErr(&m.createErrs); err != nil {
		return "", err
	}
	m.mu.Lock()
	sid := m.serverID
	m.mu.Unlock()
	if sid == "" {
		return item.ID, nil
	}
	return sid, nil
}

func (m *mockRemote) Update(ctx context.Context, item *model.Item) error {
	m.begin("update", item.ID)
	defer m.end()
	return m.nextErr(&m.updateErrs)
}

func (m *mockRemote) Delete(ctx context.Context, item *model.Item) error {
	m.begin("delete", item.ID)
	defer m.end()
	return m.nextErr(&m.deleteErrs)
}

func (m *mockRemote) count(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.op == op {
			n++
		}
	}
	return n
}

func (m *mockRemote) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *mockRemote) maxConcurrent() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxInFlight
}

// --- Mock session gate ------------------------------------------------------------

type mockGate struct {
	ok atomic.Bool
}

func newMockGate(ok bool) *mockGate {
	g := &mockGate{}
	g.ok.Store(ok)
	return g
}

func (g *mockGate) Authenticated() bool { return g.ok.Load() }

func (g *mockGate) set(ok bool) { g.ok.Store(ok) }

// --- Mock snapshot source -----------------------------------------------------------

// mockSource holds a snapshot and a full event log; FetchEventsSince
// filters the log by sequence like the real server.
type mockSource struct {
	mu        stdsync.Mutex
	snapshot  model.Snapshot
	stateErr  error
	log       []model.StoredEvent
	eventsErr error

	stateCalls  int
	eventsCalls int
}

func newMockSource() *mockSource { return &mockSource{} }

func (m *mockSource) FetchState(ctx context.Context) (*model.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateCalls++
	if m.stateErr != nil {
		return nil, m.stateErr
	}
	snap := m.snapshot
	return &snap, nil
}

func (m *mockSource) FetchEventsSince(ctx context.Context, since int64) (*model.EventsPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventsCalls++
	if m.eventsErr != nil {
		return nil, m.eventsErr
	}
	page := &model.EventsPage{}
	for _, ev := range m.log {
		if ev.Seq > since {
			page.Events = append(page.Events, ev)
		}
		if ev.Seq > page.CurrentSeq {
			page.CurrentSeq = ev.Seq
		}
	}
	return page, nil
}

func (m *mockSource) stateCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateCalls
}

func likeEvent(t *testing.T, seq int64, typ, contentType, contentID string) model.StoredEvent {
	t.Helper()
	payload, err := json.Marshal(model.LikeEventPayload{ContentType: contentType, ContentID: contentID})
	if err != nil {
		t.Fatalf("encoding like event: %v", err)
	}
	return model.StoredEvent{Seq: seq, Type: typ, Payload: payload}
}

func playlistEvent(t *testing.T, seq int64, typ string, p model.PlaylistEventPayload) model.StoredEvent {
	t.Helper()
	payload, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("encoding playlist event: %v", err)
	}
	return model.StoredEvent{Seq: seq, Type: typ, Payload: payload}
}
