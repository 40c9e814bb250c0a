package catalog

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pezzottify/pezzosync/internal/model"
)

func likeItem(t *testing.T, contentType, contentID string) *model.Item {
	t.Helper()
	payload, err := json.Marshal(model.LikePayload{ContentType: contentType, ContentID: contentID})
	if err != nil {
		t.Fatalf("encoding payload: %v", err)
	}
	return &model.Item{
		Kind:    model.KindLikes,
		ID:      model.LikeID(contentType, contentID),
		Payload: payload,
		Status:  model.StatusSyncing,
	}
}

func TestLikesRemote_CreateKeepsNaturalID(t *testing.T) {
	var gotPath string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	})
	remote := NewLikesRemote(c)

	item := likeItem(t, model.ContentTrack, "t1")
	serverID, err := remote.Create(context.Background(), item)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Likes carry their natural key; the engine must see no id change.
	if serverID != item.ID {
		t.Errorf("server id = %q, want %q", serverID, item.ID)
	}
	if gotPath != "/v1/user/liked/track/t1" {
		t.Errorf("path = %q, want /v1/user/liked/track/t1", gotPath)
	}
}

func TestLikesRemote_DeleteUnlikes(t *testing.T) {
	var gotMethod, gotPath string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	})
	remote := NewLikesRemote(c)

	if err := remote.Delete(context.Background(), likeItem(t, model.ContentAlbum, "a1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotMethod != http.MethodDelete || gotPath != "/v1/user/liked/album/a1" {
		t.Errorf("got %s %s, want DELETE /v1/user/liked/album/a1", gotMethod, gotPath)
	}
}

func TestLikesRemote_BadPayload(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("request sent despite undecodable payload")
	})
	remote := NewLikesRemote(c)

	item := &model.Item{Kind: model.KindLikes, ID: "track:t1", Payload: []byte("{broken")}
	if _, err := remote.Create(context.Background(), item); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestPlaylistsRemote_CreateReturnsServerID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`"p77"`))
	})
	remote := NewPlaylistsRemote(c)

	payload, _ := json.Marshal(model.PlaylistPayload{Name: "Focus"})
	item := &model.Item{Kind: model.KindPlaylists, ID: "local-abc", Payload: payload}

	serverID, err := remote.Create(context.Background(), item)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if serverID != "p77" {
		t.Errorf("server id = %q, want p77", serverID)
	}
}

func TestPlaylistsRemote_UpdateSendsPayload(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/v1/user/playlist/p77" {
			t.Errorf("got %s %s, want PUT /v1/user/playlist/p77", r.Method, r.URL.Path)
		}
		var p model.PlaylistPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			t.Errorf("decoding request body: %v", err)
		}
		if p.Name != "Deep Focus" || len(p.TrackIDs) != 1 {
			t.Errorf("payload = %+v", p)
		}
		w.WriteHeader(http.StatusNoContent)
	})
	remote := NewPlaylistsRemote(c)

	payload, _ := json.Marshal(model.PlaylistPayload{Name: "Deep Focus", TrackIDs: []string{"t1"}})
	item := &model.Item{Kind: model.KindPlaylists, ID: "p77", Payload: payload}
	if err := remote.Update(context.Background(), item); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestListeningRemote_CreateStampsClientType(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var p model.ListeningPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			t.Errorf("decoding request body: %v", err)
		}
		if p.ClientType != ClientType {
			t.Errorf("client_type = %q, want %q", p.ClientType, ClientType)
		}
		if p.SessionID != "sess-4" {
			t.Errorf("session_id = %q, want sess-4", p.SessionID)
		}
		_, _ = w.Write([]byte(`{"id":"srv-1","created":true}`))
	})
	remote := NewListeningRemote(c)

	payload, _ := json.Marshal(model.ListeningPayload{TrackID: "t1", SessionID: "sess-4"})
	item := &model.Item{Kind: model.KindListening, ID: "local-1", Payload: payload}

	serverID, err := remote.Create(context.Background(), item)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if serverID != "srv-1" {
		t.Errorf("server id = %q, want srv-1", serverID)
	}
}

func TestListeningRemote_Immutable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("immutable operation reached the server")
	}))
	t.Cleanup(server.Close)
	remote := NewListeningRemote(NewClient(server.URL, StaticToken("tok"), slog.Default()))

	item := &model.Item{Kind: model.KindListening, ID: "srv-1"}
	if err := remote.Update(context.Background(), item); err == nil || !strings.Contains(err.Error(), "immutable") {
		t.Errorf("Update error = %v, want immutable", err)
	}
	if err := remote.Delete(context.Background(), item); err == nil || !strings.Contains(err.Error(), "immutable") {
		t.Errorf("Delete error = %v, want immutable", err)
	}
}
