package model

import "encoding/json"

// StoredEvent is one entry of the server's append-only user event log,
// exactly as it appears on the wire:
//
//	{"seq": 42, "type": "content_liked", "payload": {...}, "server_timestamp": 1701700000}
//
// Events arrive via GET /v1/sync/events and via WebSocket push. They are
// applied in ascending Seq order; a Seq at or below the stored cursor is a
// duplicate delivery and is discarded.
type StoredEvent struct {
	Seq             int64           `json:"seq"`
	Type            string          `json:"type"`
	Payload         json.RawMessage `json:"payload"`
	ServerTimestamp int64           `json:"server_timestamp"`
}

// Event types the catch-up manager applies. The log carries further types
// (settings, permissions, downloads, notifications); those are skipped and
// the cursor advances past them.
const (
	EventContentLiked          = "content_liked"
	EventContentUnliked        = "content_unliked"
	EventPlaylistCreated       = "playlist_created"
	EventPlaylistRenamed       = "playlist_renamed"
	EventPlaylistDeleted       = "playlist_deleted"
	EventPlaylistTracksUpdated = "playlist_tracks_updated"
)

// LikeEventPayload decodes content_liked / content_unliked payloads.
type LikeEventPayload struct {
	ContentType string `json:"content_type"`
	ContentID   string `json:"content_id"`
}

// PlaylistEventPayload decodes the playlist_* payload variants. Fields a
// given variant does not carry stay zero.
type PlaylistEventPayload struct {
	PlaylistID string   `json:"playlist_id"`
	Name       string   `json:"name"`
	TrackIDs   []string `json:"track_ids"`
}
