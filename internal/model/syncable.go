package model

import (
	"encoding/json"
	"time"
)

// Kind identifies an entity family under synchronization. Each kind gets
// its own engine loop and remote strategy.
type Kind string

const (
	// KindLikes covers liked albums, artists, and tracks.
	KindLikes Kind = "likes"
	// KindPlaylists covers user playlists.
	KindPlaylists Kind = "playlists"
	// KindListening covers listening events. Outbound-only: the server
	// never includes them in snapshots or the event log.
	KindListening Kind = "listening"
)

// Kinds lists every entity kind in engine start order.
func Kinds() []Kind {
	return []Kind{KindLikes, KindPlaylists, KindListening}
}

// ServerOriginKinds lists the kinds the server includes in snapshots and
// the event log. Full sync replaces local state for exactly these kinds.
func ServerOriginKinds() []Kind {
	return []Kind{KindLikes, KindPlaylists}
}

// Item is a single syncable record. Payload is opaque to the engine and
// the store; the library facade and the remote strategies agree on the
// typed payload per kind.
type Item struct {
	Kind    Kind
	ID      string
	Payload json.RawMessage
	Status  SyncStatus

	// Resume holds the originating pending status while Status is
	// syncing or sync_error. It drives the startup reset and manual
	// retry.
	Resume SyncStatus

	// ErrorReason is set together with StatusSyncError.
	ErrorReason ErrorReason

	UpdatedAt time.Time
}

// Liked-content types as the server spells them.
const (
	ContentAlbum  = "album"
	ContentArtist = "artist"
	ContentTrack  = "track"
)

// LikeID builds the natural key of a liked-content item. Likes keep this
// id across create: the server assigns no id of its own.
func LikeID(contentType, contentID string) string {
	return contentType + ":" + contentID
}

// LikePayload identifies the liked content.
type LikePayload struct {
	ContentType string `json:"content_type"`
	ContentID   string `json:"content_id"`
}

// PlaylistPayload carries the user-editable playlist fields.
type PlaylistPayload struct {
	Name     string   `json:"name"`
	TrackIDs []string `json:"track_ids"`
}

// ListeningPayload mirrors the POST /v1/user/listening request body.
// SessionID makes server-side creation idempotent across retries.
type ListeningPayload struct {
	TrackID              string `json:"track_id"`
	SessionID            string `json:"session_id,omitempty"`
	StartedAt            int64  `json:"started_at,omitempty"`
	EndedAt              int64  `json:"ended_at,omitempty"`
	DurationSeconds      int64  `json:"duration_seconds"`
	TrackDurationSeconds int64  `json:"track_duration_seconds"`
	SeekCount            int    `json:"seek_count,omitempty"`
	PauseCount           int    `json:"pause_count,omitempty"`
	PlaybackContext      string `json:"playback_context,omitempty"`
	ClientType           string `json:"client_type,omitempty"`
}
