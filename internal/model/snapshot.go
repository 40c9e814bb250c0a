package model

import "encoding/json"

// Snapshot is the server's authoritative user-library state at a sequence
// number. Fields outside likes and playlists (settings, notifications)
// are not part of library sync and are ignored on decode.
type Snapshot struct {
	Seq       int64              `json:"seq"`
	Likes     SnapshotLikes      `json:"likes"`
	Playlists []SnapshotPlaylist `json:"playlists"`
}

// SnapshotLikes groups liked content ids by type.
type SnapshotLikes struct {
	Albums  []string `json:"albums"`
	Artists []string `json:"artists"`
	Tracks  []string `json:"tracks"`
}

// SnapshotPlaylist is one playlist as the snapshot carries it.
type SnapshotPlaylist struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Tracks []string `json:"tracks"`
}

// Items flattens the snapshot into synced store rows, every like and
// playlist under its canonical id.
func (s *Snapshot) Items() []*Item {
	likes := make([]likeRef, 0, len(s.Likes.Albums)+len(s.Likes.Artists)+len(s.Likes.Tracks))
	for _, id := range s.Likes.Albums {
		likes = append(likes, likeRef{ContentAlbum, id})
	}
	for _, id := range s.Likes.Artists {
		likes = append(likes, likeRef{ContentArtist, id})
	}
	for _, id := range s.Likes.Tracks {
		likes = append(likes, likeRef{ContentTrack, id})
	}

	items := make([]*Item, 0, len(likes)+len(s.Playlists))
	for _, l := range likes {
		payload, _ := json.Marshal(LikePayload{ContentType: l.contentType, ContentID: l.contentID})
		items = append(items, &Item{
			Kind:    KindLikes,
			ID:      LikeID(l.contentType, l.contentID),
			Payload: payload,
			Status:  StatusSynced,
		})
	}
	for _, p := range s.Playlists {
		payload, _ := json.Marshal(PlaylistPayload{Name: p.Name, TrackIDs: p.Tracks})
		items = append(items, &Item{
			Kind:    KindPlaylists,
			ID:      p.ID,
			Payload: payload,
			Status:  StatusSynced,
		})
	}
	return items
}

type likeRef struct {
	contentType string
	contentID   string
}

// EventsPage is one response from the incremental event feed.
type EventsPage struct {
	Events     []StoredEvent `json:"events"`
	CurrentSeq int64         `json:"current_seq"`
}
