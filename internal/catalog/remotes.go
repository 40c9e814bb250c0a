package catalog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pezzottify/pezzosync/internal/model"
)

// ClientType identifies this daemon in listening-event submissions.
const ClientType = "pezzosync"

// LikesRemote maps like mutations onto the liked-content routes. Likes
// carry a natural key, so Create returns the item's own id and the engine
// skips id adoption.
type LikesRemote struct {
	client *Client
}

// NewLikesRemote creates the remote strategy for the likes kind.
func NewLikesRemote(c *Client) *LikesRemote {
	return &LikesRemote{client: c}
}

// Create asserts the like on the server.
func (r *LikesRemote) Create(ctx context.Context, item *model.Item) (string, error) {
	p, err := likePayload(item)
	if err != nil {
		return "", err
	}
	if err := r.client.Like(ctx, p.ContentType, p.ContentID); err != nil {
		return "", err
	}
	return item.ID, nil
}

// Update re-asserts the like. The route is idempotent and likes have no
// mutable fields, so update and create coincide.
func (r *LikesRemote) Update(ctx context.Context, item *model.Item) error {
	p, err := likePayload(item)
	if err != nil {
		return err
	}
	return r.client.Like(ctx, p.ContentType, p.ContentID)
}

// Delete removes the like.
func (r *LikesRemote) Delete(ctx context.Context, item *model.Item) error {
	p, err := likePayload(item)
	if err != nil {
		return err
	}
	return r.client.Unlike(ctx, p.ContentType, p.ContentID)
}

func likePayload(item *model.Item) (model.LikePayload, error) {
	var p model.LikePayload
	if err := json.Unmarshal(item.Payload, &p); err != nil {
		return p, fmt.Errorf("decode like payload for %s: %w", item.ID, err)
	}
	return p, nil
}

// PlaylistsRemote maps playlist mutations onto the playlist routes.
type PlaylistsRemote struct {
	client *Client
}

// NewPlaylistsRemote creates the remote strategy for the playlists kind.
func NewPlaylistsRemote(c *Client) *PlaylistsRemote {
	return &PlaylistsRemote{client: c}
}

// Create creates the playlist and returns the server-assigned id.
func (r *PlaylistsRemote) Create(ctx context.Context, item *model.Item) (string, error) {
	p, err := playlistPayload(item)
	if err != nil {
		return "", err
	}
	return r.client.CreatePlaylist(ctx, p)
}

// Update replaces the playlist's name and tracks.
func (r *PlaylistsRemote) Update(ctx context.Context, item *model.Item) error {
	p, err := playlistPayload(item)
	if err != nil {
		return err
	}
	return r.client.UpdatePlaylist(ctx, item.ID, p)
}

// Delete deletes the playlist.
func (r *PlaylistsRemote) Delete(ctx context.Context, item *model.Item) error {
	return r.client.DeletePlaylist(ctx, item.ID)
}

func playlistPayload(item *model.Item) (model.PlaylistPayload, error) {
	var p model.PlaylistPayload
	if err := json.Unmarshal(item.Payload, &p); err != nil {
		return p, fmt.Errorf("decode playlist payload for %s: %w", item.ID, err)
	}
	return p, nil
}

// ListeningRemote submits listening events. Events are immutable once
// recorded, so only Create is meaningful.
type ListeningRemote struct {
	client *Client
}

// NewListeningRemote creates the remote strategy for the listening kind.
func NewListeningRemote(c *Client) *ListeningRemote {
	return &ListeningRemote{client: c}
}

// Create submits the listening event and returns the server id. The
// payload's session id keeps replays idempotent on the server.
func (r *ListeningRemote) Create(ctx context.Context, item *model.Item) (string, error) {
	var p model.ListeningPayload
	if err := json.Unmarshal(item.Payload, &p); err != nil {
		return "", fmt.Errorf("decode listening payload for %s: %w", item.ID, err)
	}
	p.ClientType = ClientType
	return r.client.RecordListening(ctx, p)
}

// Update is not supported: recorded listening events are immutable.
func (r *ListeningRemote) Update(ctx context.Context, item *model.Item) error {
	return fmt.Errorf("listening event %s is immutable", item.ID)
}

// Delete is not supported: recorded listening events are immutable.
func (r *ListeningRemote) Delete(ctx context.Context, item *model.Item) error {
	return fmt.Errorf("listening event %s is immutable", item.ID)
}
