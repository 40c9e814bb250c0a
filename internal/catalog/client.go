// Package catalog is the HTTP client for the Pezzottify catalog server. It
// covers the user-library mutation routes, the sync-state snapshot, and the
// cursor-based event feed, and maps response statuses onto the sentinel
// errors the sync engine classifies. The client never retries: retry policy
// lives in the engine's sweep cycle, which guarantees at most one in-flight
// request per item.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pezzottify/pezzosync/internal/model"
)

const (
	// requestTimeout bounds a single catalog round trip. Timeouts count
	// as ErrUnavailable, same as any transport failure.
	requestTimeout = 15 * time.Second

	// maxErrorBody caps how much of a failed response is kept for the
	// error message.
	maxErrorBody = 4 << 10
)

// TokenSource supplies the session token attached to every request. The
// catalog server expects the raw token in the Authorization header, no
// Bearer prefix.
type TokenSource interface {
	Token() (string, error)
}

// StaticToken adapts a fixed token string to [TokenSource].
type StaticToken string

// Token returns the fixed token.
func (t StaticToken) Token() (string, error) { return string(t), nil }

// Client talks to one catalog server on behalf of one session.
type Client struct {
	baseURL string
	tokens  TokenSource
	hc      *http.Client
	logger  *slog.Logger
}

// NewClient creates a catalog client for baseURL (scheme and host, no
// trailing slash required).
func NewClient(baseURL string, tokens TokenSource, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		hc:      &http.Client{Timeout: requestTimeout},
		logger:  logger,
	}
}

// FetchState fetches the full sync-state snapshot.
func (c *Client) FetchState(ctx context.Context) (*model.Snapshot, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/sync/state", nil)
	if err != nil {
		return nil, err
	}
	var snap model.Snapshot
	if err := decodeJSON(resp, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// FetchEventsSince fetches events with seq greater than since. since=0 is
// always valid; a cursor older than the server's retained window yields
// [model.ErrEventsPruned].
func (c *Client) FetchEventsSince(ctx context.Context, since int64) (*model.EventsPage, error) {
	resp, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/sync/events?since=%d", since), nil)
	if err != nil {
		return nil, err
	}
	var page model.EventsPage
	if err := decodeJSON(resp, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Ping verifies connectivity and the session token with a state fetch.
// Used by the setup probe.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.FetchState(ctx)
	return err
}

// Like marks content as liked. Idempotent: liking already-liked content
// succeeds.
func (c *Client) Like(ctx context.Context, contentType, contentID string) error {
	resp, err := c.do(ctx, http.MethodPost, likedPath(contentType, contentID), nil)
	if err != nil {
		return err
	}
	drain(resp)
	return nil
}

// Unlike removes a like.
func (c *Client) Unlike(ctx context.Context, contentType, contentID string) error {
	resp, err := c.do(ctx, http.MethodDelete, likedPath(contentType, contentID), nil)
	if err != nil {
		return err
	}
	drain(resp)
	return nil
}

// CreatePlaylist creates a playlist and returns the server-assigned id.
func (c *Client) CreatePlaylist(ctx context.Context, p model.PlaylistPayload) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, "/v1/user/playlist", p)
	if err != nil {
		return "", err
	}
	// The response body is a bare JSON string.
	var id string
	if err := decodeJSON(resp, &id); err != nil {
		return "", err
	}
	if id == "" {
		return "", fmt.Errorf("catalog returned empty playlist id")
	}
	return id, nil
}

// UpdatePlaylist replaces a playlist's name and track list.
func (c *Client) UpdatePlaylist(ctx context.Context, id string, p model.PlaylistPayload) error {
	resp, err := c.do(ctx, http.MethodPut, "/v1/user/playlist/"+url.PathEscape(id), p)
	if err != nil {
		return err
	}
	drain(resp)
	return nil
}

// DeletePlaylist deletes a playlist.
func (c *Client) DeletePlaylist(ctx context.Context, id string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/v1/user/playlist/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	drain(resp)
	return nil
}

type listeningResponse struct {
	ID      string `json:"id"`
	Created bool   `json:"created"`
}

// RecordListening submits a listening event and returns the server id.
// The payload's SessionID makes retries idempotent: a replay returns the
// existing id with created=false.
func (c *Client) RecordListening(ctx context.Context, p model.ListeningPayload) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, "/v1/user/listening", p)
	if err != nil {
		return "", err
	}
	var lr listeningResponse
	if err := decodeJSON(resp, &lr); err != nil {
		return "", err
	}
	if !lr.Created {
		c.logger.Debug("listening event already recorded", "id", lr.ID)
	}
	return lr.ID, nil
}

func likedPath(contentType, contentID string) string {
	return "/v1/user/liked/" + url.PathEscape(contentType) + "/" + url.PathEscape(contentID)
}

// do issues one request and returns the response only on 2xx. Non-2xx
// statuses and transport failures come back as classified errors; the
// response body is closed on every error path.
func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	token, err := c.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("load session token: %w", err)
	}
	req.Header.Set("Authorization", token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w: %v", method, path, model.ErrUnavailable, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer func() { _ = resp.Body.Close() }()
	return nil, statusError(resp)
}

// statusError maps a non-2xx response onto the error taxonomy.
func statusError(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return model.ErrUnauthorized
	case http.StatusNotFound:
		return model.ErrNotFound
	case http.StatusGone:
		return model.ErrEventsPruned
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: server returned %d", model.ErrUnavailable, resp.StatusCode)
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &model.ServerError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

func decodeJSON(resp *http.Response, v any) error {
	defer func() { _ = resp.Body.Close() }()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// drain discards a success body so the connection can be reused.
func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()
}
