package setup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pezzottify/pezzosync/internal/catalog"
	"github.com/pezzottify/pezzosync/internal/model"
)

// ProbeResult summarizes the library the catalog reported during setup, so
// the wizard can show the user what it found.
type ProbeResult struct {
	Seq       int64
	Likes     int
	Playlists int
}

// Probe verifies connectivity and credentials against the catalog server by
// fetching the library snapshot. Returns a summary on success.
func Probe(ctx context.Context, serverURL, token string, logger *slog.Logger) (*ProbeResult, error) {
	client := catalog.NewClient(serverURL, catalog.StaticToken(token), logger)

	snap, err := client.FetchState(ctx)
	switch {
	case errors.Is(err, model.ErrUnauthorized):
		return nil, fmt.Errorf("server rejected the session token")
	case errors.Is(err, model.ErrUnavailable):
		return nil, fmt.Errorf("connecting to %s: %w", serverURL, err)
	case err != nil:
		return nil, fmt.Errorf("fetching library state: %w", err)
	}

	likes := len(snap.Likes.Albums) + len(snap.Likes.Artists) + len(snap.Likes.Tracks)
	return &ProbeResult{
		Seq:       snap.Seq,
		Likes:     likes,
		Playlists: len(snap.Playlists),
	}, nil
}
