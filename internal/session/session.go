// Package session tracks the catalog session token and answers whether it
// is currently usable.
package session

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	stdsync "sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Manager supplies the session token to the catalog client and gates the
// sync engines. The token comes either inline from config or from a token
// file; a token file is re-read when its modification time changes, so an
// external login flow can refresh the session without restarting the
// daemon.
type Manager struct {
	token     string
	tokenFile string
	logger    *slog.Logger

	mu     stdsync.Mutex
	cached string
	mtime  time.Time
}

// NewManager creates a manager for an inline token or a token file path.
// Exactly one of the two should be set; config validation enforces that.
func NewManager(token, tokenFile string, logger *slog.Logger) *Manager {
	return &Manager{token: token, tokenFile: tokenFile, logger: logger}
}

// Token returns the current session token.
func (m *Manager) Token() (string, error) {
	if m.tokenFile == "" {
		return m.token, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	info, err := os.Stat(m.tokenFile)
	if err != nil {
		return "", fmt.Errorf("stat token file %q: %w", m.tokenFile, err)
	}
	if m.cached == "" || !info.ModTime().Equal(m.mtime) {
		data, err := os.ReadFile(m.tokenFile)
		if err != nil {
			return "", fmt.Errorf("read token file %q: %w", m.tokenFile, err)
		}
		m.cached = strings.TrimSpace(string(data))
		m.mtime = info.ModTime()
		m.logger.Debug("session token reloaded", "path", m.tokenFile)
	}
	return m.cached, nil
}

// Authenticated reports whether a token is on hand and, when it parses as
// a JWT, not yet expired. The signature is never checked: the catalog
// server is the verifier, this gate only avoids sweeps that are certain
// to come back unauthorized. Opaque tokens always pass.
func (m *Manager) Authenticated() bool {
	token, err := m.Token()
	if err != nil {
		m.logger.Debug("session token unavailable", "error", err)
		return false
	}
	if token == "" {
		return false
	}
	return tokenUsable(token, time.Now())
}

func tokenUsable(token string, now time.Time) bool {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		// Not a JWT. Treat it as an opaque session token.
		return true
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return true
	}
	return now.Before(exp.Time)
}
