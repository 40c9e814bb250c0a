// Package push maintains the WebSocket connection to the catalog server
// and feeds pushed sync events into the catch-up manager. The connection
// is an optimization only: every event it delivers would also arrive
// through the next catch-up, so a dropped frame is never a correctness
// problem.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pezzottify/pezzosync/internal/model"
)

const (
	// handshakeTimeout bounds the WebSocket dial.
	handshakeTimeout = 15 * time.Second

	// pingInterval is how often a keepalive ping goes out; pongWait is
	// the read deadline extended on every pong.
	pingInterval = 30 * time.Second
	pongWait     = 45 * time.Second
	writeWait    = 10 * time.Second

	// baseDelay is the starting reconnect interval (before jitter).
	baseDelay = 500 * time.Millisecond

	// maxDelay caps the reconnect interval.
	maxDelay = 30 * time.Second

	// sessionRecheck is how long an unauthenticated listener waits
	// before looking for a usable session again.
	sessionRecheck = 30 * time.Second
)

// Handler receives pushed sync events.
type Handler interface {
	HandleSyncMessage(ctx context.Context, ev model.StoredEvent) error
}

// TokenSource supplies the session token for the WebSocket handshake.
type TokenSource interface {
	Token() (string, error)
}

// SessionGate reports whether dialing is worthwhile at all.
type SessionGate interface {
	Authenticated() bool
}

// envelope is the wire frame of every push message.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// syncPayload is the payload of type=="sync" envelopes.
type syncPayload struct {
	Event model.StoredEvent `json:"event"`
}

// Listener owns one WebSocket connection to the catalog server and
// reconnects with jittered exponential backoff for as long as its context
// lives.
type Listener struct {
	url     string
	tokens  TokenSource
	session SessionGate
	handler Handler
	logger  *slog.Logger

	// OnConnect, when set before Run, is invoked after every successful
	// dial. The daemon uses it to run a catch-up that closes the event
	// gap accumulated while disconnected.
	OnConnect func(ctx context.Context)
}

// NewListener creates a listener for the catalog server at serverURL
// (the same http(s) base URL the REST client uses).
func NewListener(serverURL string, tokens TokenSource, session SessionGate, handler Handler, logger *slog.Logger) (*Listener, error) {
	wsEndpoint, err := wsURL(serverURL)
	if err != nil {
		return nil, err
	}
	return &Listener{
		url:     wsEndpoint,
		tokens:  tokens,
		session: session,
		handler: handler,
		logger:  logger,
	}, nil
}

// Run dials, serves, and reconnects until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if !l.session.Authenticated() {
			l.logger.Debug("no usable session, push connection postponed")
			if !sleep(ctx, sessionRecheck) {
				return ctx.Err()
			}
			continue
		}

		conn, err := l.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			delay := reconnectDelay(attempt)
			attempt++
			l.logger.Warn("push connection failed", "error", err, "retry_in", delay)
			if !sleep(ctx, delay) {
				return ctx.Err()
			}
			continue
		}

		l.logger.Info("push connection established")
		if l.OnConnect != nil {
			l.OnConnect(ctx)
		}

		frames, err := l.serve(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if frames > 0 {
			// The connection did real work; start the next outage from
			// the shortest delay.
			attempt = 0
		}
		delay := reconnectDelay(attempt)
		attempt++
		l.logger.Warn("push connection lost", "error", err, "retry_in", delay)
		if !sleep(ctx, delay) {
			return ctx.Err()
		}
	}
}

func (l *Listener) dial(ctx context.Context) (*websocket.Conn, error) {
	token, err := l.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("load session token: %w", err)
	}
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	header := http.Header{"Authorization": []string{token}}
	conn, resp, err := dialer.DialContext(ctx, l.url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", l.url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", l.url, err)
	}
	return conn, nil
}

// serve reads frames until the connection breaks or ctx is cancelled. It
// returns how many frames were read, so the caller can tell a healthy
// connection from a dial that died immediately.
func (l *Listener) serve(ctx context.Context, conn *websocket.Conn) (int, error) {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			case <-ctx.Done():
				// Unblocks the pending ReadMessage.
				_ = conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	frames := 0
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return frames, fmt.Errorf("read push message: %w", err)
		}
		frames++
		l.dispatch(ctx, data)
	}
}

func (l *Listener) dispatch(ctx context.Context, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		l.logger.Debug("undecodable push message skipped", "error", err)
		return
	}
	switch env.Type {
	case "sync":
		var p syncPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			l.logger.Debug("undecodable sync payload skipped", "error", err)
			return
		}
		if err := l.handler.HandleSyncMessage(ctx, p.Event); err != nil {
			l.logger.Error("pushed event not applied", "seq", p.Event.Seq, "error", err)
		}
	case "connected", "pong":
		// Connection bookkeeping from the server.
	default:
		l.logger.Debug("unhandled push message type", "type", env.Type)
	}
}

// wsURL derives the WebSocket endpoint from the catalog base URL.
func wsURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server url %q: %w", serverURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("server url %q must be http or https", serverURL)
	}
	u.Path = "/v1/ws"
	u.RawQuery = ""
	return u.String(), nil
}

// reconnectDelay computes the delay before reconnect attempt, applying
// exponential growth with 50–100 % jitter.
func reconnectDelay(attempt int) time.Duration {
	if attempt > 6 {
		attempt = 6 // already past the cap
	}
	delay := baseDelay * (1 << attempt)
	if delay > maxDelay {
		delay = maxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 2)) //nolint:gosec // jitter does not need crypto/rand
	return delay/2 + jitter
}

// sleep waits for d or until ctx is cancelled; it reports false on cancel.
func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
