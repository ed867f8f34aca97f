// Package wsx provides the reconnecting WebSocket session and the
// round-robin connection pool the venue adapters are built on. Sessions
// never queue: a send while the socket is down fails fast and the caller
// decides what that means.
package wsx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ErrNotConnected is returned by Send when no usable connection exists.
// The session keeps reconnecting on its own; callers must not retry
// through the same call.
var ErrNotConnected = errors.New("ws not connected")

const (
	reconnectDelay   = 200 * time.Millisecond
	handshakeTimeout = 10 * time.Second
	defaultSendWait  = 5 * time.Second

	// DefaultStagger spaces pool member startups so their reconnect
	// cycles never align.
	DefaultStagger = 500 * time.Millisecond
)

// URLFunc resolves the dial target. It runs on every (re)connect so
// rotating endpoints such as listen-key streams stay fresh.
type URLFunc func() (string, error)

// StaticURL wraps a fixed endpoint as a URLFunc.
func StaticURL(u string) URLFunc {
	return func() (string, error) { return u, nil }
}

// OnConnectFunc runs once per established connection, before the read
// loop starts. ctx is canceled when that connection dies; goroutines
// spawned here must exit on ctx.Done().
type OnConnectFunc func(ctx context.Context, s *Session) error

// OnMessageFunc handles one inbound frame and returns the correlation id
// of the request it answers, or "" for stream payloads.
type OnMessageFunc func(s *Session, raw []byte) string

// Handler wires connection lifecycle and frame processing into a Session.
type Handler struct {
	OnConnect OnConnectFunc
	OnMessage OnMessageFunc
}

// Session is a self-reconnecting WebSocket client with request/response
// correlation by caller-chosen ids.
type Session struct {
	name    string
	url     URLFunc
	handler Handler
	log     zerolog.Logger

	sendWait time.Duration

	mu   sync.RWMutex
	conn *websocket.Conn
	open bool

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan []byte
}

// NewSession builds a session. Run must be called before Send can
// succeed.
func NewSession(name string, url URLFunc, handler Handler, logger zerolog.Logger) *Session {
	return &Session{
		name:     name,
		url:      url,
		handler:  handler,
		log:      logger.With().Str("ws", name).Logger(),
		sendWait: defaultSendWait,
		pending:  make(map[string]chan []byte),
	}
}

// Run dials, serves the connection until it drops, and redials after a
// short constant backoff. It returns when ctx is done.
func (s *Session) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		s.serveOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (s *Session) serveOnce(ctx context.Context) {
	u, err := s.url()
	if err != nil {
		s.log.Error().Err(err).Msg("resolve ws url failed")
		return
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, u, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("ws dial failed")
		return
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.conn = conn
	s.open = true
	s.mu.Unlock()
	s.log.Info().Msg("ws connected")

	defer func() {
		s.mu.Lock()
		s.open = false
		s.conn = nil
		s.mu.Unlock()
		conn.Close()
	}()

	if s.handler.OnConnect != nil {
		if err := s.handler.OnConnect(connCtx, s); err != nil {
			s.log.Error().Err(err).Msg("ws on-connect hook failed")
			return
		}
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.logReadError(err)
			return
		}
		if s.handler.OnMessage == nil {
			continue
		}
		if id := s.handler.OnMessage(s, raw); id != "" {
			s.deliver(id, raw)
		}
	}
}

func (s *Session) logReadError(err error) {
	switch {
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		s.log.Warn().Err(err).Msg("ws closed by peer")
	case errors.Is(err, net.ErrClosed):
		s.log.Warn().Msg("ws closed locally")
	default:
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			s.log.Error().Err(err).Msg("ws read timed out")
		} else {
			s.log.Error().Err(err).Msg("ws read failed")
		}
	}
}

// Ready reports whether a live connection is available.
func (s *Session) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.open && s.conn != nil
}

// Send marshals payload and writes it to the current connection. With a
// non-empty corrID it waits for the correlated response frame; the wait
// gives up after the send timeout. Without a corrID the write is
// fire-and-forget and the returned frame is nil.
func (s *Session) Send(payload any, corrID string) ([]byte, error) {
	s.mu.RLock()
	conn, open := s.conn, s.open
	s.mu.RUnlock()
	if !open || conn == nil {
		s.log.Error().Msg("send on closed ws")
		return nil, ErrNotConnected
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal ws payload: %w", err)
	}

	var respCh chan []byte
	if corrID != "" {
		respCh = make(chan []byte, 1)
		s.pendingMu.Lock()
		s.pending[corrID] = respCh
		s.pendingMu.Unlock()
		defer func() {
			s.pendingMu.Lock()
			delete(s.pending, corrID)
			s.pendingMu.Unlock()
		}()
	}

	s.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	s.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("ws write: %w", err)
	}
	if corrID == "" {
		return nil, nil
	}

	select {
	case raw := <-respCh:
		return raw, nil
	case <-time.After(s.sendWait):
		return nil, fmt.Errorf("ws request %s timed out after %s", corrID, s.sendWait)
	}
}

// deliver hands a correlated frame to its waiter. Late frames whose
// waiter already gave up are dropped.
func (s *Session) deliver(id string, raw []byte) {
	s.pendingMu.Lock()
	ch, ok := s.pending[id]
	s.pendingMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- raw:
	default:
	}
}

// Close tears down the current connection. Run will redial unless its
// ctx is done; pair Close with context cancellation for a full stop.
func (s *Session) Close() {
	s.mu.Lock()
	conn := s.conn
	s.open = false
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
