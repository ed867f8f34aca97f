package wsx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

func newWSServer(t *testing.T, handle func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func echoServer(conn *websocket.Conn) {
	defer conn.Close()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func idExtractor(_ *Session, raw []byte) string {
	var m struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(raw, &m)
	return m.ID
}

func waitReady(t *testing.T, s *Session, d time.Duration) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if s.Ready() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session not ready within %s", d)
}

func TestSessionSendBeforeDial(t *testing.T) {
	t.Parallel()

	s := NewSession("test", StaticURL("ws://127.0.0.1:1"), Handler{}, zerolog.Nop())
	if _, err := s.Send(map[string]string{"hello": "world"}, ""); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send before dial: err = %v, want ErrNotConnected", err)
	}
}

func TestSessionCorrelatedSend(t *testing.T) {
	t.Parallel()

	url := newWSServer(t, echoServer)
	s := NewSession("test", StaticURL(url), Handler{OnMessage: idExtractor}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	waitReady(t, s, 2*time.Second)

	raw, err := s.Send(map[string]string{"id": "req-1", "method": "ping"}, "req-1")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	var got struct {
		ID     string `json:"id"`
		Method string `json:"method"`
	}
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if got.ID != "req-1" || got.Method != "ping" {
		t.Fatalf("response = %+v, want echoed request", got)
	}
}

func TestSessionSendTimeout(t *testing.T) {
	t.Parallel()

	// Server reads and discards, so correlated sends never resolve.
	url := newWSServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	s := NewSession("test", StaticURL(url), Handler{OnMessage: idExtractor}, zerolog.Nop())
	s.sendWait = 100 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	waitReady(t, s, 2*time.Second)

	_, err := s.Send(map[string]string{"id": "req-1"}, "req-1")
	if err == nil {
		t.Fatal("Send: expected timeout error, got nil")
	}
	if errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send: got ErrNotConnected, want timeout error")
	}
}

func TestSessionFireAndForget(t *testing.T) {
	t.Parallel()

	url := newWSServer(t, echoServer)
	s := NewSession("test", StaticURL(url), Handler{OnMessage: idExtractor}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	waitReady(t, s, 2*time.Second)

	raw, err := s.Send(map[string]string{"channel": "ping"}, "")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if raw != nil {
		t.Fatalf("fire-and-forget returned a frame: %s", raw)
	}
}

func TestSessionReconnects(t *testing.T) {
	t.Parallel()

	// Server drops every connection right after accepting it.
	url := newWSServer(t, func(conn *websocket.Conn) {
		conn.Close()
	})

	var connects atomic.Int32
	s := NewSession("test", StaticURL(url), Handler{
		OnConnect: func(ctx context.Context, s *Session) error {
			connects.Add(1)
			return nil
		},
	}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	if n := connects.Load(); n < 2 {
		t.Fatalf("connects = %d, want at least 2 (reconnect loop)", n)
	}
}

func TestSessionLateResponseDropped(t *testing.T) {
	t.Parallel()

	// Server replies after the client's wait has expired.
	url := newWSServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			time.Sleep(300 * time.Millisecond)
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	})
	s := NewSession("test", StaticURL(url), Handler{OnMessage: idExtractor}, zerolog.Nop())
	s.sendWait = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)
	waitReady(t, s, 2*time.Second)

	if _, err := s.Send(map[string]string{"id": "late"}, "late"); err == nil {
		t.Fatal("expected timeout for late response")
	}
	// The late frame lands after the waiter is gone; the session must
	// stay healthy for the next request.
	time.Sleep(400 * time.Millisecond)
	if !s.Ready() {
		t.Fatal("session unhealthy after dropped late response")
	}
}

func TestPoolEmptySend(t *testing.T) {
	t.Parallel()

	p := NewPool(func(i int) *Session {
		return NewSession("unused", StaticURL("ws://127.0.0.1:1"), Handler{}, zerolog.Nop())
	}, zerolog.Nop())

	if _, err := p.Send(map[string]string{"id": "x"}, "x"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("empty pool Send: err = %v, want ErrNotConnected", err)
	}
}

func TestPoolSkipsNotReady(t *testing.T) {
	t.Parallel()

	url := newWSServer(t, echoServer)
	p := NewPool(func(i int) *Session {
		// Member 1 points at a dead endpoint and never becomes ready.
		target := url
		if i == 1 {
			target = "ws://127.0.0.1:1"
		}
		return NewSession("member", StaticURL(target), Handler{OnMessage: idExtractor}, zerolog.Nop())
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx, 2, 0)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := p.Send(map[string]string{"id": "warmup"}, "warmup"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("pool never served a request")
		}
		time.Sleep(20 * time.Millisecond)
	}

	// Round-robin lands on the dead member on alternating calls; every
	// send must still succeed via the live one.
	for i := 0; i < 4; i++ {
		if _, err := p.Send(map[string]string{"id": "loop"}, "loop"); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
}

func TestPoolAllDown(t *testing.T) {
	t.Parallel()

	p := NewPool(func(i int) *Session {
		return NewSession("dead", StaticURL("ws://127.0.0.1:1"), Handler{}, zerolog.Nop())
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx, 2, 0)
	time.Sleep(100 * time.Millisecond)

	if _, err := p.Send(map[string]string{"id": "x"}, "x"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("all-down pool Send: err = %v, want ErrNotConnected", err)
	}
}
