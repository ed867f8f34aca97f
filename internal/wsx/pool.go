package wsx

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Pool fans trading requests over a fixed set of sessions round-robin,
// skipping members that are between reconnects. Each member runs its own
// reconnect loop; the pool never blocks waiting for one to come back.
type Pool struct {
	factory func(i int) *Session
	log     zerolog.Logger

	mu       sync.Mutex
	sessions []*Session
	next     int
}

// NewPool builds a pool whose members come from factory. Run creates
// and starts them.
func NewPool(factory func(i int) *Session, logger zerolog.Logger) *Pool {
	return &Pool{factory: factory, log: logger}
}

// Run starts count sessions, spacing their first dials by stagger, and
// blocks until every session loop has exited.
func (p *Pool) Run(ctx context.Context, count int, stagger time.Duration) {
	var wg sync.WaitGroup
	for i := 0; i < count; i++ {
		s := p.factory(i)
		p.mu.Lock()
		p.sessions = append(p.sessions, s)
		p.mu.Unlock()

		wg.Add(1)
		go func(i int, s *Session) {
			defer wg.Done()
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(i) * stagger):
			}
			s.Run(ctx)
		}(i, s)
	}
	wg.Wait()
}

// Send forwards to the next ready session. At most len(sessions) members
// are probed; when none is ready the call fails fast with
// ErrNotConnected so order paths surface the outage immediately.
func (p *Pool) Send(payload any, corrID string) ([]byte, error) {
	p.mu.Lock()
	if len(p.sessions) == 0 {
		p.mu.Unlock()
		p.log.Error().Msg("ws pool is empty")
		return nil, ErrNotConnected
	}
	var picked *Session
	for probe := 0; probe < len(p.sessions); probe++ {
		s := p.sessions[p.next%len(p.sessions)]
		p.next = (p.next + 1) % len(p.sessions)
		if s.Ready() {
			picked = s
			break
		}
	}
	p.mu.Unlock()

	if picked == nil {
		p.log.Error().Msg("no usable ws pool connection")
		return nil, ErrNotConnected
	}
	return picked.Send(payload, corrID)
}

// CloseAll closes every member's current connection and empties the
// pool.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.sessions {
		s.Close()
	}
	p.sessions = nil
	p.next = 0
}
