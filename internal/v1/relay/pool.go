package relay

import (
	"context"
	"sync"

	"github.com/meshworld/syncnode/internal/v1/event"
	"github.com/meshworld/syncnode/internal/v1/logging"
	"go.uber.org/zap"
)

// Pool is a collection of Relay Sessions, one per configured discovery
// endpoint — the Announcer's Relay Pool (spec.md §4.G). The Announcer
// exclusively owns its Pool.
type Pool struct {
	sessions []*Session
}

// NewPool builds a Session per url, using the url itself as the session's
// metrics/breaker label.
func NewPool(urls []string) *Pool {
	sessions := make([]*Session, 0, len(urls))
	for _, u := range urls {
		sessions = append(sessions, NewSession(u, u))
	}
	return &Pool{sessions: sessions}
}

// Sessions returns the pool's underlying sessions.
func (p *Pool) Sessions() []*Session { return p.sessions }

// Connect opens every session in the pool.
func (p *Pool) Connect() {
	for _, s := range p.sessions {
		s.Connect()
	}
}

// Disconnect tears down every session, waiting for each to finish.
func (p *Pool) Disconnect() {
	var wg sync.WaitGroup
	for _, s := range p.sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Disconnect()
		}(s)
	}
	wg.Wait()
}

// AnyConnected reports whether at least one session is connected. Satisfies
// health.RelayChecker.
func (p *Pool) AnyConnected() bool {
	for _, s := range p.sessions {
		if s.Connected() {
			return true
		}
	}
	return false
}

// PublishAll fans ev out to every session concurrently. Per spec.md §4.G's
// failure policy, a single relay rejecting or failing the publish is logged
// and otherwise ignored — the call never fails the caller.
func (p *Pool) PublishAll(ctx context.Context, ev *event.Signed) {
	var wg sync.WaitGroup
	for _, s := range p.sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			if ok, err := s.Publish(ctx, ev); err != nil || !ok {
				logging.Warn(ctx, "heartbeat publish failed", zap.String("relay", s.label), zap.Error(err))
			}
		}(s)
	}
	wg.Wait()
}
