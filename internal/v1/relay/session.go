// Package relay implements the Relay Session (spec.md §4.F): a persistent,
// self-healing outbound duplex session to one discovery relay, grounded on
// the teacher's gobreaker-wrapped remote client (pkg/sfu.Client,
// internal/v1/bus.Service) — the same "wrap the remote call, fail fast once
// the breaker trips" shape, retargeted from gRPC/Redis calls to a
// WebSocket-framed publish/query protocol.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/meshworld/syncnode/internal/v1/event"
	"github.com/meshworld/syncnode/internal/v1/logging"
	"github.com/meshworld/syncnode/internal/v1/metrics"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ReconnectDelay is how long the session waits before redialing after a
// disconnect or failed dial attempt.
const ReconnectDelay = 5 * time.Second

// PublishTimeout bounds how long publish() waits for an OK acknowledgement.
const PublishTimeout = 10 * time.Second

const dialTimeout = 10 * time.Second

// State is the Relay Session's lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateClosed
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Filter is a REQ subscription filter — spec.md §4.H's
// {kinds, t, limit}.
type Filter struct {
	Kinds []int
	Tags  map[string][]string
	Limit int
}

// MarshalJSON renders Filter the way a discovery relay expects: tag
// constraints as "#<key>" array fields alongside kinds/limit.
func (f Filter) MarshalJSON() ([]byte, error) {
	out := map[string]any{}
	if len(f.Kinds) > 0 {
		out["kinds"] = f.Kinds
	}
	if f.Limit > 0 {
		out["limit"] = f.Limit
	}
	for k, v := range f.Tags {
		out["#"+k] = v
	}
	return json.Marshal(out)
}

// pendingAck is one outstanding publish waiting on an OK frame or its own
// timeout timer, whichever comes first.
type pendingAck struct {
	resolve chan bool
	timer   *time.Timer
}

// pendingSub is one outstanding query() subscription.
type pendingSub struct {
	events chan *event.Signed
	done   chan struct{}
	once   sync.Once
}

// Session is a persistent outbound session to one discovery relay endpoint.
// It exclusively owns its network resources and pending-ack table, per
// spec.md §3's ownership summary.
type Session struct {
	url   string
	label string // metrics label; also the gobreaker instance name suffix

	dialer *websocket.Dialer
	cb     *gobreaker.CircuitBreaker

	mu    sync.Mutex
	conn  *websocket.Conn
	state State

	pending map[string]*pendingAck
	subs    map[string]*pendingSub

	connectOnce sync.Once
	stopOnce    sync.Once
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

// NewSession builds a Session for url. label identifies the relay in
// metrics and circuit breaker naming (e.g. a short alias for the endpoint).
func NewSession(url, label string) *Session {
	st := gobreaker.Settings{
		Name:        "relay-" + label,
		MaxRequests: 3,
		Interval:    1 * time.Minute,
		Timeout:     30 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var v float64
			switch to {
			case gobreaker.StateClosed:
				v = 0
			case gobreaker.StateOpen:
				v = 1
			case gobreaker.StateHalfOpen:
				v = 2
			}
			metrics.RelayCircuitBreakerState.WithLabelValues(label).Set(v)
		},
	}
	return &Session{
		url:     url,
		label:   label,
		dialer:  &websocket.Dialer{HandshakeTimeout: dialTimeout},
		cb:      gobreaker.NewCircuitBreaker(st),
		pending: make(map[string]*pendingAck),
		subs:    make(map[string]*pendingSub),
		stopCh:  make(chan struct{}),
	}
}

// Connect is idempotent; the first call starts the dial/reconnect loop,
// later calls are no-ops.
func (s *Session) Connect() {
	s.connectOnce.Do(func() {
		s.setState(StateConnecting)
		s.wg.Add(1)
		go s.runLoop()
	})
}

// Connected reports whether the session currently holds a live connection.
func (s *Session) Connected() bool {
	return s.State() == StateConnected
}

// WaitConnected blocks until the session reaches StateConnected or ctx is
// done, whichever comes first.
func (s *Session) WaitConnected(ctx context.Context) error {
	const pollInterval = 10 * time.Millisecond
	if s.Connected() {
		return nil
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if s.Connected() {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// runLoop dials, serves reads until the connection drops, then waits
// ReconnectDelay before redialing. The loop is single-goroutine and
// strictly sequential, so at most one reconnect wait is ever outstanding —
// reconnect attempts never overlap by construction.
func (s *Session) runLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		conn, _, err := s.dialer.Dial(s.url, nil)
		if err != nil {
			logging.Warn(context.Background(), "relay dial failed", zap.String("relay", s.label), zap.Error(err))
			if !s.waitBeforeRetry() {
				return
			}
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.state = StateConnected
		s.mu.Unlock()
		metrics.RelayConnected.WithLabelValues(s.label).Set(1)
		logging.Info(context.Background(), "relay connected", zap.String("relay", s.label))

		s.readUntilClose(conn)

		metrics.RelayConnected.WithLabelValues(s.label).Set(0)
		s.failAllPending()
		s.closeAllSubs()

		if !s.waitBeforeRetry() {
			return
		}
	}
}

func (s *Session) waitBeforeRetry() bool {
	select {
	case <-s.stopCh:
		return false
	default:
	}
	s.setState(StateClosed)
	timer := time.NewTimer(ReconnectDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-s.stopCh:
		return false
	}
}

func (s *Session) readUntilClose(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.handleFrame(data)
	}
}

// handleFrame dispatches one relay frame. Unrecognized frame kinds
// (NOTICE, AUTH, anything else) are ignored per spec.md §4.F.
func (s *Session) handleFrame(data []byte) {
	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil || len(frame) == 0 {
		return
	}
	var kind string
	if err := json.Unmarshal(frame[0], &kind); err != nil {
		return
	}
	switch kind {
	case "OK":
		s.handleOK(frame)
	case "EVENT":
		s.handleEvent(frame)
	case "EOSE":
		s.handleEOSE(frame)
	}
}

func (s *Session) handleOK(frame []json.RawMessage) {
	if len(frame) < 3 {
		return
	}
	var id string
	var ok bool
	if json.Unmarshal(frame[1], &id) != nil || json.Unmarshal(frame[2], &ok) != nil {
		return
	}
	s.resolvePending(id, ok)
}

func (s *Session) handleEvent(frame []json.RawMessage) {
	if len(frame) < 3 {
		return
	}
	var subID string
	if json.Unmarshal(frame[1], &subID) != nil {
		return
	}
	var ev event.Signed
	if json.Unmarshal(frame[2], &ev) != nil {
		return
	}
	s.mu.Lock()
	sub, ok := s.subs[subID]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case sub.events <- &ev:
	default:
		// slow consumer; drop rather than block the read loop
	}
}

func (s *Session) handleEOSE(frame []json.RawMessage) {
	if len(frame) < 2 {
		return
	}
	var subID string
	if json.Unmarshal(frame[1], &subID) != nil {
		return
	}
	s.closeSub(subID, false)
}

// resolvePending removes id from the pending-ack table and resolves its
// waiter. Safe to call more than once for the same id (OK frame racing the
// timeout timer); the second call is a no-op.
func (s *Session) resolvePending(id string, ok bool) {
	s.mu.Lock()
	pa, found := s.pending[id]
	if found {
		delete(s.pending, id)
	}
	s.mu.Unlock()
	if !found {
		return
	}
	pa.timer.Stop()
	pa.resolve <- ok
}

func (s *Session) failAllPending() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.resolvePending(id, false)
	}
}

// Publish queues ev for send and blocks until the relay acknowledges it
// with "OK id true" or PublishTimeout elapses, whichever first. The publish
// attempt itself runs behind the session's circuit breaker: once enough
// consecutive publishes fail, further calls fail fast with
// gobreaker.ErrOpenState until the breaker's cooldown elapses.
func (s *Session) Publish(ctx context.Context, ev *event.Signed) (bool, error) {
	s.mu.Lock()
	conn := s.conn
	connected := s.state == StateConnected
	s.mu.Unlock()
	if !connected || conn == nil {
		return false, errors.New("relay: not connected")
	}

	ack := make(chan bool, 1)
	pa := &pendingAck{resolve: ack}
	pa.timer = time.AfterFunc(PublishTimeout, func() { s.resolvePending(ev.ID, false) })

	s.mu.Lock()
	s.pending[ev.ID] = pa
	s.mu.Unlock()

	result, err := s.cb.Execute(func() (interface{}, error) {
		frame, merr := json.Marshal([]any{"EVENT", ev})
		if merr != nil {
			return false, merr
		}
		s.mu.Lock()
		writeErr := conn.WriteMessage(websocket.TextMessage, frame)
		s.mu.Unlock()
		if writeErr != nil {
			return false, writeErr
		}
		select {
		case ok := <-ack:
			if !ok {
				return false, errors.New("relay: publish not acknowledged")
			}
			return true, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	})

	s.resolvePending(ev.ID, false) // no-op if already resolved by OK/timeout

	if err != nil {
		metrics.RelayPublishFailures.WithLabelValues(s.label).Inc()
		if errors.Is(err, gobreaker.ErrOpenState) {
			return false, fmt.Errorf("relay %s: circuit breaker open", s.label)
		}
		return false, err
	}
	return result.(bool), nil
}

// Query subscribes with filter and streams decoded events on the returned
// channel until the relay sends EOSE (the channel is then closed) or ctx is
// canceled (which sends CLOSE and closes the channel).
func (s *Session) Query(ctx context.Context, filter Filter) (<-chan *event.Signed, error) {
	s.mu.Lock()
	conn := s.conn
	connected := s.state == StateConnected
	s.mu.Unlock()
	if !connected || conn == nil {
		return nil, errors.New("relay: not connected")
	}

	subID := uuid.NewString()
	sub := &pendingSub{events: make(chan *event.Signed, 64), done: make(chan struct{})}

	s.mu.Lock()
	s.subs[subID] = sub
	s.mu.Unlock()

	frame, err := json.Marshal([]any{"REQ", subID, filter})
	if err != nil {
		s.closeSub(subID, false)
		return nil, err
	}
	s.mu.Lock()
	writeErr := conn.WriteMessage(websocket.TextMessage, frame)
	s.mu.Unlock()
	if writeErr != nil {
		s.closeSub(subID, false)
		return nil, writeErr
	}

	go func() {
		select {
		case <-sub.done:
		case <-ctx.Done():
			s.closeSub(subID, true)
		}
	}()

	return sub.events, nil
}

func (s *Session) closeSub(subID string, sendWire bool) {
	s.mu.Lock()
	sub, ok := s.subs[subID]
	conn := s.conn
	if ok {
		delete(s.subs, subID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	sub.once.Do(func() {
		close(sub.done)
		close(sub.events)
	})
	if sendWire && conn != nil {
		if frame, err := json.Marshal([]any{"CLOSE", subID}); err == nil {
			s.mu.Lock()
			conn.WriteMessage(websocket.TextMessage, frame)
			s.mu.Unlock()
		}
	}
}

func (s *Session) closeAllSubs() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.closeSub(id, false)
	}
}

// Disconnect tears the session down permanently: cancels any armed
// reconnect wait, closes the transport, resolves every pending publish as
// false, and closes every open query stream.
func (s *Session) Disconnect() {
	s.setState(StateDestroyed)
	s.stopOnce.Do(func() { close(s.stopCh) })

	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	s.wg.Wait()

	s.failAllPending()
	s.closeAllSubs()
	metrics.RelayConnected.WithLabelValues(s.label).Set(0)
}
