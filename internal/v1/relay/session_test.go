package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/meshworld/syncnode/internal/v1/event"
	"go.uber.org/goleak"
)

// fakeRelayServer is a minimal in-process relay: it upgrades one
// connection and lets the test script canned responses onto it.
type fakeRelayServer struct {
	upgrader websocket.Upgrader
	connCh   chan *websocket.Conn
}

func newFakeRelayServer() (*httptest.Server, *fakeRelayServer) {
	frs := &fakeRelayServer{connCh: make(chan *websocket.Conn, 4)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := frs.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		frs.connCh <- conn
	}))
	return srv, frs
}

func wsURL(httpURL string) string {
	return "ws" + httpURL[len("http"):]
}

func testEvent(id string) *event.Signed {
	return &event.Signed{ID: id, Pubkey: "abc", CreatedAt: 1, Kind: 20311, Content: ""}
}

func TestSession_PublishAckResolvesTrue(t *testing.T) {
	srv, frs := newFakeRelayServer()
	defer srv.Close()

	s := NewSession(wsURL(srv.URL), "test")
	s.Connect()
	defer s.Disconnect()

	conn := <-frs.connCh
	go func() {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame []json.RawMessage
		json.Unmarshal(data, &frame)
		var ev event.Signed
		json.Unmarshal(frame[1], &ev)
		reply, _ := json.Marshal([]any{"OK", ev.ID, true, ""})
		conn.WriteMessage(websocket.TextMessage, reply)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ok, err := s.Publish(ctx, testEvent("evt-1"))
	if err != nil || !ok {
		t.Fatalf("expected successful publish, got ok=%v err=%v", ok, err)
	}
}

func TestSession_PublishTimeoutResolvesFalse(t *testing.T) {
	srv, frs := newFakeRelayServer()
	defer srv.Close()

	s := NewSession(wsURL(srv.URL), "test")
	s.Connect()
	defer s.Disconnect()
	<-frs.connCh // accept the connection, never reply

	ctx, cancel := context.WithTimeout(context.Background(), PublishTimeout+2*time.Second)
	defer cancel()
	start := time.Now()
	ok, err := s.Publish(ctx, testEvent("evt-timeout"))
	if ok || err == nil {
		t.Fatalf("expected a failed publish after timeout, got ok=%v err=%v", ok, err)
	}
	if elapsed := time.Since(start); elapsed < PublishTimeout {
		t.Fatalf("publish returned before PublishTimeout elapsed: %v", elapsed)
	}
}

func TestSession_DisconnectFailsPendingPublishes(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv, frs := newFakeRelayServer()
	defer srv.Close()

	s := NewSession(wsURL(srv.URL), "test")
	s.Connect()
	<-frs.connCh

	done := make(chan struct{})
	var ok bool
	go func() {
		ok, _ = s.Publish(context.Background(), testEvent("evt-disconnect"))
		close(done)
	}()

	time.Sleep(20 * time.Millisecond) // let Publish register its pending entry
	s.Disconnect()

	select {
	case <-done:
		if ok {
			t.Fatal("expected publish to resolve false after disconnect")
		}
	case <-time.After(time.Second):
		t.Fatal("publish never resolved after disconnect")
	}
}

func TestSession_QueryStreamsUntilEOSE(t *testing.T) {
	srv, frs := newFakeRelayServer()
	defer srv.Close()

	s := NewSession(wsURL(srv.URL), "test")
	s.Connect()
	defer s.Disconnect()

	conn := <-frs.connCh
	go func() {
		_, data, err := conn.ReadMessage() // the REQ frame
		if err != nil {
			return
		}
		var frame []json.RawMessage
		json.Unmarshal(data, &frame)
		var subID string
		json.Unmarshal(frame[1], &subID)
		eose, _ := json.Marshal([]any{"EOSE", subID})
		conn.WriteMessage(websocket.TextMessage, eose)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	// Give the dial a moment before querying.
	time.Sleep(20 * time.Millisecond)
	stream, err := s.Query(ctx, Filter{Kinds: []int{20311}, Limit: 10})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	select {
	case _, ok := <-stream:
		if ok {
			t.Fatal("expected the stream to close without delivering an event")
		}
	case <-time.After(time.Second):
		t.Fatal("stream never closed")
	}
}

func TestPool_AnyConnected(t *testing.T) {
	srv, frs := newFakeRelayServer()
	defer srv.Close()

	p := NewPool([]string{wsURL(srv.URL)})
	if p.AnyConnected() {
		t.Fatal("pool should report disconnected before Connect")
	}
	p.Connect()
	defer p.Disconnect()
	<-frs.connCh

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !p.AnyConnected() {
		time.Sleep(time.Millisecond)
	}
	if !p.AnyConnected() {
		t.Fatal("expected pool to report connected")
	}
}
