package frontdoor

import (
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/meshworld/syncnode/internal/v1/types"
	"github.com/meshworld/syncnode/internal/v1/wire"
)

// fakeConn is an in-memory stand-in for *websocket.Conn.
type fakeConn struct {
	in      chan []byte
	closeCh chan struct{}
	once    sync.Once

	mu      sync.Mutex
	written [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closeCh: make(chan struct{})}
}

func (f *fakeConn) push(data []byte) { f.in <- data }

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data, ok := <-f.in:
		if !ok {
			return 0, nil, errors.New("connection closed")
		}
		return websocket.TextMessage, data, nil
	case <-f.closeCh:
		return 0, nil, errors.New("connection closed")
	}
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, data)
	return nil
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closeCh) })
	return nil
}

func (f *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

func (f *fakeConn) snapshot() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.written))
	copy(out, f.written)
	return out
}

func (f *fakeConn) messageTypes(t *testing.T) []string {
	t.Helper()
	out := make([]string, 0)
	for _, raw := range f.snapshot() {
		var decoded struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &decoded); err != nil {
			t.Fatalf("decode written frame: %v", err)
		}
		out = append(out, decoded.Type)
	}
	return out
}

// fakeRoomManager is a minimal, controllable stand-in for roommanager.Manager.
type fakeRoomManager struct {
	mu          sync.Mutex
	served      map[types.MapIDType]bool
	total       int
	addedCalls  int
	addSucceeds bool
	room        *fakeRoomer
}

func newFakeRoomManager() *fakeRoomManager {
	return &fakeRoomManager{served: map[types.MapIDType]bool{}, addSucceeds: true, room: &fakeRoomer{}}
}

func (m *fakeRoomManager) IsMapServed(mapID types.MapIDType) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.served[mapID]
}

func (m *fakeRoomManager) AddConnection(client types.ClientInterface, mapID types.MapIDType) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addedCalls++
	return m.addSucceeds
}

func (m *fakeRoomManager) RoomFor(mapID types.MapIDType) (types.Roomer, bool) {
	return m.room, true
}

func (m *fakeRoomManager) GetTotalPlayerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

type fakeRoomer struct {
	mu       sync.Mutex
	messages []wire.ClientMessage
}

func (r *fakeRoomer) MapID() types.MapIDType { return 0 }
func (r *fakeRoomer) PlayerCount() int       { return 0 }
func (r *fakeRoomer) HandleConnect(types.ClientInterface) {}
func (r *fakeRoomer) HandleDisconnect(types.ClientInterface) {}
func (r *fakeRoomer) HandleMessage(client types.ClientInterface, msg wire.ClientMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}
func (r *fakeRoomer) CleanupInactive(time.Duration) {}
func (r *fakeRoomer) Destroy()                      {}

func (r *fakeRoomer) received() []wire.ClientMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]wire.ClientMessage, len(r.messages))
	copy(out, r.messages)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestAdmit_RejectsAtCapacity(t *testing.T) {
	rooms := newFakeRoomManager()
	rooms.total = 10
	fd := New(rooms, 10, nil)

	conn := newFakeConn()
	fd.Admit(conn)

	waitFor(t, func() bool { return len(conn.snapshot()) > 0 })
	frameTypes := conn.messageTypes(t)
	if len(frameTypes) != 1 || frameTypes[0] != "error" {
		t.Fatalf("expected a single error frame, got %v", frameTypes)
	}
}

func TestAdmit_PingWhilePendingRepliesPong(t *testing.T) {
	rooms := newFakeRoomManager()
	fd := New(rooms, 200, nil)

	conn := newFakeConn()
	fd.Admit(conn)
	conn.push([]byte(`{"type":"ping"}`))

	waitFor(t, func() bool { return len(conn.snapshot()) > 0 })
	frameTypes := conn.messageTypes(t)
	if frameTypes[0] != "pong" {
		t.Fatalf("expected pong, got %v", frameTypes)
	}
}

func TestAdmit_AuthToServedMapJoinsRoom(t *testing.T) {
	rooms := newFakeRoomManager()
	rooms.served[7] = true
	fd := New(rooms, 200, nil)

	conn := newFakeConn()
	fd.Admit(conn)
	mapID := 7
	conn.push([]byte(`{"type":"auth","pubkey":"abc","mapId":` + strconv.Itoa(mapID) + `}`))

	waitFor(t, func() bool { return len(rooms.room.received()) > 0 })
	msgs := rooms.room.received()
	if msgs[0].Type != "auth" || msgs[0].Pubkey != "abc" {
		t.Fatalf("expected the auth message to be replayed into the room, got %+v", msgs[0])
	}
	if rooms.addedCalls != 1 {
		t.Fatalf("expected AddConnection to be called once, got %d", rooms.addedCalls)
	}
}

func TestAdmit_AuthToUnservedMapRejects(t *testing.T) {
	rooms := newFakeRoomManager()
	fd := New(rooms, 200, nil)

	conn := newFakeConn()
	fd.Admit(conn)
	conn.push([]byte(`{"type":"auth","pubkey":"abc","mapId":5}`))

	waitFor(t, func() bool { return len(conn.snapshot()) > 0 })
	frameTypes := conn.messageTypes(t)
	if frameTypes[0] != "error" {
		t.Fatalf("expected error frame for unserved map, got %v", frameTypes)
	}
	if rooms.addedCalls != 0 {
		t.Fatal("AddConnection should not be called for an unserved map")
	}
}
