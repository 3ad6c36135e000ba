package roommanager

import (
	"testing"
	"time"

	"github.com/meshworld/syncnode/internal/v1/config"
	"github.com/meshworld/syncnode/internal/v1/types"
	"github.com/meshworld/syncnode/internal/v1/wire"
	"go.uber.org/goleak"
)

// fakeRoomer implements types.Roomer with counters the test controls
// directly, so reaper/policy behavior can be exercised without a real auth
// handshake.
type fakeRoomer struct {
	mapID     types.MapIDType
	players   int
	destroyed bool
}

func (f *fakeRoomer) MapID() types.MapIDType  { return f.mapID }
func (f *fakeRoomer) PlayerCount() int        { return f.players }
func (f *fakeRoomer) HandleConnect(types.ClientInterface)                       {}
func (f *fakeRoomer) HandleDisconnect(types.ClientInterface)                    {}
func (f *fakeRoomer) HandleMessage(types.ClientInterface, wire.ClientMessage)   {}
func (f *fakeRoomer) CleanupInactive(time.Duration)                            {}
func (f *fakeRoomer) Destroy()                                                  { f.destroyed = true }

func newTestManager(mode config.ServedMode, explicit ...types.MapIDType) *Manager {
	set := make(map[types.MapIDType]struct{}, len(explicit))
	for _, id := range explicit {
		set[id] = struct{}{}
	}
	m := New(&config.Config{ServedMode: mode, ServedMaps: set})
	return m
}

func (m *Manager) withFakeRoom(id types.MapIDType, players int) *fakeRoomer {
	f := &fakeRoomer{mapID: id, players: players}
	m.mu.Lock()
	m.rooms[id] = f
	m.mu.Unlock()
	return f
}

func TestIsMapServed_AllMode(t *testing.T) {
	m := newTestManager(config.ServedAll)
	if !m.IsMapServed(0) || !m.IsMapServed(9999) {
		t.Fatal("ALL mode should serve every valid map")
	}
	if m.IsMapServed(10000) {
		t.Fatal("out-of-range map id must never be served")
	}
}

func TestIsMapServed_ExplicitMode(t *testing.T) {
	m := newTestManager(config.ServedExplicit, 5, 6)
	if !m.IsMapServed(5) || m.IsMapServed(7) {
		t.Fatal("explicit policy should serve only listed maps")
	}
}

func TestAddConnection_NotServedReturnsFalse(t *testing.T) {
	m := newTestManager(config.ServedExplicit, 5)
	ok := m.AddConnection(nil, 999)
	if ok {
		t.Fatal("expected AddConnection to reject an unserved map")
	}
	if _, ok := m.RoomFor(999); ok {
		t.Fatal("no room should have been created for an unserved map")
	}
}

func TestGetPlayerCountsOnlyIncludesNonzero(t *testing.T) {
	m := newTestManager(config.ServedAll)
	m.withFakeRoom(1, 3)
	m.withFakeRoom(2, 0)

	counts := m.GetPlayerCounts()
	if counts[1] != 3 {
		t.Fatalf("counts[1] = %d, want 3", counts[1])
	}
	if _, ok := counts[2]; ok {
		t.Fatal("empty room should be excluded from GetPlayerCounts")
	}
	if total := m.GetTotalPlayerCount(); total != 3 {
		t.Fatalf("GetTotalPlayerCount = %d, want 3", total)
	}
}

func TestUpdateServedMaps(t *testing.T) {
	m := newTestManager(config.ServedAuto)
	m.UpdateServedMaps([]types.MapIDType{10, 20, 30})

	served := m.GetServedMapIDs()
	if served.All {
		t.Fatal("AUTO mode should never report All")
	}
	if len(served.Maps) != 3 {
		t.Fatalf("expected 3 served maps, got %d", len(served.Maps))
	}
	if !m.IsMapServed(20) || m.IsMapServed(40) {
		t.Fatal("IsMapServed should reflect the updated set")
	}
}

func TestCleanupInactiveArmsEmptyGate(t *testing.T) {
	m := newTestManager(config.ServedAll)
	m.withFakeRoom(1, 0)

	m.CleanupInactive(time.Minute)

	m.mu.RLock()
	_, armed := m.emptyAt[1]
	m.mu.RUnlock()
	if !armed {
		t.Fatal("expected empty-room gate to be armed")
	}
}

func TestReapTick_DestroysAfterTTL(t *testing.T) {
	m := newTestManager(config.ServedAll)
	f := m.withFakeRoom(1, 0)

	m.mu.Lock()
	m.emptyAt[1] = time.Now().Add(-emptyRoomTTL - time.Second)
	m.mu.Unlock()

	m.reapTick()

	if !f.destroyed {
		t.Fatal("expected room to be destroyed once past EMPTY_ROOM_TTL")
	}
	if _, ok := m.RoomFor(1); ok {
		t.Fatal("destroyed room should be removed from the registry")
	}
}

func TestReapTick_ClearsGateWhenRepopulated(t *testing.T) {
	m := newTestManager(config.ServedAll)
	m.withFakeRoom(1, 5)

	m.mu.Lock()
	m.emptyAt[1] = time.Now().Add(-emptyRoomTTL - time.Second)
	m.mu.Unlock()

	m.reapTick()

	m.mu.RLock()
	_, armed := m.emptyAt[1]
	m.mu.RUnlock()
	if armed {
		t.Fatal("a room with players must never be destroyed or stay gated")
	}
	if _, ok := m.RoomFor(1); !ok {
		t.Fatal("room with players should survive the reaper tick")
	}
}

func TestDestroyStopsReaperAndClearsRooms(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := newTestManager(config.ServedAll)
	f := m.withFakeRoom(1, 0)
	m.StartReaper()

	m.Destroy()

	if !f.destroyed {
		t.Fatal("Destroy should destroy every remaining room")
	}
	if len(m.GetPlayerCounts()) != 0 {
		t.Fatal("registry should be empty after Destroy")
	}
}
