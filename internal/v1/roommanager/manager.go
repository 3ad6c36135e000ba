// Package roommanager implements the Room Manager (spec.md §4.D): the
// served-map policy, the room registry, and the two-phase empty-room
// reaper.
package roommanager

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/meshworld/syncnode/internal/v1/config"
	"github.com/meshworld/syncnode/internal/v1/metrics"
	"github.com/meshworld/syncnode/internal/v1/room"
	"github.com/meshworld/syncnode/internal/v1/types"
)

// emptyRoomTTL is how long a room may sit with zero players before the
// reaper destroys it.
const emptyRoomTTL = 5 * time.Minute

const reaperInterval = 60 * time.Second

// ServedMapIDs is the result of GetServedMapIDs: either every map (ALL) or
// an explicit list.
type ServedMapIDs struct {
	All  bool
	Maps []types.MapIDType
}

// Manager owns every live Room and the node's served-map policy.
type Manager struct {
	mu      sync.RWMutex
	rooms   map[types.MapIDType]types.Roomer
	emptyAt map[types.MapIDType]time.Time // absent == gate unset

	policyMu sync.RWMutex
	mode     config.ServedMode
	explicit map[types.MapIDType]struct{} // live when mode is EXPLICIT or AUTO

	newRoom func(types.MapIDType) types.Roomer

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Manager seeded from cfg's served-map policy. Call
// StartReaper once the Manager is wired into the rest of the node.
func New(cfg *config.Config) *Manager {
	return &Manager{
		rooms:    make(map[types.MapIDType]types.Roomer),
		emptyAt:  make(map[types.MapIDType]time.Time),
		mode:     cfg.ServedMode,
		explicit: cloneMapSet(cfg.ServedMaps),
		newRoom:  func(id types.MapIDType) types.Roomer { return room.NewRoom(id) },
		stopCh:   make(chan struct{}),
	}
}

func cloneMapSet(src map[types.MapIDType]struct{}) map[types.MapIDType]struct{} {
	out := make(map[types.MapIDType]struct{}, len(src))
	for k := range src {
		out[k] = struct{}{}
	}
	return out
}

// IsMapServed reports whether mapID is addressable and within policy.
func (m *Manager) IsMapServed(mapID types.MapIDType) bool {
	if !types.ValidMapID(mapID) {
		return false
	}
	m.policyMu.RLock()
	defer m.policyMu.RUnlock()
	if m.mode == config.ServedAll {
		return true
	}
	_, ok := m.explicit[mapID]
	return ok
}

// AddConnection installs client into mapID's room, creating the room if
// necessary, and returns false without side effects if mapID is not served.
func (m *Manager) AddConnection(client types.ClientInterface, mapID types.MapIDType) bool {
	if !m.IsMapServed(mapID) {
		return false
	}
	r := m.getOrCreateRoom(mapID)
	r.HandleConnect(client)
	return true
}

// RoomFor returns the room currently registered for mapID, if any. The
// Front Door uses this after a successful AddConnection to wire the
// connection's inbound callbacks directly to the room.
func (m *Manager) RoomFor(mapID types.MapIDType) (types.Roomer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[mapID]
	return r, ok
}

func (m *Manager) getOrCreateRoom(mapID types.MapIDType) types.Roomer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rooms[mapID]; ok {
		delete(m.emptyAt, mapID)
		return r
	}
	r := m.newRoom(mapID)
	m.rooms[mapID] = r
	metrics.ActiveRooms.Inc()
	return r
}

// GetPlayerCounts returns the authenticated player count for every room
// that currently has at least one player.
func (m *Manager) GetPlayerCounts() map[types.MapIDType]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[types.MapIDType]int)
	for id, r := range m.rooms {
		if c := r.PlayerCount(); c > 0 {
			out[id] = c
		}
	}
	return out
}

// GetTotalPlayerCount sums player counts across every room.
func (m *Manager) GetTotalPlayerCount() int {
	total := 0
	for _, c := range m.GetPlayerCounts() {
		total += c
	}
	return total
}

// GetActiveMapIds lists every map id with at least one player, sorted.
func (m *Manager) GetActiveMapIds() []types.MapIDType {
	counts := m.GetPlayerCounts()
	ids := make([]types.MapIDType, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// GetServedMapIDs reports the current served-map policy.
func (m *Manager) GetServedMapIDs() ServedMapIDs {
	m.policyMu.RLock()
	defer m.policyMu.RUnlock()
	if m.mode == config.ServedAll {
		return ServedMapIDs{All: true}
	}
	maps := make([]types.MapIDType, 0, len(m.explicit))
	for id := range m.explicit {
		maps = append(maps, id)
	}
	sort.Slice(maps, func(i, j int) bool { return maps[i] < maps[j] })
	return ServedMapIDs{Maps: maps}
}

// UpdateServedMaps atomically replaces the EXPLICIT/AUTO policy set. Called
// by the Map Selector in AUTO mode; a no-op effect-wise in ALL mode beyond
// recording the set, since IsMapServed ignores it while mode is ALL.
func (m *Manager) UpdateServedMaps(list []types.MapIDType) {
	next := make(map[types.MapIDType]struct{}, len(list))
	for _, id := range list {
		next[id] = struct{}{}
	}
	m.policyMu.Lock()
	m.explicit = next
	m.policyMu.Unlock()
	metrics.ServedMaps.Set(float64(len(next)))
}

// CleanupInactive fans out to every room's own idle reaping, then arms the
// empty-room gate for any room that now has zero players and did not
// already have one armed.
func (m *Manager) CleanupInactive(maxIdle time.Duration) {
	m.mu.RLock()
	rooms := make([]types.Roomer, 0, len(m.rooms))
	ids := make([]types.MapIDType, 0, len(m.rooms))
	for id, r := range m.rooms {
		rooms = append(rooms, r)
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, r := range rooms {
		r.CleanupInactive(maxIdle)
	}

	now := time.Now()
	m.mu.Lock()
	for i, r := range rooms {
		id := ids[i]
		count := r.PlayerCount()
		metrics.RoomPlayers.WithLabelValues(strconv.Itoa(int(id))).Set(float64(count))
		if count > 0 {
			continue
		}
		if _, ok := m.emptyAt[id]; !ok {
			m.emptyAt[id] = now
		}
	}
	m.mu.Unlock()
}

// StartReaper launches the 60-second empty-room reaper goroutine.
func (m *Manager) StartReaper() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(reaperInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.reapTick()
			case <-m.stopCh:
				return
			}
		}
	}()
}

func (m *Manager) reapTick() {
	now := time.Now()

	m.mu.Lock()
	var destroyed []types.Roomer
	var destroyedIDs []types.MapIDType
	for id, r := range m.rooms {
		if r.PlayerCount() > 0 {
			delete(m.emptyAt, id)
			continue
		}
		emptyAt, ok := m.emptyAt[id]
		if !ok {
			m.emptyAt[id] = now
			continue
		}
		if now.Sub(emptyAt) > emptyRoomTTL {
			destroyed = append(destroyed, r)
			destroyedIDs = append(destroyedIDs, id)
			delete(m.rooms, id)
			delete(m.emptyAt, id)
		}
	}
	m.mu.Unlock()

	for i, r := range destroyed {
		r.Destroy()
		metrics.ActiveRooms.Dec()
		metrics.RoomPlayers.DeleteLabelValues(strconv.Itoa(int(destroyedIDs[i])))
	}
}

// Destroy stops the reaper and destroys every room.
func (m *Manager) Destroy() {
	close(m.stopCh)
	m.wg.Wait()

	m.mu.Lock()
	rooms := make([]types.Roomer, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.rooms = make(map[types.MapIDType]types.Roomer)
	m.emptyAt = make(map[types.MapIDType]time.Time)
	m.mu.Unlock()

	for _, r := range rooms {
		r.Destroy()
	}
	metrics.ActiveRooms.Set(0)
}
