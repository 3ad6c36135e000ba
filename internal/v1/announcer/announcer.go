// Package announcer implements the Announcer (spec.md §4.G): it builds and
// signs periodic node-state heartbeats and broadcasts them via a Relay
// Pool. Grounded on the teacher's periodic-publish shape in
// internal/v1/bus.Service, retargeted from Redis pub/sub to signed
// discovery-fabric events.
package announcer

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/meshworld/syncnode/internal/v1/event"
	"github.com/meshworld/syncnode/internal/v1/logging"
	"github.com/meshworld/syncnode/internal/v1/roommanager"
	"github.com/meshworld/syncnode/internal/v1/types"
	"go.uber.org/zap"
)

// HeartbeatInterval is how often a steady-state heartbeat is published.
const HeartbeatInterval = 60 * time.Second

// stabilizeWait is how long start() waits for the pool's sessions to
// establish a connection before publishing the first heartbeat. A var, not
// a const, so tests can shrink it.
var stabilizeWait = 2 * time.Second

// RoomManager is the subset of roommanager.Manager the Announcer depends on.
type RoomManager interface {
	GetTotalPlayerCount() int
	GetPlayerCounts() map[types.MapIDType]int
	GetServedMapIDs() roommanager.ServedMapIDs
}

// Pool is the subset of relay.Pool the Announcer depends on, so tests can
// substitute a fake that never dials real network endpoints.
type Pool interface {
	Connect()
	Disconnect()
	PublishAll(ctx context.Context, ev *event.Signed)
}

// Announcer owns a Relay Pool and periodically publishes signed heartbeats
// describing this node's load and served maps.
type Announcer struct {
	pool      Pool
	rooms     RoomManager
	priv      *secp256k1.PrivateKey
	publicURL string
	region    string
	capacity  int

	startedAt time.Time
	stopCh    chan struct{}
	wg        sync.WaitGroup
	destroyed atomic.Bool
}

// New builds an Announcer. priv signs every heartbeat it publishes;
// publicURL is this node's own address, recorded in the heartbeat's sync
// tag so peers can deduplicate by node identity.
func New(pool Pool, rooms RoomManager, priv *secp256k1.PrivateKey, publicURL, region string, capacity int) *Announcer {
	return &Announcer{
		pool:      pool,
		rooms:     rooms,
		priv:      priv,
		publicURL: publicURL,
		region:    region,
		capacity:  capacity,
		stopCh:    make(chan struct{}),
	}
}

// Start records startedAt, opens the pool, waits briefly for its sessions
// to stabilize, publishes one active heartbeat immediately, then arms the
// steady-state HeartbeatInterval timer.
func (a *Announcer) Start() {
	a.startedAt = time.Now()
	a.pool.Connect()
	time.Sleep(stabilizeWait)
	a.publish("active")

	a.wg.Add(1)
	go a.loop()
}

func (a *Announcer) loop() {
	defer a.wg.Done()
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.publish("active")
		case <-a.stopCh:
			return
		}
	}
}

// Stop marks the Announcer destroyed, cancels the interval timer, publishes
// one final offline heartbeat, and disconnects every session in the pool.
// Safe to call more than once; later calls are no-ops.
func (a *Announcer) Stop() {
	if !a.destroyed.CompareAndSwap(false, true) {
		return
	}
	close(a.stopCh)
	a.wg.Wait()
	a.publish("offline")
	a.pool.Disconnect()
}

func (a *Announcer) publish(status string) {
	ev := a.buildHeartbeat(status)
	if err := event.Sign(ev, a.priv); err != nil {
		logging.Error(context.Background(), "sign heartbeat", zap.Error(err))
		return
	}
	a.pool.PublishAll(context.Background(), ev)
}

// buildHeartbeat renders the current node state into an unsigned
// event.Signed per spec.md §3's HeartbeatRecord field rules.
func (a *Announcer) buildHeartbeat(status string) *event.Signed {
	total := a.rooms.GetTotalPlayerCount()
	counts := a.rooms.GetPlayerCounts()
	served := a.rooms.GetServedMapIDs()

	tags := []event.Tag{
		{"t", event.DiscoveryTag},
		{"sync", a.publicURL},
		{"status", status},
		{"load", strconv.Itoa(total)},
		{"capacity", strconv.Itoa(a.capacity)},
		{"rooms", strconv.Itoa(len(counts))},
		{"uptime", strconv.Itoa(int(time.Since(a.startedAt).Seconds()))},
	}
	if a.region != "" {
		tags = append(tags, event.Tag{"region", a.region})
	}

	if served.All {
		// ALL-mode nodes never enumerate all 10,000 maps: a serves=all
		// marker substitutes for the bulk, and only maps with players get
		// an explicit map tag.
		tags = append(tags, event.Tag{"serves", "all"})
		tags = append(tags, mapTags(nonzeroMapIDs(counts), counts)...)
	} else {
		tags = append(tags, mapTags(served.Maps, counts)...)
	}

	return &event.Signed{
		Kind:      event.KindHeartbeat,
		CreatedAt: time.Now().Unix(),
		Content:   "",
		Tags:      event.SortTags(tags),
	}
}

func nonzeroMapIDs(counts map[types.MapIDType]int) []types.MapIDType {
	ids := make([]types.MapIDType, 0, len(counts))
	for id, c := range counts {
		if c > 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

func mapTags(ids []types.MapIDType, counts map[types.MapIDType]int) []event.Tag {
	sorted := make([]types.MapIDType, len(ids))
	copy(sorted, ids)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	tags := make([]event.Tag, 0, len(sorted))
	for _, id := range sorted {
		tags = append(tags, event.Tag{"map", strconv.Itoa(int(id)), strconv.Itoa(counts[id])})
	}
	return tags
}
