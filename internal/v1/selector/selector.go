// Package selector implements the Map Selector (spec.md §4.I): in AUTO
// mode, it repeatedly rewrites the Room Manager's EXPLICIT served-map
// policy using a frontier-expansion algorithm over the 100x100 map grid.
package selector

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/meshworld/syncnode/internal/v1/event"
	"github.com/meshworld/syncnode/internal/v1/heartbeat"
	"github.com/meshworld/syncnode/internal/v1/logging"
	"github.com/meshworld/syncnode/internal/v1/types"
	"go.uber.org/zap"
)

// ReevaluateInterval is how often the selector re-runs frontier expansion.
const ReevaluateInterval = 30 * time.Minute

// DefaultTargetMaps is the default number of frontier maps chosen per tick,
// on top of the birth seed.
const DefaultTargetMaps = 50

// Reader is the subset of *heartbeat.Reader the selector needs.
type Reader interface {
	QueryRelay(ctx context.Context, url string) []*event.Signed
}

// RoomManager is the subset of roommanager.Manager the selector needs.
type RoomManager interface {
	UpdateServedMaps(list []types.MapIDType)
}

// Selector periodically recomputes and installs the node's served-map set.
type Selector struct {
	reader     Reader
	rooms      RoomManager
	relayURLs  []string
	targetMaps int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Selector. targetMaps <= 0 falls back to DefaultTargetMaps.
func New(reader Reader, rooms RoomManager, relayURLs []string, targetMaps int) *Selector {
	if targetMaps <= 0 {
		targetMaps = DefaultTargetMaps
	}
	return &Selector{
		reader:     reader,
		rooms:      rooms,
		relayURLs:  relayURLs,
		targetMaps: targetMaps,
		stopCh:     make(chan struct{}),
	}
}

// Start runs one tick immediately, then arms the ReevaluateInterval timer.
func (s *Selector) Start() {
	s.Tick(context.Background())
	s.wg.Add(1)
	go s.loop()
}

func (s *Selector) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(ReevaluateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Tick(context.Background())
		case <-s.stopCh:
			return
		}
	}
}

// Stop cancels the re-evaluation timer.
func (s *Selector) Stop() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	s.wg.Wait()
}

// Tick runs one frontier-expansion pass and installs the result, per
// spec.md §4.I's algorithm.
func (s *Selector) Tick(ctx context.Context) {
	state := s.fetchState(ctx)
	for _, id := range types.SeedMapIDs {
		state.GuardedMaps[id] = struct{}{}
	}

	birthSeed := chooseBirthSeed(state.GuardianCounts)
	frontier := computeFrontier(state.GuardedMaps)
	scored := scoreFrontier(frontier, state, birthSeed)

	sort.Slice(scored, func(i, j int) bool { return scored[i].score > scored[j].score })
	if len(scored) > s.targetMaps {
		scored = scored[:s.targetMaps]
	}

	final := make([]types.MapIDType, 0, len(scored)+1)
	final = append(final, birthSeed)
	for _, f := range scored {
		final = append(final, f.id)
	}

	logging.Info(ctx, "map selector: served set recomputed",
		zap.Int("mapId", int(birthSeed)), zap.Int("count", len(final)))
	s.rooms.UpdateServedMaps(final)
}

// fetchState queries relays in order, using the state from the first one
// that returns any events; later relays are a fallback only.
func (s *Selector) fetchState(ctx context.Context) heartbeat.NetworkState {
	for _, url := range s.relayURLs {
		events := s.reader.QueryRelay(ctx, url)
		if len(events) > 0 {
			return heartbeat.AnalyzeHeartbeats(events)
		}
	}
	return heartbeat.AnalyzeHeartbeats(nil)
}

// chooseBirthSeed picks, among the seed maps, the one with the minimum
// guardian count, breaking ties uniformly at random.
func chooseBirthSeed(guardianCounts map[types.MapIDType]int) types.MapIDType {
	minCount := -1
	var candidates []types.MapIDType
	for _, id := range types.SeedMapIDs {
		count := guardianCounts[id]
		switch {
		case minCount == -1 || count < minCount:
			minCount = count
			candidates = []types.MapIDType{id}
		case count == minCount:
			candidates = append(candidates, id)
		}
	}
	return candidates[rand.Intn(len(candidates))]
}

// computeFrontier enumerates the 8-neighborhood of every guarded map and
// returns the unguarded valid map ids reached.
func computeFrontier(guarded map[types.MapIDType]struct{}) []types.MapIDType {
	seen := make(map[types.MapIDType]struct{})
	var frontier []types.MapIDType
	for id := range guarded {
		x, z := types.MapCoords(id)
		for dx := -1; dx <= 1; dx++ {
			for dz := -1; dz <= 1; dz++ {
				if dx == 0 && dz == 0 {
					continue
				}
				neighbor, ok := types.MapIDFromCoords(x+dx, z+dz)
				if !ok {
					continue
				}
				if _, guardedAlready := guarded[neighbor]; guardedAlready {
					continue
				}
				if _, dup := seen[neighbor]; dup {
					continue
				}
				seen[neighbor] = struct{}{}
				frontier = append(frontier, neighbor)
			}
		}
	}
	return frontier
}

type scoredMap struct {
	id    types.MapIDType
	score int
}

// scoreFrontier applies spec.md §4.I's scoring formula to each frontier
// map: orphanBonus + scarcityScore + demandScore + proximityScore.
func scoreFrontier(frontier []types.MapIDType, state heartbeat.NetworkState, birthSeed types.MapIDType) []scoredMap {
	out := make([]scoredMap, 0, len(frontier))
	for _, id := range frontier {
		guardianCount := state.GuardianCounts[id]
		playerCount := state.PlayerCounts[id]

		orphanBonus := 0
		if guardianCount == 0 {
			orphanBonus = 500
		}
		scarcityScore := max(0, 100-50*guardianCount)
		demandScore := min(20*playerCount, 100)
		proximityScore := max(0, 50-manhattanDistance(birthSeed, id))

		out = append(out, scoredMap{id: id, score: orphanBonus + scarcityScore + demandScore + proximityScore})
	}
	return out
}

func manhattanDistance(a, b types.MapIDType) int {
	ax, az := types.MapCoords(a)
	bx, bz := types.MapCoords(b)
	return absInt(ax-bx) + absInt(az-bz)
}

func absInt(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
