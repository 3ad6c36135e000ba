// Package heartbeat implements the Heartbeat Reader (spec.md §4.H): query
// the discovery fabric for peer nodes' heartbeat records, deduplicate,
// filter stale/offline entries, and project what survives into a
// NetworkState snapshot the Map Selector consumes.
package heartbeat

import (
	"context"
	"strconv"
	"time"

	"github.com/meshworld/syncnode/internal/v1/event"
	"github.com/meshworld/syncnode/internal/v1/logging"
	"github.com/meshworld/syncnode/internal/v1/relay"
	"github.com/meshworld/syncnode/internal/v1/types"
	"go.uber.org/zap"
)

// QueryTimeout is the hard wall-clock bound on one queryRelay call.
const QueryTimeout = 15 * time.Second

// StaleAfter is the maximum heartbeat age analyzeHeartbeats will keep.
const StaleAfter = 180 * time.Second

// queryLimit bounds how many heartbeats a single REQ may return.
const queryLimit = 200

// Session is the subset of *relay.Session the reader needs, so tests can
// substitute a fake that never dials real network endpoints.
type Session interface {
	Connect()
	WaitConnected(ctx context.Context) error
	Query(ctx context.Context, filter relay.Filter) (<-chan *event.Signed, error)
	Disconnect()
}

// Dialer builds a Session for one relay url.
type Dialer func(url string) Session

func defaultDialer(url string) Session { return relay.NewSession(url, url) }

// Reader queries relays for heartbeat records and projects them into
// NetworkState snapshots.
type Reader struct {
	dial Dialer
}

// New builds a Reader that dials real relay.Session connections.
func New() *Reader { return &Reader{dial: defaultDialer} }

// NewWithDialer builds a Reader using a custom Dialer, for tests.
func NewWithDialer(d Dialer) *Reader { return &Reader{dial: d} }

// QueryRelay opens a session to url, issues one REQ for heartbeat kind
// records, collects events until EOSE or QueryTimeout, then closes the
// session. Parse errors on individual events are silent skips (handled
// inside relay.Session's frame decoding).
func (r *Reader) QueryRelay(ctx context.Context, url string) []*event.Signed {
	ctx, cancel := context.WithTimeout(ctx, QueryTimeout)
	defer cancel()

	sess := r.dial(url)
	sess.Connect()
	defer sess.Disconnect()

	if err := sess.WaitConnected(ctx); err != nil {
		logging.Warn(ctx, "heartbeat reader: relay never connected", zap.String("relay", url), zap.Error(err))
		return nil
	}

	stream, err := sess.Query(ctx, relay.Filter{
		Kinds: []int{event.KindHeartbeat},
		Tags:  map[string][]string{"t": {event.DiscoveryTag}},
		Limit: queryLimit,
	})
	if err != nil {
		logging.Warn(ctx, "heartbeat reader: query failed", zap.String("relay", url), zap.Error(err))
		return nil
	}

	var events []*event.Signed
	for {
		select {
		case ev, ok := <-stream:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-ctx.Done():
			return events
		}
	}
}

// NetworkState is the derived per-selector-tick view of the fabric (spec.md
// §3).
type NetworkState struct {
	GuardedMaps    map[types.MapIDType]struct{}
	GuardianCounts map[types.MapIDType]int
	PlayerCounts   map[types.MapIDType]int
}

func newNetworkState() NetworkState {
	return NetworkState{
		GuardedMaps:    make(map[types.MapIDType]struct{}),
		GuardianCounts: make(map[types.MapIDType]int),
		PlayerCounts:   make(map[types.MapIDType]int),
	}
}

// AnalyzeHeartbeats implements spec.md §4.H's analyzeHeartbeats: dedup by
// sync tag keeping the newest, drop stale/offline/standby entries, then
// aggregate map tags (and serves=all markers) into a NetworkState.
func AnalyzeHeartbeats(events []*event.Signed) NetworkState {
	newest := dedupBySyncTag(events)

	state := newNetworkState()
	now := time.Now().Unix()
	for _, ev := range newest {
		if now-ev.CreatedAt > int64(StaleAfter.Seconds()) {
			continue
		}
		status := ev.TagValue("status")
		if status == "offline" || status == "standby" {
			continue
		}

		for _, tag := range ev.Tags {
			if tag.Key() != "map" || len(tag) < 3 {
				continue
			}
			id, err := parseMapID(tag[1])
			if err != nil {
				continue
			}
			count, err := strconv.Atoi(tag[2])
			if err != nil {
				continue
			}
			state.GuardedMaps[id] = struct{}{}
			state.GuardianCounts[id]++
			state.PlayerCounts[id] += count
		}

		if ev.TagValue("serves") == "all" {
			for _, id := range types.SeedMapIDs {
				state.GuardedMaps[id] = struct{}{}
			}
		}
	}
	return state
}

func parseMapID(s string) (types.MapIDType, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	return types.MapIDType(n), nil
}

// dedupBySyncTag groups events by their sync tag value and keeps only the
// newest createdAt in each group.
func dedupBySyncTag(events []*event.Signed) []*event.Signed {
	newest := make(map[string]*event.Signed, len(events))
	for _, ev := range events {
		key := ev.TagValue("sync")
		cur, ok := newest[key]
		if !ok || ev.CreatedAt > cur.CreatedAt {
			newest[key] = ev
		}
	}
	out := make([]*event.Signed, 0, len(newest))
	for _, ev := range newest {
		out = append(out, ev)
	}
	return out
}
