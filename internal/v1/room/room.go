// Package room implements one Room: the per-map authority for presence,
// the auth handshake state machine, area-of-interest fan-out, and chat/DM
// delivery. A Room is the only mutator of its own state (spec.md §5
// invariant IN1); every public method that reads or changes room state
// holds the room lock while doing so. CleanupInactive and Destroy release
// it before closing the evicted transports.
package room

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/meshworld/syncnode/internal/v1/auth"
	"github.com/meshworld/syncnode/internal/v1/event"
	"github.com/meshworld/syncnode/internal/v1/grid"
	"github.com/meshworld/syncnode/internal/v1/logging"
	"github.com/meshworld/syncnode/internal/v1/types"
	"github.com/meshworld/syncnode/internal/v1/wire"
	"go.uber.org/zap"
)

type stage int

const (
	stageAwaitAuth stage = iota
	stageAwaitResponse
	stageAuthenticated
	stageClosed
)

// connEntry is a Room's private bookkeeping for one connection. pubkey and
// stage live here rather than on types.ClientInterface because they are
// meaningless before AWAIT_RESPONSE and the room, not the transport, owns
// the handshake.
type connEntry struct {
	client types.ClientInterface
	stage  stage
	pubkey string
}

// Room holds every connection currently routed to one map id.
type Room struct {
	mapID types.MapIDType

	mu          sync.Mutex
	clients     map[types.ClientInterface]*connEntry
	pubkeyIndex map[string]*connEntry
	nextMsgID   uint64
}

// NewRoom creates an empty Room for mapID.
func NewRoom(mapID types.MapIDType) *Room {
	return &Room{
		mapID:       mapID,
		clients:     make(map[types.ClientInterface]*connEntry),
		pubkeyIndex: make(map[string]*connEntry),
	}
}

func (r *Room) MapID() types.MapIDType {
	return r.mapID
}

// PlayerCount is the number of authenticated connections, i.e. entries
// installed in the pubkey index.
func (r *Room) PlayerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pubkeyIndex)
}

// HandleConnect admits client into AWAIT_AUTH.
func (r *Room) HandleConnect(client types.ClientInterface) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[client] = &connEntry{client: client, stage: stageAwaitAuth}
}

// HandleDisconnect runs the CLOSED transition for client. If client is no
// longer in the room (e.g. it was already removed by a reconnect
// displacement) this is a no-op, satisfying the ordering guarantee in
// spec.md §4.C.2.
func (r *Room) HandleDisconnect(client types.ClientInterface) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.clients[client]
	if !ok {
		return
	}
	r.removeEntryLocked(e)
}

// HandleMessage routes one decoded inbound frame through the connection's
// current stage.
func (r *Room) HandleMessage(client types.ClientInterface, msg wire.ClientMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.clients[client]
	if !ok {
		return
	}

	switch e.stage {
	case stageAwaitAuth:
		r.handleAwaitAuth(e, msg)
	case stageAwaitResponse:
		r.handleAwaitResponse(e, msg)
	case stageAuthenticated:
		r.handleAuthenticated(e, msg)
	}
}

// CleanupInactive evicts connections idle for longer than maxIdle.
// Per spec.md §4.C.5 the scan and the eviction are two separate passes so
// that removing an entry never mutates the map out from under the scan.
func (r *Room) CleanupInactive(maxIdle time.Duration) {
	r.mu.Lock()
	now := time.Now()
	var stale []*connEntry
	for _, e := range r.clients {
		if now.Sub(e.client.LastActivity()) > maxIdle {
			stale = append(stale, e)
		}
	}
	for _, e := range stale {
		r.removeEntryLocked(e)
	}
	r.mu.Unlock()

	for _, e := range stale {
		e.client.Disconnect()
	}
}

// Destroy closes every connection and clears both indices.
func (r *Room) Destroy() {
	r.mu.Lock()
	all := make([]*connEntry, 0, len(r.clients))
	for _, e := range r.clients {
		all = append(all, e)
	}
	r.clients = make(map[types.ClientInterface]*connEntry)
	r.pubkeyIndex = make(map[string]*connEntry)
	r.mu.Unlock()

	for _, e := range all {
		e.client.Disconnect()
	}
}

// removeEntryLocked deletes e from both indices and, if it was the current
// authenticated holder of its pubkey, broadcasts its peer_leave. Idempotent:
// a second call for an already-removed entry is a no-op, which is what
// protects the reconnect-displacement ordering from the stale connection's
// own asynchronous close handler.
func (r *Room) removeEntryLocked(e *connEntry) {
	if _, ok := r.clients[e.client]; !ok {
		return
	}
	delete(r.clients, e.client)

	if e.stage == stageAuthenticated {
		if cur, ok := r.pubkeyIndex[e.pubkey]; ok && cur == e {
			delete(r.pubkeyIndex, e.pubkey)
			r.broadcastExceptLocked(e, wire.PeerLeave{MsgID: r.nextIDLocked(), Pubkey: e.pubkey})
		}
	}
}

func (r *Room) nextIDLocked() uint64 {
	r.nextMsgID++
	return r.nextMsgID
}

// broadcastExceptLocked sends msg to every authenticated connection other
// than except (except may be nil to mean "no exclusion").
func (r *Room) broadcastExceptLocked(except *connEntry, msg wire.ServerMessage) {
	for _, e := range r.clients {
		if e.stage != stageAuthenticated || e == except {
			continue
		}
		e.client.Send(msg)
	}
}

// positionFanoutLocked applies the AOI rule: deliver iff the recipient's
// subscribed-cell set is empty or contains cell.
func (r *Room) positionFanoutLocked(sender *connEntry, cell types.CellIDType, msg wire.PeerPosition) {
	for _, e := range r.clients {
		if e == sender || e.stage != stageAuthenticated {
			continue
		}
		subs := e.client.GetSubscribedCells()
		if len(subs) == 0 || containsCell(subs, cell) {
			e.client.Send(msg)
		}
	}
}

func (r *Room) handleAwaitAuth(e *connEntry, msg wire.ClientMessage) {
	switch msg.Type {
	case "auth":
		challenge, err := auth.NewChallenge()
		if err != nil {
			logging.Error(context.Background(), "generate auth challenge", zap.Int("mapId", int(r.mapID)), zap.Error(err))
			return
		}
		e.pubkey = msg.Pubkey
		e.stage = stageAwaitResponse
		e.client.SetPendingChallenge(challenge)
		e.client.Send(wire.AuthChallenge{Challenge: challenge})
	case "ping":
		e.client.Send(wire.Pong{})
	default:
		e.client.Send(wire.ErrorMessage{Code: wire.CodeAuthRequired, Message: "authentication required"})
	}
}

func (r *Room) handleAwaitResponse(e *connEntry, msg wire.ClientMessage) {
	if msg.Type != "auth_response" {
		return // not a table-defined transition: silently ignored
	}

	var signed event.Signed
	if err := json.Unmarshal(msg.Signature, &signed); err != nil {
		r.failAuthLocked(e)
		return
	}
	if !auth.VerifyAuthResponse(e.pubkey, e.client.GetPendingChallenge(), &signed) {
		r.failAuthLocked(e)
		return
	}
	r.completeAuthLocked(e)
}

func (r *Room) failAuthLocked(e *connEntry) {
	e.client.Send(wire.ErrorMessage{Code: wire.CodeAuthFailed, Message: "auth response verification failed"})
	e.stage = stageClosed
	delete(r.clients, e.client)
	e.client.Disconnect()
}

// completeAuthLocked implements the reconnect-displacement ordering from
// spec.md §4.C.2: the old connection's peer_leave is fully processed
// before the new connection's peer_join is broadcast.
func (r *Room) completeAuthLocked(e *connEntry) {
	pubkey := e.pubkey

	if existing, ok := r.pubkeyIndex[pubkey]; ok && existing != e {
		existing.client.Send(wire.ErrorMessage{Code: wire.CodeReplaced, Message: "connection replaced"})
		r.removeEntryLocked(existing)
		existing.client.Disconnect()
	}

	e.stage = stageAuthenticated
	r.pubkeyIndex[pubkey] = e
	e.client.SetID(types.ClientIDType(pubkey))
	e.client.SetAuthenticated(true)

	peers := make([]wire.PeerInfo, 0, len(r.pubkeyIndex))
	for _, other := range r.pubkeyIndex {
		if other == e {
			continue
		}
		pos := other.client.GetPosition()
		peers = append(peers, wire.PeerInfo{
			Pubkey:   other.pubkey,
			Position: wire.Position3{X: pos.X, Y: pos.Y, Z: pos.Z, Ry: pos.Ry},
			Avatar:   other.client.GetAvatar(),
		})
	}
	e.client.Send(wire.Welcome{Peers: peers, MapID: int(r.mapID)})

	r.broadcastExceptLocked(e, wire.PeerJoin{
		MsgID:  r.nextIDLocked(),
		Pubkey: pubkey,
		Avatar: e.client.GetAvatar(),
	})
}

func (r *Room) handleAuthenticated(e *connEntry, msg wire.ClientMessage) {
	switch msg.Type {
	case "position":
		r.handlePositionLocked(e, msg)
	case "subscribe_cells":
		e.client.SetSubscribedCells(grid.ValidateCells(msg.Cells))
	case "chat":
		text := truncateRunes(msg.Text, 500)
		r.broadcastExceptLocked(e, wire.PeerChat{MsgID: r.nextIDLocked(), Pubkey: e.pubkey, Text: text})
	case "dm":
		target, ok := r.pubkeyIndex[msg.To]
		if !ok {
			return // unknown target: no bounce, no error (spec.md §4.C.6)
		}
		target.client.Send(wire.PeerDM{MsgID: r.nextIDLocked(), Pubkey: e.pubkey, Text: msg.Text})
	case "emoji":
		emoji := truncateRunes(msg.Emoji, 16)
		r.broadcastExceptLocked(e, wire.PeerEmoji{MsgID: r.nextIDLocked(), Pubkey: e.pubkey, Emoji: emoji})
	case "join":
		e.client.SetAvatar(msg.Avatar)
		r.broadcastExceptLocked(e, wire.PeerJoin{MsgID: r.nextIDLocked(), Pubkey: e.pubkey, Avatar: msg.Avatar})
	case "ping":
		e.client.Send(wire.Pong{})
	default:
		// duplicate auth/auth_response and anything unrecognized: ignored
	}
}

func (r *Room) handlePositionLocked(e *connEntry, msg wire.ClientMessage) {
	e.client.SetPosition(types.Position{X: msg.X, Y: msg.Y, Z: msg.Z, Ry: msg.Ry})
	cell := grid.CellFromPosition(msg.X, msg.Z)
	e.client.SetCell(cell)

	out := wire.PeerPosition{
		MsgID:  r.nextIDLocked(),
		Pubkey: e.pubkey,
		X:      msg.X,
		Y:      msg.Y,
		Z:      msg.Z,
		Ry:     msg.Ry,
	}
	if msg.HasAnimation {
		out.Animation = msg.Animation
	}
	if msg.HasExpression {
		out.Expression = msg.Expression
	}
	r.positionFanoutLocked(e, cell, out)
}
