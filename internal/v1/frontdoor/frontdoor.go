// Package frontdoor implements the Front Door (spec.md §4.E): the capacity
// gate and pending-auth timer every new transport passes through before it
// is handed to a Room.
package frontdoor

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/meshworld/syncnode/internal/v1/logging"
	"github.com/meshworld/syncnode/internal/v1/ratelimit"
	"github.com/meshworld/syncnode/internal/v1/transport"
	"github.com/meshworld/syncnode/internal/v1/types"
	"github.com/meshworld/syncnode/internal/v1/wire"
	"go.uber.org/zap"
)

// pendingTimeout bounds how long a connection may sit without sending its
// first framed message.
const pendingTimeout = 10 * time.Second

// RoomManager is the subset of roommanager.Manager the Front Door depends
// on, so tests can substitute a fake.
type RoomManager interface {
	IsMapServed(mapID types.MapIDType) bool
	AddConnection(client types.ClientInterface, mapID types.MapIDType) bool
	RoomFor(mapID types.MapIDType) (types.Roomer, bool)
	GetTotalPlayerCount() int
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// FrontDoor bounds total concurrent clients and routes each connection's
// first message into the Room Manager.
type FrontDoor struct {
	rooms      RoomManager
	maxPlayers int
	limiter    *ratelimit.ConnLimiter

	mu      sync.Mutex
	pending map[*transport.Client]*time.Timer
}

// New builds a FrontDoor. limiter may be nil to disable connection rate
// limiting (e.g. in tests).
func New(rooms RoomManager, maxPlayers int, limiter *ratelimit.ConnLimiter) *FrontDoor {
	return &FrontDoor{
		rooms:      rooms,
		maxPlayers: maxPlayers,
		limiter:    limiter,
		pending:    make(map[*transport.Client]*time.Timer),
	}
}

// ServeWs is the gin handler for the client-facing WebSocket endpoint.
func (f *FrontDoor) ServeWs(c *gin.Context) {
	if f.limiter != nil && !f.limiter.AllowIP(c.Request.Context(), c.ClientIP()) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limited"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}
	f.Admit(conn)
}

// Admit runs the capacity gate and, if admitted, starts the pending-auth
// timer for conn. Exported separately from ServeWs so tests can drive it
// with an already-upgraded connection.
func (f *FrontDoor) Admit(conn wsConn) {
	if f.rooms.GetTotalPlayerCount() >= f.maxPlayers {
		data, _ := wire.Marshal(wire.ErrorMessage{Code: wire.CodeCapacity, Message: "server at capacity"})
		conn.WriteMessage(websocket.TextMessage, data)
		conn.Close()
		return
	}

	var installed types.Roomer

	onMessage := func(c *transport.Client, msg wire.ClientMessage) {
		if installed != nil {
			installed.HandleMessage(c, msg)
			return
		}
		f.handlePending(c, msg, &installed)
	}
	onClose := func(c *transport.Client) {
		f.cancelPending(c)
		if installed != nil {
			installed.HandleDisconnect(c)
		}
	}

	client := transport.NewClient(conn, onMessage, onClose)
	f.registerPending(client)
	client.Start()
}

// wsConn is the subset of *websocket.Conn Admit needs directly, before a
// transport.Client exists to own it.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

func (f *FrontDoor) handlePending(c *transport.Client, msg wire.ClientMessage, installed *types.Roomer) {
	switch msg.Type {
	case "ping":
		c.Send(wire.Pong{})
	case "auth":
		f.completeAdmission(c, msg, installed)
	default:
		// ignored; the pending timer eventually closes the transport with TIMEOUT
	}
}

func (f *FrontDoor) completeAdmission(c *transport.Client, msg wire.ClientMessage, installed *types.Roomer) {
	mapID := types.MapIDType(0)
	if msg.MapID != nil {
		mapID = types.MapIDType(*msg.MapID)
	}

	if !types.ValidMapID(mapID) {
		f.reject(c, wire.CodeInvalidMap, "map id out of range")
		return
	}
	if !f.rooms.IsMapServed(mapID) {
		f.reject(c, wire.CodeMapNotServed, "map is not served by this node")
		return
	}
	if f.limiter != nil && !f.limiter.AllowPubkey(context.Background(), msg.Pubkey) {
		f.reject(c, wire.CodeJoinFailed, "rate limited")
		return
	}

	f.cancelPending(c)

	if !f.rooms.AddConnection(c, mapID) {
		f.reject(c, wire.CodeJoinFailed, "failed to join room")
		return
	}
	room, ok := f.rooms.RoomFor(mapID)
	if !ok {
		f.reject(c, wire.CodeJoinFailed, "failed to join room")
		return
	}
	*installed = room
	room.HandleMessage(c, msg) // replay the auth message so its state machine runs
}

func (f *FrontDoor) reject(c *transport.Client, code, message string) {
	c.Send(wire.ErrorMessage{Code: code, Message: message})
	c.Disconnect()
}

func (f *FrontDoor) registerPending(c *transport.Client) {
	timer := time.AfterFunc(pendingTimeout, func() {
		f.mu.Lock()
		_, ok := f.pending[c]
		delete(f.pending, c)
		f.mu.Unlock()
		if ok {
			c.Send(wire.ErrorMessage{Code: wire.CodeTimeout, Message: "no auth message received"})
			c.Disconnect()
		}
	})
	f.mu.Lock()
	f.pending[c] = timer
	f.mu.Unlock()
}

func (f *FrontDoor) cancelPending(c *transport.Client) {
	f.mu.Lock()
	timer, ok := f.pending[c]
	if ok {
		timer.Stop()
		delete(f.pending, c)
	}
	f.mu.Unlock()
}
