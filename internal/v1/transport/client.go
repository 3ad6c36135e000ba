// Package transport owns the per-connection WebSocket plumbing: the duplex
// byte stream, its read/write pumps, and backpressure-bounded outbound
// queues. Routing a connection to a Room is the Front Door's job; Room
// lifecycle is the Room Manager's job. This package only carries bytes.
package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/meshworld/syncnode/internal/v1/logging"
	"github.com/meshworld/syncnode/internal/v1/metrics"
	"github.com/meshworld/syncnode/internal/v1/types"
	"github.com/meshworld/syncnode/internal/v1/wire"
	"go.uber.org/zap"
)

// sendWatermark bounds each outbound queue. A full queue means the peer
// cannot keep up; the connection is dropped rather than the fan-out loop
// blocked (spec.md §9 backpressure note).
const sendWatermark = 256

const writeWait = 10 * time.Second

// wsConnection is the subset of *websocket.Conn this package depends on,
// so tests can substitute a fake transport.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// OnMessage is invoked once per decoded inbound frame.
type OnMessage func(c *Client, msg wire.ClientMessage)

// OnClose is invoked exactly once when the connection's read loop exits.
type OnClose func(c *Client)

// Client is one connection's transport state. It implements
// types.ClientInterface so room/roommanager/frontdoor code never imports
// this package's concrete type.
type Client struct {
	conn wsConnection

	onMessage OnMessage
	onClose   OnClose

	mu               sync.RWMutex
	id               types.ClientIDType
	authenticated    bool
	pendingChallenge string
	position         types.Position
	cell             types.CellIDType
	subscribedCells  []types.CellIDType
	avatar           wire.RawAvatar
	lastActivity     time.Time

	closeOnce sync.Once
	closed    bool

	send         chan []byte
	prioritySend chan []byte
}

// NewClient wraps conn. onMessage fires for every decoded inbound frame;
// onClose fires exactly once when the read pump exits.
func NewClient(conn wsConnection, onMessage OnMessage, onClose OnClose) *Client {
	return &Client{
		conn:         conn,
		onMessage:    onMessage,
		onClose:      onClose,
		send:         make(chan []byte, sendWatermark),
		prioritySend: make(chan []byte, sendWatermark),
		lastActivity: time.Now(),
	}
}

// Start launches the read and write pumps. Call once per connection.
func (c *Client) Start() {
	metrics.IncConnection()
	go c.writePump()
	go c.readPump()
}

// --- types.ClientInterface ---

func (c *Client) GetID() types.ClientIDType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

func (c *Client) SetID(id types.ClientIDType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id = id
}

func (c *Client) GetAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

func (c *Client) SetAuthenticated(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authenticated = v
}

func (c *Client) GetPendingChallenge() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pendingChallenge
}

func (c *Client) SetPendingChallenge(v string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingChallenge = v
}

func (c *Client) GetPosition() types.Position {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.position
}

func (c *Client) SetPosition(p types.Position) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.position = p
}

func (c *Client) GetCell() types.CellIDType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cell
}

func (c *Client) SetCell(cell types.CellIDType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cell = cell
}

func (c *Client) GetSubscribedCells() []types.CellIDType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subscribedCells
}

func (c *Client) SetSubscribedCells(cells []types.CellIDType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribedCells = cells
}

func (c *Client) GetAvatar() wire.RawAvatar {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.avatar
}

func (c *Client) SetAvatar(a wire.RawAvatar) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.avatar = a
}

func (c *Client) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivity
}

func (c *Client) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = time.Now()
}

// Disconnect closes the underlying connection; the read pump's deferred
// cleanup fires onClose exactly once.
func (c *Client) Disconnect() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.conn.Close()
	})
}

// Send renders msg to wire JSON and enqueues it, preferring the priority
// queue for messages the spec treats as urgent (errors, displacement).
func (c *Client) Send(msg wire.ServerMessage) {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return
	}

	data, err := wire.Marshal(msg)
	if err != nil {
		logging.Error(context.Background(), "marshal server message", zap.Error(err))
		return
	}

	queue := c.send
	if isPriority(msg) {
		queue = c.prioritySend
	}

	select {
	case queue <- data:
	default:
		logging.Warn(context.Background(), "client send queue full, dropping connection", zap.String("pubkey", string(c.GetID())))
		c.Disconnect()
	}
}

func isPriority(msg wire.ServerMessage) bool {
	switch msg.MessageType() {
	case "error", "auth_challenge", "welcome":
		return true
	default:
		return false
	}
}

func (c *Client) readPump() {
	defer func() {
		if c.onClose != nil {
			c.onClose(c)
		}
		c.conn.Close()
		metrics.DecConnection()
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		msg, err := wire.DecodeClientMessage(data)
		if err != nil {
			continue // malformed frame: silently dropped per spec.md §4.C.6
		}

		c.Touch()
		if c.onMessage != nil {
			c.onMessage(c, msg)
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for {
		select {
		case data, ok := <-c.prioritySend:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case data, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}
