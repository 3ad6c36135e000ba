// Package types defines shared domain types and the cross-package interfaces
// that let the room, roommanager, frontdoor and transport packages interact
// without importing each other's concrete implementations.
package types

import (
	"time"

	"github.com/meshworld/syncnode/internal/v1/wire"
)

// --- Core Domain Types ---

// MapIDType identifies one of the 10,000 addressable world partitions.
type MapIDType int

// ClientIDType is a hex-encoded public identity, stable across reconnects.
type ClientIDType string

// CellIDType is a deterministic spatial bucket id, e.g. "4,-2".
type CellIDType string

// Grid dimensions: a 100x100 grid of map ids, 0..9999.
const (
	GridWidth  = 100
	GridHeight = 100
	MinMapID   = MapIDType(0)
	MaxMapID   = MapIDType(GridWidth*GridHeight - 1)
)

// ValidMapID reports whether id falls inside the addressable grid.
func ValidMapID(id MapIDType) bool {
	return id >= MinMapID && id <= MaxMapID
}

// SeedMapIDs are the map registry's fixed anchor maps: always implicitly
// guarded, and the Map Selector's frontier expansion always grows outward
// from one of them.
var SeedMapIDs = []MapIDType{0, 1650, 3300, 6699, 8349, 9999}

// MapCoords converts a map id to its (x, z) grid coordinates.
func MapCoords(id MapIDType) (x, z int) {
	return int(id) % GridWidth, int(id) / GridWidth
}

// MapIDFromCoords is the inverse of MapCoords; ok is false if out of range.
func MapIDFromCoords(x, z int) (id MapIDType, ok bool) {
	if x < 0 || x >= GridWidth || z < 0 || z >= GridHeight {
		return 0, false
	}
	return MapIDType(z*GridWidth + x), true
}

// Position is a client's last known world position and facing angle.
type Position struct {
	X, Y, Z float64
	Ry      float64 // facing angle about the vertical axis
}

// --- Shared Interfaces ---

// ClientInterface is the behavior the room package needs from a connected
// client, without depending on the transport package's concrete Client.
type ClientInterface interface {
	GetID() ClientIDType
	SetID(ClientIDType)
	GetAuthenticated() bool
	SetAuthenticated(bool)
	GetPendingChallenge() string
	SetPendingChallenge(string)
	GetPosition() Position
	SetPosition(Position)
	GetCell() CellIDType
	SetCell(CellIDType)
	GetSubscribedCells() []CellIDType
	SetSubscribedCells([]CellIDType)
	GetAvatar() wire.RawAvatar
	SetAvatar(wire.RawAvatar)
	LastActivity() time.Time
	Touch()
	Send(msg wire.ServerMessage)
	Disconnect()
}

// Roomer is the behavior the front door / room manager needs from a Room,
// without depending on the room package's concrete type.
type Roomer interface {
	MapID() MapIDType
	PlayerCount() int
	HandleConnect(client ClientInterface)
	HandleDisconnect(client ClientInterface)
	HandleMessage(client ClientInterface, msg wire.ClientMessage)
	CleanupInactive(maxIdle time.Duration)
	Destroy()
}
