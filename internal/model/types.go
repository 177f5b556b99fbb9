package model

import (
	"errors"

	"github.com/google/uuid"
)

// MaterialAir is the empty block used as the inverse of PLACE.
const MaterialAir = "AIR"

// LogEntry is one recorded world mutation. Entries are never updated once written.
type LogEntry struct {
	ID        int64     `json:"id,omitempty"`
	ActorID   uuid.UUID `json:"actor_id"`
	ActorName string    `json:"actor_name"`
	Action    Action    `json:"action"`
	Location  Location  `json:"location"`
	Material  string    `json:"material"`
	Extra     string    `json:"extra,omitempty"`
	Timestamp int64     `json:"ts"` // unix millis
}

type InventorySnapshot struct {
	ID        int64     `json:"id,omitempty"`
	ActorID   uuid.UUID `json:"actor_id"`
	ActorName string    `json:"actor_name"`
	Data      string    `json:"data"`
	Timestamp int64     `json:"ts"`
}

// ItemStack is one inventory slot.
type ItemStack struct {
	Slot     int               `json:"slot"`
	Material string            `json:"material"`
	Count    int               `json:"count"`
	Meta     map[string]string `json:"meta,omitempty"`
}

type Actor struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

var ErrSelectionIncomplete = errors.New("both selection corners must be set")

// Selection is a staff member's two-corner area selection.
type Selection struct {
	Pos1 *Location `json:"pos1,omitempty"`
	Pos2 *Location `json:"pos2,omitempty"`
}

func (s Selection) Cuboid() (Cuboid, error) {
	if s.Pos1 == nil || s.Pos2 == nil {
		return Cuboid{}, ErrSelectionIncomplete
	}
	return NewCuboid(*s.Pos1, *s.Pos2)
}
