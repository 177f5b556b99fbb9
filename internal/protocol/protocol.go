// Package protocol defines the host bridge wire format. The game host connects over a
// websocket, streams world events and player presence, and answers world commands.
package protocol

import "encoding/json"

const Version = "1.0"

// Message types.
const (
	TypeHello     = "HELLO"
	TypeWelcome   = "WELCOME"
	TypeEvent     = "EVENT"
	TypeJoin      = "JOIN"
	TypeLeave     = "LEAVE"
	TypeInventory = "INVENTORY"
	TypeCmd       = "CMD"
	TypeAck       = "ACK"
)

// Command ops sent in CMD messages.
const (
	OpGetMaterial  = "GET_MATERIAL"
	OpSetMaterial  = "SET_MATERIAL"
	OpSpawnEntity  = "SPAWN_ENTITY"
	OpRemoveEntity = "REMOVE_ENTITY"
	OpGetInventory = "GET_INVENTORY"
	OpSetInventory = "SET_INVENTORY"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
