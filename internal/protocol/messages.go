package protocol

import "blocklog.ai/internal/model"

// HELLO (host -> server)
type HelloMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	HostName        string   `json:"host_name"`
	Token           string   `json:"token,omitempty"`
	Worlds          []string `json:"worlds,omitempty"`
}

// WELCOME (server -> host)
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id"`
}

// EVENT (host -> server): one world mutation. The server assigns the timestamp.
type EventMsg struct {
	Type      string         `json:"type"`
	ActorID   string         `json:"actor_id"`
	ActorName string         `json:"actor_name,omitempty"`
	Action    string         `json:"action"`
	Location  model.Location `json:"location"`
	Material  string         `json:"material,omitempty"`
	Extra     string         `json:"extra,omitempty"`
}

// JOIN (host -> server)
type JoinMsg struct {
	Type      string `json:"type"`
	ActorID   string `json:"actor_id"`
	ActorName string `json:"actor_name"`
}

// LEAVE (host -> server)
type LeaveMsg struct {
	Type    string `json:"type"`
	ActorID string `json:"actor_id"`
}

// INVENTORY (host -> server): the actor's current inventory, pushed on change.
type InventoryMsg struct {
	Type    string            `json:"type"`
	ActorID string            `json:"actor_id"`
	Items   []model.ItemStack `json:"items"`
}

// CMD (server -> host)
type CmdMsg struct {
	Type     string            `json:"type"`
	ID       string            `json:"id"`
	Op       string            `json:"op"`
	Location *model.Location   `json:"location,omitempty"`
	World    string            `json:"world,omitempty"`
	Material string            `json:"material,omitempty"`
	Kind     string            `json:"kind,omitempty"`
	EntityID string            `json:"entity_id,omitempty"`
	ActorID  string            `json:"actor_id,omitempty"`
	Items    []model.ItemStack `json:"items,omitempty"`
}

// ACK (host -> server): the result of the CMD with the same id.
type AckMsg struct {
	Type     string            `json:"type"`
	ID       string            `json:"id"`
	OK       bool              `json:"ok"`
	Code     string            `json:"code,omitempty"`
	Message  string            `json:"message,omitempty"`
	Material string            `json:"material,omitempty"`
	EntityID string            `json:"entity_id,omitempty"`
	Items    []model.ItemStack `json:"items,omitempty"`
}
