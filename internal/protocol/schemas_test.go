package protocol_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"blocklog.ai/internal/model"
	"blocklog.ai/internal/protocol"
)

func compile(t *testing.T, name string) *jsonschema.Schema {
	t.Helper()
	p := filepath.Join("..", "..", "schemas", name)
	s, err := jsonschema.Compile(p)
	if err != nil {
		t.Fatalf("compile %s: %v", name, err)
	}
	return s
}

// roundTrip encodes a Go message and decodes it into the generic form the validator wants.
func roundTrip(t *testing.T, v any) any {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return out
}

func TestSchemas_ValidateSamples(t *testing.T) {
	validate := func(s *jsonschema.Schema, v any) {
		t.Helper()
		if err := s.Validate(v); err != nil {
			t.Fatalf("validate: %v", err)
		}
	}

	helloSchema := compile(t, "hello.schema.json")
	eventSchema := compile(t, "event.schema.json")
	cmdSchema := compile(t, "cmd.schema.json")
	ackSchema := compile(t, "ack.schema.json")

	validate(helloSchema, roundTrip(t, protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		HostName:        "survival-1",
		Worlds:          []string{"world", "world_nether"},
	}))

	validate(eventSchema, roundTrip(t, protocol.EventMsg{
		Type:      protocol.TypeEvent,
		ActorID:   "7f1c4c4e-7f55-4a43-8f0a-3a0a3e0e9b11",
		ActorName: "steve",
		Action:    "BREAK",
		Location:  model.Location{World: "world", X: 1, Y: 64, Z: -2},
		Material:  "STONE",
	}))

	loc := model.Location{World: "world", X: 1, Y: 64, Z: -2}
	validate(cmdSchema, roundTrip(t, protocol.CmdMsg{
		Type:     protocol.TypeCmd,
		ID:       "c1",
		Op:       protocol.OpSetMaterial,
		Location: &loc,
		Material: "STONE",
	}))

	validate(ackSchema, roundTrip(t, protocol.AckMsg{
		Type:  protocol.TypeAck,
		ID:    "c1",
		OK:    true,
		Items: []model.ItemStack{{Slot: 0, Material: "DIAMOND", Count: 3}},
	}))
	validate(ackSchema, roundTrip(t, protocol.AckMsg{
		Type: protocol.TypeAck,
		ID:   "c2",
		Code: protocol.ErrUnknownMaterial,
	}))
}

func TestSchemas_RejectBadEvent(t *testing.T) {
	eventSchema := compile(t, "event.schema.json")

	var bad any
	_ = json.Unmarshal([]byte(`{
	  "type":"EVENT",
	  "actor_id":"7f1c4c4e-7f55-4a43-8f0a-3a0a3e0e9b11",
	  "action":"EXPLODE",
	  "location":{"world":"world","x":0,"y":0,"z":0}
	}`), &bad)
	if err := eventSchema.Validate(bad); err == nil {
		t.Fatalf("expected unknown action rejected")
	}

	var noWorld any
	_ = json.Unmarshal([]byte(`{
	  "type":"EVENT",
	  "actor_id":"7f1c4c4e-7f55-4a43-8f0a-3a0a3e0e9b11",
	  "action":"BREAK",
	  "location":{"world":"","x":0,"y":0,"z":0}
	}`), &noWorld)
	if err := eventSchema.Validate(noWorld); err == nil {
		t.Fatalf("expected empty world rejected")
	}
}
