package main

import (
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"blocklog.ai/internal/actors"
	"blocklog.ai/internal/model"
	"blocklog.ai/internal/persistence/logdb"
	"blocklog.ai/internal/protocol"
	"blocklog.ai/internal/surface"
	"blocklog.ai/internal/surface/memworld"
	"blocklog.ai/internal/transport/hostws"
)

func testHost(players int) *host {
	pal := memworld.NewPalette([]string{"STONE", "DIRT", "SAND"}, []string{"COW", "PIG"})
	return newHost(pal, []string{"world", "world_nether"}, players, 3, 42, nil)
}

func TestHost_EventsMatchLocalWorld(t *testing.T) {
	h := testHost(2)
	for i := 0; i < 500; i++ {
		ev := h.nextEvent()
		a, err := model.ParseAction(ev.Action)
		if err != nil {
			t.Fatalf("event %d: %v", i, err)
		}
		switch a {
		case model.ActionPlace:
			if got, _ := h.world.MaterialAt(ev.Location); got != ev.Material {
				t.Fatalf("event %d: placed %s but world has %s", i, ev.Material, got)
			}
		case model.ActionBreak:
			if ev.Material == model.MaterialAir {
				t.Fatalf("event %d: broke AIR", i)
			}
		case model.ActionEntitySpawn:
			if ev.Extra == "" {
				t.Fatalf("event %d: spawn without entity id", i)
			}
		}
	}
}

func TestHost_HandleCmd(t *testing.T) {
	h := testHost(1)
	loc := model.Location{World: "world", X: 1, Y: 2, Z: 3}

	ack := h.handleCmd(protocol.CmdMsg{ID: "C1", Op: protocol.OpSetMaterial, Location: &loc, Material: "STONE"})
	if !ack.OK || ack.ID != "C1" || ack.Type != protocol.TypeAck {
		t.Fatalf("set ack=%+v", ack)
	}
	ack = h.handleCmd(protocol.CmdMsg{ID: "C2", Op: protocol.OpGetMaterial, Location: &loc})
	if !ack.OK || ack.Material != "STONE" {
		t.Fatalf("get ack=%+v", ack)
	}
	ack = h.handleCmd(protocol.CmdMsg{ID: "C3", Op: protocol.OpSetMaterial, Location: &loc, Material: "BEDROCK"})
	if ack.OK || ack.Code != protocol.ErrUnknownMaterial {
		t.Fatalf("unknown material ack=%+v", ack)
	}
	ack = h.handleCmd(protocol.CmdMsg{ID: "C4", Op: protocol.OpRemoveEntity, World: "world", EntityID: "nope"})
	if ack.Code != protocol.ErrEntityNotFound {
		t.Fatalf("remove ack=%+v", ack)
	}
	ack = h.handleCmd(protocol.CmdMsg{ID: "C5", Op: protocol.OpSetMaterial, Material: "STONE"})
	if ack.Code != protocol.ErrBadRequest {
		t.Fatalf("missing loc ack=%+v", ack)
	}
	ack = h.handleCmd(protocol.CmdMsg{ID: "C6", Op: protocol.OpGetInventory, ActorID: h.players[0].ID.String()})
	if !ack.OK || len(ack.Items) != 1 {
		t.Fatalf("inventory ack=%+v", ack)
	}
	nether := model.Location{World: "world_the_end"}
	ack = h.handleCmd(protocol.CmdMsg{ID: "C7", Op: protocol.OpSpawnEntity, Location: &nether, Kind: "COW"})
	if ack.Code != protocol.ErrUnknownWorld {
		t.Fatalf("spawn ack=%+v", ack)
	}
}

type memSink struct {
	mu      sync.Mutex
	entries []model.LogEntry
}

func (m *memSink) Append(e model.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memSink) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func TestHost_AgainstBridge(t *testing.T) {
	sink := &memSink{}
	dir := actors.NewDirectory()
	srv := hostws.NewServer(logdb.NewRecorder(nil, nil, sink), dir, hostws.Options{Token: "secret", CommandTimeout: 2 * time.Second})
	hs := httptest.NewServer(srv.Handler())
	defer hs.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(hs.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	h := testHost(3)
	if _, err := handshake(ws, "test", "secret", h.worlds); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	c := &conn{ws: ws}
	for _, j := range h.joins() {
		if err := c.send(j); err != nil {
			t.Fatalf("send join: %v", err)
		}
	}
	go func() { _ = h.serveCommands(c) }()

	for i := 0; i < 20; i++ {
		if err := c.send(h.nextEvent()); err != nil {
			t.Fatalf("send event: %v", err)
		}
	}
	deadline := time.Now().Add(5 * time.Second)
	for sink.len() < 20 || len(dir.OnlineActors()) < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("entries=%d online=%d", sink.len(), len(dir.OnlineActors()))
		}
		time.Sleep(5 * time.Millisecond)
	}

	rs := srv.Surface()
	loc := model.Location{World: "world_nether", X: 100, Y: 5, Z: -100}
	if err := rs.SetMaterial(loc, "SAND"); err != nil {
		t.Fatalf("SetMaterial: %v", err)
	}
	if got, _ := h.world.MaterialAt(loc); got != "SAND" {
		t.Fatalf("local world=%s want=SAND", got)
	}
	if got, err := rs.MaterialAt(loc); err != nil || got != "SAND" {
		t.Fatalf("MaterialAt=%s err=%v", got, err)
	}
	if err := rs.SetMaterial(loc, "BEDROCK"); !errors.Is(err, surface.ErrUnknownMaterial) {
		t.Fatalf("err=%v want ErrUnknownMaterial", err)
	}
}
