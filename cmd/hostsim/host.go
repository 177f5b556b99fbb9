package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"blocklog.ai/internal/model"
	"blocklog.ai/internal/protocol"
	"blocklog.ai/internal/surface"
	"blocklog.ai/internal/surface/memworld"
)

// host plays a game server: it owns a memory world, generates player activity, and
// answers the log server's commands against that world.
type host struct {
	world     *memworld.World
	worlds    []string
	materials []string
	entities  []string
	players   []model.Actor
	radius    int
	rng       *rand.Rand
	logger    *log.Logger

	mu      sync.Mutex
	spawned map[string]spawnedEntity
}

type spawnedEntity struct {
	Kind string
	Loc  model.Location
}

func newHost(palette memworld.Palette, worlds []string, players, radius int, seed int64, logger *log.Logger) *host {
	h := &host{
		world:   memworld.New(palette, worlds...),
		worlds:  worlds,
		radius:  radius,
		rng:     rand.New(rand.NewSource(seed)),
		logger:  logger,
		spawned: map[string]spawnedEntity{},
	}
	for _, m := range palette.MaterialList() {
		if m != model.MaterialAir {
			h.materials = append(h.materials, m)
		}
	}
	for k := range palette.EntityKinds {
		h.entities = append(h.entities, k)
	}
	sort.Strings(h.entities)
	for i := 0; i < players; i++ {
		a := model.Actor{ID: uuid.New(), Name: fmt.Sprintf("sim%02d", i+1)}
		h.players = append(h.players, a)
		h.world.SetOnline(a.ID, true)
		_ = h.world.SetInventory(a.ID, []model.ItemStack{{Slot: 0, Material: h.pick(h.materials, "STONE"), Count: 1 + h.rng.Intn(63)}})
	}
	return h
}

func (h *host) pick(from []string, fallback string) string {
	if len(from) == 0 {
		return fallback
	}
	return from[h.rng.Intn(len(from))]
}

func (h *host) randomLoc() model.Location {
	d := 2*h.radius + 1
	return model.Location{
		World: h.worlds[h.rng.Intn(len(h.worlds))],
		X:     h.rng.Intn(d) - h.radius,
		Y:     64 + h.rng.Intn(8),
		Z:     h.rng.Intn(d) - h.radius,
	}
}

func (h *host) joins() []protocol.JoinMsg {
	out := make([]protocol.JoinMsg, 0, len(h.players))
	for _, p := range h.players {
		out = append(out, protocol.JoinMsg{Type: protocol.TypeJoin, ActorID: p.ID.String(), ActorName: p.Name})
	}
	return out
}

func (h *host) leaves() []protocol.LeaveMsg {
	out := make([]protocol.LeaveMsg, 0, len(h.players))
	for _, p := range h.players {
		out = append(out, protocol.LeaveMsg{Type: protocol.TypeLeave, ActorID: p.ID.String()})
	}
	return out
}

// nextEvent applies one random player action to the local world and returns the EVENT
// describing it.
func (h *host) nextEvent() protocol.EventMsg {
	h.mu.Lock()
	defer h.mu.Unlock()

	p := h.players[h.rng.Intn(len(h.players))]
	ev := protocol.EventMsg{Type: protocol.TypeEvent, ActorID: p.ID.String(), ActorName: p.Name}
	loc := h.randomLoc()

	roll := h.rng.Intn(100)
	switch {
	case roll < 5 && len(h.entities) > 0:
		kind := h.pick(h.entities, "")
		id, err := h.world.SpawnEntity(loc, kind)
		if err == nil {
			h.spawned[id] = spawnedEntity{Kind: kind, Loc: loc}
			ev.Action, ev.Location, ev.Material, ev.Extra = string(model.ActionEntitySpawn), loc, kind, id
			return ev
		}
	case roll < 8 && len(h.spawned) > 0:
		for id, se := range h.spawned {
			delete(h.spawned, id)
			if err := h.world.RemoveEntity(se.Loc.World, id); err != nil {
				continue
			}
			ev.Action, ev.Location, ev.Material = string(model.ActionEntityKill), se.Loc, se.Kind
			return ev
		}
	case roll < 10:
		ev.Action, ev.Location, ev.Material = string(model.ActionContainerOpen), loc, "CHEST"
		return ev
	}

	cur, _ := h.world.MaterialAt(loc)
	if cur != model.MaterialAir && roll%2 == 0 {
		_ = h.world.SetMaterial(loc, model.MaterialAir)
		ev.Action, ev.Location, ev.Material = string(model.ActionBreak), loc, cur
		return ev
	}
	m := h.pick(h.materials, model.MaterialAir)
	_ = h.world.SetMaterial(loc, m)
	ev.Action, ev.Location, ev.Material = string(model.ActionPlace), loc, m
	return ev
}

// nextInventory shuffles one player's inventory and returns the INVENTORY push.
func (h *host) nextInventory() protocol.InventoryMsg {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := h.players[h.rng.Intn(len(h.players))]
	items := []model.ItemStack{
		{Slot: 0, Material: h.pick(h.materials, "STONE"), Count: 1 + h.rng.Intn(63)},
		{Slot: 1 + h.rng.Intn(35), Material: h.pick(h.materials, "DIRT"), Count: 1 + h.rng.Intn(63)},
	}
	_ = h.world.SetInventory(p.ID, items)
	return protocol.InventoryMsg{Type: protocol.TypeInventory, ActorID: p.ID.String(), Items: items}
}

// handleCmd runs one server command against the local world.
func (h *host) handleCmd(cmd protocol.CmdMsg) protocol.AckMsg {
	ack := protocol.AckMsg{Type: protocol.TypeAck, ID: cmd.ID}
	var err error

	h.mu.Lock()
	defer h.mu.Unlock()

	switch cmd.Op {
	case protocol.OpGetMaterial, protocol.OpSetMaterial, protocol.OpSpawnEntity:
		if cmd.Location == nil {
			err = errMissingLocation
			break
		}
		switch cmd.Op {
		case protocol.OpGetMaterial:
			ack.Material, err = h.world.MaterialAt(*cmd.Location)
		case protocol.OpSetMaterial:
			err = h.world.SetMaterial(*cmd.Location, cmd.Material)
		case protocol.OpSpawnEntity:
			ack.EntityID, err = h.world.SpawnEntity(*cmd.Location, cmd.Kind)
			if err == nil {
				h.spawned[ack.EntityID] = spawnedEntity{Kind: cmd.Kind, Loc: *cmd.Location}
			}
		}
	case protocol.OpRemoveEntity:
		err = h.world.RemoveEntity(cmd.World, cmd.EntityID)
		delete(h.spawned, cmd.EntityID)
	case protocol.OpGetInventory, protocol.OpSetInventory:
		id, perr := uuid.Parse(cmd.ActorID)
		if perr != nil {
			err = fmt.Errorf("%w: actor_id: %v", errBadCommand, perr)
			break
		}
		if cmd.Op == protocol.OpGetInventory {
			ack.Items, err = h.world.Inventory(id)
		} else {
			err = h.world.SetInventory(id, cmd.Items)
		}
	default:
		err = fmt.Errorf("%w: unknown op %q", errBadCommand, cmd.Op)
	}

	if err != nil {
		ack.Code = codeFor(err)
		ack.Message = err.Error()
		return ack
	}
	ack.OK = true
	return ack
}

var (
	errBadCommand      = errors.New("bad command")
	errMissingLocation = fmt.Errorf("%w: missing location", errBadCommand)
)

func codeFor(err error) string {
	switch {
	case errors.Is(err, surface.ErrUnknownWorld):
		return protocol.ErrUnknownWorld
	case errors.Is(err, surface.ErrUnknownMaterial):
		return protocol.ErrUnknownMaterial
	case errors.Is(err, surface.ErrEntityNotFound):
		return protocol.ErrEntityNotFound
	case errors.Is(err, surface.ErrActorOffline):
		return protocol.ErrActorOffline
	default:
		return protocol.ErrBadRequest
	}
}

// conn serializes writes; gorilla connections allow one concurrent writer.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

// handshake sends HELLO and waits for WELCOME.
func handshake(ws *websocket.Conn, name, token string, worlds []string) (protocol.WelcomeMsg, error) {
	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		HostName:        name,
		Token:           token,
		Worlds:          worlds,
	}
	if err := ws.WriteJSON(hello); err != nil {
		return protocol.WelcomeMsg{}, fmt.Errorf("send HELLO: %w", err)
	}
	_, msg, err := ws.ReadMessage()
	if err != nil {
		return protocol.WelcomeMsg{}, fmt.Errorf("read WELCOME: %w", err)
	}
	var w protocol.WelcomeMsg
	if err := json.Unmarshal(msg, &w); err != nil || w.Type != protocol.TypeWelcome {
		return protocol.WelcomeMsg{}, fmt.Errorf("expected WELCOME, got %s", string(msg))
	}
	return w, nil
}

// serveCommands answers CMD messages until the connection fails.
func (h *host) serveCommands(c *conn) error {
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil || base.Type != protocol.TypeCmd {
			continue
		}
		var cmd protocol.CmdMsg
		if err := json.Unmarshal(msg, &cmd); err != nil {
			continue
		}
		ack := h.handleCmd(cmd)
		if !ack.OK && h.logger != nil {
			h.logger.Printf("cmd id=%s op=%s code=%s msg=%s", cmd.ID, cmd.Op, ack.Code, ack.Message)
		}
		if err := c.send(ack); err != nil {
			return err
		}
	}
}
