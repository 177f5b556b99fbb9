package hostws

import (
	"fmt"

	"github.com/google/uuid"

	"blocklog.ai/internal/model"
	"blocklog.ai/internal/protocol"
	"blocklog.ai/internal/surface"
)

// RemoteSurface drives the connected host's world. Every call is a CMD/ACK round trip
// bounded by the command timeout. It implements surface.Surface and surface.InventoryHolder.
type RemoteSurface struct {
	s *Server
}

func (s *Server) Surface() *RemoteSurface { return &RemoteSurface{s: s} }

func (r *RemoteSurface) MaterialAt(loc model.Location) (string, error) {
	ack, err := r.s.call(protocol.CmdMsg{Op: protocol.OpGetMaterial, Location: &loc})
	if err != nil {
		return "", err
	}
	return ack.Material, nil
}

func (r *RemoteSurface) SetMaterial(loc model.Location, material string) error {
	_, err := r.s.call(protocol.CmdMsg{Op: protocol.OpSetMaterial, Location: &loc, Material: material})
	return err
}

func (r *RemoteSurface) SpawnEntity(loc model.Location, kind string) (string, error) {
	ack, err := r.s.call(protocol.CmdMsg{Op: protocol.OpSpawnEntity, Location: &loc, Kind: kind})
	if err != nil {
		return "", err
	}
	return ack.EntityID, nil
}

func (r *RemoteSurface) RemoveEntity(world, id string) error {
	_, err := r.s.call(protocol.CmdMsg{Op: protocol.OpRemoveEntity, World: world, EntityID: id})
	return err
}

// Inventory answers from the last INVENTORY push while it is fresh, otherwise asks the host.
func (r *RemoteSurface) Inventory(actor uuid.UUID) ([]model.ItemStack, error) {
	if items, ok := r.s.freshInventory(actor); ok {
		return items, nil
	}
	ack, err := r.s.call(protocol.CmdMsg{Op: protocol.OpGetInventory, ActorID: actor.String()})
	if err != nil {
		return nil, err
	}
	r.s.cacheInventory(actor, ack.Items)
	return ack.Items, nil
}

func (r *RemoteSurface) SetInventory(actor uuid.UUID, items []model.ItemStack) error {
	if _, err := r.s.call(protocol.CmdMsg{Op: protocol.OpSetInventory, ActorID: actor.String(), Items: items}); err != nil {
		return err
	}
	r.s.cacheInventory(actor, items)
	return nil
}

func ackError(ack protocol.AckMsg) error {
	if ack.OK {
		return nil
	}
	var base error
	switch ack.Code {
	case protocol.ErrUnknownWorld:
		base = surface.ErrUnknownWorld
	case protocol.ErrUnknownMaterial:
		base = surface.ErrUnknownMaterial
	case protocol.ErrEntityNotFound:
		base = surface.ErrEntityNotFound
	case protocol.ErrActorOffline:
		base = surface.ErrActorOffline
	default:
		code := ack.Code
		if code == "" {
			code = protocol.ErrInternal
		}
		return fmt.Errorf("host error %s: %s", code, ack.Message)
	}
	if ack.Message == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, ack.Message)
}
