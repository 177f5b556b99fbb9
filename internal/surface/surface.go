// Package surface defines the world operations rollback needs and the single goroutine
// that owns them.
package surface

import (
	"errors"

	"github.com/google/uuid"

	"blocklog.ai/internal/model"
)

var (
	ErrUnknownWorld    = errors.New("unknown world")
	ErrUnknownMaterial = errors.New("unknown material")
	ErrEntityNotFound  = errors.New("entity not found")
	ErrActorOffline    = errors.New("actor offline")
	ErrNoInventories   = errors.New("surface has no inventory access")
)

// Surface is the mutable world. Implementations need not be safe for concurrent use;
// callers go through an Applier.
type Surface interface {
	MaterialAt(loc model.Location) (string, error)
	SetMaterial(loc model.Location, material string) error
	// SpawnEntity creates an entity of kind at loc and returns its id.
	SpawnEntity(loc model.Location, kind string) (string, error)
	RemoveEntity(world, id string) error
}

// InventoryHolder is implemented by surfaces that can read and replace actor inventories.
type InventoryHolder interface {
	Inventory(actor uuid.UUID) ([]model.ItemStack, error)
	SetInventory(actor uuid.UUID, items []model.ItemStack) error
}
