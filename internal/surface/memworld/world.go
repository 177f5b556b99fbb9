// Package memworld is an in-process World Surface used by tests, the replay tool, and
// servers running without a connected host.
package memworld

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"blocklog.ai/internal/model"
	"blocklog.ai/internal/surface"
)

type entity struct {
	Kind string
	Loc  model.Location
}

type dimension struct {
	blocks   map[[3]int]string
	entities map[string]entity
}

// World implements surface.Surface and surface.InventoryHolder.
type World struct {
	palette Palette

	mu          sync.Mutex
	dims        map[string]*dimension
	inventories map[uuid.UUID][]model.ItemStack
	online      map[uuid.UUID]bool
}

func New(palette Palette, worlds ...string) *World {
	w := &World{
		palette:     palette,
		dims:        map[string]*dimension{},
		inventories: map[uuid.UUID][]model.ItemStack{},
		online:      map[uuid.UUID]bool{},
	}
	for _, name := range worlds {
		w.dims[name] = &dimension{blocks: map[[3]int]string{}, entities: map[string]entity{}}
	}
	return w
}

func (w *World) dim(name string) (*dimension, error) {
	d, ok := w.dims[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", surface.ErrUnknownWorld, name)
	}
	return d, nil
}

func key(loc model.Location) [3]int { return [3]int{loc.X, loc.Y, loc.Z} }

// MaterialAt returns AIR for cells never written.
func (w *World) MaterialAt(loc model.Location) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	d, err := w.dim(loc.World)
	if err != nil {
		return "", err
	}
	if m, ok := d.blocks[key(loc)]; ok {
		return m, nil
	}
	return model.MaterialAir, nil
}

func (w *World) SetMaterial(loc model.Location, material string) error {
	material = strings.ToUpper(strings.TrimSpace(material))
	w.mu.Lock()
	defer w.mu.Unlock()
	d, err := w.dim(loc.World)
	if err != nil {
		return err
	}
	if !w.palette.Materials[material] {
		return fmt.Errorf("%w: %q", surface.ErrUnknownMaterial, material)
	}
	if material == model.MaterialAir {
		delete(d.blocks, key(loc))
		return nil
	}
	d.blocks[key(loc)] = material
	return nil
}

func (w *World) SpawnEntity(loc model.Location, kind string) (string, error) {
	kind = strings.ToUpper(strings.TrimSpace(kind))
	w.mu.Lock()
	defer w.mu.Unlock()
	d, err := w.dim(loc.World)
	if err != nil {
		return "", err
	}
	if kind == "" || (len(w.palette.EntityKinds) > 0 && !w.palette.EntityKinds[kind]) {
		return "", fmt.Errorf("unknown entity kind %q", kind)
	}
	id := uuid.NewString()
	d.entities[id] = entity{Kind: kind, Loc: loc}
	return id, nil
}

func (w *World) RemoveEntity(world, id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	d, err := w.dim(world)
	if err != nil {
		return err
	}
	if _, ok := d.entities[id]; !ok {
		return fmt.Errorf("%w: %s", surface.ErrEntityNotFound, id)
	}
	delete(d.entities, id)
	return nil
}

// Entities returns the number of live entities of kind in world.
func (w *World) Entities(world, kind string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	d, ok := w.dims[world]
	if !ok {
		return 0
	}
	n := 0
	for _, e := range d.entities {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// SetOnline marks an actor as present; inventories are only reachable for online actors.
func (w *World) SetOnline(actor uuid.UUID, online bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if online {
		w.online[actor] = true
	} else {
		delete(w.online, actor)
	}
}

func (w *World) Inventory(actor uuid.UUID) ([]model.ItemStack, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.online[actor] {
		return nil, surface.ErrActorOffline
	}
	return append([]model.ItemStack(nil), w.inventories[actor]...), nil
}

func (w *World) SetInventory(actor uuid.UUID, items []model.ItemStack) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.online[actor] {
		return surface.ErrActorOffline
	}
	w.inventories[actor] = append([]model.ItemStack(nil), items...)
	return nil
}
