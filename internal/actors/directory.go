// Package actors tracks who is online and resolves names to ids.
package actors

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"blocklog.ai/internal/model"
)

var ErrUnknownActor = errors.New("unknown actor")

// Directory is fed by host join/leave events. Names of actors seen once stay resolvable
// after they leave so staff can look up offline players.
type Directory struct {
	mu      sync.RWMutex
	names   map[uuid.UUID]string
	byName  map[string]uuid.UUID
	online  map[uuid.UUID]bool
	onLeave []func(uuid.UUID)
	onJoin  []func(model.Actor)
}

func NewDirectory() *Directory {
	return &Directory{
		names:  map[uuid.UUID]string{},
		byName: map[string]uuid.UUID{},
		online: map[uuid.UUID]bool{},
	}
}

// OnLeave registers fn to run after an actor leaves. Hooks run outside the lock.
func (d *Directory) OnLeave(fn func(uuid.UUID)) {
	d.mu.Lock()
	d.onLeave = append(d.onLeave, fn)
	d.mu.Unlock()
}

func (d *Directory) OnJoin(fn func(model.Actor)) {
	d.mu.Lock()
	d.onJoin = append(d.onJoin, fn)
	d.mu.Unlock()
}

func (d *Directory) Join(a model.Actor) {
	d.mu.Lock()
	d.remember(a)
	d.online[a.ID] = true
	hooks := append([]func(model.Actor){}, d.onJoin...)
	d.mu.Unlock()
	for _, fn := range hooks {
		fn(a)
	}
}

// Remember records a name without marking the actor online.
func (d *Directory) Remember(a model.Actor) {
	d.mu.Lock()
	d.remember(a)
	d.mu.Unlock()
}

func (d *Directory) remember(a model.Actor) {
	if a.Name == "" {
		return
	}
	if old, ok := d.names[a.ID]; ok && !strings.EqualFold(old, a.Name) {
		delete(d.byName, strings.ToLower(old))
	}
	d.names[a.ID] = a.Name
	d.byName[strings.ToLower(a.Name)] = a.ID
}

func (d *Directory) Leave(id uuid.UUID) {
	d.mu.Lock()
	was := d.online[id]
	delete(d.online, id)
	hooks := append([]func(uuid.UUID){}, d.onLeave...)
	d.mu.Unlock()
	if !was {
		return
	}
	for _, fn := range hooks {
		fn(id)
	}
}

func (d *Directory) Name(id uuid.UUID) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n, ok := d.names[id]
	return n, ok
}

// Lookup resolves a case-insensitive name or a uuid string.
func (d *Directory) Lookup(nameOrID string) (model.Actor, error) {
	nameOrID = strings.TrimSpace(nameOrID)
	if id, err := uuid.Parse(nameOrID); err == nil {
		name, _ := d.Name(id)
		return model.Actor{ID: id, Name: name}, nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.byName[strings.ToLower(nameOrID)]
	if !ok {
		return model.Actor{}, ErrUnknownActor
	}
	return model.Actor{ID: id, Name: d.names[id]}, nil
}

func (d *Directory) Online(id uuid.UUID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.online[id]
}

// OnlineActors returns online actors sorted by name.
func (d *Directory) OnlineActors() []model.Actor {
	d.mu.RLock()
	out := make([]model.Actor, 0, len(d.online))
	for id := range d.online {
		out = append(out, model.Actor{ID: id, Name: d.names[id]})
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}
