// Package selection keeps each staff member's two-corner area selection.
package selection

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"blocklog.ai/internal/model"
)

type Store struct {
	mu  sync.Mutex
	sel map[uuid.UUID]model.Selection
}

func NewStore() *Store {
	return &Store{sel: map[uuid.UUID]model.Selection{}}
}

// Set stores corner 1 or 2 for actor.
func (s *Store) Set(actor uuid.UUID, corner int, loc model.Location) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.sel[actor]
	l := loc
	switch corner {
	case 1:
		cur.Pos1 = &l
	case 2:
		cur.Pos2 = &l
	default:
		return fmt.Errorf("corner must be 1 or 2, got %d", corner)
	}
	s.sel[actor] = cur
	return nil
}

func (s *Store) Get(actor uuid.UUID) model.Selection {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.sel[actor]
	out := model.Selection{}
	if cur.Pos1 != nil {
		p := *cur.Pos1
		out.Pos1 = &p
	}
	if cur.Pos2 != nil {
		p := *cur.Pos2
		out.Pos2 = &p
	}
	return out
}

func (s *Store) Clear(actor uuid.UUID) {
	s.mu.Lock()
	delete(s.sel, actor)
	s.mu.Unlock()
}

// Cuboid returns the actor's selection as a cuboid.
func (s *Store) Cuboid(actor uuid.UUID) (model.Cuboid, error) {
	return s.Get(actor).Cuboid()
}
