package rollback

import (
	"fmt"

	"blocklog.ai/internal/model"
	"blocklog.ai/internal/surface"
)

// Inverse returns the world change that undoes e. ok is false for actions that have no
// inverse (container access); those entries are skipped.
func Inverse(e model.LogEntry) (op func(surface.Surface) error, ok bool) {
	loc := e.Location
	switch e.Action {
	case model.ActionBreak:
		return func(s surface.Surface) error { return s.SetMaterial(loc, e.Material) }, true
	case model.ActionPlace:
		return func(s surface.Surface) error { return s.SetMaterial(loc, model.MaterialAir) }, true
	case model.ActionEntityKill:
		return func(s surface.Surface) error {
			_, err := s.SpawnEntity(loc, e.Material)
			return err
		}, true
	case model.ActionEntitySpawn:
		return func(s surface.Surface) error {
			if e.Extra == "" {
				return fmt.Errorf("entry %d: no entity id recorded", e.ID)
			}
			return s.RemoveEntity(loc.World, e.Extra)
		}, true
	default:
		return nil, false
	}
}
