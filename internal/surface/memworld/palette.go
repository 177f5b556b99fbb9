package memworld

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"blocklog.ai/internal/model"
)

// Palette is the set of materials and entity kinds a World accepts.
type Palette struct {
	Materials   map[string]bool
	EntityKinds map[string]bool
}

type paletteFile struct {
	Blocks   []struct{ ID string `json:"id"` } `json:"blocks"`
	Entities []string                         `json:"entities"`
}

// LoadPalette reads a JSON palette file: {"blocks":[{"id":"STONE"}],"entities":["ZOMBIE"]}.
// AIR must be listed.
func LoadPalette(path string) (Palette, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Palette{}, err
	}
	var f paletteFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return Palette{}, fmt.Errorf("%s: %w", path, err)
	}
	ids := make([]string, 0, len(f.Blocks))
	hasAir := false
	for _, b := range f.Blocks {
		id := strings.ToUpper(strings.TrimSpace(b.ID))
		if id == "" {
			return Palette{}, fmt.Errorf("%s: empty block id", path)
		}
		hasAir = hasAir || id == model.MaterialAir
		ids = append(ids, id)
	}
	if !hasAir {
		return Palette{}, fmt.Errorf("%s: missing %s", path, model.MaterialAir)
	}
	return NewPalette(ids, f.Entities), nil
}

func NewPalette(materials, entities []string) Palette {
	p := Palette{Materials: map[string]bool{model.MaterialAir: true}, EntityKinds: map[string]bool{}}
	for _, m := range materials {
		p.Materials[strings.ToUpper(strings.TrimSpace(m))] = true
	}
	for _, e := range entities {
		p.EntityKinds[strings.ToUpper(strings.TrimSpace(e))] = true
	}
	return p
}

// MaterialList returns the materials sorted, AIR first.
func (p Palette) MaterialList() []string {
	out := make([]string, 0, len(p.Materials))
	for m := range p.Materials {
		if m != model.MaterialAir {
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return append([]string{model.MaterialAir}, out...)
}
