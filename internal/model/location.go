package model

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var (
	ErrCrossWorld  = errors.New("selection corners are in different worlds")
	ErrOutOfBounds = errors.New("location outside world bounds")
)

// World coordinate limits. Areas are only built from corners inside them.
const (
	MaxHorizontal = 30_000_000
	MinY          = -4096
	MaxY          = 4096
)

type Location struct {
	World string `json:"world"`
	X     int    `json:"x"`
	Y     int    `json:"y"`
	Z     int    `json:"z"`
}

func (l Location) String() string {
	return fmt.Sprintf("%s:%d,%d,%d", l.World, l.X, l.Y, l.Z)
}

func (l Location) InBounds() bool {
	return l.X >= -MaxHorizontal && l.X <= MaxHorizontal &&
		l.Z >= -MaxHorizontal && l.Z <= MaxHorizontal &&
		l.Y >= MinY && l.Y <= MaxY
}

// ParseLocation parses "world:x,y,z".
func ParseLocation(s string) (Location, error) {
	var l Location
	world, rest, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || strings.TrimSpace(world) == "" {
		return l, fmt.Errorf("expected world:x,y,z")
	}
	v, err := ParseVec3(rest)
	if err != nil {
		return l, err
	}
	return Location{World: strings.TrimSpace(world), X: v[0], Y: v[1], Z: v[2]}, nil
}

func ParseVec3(s string) ([3]int, error) {
	var v [3]int
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 3 {
		return v, fmt.Errorf("expected x,y,z")
	}
	for i := 0; i < 3; i++ {
		n, err := strconv.Atoi(strings.TrimSpace(parts[i]))
		if err != nil {
			return v, err
		}
		v[i] = n
	}
	return v, nil
}

// Cuboid is an inclusive axis-aligned box inside one world.
type Cuboid struct {
	World string `json:"world"`
	Min   [3]int `json:"min"`
	Max   [3]int `json:"max"`
}

// NewCuboid normalizes two corners into a Cuboid. Both corners must be in the same world
// and inside the world bounds.
func NewCuboid(a, b Location) (Cuboid, error) {
	if a.World != b.World {
		return Cuboid{}, ErrCrossWorld
	}
	for _, l := range []Location{a, b} {
		if !l.InBounds() {
			return Cuboid{}, fmt.Errorf("%w: %s", ErrOutOfBounds, l)
		}
	}
	c := Cuboid{World: a.World}
	av := [3]int{a.X, a.Y, a.Z}
	bv := [3]int{b.X, b.Y, b.Z}
	for i := 0; i < 3; i++ {
		if av[i] <= bv[i] {
			c.Min[i], c.Max[i] = av[i], bv[i]
		} else {
			c.Min[i], c.Max[i] = bv[i], av[i]
		}
	}
	return c, nil
}

// Volume is the number of cells, saturating at math.MaxInt64. An inverted box has none.
func (c Cuboid) Volume() int64 {
	v := int64(1)
	for i := 0; i < 3; i++ {
		if c.Min[i] > c.Max[i] {
			return 0
		}
		span := uint64(int64(c.Max[i])-int64(c.Min[i])) + 1
		if span == 0 || span > math.MaxInt64 || uint64(v) > math.MaxInt64/span {
			return math.MaxInt64
		}
		v *= int64(span)
	}
	return v
}

func (c Cuboid) Contains(l Location) bool {
	return l.World == c.World &&
		l.X >= c.Min[0] && l.X <= c.Max[0] &&
		l.Y >= c.Min[1] && l.Y <= c.Max[1] &&
		l.Z >= c.Min[2] && l.Z <= c.Max[2]
}

// Each calls fn for every coordinate in the cuboid, x fastest, then z, then y.
// Iteration stops early when fn returns false. Loops end on equality with Max so they
// cannot wrap at the int limits.
func (c Cuboid) Each(fn func(Location) bool) {
	for i := 0; i < 3; i++ {
		if c.Min[i] > c.Max[i] {
			return
		}
	}
	for y := c.Min[1]; ; y++ {
		for z := c.Min[2]; ; z++ {
			for x := c.Min[0]; ; x++ {
				if !fn(Location{World: c.World, X: x, Y: y, Z: z}) {
					return
				}
				if x == c.Max[0] {
					break
				}
			}
			if z == c.Max[2] {
				break
			}
		}
		if y == c.Max[1] {
			break
		}
	}
}
