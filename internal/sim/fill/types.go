// Package fill grows a region of empty voxels from a single seed, replacing
// every connected air-like voxel with a target material.
//
// The traversal is an explicit LIFO frontier driven one step at a time by the
// caller, so a host scheduler can interleave it with other work, observe
// progress between steps and cancel between any two steps.
package fill

import (
	"errors"
	"sort"
	"strings"
)

// World vertical bounds, inclusive.
const (
	MinY = 0
	MaxY = 255
)

// MaxBudget is the largest visit budget accepted at the operation boundary.
const MaxBudget = 2_000_000_000

var (
	// ErrChunkNotLoaded is returned by a Grid when the chunk holding a
	// coordinate is absent. The engine skips such coordinates.
	ErrChunkNotLoaded = errors.New("chunk not loaded")

	// ErrInvalidSelectionShape means the selection does not denote exactly one voxel.
	ErrInvalidSelectionShape = errors.New("selection is not a single block")
)

type Coord struct {
	X, Y, Z int
}

func (c Coord) Add(dx, dy, dz int) Coord {
	return Coord{X: c.X + dx, Y: c.Y + dy, Z: c.Z + dz}
}

// Material is a fully specified block state.
type Material struct {
	Namespace  string
	BaseName   string
	Properties map[string]string
}

var emptyBaseNames = map[string]struct{}{
	"air":      {},
	"cave_air": {},
	"void_air": {},
}

// IsEmpty reports whether the material is air-like. Only the base name counts.
func (m Material) IsEmpty() bool {
	_, ok := emptyBaseNames[m.BaseName]
	return ok
}

// ID is the namespaced id without properties, e.g. "minecraft:stone".
func (m Material) ID() string {
	ns := m.Namespace
	if ns == "" {
		ns = "minecraft"
	}
	return ns + ":" + m.BaseName
}

func (m Material) String() string {
	if len(m.Properties) == 0 {
		return m.ID()
	}
	keys := make([]string, 0, len(m.Properties))
	for k := range m.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(m.ID())
	b.WriteByte('[')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(m.Properties[k])
	}
	b.WriteByte(']')
	return b.String()
}

// ParseMaterial parses "ns:name[k=v,...]". The namespace defaults to minecraft.
func ParseMaterial(s string) (Material, error) {
	var m Material
	s = strings.TrimSpace(s)
	if s == "" {
		return m, errors.New("empty material id")
	}
	id := s
	if i := strings.IndexByte(s, '['); i >= 0 {
		if !strings.HasSuffix(s, "]") {
			return m, errors.New("unterminated property list: " + s)
		}
		id = s[:i]
		props := s[i+1 : len(s)-1]
		if props != "" {
			m.Properties = map[string]string{}
			for _, kv := range strings.Split(props, ",") {
				k, v, ok := strings.Cut(kv, "=")
				if !ok || strings.TrimSpace(k) == "" {
					return m, errors.New("bad property: " + kv)
				}
				m.Properties[strings.TrimSpace(k)] = strings.TrimSpace(v)
			}
		}
	}
	ns, name, ok := strings.Cut(id, ":")
	if !ok {
		ns, name = "minecraft", id
	}
	if ns == "" || name == "" {
		return m, errors.New("bad material id: " + s)
	}
	m.Namespace = ns
	m.BaseName = name
	return m, nil
}

// Grid is the chunked voxel store the engine reads and writes.
type Grid interface {
	// Chunk returns the chunk at (cx, cz), or an error wrapping
	// ErrChunkNotLoaded if it is absent.
	Chunk(cx, cz int) (Chunk, error)
}

// Chunk addresses voxels by local x/z in [0,16) and world y.
type Chunk interface {
	Block(lx, y, lz int) (Material, error)
	SetBlock(lx, y, lz int, m Material) error
	MarkDirty()
}

// ChunkOf maps a coordinate to its chunk and local horizontal offset.
func ChunkOf(c Coord) (cx, cz, lx, lz int) {
	cx = c.X >> 4
	cz = c.Z >> 4
	return cx, cz, c.X - cx*16, c.Z - cz*16
}

// ClampBudget bounds a user supplied budget to [0, MaxBudget]. Zero means unlimited.
func ClampBudget(n int64) int {
	if n < 0 {
		return 0
	}
	if n > MaxBudget {
		return MaxBudget
	}
	return int(n)
}
