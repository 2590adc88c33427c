package store

import (
	"errors"
	"fmt"
	"sort"

	"voxelfill.ai/internal/sim/fill"
	"voxelfill.ai/internal/sim/world/logic/mathx"
)

var (
	ErrOutOfRange     = errors.New("coordinate outside chunk")
	ErrUnknownPalette = errors.New("palette id not in catalog")
	ErrUnknownBlock   = errors.New("block not in catalog")
)

// Chunk implements fill.Grid over loaded chunks only.
func (s *ChunkStore) Chunk(cx, cz int) (fill.Chunk, error) {
	ch, ok := s.Chunks[ChunkKey{CX: cx, CZ: cz}]
	if !ok {
		return nil, fmt.Errorf("chunk %d,%d: %w", cx, cz, fill.ErrChunkNotLoaded)
	}
	return ch, nil
}

func (c *Chunk) Block(lx, y, lz int) (fill.Material, error) {
	if !inChunk(lx, y, lz) {
		return fill.Material{}, fmt.Errorf("%d,%d,%d: %w", lx, y, lz, ErrOutOfRange)
	}
	id := c.Get(lx, y, lz)
	m, ok := c.blocks.Material(id)
	if !ok {
		return fill.Material{}, fmt.Errorf("id %d: %w", id, ErrUnknownPalette)
	}
	return m, nil
}

func (c *Chunk) SetBlock(lx, y, lz int, m fill.Material) error {
	if !inChunk(lx, y, lz) {
		return fmt.Errorf("%d,%d,%d: %w", lx, y, lz, ErrOutOfRange)
	}
	id, ok := c.blocks.Lookup(m)
	if !ok {
		return fmt.Errorf("%s: %w", m.String(), ErrUnknownBlock)
	}
	c.Set(lx, y, lz, id)
	return nil
}

func (s *ChunkStore) LoadedChunkKeys() []ChunkKey {
	keys := make([]ChunkKey, 0, len(s.Chunks))
	for k := range s.Chunks {
		keys = append(keys, k)
	}
	sortKeys(keys)
	return keys
}

func (s *ChunkStore) DirtyChunkKeys() []ChunkKey {
	var keys []ChunkKey
	for k, ch := range s.Chunks {
		if ch.dirty {
			keys = append(keys, k)
		}
	}
	sortKeys(keys)
	return keys
}

// ClearDirty resets the dirty flag once the provider has persisted the chunks.
func (s *ChunkStore) ClearDirty(keys []ChunkKey) {
	for _, k := range keys {
		if ch := s.Chunks[k]; ch != nil {
			ch.dirty = false
		}
	}
}

func sortKeys(keys []ChunkKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].CX != keys[j].CX {
			return keys[i].CX < keys[j].CX
		}
		return keys[i].CZ < keys[j].CZ
	})
}

// GetBlock reads a world coordinate from a loaded chunk.
func (s *ChunkStore) GetBlock(x, y, z int) (uint16, bool) {
	if y < 0 || y >= Height {
		return 0, false
	}
	cx, lx := mathx.ChunkCoord(x)
	cz, lz := mathx.ChunkCoord(z)
	ch, ok := s.Chunks[ChunkKey{CX: cx, CZ: cz}]
	if !ok {
		return 0, false
	}
	return ch.Get(lx, y, lz), true
}

// LoadChunk returns the chunk at (cx,cz), generating it if absent.
func (s *ChunkStore) LoadChunk(cx, cz int) *Chunk {
	k := ChunkKey{CX: cx, CZ: cz}
	if ch, ok := s.Chunks[k]; ok {
		return ch
	}
	ch := newChunk(cx, cz, s.Blocks)
	s.GenerateChunk(ch)
	ch.dirty = true
	_ = ch.Digest()
	s.Chunks[k] = ch
	return ch
}

// LoadArea loads every chunk within radius (in chunks) of (cx,cz).
func (s *ChunkStore) LoadArea(cx, cz, radius int) int {
	n := 0
	for dz := -radius; dz <= radius; dz++ {
		for dx := -radius; dx <= radius; dx++ {
			if _, ok := s.Chunks[ChunkKey{CX: cx + dx, CZ: cz + dz}]; !ok {
				n++
			}
			s.LoadChunk(cx+dx, cz+dz)
		}
	}
	return n
}
