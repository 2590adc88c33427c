package store

import (
	"crypto/sha256"
	"encoding/binary"

	"voxelfill.ai/internal/sim/catalogs"
)

const (
	ChunkSize = 16
	Height    = 256

	chunkVolume = ChunkSize * ChunkSize * Height
)

type ChunkKey struct {
	CX int
	CZ int
}

type Chunk struct {
	CX, CZ int
	Blocks []uint16 // len = 16*16*256, x + z*16 + y*256

	blocks *catalogs.BlockCatalog

	// dirty: unsaved changes since the last snapshot export.
	dirty bool
	// stale: digest needs recomputing.
	stale bool
	hash  [32]byte
}

func newChunk(cx, cz int, blocks *catalogs.BlockCatalog) *Chunk {
	return &Chunk{
		CX:     cx,
		CZ:     cz,
		Blocks: make([]uint16, chunkVolume),
		blocks: blocks,
		stale:  true,
	}
}

func (c *Chunk) index(x, y, z int) int {
	return x + z*ChunkSize + y*ChunkSize*ChunkSize
}

func inChunk(x, y, z int) bool {
	return x >= 0 && x < ChunkSize && z >= 0 && z < ChunkSize && y >= 0 && y < Height
}

func (c *Chunk) Get(x, y, z int) uint16 {
	return c.Blocks[c.index(x, y, z)]
}

// Set writes a palette id. It does not mark the chunk dirty.
func (c *Chunk) Set(x, y, z int, b uint16) {
	i := c.index(x, y, z)
	if c.Blocks[i] == b {
		return
	}
	c.Blocks[i] = b
	c.stale = true
}

func (c *Chunk) MarkDirty() { c.dirty = true }

func (c *Chunk) Dirty() bool { return c.dirty }

func (c *Chunk) Digest() [32]byte {
	if c.stale || c.hash == ([32]byte{}) {
		h := sha256.New()
		var tmp [2]byte
		for _, v := range c.Blocks {
			binary.LittleEndian.PutUint16(tmp[:], v)
			h.Write(tmp[:])
		}
		copy(c.hash[:], h.Sum(nil))
		c.stale = false
	}
	return c.hash
}

type WorldGen struct {
	Seed int64

	SurfaceY         int
	DeepslateY       int
	CaveMinY         int
	CaveMaxY         int
	CaveCellSize     int
	CaveProbPermille int
	CaveRadius       int
	OreProbPermille  int

	Air       uint16
	CaveAir   uint16
	Bedrock   uint16
	Stone     uint16
	Deepslate uint16
	Dirt      uint16
	Grass     uint16
	CoalOre   uint16
	IronOre   uint16
}

// ChunkStore owns loaded chunks. Chunks absent from the map are not loaded;
// the fill engine sees them as fill.ErrChunkNotLoaded and never generates them.
type ChunkStore struct {
	Gen    WorldGen
	Blocks *catalogs.BlockCatalog
	Chunks map[ChunkKey]*Chunk
}

func NewChunkStore(gen WorldGen, blocks *catalogs.BlockCatalog) *ChunkStore {
	return &ChunkStore{
		Gen:    gen,
		Blocks: blocks,
		Chunks: map[ChunkKey]*Chunk{},
	}
}

// DefaultWorldGen maps the catalog's standard blocks onto generator slots.
func DefaultWorldGen(seed int64, blocks *catalogs.BlockCatalog) WorldGen {
	idx := func(id string) uint16 { return blocks.Index[id] }
	return WorldGen{
		Seed:             seed,
		SurfaceY:         64,
		DeepslateY:       16,
		CaveMinY:         8,
		CaveMaxY:         56,
		CaveCellSize:     8,
		CaveProbPermille: 350,
		CaveRadius:       3,
		OreProbPermille:  12,
		Air:              idx("minecraft:air"),
		CaveAir:          idx("minecraft:cave_air"),
		Bedrock:          idx("minecraft:bedrock"),
		Stone:            idx("minecraft:stone"),
		Deepslate:        idx("minecraft:deepslate"),
		Dirt:             idx("minecraft:dirt"),
		Grass:            idx("minecraft:grass_block"),
		CoalOre:          idx("minecraft:coal_ore"),
		IronOre:          idx("minecraft:iron_ore"),
	}
}
