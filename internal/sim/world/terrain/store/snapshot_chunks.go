package store

import (
	"fmt"

	snapv1 "voxelfill.ai/internal/persistence/snapshot"
	"voxelfill.ai/internal/sim/catalogs"
)

// ExportLoadedChunks converts loaded chunk data into snapshot chunks.
func ExportLoadedChunks(chunks map[ChunkKey]*Chunk, keys []ChunkKey) []snapv1.ChunkV1 {
	out := make([]snapv1.ChunkV1, 0, len(keys))
	for _, k := range keys {
		ch := chunks[k]
		if ch == nil {
			continue
		}
		blocks := make([]uint16, len(ch.Blocks))
		copy(blocks, ch.Blocks)
		out = append(out, snapv1.ChunkV1{
			CX:     k.CX,
			CZ:     k.CZ,
			Height: Height,
			Blocks: blocks,
		})
	}
	return out
}

// ImportChunks rebuilds a chunk store from snapshot chunks. Every palette id
// must exist in blocks; imported chunks start clean.
func ImportChunks(gen WorldGen, blocks *catalogs.BlockCatalog, chunks []snapv1.ChunkV1) (*ChunkStore, error) {
	store := NewChunkStore(gen, blocks)
	for _, ch := range chunks {
		if ch.Height != Height {
			return nil, fmt.Errorf("snapshot chunk height mismatch: got %d want %d", ch.Height, Height)
		}
		if len(ch.Blocks) != chunkVolume {
			return nil, fmt.Errorf("snapshot chunk blocks length mismatch: got %d want %d", len(ch.Blocks), chunkVolume)
		}
		k := ChunkKey{CX: ch.CX, CZ: ch.CZ}
		if _, dup := store.Chunks[k]; dup {
			return nil, fmt.Errorf("snapshot chunk %d,%d duplicated", ch.CX, ch.CZ)
		}
		c := newChunk(ch.CX, ch.CZ, blocks)
		copy(c.Blocks, ch.Blocks)
		for _, b := range c.Blocks {
			if int(b) >= len(blocks.Palette) {
				return nil, fmt.Errorf("snapshot chunk %d,%d: palette id %d: %w", ch.CX, ch.CZ, b, ErrUnknownPalette)
			}
		}
		_ = c.Digest()
		store.Chunks[k] = c
	}
	return store, nil
}

// RemapPalette rewrites snapshot chunk ids from an old palette onto blocks.
// Ids whose names are missing from blocks fail the import.
func RemapPalette(chunks []snapv1.ChunkV1, oldPalette []string, blocks *catalogs.BlockCatalog) error {
	table := make([]uint16, len(oldPalette))
	identity := len(oldPalette) <= len(blocks.Palette)
	for i, id := range oldPalette {
		idx, ok := blocks.Index[id]
		if !ok {
			return fmt.Errorf("snapshot block %s: %w", id, ErrUnknownBlock)
		}
		table[i] = idx
		if idx != uint16(i) {
			identity = false
		}
	}
	if identity {
		return nil
	}
	for ci := range chunks {
		b := chunks[ci].Blocks
		for i, v := range b {
			if int(v) >= len(table) {
				return fmt.Errorf("snapshot chunk %d,%d: palette id %d: %w", chunks[ci].CX, chunks[ci].CZ, v, ErrUnknownPalette)
			}
			b[i] = table[v]
		}
	}
	return nil
}
