package world

import (
	"fmt"

	"voxelfill.ai/internal/persistence/snapshot"
	"voxelfill.ai/internal/sim/world/terrain/store"
)

// ExportSnapshot captures every loaded chunk. Must run on the loop goroutine.
func (w *World) ExportSnapshot(tick uint64) snapshot.SnapshotV1 {
	keys := w.chunks.LoadedChunkKeys()
	gen := w.chunks.Gen
	pal := make([]string, len(w.catalogs.Blocks.Palette))
	copy(pal, w.catalogs.Blocks.Palette)

	return snapshot.SnapshotV1{
		Header: snapshot.Header{
			Version: snapshot.Version,
			WorldID: w.cfg.ID,
			Tick:    tick,
		},
		Seed:          w.cfg.Seed,
		TickRate:      w.cfg.TickRateHz,
		Height:        store.Height,
		Palette:       pal,
		PaletteDigest: w.catalogs.Blocks.PaletteDigest,
		WorldGen: snapshot.WorldGenV1{
			SurfaceY:         gen.SurfaceY,
			DeepslateY:       gen.DeepslateY,
			CaveMinY:         gen.CaveMinY,
			CaveMaxY:         gen.CaveMaxY,
			CaveCellSize:     gen.CaveCellSize,
			CaveProbPermille: gen.CaveProbPermille,
			CaveRadius:       gen.CaveRadius,
			OreProbPermille:  gen.OreProbPermille,
		},
		Chunks: store.ExportLoadedChunks(w.chunks.Chunks, keys),
		Counters: snapshot.CountersV1{
			RunsStarted:  w.counters.RunsStarted,
			VoxelsFilled: w.counters.VoxelsFilled,
		},
	}
}

// emitSnapshot hands a snapshot to the sink and clears dirty flags once the
// sink has taken it.
func (w *World) emitSnapshot(tick uint64) bool {
	if w.snapshotSink == nil {
		return false
	}
	keys := w.chunks.LoadedChunkKeys()
	snap := w.ExportSnapshot(tick)
	select {
	case w.snapshotSink <- snap:
		w.chunks.ClearDirty(keys)
		return true
	default:
		w.log.Printf("snapshot tick=%d dropped: sink backpressure", tick)
		return false
	}
}

// ImportSnapshot replaces world state. It must be called before Run.
func (w *World) ImportSnapshot(snap snapshot.SnapshotV1) error {
	if snap.Header.Version != snapshot.Version {
		return fmt.Errorf("unsupported snapshot version %d", snap.Header.Version)
	}
	if snap.Height != 0 && snap.Height != store.Height {
		return fmt.Errorf("snapshot height %d, want %d", snap.Height, store.Height)
	}
	if snap.PaletteDigest != w.catalogs.Blocks.PaletteDigest {
		if err := store.RemapPalette(snap.Chunks, snap.Palette, &w.catalogs.Blocks); err != nil {
			return fmt.Errorf("snapshot palette: %w", err)
		}
	}

	gen := store.DefaultWorldGen(snap.Seed, &w.catalogs.Blocks)
	if snap.WorldGen != (snapshot.WorldGenV1{}) {
		gen.SurfaceY = snap.WorldGen.SurfaceY
		gen.DeepslateY = snap.WorldGen.DeepslateY
		gen.CaveMinY = snap.WorldGen.CaveMinY
		gen.CaveMaxY = snap.WorldGen.CaveMaxY
		gen.CaveCellSize = snap.WorldGen.CaveCellSize
		gen.CaveProbPermille = snap.WorldGen.CaveProbPermille
		gen.CaveRadius = snap.WorldGen.CaveRadius
		gen.OreProbPermille = snap.WorldGen.OreProbPermille
	}
	chunks, err := store.ImportChunks(gen, &w.catalogs.Blocks, snap.Chunks)
	if err != nil {
		return err
	}

	w.cfg.Seed = snap.Seed
	w.chunks = chunks
	w.counters = Counters{
		RunsStarted:  snap.Counters.RunsStarted,
		VoxelsFilled: snap.Counters.VoxelsFilled,
	}
	w.queue = nil
	w.active = nil
	w.tick.Store(snap.Header.Tick + 1)
	w.publishMetrics(0)
	return nil
}
