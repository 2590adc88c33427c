package store

import genpkg "voxelfill.ai/internal/sim/world/terrain/gen"

// GenerateChunk layers bedrock, deepslate, stone, dirt and grass, then carves
// cave_air pockets between CaveMinY and CaveMaxY.
func (s *ChunkStore) GenerateChunk(ch *Chunk) {
	g := s.Gen
	for z := 0; z < ChunkSize; z++ {
		for x := 0; x < ChunkSize; x++ {
			wx := ch.CX*ChunkSize + x
			wz := ch.CZ*ChunkSize + z
			for y := 0; y < Height; y++ {
				b := g.Air
				switch {
				case y == 0:
					b = g.Bedrock
				case y > g.SurfaceY:
					b = g.Air
				case y == g.SurfaceY:
					b = g.Grass
				case y > g.SurfaceY-4:
					b = g.Dirt
				case y < g.DeepslateY:
					b = g.Deepslate
				default:
					b = g.Stone
					switch {
					case genpkg.Sprinkle(g.Seed+11, wx, y, wz, g.OreProbPermille):
						b = g.CoalOre
					case y < g.SurfaceY/2 && genpkg.Sprinkle(g.Seed+12, wx, y, wz, g.OreProbPermille/2):
						b = g.IronOre
					}
				}
				if y >= g.CaveMinY && y <= g.CaveMaxY && y > 0 &&
					genpkg.InCave(g.Seed+101, wx, y, wz, g.CaveCellSize, g.CaveRadius, g.CaveProbPermille) {
					b = g.CaveAir
				}
				ch.Blocks[ch.index(x, y, z)] = b
			}
		}
	}
	ch.stale = true
}
