package gen

import "voxelfill.ai/internal/sim/world/logic/mathx"

func FloorDiv(a, b int) int {
	return mathx.FloorDiv(a, b)
}

func Mod(a, b int) int {
	return mathx.Mod(a, b)
}

func Hash2(seed int64, x, z int) uint64 {
	return mathx.Hash2(seed, x, z)
}

func Hash3(seed int64, x, y, z int) uint64 {
	return mathx.Hash3(seed, x, y, z)
}

func ClampPermille(v int) int {
	return mathx.ClampInt(v, 0, 1000)
}

// InCave reports whether (x,y,z) lies inside a spherical pocket. Space is cut
// into cubic cells of size grid; each cell holds at most one pocket centre,
// present with probability probPermille.
func InCave(seed int64, x, y, z, grid, radius int, probPermille int) bool {
	if grid <= 0 || radius <= 0 || probPermille <= 0 {
		return false
	}
	gx := FloorDiv(x, grid)
	gy := FloorDiv(y, grid)
	gz := FloorDiv(z, grid)
	r2 := radius * radius
	prob := uint64(ClampPermille(probPermille))

	for dy := -1; dy <= 1; dy++ {
		for dz := -1; dz <= 1; dz++ {
			for dx := -1; dx <= 1; dx++ {
				cgx, cgy, cgz := gx+dx, gy+dy, gz+dz
				h := Hash3(seed, cgx, cgy, cgz)
				if h%1000 >= prob {
					continue
				}
				cx := cgx*grid + int((h>>10)%uint64(grid))
				cy := cgy*grid + int((h>>20)%uint64(grid))
				cz := cgz*grid + int((h>>30)%uint64(grid))
				ddx, ddy, ddz := x-cx, y-cy, z-cz
				if ddx*ddx+ddy*ddy+ddz*ddz <= r2 {
					return true
				}
			}
		}
	}
	return false
}

// Sprinkle rolls a per-voxel permille chance.
func Sprinkle(seed int64, x, y, z, permille int) bool {
	if permille <= 0 {
		return false
	}
	return Hash3(seed, x, y, z)%1000 < uint64(ClampPermille(permille))
}
