package fill

// Box is a selection with inclusive Min and exclusive Max corners.
type Box struct {
	Min [3]int
	Max [3]int
}

// SeedFromBox collapses a one-block selection to its coordinate.
// It looks at the shape only; the material at the seed is not consulted.
func SeedFromBox(b Box) (Coord, error) {
	for i := 0; i < 3; i++ {
		if b.Max[i]-b.Min[i] != 1 {
			return Coord{}, ErrInvalidSelectionShape
		}
	}
	return Coord{X: b.Min[0], Y: b.Min[1], Z: b.Min[2]}, nil
}

// PointBox is the single-block selection at c.
func PointBox(c Coord) Box {
	return Box{
		Min: [3]int{c.X, c.Y, c.Z},
		Max: [3]int{c.X + 1, c.Y + 1, c.Z + 1},
	}
}
