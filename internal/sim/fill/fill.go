package fill

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

type Outcome int

const (
	Running Outcome = iota
	Completed
	BudgetExhausted
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Running:
		return "RUNNING"
	case Completed:
		return "COMPLETED"
	case BudgetExhausted:
		return "BUDGET_EXHAUSTED"
	case Cancelled:
		return "CANCELLED"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Result is the state of a run. Counters are raw: a coordinate enqueued
// twice is visited twice.
type Result struct {
	Outcome       Outcome
	Visited       int
	FrontierTotal int
	Filled        int
	ChunkMisses   int
}

type Options struct {
	// OnSet is called after each voxel is written and its chunk marked dirty.
	OnSet func(pos Coord, from, to Material)
}

// Run is a single fill invocation. It is not safe for concurrent use except
// for Cancel, and it cannot be restarted.
type Run struct {
	grid   Grid
	target Material
	budget int
	opts   Options

	frontier []Coord
	res      Result
	progress float64
	err      error

	cancelled atomic.Bool
}

// Start prepares a fill from seed. budget is the maximum number of visits;
// zero means unlimited. No grid access happens until the first Next.
func Start(seed Coord, target Material, budget int, grid Grid) *Run {
	return StartWithOptions(seed, target, budget, grid, Options{})
}

func StartWithOptions(seed Coord, target Material, budget int, grid Grid, opts Options) *Run {
	if budget < 0 {
		budget = 0
	}
	return &Run{
		grid:     grid,
		target:   target,
		budget:   budget,
		opts:     opts,
		frontier: []Coord{seed},
		res:      Result{FrontierTotal: 1},
	}
}

// Cancel requests cancellation. It takes effect at the next checkpoint.
func (r *Run) Cancel() { r.cancelled.Store(true) }

// Done reports whether the run has reached a terminal state.
func (r *Run) Done() bool { return r.res.Outcome != Running || r.err != nil }

// Progress is visited/frontier_total as of the last voxel written. It is a
// heuristic, not a completion percentage.
func (r *Run) Progress() float64 { return r.progress }

// Stats returns the counters so far, including for a run still in progress.
func (r *Run) Stats() Result { return r.res }

// Result returns the terminal result and the first grid error, if any.
func (r *Run) Result() (Result, error) { return r.res, r.err }

// Next advances the fill until one voxel has been written and returns true,
// or until the run terminates and returns false. Coordinates that are skipped
// (solid, or in a missing chunk) do not yield.
func (r *Run) Next(ctx context.Context) bool {
	if r.Done() {
		return false
	}
	for len(r.frontier) > 0 {
		if r.cancelled.Load() || (ctx != nil && ctx.Err() != nil) {
			r.res.Outcome = Cancelled
			return false
		}

		n := len(r.frontier) - 1
		c := r.frontier[n]
		r.frontier = r.frontier[:n]
		r.res.Visited++

		cx, cz, lx, lz := ChunkOf(c)
		ch, err := r.grid.Chunk(cx, cz)
		if err != nil {
			if errors.Is(err, ErrChunkNotLoaded) {
				r.res.ChunkMisses++
				continue
			}
			r.err = fmt.Errorf("fill: chunk %d,%d: %w", cx, cz, err)
			return false
		}

		cur, err := ch.Block(lx, c.Y, lz)
		if err != nil {
			r.err = fmt.Errorf("fill: read %d,%d,%d: %w", c.X, c.Y, c.Z, err)
			return false
		}
		if !cur.IsEmpty() {
			continue
		}

		if r.budget > 0 && r.res.Visited >= r.budget {
			r.res.Outcome = BudgetExhausted
			return false
		}

		if err := ch.SetBlock(lx, c.Y, lz, r.target); err != nil {
			r.err = fmt.Errorf("fill: write %d,%d,%d: %w", c.X, c.Y, c.Z, err)
			return false
		}
		ch.MarkDirty()
		r.res.Filled++
		if r.opts.OnSet != nil {
			r.opts.OnSet(c, cur, r.target)
		}

		r.push(c.Add(1, 0, 0))
		r.push(c.Add(-1, 0, 0))
		if c.Y < MaxY {
			r.push(c.Add(0, 1, 0))
		}
		if c.Y > MinY {
			r.push(c.Add(0, -1, 0))
		}
		r.push(c.Add(0, 0, 1))
		r.push(c.Add(0, 0, -1))

		r.progress = float64(r.res.Visited) / float64(r.res.FrontierTotal)
		return true
	}
	r.res.Outcome = Completed
	return false
}

func (r *Run) push(c Coord) {
	r.frontier = append(r.frontier, c)
	r.res.FrontierTotal++
}
