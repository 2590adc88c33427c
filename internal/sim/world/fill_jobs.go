package world

import (
	"fmt"

	"github.com/google/uuid"

	"voxelfill.ai/internal/sim/fill"
)

type FillRequest struct {
	Actor     string
	Session   string // owning connection; its runs are cancelled together
	Selection fill.Box
	Block     string // empty: world default
	Budget    *int64 // nil: world default; 0: unlimited

	// RequestID is echoed on the FillQueued event.
	RequestID string

	// Events receives FillQueued, PROGRESS and the final RESULT of an
	// accepted run, in that order. Progress is dropped when the channel is
	// full; the other two wait for room. Several runs may share a channel.
	Events chan FillEvent
	// Done, when closed, abandons events still waiting for Events.
	Done   <-chan struct{}
	Resp   chan FillAccepted
}

type FillAccepted struct {
	RunID    string
	QueuePos int // 0 when the run starts on the next tick
	Block    string
	Budget   int
	Err      error
}

type FillEventKind int

const (
	FillProgress FillEventKind = iota + 1
	FillResult
	FillQueued
)

type FillEvent struct {
	Kind      FillEventKind
	RunID     string
	RequestID string
	Accepted  FillAccepted // FillQueued only
	Fraction  float64
	Result    fill.Result
	Err       error
}

type fillJob struct {
	id      string
	actor   string
	session string
	seed    fill.Coord
	target  fill.Material
	toID    uint16
	budget  int

	run    *fill.Run
	events chan FillEvent
	done   <-chan struct{}

	sinceProgress int
	queuedTick    uint64
	startTick     uint64
}

func newRunID() string { return "F_" + uuid.NewString() }

// acceptFill validates a request and queues it. Called on the loop goroutine.
func (w *World) acceptFill(req FillRequest) FillAccepted {
	seed, err := fill.SeedFromBox(req.Selection)
	if err != nil {
		return FillAccepted{Err: err}
	}
	if seed.Y < w.cfg.MinY || seed.Y > w.cfg.MaxY {
		return FillAccepted{Err: fmt.Errorf("y=%d: %w", seed.Y, ErrSeedOutOfWorld)}
	}

	blockID := req.Block
	if blockID == "" {
		blockID = w.cfg.DefaultBlock
	}
	target, toID, err := w.catalogs.Blocks.Resolve(blockID)
	if err != nil {
		return FillAccepted{Err: fmt.Errorf("%w: %v", ErrUnknownBlock, err)}
	}

	raw := w.cfg.DefaultBudget
	if req.Budget != nil {
		raw = *req.Budget
	}
	if raw > w.cfg.MaxBudget {
		raw = w.cfg.MaxBudget
	}
	budget := fill.ClampBudget(raw)

	pending := len(w.queue)
	if w.active != nil {
		pending++
	}
	if pending >= w.cfg.MaxQueued {
		return FillAccepted{Err: ErrBusy}
	}

	job := &fillJob{
		id:         newRunID(),
		actor:      req.Actor,
		session:    req.Session,
		seed:       seed,
		target:     target,
		toID:       toID,
		budget:     budget,
		events:     req.Events,
		done:       req.Done,
		queuedTick: w.tick.Load(),
	}
	job.run = fill.StartWithOptions(seed, target, budget, w.chunks, fill.Options{
		OnSet: func(pos fill.Coord, from, to fill.Material) { w.auditSet(job, pos, from) },
	})
	w.queue = append(w.queue, job)
	w.counters.RunsStarted++

	w.log.Printf("fill %s queued actor=%s seed=%d,%d,%d block=%s budget=%d", job.id, job.actor, seed.X, seed.Y, seed.Z, target.String(), budget)
	acc := FillAccepted{
		RunID:    job.id,
		QueuePos: pending,
		Block:    target.String(),
		Budget:   budget,
	}
	w.outbox.push(job.events, job.done, FillEvent{Kind: FillQueued, RunID: job.id, RequestID: req.RequestID, Accepted: acc})
	return acc
}

// cancelFill cancels an active or queued run. A queued run finishes
// immediately as CANCELLED; the active one stops at its next step.
func (w *World) cancelFill(runID, actor string) error {
	if w.active != nil && w.active.id == runID {
		if actor != "" && w.active.actor != actor {
			return ErrRunNotFound
		}
		w.active.run.Cancel()
		return nil
	}
	for i, job := range w.queue {
		if job.id != runID {
			continue
		}
		if actor != "" && job.actor != actor {
			return ErrRunNotFound
		}
		w.queue = append(w.queue[:i], w.queue[i+1:]...)
		job.run.Cancel()
		job.run.Next(nil)
		w.finishFill(job)
		return nil
	}
	return ErrRunNotFound
}

// cancelSession cancels every run submitted by a session, e.g. on disconnect.
func (w *World) cancelSession(session string) int {
	n := 0
	if w.active != nil && w.active.session == session {
		w.active.run.Cancel()
		n++
	}
	var ids []string
	for _, job := range w.queue {
		if job.session == session {
			ids = append(ids, job.id)
		}
	}
	for _, id := range ids {
		if w.cancelFill(id, "") == nil {
			n++
		}
	}
	return n
}

// advanceFills spends up to StepsPerTick writes on the active run, pulling
// the next queued run when one finishes.
func (w *World) advanceFills(tick uint64) {
	steps := 0
	for steps < w.cfg.StepsPerTick {
		if w.active == nil {
			if len(w.queue) == 0 {
				return
			}
			w.active = w.queue[0]
			w.queue = w.queue[1:]
			w.active.startTick = tick
		}
		job := w.active
		if !job.run.Next(nil) {
			w.active = nil
			w.finishFill(job)
			continue
		}
		steps++
		w.counters.VoxelsFilled++
		job.sinceProgress++
		if job.sinceProgress >= w.cfg.ProgressEverySteps {
			job.sinceProgress = 0
			w.emitProgress(job)
		}
	}
}

func (w *World) emitProgress(job *fillJob) {
	if job.events == nil {
		return
	}
	w.outbox.offer(job.events, FillEvent{Kind: FillProgress, RunID: job.id, Fraction: job.run.Progress(), Result: job.run.Stats()})
}

func (w *World) finishFill(job *fillJob) {
	res, err := job.run.Result()
	if err != nil {
		w.log.Printf("fill %s failed: %v", job.id, err)
	} else {
		w.log.Printf("fill %s %s visited=%d filled=%d misses=%d", job.id, res.Outcome, res.Visited, res.Filled, res.ChunkMisses)
	}

	if w.runLogger != nil {
		entry := RunLogEntry{
			RunID:         job.id,
			Actor:         job.actor,
			Seed:          [3]int{job.seed.X, job.seed.Y, job.seed.Z},
			Block:         job.target.String(),
			Budget:        job.budget,
			Outcome:       res.Outcome.String(),
			Visited:       res.Visited,
			FrontierTotal: res.FrontierTotal,
			Filled:        res.Filled,
			ChunkMisses:   res.ChunkMisses,
			QueuedTick:    job.queuedTick,
			StartTick:     job.startTick,
			EndTick:       w.tick.Load(),
		}
		if err != nil {
			entry.Outcome = "ERROR"
			entry.Error = err.Error()
		}
		if lerr := w.runLogger.WriteRun(entry); lerr != nil {
			w.log.Printf("run log %s: %v", job.id, lerr)
		}
	}

	w.outbox.push(job.events, job.done, FillEvent{Kind: FillResult, RunID: job.id, Fraction: job.run.Progress(), Result: res, Err: err})
}

func (w *World) auditSet(job *fillJob, pos fill.Coord, from fill.Material) {
	if w.auditLogger == nil {
		return
	}
	fromID, _ := w.catalogs.Blocks.Lookup(from)
	err := w.auditLogger.WriteAudit(AuditEntry{
		Tick:   w.tick.Load(),
		Actor:  job.actor,
		Action: "SET_BLOCK",
		RunID:  job.id,
		Pos:    [3]int{pos.X, pos.Y, pos.Z},
		From:   fromID,
		To:     job.toID,
		FromID: from.String(),
		ToID:   job.target.String(),
	})
	if err != nil {
		w.log.Printf("audit %s: %v", job.id, err)
	}
}
