package world

import (
	"context"
	"time"
)

func (w *World) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(w.cfg.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var pendingAdmin []adminSnapshotReq

	for {
		select {
		case <-ctx.Done():
			w.shutdown()
			return ctx.Err()
		case <-w.stop:
			w.shutdown()
			return nil
		case req := <-w.fills:
			acc := w.acceptFill(req)
			if req.Resp != nil {
				req.Resp <- acc
			}
		case req := <-w.cancels:
			w.handleCancel(req)
		case req := <-w.picks:
			w.handlePick(req)
		case req := <-w.admin:
			pendingAdmin = append(pendingAdmin, req)
		case <-ticker.C:
			w.step()
			w.handleAdminSnapshotRequests(pendingAdmin)
			pendingAdmin = pendingAdmin[:0]
		}
	}
}

func (w *World) Stop() { close(w.stop) }

// shutdown cancels outstanding fills so their owners get a RESULT.
func (w *World) shutdown() {
	if w.active != nil {
		w.active.run.Cancel()
		job := w.active
		w.active = nil
		job.run.Next(nil)
		w.finishFill(job)
	}
	for _, job := range w.queue {
		job.run.Cancel()
		job.run.Next(nil)
		w.finishFill(job)
	}
	w.queue = nil
}

// StepOnce advances the world by a single tick using the same ordering
// semantics as the server. Intended for tests and offline tools.
func (w *World) StepOnce() uint64 {
	tick := w.tick.Load()
	w.step()
	return tick
}

// Enqueue accepts a fill without the loop running. Offline tools only.
func (w *World) Enqueue(req FillRequest) FillAccepted {
	return w.acceptFill(req)
}

// Idle reports whether no fill is running or queued.
func (w *World) Idle() bool { return w.active == nil && len(w.queue) == 0 }

// PendingEvents counts queued and result events still waiting for room on
// their channel. Every tick retries them.
func (w *World) PendingEvents() int { return w.outbox.size() }

func (w *World) step() {
	start := time.Now()
	tick := w.tick.Load()

	w.outbox.flush()
	w.advanceFills(tick)
	w.outbox.flush()

	if w.cfg.SnapshotEveryTicks > 0 && tick > 0 && tick%uint64(w.cfg.SnapshotEveryTicks) == 0 {
		if w.snapshotSink != nil && len(w.chunks.DirtyChunkKeys()) > 0 {
			w.emitSnapshot(tick)
		}
	}

	w.tick.Add(1)
	w.publishMetrics(time.Since(start))
}
