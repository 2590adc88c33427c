package world

import "time"

// WorldMetrics is a thread-safe read-only view of key world runtime signals.
// It is updated from the world loop goroutine and read from HTTP handlers/tests.
type WorldMetrics struct {
	Tick uint64 `json:"tick"`

	LoadedChunks int `json:"loaded_chunks"`
	DirtyChunks  int `json:"dirty_chunks"`

	ActiveRun   string  `json:"active_run,omitempty"`
	ActiveFrac  float64 `json:"active_fraction"`
	QueuedRuns  int     `json:"queued_runs"`
	RunsStarted uint64  `json:"runs_started"`
	Filled      uint64  `json:"voxels_filled"`

	QueueDepths QueueDepths `json:"queue_depths"`

	StepMS float64 `json:"step_ms"`
}

type QueueDepths struct {
	Fills   int `json:"fills"`
	Cancels int `json:"cancels"`
	Picks   int `json:"picks"`
	Events  int `json:"events"` // queued/result events waiting on slow consumers
}

func (w *World) Metrics() WorldMetrics {
	if w == nil {
		return WorldMetrics{}
	}
	v := w.metrics.Load()
	if v == nil {
		return WorldMetrics{}
	}
	m, ok := v.(WorldMetrics)
	if !ok {
		return WorldMetrics{}
	}
	return m
}

func (w *World) publishMetrics(stepDur time.Duration) {
	m := WorldMetrics{
		Tick:         w.tick.Load(),
		LoadedChunks: len(w.chunks.Chunks),
		DirtyChunks:  len(w.chunks.DirtyChunkKeys()),
		QueuedRuns:   len(w.queue),
		RunsStarted:  w.counters.RunsStarted,
		Filled:       w.counters.VoxelsFilled,
		QueueDepths: QueueDepths{
			Fills:   len(w.fills),
			Cancels: len(w.cancels),
			Picks:   len(w.picks),
			Events:  w.outbox.size(),
		},
		StepMS: float64(stepDur.Microseconds()) / 1000.0,
	}
	if w.active != nil {
		m.ActiveRun = w.active.id
		m.ActiveFrac = w.active.run.Progress()
	}
	w.metrics.Store(m)
}
