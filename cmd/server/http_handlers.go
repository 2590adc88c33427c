package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"voxelfill.ai/internal/persistence/indexdb"
	"voxelfill.ai/internal/sim/world"
)

func metricsHandler(w *world.World, idx *indexdb.SQLiteIndex) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		var stats *indexdb.Stats
		if idx != nil {
			s := idx.Stats()
			stats = &s
		}
		writeMetrics(rw, w.ID(), w.Metrics(), stats)
	}
}

// writeMetrics renders a minimal Prometheus exposition.
func writeMetrics(out io.Writer, worldID string, m world.WorldMetrics, stats *indexdb.Stats) {
	fmt.Fprintf(out, "# HELP voxelfill_world_tick Current world tick.\n")
	fmt.Fprintf(out, "# TYPE voxelfill_world_tick gauge\n")
	fmt.Fprintf(out, "voxelfill_world_tick{world=%q} %d\n", worldID, m.Tick)

	fmt.Fprintf(out, "# HELP voxelfill_world_loaded_chunks Loaded chunk count.\n")
	fmt.Fprintf(out, "# TYPE voxelfill_world_loaded_chunks gauge\n")
	fmt.Fprintf(out, "voxelfill_world_loaded_chunks{world=%q} %d\n", worldID, m.LoadedChunks)

	fmt.Fprintf(out, "# HELP voxelfill_world_dirty_chunks Chunks modified since the last snapshot.\n")
	fmt.Fprintf(out, "# TYPE voxelfill_world_dirty_chunks gauge\n")
	fmt.Fprintf(out, "voxelfill_world_dirty_chunks{world=%q} %d\n", worldID, m.DirtyChunks)

	active := 0
	if m.ActiveRun != "" {
		active = 1
	}
	fmt.Fprintf(out, "# HELP voxelfill_fill_active Whether a fill run is executing.\n")
	fmt.Fprintf(out, "# TYPE voxelfill_fill_active gauge\n")
	fmt.Fprintf(out, "voxelfill_fill_active{world=%q} %d\n", worldID, active)

	fmt.Fprintf(out, "# HELP voxelfill_fill_active_fraction Progress of the active fill run (0..1).\n")
	fmt.Fprintf(out, "# TYPE voxelfill_fill_active_fraction gauge\n")
	fmt.Fprintf(out, "voxelfill_fill_active_fraction{world=%q} %.6f\n", worldID, m.ActiveFrac)

	fmt.Fprintf(out, "# HELP voxelfill_fill_queued Fill runs waiting to start.\n")
	fmt.Fprintf(out, "# TYPE voxelfill_fill_queued gauge\n")
	fmt.Fprintf(out, "voxelfill_fill_queued{world=%q} %d\n", worldID, m.QueuedRuns)

	fmt.Fprintf(out, "# HELP voxelfill_fill_runs_started_total Fill runs started.\n")
	fmt.Fprintf(out, "# TYPE voxelfill_fill_runs_started_total counter\n")
	fmt.Fprintf(out, "voxelfill_fill_runs_started_total{world=%q} %d\n", worldID, m.RunsStarted)

	fmt.Fprintf(out, "# HELP voxelfill_voxels_filled_total Voxels written by fill runs.\n")
	fmt.Fprintf(out, "# TYPE voxelfill_voxels_filled_total counter\n")
	fmt.Fprintf(out, "voxelfill_voxels_filled_total{world=%q} %d\n", worldID, m.Filled)

	fmt.Fprintf(out, "# HELP voxelfill_world_queue_depth Channel backlog depth.\n")
	fmt.Fprintf(out, "# TYPE voxelfill_world_queue_depth gauge\n")
	fmt.Fprintf(out, "voxelfill_world_queue_depth{world=%q,queue=%q} %d\n", worldID, "fills", m.QueueDepths.Fills)
	fmt.Fprintf(out, "voxelfill_world_queue_depth{world=%q,queue=%q} %d\n", worldID, "cancels", m.QueueDepths.Cancels)
	fmt.Fprintf(out, "voxelfill_world_queue_depth{world=%q,queue=%q} %d\n", worldID, "picks", m.QueueDepths.Picks)
	fmt.Fprintf(out, "voxelfill_world_queue_depth{world=%q,queue=%q} %d\n", worldID, "events", m.QueueDepths.Events)

	fmt.Fprintf(out, "# HELP voxelfill_world_step_ms Last tick step duration in milliseconds.\n")
	fmt.Fprintf(out, "# TYPE voxelfill_world_step_ms gauge\n")
	fmt.Fprintf(out, "voxelfill_world_step_ms{world=%q} %.3f\n", worldID, m.StepMS)

	if stats == nil {
		return
	}
	fmt.Fprintf(out, "# HELP voxelfill_index_queue_depth Current index writer queue depth.\n")
	fmt.Fprintf(out, "# TYPE voxelfill_index_queue_depth gauge\n")
	fmt.Fprintf(out, "voxelfill_index_queue_depth %d\n", stats.QueueDepth)

	fmt.Fprintf(out, "# HELP voxelfill_index_queue_capacity Index writer queue capacity.\n")
	fmt.Fprintf(out, "# TYPE voxelfill_index_queue_capacity gauge\n")
	fmt.Fprintf(out, "voxelfill_index_queue_capacity %d\n", stats.QueueCapacity)

	fmt.Fprintf(out, "# HELP voxelfill_index_dropped_total Index writes dropped because the queue was full.\n")
	fmt.Fprintf(out, "# TYPE voxelfill_index_dropped_total counter\n")
	fmt.Fprintf(out, "voxelfill_index_dropped_total %d\n", stats.DropTotal)
}

func stateHandler(w *world.World) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		resp := struct {
			WorldID string             `json:"world_id"`
			Tick    uint64             `json:"tick"`
			Metrics world.WorldMetrics `json:"metrics"`
		}{
			WorldID: w.ID(),
			Tick:    w.CurrentTick(),
			Metrics: w.Metrics(),
		}
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func snapshotHandler(w *world.World) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		tick, err := w.RequestSnapshot(ctx)
		rw.Header().Set("Content-Type", "application/json")
		if err != nil {
			rw.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "tick": tick, "error": err.Error()})
			return
		}
		_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "tick": tick})
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
