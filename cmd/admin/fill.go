package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	persistlog "voxelfill.ai/internal/persistence/log"
	"voxelfill.ai/internal/persistence/snapshot"
	"voxelfill.ai/internal/sim/catalogs"
	"voxelfill.ai/internal/sim/fill"
	"voxelfill.ai/internal/sim/tuning"
	"voxelfill.ai/internal/sim/world"
)

// fillCmd runs a fill against a snapshot without a server. Writes are audited
// into the world dir so `rollback -run` can undo them.
func fillCmd(args []string) {
	fs := flag.NewFlagSet("fill", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "", "world id")
	configDir := fs.String("configs", "./configs", "config directory")
	snapPath := fs.String("snapshot", "", "snapshot to fill (optional; defaults to latest)")
	pos := fs.String("pos", "", "seed position x,y,z (required)")
	block := fs.String("block", "", "target block id (default: tuning default)")
	budget := fs.Int64("budget", -1, "visit budget; 0 is unlimited, negative uses the tuning default")
	actor := fs.String("actor", "admin", "actor recorded in the audit log")
	outPath := fs.String("out", "", "output snapshot path (optional)")
	_ = fs.Parse(args)

	if strings.TrimSpace(*worldID) == "" {
		fmt.Fprintln(os.Stderr, "missing -world")
		os.Exit(2)
	}
	seed, err := parseVec3(*pos)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bad -pos:", err)
		os.Exit(2)
	}

	worldDir := filepath.Join(*dataDir, "worlds", *worldID)
	snapshotToLoad := strings.TrimSpace(*snapPath)
	if snapshotToLoad == "" {
		snapshotToLoad = latestSnapshot(worldDir)
	}
	if snapshotToLoad == "" {
		fmt.Fprintln(os.Stderr, "no snapshot found; provide -snapshot or run server until it writes one")
		os.Exit(2)
	}

	w, err := loadWorld(*worldID, *configDir, snapshotToLoad)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	auditLog := persistlog.NewAuditLogger(worldDir)
	runLog := persistlog.NewRunLogger(worldDir)
	w.SetAuditLogger(auditLog)
	w.SetRunLogger(runLog)

	req := world.FillRequest{
		Actor:     *actor,
		Selection: fill.PointBox(fill.Coord{X: seed[0], Y: seed[1], Z: seed[2]}),
		Block:     *block,
	}
	if *budget >= 0 {
		req.Budget = budget
	}
	final, err := offlineFill(w, req, func(ev world.FillEvent) {
		fmt.Printf("progress run=%s %.1f%%\n", ev.RunID, ev.Fraction*100)
	})
	_ = auditLog.Close()
	_ = runLog.Close()
	if err != nil {
		fmt.Fprintln(os.Stderr, "fill:", err)
		os.Exit(1)
	}

	tick := w.CurrentTick() - 1
	if strings.TrimSpace(*outPath) == "" {
		*outPath = filepath.Join(worldDir, "snapshots", fmt.Sprintf("%d.snap.zst", tick))
	}
	if err := snapshot.WriteSnapshot(*outPath, w.ExportSnapshot(tick)); err != nil {
		fmt.Fprintln(os.Stderr, "write snapshot:", err)
		os.Exit(1)
	}

	r := final.Result
	printJSON(struct {
		RunID         string `json:"run_id"`
		Outcome       string `json:"outcome"`
		Visited       int    `json:"visited"`
		FrontierTotal int    `json:"frontier_total"`
		Filled        int    `json:"filled"`
		ChunkMisses   int    `json:"chunk_misses"`
		Out           string `json:"out"`
	}{final.RunID, r.Outcome.String(), r.Visited, r.FrontierTotal, r.Filled, r.ChunkMisses, *outPath})
}

// loadWorld restores a world from a snapshot using the tuning in configDir,
// or defaults when no tuning file exists.
func loadWorld(worldID, configDir, snapPath string) (*world.World, error) {
	cats, err := catalogs.Load(configDir)
	if err != nil {
		return nil, fmt.Errorf("load catalogs: %w", err)
	}
	tune, err := tuning.Load(filepath.Join(configDir, "tuning.yaml"))
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("load tuning: %w", err)
		}
		tune = tuning.Defaults()
	}
	snap, err := snapshot.ReadSnapshot(snapPath)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	if snap.Header.WorldID != "" && snap.Header.WorldID != worldID {
		return nil, fmt.Errorf("snapshot world id mismatch: flag=%s snap=%s", worldID, snap.Header.WorldID)
	}
	cfg := world.ConfigFromTuning(worldID, snap.Seed, tune)
	cfg.PreloadChunkRadius = 0
	w, err := world.New(cfg, cats)
	if err != nil {
		return nil, err
	}
	if err := w.ImportSnapshot(snap); err != nil {
		return nil, fmt.Errorf("import snapshot: %w", err)
	}
	return w, nil
}

// offlineFill steps w until the request finishes and returns its RESULT event.
func offlineFill(w *world.World, req world.FillRequest, progress func(world.FillEvent)) (world.FillEvent, error) {
	events := make(chan world.FillEvent, 64)
	req.Events = events
	acc := w.Enqueue(req)
	if acc.Err != nil {
		return world.FillEvent{}, acc.Err
	}

	var final world.FillEvent
	done := false
	drain := func() {
		for {
			select {
			case ev := <-events:
				switch ev.Kind {
				case world.FillProgress:
					if progress != nil {
						progress(ev)
					}
				case world.FillResult:
					final, done = ev, true
				}
			default:
				return
			}
		}
	}
	drain()
	for !done && (!w.Idle() || w.PendingEvents() > 0) {
		w.StepOnce()
		drain()
	}
	if !done {
		return final, errors.New("fill finished without a result")
	}
	return final, final.Err
}
