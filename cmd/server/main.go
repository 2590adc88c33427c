package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"voxelfill.ai/internal/persistence/indexdb"
	persistlog "voxelfill.ai/internal/persistence/log"
	"voxelfill.ai/internal/persistence/snapshot"
	"voxelfill.ai/internal/protocol"
	"voxelfill.ai/internal/sim/catalogs"
	"voxelfill.ai/internal/sim/tuning"
	"voxelfill.ai/internal/sim/world"
	"voxelfill.ai/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		worldID    = flag.String("world", "world_1", "world id")
		seed       = flag.Int64("seed", 1337, "world seed (used only when starting a fresh world)")
		configDir  = flag.String("configs", "./configs", "config directory")
		schemaDir  = flag.String("schemas", "./schemas", "protocol json schema directory (empty to skip validation)")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		disableDB  = flag.Bool("disable_db", false, "disable indexing (runs/audits + catalogs + snapshot metadata + fill options)")

		snapPath   = flag.String("snapshot", "", "path to snapshot to load (optional)")
		loadLatest = flag.Bool("load_latest_snapshot", true, "load latest snapshot from data dir if present (when -snapshot is empty)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cats, err := catalogs.Load(*configDir)
	if err != nil {
		logger.Fatalf("load catalogs: %v", err)
	}

	worldDir := filepath.Join(*dataDir, "worlds", *worldID)
	_ = os.MkdirAll(worldDir, 0o755)

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}

	// Optional read-model index (does not affect fill results).
	idx, err := openRuntimeIndex(worldDir, *disableDB, logger)
	if err != nil {
		logger.Fatalf("open index backend: %v", err)
	}
	if idx != nil {
		defer idx.Close()
	}

	snapshotToLoad := strings.TrimSpace(*snapPath)
	if snapshotToLoad == "" && *loadLatest {
		snapshotToLoad = latestSnapshot(worldDir)
	}

	// Tuning is required for a fresh world; a resume may fall back to defaults.
	tune, tuneErr := tuning.Load(tp)
	if tuneErr != nil {
		if snapshotToLoad == "" || !os.IsNotExist(tuneErr) {
			logger.Fatalf("load tuning: %v", tuneErr)
		}
		logger.Printf("tuning not found (%s); using defaults", tp)
		tune = tuning.Defaults()
	}

	if idx != nil {
		if err := idx.UpsertCatalogs(*configDir, cats, tune); err != nil {
			logger.Printf("index backend: upsert catalogs: %v", err)
		}
	}

	w, err := openWorld(*worldID, *seed, tune, cats, snapshotToLoad)
	if err != nil {
		logger.Fatalf("world: %v", err)
	}
	if snapshotToLoad != "" {
		logger.Printf("resumed from snapshot=%s tick=%d", filepath.Base(snapshotToLoad), w.CurrentTick())
	}
	w.SetLogger(log.New(os.Stdout, "[world] ", log.LstdFlags|log.Lmicroseconds))

	ctx, cancel := signalContext()
	defer cancel()

	auditLog := persistlog.NewAuditLogger(worldDir)
	runLog := persistlog.NewRunLogger(worldDir)
	defer auditLog.Close()
	defer runLog.Close()
	if idx != nil {
		w.SetAuditLogger(multiAuditLogger{a: auditLog, b: idx})
		w.SetRunLogger(multiRunLogger{a: runLog, b: idx})
	} else {
		w.SetAuditLogger(auditLog)
		w.SetRunLogger(runLog)
	}

	// Snapshot writer.
	snapCh := make(chan snapshot.SnapshotV1, 2)
	w.SetSnapshotSink(snapCh)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case snap := <-snapCh:
				path := filepath.Join(worldDir, "snapshots", fmt.Sprintf("%d.snap.zst", snap.Header.Tick))
				if err := snapshot.WriteSnapshot(path, snap); err != nil {
					logger.Printf("snapshot write: %v", err)
					continue
				}
				if idx != nil {
					idx.RecordSnapshot(path, snap)
				}
			}
		}
	}()

	go func() {
		if err := w.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("world stopped: %v", err)
		}
	}()

	var options ws.OptionStore = ws.NewMemOptions()
	if idx != nil {
		options = idx
	}
	wsSrv := ws.NewServer(w, options, logger)
	if dir := strings.TrimSpace(*schemaDir); dir != "" {
		v, err := protocol.LoadSchemas(dir)
		if err != nil {
			logger.Fatalf("load schemas: %v", err)
		}
		wsSrv.SetValidator(v)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", metricsHandler(w, idx))

	if envBool("VF_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP()) {
		// Local-only admin endpoints.
		mux.HandleFunc("/admin/v1/state", stateHandler(w))
		mux.HandleFunc("/admin/v1/snapshot", snapshotHandler(w))
	} else {
		logger.Printf("admin endpoints disabled (VF_ENABLE_ADMIN_HTTP=false)")
	}
	if envBool("VF_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	mux.HandleFunc("/v1/ws", wsSrv.Handler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
		if idx != nil {
			_ = idx.Flush(ctx2)
		}
	}()

	logger.Printf("listening on %s world=%s tick=%d", *addr, *worldID, w.CurrentTick())
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

// openWorld builds a fresh world, or resumes one when snapPath is set.
func openWorld(worldID string, seed int64, tune tuning.Tuning, cats *catalogs.Catalogs, snapPath string) (*world.World, error) {
	if snapPath == "" {
		return world.New(world.ConfigFromTuning(worldID, seed, tune), cats)
	}
	snap, err := snapshot.ReadSnapshot(snapPath)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	if snap.Header.WorldID != "" && snap.Header.WorldID != worldID {
		return nil, fmt.Errorf("snapshot world id mismatch: flag=%s snap=%s", worldID, snap.Header.WorldID)
	}
	cfg := world.ConfigFromTuning(worldID, snap.Seed, tune)
	if snap.TickRate > 0 {
		cfg.TickRateHz = snap.TickRate
	}
	// Chunks come from the snapshot; do not generate the preload area twice.
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

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func latestSnapshot(worldDir string) string {
	dir := filepath.Join(worldDir, "snapshots")
	ents, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var best string
	var bestTick uint64
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".snap.zst") {
			continue
		}
		tick, err := strconv.ParseUint(strings.TrimSuffix(name, ".snap.zst"), 10, 64)
		if err != nil {
			continue
		}
		if best == "" || tick > bestTick {
			bestTick = tick
			best = filepath.Join(dir, name)
		}
	}
	return best
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

type multiAuditLogger struct {
	a world.AuditLogger
	b world.AuditLogger
}

func (m multiAuditLogger) WriteAudit(entry world.AuditEntry) error {
	if m.a != nil {
		_ = m.a.WriteAudit(entry)
	}
	if m.b != nil {
		_ = m.b.WriteAudit(entry)
	}
	return nil
}

type multiRunLogger struct {
	a world.RunLogger
	b world.RunLogger
}

func (m multiRunLogger) WriteRun(entry world.RunLogEntry) error {
	if m.a != nil {
		_ = m.a.WriteRun(entry)
	}
	if m.b != nil {
		_ = m.b.WriteRun(entry)
	}
	return nil
}

var _ ws.OptionStore = (*indexdb.SQLiteIndex)(nil)
