package world

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync/atomic"

	"voxelfill.ai/internal/persistence/snapshot"
	"voxelfill.ai/internal/sim/catalogs"
	"voxelfill.ai/internal/sim/fill"
	"voxelfill.ai/internal/sim/tuning"
	"voxelfill.ai/internal/sim/world/terrain/store"
)

var (
	ErrUnknownBlock   = errors.New("unknown block")
	ErrSeedOutOfWorld = errors.New("seed outside world height")
	ErrBusy           = errors.New("fill queue full")
	ErrRunNotFound    = errors.New("fill run not found")
	ErrNotLoaded      = errors.New("chunk not loaded")
)

type WorldConfig struct {
	ID                 string
	TickRateHz         int
	Seed               int64
	SnapshotEveryTicks int
	PreloadChunkRadius int
	MinY, MaxY         int

	StepsPerTick       int
	ProgressEverySteps int
	MaxQueued          int
	DefaultBlock       string
	DefaultBudget      int64
	MaxBudget          int64

	WorldGen tuning.WorldGen
}

// ConfigFromTuning flattens tuning values into a world config.
func ConfigFromTuning(id string, seed int64, tune tuning.Tuning) WorldConfig {
	return WorldConfig{
		ID:                 id,
		TickRateHz:         tune.TickRateHz,
		Seed:               seed,
		SnapshotEveryTicks: tune.SnapshotEveryTicks,
		PreloadChunkRadius: tune.World.PreloadChunkRadius,
		MinY:               tune.World.MinY,
		MaxY:               tune.World.MaxY,
		StepsPerTick:       tune.Fill.StepsPerTick,
		ProgressEverySteps: tune.Fill.ProgressEverySteps,
		MaxQueued:          tune.Fill.MaxQueued,
		DefaultBlock:       tune.Fill.DefaultBlock,
		DefaultBudget:      tune.Fill.DefaultBudget,
		MaxBudget:          tune.Fill.MaxBudget,
		WorldGen:           tune.WorldGen,
	}
}

func (c *WorldConfig) normalize() {
	if c.TickRateHz <= 0 {
		c.TickRateHz = 20
	}
	if c.MinY == 0 && c.MaxY == 0 {
		c.MinY, c.MaxY = fill.MinY, fill.MaxY
	}
	if c.StepsPerTick <= 0 {
		c.StepsPerTick = 1024
	}
	if c.ProgressEverySteps <= 0 {
		c.ProgressEverySteps = 1
	}
	if c.MaxQueued <= 0 {
		c.MaxQueued = 16
	}
	if c.MaxBudget <= 0 || c.MaxBudget > fill.MaxBudget {
		c.MaxBudget = fill.MaxBudget
	}
	if c.DefaultBlock == "" {
		c.DefaultBlock = "minecraft:stone"
	}
}

// World is a single-threaded owner of the chunk store. Fill runs, picks and
// snapshots all execute on the loop goroutine, so a fill has exclusive write
// access to the grid for as long as it runs.
type World struct {
	cfg      WorldConfig
	catalogs *catalogs.Catalogs
	log      *log.Logger

	tick atomic.Uint64

	chunks *store.ChunkStore

	queue  []*fillJob
	active *fillJob
	outbox *eventOutbox

	fills   chan FillRequest
	cancels chan CancelRequest
	picks   chan PickRequest
	admin   chan adminSnapshotReq
	stop    chan struct{}

	counters Counters

	// Optional loggers (may be nil). Implemented in internal/persistence/*.
	auditLogger AuditLogger
	runLogger   RunLogger

	// Optional snapshot sink (may be nil). Snapshot writing should be off-thread.
	snapshotSink chan<- snapshot.SnapshotV1

	metrics atomic.Value
}

type AuditLogger interface {
	WriteAudit(entry AuditEntry) error
}

type RunLogger interface {
	WriteRun(entry RunLogEntry) error
}

type AuditEntry struct {
	Tick   uint64 `json:"tick"`
	Actor  string `json:"actor"`
	Action string `json:"action"` // "SET_BLOCK"
	RunID  string `json:"run_id"`
	Pos    [3]int `json:"pos"`
	From   uint16 `json:"from"`
	To     uint16 `json:"to"`
	// Block names, so logs survive palette changes.
	FromID string `json:"from_id"`
	ToID   string `json:"to_id"`
}

type RunLogEntry struct {
	RunID         string `json:"run_id"`
	Actor         string `json:"actor"`
	Seed          [3]int `json:"seed"`
	Block         string `json:"block"`
	Budget        int    `json:"budget"`
	Outcome       string `json:"outcome"`
	Visited       int    `json:"visited"`
	FrontierTotal int    `json:"frontier_total"`
	Filled        int    `json:"filled"`
	ChunkMisses   int    `json:"chunk_misses"`
	Error         string `json:"error,omitempty"`
	QueuedTick    uint64 `json:"queued_tick"`
	StartTick     uint64 `json:"start_tick"`
	EndTick       uint64 `json:"end_tick"`
}

type Counters struct {
	RunsStarted  uint64
	VoxelsFilled uint64
}

func New(cfg WorldConfig, cats *catalogs.Catalogs) (*World, error) {
	cfg.normalize()
	if cats == nil {
		return nil, fmt.Errorf("world: nil catalogs")
	}
	if _, _, err := cats.Blocks.Resolve(cfg.DefaultBlock); err != nil {
		return nil, fmt.Errorf("world: default block: %w", err)
	}

	gen := store.DefaultWorldGen(cfg.Seed, &cats.Blocks)
	applyWorldGen(&gen, cfg.WorldGen)

	w := &World{
		cfg:      cfg,
		catalogs: cats,
		log:      log.New(io.Discard, "", 0),
		chunks:   store.NewChunkStore(gen, &cats.Blocks),
		outbox:   newEventOutbox(),
		fills:    make(chan FillRequest, 64),
		cancels:  make(chan CancelRequest, 64),
		picks:    make(chan PickRequest, 64),
		admin:    make(chan adminSnapshotReq, 8),
		stop:     make(chan struct{}),
	}
	w.chunks.LoadArea(0, 0, cfg.PreloadChunkRadius)
	w.publishMetrics(0)
	return w, nil
}

func applyWorldGen(gen *store.WorldGen, t tuning.WorldGen) {
	if t == (tuning.WorldGen{}) {
		return
	}
	gen.SurfaceY = t.SurfaceY
	gen.DeepslateY = t.DeepslateY
	gen.CaveMinY = t.CaveMinY
	gen.CaveMaxY = t.CaveMaxY
	gen.CaveCellSize = t.CaveCellSize
	gen.CaveProbPermille = t.CaveProbPermille
	gen.CaveRadius = t.CaveRadius
	gen.OreProbPermille = t.OreProbPermille
}

func (w *World) SetLogger(l *log.Logger) {
	if l != nil {
		w.log = l
	}
}
func (w *World) SetAuditLogger(l AuditLogger)                  { w.auditLogger = l }
func (w *World) SetRunLogger(l RunLogger)                      { w.runLogger = l }
func (w *World) SetSnapshotSink(ch chan<- snapshot.SnapshotV1) { w.snapshotSink = ch }

func (w *World) ID() string          { return w.cfg.ID }
func (w *World) Config() WorldConfig { return w.cfg }
func (w *World) CurrentTick() uint64 { return w.tick.Load() }

func (w *World) Catalogs() *catalogs.Catalogs { return w.catalogs }

// Chunks exposes the store for setup before Run starts. Do not touch it
// from other goroutines while the loop is running.
func (w *World) Chunks() *store.ChunkStore { return w.chunks }
