package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"voxelfill.ai/internal/persistence/snapshot"
	"voxelfill.ai/internal/sim/catalogs"
	"voxelfill.ai/internal/sim/tuning"
	"voxelfill.ai/internal/sim/world"
)

// SQLiteIndex is a queryable secondary index over the JSONL logs. Writes are
// queued and applied by a single goroutine; when it falls behind, entries are
// dropped and the logs remain the source of truth.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed  atomic.Bool
	dropped atomic.Uint64
}

// FillOptions are the last fill settings an actor used.
type FillOptions struct {
	Block     string `json:"block"`
	Budget    int64  `json:"budget"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

type reqKind int

const (
	reqAudit reqKind = iota + 1
	reqRun
	reqSnapshot
	reqOptions
	reqFlush
)

type req struct {
	kind reqKind

	audit    world.AuditEntry
	run      world.RunLogEntry
	snapshot snapshotRow
	actor    string
	options  FillOptions
	done     chan struct{}
}

type snapshotRow struct {
	Tick         uint64
	Path         string
	Seed         int64
	Height       int
	Chunks       int
	RunsStarted  uint64
	VoxelsFilled uint64
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		// A large fill writes one audit row per voxel.
		ch: make(chan req, 262144),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS catalogs (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			actor TEXT NOT NULL,
			seed_x INTEGER NOT NULL,
			seed_y INTEGER NOT NULL,
			seed_z INTEGER NOT NULL,
			block TEXT NOT NULL,
			budget INTEGER NOT NULL,
			outcome TEXT NOT NULL,
			visited INTEGER NOT NULL,
			frontier_total INTEGER NOT NULL,
			filled INTEGER NOT NULL,
			chunk_misses INTEGER NOT NULL,
			error TEXT,
			queued_tick INTEGER NOT NULL,
			start_tick INTEGER NOT NULL,
			end_tick INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_actor_tick ON runs(actor, end_tick);`,
		`CREATE TABLE IF NOT EXISTS audits (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			tick INTEGER NOT NULL,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			z INTEGER NOT NULL,
			from_block INTEGER NOT NULL,
			to_block INTEGER NOT NULL,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (run_id, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audits_pos_tick ON audits(x, z, y, tick);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			tick INTEGER PRIMARY KEY,
			path TEXT NOT NULL,
			seed INTEGER NOT NULL,
			height INTEGER NOT NULL,
			chunks INTEGER NOT NULL,
			runs_started INTEGER NOT NULL,
			voxels_filled INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS fill_options (
			actor TEXT PRIMARY KEY,
			block TEXT NOT NULL,
			budget INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

type Stats struct {
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
	DropTotal     uint64 `json:"drop_total"`
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:    len(s.ch),
		QueueCapacity: cap(s.ch),
		DropTotal:     s.dropped.Load(),
	}
}

func (s *SQLiteIndex) enqueue(r req) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- r:
	default:
		s.dropped.Add(1)
	}
}

func (s *SQLiteIndex) WriteAudit(entry world.AuditEntry) error {
	s.enqueue(req{kind: reqAudit, audit: entry})
	return nil
}

func (s *SQLiteIndex) WriteRun(entry world.RunLogEntry) error {
	s.enqueue(req{kind: reqRun, run: entry})
	return nil
}

func (s *SQLiteIndex) RecordSnapshot(path string, snap snapshot.SnapshotV1) {
	s.enqueue(req{kind: reqSnapshot, snapshot: snapshotRow{
		Tick:         snap.Header.Tick,
		Path:         path,
		Seed:         snap.Seed,
		Height:       snap.Height,
		Chunks:       len(snap.Chunks),
		RunsStarted:  snap.Counters.RunsStarted,
		VoxelsFilled: snap.Counters.VoxelsFilled,
	}})
}

// SaveOptions records an actor's fill options asynchronously.
func (s *SQLiteIndex) SaveOptions(actor string, o FillOptions) error {
	if actor == "" {
		return errors.New("empty actor")
	}
	if o.UpdatedAt == "" {
		o.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	s.enqueue(req{kind: reqOptions, actor: actor, options: o})
	return nil
}

// LoadOptions reads an actor's saved options. ok is false when none exist.
func (s *SQLiteIndex) LoadOptions(ctx context.Context, actor string) (o FillOptions, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT block, budget, updated_at FROM fill_options WHERE actor = ?`, actor)
	if err := row.Scan(&o.Block, &o.Budget, &o.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return FillOptions{}, false, nil
		}
		return FillOptions{}, false, err
	}
	return o, true, nil
}

// Flush blocks until every entry queued before the call is committed.
func (s *SQLiteIndex) Flush(ctx context.Context) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	done := make(chan struct{})
	select {
	case s.ch <- req{kind: reqFlush, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SQLiteIndex) UpsertCatalogs(configDir string, cats *catalogs.Catalogs, tune tuning.Tuning) error {
	if s == nil {
		return nil
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)

	type kv struct {
		name   string
		digest string
		json   []byte
	}
	var rows []kv
	if configDir != "" {
		if b, err := os.ReadFile(filepath.Join(configDir, "blocks.json")); err == nil {
			rows = append(rows, kv{name: "blocks_defs", digest: cats.Blocks.DefsDigest, json: b})
		}
	}
	if b, _ := json.Marshal(cats.Blocks.Palette); len(b) > 0 {
		rows = append(rows, kv{name: "blocks_palette", digest: cats.Blocks.PaletteDigest, json: b})
	}
	{
		b, _ := json.Marshal(tune)
		sum := sha256.Sum256(b)
		rows = append(rows, kv{name: "tuning", digest: hex.EncodeToString(sum[:]), json: b})
	}

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO catalogs(name,digest,json,updated_at) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range rows {
		if r.name == "" || r.digest == "" || len(r.json) == 0 {
			continue
		}
		if _, err := stmt.Exec(r.name, r.digest, string(r.json), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertAudit, _ := s.db.Prepare(`INSERT OR REPLACE INTO audits(run_id,seq,tick,actor,action,x,y,z,from_block,to_block,raw_json) VALUES(?,?,?,?,?,?,?,?,?,?,?)`)
	insertRun, _ := s.db.Prepare(`INSERT OR REPLACE INTO runs(run_id,actor,seed_x,seed_y,seed_z,block,budget,outcome,visited,frontier_total,filled,chunk_misses,error,queued_tick,start_tick,end_tick) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	insertSnapshot, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshots(tick,path,seed,height,chunks,runs_started,voxels_filled) VALUES(?,?,?,?,?,?,?)`)
	upsertOptions, _ := s.db.Prepare(`INSERT OR REPLACE INTO fill_options(actor,block,budget,updated_at) VALUES(?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertAudit, insertRun, insertSnapshot, upsertOptions} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second

		// audits are numbered per run in arrival order
		auditRun string
		auditSeq int
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) {
		if st == nil || tx == nil {
			return
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return
		}
		opCount++
	}

	for r := range s.ch {
		if r.kind == reqFlush {
			commit()
			close(r.done)
			continue
		}
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqAudit:
			a := r.audit
			if a.RunID != auditRun {
				auditRun = a.RunID
				auditSeq = 0
			}
			seq := auditSeq
			auditSeq++
			raw, _ := json.Marshal(a)
			exec(insertAudit, a.RunID, seq, int64(a.Tick), a.Actor, a.Action,
				a.Pos[0], a.Pos[1], a.Pos[2], int64(a.From), int64(a.To), string(raw))

		case reqRun:
			e := r.run
			var errText any
			if e.Error != "" {
				errText = e.Error
			}
			exec(insertRun, e.RunID, e.Actor, e.Seed[0], e.Seed[1], e.Seed[2], e.Block, e.Budget,
				e.Outcome, e.Visited, e.FrontierTotal, e.Filled, e.ChunkMisses, errText,
				int64(e.QueuedTick), int64(e.StartTick), int64(e.EndTick))

		case reqSnapshot:
			sn := r.snapshot
			exec(insertSnapshot, int64(sn.Tick), sn.Path, sn.Seed, sn.Height, sn.Chunks,
				int64(sn.RunsStarted), int64(sn.VoxelsFilled))

		case reqOptions:
			exec(upsertOptions, r.actor, r.options.Block, r.options.Budget, r.options.UpdatedAt)
		}

		// Commit when idle so readers sharing the single connection are not
		// held behind a long-lived transaction.
		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait || len(s.ch) == 0) {
			commit()
		}
	}

	commit()
}
