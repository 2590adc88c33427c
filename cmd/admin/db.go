package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "", "world id (required unless -db)")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	limit := fs.Int("limit", 20, "result limit")
	actor := fs.String("actor", "", "actor filter (runs, options)")
	runID := fs.String("run", "", "run id filter (audits)")
	_ = fs.Parse(args)

	q := "runs"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		if strings.TrimSpace(*worldID) == "" {
			fmt.Fprintln(os.Stderr, "missing -world or -db")
			os.Exit(2)
		}
		path = filepath.Join(*dataDir, "worlds", *worldID, "index", "world.sqlite")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	if *limit <= 0 {
		*limit = 20
	}
	if err := runQuery(db, q, queryFilter{Limit: *limit, Actor: strings.TrimSpace(*actor), RunID: strings.TrimSpace(*runID)}, printJSON); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if strings.HasPrefix(err.Error(), "unknown query") {
			fmt.Fprintln(os.Stderr, "usage: admin db [-data ./data] [-world WORLD|-db PATH] [-limit N] [-actor A] [-run R] runs|options|snapshots|audits")
			os.Exit(2)
		}
		os.Exit(1)
	}
}

type queryFilter struct {
	Limit int
	Actor string
	RunID string
}

type runRow struct {
	RunID         string `json:"run_id"`
	Actor         string `json:"actor"`
	Seed          [3]int `json:"seed"`
	Block         string `json:"block"`
	Budget        int64  `json:"budget"`
	Outcome       string `json:"outcome"`
	Visited       int64  `json:"visited"`
	FrontierTotal int64  `json:"frontier_total"`
	Filled        int64  `json:"filled"`
	ChunkMisses   int64  `json:"chunk_misses"`
	Error         string `json:"error,omitempty"`
	EndTick       int64  `json:"end_tick"`
}

type optionsRow struct {
	Actor     string `json:"actor"`
	Block     string `json:"block"`
	Budget    int64  `json:"budget"`
	UpdatedAt string `json:"updated_at"`
}

type snapshotRow struct {
	Tick         int64  `json:"tick"`
	Path         string `json:"path"`
	Seed         int64  `json:"seed"`
	Height       int    `json:"height"`
	Chunks       int    `json:"chunks"`
	RunsStarted  int64  `json:"runs_started"`
	VoxelsFilled int64  `json:"voxels_filled"`
}

type auditRow struct {
	RunID string `json:"run_id"`
	Seq   int64  `json:"seq"`
	Tick  int64  `json:"tick"`
	Actor string `json:"actor"`
	Pos   [3]int `json:"pos"`
	From  int    `json:"from"`
	To    int    `json:"to"`
}

// runQuery streams rows of the named query to emit.
func runQuery(db *sql.DB, q string, f queryFilter, emit func(any)) error {
	var (
		rows *sql.Rows
		err  error
	)
	switch q {
	case "runs":
		if f.Actor != "" {
			rows, err = db.Query(`SELECT run_id,actor,seed_x,seed_y,seed_z,block,budget,outcome,visited,frontier_total,filled,chunk_misses,COALESCE(error,''),end_tick FROM runs WHERE actor=? ORDER BY end_tick DESC LIMIT ?`, f.Actor, f.Limit)
		} else {
			rows, err = db.Query(`SELECT run_id,actor,seed_x,seed_y,seed_z,block,budget,outcome,visited,frontier_total,filled,chunk_misses,COALESCE(error,''),end_tick FROM runs ORDER BY end_tick DESC LIMIT ?`, f.Limit)
		}
		if err != nil {
			return fmt.Errorf("query: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r runRow
			if err := rows.Scan(&r.RunID, &r.Actor, &r.Seed[0], &r.Seed[1], &r.Seed[2], &r.Block, &r.Budget, &r.Outcome,
				&r.Visited, &r.FrontierTotal, &r.Filled, &r.ChunkMisses, &r.Error, &r.EndTick); err != nil {
				return fmt.Errorf("scan: %w", err)
			}
			emit(r)
		}

	case "options":
		if f.Actor != "" {
			rows, err = db.Query(`SELECT actor,block,budget,updated_at FROM fill_options WHERE actor=?`, f.Actor)
		} else {
			rows, err = db.Query(`SELECT actor,block,budget,updated_at FROM fill_options ORDER BY updated_at DESC LIMIT ?`, f.Limit)
		}
		if err != nil {
			return fmt.Errorf("query: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r optionsRow
			if err := rows.Scan(&r.Actor, &r.Block, &r.Budget, &r.UpdatedAt); err != nil {
				return fmt.Errorf("scan: %w", err)
			}
			emit(r)
		}

	case "snapshots":
		rows, err = db.Query(`SELECT tick,path,seed,height,chunks,runs_started,voxels_filled FROM snapshots ORDER BY tick DESC LIMIT ?`, f.Limit)
		if err != nil {
			return fmt.Errorf("query: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r snapshotRow
			if err := rows.Scan(&r.Tick, &r.Path, &r.Seed, &r.Height, &r.Chunks, &r.RunsStarted, &r.VoxelsFilled); err != nil {
				return fmt.Errorf("scan: %w", err)
			}
			emit(r)
		}

	case "audits":
		if f.RunID == "" {
			return fmt.Errorf("audits: missing -run")
		}
		rows, err = db.Query(`SELECT run_id,seq,tick,actor,x,y,z,from_block,to_block FROM audits WHERE run_id=? ORDER BY seq LIMIT ?`, f.RunID, f.Limit)
		if err != nil {
			return fmt.Errorf("query: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r auditRow
			if err := rows.Scan(&r.RunID, &r.Seq, &r.Tick, &r.Actor, &r.Pos[0], &r.Pos[1], &r.Pos[2], &r.From, &r.To); err != nil {
				return fmt.Errorf("scan: %w", err)
			}
			emit(r)
		}

	default:
		return fmt.Errorf("unknown query: %s", q)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows: %w", err)
	}
	return nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
