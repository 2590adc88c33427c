package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	persistlog "voxelfill.ai/internal/persistence/log"
	"voxelfill.ai/internal/persistence/snapshot"
	"voxelfill.ai/internal/sim/fill"
	"voxelfill.ai/internal/sim/world"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "fill":
			fillCmd(os.Args[2:])
			return
		case "rollback":
			rollbackCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "snapshot":
			snapshotCmd(os.Args[2:])
			return
		case "list":
			listCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "", "world id (optional; lists its snapshots)")
	_ = fs.Parse(args)

	if *worldID == "" {
		entries, err := os.ReadDir(filepath.Join(*dataDir, "worlds"))
		if err != nil {
			fmt.Fprintln(os.Stderr, "read:", err)
			os.Exit(1)
		}
		for _, e := range entries {
			if e.IsDir() {
				fmt.Println(e.Name())
			}
		}
		return
	}

	dir := filepath.Join(*dataDir, "worlds", *worldID, "snapshots")
	entries, err := os.ReadDir(dir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".snap.zst") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		fmt.Printf("%-32s %10s  %s\n", e.Name(), humanize.Bytes(uint64(info.Size())), humanize.Time(info.ModTime()))
	}
}

func rollbackCmd(args []string) {
	fs := flag.NewFlagSet("rollback", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "", "world id")
	runID := fs.String("run", "", "fill run id to undo (required)")
	snapPath := fs.String("snapshot", "", "snapshot path to rollback from (optional; defaults to latest)")
	outPath := fs.String("out", "", "output snapshot path (optional)")
	force := fs.Bool("force", false, "restore voxels even if they changed after the run")
	_ = fs.Parse(args)

	if strings.TrimSpace(*worldID) == "" {
		fmt.Fprintln(os.Stderr, "missing -world")
		os.Exit(2)
	}
	if strings.TrimSpace(*runID) == "" {
		fmt.Fprintln(os.Stderr, "missing -run")
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

	snap, err := snapshot.ReadSnapshot(snapshotToLoad)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}

	audits, err := persistlog.ReadAudits(worldDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read audit:", err)
		os.Exit(1)
	}
	recs := runAudits(audits, *runID, snap.Header.Tick)
	if len(recs) == 0 {
		fmt.Println("no matching audit entries; nothing to rollback")
		return
	}

	res := applyRollback(&snap, recs, *force)

	if strings.TrimSpace(*outPath) == "" {
		*outPath = filepath.Join(worldDir, "snapshots", fmt.Sprintf("%d.rollback.snap.zst", snap.Header.Tick))
	}
	if err := snapshot.WriteSnapshot(*outPath, snap); err != nil {
		fmt.Fprintln(os.Stderr, "write snapshot:", err)
		os.Exit(1)
	}

	fmt.Printf("rollback ok: snapshot=%s tick=%d run=%s entries=%d applied=%d skipped=%d conflicts=%d out=%s\n",
		filepath.Base(snapshotToLoad), snap.Header.Tick, *runID, len(recs), res.Applied, res.Skipped, res.Conflicts, *outPath)
}

// runAudits returns the writes of one run up to toTick, newest first.
func runAudits(all []world.AuditEntry, runID string, toTick uint64) []world.AuditEntry {
	out := make([]world.AuditEntry, 0, 256)
	for i := len(all) - 1; i >= 0; i-- {
		e := all[i]
		if e.RunID != runID || e.Action != "SET_BLOCK" || e.Tick > toTick {
			continue
		}
		out = append(out, e)
	}
	return out
}

type rollbackResult struct {
	Applied   int
	Skipped   int
	Conflicts int
}

// applyRollback restores the pre-fill block of every entry. Block ids are
// resolved by name against the snapshot palette so logs written under an
// older palette still apply.
func applyRollback(snap *snapshot.SnapshotV1, recs []world.AuditEntry, force bool) rollbackResult {
	var res rollbackResult
	if snap == nil || len(recs) == 0 {
		return res
	}
	chunks := map[[2]int]*snapshot.ChunkV1{}
	for i := range snap.Chunks {
		ch := &snap.Chunks[i]
		chunks[[2]int{ch.CX, ch.CZ}] = ch
	}
	palette := make(map[string]uint16, len(snap.Palette))
	for i, id := range snap.Palette {
		palette[id] = uint16(i)
	}
	resolve := func(id string, fallback uint16) uint16 {
		if v, ok := palette[id]; ok {
			return v
		}
		return fallback
	}

	for _, e := range recs {
		p := e.Pos
		cx, cz, lx, lz := fill.ChunkOf(fill.Coord{X: p[0], Y: p[1], Z: p[2]})
		y := p[1]
		ch := chunks[[2]int{cx, cz}]
		if ch == nil || y < 0 || y >= ch.Height {
			res.Skipped++
			continue
		}
		i := lx + lz*16 + y*16*16
		if i < 0 || i >= len(ch.Blocks) {
			res.Skipped++
			continue
		}
		if !force && ch.Blocks[i] != resolve(e.ToID, e.To) {
			res.Conflicts++
			continue
		}
		ch.Blocks[i] = resolve(e.FromID, e.From)
		res.Applied++
	}
	return res
}

func parseVec3(s string) ([3]int, error) {
	var v [3]int
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 3 {
		return v, fmt.Errorf("expected x,y,z")
	}
	for i := 0; i < 3; i++ {
		n, err := strconv.Atoi(strings.TrimSpace(parts[i]))
		if err != nil {
			return v, err
		}
		v[i] = n
	}
	return v, nil
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
		base := strings.TrimSuffix(name, ".snap.zst")
		tick, err := strconv.ParseUint(base, 10, 64)
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
