package log

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/zstd"

	"voxelfill.ai/internal/sim/world"
)

func TestJSONLZstdWriter_RotatesHourly(t *testing.T) {
	dir := t.TempDir()
	w := NewJSONLZstdWriter(dir, "runs")
	now := time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC)
	w.now = func() time.Time { return now }

	if err := w.Write(map[string]int{"n": 1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if err := w.Write(map[string]int{"n": 2}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	files, err := Files(dir, "runs")
	if err != nil {
		t.Fatalf("files: %v", err)
	}
	want := []string{
		filepath.Join(dir, "runs-2026-03-01-10.jsonl.zst"),
		filepath.Join(dir, "runs-2026-03-01-11.jsonl.zst"),
	}
	if diff := cmp.Diff(want, files); diff != "" {
		t.Fatalf("files mismatch (-want +got):\n%s", diff)
	}

	var got []int
	for _, p := range files {
		err := ReadJSONL(p, func(line []byte) error {
			var v map[string]int
			if err := json.Unmarshal(line, &v); err != nil {
				return err
			}
			got = append(got, v["n"])
			return nil
		})
		if err != nil {
			t.Fatalf("read %s: %v", p, err)
		}
	}
	if diff := cmp.Diff([]int{1, 2}, got); diff != "" {
		t.Fatalf("lines mismatch (-want +got):\n%s", diff)
	}
}

func TestAuditLogger_ReadBack(t *testing.T) {
	dir := t.TempDir()
	l := NewAuditLogger(dir)
	entries := []world.AuditEntry{
		{Tick: 3, Actor: "a", Action: "SET_BLOCK", RunID: "F_1", Pos: [3]int{1, 64, -2}, From: 0, To: 5, FromID: "minecraft:air", ToID: "minecraft:stone"},
		{Tick: 3, Actor: "a", Action: "SET_BLOCK", RunID: "F_1", Pos: [3]int{2, 64, -2}, From: 1, To: 5, FromID: "minecraft:cave_air", ToID: "minecraft:stone"},
	}
	for _, e := range entries {
		if err := l.WriteAudit(e); err != nil {
			t.Fatalf("write audit: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	got, err := ReadAudits(dir)
	if err != nil {
		t.Fatalf("read audits: %v", err)
	}
	if diff := cmp.Diff(entries, got); diff != "" {
		t.Fatalf("audit mismatch (-want +got):\n%s", diff)
	}
}

func TestRunLogger_Write(t *testing.T) {
	dir := t.TempDir()
	l := NewRunLogger(dir)
	if err := l.WriteRun(world.RunLogEntry{RunID: "F_x", Outcome: "COMPLETED", Filled: 27}); err != nil {
		t.Fatalf("write run: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	files, err := Files(filepath.Join(dir, "runs"), "runs")
	if err != nil || len(files) != 1 {
		t.Fatalf("expected one run log file, got %v err=%v", files, err)
	}
}

func TestReadAudits_OpenFile(t *testing.T) {
	dir := t.TempDir()
	l := NewAuditLogger(dir)
	defer l.Close()
	entries := []world.AuditEntry{
		{Tick: 7, Actor: "a", Action: "SET_BLOCK", RunID: "F_2", Pos: [3]int{0, 64, 0}, To: 5, FromID: "minecraft:air", ToID: "minecraft:stone"},
		{Tick: 8, Actor: "a", Action: "SET_BLOCK", RunID: "F_2", Pos: [3]int{1, 64, 0}, To: 5, FromID: "minecraft:air", ToID: "minecraft:stone"},
	}
	for _, e := range entries {
		if err := l.WriteAudit(e); err != nil {
			t.Fatalf("write audit: %v", err)
		}
	}

	// The frame is still open, as it is while the server runs.
	got, err := ReadAudits(dir)
	if err != nil {
		t.Fatalf("read audits: %v", err)
	}
	if diff := cmp.Diff(entries, got); diff != "" {
		t.Fatalf("audit mismatch (-want +got):\n%s", diff)
	}
}

func TestReadJSONL_PartialLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit-2026-03-01-10.jsonl.zst")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		t.Fatalf("encoder: %v", err)
	}
	_, _ = enc.Write([]byte("{\"n\":1}\n{\"n\":"))
	_ = enc.Close()
	_ = f.Close()

	var lines int
	err = ReadJSONL(path, func([]byte) error { lines++; return nil })
	if !errors.Is(err, ErrTruncated) || lines != 1 {
		t.Fatalf("lines=%d err=%v", lines, err)
	}
}
