package world

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"voxelfill.ai/internal/persistence/snapshot"
	"voxelfill.ai/internal/sim/catalogs"
	"voxelfill.ai/internal/sim/fill"
	"voxelfill.ai/internal/sim/world/terrain/store"
)

type recordingLogger struct {
	mu     sync.Mutex
	audits []AuditEntry
	runs   []RunLogEntry
}

func (l *recordingLogger) WriteAudit(e AuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.audits = append(l.audits, e)
	return nil
}

func (l *recordingLogger) WriteRun(e RunLogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.runs = append(l.runs, e)
	return nil
}

func testCatalogs(t *testing.T) *catalogs.Catalogs {
	t.Helper()
	cats, err := catalogs.Load("../../../configs")
	if err != nil {
		t.Fatalf("load catalogs: %v", err)
	}
	return cats
}

// newCavityWorld returns a world whose only loaded chunk (0,0) is solid stone
// except for a 3x3x3 air pocket at x,z in [0,3) and y in [64,67).
func newCavityWorld(t *testing.T, mut func(*WorldConfig)) *World {
	t.Helper()
	cfg := WorldConfig{
		ID:                 "test",
		Seed:               1,
		PreloadChunkRadius: 0,
		StepsPerTick:       1000,
		ProgressEverySteps: 1,
		MaxQueued:          4,
	}
	if mut != nil {
		mut(&cfg)
	}
	w, err := New(cfg, testCatalogs(t))
	if err != nil {
		t.Fatalf("new world: %v", err)
	}
	ch := w.Chunks().Chunks[store.ChunkKey{}]
	if ch == nil {
		t.Fatalf("chunk 0,0 not preloaded")
	}
	stone := w.Catalogs().Blocks.Index["minecraft:stone"]
	for i := range ch.Blocks {
		ch.Blocks[i] = stone
	}
	for x := 0; x < 3; x++ {
		for y := 64; y < 67; y++ {
			for z := 0; z < 3; z++ {
				ch.Set(x, y, z, 0)
			}
		}
	}
	w.Chunks().ClearDirty(w.Chunks().LoadedChunkKeys())
	return w
}

func budget(n int64) *int64 { return &n }

func drain(t *testing.T, w *World, maxTicks int) {
	t.Helper()
	for i := 0; i < maxTicks && !w.Idle(); i++ {
		w.StepOnce()
	}
	if !w.Idle() {
		t.Fatalf("fills still running after %d ticks", maxTicks)
	}
}

func lastEvent(t *testing.T, ch chan FillEvent) (FillEvent, []FillEvent) {
	t.Helper()
	var all []FillEvent
	for {
		select {
		case ev := <-ch:
			all = append(all, ev)
		default:
			if len(all) == 0 {
				t.Fatalf("no events")
			}
			return all[len(all)-1], all
		}
	}
}

func TestWorld_FillCavity(t *testing.T) {
	w := newCavityWorld(t, nil)
	rec := &recordingLogger{}
	w.SetAuditLogger(rec)
	w.SetRunLogger(rec)

	events := make(chan FillEvent, 64)
	acc := w.Enqueue(FillRequest{
		Actor:     "alice",
		Selection: fill.PointBox(fill.Coord{X: 1, Y: 65, Z: 1}),
		Block:     "minecraft:glass",
		Events:    events,
	})
	if acc.Err != nil {
		t.Fatalf("enqueue: %v", acc.Err)
	}
	if acc.QueuePos != 0 || acc.Block != "minecraft:glass" || acc.Budget != 0 {
		t.Fatalf("unexpected accept: %+v", acc)
	}
	drain(t, w, 10)

	final, all := lastEvent(t, events)
	if final.Kind != FillResult || final.RunID != acc.RunID {
		t.Fatalf("unexpected final event: %+v", final)
	}
	if final.Err != nil || final.Result.Outcome != fill.Completed || final.Result.Filled != 27 {
		t.Fatalf("unexpected result: %+v err=%v", final.Result, final.Err)
	}
	if len(all) != 29 {
		t.Fatalf("expected queued, 27 progress events and a result, got %d", len(all))
	}
	if q := all[0]; q.Kind != FillQueued || q.RunID != acc.RunID || q.Accepted != acc {
		t.Fatalf("first event should be the accept: %+v", q)
	}
	for _, ev := range all[1:28] {
		if ev.Kind != FillProgress || ev.Fraction <= 0 || ev.Fraction > 1 {
			t.Fatalf("bad progress event: %+v", ev)
		}
	}

	glass := w.Catalogs().Blocks.Index["minecraft:glass"]
	for _, p := range [][3]int{{0, 64, 0}, {2, 66, 2}, {1, 65, 1}} {
		if b, _ := w.Chunks().GetBlock(p[0], p[1], p[2]); b != glass {
			t.Fatalf("%v not filled", p)
		}
	}
	if len(w.Chunks().DirtyChunkKeys()) != 1 {
		t.Fatalf("filled chunk not dirty")
	}

	if len(rec.audits) != 27 {
		t.Fatalf("expected 27 audit entries, got %d", len(rec.audits))
	}
	a := rec.audits[0]
	if a.Action != "SET_BLOCK" || a.RunID != acc.RunID || a.Actor != "alice" || a.To != glass || a.FromID != "minecraft:air" {
		t.Fatalf("unexpected audit: %+v", a)
	}
	if len(rec.runs) != 1 || rec.runs[0].Outcome != "COMPLETED" || rec.runs[0].Filled != 27 {
		t.Fatalf("unexpected run log: %+v", rec.runs)
	}
	if m := w.Metrics(); m.Filled != 27 || m.RunsStarted != 1 {
		t.Fatalf("unexpected metrics: %+v", m)
	}
}

func TestWorld_StepsPerTickBoundsWork(t *testing.T) {
	w := newCavityWorld(t, func(c *WorldConfig) { c.StepsPerTick = 5 })
	acc := w.Enqueue(FillRequest{Selection: fill.PointBox(fill.Coord{X: 0, Y: 64, Z: 0})})
	if acc.Err != nil {
		t.Fatalf("enqueue: %v", acc.Err)
	}
	w.StepOnce()
	if m := w.Metrics(); m.Filled != 5 || m.ActiveRun != acc.RunID {
		t.Fatalf("after one tick: %+v", m)
	}
	w.StepOnce()
	if m := w.Metrics(); m.Filled != 10 {
		t.Fatalf("after two ticks: %+v", m)
	}
	drain(t, w, 10)
	if m := w.Metrics(); m.Filled != 27 || m.ActiveRun != "" {
		t.Fatalf("after drain: %+v", m)
	}
}

func TestWorld_Budget(t *testing.T) {
	w := newCavityWorld(t, nil)
	events := make(chan FillEvent, 64)
	acc := w.Enqueue(FillRequest{
		Selection: fill.PointBox(fill.Coord{X: 0, Y: 64, Z: 0}),
		Budget:    budget(10),
		Events:    events,
	})
	if acc.Err != nil || acc.Budget != 10 {
		t.Fatalf("enqueue: %+v", acc)
	}
	drain(t, w, 5)
	final, _ := lastEvent(t, events)
	if final.Result.Outcome != fill.BudgetExhausted || final.Result.Visited != 10 {
		t.Fatalf("unexpected result: %+v", final.Result)
	}
}

func TestWorld_RejectsBadRequests(t *testing.T) {
	w := newCavityWorld(t, func(c *WorldConfig) { c.MaxQueued = 1 })

	acc := w.Enqueue(FillRequest{Selection: fill.Box{Min: [3]int{0, 64, 0}, Max: [3]int{2, 65, 1}}})
	if !errors.Is(acc.Err, fill.ErrInvalidSelectionShape) {
		t.Fatalf("expected invalid selection, got %v", acc.Err)
	}
	acc = w.Enqueue(FillRequest{Selection: fill.PointBox(fill.Coord{X: 0, Y: 300, Z: 0})})
	if !errors.Is(acc.Err, ErrSeedOutOfWorld) {
		t.Fatalf("expected out of world, got %v", acc.Err)
	}
	acc = w.Enqueue(FillRequest{Selection: fill.PointBox(fill.Coord{X: 0, Y: 64, Z: 0}), Block: "mod:unobtainium"})
	if !errors.Is(acc.Err, ErrUnknownBlock) {
		t.Fatalf("expected unknown block, got %v", acc.Err)
	}

	if acc = w.Enqueue(FillRequest{Selection: fill.PointBox(fill.Coord{X: 0, Y: 64, Z: 0})}); acc.Err != nil {
		t.Fatalf("first fill: %v", acc.Err)
	}
	acc = w.Enqueue(FillRequest{Selection: fill.PointBox(fill.Coord{X: 0, Y: 64, Z: 0})})
	if !errors.Is(acc.Err, ErrBusy) {
		t.Fatalf("expected busy, got %v", acc.Err)
	}
}

func TestWorld_BudgetClampedToMax(t *testing.T) {
	w := newCavityWorld(t, func(c *WorldConfig) { c.MaxBudget = 100 })
	acc := w.Enqueue(FillRequest{Selection: fill.PointBox(fill.Coord{X: 0, Y: 64, Z: 0}), Budget: budget(1 << 40)})
	if acc.Err != nil || acc.Budget != 100 {
		t.Fatalf("unexpected accept: %+v", acc)
	}
	acc = w.Enqueue(FillRequest{Selection: fill.PointBox(fill.Coord{X: 0, Y: 64, Z: 0}), Budget: budget(-5)})
	if acc.Err != nil || acc.Budget != 0 {
		t.Fatalf("negative budget should clamp to unlimited: %+v", acc)
	}
}

func TestWorld_Cancel(t *testing.T) {
	w := newCavityWorld(t, func(c *WorldConfig) { c.StepsPerTick = 3 })
	rec := &recordingLogger{}
	w.SetRunLogger(rec)

	first := make(chan FillEvent, 64)
	second := make(chan FillEvent, 64)
	a := w.Enqueue(FillRequest{Actor: "a", Selection: fill.PointBox(fill.Coord{X: 0, Y: 64, Z: 0}), Events: first})
	b := w.Enqueue(FillRequest{Actor: "b", Selection: fill.PointBox(fill.Coord{X: 2, Y: 66, Z: 2}), Events: second})
	if a.Err != nil || b.Err != nil || b.QueuePos != 1 {
		t.Fatalf("enqueue: %+v %+v", a, b)
	}
	w.StepOnce()

	if err := w.cancelFill(b.RunID, "a"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("foreign actor cancel should fail, got %v", err)
	}
	if err := w.cancelFill(b.RunID, "b"); err != nil {
		t.Fatalf("cancel queued: %v", err)
	}
	final, _ := lastEvent(t, second)
	if final.Kind != FillResult || final.Result.Outcome != fill.Cancelled || final.Result.Visited != 0 {
		t.Fatalf("queued cancel result: %+v", final)
	}

	if err := w.cancelFill(a.RunID, ""); err != nil {
		t.Fatalf("cancel active: %v", err)
	}
	w.StepOnce()
	final, _ = lastEvent(t, first)
	if final.Result.Outcome != fill.Cancelled || final.Result.Filled != 3 {
		t.Fatalf("active cancel result: %+v", final.Result)
	}
	if !w.Idle() {
		t.Fatalf("world should be idle")
	}
	if err := w.cancelFill(a.RunID, ""); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("finished run cancel: %v", err)
	}
	if len(rec.runs) != 2 {
		t.Fatalf("expected 2 run logs, got %d", len(rec.runs))
	}
}

func TestWorld_SnapshotClearsDirtyAndRestores(t *testing.T) {
	w := newCavityWorld(t, func(c *WorldConfig) { c.SnapshotEveryTicks = 1 })
	sink := make(chan snapshot.SnapshotV1, 1)
	w.SetSnapshotSink(sink)

	w.Enqueue(FillRequest{Selection: fill.PointBox(fill.Coord{X: 0, Y: 64, Z: 0}), Block: "minecraft:glass"})
	w.StepOnce() // tick 0: no snapshot
	if len(w.Chunks().DirtyChunkKeys()) != 1 {
		t.Fatalf("expected dirty chunk after fill")
	}
	w.StepOnce() // tick 1: snapshot
	var snap snapshot.SnapshotV1
	select {
	case snap = <-sink:
	default:
		t.Fatalf("no snapshot emitted")
	}
	if len(w.Chunks().DirtyChunkKeys()) != 0 {
		t.Fatalf("dirty flags not cleared after snapshot")
	}
	if snap.Header.Tick != 1 || len(snap.Chunks) != 1 || snap.Counters.VoxelsFilled != 27 {
		t.Fatalf("unexpected snapshot: tick=%d chunks=%d counters=%+v", snap.Header.Tick, len(snap.Chunks), snap.Counters)
	}

	w.StepOnce() // nothing dirty, nothing emitted
	select {
	case <-sink:
		t.Fatalf("clean world should not snapshot")
	default:
	}

	restored, err := New(WorldConfig{ID: "test", PreloadChunkRadius: 0}, testCatalogs(t))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := restored.ImportSnapshot(snap); err != nil {
		t.Fatalf("import: %v", err)
	}
	if restored.CurrentTick() != 2 {
		t.Fatalf("unexpected tick after import: %d", restored.CurrentTick())
	}
	got := restored.Chunks().Chunks[store.ChunkKey{}]
	want := w.Chunks().Chunks[store.ChunkKey{}]
	if got == nil || got.Digest() != want.Digest() {
		t.Fatalf("restored chunk differs")
	}
}

func TestWorld_RunLoop(t *testing.T) {
	w := newCavityWorld(t, func(c *WorldConfig) { c.TickRateHz = 200 })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	reqCtx, reqCancel := context.WithTimeout(ctx, 5*time.Second)
	defer reqCancel()

	events := make(chan FillEvent, 8)
	acc, err := w.SubmitFill(reqCtx, FillRequest{
		Actor:     "bob",
		Selection: fill.PointBox(fill.Coord{X: 1, Y: 64, Z: 1}),
		Block:     "minecraft:glass",
		Events:    events,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	var final FillEvent
	for final.Kind != FillResult {
		select {
		case ev := <-events:
			if ev.RunID != acc.RunID {
				t.Fatalf("event for wrong run: %+v", ev)
			}
			final = ev
		case <-reqCtx.Done():
			t.Fatalf("timed out waiting for result")
		}
	}
	if final.Result.Filled != 27 {
		t.Fatalf("unexpected result: %+v", final.Result)
	}

	pick, err := w.Pick(reqCtx, fill.Coord{X: 2, Y: 66, Z: 2})
	if err != nil || pick.Block != "minecraft:glass" || pick.Empty {
		t.Fatalf("unexpected pick: %+v err=%v", pick, err)
	}
	if _, err := w.Pick(reqCtx, fill.Coord{X: 100, Y: 64, Z: 0}); !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("expected not loaded, got %v", err)
	}
	for _, y := range []int{-1, 256} {
		if _, err := w.Pick(reqCtx, fill.Coord{X: 1, Y: y, Z: 1}); !errors.Is(err, ErrSeedOutOfWorld) {
			t.Fatalf("pick y=%d: expected out of world, got %v", y, err)
		}
	}
	if err := w.CancelFill(reqCtx, acc.RunID, "bob"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected finished run to be gone, got %v", err)
	}
	if _, err := w.RequestSnapshot(reqCtx); err == nil {
		t.Fatalf("expected error without snapshot sink")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("run loop did not stop")
	}
}

func TestWorld_CancelSession(t *testing.T) {
	w := newCavityWorld(t, func(c *WorldConfig) { c.StepsPerTick = 2 })
	seed := fill.PointBox(fill.Coord{X: 0, Y: 64, Z: 0})
	w.Enqueue(FillRequest{Actor: "a", Session: "s1", Selection: seed})
	w.Enqueue(FillRequest{Actor: "a", Session: "s2", Selection: seed})
	w.Enqueue(FillRequest{Actor: "a", Session: "s1", Selection: seed})
	w.StepOnce()

	if n := w.cancelSession("s1"); n != 2 {
		t.Fatalf("expected 2 cancelled, got %d", n)
	}
	if len(w.queue) != 1 || w.queue[0].session != "s2" {
		t.Fatalf("unexpected queue after cancel: %d jobs", len(w.queue))
	}
	drain(t, w, 50)
	// s1's active run stopped after 2 writes; s2 filled the remaining 25.
	if m := w.Metrics(); m.Filled != 27 {
		t.Fatalf("unexpected filled total: %d", m.Filled)
	}
}

func TestWorld_SharedChannelKeepsEveryResult(t *testing.T) {
	w := newCavityWorld(t, nil)
	events := make(chan FillEvent, 2)
	var want []string
	for i, p := range []fill.Coord{{X: 0, Y: 64, Z: 0}, {X: 1, Y: 65, Z: 1}, {X: 2, Y: 66, Z: 2}} {
		acc := w.Enqueue(FillRequest{Session: "s1", RequestID: fmt.Sprintf("R%d", i), Selection: fill.PointBox(p), Events: events})
		if acc.Err != nil {
			t.Fatalf("enqueue %d: %v", i, acc.Err)
		}
		want = append(want, "queued "+acc.RunID)
	}
	for _, q := range want {
		want = append(want, "result "+strings.TrimPrefix(q, "queued "))
	}
	drain(t, w, 10)
	if w.PendingEvents() == 0 {
		t.Fatalf("stalled channel should leave events pending")
	}

	// Nobody reads until the world is idle; every tick then retries.
	var got []string
	for i := 0; i < 20 && len(got) < len(want); i++ {
		for more := true; more; {
			select {
			case ev := <-events:
				switch ev.Kind {
				case FillQueued:
					got = append(got, "queued "+ev.RunID)
				case FillResult:
					got = append(got, "result "+ev.RunID)
				}
			default:
				more = false
			}
		}
		w.StepOnce()
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("event order (-want +got):\n%s", diff)
	}
	if n := w.PendingEvents(); n != 0 {
		t.Fatalf("pending after drain: %d", n)
	}
}

func TestWorld_ClosedConsumerDropsPending(t *testing.T) {
	w := newCavityWorld(t, nil)
	events := make(chan FillEvent, 1)
	gone := make(chan struct{})
	for _, p := range []fill.Coord{{X: 0, Y: 64, Z: 0}, {X: 1, Y: 65, Z: 1}} {
		if acc := w.Enqueue(FillRequest{Selection: fill.PointBox(p), Events: events, Done: gone}); acc.Err != nil {
			t.Fatalf("enqueue: %v", acc.Err)
		}
	}
	drain(t, w, 10)
	if w.PendingEvents() == 0 {
		t.Fatalf("expected pending events")
	}
	close(gone)
	w.StepOnce()
	if n := w.PendingEvents(); n != 0 {
		t.Fatalf("events for a closed consumer should be dropped, %d left", n)
	}
}
