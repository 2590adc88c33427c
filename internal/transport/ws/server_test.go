package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"voxelfill.ai/internal/protocol"
	"voxelfill.ai/internal/sim/catalogs"
	"voxelfill.ai/internal/sim/fill"
	"voxelfill.ai/internal/sim/world"
	"voxelfill.ai/internal/sim/world/terrain/store"
)

func startWorld(t *testing.T) *world.World {
	t.Helper()
	w := newTestWorld(t, nil)
	runWorld(t, w)
	return w
}

// newTestWorld returns a world whose chunk 0,0 is stone around a 3x3x3 air
// pocket at x,z in [0,3) and y in [64,67).
func newTestWorld(t *testing.T, mut func(*world.WorldConfig)) *world.World {
	t.Helper()
	cats, err := catalogs.Load(filepath.Join("..", "..", "..", "configs"))
	if err != nil {
		t.Fatalf("catalogs: %v", err)
	}
	cfg := world.WorldConfig{
		ID:                 "test",
		TickRateHz:         200,
		Seed:               1,
		StepsPerTick:       4,
		ProgressEverySteps: 1,
	}
	if mut != nil {
		mut(&cfg)
	}
	w, err := world.New(cfg, cats)
	if err != nil {
		t.Fatalf("world: %v", err)
	}
	ch := w.Chunks().Chunks[store.ChunkKey{}]
	stone := cats.Blocks.Index["minecraft:stone"]
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
	return w
}

func runWorld(t *testing.T, w *world.World) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = w.Run(ctx) }()
	t.Cleanup(cancel)
}

// slowWorld writes one voxel per tick so a cavity fill lasts over a second.
func slowWorld(c *world.WorldConfig) {
	c.TickRateHz = 20
	c.StepsPerTick = 1
}

type runRecorder struct {
	mu   sync.Mutex
	runs []world.RunLogEntry
}

func (r *runRecorder) WriteRun(e world.RunLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, e)
	return nil
}

func (r *runRecorder) snapshot() []world.RunLogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]world.RunLogEntry(nil), r.runs...)
}

type client struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, srv *Server, name string) (*client, protocol.WelcomeMsg) {
	t.Helper()
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)

	url := "ws" + strings.TrimPrefix(hs.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	c := &client{t: t, conn: conn}
	c.send(protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version, ClientName: name})

	var welcome protocol.WelcomeMsg
	raw := c.next(protocol.TypeWelcome)
	if err := json.Unmarshal(raw, &welcome); err != nil {
		t.Fatalf("welcome: %v", err)
	}
	return c, welcome
}

func (c *client) send(v any) {
	c.t.Helper()
	if err := c.conn.WriteJSON(v); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

// next returns the next message of type typ, skipping others.
func (c *client) next(typ string) []byte {
	c.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		_ = c.conn.SetReadDeadline(deadline)
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			c.t.Fatalf("read waiting for %s: %v", typ, err)
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			c.t.Fatalf("decode: %v", err)
		}
		if base.Type == typ {
			return msg
		}
	}
}

func TestServer_FillFlow(t *testing.T) {
	w := startWorld(t)
	srv := NewServer(w, nil, nil)
	v, err := protocol.LoadSchemas(filepath.Join("..", "..", "..", "schemas"))
	if err != nil {
		t.Fatalf("schemas: %v", err)
	}
	srv.SetValidator(v)

	c, welcome := dial(t, srv, "tester")
	if !strings.HasPrefix(welcome.SessionID, "S_") || welcome.Defaults.Block != "minecraft:stone" {
		t.Fatalf("unexpected welcome: %+v", welcome)
	}

	c.send(protocol.FillMsg{
		Type:            protocol.TypeFill,
		ProtocolVersion: protocol.Version,
		ID:              "R1",
		Selection:       protocol.Selection{Min: [3]int{1, 65, 1}, Max: [3]int{2, 66, 2}},
		Block:           "minecraft:glass",
	})
	var acc protocol.FillAcceptedMsg
	if err := json.Unmarshal(c.next(protocol.TypeFillAccepted), &acc); err != nil {
		t.Fatalf("accepted: %v", err)
	}
	if acc.ID != "R1" || !strings.HasPrefix(acc.RunID, "F_") || acc.Block != "minecraft:glass" {
		t.Fatalf("unexpected accept: %+v", acc)
	}

	var res protocol.FillResultMsg
	if err := json.Unmarshal(c.next(protocol.TypeFillResult), &res); err != nil {
		t.Fatalf("result: %v", err)
	}
	if res.RunID != acc.RunID || res.Outcome != "COMPLETED" || res.Filled != 27 || res.Visited != 163 || res.ChunkMisses != 18 {
		t.Fatalf("unexpected result: %+v", res)
	}

	c.send(protocol.PickMsg{Type: protocol.TypePick, ProtocolVersion: protocol.Version, ID: "P1", Pos: [3]int{0, 64, 0}})
	var pick protocol.PickResultMsg
	if err := json.Unmarshal(c.next(protocol.TypePickResult), &pick); err != nil {
		t.Fatalf("pick: %v", err)
	}
	if pick.Block != "minecraft:glass" || pick.Empty {
		t.Fatalf("unexpected pick: %+v", pick)
	}

	// Options persist: a FILL without block reuses glass.
	c.send(protocol.FillMsg{
		Type:            protocol.TypeFill,
		ProtocolVersion: protocol.Version,
		ID:              "R2",
		Selection:       protocol.Selection{Min: [3]int{5, 100, 5}, Max: [3]int{6, 101, 6}},
	})
	if err := json.Unmarshal(c.next(protocol.TypeFillAccepted), &acc); err != nil {
		t.Fatalf("accepted: %v", err)
	}
	if acc.Block != "minecraft:glass" {
		t.Fatalf("saved options not applied: %+v", acc)
	}
}

func TestServer_Errors(t *testing.T) {
	w := startWorld(t)
	srv := NewServer(w, NewMemOptions(), nil)
	c, _ := dial(t, srv, "tester")

	readErr := func() protocol.ErrorMsg {
		t.Helper()
		var e protocol.ErrorMsg
		if err := json.Unmarshal(c.next(protocol.TypeError), &e); err != nil {
			t.Fatalf("error msg: %v", err)
		}
		return e
	}

	c.send(protocol.FillMsg{
		Type:            protocol.TypeFill,
		ProtocolVersion: protocol.Version,
		ID:              "R1",
		Selection:       protocol.Selection{Min: [3]int{0, 64, 0}, Max: [3]int{2, 65, 1}},
	})
	if e := readErr(); e.ID != "R1" || e.Code != protocol.ErrInvalidSelection || e.Message != protocol.NoticeInvalidSelection {
		t.Fatalf("unexpected error: %+v", e)
	}

	c.send(protocol.FillMsg{
		Type:            protocol.TypeFill,
		ProtocolVersion: protocol.Version,
		ID:              "R2",
		Selection:       protocol.Selection{Min: [3]int{0, 64, 0}, Max: [3]int{1, 65, 1}},
		Block:           "mod:unobtainium",
	})
	if e := readErr(); e.Code != protocol.ErrUnknownBlock {
		t.Fatalf("unexpected error: %+v", e)
	}

	c.send(protocol.CancelMsg{Type: protocol.TypeCancel, ProtocolVersion: protocol.Version, ID: "C1", RunID: "F_missing"})
	if e := readErr(); e.ID != "C1" || e.Code != protocol.ErrNotFound {
		t.Fatalf("unexpected error: %+v", e)
	}

	c.send(protocol.PickMsg{Type: protocol.TypePick, ProtocolVersion: protocol.Version, ID: "P1", Pos: [3]int{500, 64, 0}})
	if e := readErr(); e.Code != protocol.ErrNotLoaded {
		t.Fatalf("unexpected error: %+v", e)
	}

	c.send(protocol.PickMsg{Type: protocol.TypePick, ProtocolVersion: protocol.Version, ID: "P2", Pos: [3]int{0, 300, 0}})
	if e := readErr(); e.ID != "P2" || e.Code != protocol.ErrOutOfWorld {
		t.Fatalf("unexpected error: %+v", e)
	}

	c.send(map[string]any{"type": "DANCE", "protocol_version": protocol.Version, "id": "X"})
	if e := readErr(); e.ID != "X" || e.Code != protocol.ErrBadRequest {
		t.Fatalf("unexpected error: %+v", e)
	}
}

func TestServer_RejectsBadHello(t *testing.T) {
	w := startWorld(t)
	hs := httptest.NewServer(NewServer(w, nil, nil).Handler())
	defer hs.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(hs.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := conn.WriteJSON(protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: "0.1", ClientName: "old"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy violation close, got %v", err)
	}
}

func fillMsg(id string, pos [3]int, budget *int64) protocol.FillMsg {
	return protocol.FillMsg{
		Type:            protocol.TypeFill,
		ProtocolVersion: protocol.Version,
		ID:              id,
		Selection:       protocol.Selection{Min: pos, Max: [3]int{pos[0] + 1, pos[1] + 1, pos[2] + 1}},
		Budget:          budget,
	}
}

// readAny returns the next message and its type.
func (c *client) readAny() (string, []byte) {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		c.t.Fatalf("decode: %v", err)
	}
	return base.Type, msg
}

func TestServer_AcceptedPrecedesRunEvents(t *testing.T) {
	w := newTestWorld(t, func(c *world.WorldConfig) { c.TickRateHz = 20000 })
	runWorld(t, w)
	c, _ := dial(t, newServer(t, w), "tester")

	// A stone seed finishes on the first tick, racing the accept.
	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("R%d", i)
		c.send(fillMsg(id, [3]int{8, 10, 8}, nil))
		typ, raw := c.readAny()
		if typ != protocol.TypeFillAccepted {
			t.Fatalf("fill %d: first message %s, want %s", i, typ, protocol.TypeFillAccepted)
		}
		var acc protocol.FillAcceptedMsg
		if err := json.Unmarshal(raw, &acc); err != nil || acc.ID != id {
			t.Fatalf("fill %d: accept %+v err=%v", i, acc, err)
		}
		for {
			typ, raw = c.readAny()
			if typ == protocol.TypeProgress {
				continue
			}
			if typ != protocol.TypeFillResult {
				t.Fatalf("fill %d: unexpected %s", i, typ)
			}
			var res protocol.FillResultMsg
			if err := json.Unmarshal(raw, &res); err != nil || res.RunID != acc.RunID {
				t.Fatalf("fill %d: result %+v err=%v", i, res, err)
			}
			break
		}
	}
}

func TestServer_CancelRunningFill(t *testing.T) {
	w := newTestWorld(t, slowWorld)
	runWorld(t, w)
	c, _ := dial(t, newServer(t, w), "tester")

	c.send(fillMsg("R1", [3]int{1, 65, 1}, nil))
	var acc protocol.FillAcceptedMsg
	if err := json.Unmarshal(c.next(protocol.TypeFillAccepted), &acc); err != nil {
		t.Fatalf("accepted: %v", err)
	}
	c.send(protocol.CancelMsg{Type: protocol.TypeCancel, ProtocolVersion: protocol.Version, ID: "C1", RunID: acc.RunID})

	var res protocol.FillResultMsg
	if err := json.Unmarshal(c.next(protocol.TypeFillResult), &res); err != nil {
		t.Fatalf("result: %v", err)
	}
	if res.RunID != acc.RunID || res.Outcome != "CANCELLED" || res.Filled >= 27 || res.Notice != "" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestServer_DisconnectCancelsSessionRuns(t *testing.T) {
	w := newTestWorld(t, slowWorld)
	rec := &runRecorder{}
	w.SetRunLogger(rec)
	runWorld(t, w)
	c, _ := dial(t, newServer(t, w), "leaver")

	c.send(fillMsg("R1", [3]int{1, 65, 1}, nil))
	c.next(protocol.TypeFillAccepted)
	_ = c.conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for len(rec.snapshot()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("run not finished after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
	runs := rec.snapshot()
	if len(runs) != 1 || runs[0].Outcome != "CANCELLED" || runs[0].Actor != "leaver" || runs[0].Filled >= 27 {
		t.Fatalf("unexpected run log: %+v", runs)
	}
}

func TestServer_BudgetExhausted(t *testing.T) {
	w := startWorld(t)
	c, _ := dial(t, newServer(t, w), "tester")

	b := int64(10)
	c.send(fillMsg("R1", [3]int{1, 65, 1}, &b))
	var acc protocol.FillAcceptedMsg
	if err := json.Unmarshal(c.next(protocol.TypeFillAccepted), &acc); err != nil {
		t.Fatalf("accepted: %v", err)
	}
	if acc.Budget != 10 {
		t.Fatalf("unexpected accept: %+v", acc)
	}
	var res protocol.FillResultMsg
	if err := json.Unmarshal(c.next(protocol.TypeFillResult), &res); err != nil {
		t.Fatalf("result: %v", err)
	}
	if res.Outcome != "BUDGET_EXHAUSTED" || res.Visited < 10 || res.Filled >= 10 || res.Notice != protocol.NoticeBudgetExhausted {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func newServer(t *testing.T, w *world.World) *Server {
	t.Helper()
	srv := NewServer(w, nil, nil)
	v, err := protocol.LoadSchemas(filepath.Join("..", "..", "..", "schemas"))
	if err != nil {
		t.Fatalf("schemas: %v", err)
	}
	srv.SetValidator(v)
	return srv
}

func TestResultMsg_BudgetNotice(t *testing.T) {
	ev := world.FillEvent{Kind: world.FillResult, RunID: "F_1"}
	ev.Result.Outcome = fill.BudgetExhausted
	ev.Result.FrontierTotal = 10
	m := resultMsg(ev)
	if m.Outcome != "BUDGET_EXHAUSTED" || m.Notice != protocol.NoticeBudgetExhausted {
		t.Fatalf("unexpected result msg: %+v", m)
	}
}
