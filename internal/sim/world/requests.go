package world

import (
	"context"
	"errors"
	"fmt"

	"voxelfill.ai/internal/sim/fill"
)

type CancelRequest struct {
	RunID string
	// Actor restricts the cancel to runs it owns.
	Actor string
	// Session cancels every run of a session when RunID is empty.
	Session string
	Resp    chan CancelResult
}

type CancelResult struct {
	Cancelled int
	Err       error
}

type PickRequest struct {
	Pos  fill.Coord
	Resp chan PickResult
}

type PickResult struct {
	Block  string
	Empty  bool
	Loaded bool
	Err    error
}

type adminSnapshotReq struct {
	Resp chan adminSnapshotResp
}

type adminSnapshotResp struct {
	Tick uint64
	Err  string
}

// SubmitFill queues a fill and waits for it to be accepted or rejected.
// Accepted runs report PROGRESS and RESULT on req.Events.
func (w *World) SubmitFill(ctx context.Context, req FillRequest) (FillAccepted, error) {
	req.Resp = make(chan FillAccepted, 1)
	select {
	case w.fills <- req:
	case <-ctx.Done():
		return FillAccepted{}, ctx.Err()
	}
	select {
	case acc := <-req.Resp:
		return acc, acc.Err
	case <-ctx.Done():
		return FillAccepted{}, ctx.Err()
	}
}

func (w *World) CancelFill(ctx context.Context, runID, actor string) error {
	r, err := w.cancel(ctx, CancelRequest{RunID: runID, Actor: actor})
	if err != nil {
		return err
	}
	return r.Err
}

// CancelSession cancels every queued or running fill submitted by session.
func (w *World) CancelSession(ctx context.Context, session string) (int, error) {
	if session == "" {
		return 0, nil
	}
	r, err := w.cancel(ctx, CancelRequest{Session: session})
	return r.Cancelled, err
}

func (w *World) cancel(ctx context.Context, req CancelRequest) (CancelResult, error) {
	req.Resp = make(chan CancelResult, 1)
	select {
	case w.cancels <- req:
	case <-ctx.Done():
		return CancelResult{}, ctx.Err()
	}
	select {
	case r := <-req.Resp:
		return r, nil
	case <-ctx.Done():
		return CancelResult{}, ctx.Err()
	}
}

func (w *World) Pick(ctx context.Context, pos fill.Coord) (PickResult, error) {
	req := PickRequest{Pos: pos, Resp: make(chan PickResult, 1)}
	select {
	case w.picks <- req:
	case <-ctx.Done():
		return PickResult{}, ctx.Err()
	}
	select {
	case r := <-req.Resp:
		if r.Err != nil {
			return r, r.Err
		}
		if !r.Loaded {
			return r, ErrNotLoaded
		}
		return r, nil
	case <-ctx.Done():
		return PickResult{}, ctx.Err()
	}
}

// RequestSnapshot asks the world loop goroutine to enqueue a snapshot.
// It is safe to call from other goroutines (e.g. HTTP handlers).
func (w *World) RequestSnapshot(ctx context.Context) (tick uint64, err error) {
	if w == nil || w.admin == nil {
		return 0, errors.New("admin snapshot not available")
	}
	resp := make(chan adminSnapshotResp, 1)
	select {
	case w.admin <- adminSnapshotReq{Resp: resp}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case r := <-resp:
		if r.Err != "" {
			return r.Tick, errors.New(r.Err)
		}
		return r.Tick, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (w *World) handleCancel(req CancelRequest) {
	var r CancelResult
	if req.RunID == "" {
		r.Cancelled = w.cancelSession(req.Session)
	} else if r.Err = w.cancelFill(req.RunID, req.Actor); r.Err == nil {
		r.Cancelled = 1
	}
	if req.Resp != nil {
		req.Resp <- r
	}
}

func (w *World) handlePick(req PickRequest) {
	var r PickResult
	if req.Pos.Y < w.cfg.MinY || req.Pos.Y > w.cfg.MaxY {
		r.Err = fmt.Errorf("y=%d: %w", req.Pos.Y, ErrSeedOutOfWorld)
	} else if b, ok := w.chunks.GetBlock(req.Pos.X, req.Pos.Y, req.Pos.Z); ok {
		r.Loaded = true
		if m, ok := w.catalogs.Blocks.Material(b); ok {
			r.Block = m.String()
			r.Empty = m.IsEmpty()
		}
	}
	if req.Resp != nil {
		req.Resp <- r
	}
}

func (w *World) handleAdminSnapshotRequests(reqs []adminSnapshotReq) {
	if len(reqs) == 0 {
		return
	}
	cur := w.tick.Load()
	snapTick := uint64(0)
	if cur > 0 {
		snapTick = cur - 1
	}

	errStr := ""
	if w.snapshotSink == nil {
		errStr = "snapshot sink not configured"
	} else if !w.emitSnapshot(snapTick) {
		errStr = "snapshot sink backpressure"
	}
	for _, req := range reqs {
		if req.Resp == nil {
			continue
		}
		req.Resp <- adminSnapshotResp{Tick: snapTick, Err: errStr}
	}
}
