package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"voxelfill.ai/internal/persistence/indexdb"
	"voxelfill.ai/internal/protocol"
	"voxelfill.ai/internal/sim/fill"
	"voxelfill.ai/internal/sim/world"
	"voxelfill.ai/internal/sim/world/terrain/store"
)

// OptionStore remembers the last fill options per client.
type OptionStore interface {
	LoadOptions(ctx context.Context, actor string) (indexdb.FillOptions, bool, error)
	SaveOptions(actor string, o indexdb.FillOptions) error
}

// MemOptions is the OptionStore used when the index is disabled.
type MemOptions struct {
	mu sync.Mutex
	m  map[string]indexdb.FillOptions
}

func NewMemOptions() *MemOptions { return &MemOptions{m: map[string]indexdb.FillOptions{}} }

func (m *MemOptions) LoadOptions(_ context.Context, actor string) (indexdb.FillOptions, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.m[actor]
	return o, ok, nil
}

func (m *MemOptions) SaveOptions(actor string, o indexdb.FillOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.m[actor] = o
	return nil
}

type Server struct {
	world   *world.World
	options OptionStore
	schemas *protocol.Validator
	log     *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(w *world.World, options OptionStore, logger *log.Logger) *Server {
	if options == nil {
		options = NewMemOptions()
	}
	s := &Server{
		world:   w,
		options: options,
		log:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
	return s
}

// SetValidator enables JSON Schema checks on inbound messages.
func (s *Server) SetValidator(v *protocol.Validator) { s.schemas = v }

type session struct {
	id    string
	actor string
	out   chan []byte
	ctx   context.Context
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sess := s.handshake(conn)
		if sess == nil {
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		sess.ctx = ctx

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b, ok := <-sess.out:
					if !ok {
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		events := make(chan world.FillEvent, 256)
		go s.pumpEvents(sess, events)

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			s.handleMessage(sess, msg, events)
		}

		// Runs die with their connection.
		cctx, ccancel := context.WithTimeout(context.Background(), 2*time.Second)
		n, err := s.world.CancelSession(cctx, sess.id)
		ccancel()
		if err != nil {
			s.logf("session %s: cancel on disconnect: %v", sess.id, err)
		} else if n > 0 {
			s.logf("session %s closed, cancelled %d fill(s)", sess.id, n)
		}
	}
}

func (s *Server) handshake(conn *websocket.Conn) *session {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return nil
	}
	if err := s.schemas.Validate(protocol.TypeHello, msg); err != nil {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad HELLO"), time.Now().Add(time.Second))
		return nil
	}

	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return nil
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return nil
	}
	name := strings.TrimSpace(hello.ClientName)
	if name == "" {
		name = "client"
	}

	sess := &session{
		id:    "S_" + uuid.NewString(),
		actor: name,
		out:   make(chan []byte, 64),
	}

	cfg := s.world.Config()
	cats := s.world.Catalogs()
	defaults := protocol.FillDefaults{
		Block:     cfg.DefaultBlock,
		Budget:    cfg.DefaultBudget,
		MaxBudget: cfg.MaxBudget,
	}
	if o, ok := s.loadOptions(name); ok {
		defaults.Block, defaults.Budget = o.Block, o.Budget
	}

	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       sess.id,
		WorldParams: protocol.WorldParams{
			WorldID:    cfg.ID,
			TickRateHz: cfg.TickRateHz,
			ChunkSize:  [3]int{store.ChunkSize, store.Height, store.ChunkSize},
			MinY:       cfg.MinY,
			MaxY:       cfg.MaxY,
			Seed:       cfg.Seed,
		},
		BlockPalette: protocol.PaletteInfo{
			Digest: cats.Blocks.PaletteDigest,
			Count:  len(cats.Blocks.Palette),
		},
		Defaults: defaults,
	}
	if err := writeJSON(conn, welcome); err != nil {
		return nil
	}
	s.logf("session %s: %s connected", sess.id, name)
	return sess
}

func (s *Server) handleMessage(sess *session, msg []byte, events chan world.FillEvent) {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		s.sendError(sess, "", protocol.ErrBadRequest, "malformed json")
		return
	}
	if base.ProtocolVersion != "" && base.ProtocolVersion != protocol.Version {
		s.sendError(sess, "", protocol.ErrBadRequest, "bad protocol_version")
		return
	}
	if err := s.schemas.Validate(base.Type, msg); err != nil {
		s.sendError(sess, requestID(msg), protocol.ErrBadRequest, err.Error())
		return
	}

	switch base.Type {
	case protocol.TypeFill:
		var m protocol.FillMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			s.sendError(sess, "", protocol.ErrBadRequest, "bad FILL")
			return
		}
		s.handleFill(sess, m, events)
	case protocol.TypeCancel:
		var m protocol.CancelMsg
		if err := json.Unmarshal(msg, &m); err != nil || m.RunID == "" {
			s.sendError(sess, m.ID, protocol.ErrBadRequest, "bad CANCEL")
			return
		}
		if err := s.world.CancelFill(sess.ctx, m.RunID, sess.actor); err != nil {
			s.sendError(sess, m.ID, errorCode(err), err.Error())
		}
	case protocol.TypePick:
		var m protocol.PickMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			s.sendError(sess, "", protocol.ErrBadRequest, "bad PICK")
			return
		}
		res, err := s.world.Pick(sess.ctx, fill.Coord{X: m.Pos[0], Y: m.Pos[1], Z: m.Pos[2]})
		if err != nil {
			s.sendError(sess, m.ID, errorCode(err), err.Error())
			return
		}
		s.send(sess, protocol.PickResultMsg{
			Type:            protocol.TypePickResult,
			ProtocolVersion: protocol.Version,
			ID:              m.ID,
			Pos:             m.Pos,
			Block:           res.Block,
			Empty:           res.Empty,
		})
	default:
		s.sendError(sess, requestID(msg), protocol.ErrBadRequest, "unsupported message type")
	}
}

func (s *Server) handleFill(sess *session, m protocol.FillMsg, events chan world.FillEvent) {
	req := world.FillRequest{
		Actor:     sess.actor,
		Session:   sess.id,
		Selection: fill.Box{Min: m.Selection.Min, Max: m.Selection.Max},
		Block:     m.Block,
		Budget:    m.Budget,
		RequestID: m.ID,
		Events:    events,
		Done:      sess.ctx.Done(),
	}
	if req.Block == "" || req.Budget == nil {
		if o, ok := s.loadOptions(sess.actor); ok {
			if req.Block == "" {
				req.Block = o.Block
			}
			if req.Budget == nil {
				b := o.Budget
				req.Budget = &b
			}
		}
	}

	// FILL_ACCEPTED comes through pumpEvents so it is ordered before the
	// run's PROGRESS and FILL_RESULT.
	acc, err := s.world.SubmitFill(sess.ctx, req)
	if err != nil {
		code := errorCode(err)
		msg := err.Error()
		if code == protocol.ErrInvalidSelection {
			msg = protocol.NoticeInvalidSelection
		}
		s.sendError(sess, m.ID, code, msg)
		return
	}

	if err := s.options.SaveOptions(sess.actor, indexdb.FillOptions{Block: acc.Block, Budget: int64(acc.Budget)}); err != nil {
		s.logf("session %s: save options: %v", sess.id, err)
	}
}

// pumpEvents turns world fill events into FILL_ACCEPTED, PROGRESS and
// FILL_RESULT messages. Progress is lossy; the others are always delivered
// while the session lives.
func (s *Server) pumpEvents(sess *session, events chan world.FillEvent) {
	for {
		select {
		case <-sess.ctx.Done():
			return
		case ev := <-events:
			switch ev.Kind {
			case world.FillQueued:
				s.send(sess, protocol.FillAcceptedMsg{
					Type:            protocol.TypeFillAccepted,
					ProtocolVersion: protocol.Version,
					ID:              ev.RequestID,
					RunID:           ev.RunID,
					QueuePos:        ev.Accepted.QueuePos,
					Block:           ev.Accepted.Block,
					Budget:          ev.Accepted.Budget,
				})
			case world.FillProgress:
				b, _ := json.Marshal(protocol.ProgressMsg{
					Type:            protocol.TypeProgress,
					ProtocolVersion: protocol.Version,
					RunID:           ev.RunID,
					Fraction:        ev.Fraction,
					Visited:         ev.Result.Visited,
					Filled:          ev.Result.Filled,
				})
				select {
				case sess.out <- b:
				default:
				}
			case world.FillResult:
				s.send(sess, resultMsg(ev))
			}
		}
	}
}

func resultMsg(ev world.FillEvent) protocol.FillResultMsg {
	m := protocol.FillResultMsg{
		Type:            protocol.TypeFillResult,
		ProtocolVersion: protocol.Version,
		RunID:           ev.RunID,
		Outcome:         ev.Result.Outcome.String(),
		Visited:         ev.Result.Visited,
		FrontierTotal:   ev.Result.FrontierTotal,
		Filled:          ev.Result.Filled,
		ChunkMisses:     ev.Result.ChunkMisses,
	}
	if ev.Err != nil {
		m.Outcome = "ERROR"
		m.Error = ev.Err.Error()
	} else if ev.Result.Outcome == fill.BudgetExhausted {
		m.Notice = protocol.NoticeBudgetExhausted
	}
	return m
}

func (s *Server) loadOptions(actor string) (indexdb.FillOptions, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	o, ok, err := s.options.LoadOptions(ctx, actor)
	if err != nil {
		s.logf("load options %s: %v", actor, err)
		return indexdb.FillOptions{}, false
	}
	return o, ok
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, fill.ErrInvalidSelectionShape):
		return protocol.ErrInvalidSelection
	case errors.Is(err, world.ErrUnknownBlock):
		return protocol.ErrUnknownBlock
	case errors.Is(err, world.ErrSeedOutOfWorld):
		return protocol.ErrOutOfWorld
	case errors.Is(err, world.ErrBusy):
		return protocol.ErrBusy
	case errors.Is(err, world.ErrRunNotFound):
		return protocol.ErrNotFound
	case errors.Is(err, world.ErrNotLoaded):
		return protocol.ErrNotLoaded
	default:
		return protocol.ErrInternal
	}
}

func requestID(msg []byte) string {
	var v struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(msg, &v)
	return v.ID
}

func (s *Server) sendError(sess *session, id, code, message string) {
	s.send(sess, protocol.ErrorMsg{
		Type:            protocol.TypeError,
		ProtocolVersion: protocol.Version,
		ID:              id,
		Code:            code,
		Message:         message,
	})
}

// send queues a message for the writer, blocking until there is room or the
// session ends.
func (s *Server) send(sess *session, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case sess.out <- b:
	case <-sess.ctx.Done():
	}
}

func (s *Server) logf(format string, args ...any) {
	if s.log != nil {
		s.log.Printf(format, args...)
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
