package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/gorilla/websocket"

	"voxelfill.ai/internal/protocol"
)

func main() {
	var (
		url    = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name   = flag.String("name", "fillctl", "client name (fill options are saved under it)")
		pos    = flag.String("pos", "", "seed position x,y,z (required)")
		block  = flag.String("block", "", "target block id (default: saved or server default)")
		budget = flag.Int64("budget", -1, "visit budget; 0 is unlimited, negative uses the saved or server default")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[fillctl] ", log.LstdFlags|log.Lmicroseconds)
	seed, err := parseVec3(*pos)
	if err != nil {
		logger.Fatalf("bad -pos: %v", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ClientName:      *name,
	}
	if err := conn.WriteJSON(hello); err != nil {
		logger.Fatalf("send HELLO: %v", err)
	}

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	msgs := make(chan []byte, 64)
	go func() {
		defer close(msgs)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msgs <- msg
		}
	}()

	var runID string
	cancelSent := false
	for {
		select {
		case <-stop:
			if runID == "" || cancelSent {
				return
			}
			cancelSent = true
			logger.Printf("cancelling %s", runID)
			if err := conn.WriteJSON(protocol.CancelMsg{Type: protocol.TypeCancel, ProtocolVersion: protocol.Version, ID: "C1", RunID: runID}); err != nil {
				logger.Printf("send CANCEL: %v", err)
				return
			}

		case msg, ok := <-msgs:
			if !ok {
				logger.Printf("connection closed")
				os.Exit(1)
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil {
				continue
			}
			switch base.Type {
			case protocol.TypeWelcome:
				var w protocol.WelcomeMsg
				if err := json.Unmarshal(msg, &w); err != nil {
					continue
				}
				logger.Printf("WELCOME session=%s world=%s default_block=%s", w.SessionID, w.WorldParams.WorldID, w.Defaults.Block)
				if err := conn.WriteJSON(fillRequest(seed, *block, *budget)); err != nil {
					logger.Fatalf("send FILL: %v", err)
				}

			case protocol.TypeFillAccepted:
				var a protocol.FillAcceptedMsg
				if err := json.Unmarshal(msg, &a); err != nil {
					continue
				}
				runID = a.RunID
				logger.Printf("FILL_ACCEPTED run=%s queue_pos=%d block=%s budget=%d", a.RunID, a.QueuePos, a.Block, a.Budget)

			case protocol.TypeProgress:
				var p protocol.ProgressMsg
				if err := json.Unmarshal(msg, &p); err != nil {
					continue
				}
				logger.Printf("PROGRESS %5.1f%% visited=%d filled=%d", p.Fraction*100, p.Visited, p.Filled)

			case protocol.TypeFillResult:
				var r protocol.FillResultMsg
				if err := json.Unmarshal(msg, &r); err != nil {
					continue
				}
				if r.RunID != runID {
					continue
				}
				fmt.Println(formatResult(r))
				if r.Outcome == "ERROR" {
					os.Exit(1)
				}
				return

			case protocol.TypeError:
				var e protocol.ErrorMsg
				if err := json.Unmarshal(msg, &e); err != nil {
					continue
				}
				logger.Printf("ERROR %s: %s", e.Code, e.Message)
				if runID == "" || e.ID == "C1" {
					os.Exit(1)
				}
			}
		}
	}
}

func fillRequest(seed [3]int, block string, budget int64) protocol.FillMsg {
	m := protocol.FillMsg{
		Type:            protocol.TypeFill,
		ProtocolVersion: protocol.Version,
		ID:              "R1",
		Selection: protocol.Selection{
			Min: seed,
			Max: [3]int{seed[0] + 1, seed[1] + 1, seed[2] + 1},
		},
		Block: strings.TrimSpace(block),
	}
	if budget >= 0 {
		m.Budget = &budget
	}
	return m
}

func formatResult(r protocol.FillResultMsg) string {
	s := fmt.Sprintf("%s run=%s visited=%d frontier=%d filled=%d chunk_misses=%d",
		r.Outcome, r.RunID, r.Visited, r.FrontierTotal, r.Filled, r.ChunkMisses)
	if r.Notice != "" {
		s += " notice=" + strconv.Quote(r.Notice)
	}
	if r.Error != "" {
		s += " error=" + strconv.Quote(r.Error)
	}
	return s
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
