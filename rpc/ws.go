package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"settlechain/core/events"
)

const (
	wsWriteTimeout    = 10 * time.Second
	wsSubscribeBuffer = 256
)

// handleEventsWS streams committed events. Query parameters: type (prefix),
// escrowId and cursor (last sequence already seen; backlog starts after it).
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	query := events.Query{TypePrefix: strings.TrimSpace(r.URL.Query().Get("type"))}
	if raw := strings.TrimSpace(r.URL.Query().Get("escrowId")); raw != "" {
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid escrowId", http.StatusBadRequest)
			return
		}
		query.EscrowID = id
	}
	cursorSet := false
	if raw := strings.TrimSpace(r.URL.Query().Get("cursor")); raw != "" {
		cursor, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid cursor", http.StatusBadRequest)
			return
		}
		query.AfterSequence = cursor
		cursorSet = true
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	ctx := conn.CloseRead(r.Context())
	if err := s.streamEvents(ctx, conn, query, cursorSet); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, query events.Query, replay bool) error {
	updates, cancel := s.recorder.Subscribe(wsSubscribeBuffer)
	defer cancel()

	last := query.AfterSequence
	if replay {
		// The archive holds history beyond the ring; the recorder covers
		// records the archive writer has not persisted yet.
		sources := []EventSource{s.events}
		if s.cfg.Events != nil {
			sources = append(sources, s.recorder)
		}
		for _, src := range sources {
			query.AfterSequence = last
			backlog, err := src.Query(ctx, query)
			if err != nil {
				return err
			}
			for _, rec := range backlog {
				if rec.Sequence <= last {
					continue
				}
				if err := writeRecord(ctx, conn, rec); err != nil {
					return err
				}
				last = rec.Sequence
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-updates:
			if !ok {
				return nil
			}
			query.AfterSequence = last
			if !query.Matches(rec) {
				continue
			}
			if err := writeRecord(ctx, conn, rec); err != nil {
				return err
			}
			last = rec.Sequence
		}
	}
}

func writeRecord(ctx context.Context, conn *websocket.Conn, rec events.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
