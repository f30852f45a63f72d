package rpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"podescrow/core/types"
)

const (
	wsWriteTimeout  = 10 * time.Second
	wsBacklogPage   = 256
	wsSubscriberBuf = 256
)

// handleEventsWS replays committed events after the "after" cursor and then
// streams new ones as they commit.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s == nil || s.node == nil {
		http.Error(w, "node unavailable", http.StatusServiceUnavailable)
		return
	}
	var after uint64
	if raw := strings.TrimSpace(r.URL.Query().Get("after")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid after cursor", http.StatusBadRequest)
			return
		}
		after = parsed
	}
	if !s.limiter.allow(s.clientSource(r)) {
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}
	// Streams outlive the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	ctx := conn.CloseRead(r.Context())
	if err := s.streamEvents(ctx, conn, after); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
			s.logger.Warn("event stream ended", slog.Any("error", err))
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, after uint64) error {
	// Subscribe before replaying so nothing committed in between is missed.
	updates, cancel := s.node.SubscribeEvents(wsSubscriberBuf)
	defer cancel()

	last, err := s.replay(ctx, conn, after)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case record, ok := <-updates:
			if !ok {
				return nil
			}
			if record.Sequence <= last {
				continue
			}
			if record.Sequence > last+1 {
				if last, err = s.replay(ctx, conn, last); err != nil {
					return err
				}
				if record.Sequence <= last {
					continue
				}
			}
			if err := writeEventRecord(ctx, conn, record); err != nil {
				return err
			}
			last = record.Sequence
		}
	}
}

// replay sends every committed event after cursor and returns the last
// sequence written.
func (s *Server) replay(ctx context.Context, conn *websocket.Conn, cursor uint64) (uint64, error) {
	for {
		records, err := s.node.Events(cursor, wsBacklogPage)
		if err != nil {
			return cursor, err
		}
		for _, record := range records {
			if err := writeEventRecord(ctx, conn, record); err != nil {
				return cursor, err
			}
			cursor = record.Sequence
		}
		if len(records) < wsBacklogPage {
			return cursor, nil
		}
	}
}

func writeEventRecord(ctx context.Context, conn *websocket.Conn, record *types.EventRecord) error {
	data, err := json.Marshal(formatEventJSON(record))
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
