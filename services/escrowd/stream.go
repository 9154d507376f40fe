package escrowd

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"givechain/core/events"
)

const streamWriteTimeout = 10 * time.Second

// handleEvents streams committed ledger events as JSON text frames. The
// optional types query parameter holds comma separated event type prefixes.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	prefixes := splitPrefixes(r.URL.Query().Get("types"))
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		s.logger.Warn("events: websocket accept failed", slog.Any("error", err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	stream, cancel := s.deps.Events.Subscribe()
	defer cancel()

	// Clients never send frames; CloseRead surfaces their disconnect.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case evt, ok := <-stream:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "broadcaster closed")
				return
			}
			if !matchesPrefix(evt, prefixes) {
				continue
			}
			if err := writeEvent(ctx, conn, evt); err != nil {
				s.logger.Debug("events: write failed", slog.Any("error", err))
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, evt events.Event) error {
	payload := evt.Event()
	if payload == nil {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func splitPrefixes(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func matchesPrefix(evt events.Event, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, prefix := range prefixes {
		if strings.HasPrefix(evt.EventType(), prefix) {
			return true
		}
	}
	return false
}
