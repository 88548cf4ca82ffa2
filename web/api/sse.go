package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hochfrequenz/uiqa-orchestrator/internal/domain"
)

const wsWriteTimeout = 10 * time.Second

// fromSeq resolves where a stream resumes: Last-Event-ID names the last
// event the client saw, from_seq the first one it wants.
func fromSeq(r *http.Request) (int64, error) {
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid Last-Event-ID %q", v)
		}
		return n + 1, nil
	}
	if v := r.URL.Query().Get("from_seq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid from_seq %q", v)
		}
		return n, nil
	}
	return 0, nil
}

// sseHandler replays the run's persisted events and then follows the log
// until the done event or client disconnect.
func (s *Server) sseHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		from, err := fromSeq(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if _, err := s.Runs.GetRun(id); err != nil {
			writeStoreError(w, err)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming not supported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		err = s.Events.Follow(r.Context(), id, from, func(ev domain.Event) error {
			data, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data); err != nil {
				return err
			}
			flusher.Flush()
			return nil
		})
		if err != nil && r.Context().Err() == nil {
			s.logger.Warn("event stream ended", zap.String("run_id", id), zap.Error(err))
		}
	}
}

// wsHandler streams the same events as JSON text messages and closes
// normally after the done event.
func (s *Server) wsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		from, err := fromSeq(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if _, err := s.Runs.GetRun(id); err != nil {
			writeStoreError(w, err)
			return
		}

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		defer conn.Close()

		ctx := r.Context()
		// The read pump notices client closes; clients never send anything.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		followCtx, cancel := contextUntil(ctx, closed)
		defer cancel()

		err = s.Events.Follow(followCtx, id, from, func(ev domain.Event) error {
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			return conn.WriteJSON(ev)
		})
		if err != nil {
			if followCtx.Err() == nil {
				s.logger.Warn("websocket stream ended", zap.String("run_id", id), zap.Error(err))
			}
			return
		}

		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"))
	}
}

// contextUntil derives a context that is also cancelled when done closes
func contextUntil(parent context.Context, done <-chan struct{}) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
