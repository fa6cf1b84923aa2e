package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/basket/go-relay/internal/bus"
	"github.com/basket/go-relay/internal/persistence"
)

// handleTaskStream serves one task's hub events as Server-Sent Events. The
// stream ends when the task finishes or pauses for input.
func (s *Server) handleTaskStream(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	task, err := s.cfg.Store.GetTask(r.Context(), taskID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "streaming not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "streaming not supported")
		return
	}

	sub := s.cfg.Bus.Subscribe(task.SessionID)
	defer s.cfg.Bus.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Re-read after subscribing: the task may have finished in between.
	if current, err := s.cfg.Store.GetTask(r.Context(), taskID); err == nil && (current.Status.Terminal() || current.Status == persistence.TaskStatusWaitingInput) {
		_ = writeSSE(w, bus.Event{
			Type:      bus.Kind(current.Status.EventType()),
			SessionID: current.SessionID,
			TaskID:    current.ID,
			Status:    string(current.Status),
			Result:    current.Result,
			Error:     current.Error,
			Cost:      current.Cost,
		})
		flusher.Flush()
		return
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if ev.TaskID != taskID {
				continue
			}
			if err := writeSSE(w, ev); err != nil {
				s.logger.Debug("sse: write failed", "task_id", taskID, "error", err)
				return
			}
			flusher.Flush()
			if endsStream(ev.Type) {
				return
			}
		}
	}
}

func endsStream(kind bus.Kind) bool {
	switch kind {
	case bus.KindTaskCompleted, bus.KindTaskFailed, bus.KindTaskCancelled, bus.KindTaskWaitingInput:
		return true
	}
	return false
}

func writeSSE(w http.ResponseWriter, ev bus.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}
