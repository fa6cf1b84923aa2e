package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/go-relay/internal/bus"
	"github.com/basket/go-relay/internal/persistence"
)

const (
	maxReplayEvents = 500
	wsWriteTimeout  = 5 * time.Second
)

// Client frame types.
const (
	frameTaskInput  = "task.input"
	frameTaskStop   = "task.stop"
	frameAck        = "ack"
	frameReplayDone = "replay.done"
)

type clientFrame struct {
	Type    string `json:"type"`
	TaskID  string `json:"task_id"`
	Message string `json:"message,omitempty"`
}

type ackFrame struct {
	Type    string `json:"type"`
	Request string `json:"request"`
	TaskID  string `json:"task_id"`
	OK      bool   `json:"ok"`
	// Stopped is set on task.stop acks; false means the task had already
	// ended.
	Stopped *bool  `json:"stopped,omitempty"`
	Error   string `json:"error,omitempty"`
}

// replayFrame is a stored task event resent to a client catching up from
// a cursor.
type replayFrame struct {
	bus.Event
	Payload json.RawMessage `json:"payload,omitempty"`
	Replay  bool            `json:"replay"`
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) write(ctx context.Context, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.conn, v)
}

// handleWS streams one session's task events. With a cursor query
// parameter, stored events after that event id are replayed first.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "session_id is required")
		return
	}
	cursor := int64(-1)
	if v := r.URL.Query().Get("cursor"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "cursor must be a non-negative event id")
			return
		}
		cursor = n
	}
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "streaming not configured")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	logger := s.logger.With("session_id", sessionID)
	logger.Info("ws: client connected")

	// Subscribe before replaying so nothing published meanwhile is lost.
	sub := s.cfg.Bus.Subscribe(sessionID)
	ctx, cancel := context.WithCancel(r.Context())
	c := &wsClient{conn: conn}
	defer func() {
		cancel()
		s.cfg.Bus.Unsubscribe(sub)
		logger.Info("ws: client disconnected")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	if cursor >= 0 {
		if err := s.replay(ctx, c, sessionID, cursor); err != nil {
			logger.Warn("ws: replay failed", "error", err)
			return
		}
	}
	go s.forwardBusEvents(ctx, cancel, c, sub)

	for {
		var frame clientFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				logger.Debug("ws: read error, closing", "error", err)
			}
			return
		}
		if err := c.write(ctx, s.handleFrame(ctx, sessionID, frame)); err != nil {
			logger.Debug("ws: write ack failed", "error", err)
			return
		}
	}
}

func (s *Server) replay(ctx context.Context, c *wsClient, sessionID string, cursor int64) error {
	events, err := s.cfg.Store.ListTaskEventsFrom(ctx, sessionID, cursor, maxReplayEvents)
	if err != nil {
		return err
	}
	last := cursor
	for _, te := range events {
		frame := replayFrame{
			Event: bus.Event{
				Type:      bus.Kind(te.EventType),
				SessionID: te.SessionID,
				TaskID:    te.TaskID,
				Status:    string(te.StateTo),
				EventID:   te.EventID,
			},
			Payload: te.Payload,
			Replay:  true,
		}
		if err := c.write(ctx, frame); err != nil {
			return err
		}
		last = te.EventID
	}
	return c.write(ctx, map[string]any{"type": frameReplayDone, "event_id": last})
}

// forwardBusEvents relays live hub events until the subscription closes or
// a write fails.
func (s *Server) forwardBusEvents(ctx context.Context, cancel context.CancelFunc, c *wsClient, sub *bus.Subscription) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := c.write(ctx, ev); err != nil {
				return
			}
		}
	}
}

// handleFrame applies a client frame to a task of the connected session.
// Tasks of other sessions are reported as not found.
func (s *Server) handleFrame(ctx context.Context, sessionID string, f clientFrame) ackFrame {
	ack := ackFrame{Type: frameAck, Request: f.Type, TaskID: f.TaskID}
	if f.TaskID == "" {
		ack.Error = "task_id is required"
		return ack
	}
	if f.Type != frameTaskInput && f.Type != frameTaskStop {
		ack.Error = "unknown frame type"
		return ack
	}
	task, err := s.cfg.Store.GetTask(ctx, f.TaskID)
	if errors.Is(err, persistence.ErrNotFound) || (err == nil && task.SessionID != sessionID) {
		ack.Error = "task not found"
		return ack
	}
	if err != nil {
		ack.Error = err.Error()
		return ack
	}
	switch f.Type {
	case frameTaskInput:
		err = s.cfg.Pool.SubmitInput(ctx, f.TaskID, f.Message)
	case frameTaskStop:
		var stopped bool
		stopped, err = s.cfg.Pool.Stop(ctx, f.TaskID)
		ack.Stopped = &stopped
	}
	if err != nil {
		ack.Stopped = nil
		ack.Error = err.Error()
		return ack
	}
	ack.OK = true
	return ack
}
