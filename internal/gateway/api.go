package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/basket/go-relay/internal/commands"
	"github.com/basket/go-relay/internal/engine"
	"github.com/basket/go-relay/internal/persistence"
)

var listSorts = map[string]bool{
	"":             true,
	"created_at":   true,
	"cost":         true,
	"completed_at": true,
	"duration":     true,
	"priority":     true,
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := persistence.TaskFilter{
		SessionID:      q.Get("session_id"),
		ConversationID: q.Get("conversation_id"),
		Status:         persistence.TaskStatus(strings.ToUpper(q.Get("status"))),
		Limit:          queryInt(r, "limit", 20),
		Offset:         queryInt(r, "offset", 0),
		SortBy:         q.Get("sort"),
		Descending:     !strings.EqualFold(q.Get("order"), "asc"),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(w, http.StatusBadRequest, "bad_request", "unknown status")
		return
	}
	if !listSorts[filter.SortBy] {
		writeError(w, http.StatusBadRequest, "bad_request", "unknown sort field")
		return
	}
	tasks, total, err := s.cfg.Store.ListTasks(r.Context(), filter)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if tasks == nil {
		tasks = []persistence.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "total": total})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.cfg.Store.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type transition struct {
	From persistence.TaskStatus `json:"from"`
	To   persistence.TaskStatus `json:"to"`
}

// handleTaskTransitions returns the status history of a task, oldest first.
func (s *Server) handleTaskTransitions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.cfg.Store.GetTask(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	pairs, err := s.cfg.Store.TaskTransitions(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	out := make([]transition, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, transition{From: p[0], To: p[1]})
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "transitions": out})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	stopped, err := s.cfg.Pool.Stop(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "stopped": stopped})
}

type inputRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleTaskInput(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req inputRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if err := s.cfg.Pool.SubmitInput(r.Context(), id, req.Message); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"task_id": id, "status": persistence.TaskStatusWaitingInput})
}

type chatRequest struct {
	SessionID        string `json:"session_id"`
	UserID           string `json:"user_id"`
	Message          string `json:"message"`
	Profile          string `json:"executor_profile"`
	ExternalID       string `json:"external_id"`
	Provider         string `json:"provider"`
	NewConversation  bool   `json:"new_conversation"`
	RequiresApproval bool   `json:"requires_approval"`
	Priority         int    `json:"priority"`
}

// handleChat queues a task from a direct message. A missing session id
// starts a fresh session.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	} else if _, err := uuid.Parse(req.SessionID); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "session_id must be a UUID")
		return
	}
	task, err := s.cfg.Pool.Submit(r.Context(), engine.Submission{
		SessionID:        req.SessionID,
		UserID:           req.UserID,
		Input:            req.Message,
		Profile:          req.Profile,
		Source:           persistence.SourceChat,
		Provider:         req.Provider,
		ExternalID:       req.ExternalID,
		NewConversation:  req.NewConversation,
		RequiresApproval: req.RequiresApproval,
		Priority:         req.Priority,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrEmptyInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, engine.ErrQueueSaturated):
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusTooManyRequests, "queue_saturated", err.Error())
	case errors.Is(err, engine.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, "shutting_down", err.Error())
	default:
		if !errors.Is(err, persistence.ErrNotFound) && !errors.Is(err, persistence.ErrIllegalTransition) {
			s.logger.Error("api request failed", "error", err)
		}
		writeStoreError(w, err)
	}
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.cfg.Store.GetConversation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	tasks, _, err := s.cfg.Store.ListTasks(r.Context(), persistence.TaskFilter{ConversationID: conv.ID, Limit: 500})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation": conv, "task_ids": ids})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.cfg.Store.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	cmds, err := s.cfg.Commands.Merged(r.Context(), chi.URLParam(r, "provider"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if cmds == nil {
		cmds = []commands.Command{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"commands":       cmds,
		"static_version": s.cfg.Commands.StaticVersion(),
	})
}

func (s *Server) handlePutCommand(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	var cmd commands.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	cmd.Name = chi.URLParam(r, "name")
	if err := s.cfg.Commands.PutDynamic(r.Context(), provider, cmd); err != nil {
		if errors.Is(err, commands.ErrInvalid) {
			writeError(w, http.StatusUnprocessableEntity, "invalid_command", err.Error())
			return
		}
		writeStoreError(w, err)
		return
	}
	s.logger.Info("dynamic command stored", "provider", provider, "command", cmd.Name)
	writeJSON(w, http.StatusOK, cmd)
}

func (s *Server) handleDeleteCommand(w http.ResponseWriter, r *http.Request) {
	provider, name := chi.URLParam(r, "provider"), chi.URLParam(r, "name")
	deleted, err := s.cfg.Commands.DeleteDynamic(r.Context(), provider, name)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "not_found", "no dynamic command "+name)
		return
	}
	s.logger.Info("dynamic command deleted", "provider", provider, "command", name)
	w.WriteHeader(http.StatusNoContent)
}
