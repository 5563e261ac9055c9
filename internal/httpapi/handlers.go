package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/loopworks/conductor/internal/bus"
	"github.com/loopworks/conductor/internal/errkind"
	"github.com/loopworks/conductor/internal/orchestrator"
)

type promptRequest struct {
	Message string `json:"message" validate:"required"`
}

type promptResponse struct {
	HumanMessage string `json:"humanMessage"`
	RequestID    string `json:"requestId"`
	Outcome      string `json:"outcome"`
}

// handlePrompt implements POST /prompt: one synchronous run(intent=user)
// call, per spec.md §6.
func (s *server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var req promptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errkind.New(errkind.ToolExecution, "invalid request body"))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, errkind.Wrap(errkind.ToolExecution, "message is required", err))
		return
	}

	requestID := uuid.NewString()
	response := s.deps.Orchestrator.Run(r.Context(), req.Message, orchestrator.IntentUser)

	outcome := "ok"
	if strings.HasPrefix(response, "Error:") {
		outcome = "error"
	}
	writeJSON(w, http.StatusOK, promptResponse{HumanMessage: response, RequestID: requestID, Outcome: outcome})
}

func (s *server) handleTasksRecent(w http.ResponseWriter, r *http.Request) {
	n := queryInt(r, "n", 20)
	tasks, err := s.deps.Store.RecentTasks(r.Context(), n)
	if err != nil {
		writeError(w, errkind.Wrap(errkind.Internal, "list recent tasks", err))
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

// handleTasksUpcoming returns every active scheduled item of type "task",
// the queue the autonomous loop drains from.
func (s *server) handleTasksUpcoming(w http.ResponseWriter, r *http.Request) {
	items, err := s.deps.Store.ListScheduledItems(r.Context())
	if err != nil {
		writeError(w, errkind.Wrap(errkind.Internal, "list scheduled items", err))
		return
	}
	upcoming := items[:0:0]
	for _, it := range items {
		if it.ItemType == "task" && it.Status == "active" {
			upcoming = append(upcoming, it)
		}
	}
	writeJSON(w, http.StatusOK, upcoming)
}

// handleTaskCancel cancels a scheduled task by id — "cancel" only has
// meaning for a not-yet-run scheduled item, since a completed TaskRecord is
// a historical fact.
func (s *server) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.SetScheduledItemStatus(r.Context(), id, "done"); err != nil {
		writeError(w, errkind.Wrap(errkind.NotFound, "cancel task "+id, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "done"})
}

func (s *server) handleProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.deps.Store.ListProjects(r.Context())
	if err != nil {
		writeError(w, errkind.Wrap(errkind.Internal, "list projects", err))
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *server) handleImprovementStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Improvement == nil {
		writeError(w, errkind.New(errkind.NotFound, "improvement loop not configured"))
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Improvement.Status())
}

func (s *server) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	n := queryInt(r, "n", 20)
	conversations, err := s.deps.Store.RecentConversations(r.Context(), n)
	if err != nil {
		writeError(w, errkind.Wrap(errkind.Internal, "list chat history", err))
		return
	}
	writeJSON(w, http.StatusOK, conversations)
}

// handleEvents implements GET /events: an SSE stream of every message-bus
// event, per spec.md §6. Each connection gets its own buffered channel fed
// by a wildcard subscription; a slow reader drops events rather than
// stalling the bus dispatcher.
func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, errkind.New(errkind.Internal, "streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := make(chan bus.Event, 64)
	s.deps.Bus.SubscribeAll(func(_ context.Context, ev bus.Event) {
		select {
		case events <- ev:
		default: // slow reader: drop rather than block the dispatcher
		}
	})

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-events:
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
			flusher.Flush()
		}
	}
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
