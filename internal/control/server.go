// Package control exposes the scheduler over HTTP. Commands are acked with
// JSON; lifecycle events stream to subscribers over the websocket endpoint.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"pigo/internal/compact"
	"pigo/internal/eventbus"
	"pigo/internal/llm"
	"pigo/internal/scheduler"
	"pigo/internal/session"
	"pigo/internal/tree"
)

// Server wires the control endpoints over one live session.
type Server struct {
	Scheduler   *scheduler.Scheduler
	Tree        *tree.Tree
	Session     *session.Log
	SessionsDir string
	Bus         *eventbus.Bus
	Logger      *slog.Logger
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/prompt", s.handlePrompt)
	mux.HandleFunc("/api/queue", s.handleQueue)
	mux.HandleFunc("/api/abort", s.handleAbort)
	mux.HandleFunc("/api/compact", s.handleCompact)
	mux.HandleFunc("/api/navigate", s.handleNavigate)
	mux.HandleFunc("/api/fork", s.handleFork)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/settings", s.handleSettings)
	mux.HandleFunc("/api/state", s.handleState)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/events/ws", s.handleEventsWS)

	return mux
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var payload struct {
		Text string `json:"text"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	// The turn outlives the HTTP request, so it must not run under
	// r.Context(); lifecycle events reach observers through the event bus.
	events, err := s.Scheduler.Prompt(context.Background(), payload.Text)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	go func() {
		for event := range events {
			if event.Err != nil {
				s.logger().Warn("turn ended with error", "error", event.Err)
			}
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.Scheduler.QueuedMessages())
	case http.MethodPost:
		var payload struct {
			Text string `json:"text"`
			Mode string `json:"mode"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := s.Scheduler.Queue(payload.Text, scheduler.DeliveryMode(payload.Mode)); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	s.Scheduler.Abort()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	result, err := s.Scheduler.Compact(r.Context())
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleNavigate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var payload struct {
		TargetID string `json:"target_id"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := s.Scheduler.Navigate(r.Context(), payload.TargetID)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleFork(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if s.Session == nil || s.Tree == nil {
		writeError(w, http.StatusNotImplemented, errors.New("session persistence is not configured"))
		return
	}

	var path []tree.Entry
	if leaf := s.Tree.Leaf(); leaf != "" {
		entries, err := s.Tree.Path(leaf)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		path = entries
	}

	newID := session.NewID()
	forked, err := s.Session.Fork(newID, path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"session_id": forked.ID(),
		"path":       forked.Path(),
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	infos, err := session.List(s.SessionsDir)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{
			"model":          s.Scheduler.Model(),
			"thinking_level": s.Scheduler.ThinkingLevel(),
		})
	case http.MethodPost:
		var payload struct {
			Model          *string `json:"model"`
			ThinkingLevel  *string `json:"thinking_level"`
			AutoCompaction *bool   `json:"auto_compaction"`
			AutoRetry      *bool   `json:"auto_retry"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if payload.Model != nil {
			if err := s.Scheduler.SetModel(*payload.Model); err != nil {
				writeError(w, statusForError(err), err)
				return
			}
		}
		if payload.ThinkingLevel != nil {
			if err := s.Scheduler.SetThinkingLevel(llm.ThinkingLevel(*payload.ThinkingLevel)); err != nil {
				writeError(w, statusForError(err), err)
				return
			}
		}
		if payload.AutoCompaction != nil {
			s.Scheduler.SetAutoCompaction(*payload.AutoCompaction)
		}
		if payload.AutoRetry != nil {
			s.Scheduler.SetAutoRetry(*payload.AutoRetry)
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	state := map[string]any{
		"state":          s.Scheduler.State(),
		"model":          s.Scheduler.Model(),
		"thinking_level": s.Scheduler.ThinkingLevel(),
		"queued":         len(s.Scheduler.QueuedMessages()),
	}
	if s.Tree != nil {
		state["leaf"] = s.Tree.Leaf()
		state["entries"] = s.Tree.Len()
	}
	if s.Session != nil {
		state["session_id"] = s.Session.ID()
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	if s.Bus == nil {
		writeJSON(w, http.StatusOK, []eventbus.Event{})
		return
	}
	limit := parseInt(r.URL.Query().Get("limit"), 200)
	events, err := s.Bus.List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if events == nil {
		events = []eventbus.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, scheduler.ErrSchedulerBusy):
		return http.StatusConflict
	case errors.Is(err, compact.ErrNoOpNavigation),
		errors.Is(err, compact.ErrNothingToCompact),
		errors.Is(err, compact.ErrNoValidCutPoint):
		return http.StatusBadRequest
	default:
		return http.StatusBadRequest
	}
}

func decodeJSON(body io.Reader, dest any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
