package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/michaelbrown/jsand/internal/classxfer"
	"github.com/michaelbrown/jsand/internal/sandbox"
	"github.com/michaelbrown/jsand/internal/storage"
)

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

// --- Session handlers ---

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	opts := storage.SessionListOptions{}

	if status := r.URL.Query().Get("status"); status != "" {
		opts.Status = storage.SessionStatus(status)
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			opts.Limit = n
		}
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		if n, err := strconv.Atoi(offset); err == nil {
			opts.Offset = n
		}
	}

	sessions, err := s.store.ListSessions(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if sessions == nil {
		sessions = []storage.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

type createSessionRequest struct {
	Entry    string   `json:"entry"`
	Args     []string `json:"args"`
	Services []string `json:"services"`
	Sendable []string `json:"sendable"`
	// ReadyTimeout is a Go duration string, e.g. "30s".
	ReadyTimeout string `json:"ready_timeout"`
	// Wait blocks the request until the session finishes.
	Wait bool `json:"wait"`
}

type createSessionResponse struct {
	ID     string                `json:"id"`
	Status storage.SessionStatus `json:"status"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Entry == "" {
		writeError(w, http.StatusBadRequest, "entry is required")
		return
	}

	cfg := s.base
	if len(req.Services) > 0 {
		cfg.Services = req.Services
	}
	if len(req.Sendable) > 0 {
		for _, name := range req.Sendable {
			if !classxfer.ValidName(name) {
				writeError(w, http.StatusBadRequest, "invalid class name: "+name)
				return
			}
		}
		cfg.Designation = cfg.Designation.Merge(classxfer.Designation{Classes: req.Sendable})
	}
	if req.ReadyTimeout != "" {
		d, err := time.ParseDuration(req.ReadyTimeout)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid ready_timeout: "+err.Error())
			return
		}
		cfg.ReadyTimeout = d
	}
	if err := cfg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := uuid.New().String()
	sess := sandbox.NewSession(cfg, s.rt,
		sandbox.WithID(id),
		sandbox.WithStore(s.store),
		sandbox.WithMetrics(s.metrics),
		sandbox.WithTracer(s.tracer),
		sandbox.WithLogger(s.logger),
		sandbox.WithSinks(s.hub.Sink(id)),
	)
	as, err := s.sessions.Start(id, req.Entry, func(ctx context.Context) (*sandbox.Outcome, error) {
		return sess.Run(ctx, req.Entry, req.Args)
	})
	if errors.Is(err, ErrBusy) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if !req.Wait {
		writeJSON(w, http.StatusAccepted, createSessionResponse{ID: id, Status: storage.StatusRunning})
		return
	}

	select {
	case <-as.Done():
	case <-r.Context().Done():
		return
	}
	rec, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.store.GetSession(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		// The record is written once the run starts.
		if as, ok := s.sessions.Get(id); ok {
			writeJSON(w, http.StatusOK, storage.Session{ID: as.ID, EntryClass: as.Entry, Status: storage.StatusPending, CreatedAt: as.Started})
			return
		}
	}
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	// Stop it first if it is the running session
	s.sessions.Remove(sess.ID)

	if err := s.store.DeleteSession(r.Context(), sess.ID); err != nil {
		s.writeStoreError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// --- Log handlers ---

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	events, err := s.store.LoadLogEvents(r.Context(), sess.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if events == nil {
		events = []storage.LogEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	events, err := s.store.LoadLogEvents(r.Context(), sess.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if r.URL.Query().Get("format") == "markdown" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(storage.ExportMarkdown(sess, events)))
		return
	}
	data, err := storage.ExportJSON(sess, events)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
