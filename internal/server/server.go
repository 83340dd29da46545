package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/perchlabs/perch/internal/config"
	"github.com/perchlabs/perch/internal/engine"
	"github.com/perchlabs/perch/internal/journal"
	"github.com/perchlabs/perch/internal/logger"
	"github.com/perchlabs/perch/internal/shell"
	"github.com/perchlabs/perch/internal/tailer"
)

// Server is the HTTP edge: session CRUD, message submission, SSE
// streaming, uploads, and the terminal WebSocket.
type Server struct {
	cfg    *config.Config
	store  *journal.Store
	engine *engine.Engine
	shells *shell.Registry
	tails  *tailer.Manager
	secret []byte
	mux    *http.ServeMux
}

func New(cfg *config.Config, store *journal.Store, eng *engine.Engine, shells *shell.Registry, tails *tailer.Manager, secret []byte) *Server {
	s := &Server{
		cfg:    cfg,
		store:  store,
		engine: eng,
		shells: shells,
		tails:  tails,
		secret: secret,
		mux:    http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/sessions", s.withAuth(s.handleListSessions))
	s.mux.HandleFunc("POST /api/session/start", s.withAuth(s.handleSessionStart))
	s.mux.HandleFunc("POST /api/sessions/{id}/messages", s.withAuth(s.handleSubmit))
	s.mux.HandleFunc("DELETE /api/sessions/{id}", s.withAuth(s.handleDeleteSession))
	s.mux.HandleFunc("POST /api/sessions/{id}/cancel", s.withAuth(s.handleCancel))
	s.mux.HandleFunc("GET /api/chat-stream", s.withAuth(s.handleChatStream))
	s.mux.HandleFunc("GET /api/chat-stream/stats", s.withAuth(s.handleStreamStats))
	s.mux.HandleFunc("POST /api/upload", s.withAuth(s.handleUpload))
	s.mux.HandleFunc("GET /api/browse", s.withAuth(s.handleBrowse))
	s.mux.HandleFunc("GET /api/terminal/token", s.withAuth(s.handleTerminalToken))
	s.mux.HandleFunc("GET /ws/terminal", s.handleTerminalWS)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.withCORS(s.mux).ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	sessions, total, hasMore, err := s.store.ListSessions(offset, limit, s.engine.Active)
	if err != nil {
		logger.Error("list sessions", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"total":    total,
		"hasMore":  hasMore,
	})
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Cwd   string `json:"cwd"`
		Model string `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	if req.Cwd == "" {
		req.Cwd = s.cfg.Workdir
	}
	model := req.Model
	if model == "" {
		model = s.cfg.DefaultModel
	}

	meta, err := s.store.CreateSession(req.Cwd, model)
	if err != nil {
		if errors.Is(err, journal.ErrInvalidCwd) {
			writeError(w, http.StatusBadRequest, "INVALID_CWD", "cwd does not exist: "+req.Cwd)
			return
		}
		logger.Error("create session", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	logger.Info("session created", "session", meta.ID, "cwd", meta.Cwd, "model", meta.Model)
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": meta.ID,
		"cwd":       meta.Cwd,
		"ready":     true,
	})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !journal.ValidSessionID(id) {
		writeError(w, http.StatusNotFound, "INVALID_SESSION_ID", "malformed session id")
		return
	}

	var req struct {
		Content   string `json:"content"`
		ImagePath string `json:"imagePath"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == "" {
		writeError(w, http.StatusBadRequest, "MISSING_CONTENT", "content is required")
		return
	}

	messageID, err := s.engine.Submit(id, req.Content, req.ImagePath)
	if err != nil {
		if errors.Is(err, journal.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "no such session")
			return
		}
		logger.Error("submit", "session", id, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"accepted":  true,
		"messageId": messageID,
	})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !journal.ValidSessionID(id) {
		writeError(w, http.StatusNotFound, "INVALID_SESSION_ID", "malformed session id")
		return
	}
	if _, err := s.store.LoadMeta(id); err != nil {
		writeError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "no such session")
		return
	}

	s.engine.Drop(id)
	s.tails.Drop(id)
	if err := s.store.DeleteSession(id); err != nil {
		logger.Error("delete session", "session", id, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	logger.Info("session deleted", "session", id)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !journal.ValidSessionID(id) {
		writeError(w, http.StatusNotFound, "INVALID_SESSION_ID", "malformed session id")
		return
	}

	var req struct {
		ClearQueue bool `json:"clearQueue"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	cancelled, running, cleared := s.engine.Cancel(id, req.ClearQueue)
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":           true,
		"cancelled":    cancelled,
		"running":      running,
		"clearedQueue": cleared,
	})
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionID := q.Get("session")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "MISSING_SESSION", "session query param is required")
		return
	}
	if !journal.ValidSessionID(sessionID) {
		writeError(w, http.StatusNotFound, "INVALID_SESSION_ID", "malformed session id")
		return
	}

	if _, err := s.store.LoadMeta(sessionID); err != nil {
		writeError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "no such session")
		return
	}

	since, _ := strconv.ParseInt(q.Get("since"), 10, 64)
	if lastID := r.Header.Get("Last-Event-ID"); lastID != "" {
		if v, err := strconv.ParseInt(lastID, 10, 64); err == nil {
			since = v
		}
	}
	limit, _ := strconv.Atoi(q.Get("limit"))

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sw := tailer.StreamWriter{W: w, Flush: flusher.Flush}
	if err := s.tails.Serve(r.Context(), sw, sessionID, since, limit); err != nil {
		// Headers are already out; log and drop the connection.
		logger.Warn("chat stream ended", "session", sessionID, "err", err)
	}
}

func (s *Server) handleStreamStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tailers": s.tails.StatsSnapshot()})
}

// Helpers

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": code, "message": msg})
}
