package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lazypower/mnemo/internal/engine"
	errs "github.com/lazypower/mnemo/internal/errors"
)

// AgentHeader carries the agent id on every request.
const AgentHeader = "X-Agent-Id"

// Server is the mnemo HTTP API server.
type Server struct {
	eng     *engine.Engine
	router  chi.Router
	version string
	started time.Time
}

// New creates a new Server over the engine.
func New(eng *engine.Engine, version string) *Server {
	s := &Server{
		eng:     eng,
		version: version,
		started: time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/agents", s.handleAgents)
		r.Get("/stats", s.handleStats)

		r.Route("/memories", func(r chi.Router) {
			r.Post("/", s.handleSave)
			r.Post("/batch", s.handleSaveBatch)
			r.Get("/archived", s.handleListArchived)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGet)
				r.Patch("/", s.handleUpdate)
				r.Delete("/", s.handleDelete)
				r.Post("/archive", s.handleArchive)
				r.Post("/restore", s.handleRestore)

				r.Get("/tags", s.handleListTags)
				r.Post("/tags", s.handleAddTags)
				r.Delete("/tags", s.handleRemoveTags)

				r.Get("/relations", s.handleListRelations)
				r.Get("/traverse", s.handleTraverse)
			})
		})

		r.Get("/search", s.handleSearch)
		r.Get("/timeline", s.handleTimeline)
		r.Get("/tags/{tag}", s.handleSearchByTag)

		r.Post("/relations", s.handleAddRelation)
		r.Delete("/relations", s.handleRemoveRelation)

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.handleListSessions)
			r.Post("/", s.handleStartSession)
			r.Delete("/{sessionID}", s.handleDeleteSession)
			r.Post("/{sessionID}/end", s.handleEndSession)
			r.Get("/{sessionID}/summary", s.handleSessionSummary)
			r.Get("/{sessionID}/memories", s.handleSessionMemories)
		})

		r.Route("/maintenance", func(r chi.Router) {
			r.Post("/decay", s.handleDecay)
			r.Post("/compress", s.handleCompress)
			r.Post("/cleanup", s.handleCleanup)
			r.Post("/autotune", s.handleAutoTune)
		})

		r.Get("/entities", s.handleEntities)
		r.Get("/audit", s.handleAudit)

		r.Get("/export", s.handleExport)
		r.Post("/import", s.handleImport)
		r.Post("/reindex", s.handleReindex)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if err := s.eng.DB.Ping(); err != nil {
		dbOK = false
	}
	body := map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Seconds(),
		"db":      dbOK,
		"db_path": s.eng.DB.Path,
	}
	if s.eng.Index != nil {
		body["index"] = s.eng.Index.Strategy()
	}
	writeJSON(w, http.StatusOK, body)
}

// requestLogger logs each request at debug level.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug("http", "method", r.Method, "path", r.URL.Path, "status", ww.Status(), "took", time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps an engine error code to an HTTP status.
func statusFor(code string) int {
	switch code {
	case errs.CodeValidation:
		return http.StatusBadRequest
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeConflict:
		return http.StatusConflict
	case errs.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := errs.AsCode(err)
	status := statusFor(code)
	if status == http.StatusInternalServerError {
		log.Error("request failed", "error", err)
		if code == "" {
			code = errs.CodeStorage
		}
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "code": code})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg, "code": errs.CodeValidation})
}
