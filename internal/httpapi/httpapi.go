// Package httpapi exposes the engine to web front ends. Operations return
// at once, their outcome is streamed from GET /events as server-sent events.
//
//	POST   /tools/run      {"toolId":"t1","path":"/bin/echo","args":["hi"]}
//	POST   /tools/python   {"toolId":"t2","path":"/opt/scan.py"}
//	POST   /tools/serial   {"tools":[{"toolId":"a","path":"/bin/false"},...]}
//	DELETE /jobs/{jobID}
//	GET    /jobs
//	GET    /logs
//	GET    /events
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/CZERTAINLY/Toolshell/internal/engine"
	"github.com/CZERTAINLY/Toolshell/internal/log"
	"github.com/CZERTAINLY/Toolshell/internal/model"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Engine is the part of engine.Engine the API needs
type Engine interface {
	RunSingle(ctx context.Context, jobID, path string, args []string) error
	RunPython(ctx context.Context, jobID, scriptPath string, args []string) error
	RunSerial(ctx context.Context, jobs []model.JobDescriptor) (*engine.Pipeline, error)
	KillJob(ctx context.Context, jobID string) error
	Running() []string
}

type Server struct {
	engine  Engine
	hub     *engine.Hub
	console *log.Console
	router  chi.Router
}

type runRequest struct {
	ToolID string   `json:"toolId"`
	Path   string   `json:"path"`
	Args   []string `json:"args,omitempty"`
}

type serialRequest struct {
	Tools []model.JobDescriptor `json:"tools"`
}

type accepted struct {
	ToolIDs []string `json:"toolIds"`
}

type jobsResponse struct {
	Jobs []string `json:"jobs"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func New(e Engine, hub *engine.Hub, console *log.Console) *Server {
	s := &Server{
		engine:  e,
		hub:     hub,
		console: console,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Route("/tools", func(r chi.Router) {
		r.Post("/run", s.handleRun(model.ToolNative))
		r.Post("/python", s.handleRun(model.ToolPython))
		r.Post("/serial", s.handleSerial)
	})
	r.Get("/jobs", s.handleJobs)
	r.Delete("/jobs/{jobID}", s.handleKill)
	r.Get("/logs", s.handleLogs)
	r.Get("/events", s.handleEvents)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves the API on addr until ctx is done
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()

	slog.InfoContext(ctx, "http api listening", "addr", addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) handleRun(kind model.ToolKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req runRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, fmt.Errorf("%w: %w", model.ErrInvalidJob, err))
			return
		}
		var err error
		switch kind {
		case model.ToolPython:
			err = s.engine.RunPython(r.Context(), req.ToolID, req.Path, req.Args)
		default:
			err = s.engine.RunSingle(r.Context(), req.ToolID, req.Path, req.Args)
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, accepted{ToolIDs: []string{req.ToolID}})
	}
}

func (s *Server) handleSerial(w http.ResponseWriter, r *http.Request) {
	var req serialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: %w", model.ErrInvalidJob, err))
		return
	}
	if _, err := s.engine.RunSerial(r.Context(), req.Tools); err != nil {
		writeError(w, err)
		return
	}
	ids := make([]string, 0, len(req.Tools))
	for _, t := range req.Tools {
		ids = append(ids, t.JobID)
	}
	writeJSON(w, http.StatusAccepted, accepted{ToolIDs: ids})
}

func (s *Server) handleJobs(w http.ResponseWriter, _ *http.Request) {
	jobs := s.engine.Running()
	if jobs == nil {
		jobs = []string{}
	}
	writeJSON(w, http.StatusOK, jobsResponse{Jobs: jobs})
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.KillJob(r.Context(), chi.URLParam(r, "jobID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLogs(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if s.console != nil {
		_, _ = w.Write([]byte(s.console.String()))
	}
}

// handleEvents streams the events of the hub until the client goes away
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "streaming not supported"})
		return
	}
	sub := s.hub.Subscribe(64)
	defer sub.Cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			raw, err := json.Marshal(e)
			if err != nil {
				slog.ErrorContext(r.Context(), "encoding event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, raw); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrInvalidJob):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrJobNotFound):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrJobExists):
		status = http.StatusConflict
	case errors.Is(err, model.ErrEngineStopped):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		ctx := log.ContextAttrs(r.Context(), slog.String("request_id", middleware.GetReqID(r.Context())))
		next.ServeHTTP(ww, r.WithContext(ctx))
		slog.DebugContext(ctx, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"elapsed", time.Since(start).String())
	})
}
