// Package ipc is the JSON lines protocol between Toolshell and a desktop
// front end. Requests are read from one stream, events and responses are
// written to another one, one JSON object per line.
//
//	-> {"request":"run-tool","toolId":"t1","path":"/bin/echo","args":["hi"]}
//	<- {"event":"tool-data","toolId":"t1","data":"hi\n","time":"..."}
//	<- {"event":"tool-data-done","toolId":"t1","code":0,"dir":"/bin/","time":"..."}
//
// A malformed or failed request is answered by an error line, the loop
// continues with the next one.
package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/CZERTAINLY/Toolshell/internal/engine"
	"github.com/CZERTAINLY/Toolshell/internal/log"
	"github.com/CZERTAINLY/Toolshell/internal/model"
	"github.com/CZERTAINLY/Toolshell/internal/upload"
	"golang.org/x/sync/errgroup"
)

const (
	ReqRunTool         = "run-tool"
	ReqRunPython       = "run-python"
	ReqRunToolsSerial  = "run-tools-serial"
	ReqKillProcess     = "kill-process"
	ReqConsoleMessages = "get-console-messages"
	ReqRunning         = "running"
	ReqBrowseFile      = "browse-file"
	ReqBrowseFolder    = "browse-folder"
	ReqUploadResults   = "upload-results"

	respError   = "error"
	respRunning = "running"

	maxLine          = 1 << 20
	subscriberBuffer = 256
)

// Request is a single line sent by the front end
type Request struct {
	Request      string                `json:"request"`
	ToolID       string                `json:"toolId,omitempty"`
	Path         string                `json:"path,omitempty"`
	Args         []string              `json:"args,omitempty"`
	Tools        []model.JobDescriptor `json:"tools,omitempty"`
	Connection   upload.Connection     `json:"connection,omitzero"`
	ClearResults bool                  `json:"clearResults,omitempty"`
}

// Response answers a request which does not produce engine events
type Response struct {
	Event   string   `json:"event"`
	Request string   `json:"request,omitempty"`
	ToolID  string   `json:"toolId,omitempty"`
	Error   string   `json:"error,omitempty"`
	Jobs    []string `json:"jobs,omitempty"`
}

// Engine is the part of engine.Engine the protocol needs
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
	upload  *model.Upload

	uploads sync.WaitGroup
}

// New creates a server writing all events of the hub. Console and upload
// configuration may be nil.
func New(e Engine, hub *engine.Hub, console *log.Console, uploadCfg *model.Upload) *Server {
	return &Server{
		engine:  e,
		hub:     hub,
		console: console,
		upload:  uploadCfg,
	}
}

// Serve reads requests from r until EOF or until ctx is done. If r is an
// io.Closer it is closed when ctx is done, to unblock the read.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	out := &lineWriter{enc: json.NewEncoder(w)}
	sub := s.hub.Subscribe(subscriberBuffer)

	if c, ok := r.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() {
			_ = c.Close()
		})
		defer stop()
	}

	g := errgroup.Group{}
	g.Go(func() error {
		for e := range sub.Events() {
			if err := out.write(e); err != nil {
				sub.Cancel()
				return fmt.Errorf("writing event: %w", err)
			}
		}
		return nil
	})

	err := s.read(ctx, r, out)
	s.uploads.Wait()
	// events of finished uploads are still queued
	sub.Drain()
	return errors.Join(err, g.Wait())
}

func (s *Server) read(ctx context.Context, r io.Reader, out *lineWriter) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			slog.WarnContext(ctx, "malformed request", "error", err)
			_ = out.write(Response{Event: respError, Error: "malformed request: " + err.Error()})
			continue
		}
		if err := s.handle(ctx, req, out); err != nil {
			reqCtx := log.ContextAttrs(ctx, slog.String("request", req.Request), slog.String("job_id", req.ToolID))
			slog.WarnContext(reqCtx, "request failed", "error", err)
			_ = out.write(Response{Event: respError, Request: req.Request, ToolID: req.ToolID, Error: err.Error()})
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return scanner.Err()
}

// handle executes one request. Engine operations return at once, their
// outcome arrives as events.
func (s *Server) handle(ctx context.Context, req Request, out *lineWriter) error {
	switch req.Request {
	case ReqRunTool:
		return s.engine.RunSingle(ctx, req.ToolID, req.Path, req.Args)
	case ReqRunPython:
		return s.engine.RunPython(ctx, req.ToolID, req.Path, req.Args)
	case ReqRunToolsSerial:
		_, err := s.engine.RunSerial(ctx, req.Tools)
		return err
	case ReqKillProcess:
		return s.engine.KillJob(ctx, req.ToolID)
	case ReqConsoleMessages:
		var lines string
		if s.console != nil {
			lines = s.console.String()
		}
		s.hub.Emit(engine.ConsoleMessages(lines))
		return nil
	case ReqRunning:
		return out.write(Response{Event: respRunning, Jobs: s.engine.Running()})
	case ReqBrowseFile, ReqBrowseFolder:
		path, err := selected(req.Path, req.Request == ReqBrowseFolder)
		if err != nil {
			return err
		}
		s.hub.Emit(engine.SelectedFile(req.ToolID, path))
		return nil
	case ReqUploadResults:
		return s.uploadResults(ctx, req)
	default:
		return fmt.Errorf("unknown request %q", req.Request)
	}
}

// selected validates a path picked in the native dialog of the front end
func selected(path string, folder bool) (string, error) {
	if path == "" {
		return "", errors.New("path is empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	if folder && !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", abs)
	}
	return abs, nil
}

func (s *Server) uploadResults(ctx context.Context, req Request) error {
	if req.ToolID == "" || req.Path == "" {
		return errors.New("toolId and path are required")
	}
	open, err := upload.Opener(s.upload, req.Connection)
	if err != nil {
		return err
	}
	results := upload.NewResults(s.hub, open)
	s.uploads.Go(func() {
		// the outcome is reported by upload events
		_ = results.Upload(ctx, req.ToolID, req.Path, req.ClearResults)
	})
	return nil
}

type lineWriter struct {
	mx  sync.Mutex
	enc *json.Encoder
}

func (w *lineWriter) write(v any) error {
	w.mx.Lock()
	defer w.mx.Unlock()
	return w.enc.Encode(v)
}
