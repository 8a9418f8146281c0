package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/CZERTAINLY/Toolshell/internal/interp"
	"github.com/CZERTAINLY/Toolshell/internal/log"
	"github.com/CZERTAINLY/Toolshell/internal/model"
	"github.com/CZERTAINLY/Toolshell/internal/shellenv"
)

const msgNoInterpreter = "Cannot locate Python binary"

type op int

const (
	opStart op = iota
	opKill
)

type request struct {
	op    op
	cmd   command
	jobID string
	reply chan error
}

// Engine spawns tools, tracks them by job id and reports their output to a
// Sink. Do runs the event loop, which is the only place processes are
// started, reaped and killed.
type Engine struct {
	sink      Sink
	registry  *Registry
	env       *shellenv.Cache
	locator   interp.Locator
	waitDelay time.Duration

	requests chan request
	exits    chan exit
	inflight int // owned by the event loop

	mx      sync.Mutex // guards stopped and wg.Add
	stopped chan struct{}
	wg      sync.WaitGroup
}

// New creates an engine. The resolver is called before each dispatch, nil
// means the environment of this process. Nil locator means the default
// Python interpreter candidates.
func New(sink Sink, resolver shellenv.Resolver, locator interp.Locator) *Engine {
	if sink == nil {
		sink = Discard
	}
	if resolver == nil {
		resolver = shellenv.ResolverFunc(func(context.Context) (shellenv.Snapshot, error) {
			return shellenv.Ambient(), nil
		})
	}
	if locator == nil {
		locator = interp.NewPathLocator()
	}
	return &Engine{
		sink:      stampSink{sink: sink, now: time.Now},
		registry:  NewRegistry(),
		env:       shellenv.NewCache(resolver),
		locator:   locator,
		waitDelay: model.DefaultWaitDelay,
		requests:  make(chan request),
		exits:     make(chan exit),
		stopped:   make(chan struct{}),
	}
}

// FromConfig creates an engine with the login shell resolver and the
// interpreter candidates of the configuration
func FromConfig(cfg model.Config, sink Sink) *Engine {
	var resolver shellenv.Resolver
	if cfg.ShellEnv() {
		resolver = shellenv.LoginShell{Timeout: cfg.ShellEnvTimeout()}
	}
	return New(sink, resolver, interp.NewPathLocator(cfg.Interpreters()...)).
		WithWaitDelay(cfg.WaitDelay())
}

// WithWaitDelay sets how long to wait for stdout/stderr to be closed after a
// process exits. Zero waits forever.
func (e *Engine) WithWaitDelay(d time.Duration) *Engine {
	e.waitDelay = d
	return e
}

// Environment resolves the environment tools are started with
func (e *Engine) Environment(ctx context.Context) shellenv.Snapshot {
	return e.env.Refresh(ctx)
}

// Running returns ids of the running jobs
func (e *Engine) Running() []string {
	return e.registry.Running()
}

// Do runs the event loop until ctx is done. On exit all running jobs are
// killed and their completion is still reported.
func (e *Engine) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting an engine")
	defer func() {
		e.shutdown(ctx)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-e.requests:
			switch req.op {
			case opStart:
				e.start(ctx, req.cmd)
			case opKill:
				req.reply <- e.kill(ctx, req.jobID)
			default:
				slog.WarnContext(ctx, "request not supported: ignoring", "op", req.op)
			}
		case x := <-e.exits:
			e.finish(ctx, x)
		}
	}
}

func (e *Engine) shutdown(ctx context.Context) {
	e.mx.Lock()
	close(e.stopped)
	e.mx.Unlock()

	killed := e.registry.terminateAll()
	if len(killed) > 0 {
		slog.InfoContext(ctx, "engine stopped: killed running jobs", "job_ids", killed)
	}
	for e.inflight > 0 {
		e.finish(ctx, <-e.exits)
	}
	e.wg.Wait()
}

// goDispatch runs f in a goroutine tracked by the engine
func (e *Engine) goDispatch(f func()) error {
	e.mx.Lock()
	defer e.mx.Unlock()
	select {
	case <-e.stopped:
		return model.ErrEngineStopped
	default:
	}
	e.wg.Go(f)
	return nil
}

func (e *Engine) submit(ctx context.Context, req request) error {
	select {
	case e.requests <- req:
		return nil
	case <-e.stopped:
		return model.ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunSingle starts a native tool. It does not wait for the tool, the output
// is reported as tool-data and tool-data-error events and the end by
// a tool-data-done event.
func (e *Engine) RunSingle(ctx context.Context, jobID, path string, args []string) error {
	desc := model.JobDescriptor{JobID: jobID, Path: path, Args: args, Kind: model.ToolNative}
	return e.dispatch(ctx, desc)
}

// RunPython starts a Python script with the first interpreter available.
// When there is none, data-collection-error and vulnerability-report-close
// events are emitted and nothing is started.
func (e *Engine) RunPython(ctx context.Context, jobID, scriptPath string, args []string) error {
	desc := model.JobDescriptor{JobID: jobID, Path: scriptPath, Args: args, Kind: model.ToolPython}
	return e.dispatch(ctx, desc)
}

// Run starts a job of any kind
func (e *Engine) Run(ctx context.Context, desc model.JobDescriptor) error {
	return e.dispatch(ctx, desc)
}

func (e *Engine) dispatch(ctx context.Context, desc model.JobDescriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	desc = desc.Clone()
	ctx = context.WithoutCancel(ctx)
	return e.goDispatch(func() {
		env := e.env.Refresh(ctx)
		cmd, ok := e.prepare(ctx, desc, env)
		if !ok {
			return
		}
		if err := e.submit(ctx, request{op: opStart, cmd: cmd}); err != nil {
			slog.WarnContext(ctx, "job not started", "job_id", desc.JobID, "error", err)
		}
	})
}

// prepare resolves bare tool names and the interpreter of Python jobs on
// PATH of env. Returns false when no interpreter exists, after reporting it.
func (e *Engine) prepare(ctx context.Context, desc model.JobDescriptor, env shellenv.Snapshot) (command, bool) {
	cmd := commandFor(desc, env)
	if desc.Kind != model.ToolPython {
		return cmd.resolve(), true
	}

	interpreter, err := e.locator.Locate(ctx, env)
	if err != nil {
		logCtx := log.ContextAttrs(ctx, slog.String("job_id", desc.JobID))
		slog.ErrorContext(logCtx, "locating interpreter failed", "error", err)
		e.sink.Emit(DataCollectionError(desc.JobID, msgNoInterpreter))
		e.sink.Emit(ReportClose(desc.JobID, -1))
		return command{}, false
	}
	return cmd.withInterpreter(interpreter), true
}

// KillJob kills a running job with SIGKILL. The tool-killed event is
// emitted before the tool-data-done of the job. Returns model.ErrJobNotFound
// if the job is not running.
func (e *Engine) KillJob(ctx context.Context, jobID string) error {
	reply := make(chan error, 1)
	if err := e.submit(ctx, request{op: opKill, jobID: jobID, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) kill(ctx context.Context, jobID string) error {
	err := e.registry.Terminate(jobID)
	if err != nil {
		if !errors.Is(err, model.ErrJobNotFound) {
			slog.ErrorContext(ctx, "kill failed", "job_id", jobID, "error", err)
		}
		return err
	}
	slog.InfoContext(ctx, "job killed", "job_id", jobID)
	e.sink.Emit(JobKilled(jobID))
	return nil
}

// RunSerial starts the jobs one after another, next one is started when
// the previous one finishes. Python jobs without an interpreter are skipped.
func (e *Engine) RunSerial(ctx context.Context, jobs []model.JobDescriptor) (*Pipeline, error) {
	if len(jobs) == 0 {
		return nil, fmt.Errorf("empty pipeline: %w", model.ErrInvalidJob)
	}
	queue := make([]model.JobDescriptor, 0, len(jobs))
	for _, job := range jobs {
		if err := job.Validate(); err != nil {
			return nil, err
		}
		queue = append(queue, job.Clone())
	}

	p := newPipeline(queue)
	ctx = context.WithoutCancel(ctx)
	err := e.goDispatch(func() {
		p.run(ctx, e)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}
