package engine

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/CZERTAINLY/Toolshell/internal/interp"
	"github.com/CZERTAINLY/Toolshell/internal/log"
	"github.com/CZERTAINLY/Toolshell/internal/model"
	"github.com/CZERTAINLY/Toolshell/internal/shellenv"
)

// command is a job ready to be spawned, for Python tools path and args
// already point to the interpreter
type command struct {
	desc model.JobDescriptor
	path string
	args []string
	dir  string            // working directory
	tool string            // reported in tool-data-done
	env  shellenv.Snapshot // nil => environment of this process
	err  error             // the command can't be spawned
	done chan<- int        // optional, receives the exit code
}

func commandFor(desc model.JobDescriptor, env shellenv.Snapshot) command {
	desc = desc.Clone()
	return command{
		desc: desc,
		path: desc.Path,
		args: desc.Args,
		dir:  desc.WorkDir(),
		tool: desc.Path,
		env:  env,
	}
}

// resolve looks a bare tool name like "nmap" up on PATH of the job
// environment, the tool directory becomes the working directory unless one
// is given
func (c command) resolve() command {
	if strings.ContainsRune(c.path, '/') || strings.ContainsRune(c.path, filepath.Separator) {
		return c
	}
	found, err := interp.LookPath(c.path, c.env)
	if err != nil {
		c.err = err
		return c
	}
	c.path = found
	c.tool = found
	if c.desc.Dir == "" {
		c.dir = filepath.Dir(found)
	}
	return c
}

// withInterpreter makes the interpreter the executable and the script its
// first argument, the working directory stays the one of the script
func (c command) withInterpreter(interpreter string) command {
	c.path = interpreter
	c.args = append([]string{c.desc.Path}, c.desc.Args...)
	return c
}

// reportDir is the directory sent in tool-data-done
func (c command) reportDir() string {
	return model.ToolDir(c.tool)
}

func (c command) notify(code int) {
	if c.done != nil {
		c.done <- code
	}
}

// exit is sent to the event loop when a process ends
type exit struct {
	cmd    command
	handle *Handle
	state  *os.ProcessState
	err    error
}

// streamWriter turns every chunk written by os/exec into an event. Events are
// held back until ready is closed, so the job is registered before anything
// reaches the sink.
type streamWriter struct {
	jobID string
	event func(jobID, chunk string) Event
	sink  Sink
	ready <-chan struct{}
}

func (w *streamWriter) Write(p []byte) (int, error) {
	<-w.ready
	w.sink.Emit(w.event(w.jobID, string(p)))
	return len(p), nil
}

// start is called from the event loop only. It spawns the process, registers
// it and starts a goroutine waiting on its exit. A command which can't be
// started is reported by tool-data-error followed by tool-data-done with
// the code -1.
func (e *Engine) start(ctx context.Context, c command) {
	jobID := c.desc.JobID
	ctx = log.ContextAttrs(ctx, slog.String("job_id", jobID))

	if e.registry.Reserved(jobID) {
		slog.WarnContext(ctx, "job already running: ignoring")
		e.sink.Emit(ToolDataError(jobID, "job "+jobID+" is already running"))
		c.notify(-1)
		return
	}
	if c.err != nil {
		e.spawnFailed(ctx, c, c.err)
		return
	}

	ready := make(chan struct{})
	cmd := exec.Command(c.path, c.args...)
	cmd.Dir = c.dir
	if c.env != nil {
		cmd.Env = c.env.Environ()
	}
	cmd.Stdout = &streamWriter{jobID: jobID, event: ToolData, sink: e.sink, ready: ready}
	cmd.Stderr = &streamWriter{jobID: jobID, event: ToolDataError, sink: e.sink, ready: ready}
	cmd.WaitDelay = e.waitDelay

	started := time.Now().UTC()
	if err := cmd.Start(); err != nil {
		close(ready)
		e.spawnFailed(ctx, c, err)
		return
	}

	handle := &Handle{
		JobID:   jobID,
		Process: cmd.Process,
		Started: started,
		desc:    c.desc,
	}
	if err := e.registry.Register(jobID, handle); err != nil {
		// only the event loop registers, so this is a programming error
		slog.ErrorContext(ctx, "registering job failed: killing", "error", err)
		_ = cmd.Process.Kill()
	}
	close(ready)
	slog.DebugContext(ctx, "spawned", "path", c.path, "args", c.args, "dir", cmd.Dir, "pid", cmd.Process.Pid)

	e.inflight++
	e.wg.Go(func() {
		err := cmd.Wait()
		e.exits <- exit{cmd: c, handle: handle, state: cmd.ProcessState, err: err}
	})
}

func (e *Engine) spawnFailed(ctx context.Context, c command, err error) {
	slog.ErrorContext(ctx, "spawn failed", "path", c.path, "error", err)
	e.sink.Emit(ToolDataError(c.desc.JobID, err.Error()))
	e.sink.Emit(ToolDataDone(c.desc.JobID, -1, c.reportDir()))
	c.notify(-1)
}

// finish is called from the event loop when a process ended
func (e *Engine) finish(ctx context.Context, x exit) {
	e.inflight--
	jobID := x.cmd.desc.JobID
	ctx = log.ContextAttrs(ctx, slog.String("job_id", jobID))

	code := -1
	if x.state != nil {
		code = x.state.ExitCode()
	}
	var exitErr *exec.ExitError
	switch {
	case x.err == nil, errors.As(x.err, &exitErr):
		slog.DebugContext(ctx, "job finished", "code", code, "elapsed", time.Since(x.handle.Started).String())
	default:
		slog.WarnContext(ctx, "job finished with error", "code", code, "error", x.err)
	}

	e.sink.Emit(ToolDataDone(jobID, code, x.cmd.reportDir()))
	e.registry.removeHandle(jobID, x.handle)
	x.cmd.notify(code)
}
