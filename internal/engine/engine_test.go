package engine_test

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CZERTAINLY/Toolshell/internal/engine"
	"github.com/CZERTAINLY/Toolshell/internal/interp"
	"github.com/CZERTAINLY/Toolshell/internal/model"
	"github.com/CZERTAINLY/Toolshell/internal/shellenv"

	"github.com/stretchr/testify/require"
)

func TestRunSingle(t *testing.T) {
	t.Parallel()
	echo := lookPath(t, "echo")
	e, rec, _ := startEngine(t, given{})

	var registeredOnData atomic.Bool
	rec.setHook(func(ev engine.Event) {
		if ev.JobID == "t1" && ev.Type == engine.EventToolData {
			registeredOnData.Store(slices.Contains(e.Running(), "t1"))
		}
	})

	err := e.RunSingle(t.Context(), "t1", echo, []string{"hi"})
	require.NoError(t, err)

	done := rec.waitDone(t, "t1")
	require.Equal(t, []engine.EventType{engine.EventToolData, engine.EventToolDataDone}, rec.types("t1"))
	require.Equal(t, "hi\n", rec.of("t1")[0].Data)
	require.Equal(t, 0, exitCode(t, done))
	require.Equal(t, model.ToolDir(echo), done.Dir)
	require.True(t, strings.HasSuffix(done.Dir, string(filepath.Separator)))
	require.False(t, done.Time.IsZero())
	require.True(t, registeredOnData.Load(), "job must be registered before the first output")

	require.Eventually(t, func() bool {
		return len(e.Running()) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestRunSingle_Streams(t *testing.T) {
	t.Parallel()
	sh := lookPath(t, "sh")
	e, rec, _ := startEngine(t, given{
		env: shellenv.Static{"PATH": os.Getenv("PATH"), "TOOLSHELL_GREETING": "from-shell-env"},
	})

	err := e.RunSingle(t.Context(), "streams", sh, []string{"-c", "echo out; echo $TOOLSHELL_GREETING; echo err 1>&2; exit 3"})
	require.NoError(t, err)

	done := rec.waitDone(t, "streams")
	require.Equal(t, 3, exitCode(t, done))
	require.Equal(t, "out\nfrom-shell-env\n", rec.data("streams", engine.EventToolData))
	require.Equal(t, "err\n", rec.data("streams", engine.EventToolDataError))

	types := rec.types("streams")
	require.Equal(t, engine.EventToolDataDone, types[len(types)-1], "done must be the last event")
}

func TestRunSingle_SpawnFailure(t *testing.T) {
	t.Parallel()
	e, rec, _ := startEngine(t, given{})

	err := e.RunSingle(t.Context(), "missing", "/does/not/exist/tool", nil)
	require.NoError(t, err)

	done := rec.waitDone(t, "missing")
	require.Equal(t, []engine.EventType{engine.EventToolDataError, engine.EventToolDataDone}, rec.types("missing"))
	require.Contains(t, rec.of("missing")[0].Data, "/does/not/exist/tool")
	require.Equal(t, -1, exitCode(t, done))
	require.Equal(t, "/does/not/exist/", done.Dir)
	require.Empty(t, e.Running())
}

func TestRunSingle_Invalid(t *testing.T) {
	t.Parallel()
	e, _, _ := startEngine(t, given{})
	err := e.RunSingle(t.Context(), "", "/bin/true", nil)
	require.ErrorIs(t, err, model.ErrInvalidJob)
	err = e.RunSingle(t.Context(), "x", "", nil)
	require.ErrorIs(t, err, model.ErrInvalidJob)
}

func TestEnvironmentRefreshedOnDispatch(t *testing.T) {
	t.Parallel()
	sh := lookPath(t, "sh")
	var calls atomic.Int32
	resolver := shellenv.ResolverFunc(func(context.Context) (shellenv.Snapshot, error) {
		n := calls.Add(1)
		return shellenv.Snapshot{"PATH": os.Getenv("PATH"), "CALL": string(rune('0' + n))}, nil
	})
	e, rec, _ := startEngine(t, given{env: resolver})

	for _, id := range []string{"first", "second"} {
		require.NoError(t, e.RunSingle(t.Context(), id, sh, []string{"-c", "echo $CALL"}))
		rec.waitDone(t, id)
	}
	require.Equal(t, "1\n", rec.data("first", engine.EventToolData))
	require.Equal(t, "2\n", rec.data("second", engine.EventToolData))
}

func TestKillJob(t *testing.T) {
	t.Parallel()
	sleep := lookPath(t, "sleep")
	e, rec, _ := startEngine(t, given{})

	var registeredOnKilled atomic.Bool
	registeredOnKilled.Store(true)
	rec.setHook(func(ev engine.Event) {
		if ev.Type == engine.EventJobKilled {
			registeredOnKilled.Store(slices.Contains(e.Running(), ev.JobID))
		}
	})

	t.Run("unknown job", func(t *testing.T) {
		err := e.KillJob(t.Context(), "nope")
		require.ErrorIs(t, err, model.ErrJobNotFound)
		require.Empty(t, rec.of("nope"))
	})

	require.NoError(t, e.RunSingle(t.Context(), "long", sleep, []string{"30"}))
	require.Eventually(t, func() bool {
		return slices.Contains(e.Running(), "long")
	}, 5*time.Second, 5*time.Millisecond)

	err := e.KillJob(t.Context(), "long")
	require.NoError(t, err)
	require.NotContains(t, e.Running(), "long")
	require.False(t, registeredOnKilled.Load(), "job must be removed before tool-killed")

	done := rec.waitDone(t, "long")
	require.Equal(t, -1, exitCode(t, done))
	require.Equal(t, []engine.EventType{engine.EventJobKilled, engine.EventToolDataDone}, rec.types("long"))

	t.Run("kill twice", func(t *testing.T) {
		err := e.KillJob(t.Context(), "long")
		require.ErrorIs(t, err, model.ErrJobNotFound)
	})
}

func TestDuplicateJobID(t *testing.T) {
	t.Parallel()
	sleep := lookPath(t, "sleep")
	echo := lookPath(t, "echo")
	e, rec, _ := startEngine(t, given{})

	require.NoError(t, e.RunSingle(t.Context(), "dup", sleep, []string{"30"}))
	require.Eventually(t, func() bool {
		return slices.Contains(e.Running(), "dup")
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, e.RunSingle(t.Context(), "dup", echo, []string{"second"}))
	require.Eventually(t, func() bool {
		return rec.data("dup", engine.EventToolDataError) != ""
	}, 5*time.Second, 5*time.Millisecond)
	require.Contains(t, rec.data("dup", engine.EventToolDataError), "already running")
	require.Empty(t, rec.data("dup", engine.EventToolData))

	require.NoError(t, e.KillJob(t.Context(), "dup"))
	rec.waitDone(t, "dup")
	dones := 0
	for _, ev := range rec.of("dup") {
		if ev.Type == engine.EventToolDataDone {
			dones++
		}
	}
	require.Equal(t, 1, dones)
}

func TestRunPython(t *testing.T) {
	t.Parallel()
	sh := lookPath(t, "sh")
	dir := t.TempDir()
	script := filepath.Join(dir, "tool.py")
	require.NoError(t, os.WriteFile(script, []byte("echo \"$0 $1\"\n"), 0o644))

	var located atomic.Int32
	locator := interp.LocatorFunc(func(context.Context, shellenv.Snapshot) (string, error) {
		located.Add(1)
		return sh, nil
	})
	e, rec, _ := startEngine(t, given{locator: locator})

	require.NoError(t, e.RunPython(t.Context(), "py", script, []string{"--flag"}))
	done := rec.waitDone(t, "py")
	require.Equal(t, 0, exitCode(t, done))
	require.Equal(t, script+" --flag\n", rec.data("py", engine.EventToolData))
	require.Equal(t, model.ToolDir(script), done.Dir)

	require.NoError(t, e.RunPython(t.Context(), "py2", script, nil))
	rec.waitDone(t, "py2")
	require.EqualValues(t, 2, located.Load(), "interpreter must be located for every job")
}

func TestRunPython_NoInterpreter(t *testing.T) {
	t.Parallel()
	e, rec, _ := startEngine(t, given{
		env: shellenv.Static{"PATH": t.TempDir()},
	})

	require.NoError(t, e.RunPython(t.Context(), "nopy", "/opt/tools/scan.py", nil))
	require.Eventually(t, func() bool {
		return len(rec.of("nopy")) == 2
	}, 5*time.Second, 5*time.Millisecond)

	events := rec.of("nopy")
	require.Equal(t, engine.EventDataCollectionError, events[0].Type)
	require.Equal(t, "Cannot locate Python binary", events[0].Data)
	require.Equal(t, engine.EventReportClose, events[1].Type)
	require.Equal(t, -1, exitCode(t, events[1]))
	require.Empty(t, e.Running())
}

func TestEngineStop(t *testing.T) {
	t.Parallel()
	sleep := lookPath(t, "sleep")
	e, rec, stop := startEngine(t, given{})

	require.NoError(t, e.RunSingle(t.Context(), "bg", sleep, []string{"30"}))
	require.Eventually(t, func() bool {
		return slices.Contains(e.Running(), "bg")
	}, 5*time.Second, 5*time.Millisecond)

	stop()
	done, ok := rec.done("bg")
	require.True(t, ok, "running jobs are reported as done on stop")
	require.Equal(t, -1, exitCode(t, done))
	require.Empty(t, e.Running())

	err := e.RunSingle(t.Context(), "late", sleep, []string{"1"})
	require.ErrorIs(t, err, model.ErrEngineStopped)
	err = e.KillJob(t.Context(), "bg")
	require.ErrorIs(t, err, model.ErrEngineStopped)
	_, err = e.RunSerial(t.Context(), []model.JobDescriptor{{JobID: "p", Path: sleep}})
	require.ErrorIs(t, err, model.ErrEngineStopped)
}

func TestRunSingle_BareNameOnShellPATH(t *testing.T) {
	t.Parallel()
	lookPath(t, "sh")
	dir := t.TempDir()
	tool := filepath.Join(dir, "shelltool")
	require.NoError(t, os.WriteFile(tool, []byte("#!/bin/sh\necho found\n"), 0o755))

	e, rec, _ := startEngine(t, given{
		env: shellenv.Static{"PATH": dir + string(filepath.ListSeparator) + os.Getenv("PATH")},
	})

	require.NoError(t, e.RunSingle(t.Context(), "bare", "shelltool", nil))
	done := rec.waitDone(t, "bare")
	require.Equal(t, "found\n", rec.data("bare", engine.EventToolData))
	require.Equal(t, 0, exitCode(t, done))
	require.Equal(t, model.ToolDir(tool), done.Dir)

	require.NoError(t, e.RunSingle(t.Context(), "missing", "toolshell-no-such-tool", nil))
	done = rec.waitDone(t, "missing")
	require.Equal(t, []engine.EventType{engine.EventToolDataError, engine.EventToolDataDone}, rec.types("missing"))
	require.Equal(t, -1, exitCode(t, done))
}

func TestKillJob_ReuseID(t *testing.T) {
	t.Parallel()
	sh := lookPath(t, "sh")
	echo := lookPath(t, "echo")
	e, rec, _ := startEngine(t, given{})

	// the background child keeps stdout open, reaping waits for WaitDelay
	require.NoError(t, e.RunSingle(t.Context(), "r", sh, []string{"-c", "sleep 5 & wait"}))
	require.Eventually(t, func() bool {
		return slices.Contains(e.Running(), "r")
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, e.KillJob(t.Context(), "r"))
	require.NotContains(t, e.Running(), "r")
	require.NoError(t, e.RunSingle(t.Context(), "r", echo, []string{"second"}))

	rec.waitDone(t, "r")
	require.Equal(t, []engine.EventType{
		engine.EventJobKilled,
		engine.EventToolDataError,
		engine.EventToolDataDone,
	}, rec.types("r"))
	require.Contains(t, rec.data("r", engine.EventToolDataError), "already running")

	// reaped, the id is free again
	require.NoError(t, e.RunSingle(t.Context(), "r", echo, []string{"third"}))
	require.Eventually(t, func() bool {
		return len(rec.types("r")) == 5
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, "third\n", rec.data("r", engine.EventToolData))
	types := rec.types("r")
	require.Equal(t, engine.EventToolDataDone, types[len(types)-1])
}

func TestStalledSubscriber(t *testing.T) {
	t.Parallel()
	sleep := lookPath(t, "sleep")
	echo := lookPath(t, "echo")

	hub := engine.NewHub()
	t.Cleanup(hub.Close)
	stalled := hub.Subscribe(0)
	t.Cleanup(stalled.Cancel)

	rec := &recorder{}
	reader := hub.Subscribe(0)
	go func() {
		for ev := range reader.Events() {
			rec.Emit(ev)
		}
	}()

	e := engine.New(hub, shellenv.Static(shellenv.Ambient()), nil).WithWaitDelay(time.Second)
	ctx, cancel := context.WithCancel(t.Context())
	var wg sync.WaitGroup
	wg.Go(func() {
		_ = e.Do(ctx)
	})
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	require.NoError(t, e.RunSingle(t.Context(), "s1", sleep, []string{"30"}))
	require.Eventually(t, func() bool {
		return slices.Contains(e.Running(), "s1")
	}, 5*time.Second, 5*time.Millisecond)

	killCtx, killCancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer killCancel()
	require.NoError(t, e.KillJob(killCtx, "s1"))
	rec.waitDone(t, "s1")

	require.NoError(t, e.RunSingle(t.Context(), "s2", echo, []string{"hi"}))
	rec.waitDone(t, "s2")
	require.Equal(t, "hi\n", rec.data("s2", engine.EventToolData))
	require.Empty(t, e.Running())
}

func TestEnvironment(t *testing.T) {
	t.Parallel()
	e := engine.New(nil, shellenv.Static{"TOOLSHELL_TOOLS": "/from/shell"}, nil)
	require.Equal(t, shellenv.Snapshot{"TOOLSHELL_TOOLS": "/from/shell"}, e.Environment(t.Context()))
}
