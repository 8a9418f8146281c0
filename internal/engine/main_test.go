package engine_test

import (
	"context"
	"os/exec"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/CZERTAINLY/Toolshell/internal/engine"
	"github.com/CZERTAINLY/Toolshell/internal/interp"
	"github.com/CZERTAINLY/Toolshell/internal/shellenv"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recorder is a Sink keeping all events, hook is called synchronously
// from Emit
type recorder struct {
	mx     sync.Mutex
	events []engine.Event
	hook   func(engine.Event)
}

func (r *recorder) Emit(e engine.Event) {
	r.mx.Lock()
	hook := r.hook
	r.events = append(r.events, e)
	r.mx.Unlock()
	if hook != nil {
		hook(e)
	}
}

func (r *recorder) setHook(hook func(engine.Event)) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.hook = hook
}

// of returns the events of a given job
func (r *recorder) of(jobID string) []engine.Event {
	r.mx.Lock()
	defer r.mx.Unlock()
	var ret []engine.Event
	for _, e := range r.events {
		if e.JobID == jobID {
			ret = append(ret, e)
		}
	}
	return ret
}

func (r *recorder) types(jobID string) []engine.EventType {
	var ret []engine.EventType
	for _, e := range r.of(jobID) {
		ret = append(ret, e.Type)
	}
	return ret
}

func (r *recorder) all() []engine.Event {
	r.mx.Lock()
	defer r.mx.Unlock()
	return slices.Clone(r.events)
}

func (r *recorder) done(jobID string) (engine.Event, bool) {
	for _, e := range r.of(jobID) {
		if e.Type == engine.EventToolDataDone {
			return e, true
		}
	}
	return engine.Event{}, false
}

func (r *recorder) waitDone(t *testing.T, jobID string) engine.Event {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := r.done(jobID)
		return ok
	}, 10*time.Second, 5*time.Millisecond, "job %s did not finish", jobID)
	e, _ := r.done(jobID)
	return e
}

func (r *recorder) data(jobID string, typ engine.EventType) string {
	var ret string
	for _, e := range r.of(jobID) {
		if e.Type == typ {
			ret += e.Data
		}
	}
	return ret
}

type given struct {
	env     shellenv.Resolver
	locator interp.Locator
}

// startEngine runs the engine event loop until the end of the test
func startEngine(t *testing.T, g given) (*engine.Engine, *recorder, context.CancelFunc) {
	t.Helper()
	if g.env == nil {
		g.env = shellenv.Static(shellenv.Ambient())
	}
	rec := &recorder{}
	e := engine.New(rec, g.env, g.locator).WithWaitDelay(time.Second)
	ctx, cancel := context.WithCancel(t.Context())

	var wg sync.WaitGroup
	wg.Go(func() {
		err := e.Do(ctx)
		require.NoError(t, err)
	})
	stop := func() {
		cancel()
		wg.Wait()
	}
	t.Cleanup(stop)
	return e, rec, stop
}

func lookPath(t *testing.T, name string) string {
	t.Helper()
	path, err := exec.LookPath(name)
	if err != nil {
		t.Skipf("skipped, binary %s not available: %v", name, err)
	}
	return path
}

func exitCode(t *testing.T, e engine.Event) int {
	t.Helper()
	code, ok := e.ExitCode()
	require.True(t, ok, "event %s has no exit code", e.Type)
	return code
}
