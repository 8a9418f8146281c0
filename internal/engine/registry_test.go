package engine_test

import (
	"os"
	"os/exec"
	"testing"

	"github.com/CZERTAINLY/Toolshell/internal/engine"
	"github.com/CZERTAINLY/Toolshell/internal/model"

	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	t.Parallel()
	r := engine.NewRegistry()

	require.NoError(t, r.Register("b", &engine.Handle{JobID: "b"}))
	require.NoError(t, r.Register("a", &engine.Handle{JobID: "a"}))
	require.Equal(t, []string{"a", "b"}, r.Running())

	err := r.Register("a", &engine.Handle{JobID: "a"})
	require.ErrorIs(t, err, model.ErrJobExists)
	require.Error(t, r.Register("c", nil))

	h, ok := r.Get("a")
	require.True(t, ok)
	require.Equal(t, "a", h.JobID)

	r.Remove("a")
	r.Remove("a")
	_, ok = r.Get("a")
	require.False(t, ok)
	require.Equal(t, 1, r.Len())

	require.NoError(t, r.Terminate("b"))
	require.ErrorIs(t, r.Terminate("b"), model.ErrJobNotFound)
	require.Zero(t, r.Len())
	require.Empty(t, r.Running())

	// the id is kept until the killed process is removed
	require.True(t, r.Reserved("b"))
	require.ErrorIs(t, r.Register("b", &engine.Handle{JobID: "b"}), model.ErrJobExists)
	r.Remove("b")
	require.False(t, r.Reserved("b"))
	require.NoError(t, r.Register("b", &engine.Handle{JobID: "b"}))
}

func TestRegistry_Terminate(t *testing.T) {
	t.Parallel()
	sleep := lookPath(t, "sleep")
	cmd := exec.Command(sleep, "30")
	require.NoError(t, cmd.Start())

	r := engine.NewRegistry()
	require.NoError(t, r.Register("sleep", &engine.Handle{JobID: "sleep", Process: cmd.Process}))
	require.NoError(t, r.Terminate("sleep"))

	err := cmd.Wait()
	require.Error(t, err)
	require.Equal(t, -1, cmd.ProcessState.ExitCode())

	// reaped process, kill reports os.ErrProcessDone
	r.Remove("sleep")
	require.NoError(t, r.Register("sleep", &engine.Handle{JobID: "sleep", Process: cmd.Process}))
	require.NoError(t, r.Terminate("sleep"))
	require.ErrorIs(t, cmd.Process.Signal(os.Kill), os.ErrProcessDone)
}
