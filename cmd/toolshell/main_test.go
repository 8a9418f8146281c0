package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/CZERTAINLY/Toolshell/internal/model"
	"github.com/stretchr/testify/require"
)

func TestStoreDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "toolshell.yaml")
	dflt := model.DefaultConfig(t.Context())
	require.NoError(t, storeDefault(path, dflt))
	require.True(t, exists(path))
	require.False(t, exists(filepath.Dir(path)))

	f, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = f.Close()
	})
	loaded, err := model.LoadConfig(f)
	require.NoError(t, err)
	require.Equal(t, dflt, loaded)
}

func TestExitCode(t *testing.T) {
	require.Equal(t, 1, exitCode(errors.New("boom")))
	require.Equal(t, 3, exitCode(toolExit{code: 3}))
	require.Equal(t, 2, exitCode(errors.Join(errors.New("stage a"), toolExit{code: 2})))
	require.Equal(t, 1, exitCode(toolExit{code: -1}))
}
