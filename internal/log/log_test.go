package log_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/CZERTAINLY/Toolshell/internal/log"

	"github.com/stretchr/testify/require"
)

func TestContextAttrs(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := log.NewWriter(&buf, false, nil)

	ctx := log.ContextAttrs(t.Context(), slog.String("job_id", "t1"))
	logger.DebugContext(ctx, "hidden")
	logger.InfoContext(ctx, "spawned", "pid", 42)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "spawned", rec["msg"])
	require.Equal(t, "t1", rec["job_id"])
	require.EqualValues(t, 42, rec["pid"])
}

func TestConsole(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	console := log.NewConsole(3, slog.LevelInfo)
	logger := log.NewWriter(&buf, true, console)

	logger.Debug("debug only in json")
	logger.Info("first", "n", 1)
	logger.With("job", "a").Warn("second")
	logger.WithGroup("g").Error("third", "k", "v")
	logger.Info("fourth")

	require.Equal(t, []string{
		"warning | second | job=a",
		"error | third | g.k=v",
		"info | fourth",
	}, console.Lines())
	require.Equal(t, 5, strings.Count(buf.String(), "\n"))
	require.Contains(t, console.String(), "error | third")
}

func TestConsoleNotFull(t *testing.T) {
	t.Parallel()
	console := log.NewConsole(0, nil)
	require.Empty(t, console.Lines())
	slog.New(console).Info("hello")
	require.Equal(t, []string{"info | hello"}, console.Lines())
}
