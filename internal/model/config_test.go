package model_test

import (
	"strings"
	"testing"
	"time"

	"github.com/CZERTAINLY/Toolshell/internal/model"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	yml := `
version: 0
engine:
  interpreters:
    - python3
  shell_env: false
  wait_delay: 1m30s
service:
  mode: manual
  log: stderr
  console_size: 50
  http:
    enabled: true
upload:
  enabled: true
  url: https://example.com/repo
  auth:
    type: static_token
    token: ABC123
`
	cfg, err := model.LoadConfig(strings.NewReader(yml))
	require.NoError(t, err)
	require.Equal(t, model.ServiceModeManual, cfg.Service.Mode)
	require.NotNil(t, cfg.Service.Log)
	require.Equal(t, model.LogStderr, *cfg.Service.Log)
	require.NotNil(t, cfg.Service.ConsoleSize)
	require.Equal(t, 50, *cfg.Service.ConsoleSize)
	require.NotNil(t, cfg.Service.HTTP)
	require.True(t, cfg.Service.HTTP.Enabled)
	require.Equal(t, model.DefaultHTTPAddr, cfg.Service.HTTP.Addr)

	require.Equal(t, []string{"python3"}, cfg.Interpreters())
	require.False(t, cfg.ShellEnv())
	require.Equal(t, 90*time.Second, cfg.WaitDelay())
	require.Equal(t, model.DefaultShellEnvTimeout, cfg.ShellEnvTimeout())

	require.NotNil(t, cfg.Upload)
	require.True(t, cfg.Upload.Enabled)
	require.Equal(t, "https://example.com/repo", cfg.Upload.URL)
	require.Equal(t, model.AuthTypeStaticToken, cfg.Upload.Auth.Type)
	require.Equal(t, "ABC123", cfg.Upload.Auth.Token)
}

func TestLoadConfig_Fail(t *testing.T) {
	type given struct {
		yml string
	}
	var testCases = []struct {
		scenario string
		given    given
	}{
		{"missing token", given{`
version: 0
service:
  mode: manual
upload:
  enabled: true
  url: https://example.com/repo
  auth:
    type: static_token
`}},
		{"unknown field", given{`
version: 0
service:
  mode: manual
  colour: blue
`}},
		{"bad mode", given{`
version: 0
service:
  mode: cron
`}},
		{"bad duration", given{`
version: 0
engine:
  wait_delay: 5 minutes
service:
  mode: manual
`}},
		{"version", given{`
version: 1
service:
  mode: manual
`}},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			_, err := model.LoadConfig(strings.NewReader(tt.given.yml))
			require.Error(t, err)
		})
	}
}

func TestCueErrDetails(t *testing.T) {
	require.Nil(t, model.CueErrDetails(nil))

	_, err := model.LoadConfig(strings.NewReader(`
version: 0
service:
  mode: cron
`))
	require.Error(t, err)
	details := model.CueErrDetails(err)
	require.NotEmpty(t, details)
	require.Equal(t, "service.mode", details[0].Path)
	require.Contains(t, details[0].Message, "possible values")
	require.Contains(t, details[0].String(), "config.yaml:4:")
}

func TestDefaultConfig(t *testing.T) {
	cfg := model.DefaultConfig(t.Context())
	require.Equal(t, model.DefaultInterpreters, cfg.Interpreters())
	require.True(t, cfg.ShellEnv())
	require.Equal(t, model.DefaultWaitDelay, cfg.WaitDelay())
	require.False(t, cfg.Verbose())
}
