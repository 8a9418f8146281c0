package model

import (
	"context"
	"io"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	AuthTypeNone        = "none"
	AuthTypeStaticToken = "static_token"

	ServiceModeManual = "manual"
	ServiceModeTimer  = "timer"

	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"

	DefaultHTTPAddr        = "127.0.0.1:8765"
	DefaultShellEnvTimeout = 10 * time.Second
	DefaultWaitDelay       = 5 * time.Second
)

// DefaultInterpreters are probed in this order for Python tools
var DefaultInterpreters = []string{"python", "python3"}

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

type Config struct {
	Version int     `json:"version" yaml:"version"` // fixed 0 for now
	Engine  *Engine `json:"engine,omitempty" yaml:"engine,omitempty"`
	Service Service `json:"service" yaml:"service"`
	Upload  *Upload `json:"upload,omitempty" yaml:"upload,omitempty"`
}

// Engine configures the tool execution engine
type Engine struct {
	Interpreters    []string `json:"interpreters,omitempty" yaml:"interpreters,omitempty"` // probed in order
	ShellEnv        *bool    `json:"shell_env,omitempty" yaml:"shell_env,omitempty"`       // capture login shell environment
	ShellEnvTimeout string   `json:"shell_env_timeout,omitempty" yaml:"shell_env_timeout,omitempty"`
	WaitDelay       string   `json:"wait_delay,omitempty" yaml:"wait_delay,omitempty"` // how long to wait for stdio after exit
}

type Service struct {
	Mode        string    `json:"mode" yaml:"mode"`
	Verbose     *bool     `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	Log         *string   `json:"log,omitempty" yaml:"log,omitempty"` // "stderr"|"stdout"|"discard"
	ConsoleSize *int      `json:"console_size,omitempty" yaml:"console_size,omitempty"`
	Tools       *string   `json:"tools,omitempty" yaml:"tools,omitempty"` // tools catalogue file
	Schedule    *Schedule `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	HTTP        *HTTP     `json:"http,omitempty" yaml:"http,omitempty"`
}

// Schedule is used in timer mode, either cron or ISO-8601 duration
type Schedule struct {
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
}

type HTTP struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

// Upload configures where tool results are published
type Upload struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	URL     string `json:"url" yaml:"url"`
	Auth    Auth   `json:"auth" yaml:"auth"` // discriminated union by Auth.Type
	Dir     string `json:"dir,omitempty" yaml:"dir,omitempty"`
}

// Auth is a tagged union: Type "none" or "static_token".
type Auth struct {
	Type  string `json:"type" yaml:"type"`                       // "none" | "static_token"
	Token string `json:"token,omitempty" yaml:"token,omitempty"` // required when Type == "static_token"
}

func DefaultConfig(_ context.Context) Config {
	log := LogStderr
	shellEnv := true
	return Config{
		Version: 0,
		Engine: &Engine{
			Interpreters:    append([]string(nil), DefaultInterpreters...),
			ShellEnv:        &shellEnv,
			ShellEnvTimeout: "10s",
			WaitDelay:       "5s",
		},
		Service: Service{
			Mode: ServiceModeManual,
			Log:  &log,
		},
	}
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}

	return out, nil
}

// Interpreters returns configured interpreter candidates or the defaults
func (c Config) Interpreters() []string {
	if c.Engine == nil || len(c.Engine.Interpreters) == 0 {
		return append([]string(nil), DefaultInterpreters...)
	}
	return append([]string(nil), c.Engine.Interpreters...)
}

// ShellEnv says if the login shell environment should be captured
func (c Config) ShellEnv() bool {
	if c.Engine == nil || c.Engine.ShellEnv == nil {
		return true
	}
	return *c.Engine.ShellEnv
}

func (c Config) ShellEnvTimeout() time.Duration {
	if c.Engine == nil {
		return DefaultShellEnvTimeout
	}
	return durationOr(c.Engine.ShellEnvTimeout, DefaultShellEnvTimeout)
}

func (c Config) WaitDelay() time.Duration {
	if c.Engine == nil {
		return DefaultWaitDelay
	}
	return durationOr(c.Engine.WaitDelay, DefaultWaitDelay)
}

func (c Config) Verbose() bool {
	return c.Service.Verbose != nil && *c.Service.Verbose
}

func durationOr(s string, dflt time.Duration) time.Duration {
	if s == "" {
		return dflt
	}
	d, err := ParseShortDuration(s)
	if err != nil {
		return dflt
	}
	return d
}
