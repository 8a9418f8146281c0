// Package shellenv captures the environment of the user's interactive login
// shell. Desktop applications are often started with a minimal environment,
// so tools configured through shell rc files (PATH additions and similar)
// would not be found without it.
package shellenv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"regexp"
	"runtime"
	"slices"
	"strings"
	"sync"
	"time"
)

const delimiter = "_TOOLSHELL_ENV_DELIMITER_"

// Snapshot maps variable names to values
type Snapshot map[string]string

// Environ returns the snapshot in the KEY=VALUE form expected by os/exec,
// sorted by key
func (s Snapshot) Environ() []string {
	ret := make([]string, 0, len(s))
	for _, k := range slices.Sorted(maps.Keys(s)) {
		ret = append(ret, k+"="+s[k])
	}
	return ret
}

// Ambient returns the environment of the current process
func Ambient() Snapshot {
	return Parse(os.Environ())
}

// Parse converts KEY=VALUE pairs to a snapshot
func Parse(environ []string) Snapshot {
	ret := make(Snapshot, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		ret[k] = v
	}
	return ret
}

// Resolver provides a snapshot of an environment
type Resolver interface {
	Resolve(ctx context.Context) (Snapshot, error)
}

// ResolverFunc adapts a function to the Resolver interface
type ResolverFunc func(ctx context.Context) (Snapshot, error)

func (f ResolverFunc) Resolve(ctx context.Context) (Snapshot, error) {
	return f(ctx)
}

// Static always resolves to the same snapshot
type Static Snapshot

func (s Static) Resolve(context.Context) (Snapshot, error) {
	return maps.Clone(Snapshot(s)), nil
}

// LoginShell runs the user's shell as an interactive login shell and captures
// its environment.
type LoginShell struct {
	Shell   string        // empty => $SHELL or /bin/sh
	Timeout time.Duration // zero => no timeout
}

var ansiRx = regexp.MustCompile(`[\x1b\x9b][\[\]()#;?]*(?:(?:(?:[a-zA-Z\d]*(?:;[a-zA-Z\d]*)*)?\x07)|(?:(?:\d{1,4}(?:;\d{0,4})*)?[\dA-PRZcf-ntqry=><~]))`)

var ErrUnsupported = errors.New("login shell environment not supported on " + runtime.GOOS)

func (l LoginShell) Resolve(ctx context.Context) (Snapshot, error) {
	if runtime.GOOS == "windows" {
		return nil, ErrUnsupported
	}

	shell := l.Shell
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = "/bin/sh"
	}

	if l.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.Timeout)
		defer cancel()
	}

	script := "printf '%s' " + delimiter + "; env; printf '%s' " + delimiter + "; exit"
	cmd := exec.CommandContext(ctx, shell, "-ilc", script)
	// oh-my-zsh and similar frameworks try to update themselves otherwise
	cmd.Env = append(os.Environ(), "DISABLE_AUTO_UPDATE=true")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("running %s: %w: %s", shell, err, strings.TrimSpace(stderr.String()))
	}

	return parseOutput(stdout.String())
}

func parseOutput(out string) (Snapshot, error) {
	parts := strings.Split(out, delimiter)
	if len(parts) < 3 {
		return nil, errors.New("shell output does not contain the environment")
	}
	raw := ansiRx.ReplaceAllString(parts[1], "")
	ret := make(Snapshot)
	for line := range strings.Lines(raw) {
		line = strings.TrimRight(line, "\r\n")
		k, v, ok := strings.Cut(line, "=")
		if !ok || k == "" || strings.ContainsAny(k, " \t") {
			continue
		}
		ret[k] = v
	}
	if len(ret) == 0 {
		return nil, errors.New("shell returned an empty environment")
	}
	return ret, nil
}

// Cache resolves the snapshot lazily and keeps it until the next Refresh.
// When resolution fails, the previous snapshot is kept, or the ambient
// environment is used if there is none.
type Cache struct {
	resolver Resolver
	mx       sync.Mutex
	snapshot Snapshot
}

func NewCache(resolver Resolver) *Cache {
	return &Cache{resolver: resolver}
}

// Get returns the cached snapshot, resolving it on the first call
func (c *Cache) Get(ctx context.Context) Snapshot {
	c.mx.Lock()
	snapshot := c.snapshot
	c.mx.Unlock()
	if snapshot != nil {
		return snapshot
	}
	return c.Refresh(ctx)
}

// Refresh resolves the snapshot again. The returned snapshot must not be modified.
func (c *Cache) Refresh(ctx context.Context) Snapshot {
	snapshot, err := c.resolver.Resolve(ctx)

	c.mx.Lock()
	defer c.mx.Unlock()
	if err != nil {
		slog.WarnContext(ctx, "resolving shell environment failed", "error", err)
		if c.snapshot == nil {
			c.snapshot = Ambient()
		}
		return c.snapshot
	}
	c.snapshot = snapshot
	return snapshot
}

// Resolve makes the Cache a Resolver too, it always refreshes
func (c *Cache) Resolve(ctx context.Context) (Snapshot, error) {
	return c.Refresh(ctx), nil
}
