package model

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
)

// ToolKind says how a tool is executed
type ToolKind int

const (
	// ToolNative is executed directly
	ToolNative ToolKind = iota
	// ToolPython is a script executed by a located Python interpreter
	ToolPython
)

func (k ToolKind) String() string {
	switch k {
	case ToolNative:
		return "native"
	case ToolPython:
		return "python"
	default:
		return fmt.Sprintf("ToolKind(%d)", int(k))
	}
}

func ParseToolKind(s string) (ToolKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "0", "native":
		return ToolNative, nil
	case "1", "python", "script":
		return ToolPython, nil
	default:
		return ToolNative, fmt.Errorf("unknown tool kind %q", s)
	}
}

func (k ToolKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *ToolKind) UnmarshalText(text []byte) error {
	parsed, err := ParseToolKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// UnmarshalJSON accepts both a name and the numeric form (0 native, 1 python)
// used by the desktop front end.
func (k *ToolKind) UnmarshalJSON(b []byte) error {
	var n int
	if err := json.Unmarshal(b, &n); err == nil {
		return k.UnmarshalText([]byte(fmt.Sprint(n)))
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("tool kind: %w", err)
	}
	return k.UnmarshalText([]byte(s))
}

// JobDescriptor describes a single tool invocation
type JobDescriptor struct {
	JobID string   `json:"toolId"`
	Path  string   `json:"path"`
	Args  []string `json:"args,omitempty"`
	Kind  ToolKind `json:"toolType"`
	Dir   string   `json:"dir,omitempty"` // empty => parent of Path
}

// WorkDir returns the directory a job is executed in
func (d JobDescriptor) WorkDir() string {
	if d.Dir != "" {
		return d.Dir
	}
	return filepath.Dir(d.Path)
}

// Clone returns a copy not sharing the Args slice
func (d JobDescriptor) Clone() JobDescriptor {
	d.Args = append([]string(nil), d.Args...)
	return d
}

func (d JobDescriptor) Validate() error {
	if d.JobID == "" {
		return fmt.Errorf("job id is empty: %w", ErrInvalidJob)
	}
	if d.Path == "" {
		return fmt.Errorf("job %s: path is empty: %w", d.JobID, ErrInvalidJob)
	}
	if d.Kind != ToolNative && d.Kind != ToolPython {
		return fmt.Errorf("job %s: %s: %w", d.JobID, d.Kind, ErrInvalidJob)
	}
	return nil
}

// ToolDir is the directory reported with a job completion: the parent
// directory of the tool with a trailing separator.
func ToolDir(path string) string {
	dir := filepath.Dir(path)
	if strings.HasSuffix(dir, string(filepath.Separator)) {
		return dir
	}
	return dir + string(filepath.Separator)
}
