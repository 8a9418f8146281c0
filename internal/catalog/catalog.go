// Package catalog reads the tools catalogue: named tools and named pipelines
// made of them, used by the pipeline and schedule commands.
//
//	tools:
//	  sharphound:
//	    path: $HOME/tools/SharpHound
//	    args: ["--collectionmethods", "All"]
//	  report:
//	    path: scripts/report.py
//	    kind: python
//	pipelines:
//	  recon: [sharphound, report]
//
// Names are case insensitive. Environment variables in path, args and dir
// are expanded, against the environment given to WithEnv or the one of this
// process. Relative paths are relative to the catalogue file.
package catalog

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/CZERTAINLY/Toolshell/internal/model"
	"github.com/CZERTAINLY/Toolshell/internal/shellenv"
	"github.com/spf13/viper"
)

var ErrUnknown = errors.New("not found in the tools catalogue")

type Tool struct {
	Path string   `mapstructure:"path"`
	Args []string `mapstructure:"args"`
	Kind string   `mapstructure:"kind"` // native or python, inferred from .py when empty
	Dir  string   `mapstructure:"dir"`
}

type Catalog struct {
	Tools     map[string]Tool     `mapstructure:"tools"`
	Pipelines map[string][]string `mapstructure:"pipelines"`

	base string
	env  shellenv.Snapshot
}

// Load reads the catalogue file, the format is given by its extension
func Load(path string) (Catalog, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Catalog{}, fmt.Errorf("reading tools catalogue: %w", err)
	}
	abs, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return Catalog{}, err
	}
	return decode(v, abs)
}

// Read reads a YAML catalogue, relative paths are resolved against base
func Read(r io.Reader, base string) (Catalog, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(r); err != nil {
		return Catalog{}, fmt.Errorf("reading tools catalogue: %w", err)
	}
	return decode(v, base)
}

func decode(v *viper.Viper, base string) (Catalog, error) {
	var c Catalog
	if err := v.Unmarshal(&c); err != nil {
		return Catalog{}, fmt.Errorf("decoding tools catalogue: %w", err)
	}
	c.base = base

	var errs []error
	for name := range c.Tools {
		if _, err := c.Job(name); err != nil {
			errs = append(errs, err)
		}
	}
	for name, stages := range c.Pipelines {
		if len(stages) == 0 {
			errs = append(errs, fmt.Errorf("pipeline %s: no tools", name))
		}
		for _, stage := range stages {
			if _, ok := c.Tools[strings.ToLower(stage)]; !ok {
				errs = append(errs, fmt.Errorf("pipeline %s: tool %s: %w", name, stage, ErrUnknown))
			}
		}
	}
	return c, errors.Join(errs...)
}

// WithEnv returns a copy of the catalogue expanding variables from env
func (c Catalog) WithEnv(env shellenv.Snapshot) Catalog {
	c.env = env
	return c
}

// ToolNames returns sorted names of the tools
func (c Catalog) ToolNames() []string {
	return slices.Sorted(maps.Keys(c.Tools))
}

// PipelineNames returns sorted names of the pipelines
func (c Catalog) PipelineNames() []string {
	return slices.Sorted(maps.Keys(c.Pipelines))
}

// Job returns the descriptor of a tool, the job id is the tool name
func (c Catalog) Job(name string) (model.JobDescriptor, error) {
	name = strings.ToLower(name)
	tool, ok := c.Tools[name]
	if !ok {
		return model.JobDescriptor{}, fmt.Errorf("tool %s: %w", name, ErrUnknown)
	}

	path := c.resolve(tool.Path)
	kind, err := model.ParseToolKind(tool.Kind)
	if err != nil {
		return model.JobDescriptor{}, fmt.Errorf("tool %s: %w", name, err)
	}
	if tool.Kind == "" && strings.EqualFold(filepath.Ext(path), ".py") {
		kind = model.ToolPython
	}

	args := make([]string, len(tool.Args))
	for i, arg := range tool.Args {
		args[i] = c.expand(arg)
	}
	var dir string
	if tool.Dir != "" {
		dir = c.resolve(tool.Dir)
	}

	desc := model.JobDescriptor{
		JobID: name,
		Path:  path,
		Args:  args,
		Kind:  kind,
		Dir:   dir,
	}
	if err := desc.Validate(); err != nil {
		return model.JobDescriptor{}, err
	}
	return desc, nil
}

// Pipeline returns descriptors of all stages of a pipeline in order
func (c Catalog) Pipeline(name string) ([]model.JobDescriptor, error) {
	name = strings.ToLower(name)
	stages, ok := c.Pipelines[name]
	if !ok {
		return nil, fmt.Errorf("pipeline %s: %w", name, ErrUnknown)
	}
	jobs := make([]model.JobDescriptor, 0, len(stages))
	for _, stage := range stages {
		job, err := c.Job(stage)
		if err != nil {
			return nil, fmt.Errorf("pipeline %s: %w", name, err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (c Catalog) resolve(p string) string {
	p = c.expand(p)
	if p == "" || filepath.IsAbs(p) || c.base == "" {
		return p
	}
	// bare names like "nmap" are looked up in PATH by the engine
	if !strings.ContainsRune(p, '/') && !strings.ContainsRune(p, filepath.Separator) {
		return p
	}
	return filepath.Join(c.base, p)
}

func (c Catalog) expand(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}
	if c.env == nil {
		return os.ExpandEnv(s)
	}
	return os.Expand(s, func(key string) string {
		return c.env[key]
	})
}
