package engine

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/CZERTAINLY/Toolshell/internal/model"
)

// Handle is a live process of a job
type Handle struct {
	JobID   string
	Process *os.Process
	Started time.Time
	desc    model.JobDescriptor
}

// Descriptor returns the job the process was started for
func (h *Handle) Descriptor() model.JobDescriptor {
	return h.desc.Clone()
}

// Registry maps job ids to live processes. It is the only source of truth
// about which jobs are running. A terminated process stays reserved under
// its job id until it is removed, so the id can't be reused while the old
// process is still being reaped.
type Registry struct {
	mx      sync.Mutex
	jobs    map[string]*Handle
	reaping map[string]*Handle
}

func NewRegistry() *Registry {
	return &Registry{
		jobs:    make(map[string]*Handle),
		reaping: make(map[string]*Handle),
	}
}

// Register stores the handle, returns model.ErrJobExists if the job id is
// already registered or its terminated process was not removed yet. An
// existing handle is never replaced.
func (r *Registry) Register(jobID string, h *Handle) error {
	if h == nil {
		return errors.New("nil handle")
	}
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.busy(jobID) {
		return fmt.Errorf("register %s: %w", jobID, model.ErrJobExists)
	}
	r.jobs[jobID] = h
	return nil
}

func (r *Registry) Get(jobID string) (*Handle, bool) {
	r.mx.Lock()
	defer r.mx.Unlock()
	h, ok := r.jobs[jobID]
	return h, ok
}

// Remove deletes the entry including a terminated one, it is a no-op for
// unknown job ids
func (r *Registry) Remove(jobID string) {
	r.mx.Lock()
	defer r.mx.Unlock()
	delete(r.jobs, jobID)
	delete(r.reaping, jobID)
}

// removeHandle deletes the entry of a reaped process only if it still
// points to h
func (r *Registry) removeHandle(jobID string, h *Handle) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	removed := false
	if cur, ok := r.jobs[jobID]; ok && cur == h {
		delete(r.jobs, jobID)
		removed = true
	}
	if cur, ok := r.reaping[jobID]; ok && cur == h {
		delete(r.reaping, jobID)
		removed = true
	}
	return removed
}

// Reserved reports whether the job id is running or its terminated process
// was not removed yet
func (r *Registry) Reserved(jobID string) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.busy(jobID)
}

func (r *Registry) busy(jobID string) bool {
	_, running := r.jobs[jobID]
	_, reaping := r.reaping[jobID]
	return running || reaping
}

// Terminate kills the process with SIGKILL. The job is no longer running,
// but its id stays reserved until Remove. Returns model.ErrJobNotFound if
// the job id is not running.
func (r *Registry) Terminate(jobID string) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	h, ok := r.jobs[jobID]
	if !ok {
		return fmt.Errorf("terminate %s: %w", jobID, model.ErrJobNotFound)
	}
	if h.Process != nil {
		err := h.Process.Kill()
		if err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("terminate %s: %w", jobID, err)
		}
	}
	delete(r.jobs, jobID)
	r.reaping[jobID] = h
	return nil
}

// Running returns sorted ids of registered jobs
func (r *Registry) Running() []string {
	r.mx.Lock()
	defer r.mx.Unlock()
	return slices.Sorted(maps.Keys(r.jobs))
}

func (r *Registry) Len() int {
	r.mx.Lock()
	defer r.mx.Unlock()
	return len(r.jobs)
}

// terminateAll kills every registered process, used on shutdown
func (r *Registry) terminateAll() []string {
	var killed []string
	for _, jobID := range r.Running() {
		if err := r.Terminate(jobID); err == nil {
			killed = append(killed, jobID)
		}
	}
	return killed
}
