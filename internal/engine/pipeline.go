package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/CZERTAINLY/Toolshell/internal/log"
	"github.com/CZERTAINLY/Toolshell/internal/model"
)

// PipelineState is a state of a serial pipeline
type PipelineState int

const (
	PipelineIdle PipelineState = iota
	PipelineStageRunning
	PipelineStageSkippedAdvancing
	PipelineDone
)

func (s PipelineState) String() string {
	switch s {
	case PipelineIdle:
		return "idle"
	case PipelineStageRunning:
		return "stage_running"
	case PipelineStageSkippedAdvancing:
		return "stage_skipped_advancing"
	case PipelineDone:
		return "done"
	default:
		return "unknown"
	}
}

// StageResult says how a stage of a pipeline ended
type StageResult struct {
	JobID   string
	Skipped bool // no interpreter or not started
	Code    int
}

// Pipeline runs its private queue of jobs strictly one after another. The
// next stage starts only after tool-data-done of the previous one, so a
// killed stage lets the pipeline continue with the next one.
type Pipeline struct {
	mx      sync.Mutex
	queue   []model.JobDescriptor
	state   PipelineState
	current string
	results []StageResult
	done    chan struct{}
}

func newPipeline(queue []model.JobDescriptor) *Pipeline {
	return &Pipeline{
		queue: queue,
		state: PipelineIdle,
		done:  make(chan struct{}),
	}
}

// Done is closed when the last stage finished or the engine stopped
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

func (p *Pipeline) State() PipelineState {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.state
}

// Current returns the job id of the running stage
func (p *Pipeline) Current() string {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.current
}

// Results returns results of the finished stages in stage order
func (p *Pipeline) Results() []StageResult {
	p.mx.Lock()
	defer p.mx.Unlock()
	return append([]StageResult(nil), p.results...)
}

// Remaining returns the number of stages not started yet
func (p *Pipeline) Remaining() int {
	p.mx.Lock()
	defer p.mx.Unlock()
	return len(p.queue)
}

func (p *Pipeline) pop() (model.JobDescriptor, bool) {
	p.mx.Lock()
	defer p.mx.Unlock()
	if len(p.queue) == 0 {
		return model.JobDescriptor{}, false
	}
	desc := p.queue[0]
	p.queue = p.queue[1:]
	return desc, true
}

func (p *Pipeline) transition(ctx context.Context, state PipelineState, current string, result *StageResult) {
	p.mx.Lock()
	defer p.mx.Unlock()
	slog.DebugContext(ctx, "pipeline", "from", p.state.String(), "to", state.String(), "job_id", current)
	p.state = state
	p.current = current
	if result != nil {
		p.results = append(p.results, *result)
	}
}

func (p *Pipeline) run(ctx context.Context, e *Engine) {
	defer close(p.done)
	ctx = log.ContextAttrs(ctx, slog.String("pipeline", p.firstID()))
	for {
		desc, ok := p.pop()
		if !ok {
			break
		}

		// tools may be installed while earlier stages run
		env := e.env.Refresh(ctx)
		cmd, ok := e.prepare(ctx, desc, env)
		if !ok {
			p.transition(ctx, PipelineStageSkippedAdvancing, desc.JobID, &StageResult{JobID: desc.JobID, Skipped: true, Code: -1})
			continue
		}

		done := make(chan int, 1)
		cmd.done = done
		p.transition(ctx, PipelineStageRunning, desc.JobID, nil)
		if err := e.submit(ctx, request{op: opStart, cmd: cmd}); err != nil {
			slog.WarnContext(ctx, "pipeline stopped", "job_id", desc.JobID, "error", err)
			p.transition(ctx, PipelineDone, "", &StageResult{JobID: desc.JobID, Skipped: true, Code: -1})
			return
		}
		code := <-done
		p.record(StageResult{JobID: desc.JobID, Code: code})
	}
	p.transition(ctx, PipelineDone, "", nil)
}

func (p *Pipeline) record(result StageResult) {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.results = append(p.results, result)
}

func (p *Pipeline) firstID() string {
	p.mx.Lock()
	defer p.mx.Unlock()
	if len(p.queue) == 0 {
		return ""
	}
	return p.queue[0].JobID
}
