package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/CZERTAINLY/Toolshell/internal/catalog"
	"github.com/CZERTAINLY/Toolshell/internal/engine"
	"github.com/CZERTAINLY/Toolshell/internal/httpapi"
	"github.com/CZERTAINLY/Toolshell/internal/ipc"
	"github.com/CZERTAINLY/Toolshell/internal/log"
	"github.com/CZERTAINLY/Toolshell/internal/model"
	"github.com/CZERTAINLY/Toolshell/internal/schedule"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	flagAddr   string // http --addr
	flagJobID  string // run --id
	flagPython bool   // run --python
	flagTools  string // pipeline/schedule --tools
	flagCron   string // schedule --cron
	flagEvery  string // schedule --every
	flagNoHTTP bool   // serve --no-http
)

const subscriberBuffer = 256

func init() {
	httpCmd.Flags().StringVar(&flagAddr, "addr", "", "listen address, default is service.http.addr or "+model.DefaultHTTPAddr)
	serveCmd.Flags().BoolVar(&flagNoHTTP, "no-http", false, "do not start the HTTP API even if enabled in config")
	runCmd.Flags().StringVar(&flagJobID, "id", "", "job id, random uuid when empty")
	runCmd.Flags().BoolVar(&flagPython, "python", false, "run the path as a Python script")
	for _, cmd := range []*cobra.Command{pipelineCmd, scheduleCmd} {
		cmd.Flags().StringVar(&flagTools, "tools", "", "tools catalogue, default is service.tools or tools.yaml next to the config")
	}
	scheduleCmd.Flags().StringVar(&flagCron, "cron", "", "cron expression, overrides service.schedule")
	scheduleCmd.Flags().StringVar(&flagEvery, "every", "", "ISO-8601 duration like PT30M, overrides service.schedule")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve the JSON lines protocol on stdin and stdout for a desktop front end",
	Args:  cobra.NoArgs,
	RunE:  doServe,
}

var httpCmd = &cobra.Command{
	Use:   "http",
	Short: "serve the HTTP API for web front ends",
	Args:  cobra.NoArgs,
	RunE:  doHTTP,
}

var runCmd = &cobra.Command{
	Use:   "run [flags] path [args...]",
	Short: "run a single tool and print its events",
	Args:  cobra.MinimumNArgs(1),
	RunE:  doRun,
}

var pipelineCmd = &cobra.Command{
	Use:   "pipeline name",
	Short: "run a named pipeline of the tools catalogue",
	Args:  cobra.ExactArgs(1),
	RunE:  doPipeline,
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule name",
	Short: "run a named pipeline of the tools catalogue periodically",
	Args:  cobra.ExactArgs(1),
	RunE:  doSchedule,
}

// toolExit carries a non zero exit code of a tool to the process exit code
type toolExit struct {
	code int
}

func (e toolExit) Error() string {
	return fmt.Sprintf("tool exited with code %d", e.code)
}

func exitCode(err error) int {
	var te toolExit
	if errors.As(err, &te) && te.code > 0 {
		return te.code
	}
	return 1
}

func cmdContext(cmd *cobra.Command) context.Context {
	attrs := slog.Group("toolshell",
		slog.String("cmd", cmd.Name()),
		slog.Int("pid", os.Getpid()),
	)
	return log.ContextAttrs(cmd.Context(), attrs)
}

func doServe(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithCancel(cmdContext(cmd))
	defer cancel()

	hub := engine.NewHub()
	defer hub.Close()
	e := engine.FromConfig(config, hub)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.Do(ctx)
	})
	g.Go(func() error {
		// the front end went away
		defer cancel()
		return ipc.New(e, hub, console, config.Upload).Serve(ctx, os.Stdin, os.Stdout)
	})
	if httpCfg := config.Service.HTTP; httpCfg != nil && httpCfg.Enabled && !flagNoHTTP {
		g.Go(func() error {
			return httpapi.New(e, hub, console).ListenAndServe(ctx, httpCfg.Addr)
		})
	}
	return g.Wait()
}

func doHTTP(cmd *cobra.Command, _ []string) error {
	ctx := cmdContext(cmd)
	addr := flagAddr
	if addr == "" && config.Service.HTTP != nil {
		addr = config.Service.HTTP.Addr
	}
	if addr == "" {
		addr = model.DefaultHTTPAddr
	}
	if _, err := model.ParseTCPAddr(addr); err != nil {
		return fmt.Errorf("parsing listen address: %w", err)
	}

	hub := engine.NewHub()
	defer hub.Close()
	e := engine.FromConfig(config, hub)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.Do(ctx)
	})
	g.Go(func() error {
		return httpapi.New(e, hub, console).ListenAndServe(ctx, addr)
	})
	return g.Wait()
}

func doRun(cmd *cobra.Command, args []string) error {
	jobID := flagJobID
	if jobID == "" {
		jobID = uuid.NewString()
	}
	ctx := log.ContextAttrs(cmdContext(cmd), slog.String("job_id", jobID))

	var last engine.Event
	err := withEngine(ctx, func(ctx context.Context, e *engine.Engine, sub *engine.Subscription) error {
		var err error
		if flagPython {
			err = e.RunPython(ctx, jobID, args[0], args[1:])
		} else {
			err = e.RunSingle(ctx, jobID, args[0], args[1:])
		}
		if err != nil {
			return err
		}
		last = printEvents(ctx, sub, nil, func(ev engine.Event) bool {
			return ev.JobID == jobID && (ev.Type == engine.EventToolDataDone || ev.Type == engine.EventReportClose)
		})
		return nil
	})
	if err != nil {
		return err
	}
	if code, ok := last.ExitCode(); ok && code != 0 {
		return toolExit{code: code}
	}
	return nil
}

func doPipeline(cmd *cobra.Command, args []string) error {
	ctx := log.ContextAttrs(cmdContext(cmd), slog.String("pipeline", args[0]))
	c, err := loadPipeline(args[0])
	if err != nil {
		return err
	}

	return withEngine(ctx, func(ctx context.Context, e *engine.Engine, sub *engine.Subscription) error {
		jobs, err := c.WithEnv(e.Environment(ctx)).Pipeline(args[0])
		if err != nil {
			return err
		}
		p, err := e.RunSerial(ctx, jobs)
		if err != nil {
			return err
		}
		printEvents(ctx, sub, p.Done(), nil)
		return pipelineErr(args[0], p)
	})
}

func doSchedule(cmd *cobra.Command, args []string) error {
	ctx := log.ContextAttrs(cmdContext(cmd), slog.String("pipeline", args[0]))
	c, err := loadPipeline(args[0])
	if err != nil {
		return err
	}

	var cfg model.Schedule
	if config.Service.Schedule != nil {
		cfg = *config.Service.Schedule
	}
	if flagCron != "" || flagEvery != "" {
		cfg = model.Schedule{Cron: flagCron, Duration: flagEvery}
	}

	return withEngine(ctx, func(ctx context.Context, e *engine.Engine, sub *engine.Subscription) error {
		s, err := schedule.New(ctx, cfg, func() {
			jobs, err := c.WithEnv(e.Environment(ctx)).Pipeline(args[0])
			if err != nil {
				slog.ErrorContext(ctx, "pipeline not started", "error", err)
				return
			}
			p, err := e.RunSerial(ctx, jobs)
			if err != nil {
				slog.ErrorContext(ctx, "pipeline not started", "error", err)
				return
			}
			select {
			case <-p.Done():
			case <-ctx.Done():
				return
			}
			if err := pipelineErr(args[0], p); err != nil {
				slog.WarnContext(ctx, "pipeline finished", "error", err)
				return
			}
			slog.InfoContext(ctx, "pipeline finished", "stages", len(p.Results()))
		})
		if err != nil {
			return err
		}

		g := errgroup.Group{}
		g.Go(func() error {
			printEvents(ctx, sub, nil, nil)
			return nil
		})
		g.Go(func() error {
			return schedule.Run(ctx, s)
		})
		return g.Wait()
	})
}

// withEngine runs the engine loop while f runs. Events of the engine are
// available to f, the subscription ends before the engine stops.
func withEngine(ctx context.Context, f func(context.Context, *engine.Engine, *engine.Subscription) error) error {
	hub := engine.NewHub()
	defer hub.Close()
	sub := hub.Subscribe(subscriberBuffer)
	e := engine.FromConfig(config, hub)

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.Do(gctx)
	})

	err := f(ctx, e, sub)
	sub.Cancel()
	cancel()
	return errors.Join(err, g.Wait())
}

// printEvents writes events as JSON lines to stdout. It returns the event
// until accepted, or when stop is closed or ctx is done. After stop the
// events queued so far are written too.
func printEvents(ctx context.Context, sub *engine.Subscription, stop <-chan struct{}, until func(engine.Event) bool) engine.Event {
	enc := json.NewEncoder(os.Stdout)
	write := func(ev engine.Event) {
		if err := enc.Encode(ev); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			slog.ErrorContext(ctx, "writing event", "error", err)
		}
	}
	events := sub.Events()
	for {
		select {
		case <-ctx.Done():
			return engine.Event{}
		case <-stop:
			sub.Drain()
			for ev := range events {
				write(ev)
			}
			return engine.Event{}
		case ev, ok := <-events:
			if !ok {
				return engine.Event{}
			}
			write(ev)
			if until != nil && until(ev) {
				return ev
			}
		}
	}
}

func pipelineErr(name string, p *engine.Pipeline) error {
	var errs []error
	for _, r := range p.Results() {
		switch {
		case r.Skipped:
			errs = append(errs, fmt.Errorf("stage %s skipped", r.JobID))
		case r.Code != 0:
			errs = append(errs, fmt.Errorf("stage %s: %w", r.JobID, toolExit{code: r.Code}))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("pipeline %s: %w", name, err)
	}
	return nil
}

// loadPipeline reads the tools catalogue and checks the pipeline is there.
// Variables are expanded again once the tool environment is known.
func loadPipeline(name string) (catalog.Catalog, error) {
	path := flagTools
	if path == "" && config.Service.Tools != nil {
		path = *config.Service.Tools
	}
	if path == "" {
		path = filepath.Join(filepath.Dir(configPath), "tools.yaml")
	}
	c, err := catalog.Load(path)
	if err != nil {
		return catalog.Catalog{}, err
	}
	if _, err := c.Pipeline(name); err != nil {
		return catalog.Catalog{}, err
	}
	return c, nil
}
