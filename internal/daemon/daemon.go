// Package daemon assembles the dispatch daemon: config, pools,
// worktrees, control plane, dispatcher, and the signal-driven
// lifecycle (SIGHUP reload, graceful shutdown).
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/zjrosen/ticketd/internal/agent"
	"github.com/zjrosen/ticketd/internal/config"
	"github.com/zjrosen/ticketd/internal/controlplane"
	"github.com/zjrosen/ticketd/internal/dispatch"
	"github.com/zjrosen/ticketd/internal/git"
	"github.com/zjrosen/ticketd/internal/journal"
	"github.com/zjrosen/ticketd/internal/log"
	"github.com/zjrosen/ticketd/internal/metrics"
	"github.com/zjrosen/ticketd/internal/pool"
	"github.com/zjrosen/ticketd/internal/router"
	"github.com/zjrosen/ticketd/internal/tracing"
	"github.com/zjrosen/ticketd/internal/tracker"
	"github.com/zjrosen/ticketd/internal/watcher"
	"github.com/zjrosen/ticketd/internal/worktree"
)

// Exit codes.
const (
	ExitOK          = 0
	ExitFatal       = 1
	ExitInterrupted = 130
)

// ShutdownGrace is how long in-flight pipelines get to finish before
// being cancelled.
const ShutdownGrace = 60 * time.Second

// ErrNotGitRepo indicates the project directory is not a git repository.
var ErrNotGitRepo = errors.New("project directory is not a git repository")

// Options are the CLI-level inputs. Zero values defer to the config
// file (and its defaults).
type Options struct {
	ProjectDir   string
	ConfigPath   string
	ControlPort  int
	PollInterval int
}

// Daemon is the assembled process. Construction performs all the
// fatal-at-startup checks; Run only blocks on signals.
type Daemon struct {
	opts    Options
	cfg     config.DaemonConfig
	pools   *pool.Manager
	wt      *worktree.Manager
	disp    *dispatch.Dispatcher
	server  *controlplane.Server // nil when the bind failed
	jrnl    *journal.Journal     // nil when disabled
	tracer  *tracing.Provider
	watch   *watcher.Watcher // nil without a config file
	stopped chan os.Signal
}

// New loads config and builds every component. Config and
// project-init failures are the only fatal errors.
func New(opts Options) (*Daemon, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg = applyOverrides(cfg, opts)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	projectDir, err := filepath.Abs(cfg.ProjectDir)
	if err != nil {
		return nil, fmt.Errorf("resolve project dir: %w", err)
	}

	exec := git.NewRealExecutor(projectDir)
	if !exec.IsGitRepo() {
		return nil, fmt.Errorf("%w: %s", ErrNotGitRepo, projectDir)
	}

	tracer, err := tracing.NewProvider(cfg.Tracing, projectDir)
	if err != nil {
		// Tracing is observability, not correctness.
		log.Warn(log.CatConfig, "Tracing disabled", "error", err.Error())
		tracer, _ = tracing.NewProvider(config.TracingConfig{}, projectDir)
	}

	var jrnl *journal.Journal
	if cfg.Journal.Enabled {
		path := cfg.Journal.Path
		if path == "" {
			path = filepath.Join(projectDir, ".ticketd", "journal.db")
		}
		jrnl, err = journal.Open(path)
		if err != nil {
			log.ErrorErr(log.CatJournal, "Run journal unavailable", err)
			jrnl = nil
		}
	}

	runtime := agent.NewCLIRuntime(cfg.Agent.Command, cfg.SessionTimeoutDuration())
	if err := runtime.Verify(); err != nil {
		log.Warn(log.CatDispatch, "Agent executable not found, sessions will fail",
			"command", cfg.Agent.Command)
	}

	pm := pool.NewManager(cfg)
	pm.InitializePools()

	wt := worktree.NewManager(projectDir, exec)
	collector := metrics.NewCollector()

	disp := dispatch.New(dispatch.Config{
		ProjectDir: projectDir,
		Daemon:     cfg,
		Pools:      pm,
		Worktrees:  wt,
		Runtime:    runtime,
		Router:     router.New(cfg.RoutingRules),
		Client:     &tracker.SyntheticPoller{Disabled: cfg.DisablePollFallback},
		Metrics:    collector,
		Journal:    jrnl,
		Tracer:     tracer.Tracer(),
	})

	// A bind failure is non-fatal: the daemon dispatches headless.
	handler := controlplane.NewHandler(controlplane.HandlerConfig{
		Pools:   pm,
		Metrics: collector,
		Journal: jrnl,
	})
	server, err := controlplane.NewServer(handler, cfg.ControlPort)
	if err != nil {
		log.ErrorErr(log.CatHTTP, "Control plane unavailable", err, "port", cfg.ControlPort)
		server = nil
	}

	var watch *watcher.Watcher
	if opts.ConfigPath != "" {
		watch, err = watcher.New(opts.ConfigPath, 0)
		if err != nil {
			log.Warn(log.CatConfig, "Config watcher unavailable", "error", err.Error())
			watch = nil
		}
	}

	return &Daemon{
		opts:    opts,
		cfg:     cfg,
		pools:   pm,
		wt:      wt,
		disp:    disp,
		server:  server,
		jrnl:    jrnl,
		tracer:  tracer,
		watch:   watch,
		stopped: make(chan os.Signal, 1),
	}, nil
}

func applyOverrides(cfg config.DaemonConfig, opts Options) config.DaemonConfig {
	if opts.ProjectDir != "" {
		cfg.ProjectDir = opts.ProjectDir
	}
	if cfg.ProjectDir == "" {
		cfg.ProjectDir = "."
	}
	if opts.ControlPort != 0 {
		cfg.ControlPort = opts.ControlPort
	}
	if opts.PollInterval != 0 {
		cfg.PollInterval = opts.PollInterval
	}
	return cfg
}

// Run starts everything and blocks until a termination signal. The
// return value is the process exit code.
func (d *Daemon) Run() int {
	log.Info(log.CatDispatch, "ticketd starting",
		"projectDir", d.cfg.ProjectDir, "controlPort", d.cfg.ControlPort)

	if d.server != nil {
		go func() {
			if err := d.server.Start(); err != nil {
				log.ErrorErr(log.CatHTTP, "Control plane stopped", err)
			}
		}()
	}

	dispCtx, cancelDisp := context.WithCancel(context.Background())
	dispDone := make(chan struct{})
	go func() {
		d.disp.Run(dispCtx)
		close(dispDone)
	}()

	var configChanges <-chan struct{}
	if d.watch != nil {
		ch, err := d.watch.Start()
		if err != nil {
			log.Warn(log.CatConfig, "Config watcher failed to start", "error", err.Error())
		} else {
			configChanges = ch
		}
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	var cause os.Signal
loop:
	for {
		select {
		case sig := <-signals:
			switch sig {
			case syscall.SIGHUP:
				d.reload()
			default:
				cause = sig
				break loop
			}
		case sig := <-d.stopped:
			cause = sig
			break loop
		case <-configChanges:
			log.Info(log.CatConfig, "Config file changed, reloading")
			d.reload()
		}
	}

	log.Info(log.CatDispatch, "Shutting down", "signal", fmt.Sprintf("%v", cause))
	d.shutdown(cancelDisp, dispDone)

	if cause == syscall.SIGINT {
		return ExitInterrupted
	}
	return ExitOK
}

// Stop triggers the same path as SIGTERM. Used by tests.
func (d *Daemon) Stop() {
	select {
	case d.stopped <- syscall.SIGTERM:
	default:
	}
}

// reload re-reads the config file and applies what can change at
// runtime: pool sizes, routing rules, poll interval. Invalid files are
// logged and ignored; the daemon keeps its current config.
func (d *Daemon) reload() {
	cfg, err := config.Load(d.opts.ConfigPath)
	if err != nil {
		log.ErrorErr(log.CatConfig, "Reload failed, keeping current config", err)
		return
	}
	cfg = applyOverrides(cfg, d.opts)
	if err := cfg.Validate(); err != nil {
		log.ErrorErr(log.CatConfig, "Reload failed, keeping current config", err)
		return
	}

	// Resize surviving pools. Pools cannot be created or destroyed at
	// runtime; removed ones keep their workers until shutdown.
	for name, pc := range cfg.Pools {
		t, ok := pool.ParseType(name)
		if !ok || !d.pools.HasPool(t) {
			continue
		}
		if err := d.pools.ResizePool(t, pc.MaxWorkers); err != nil {
			log.ErrorErr(log.CatPool, "Resize on reload failed", err, "pool", name)
		}
	}

	d.disp.ApplyConfig(cfg, router.New(cfg.RoutingRules))
	d.cfg = cfg
	log.Info(log.CatConfig, "Config reloaded")
}

// shutdown drains in order: watcher, control plane, dispatcher loop,
// in-flight pipelines, stale worktrees, journal, tracing.
func (d *Daemon) shutdown(cancelDisp context.CancelFunc, dispDone <-chan struct{}) {
	if d.watch != nil {
		_ = d.watch.Stop()
	}

	if d.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.server.Stop(ctx); err != nil {
			log.ErrorErr(log.CatHTTP, "Control plane shutdown error", err)
		}
		cancel()
	}

	cancelDisp()
	<-dispDone
	d.disp.Join(ShutdownGrace)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if n := d.wt.CleanupStaleWorktrees(ctx, d.pools.TrackedWorkerIDs()); n > 0 {
		log.Info(log.CatWorktree, "Cleaned stale worktrees", "count", n)
	}

	if d.jrnl != nil {
		_ = d.jrnl.Close()
	}
	if err := d.tracer.Shutdown(ctx); err != nil {
		log.Warn(log.CatConfig, "Tracing shutdown error", "error", err.Error())
	}

	d.logFinalCounters()
}

func (d *Daemon) logFinalCounters() {
	log.Info(log.CatDispatch, "Final counters",
		"dispatched", d.disp.TotalDispatched(),
		"completed", d.pools.TotalCompleted(),
		"uptime", d.disp.Uptime().Round(time.Second).String())

	for _, w := range d.pools.WorkerSnapshots() {
		log.Info(log.CatPool, "Worker summary",
			"workerID", w.ID, "completed", w.TicketsCompleted)
	}
}
