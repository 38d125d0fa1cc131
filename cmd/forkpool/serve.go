package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/forkpool/internal/api"
	"github.com/mattjoyce/forkpool/internal/config"
	"github.com/mattjoyce/forkpool/internal/events"
	"github.com/mattjoyce/forkpool/internal/journal"
	"github.com/mattjoyce/forkpool/internal/lock"
	"github.com/mattjoyce/forkpool/internal/log"
	"github.com/mattjoyce/forkpool/internal/metrics"
	"github.com/mattjoyce/forkpool/internal/pool"
	"github.com/mattjoyce/forkpool/internal/proc"
	"github.com/mattjoyce/forkpool/internal/protocol"
	"github.com/mattjoyce/forkpool/internal/storage"
)

type serveOptions struct {
	stdin   bool
	noLock  bool
	maxFork int
	maxExec int
}

func newServeCmd(g *globalOptions) *cobra.Command {
	o := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the worker pool with its HTTP API",
		Long: `Starts the worker pool and, when api.enabled is set, the HTTP API.
With --stdin, encoded job lines read from stdin are submitted to the pool;
the command then exits once stdin is closed unless the API is enabled.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if o.maxFork > 0 {
				cfg.Pool.MaxFork = o.maxFork
			}
			if o.maxExec > 0 {
				cfg.Pool.MaxExec = o.maxExec
			}
			return runServe(cmd.Context(), cfg, o, cmd.InOrStdin())
		},
	}
	cmd.Flags().BoolVar(&o.stdin, "stdin", false, "Submit encoded job lines read from stdin")
	cmd.Flags().BoolVar(&o.noLock, "no-lock", false, "Skip the PID lock")
	cmd.Flags().IntVar(&o.maxFork, "max-fork", 0, "Override pool.max_fork")
	cmd.Flags().IntVar(&o.maxExec, "max-exec", 0, "Override pool.max_exec")
	return cmd
}

func runServe(parent context.Context, cfg *config.Config, o *serveOptions, stdin io.Reader) error {
	logger := log.WithComponent("main")
	info := currentVersionInfo()
	logger.Info("forkpool starting", "version", info.Version, "config", cfg.SourcePath)

	fingerprint, err := config.Fingerprint(cfg)
	if err != nil {
		logger.Warn("failed to fingerprint configuration", "error", err)
	} else {
		logger.Info("configuration loaded", "fingerprint", fingerprint)
	}

	if !o.noLock && cfg.Service.PIDFile != "" {
		pidLock, err := lock.AcquirePIDLock(cfg.Service.PIDFile)
		if err != nil {
			logger.Error("failed to acquire PID lock (another instance may be running)", "path", cfg.Service.PIDFile, "error", err)
			return err
		}
		defer pidLock.Release()
		logger.Info("acquired PID lock", "path", pidLock.Path())
	}

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	hub := events.NewHub(events.DefaultCapacity)
	observers := pool.Observers{metrics.PoolObserver{}, events.Observer{Hub: hub}}
	var jr *journal.Journal
	if cfg.Journal.Enabled {
		db, err := storage.OpenSQLite(ctx, cfg.Journal.Path)
		if err != nil {
			logger.Error("failed to open journal", "path", cfg.Journal.Path, "error", err)
			return err
		}
		defer db.Close()
		jr = journal.New(db)
		observers = append(observers, jr)
		logger.Info("journal opened", "path", cfg.Journal.Path)

		if cfg.Journal.Retention > 0 {
			n, err := jr.Prune(ctx, cfg.Journal.Retention)
			if err != nil {
				logger.Warn("journal prune failed", "error", err)
			} else if n > 0 {
				logger.Info("journal pruned", "deleted", n, "retention", cfg.Journal.Retention)
			}
		}
	}

	p, err := newPool(cfg, observers)
	if err != nil {
		return err
	}
	var poolMu sync.Mutex
	withPool := func(fn func(api.Dispatcher)) {
		poolMu.Lock()
		defer poolMu.Unlock()
		fn(p)
	}
	defer func() {
		withPool(func(api.Dispatcher) { p.ShutdownAll() })
	}()

	errCh := make(chan error, 2)
	var wg sync.WaitGroup

	if cfg.API.Enabled {
		apiCfg := api.ConfigFromAPI(cfg.API)
		apiCfg.ConfigHash = fingerprint
		var reader api.JournalReader
		if jr != nil {
			reader = jr
		}
		srv := api.New(apiCfg, p, newRunner(cfg), reader, log.WithComponent("api")).WithEvents(hub)
		withPool = srv.WithPool
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	stdinDone := make(chan struct{})
	if o.stdin {
		go func() {
			defer close(stdinDone)
			if err := submitLines(ctx, stdin, withPool); err != nil {
				errCh <- fmt.Errorf("stdin: %w", err)
			}
		}()
	}

	logger.Info("forkpool running (press Ctrl+C to stop)", "max_fork", cfg.Pool.MaxFork, "max_exec", cfg.Pool.MaxExec)

	var runErr error
	switch {
	case o.stdin && !cfg.API.Enabled:
		select {
		case <-stdinDone:
		case <-ctx.Done():
			logger.Info("received shutdown signal")
		case runErr = <-errCh:
		}
	case cfg.API.Enabled:
		select {
		case <-ctx.Done():
			logger.Info("received shutdown signal")
		case runErr = <-errCh:
		}
	default:
		logger.Warn("nothing to serve: enable api or pass --stdin")
	}
	cancel()
	wg.Wait()

	if runErr != nil {
		logger.Error("component failed", "error", runErr)
		return runErr
	}
	logger.Info("forkpool stopped")
	return nil
}

// newPool builds and configures the pool from the pool section. Empty
// worker and launch commands re-invoke this binary.
func newPool(cfg *config.Config, observer pool.Observer) (*pool.Pool, error) {
	workerLine := cfg.Pool.WorkerCommand
	if workerLine == "" {
		line, err := selfCommand(cfg, "worker")
		if err != nil {
			return nil, err
		}
		workerLine = line
	}
	launchLine := cfg.Pool.LaunchCommand
	if launchLine == "" {
		line, err := selfCommand(cfg, "exec")
		if err != nil {
			return nil, err
		}
		launchLine = line
	}

	spawner := pool.OSSpawner{Options: proc.SpawnOptions{
		Dir:       cfg.Runner.WorkDir,
		Stdout:    os.Stderr,
		ExitGrace: cfg.Pool.ExitGrace,
	}}
	p := pool.New(spawner,
		pool.WithMaxAttempts(cfg.Pool.MaxAttempts),
		pool.WithObserver(observer),
		pool.WithLogger(log.WithComponent("pool")),
		pool.WithEnvPath(cfg.Pool.EnvPath...),
		pool.WithLaunchCommand(launchLine),
	)
	if err := p.Configure(cfg.Pool.MaxFork, cfg.Pool.MaxExec, workerLine); err != nil {
		return nil, fmt.Errorf("configure pool: %w", err)
	}
	return p, nil
}

// submitLines decodes one job per line and submits it. Lines that fail to
// decode are logged and skipped.
func submitLines(ctx context.Context, r io.Reader, withPool func(func(api.Dispatcher))) error {
	logger := log.WithComponent("stdin")
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4<<20)
	for sc.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := sc.Text()
		if line == "" {
			continue
		}
		job, err := protocol.Decode(line)
		if err != nil {
			logger.Warn("discarding malformed job line", "error", err)
			continue
		}
		withPool(func(d api.Dispatcher) {
			out := d.SubmitResult(ctx, job.Command, job.Payload)
			if !out.OK() {
				logger.Warn("job not dispatched", "command", job.Command, "status", out.Status, "error", out.Err)
			}
		})
	}
	return sc.Err()
}
