package main

import (
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/forkpool/internal/config"
	"github.com/mattjoyce/forkpool/internal/daemon"
	"github.com/mattjoyce/forkpool/internal/errreport"
	"github.com/mattjoyce/forkpool/internal/execute"
	"github.com/mattjoyce/forkpool/internal/log"
	"github.com/mattjoyce/forkpool/internal/protocol"
	"github.com/mattjoyce/forkpool/internal/router"
	"github.com/mattjoyce/forkpool/internal/runner"
)

// newRunner builds the synchronous runner from the runner section.
func newRunner(cfg *config.Config) *runner.Runner {
	opts := runner.Options{
		WorkDir:      cfg.Runner.WorkDir,
		Timeout:      cfg.Runner.Timeout,
		PollInterval: cfg.Runner.PollInterval,
		Settle:       cfg.Runner.Settle,
		ExitGrace:    cfg.Runner.ExitGrace,
	}
	if cfg.Runner.LogDir != "" {
		opts.Log = runner.NewFileLogger(cfg.Runner.LogDir)
	}
	return runner.New(opts)
}

// buildLoop wires the router, the executor with its built-in handlers, and
// the error reporter into a daemon loop.
func buildLoop(cfg *config.Config) *daemon.Loop {
	exec := execute.New(newRunner(cfg))
	execute.RegisterBuiltins(exec)
	return daemon.New(
		router.New(cfg.Programs),
		exec,
		errreport.New(log.WithComponent("errreport")),
		daemon.WithLogger(log.WithComponent("worker")),
	)
}

func newWorkerCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run a worker that executes jobs read from stdin",
		Long: `Reads one encoded job per line from stdin and executes it. Exits when
stdin is closed. This is the command the pool spawns for each slot.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger := log.WithComponent("worker")
			logger.Info("worker started")
			if err := buildLoop(cfg).Run(ctx, cmd.InOrStdin()); err != nil && ctx.Err() == nil {
				return fmt.Errorf("worker loop: %w", err)
			}
			logger.Info("worker stopped")
			return nil
		},
	}
}

// newExecCmd is the target of detached launches: it runs exactly one job
// and exits.
func newExecCmd(g *globalOptions) *cobra.Command {
	var (
		command string
		data    string
	)
	cmd := &cobra.Command{
		Use:   "exec [-c command] [-d data] [argv...]",
		Short: "Execute a single job in the foreground",
		Long: `Executes one job and exits. Data is a JSON object or a query string.
Remaining arguments become the job's argv. Without -c the first argument is
the command.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			job, err := jobFromFlags(command, data, args)
			if err != nil {
				return err
			}
			buildLoop(cfg).RunOnce(cmd.Context(), job)
			return nil
		},
	}
	cmd.Flags().StringVarP(&command, "cmd", "c", "", "Command to execute")
	cmd.Flags().StringVarP(&data, "data", "d", "", "Job payload (JSON object or query string)")
	return cmd
}

// jobFromFlags assembles a job from -c/-d style flags and positional args.
func jobFromFlags(command, data string, args []string) (*protocol.Job, error) {
	if command == "" && len(args) > 0 {
		command, args = args[0], args[1:]
	}
	if command == "" {
		return nil, fmt.Errorf("no command given")
	}
	payload, err := protocol.DecodeData(data)
	if err != nil {
		return nil, fmt.Errorf("decode data: %w", err)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	job := &protocol.Job{Command: command, Payload: payload}
	if len(args) > 0 {
		job.Argv = strings.Join(args, " ")
		payload[protocol.ArgvKey] = job.Argv
	} else if argv, ok := payload[protocol.ArgvKey].(string); ok {
		job.Argv = argv
	}
	return job, nil
}
