package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mattjoyce/forkpool/internal/config"
	"github.com/mattjoyce/forkpool/internal/router"
	"github.com/mattjoyce/forkpool/internal/runner"
)

type runOptions struct {
	command   string
	data      string
	pipe      string
	fields    string
	timeoutMS int
	logRecord bool
	pretty    bool
	raw       bool
}

func newRunCmd(g *globalOptions) *cobra.Command {
	o := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run [-c command] [flags] [argv...]",
		Short: "Run a command synchronously and print its output",
		Long: `Runs a command and waits for its output.

A command containing "/" runs in handler mode: its steps execute in this
process with -d as the job payload. Otherwise each step names a configured
program, started with the remaining arguments and fed -p on stdin. With
--raw the command is passed to the shell as written.

Each output stream waits up to -t milliseconds for its first byte.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if o.command == "" && len(args) > 0 {
				o.command, args = args[0], args[1:]
			}
			if strings.TrimSpace(o.command) == "" {
				return fmt.Errorf("no command given")
			}

			var results []*runner.Result
			if !o.raw && strings.Contains(o.command, "/") {
				res, err := runHandlers(cmd, cfg, o, args)
				if err != nil {
					return err
				}
				results = append(results, res)
			} else {
				results, err = runPrograms(cmd, cfg, o, args)
				if err != nil {
					return err
				}
			}

			for _, res := range results {
				if o.pretty {
					renderResult(cmd.OutOrStdout(), res)
					continue
				}
				if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.SetInterspersed(false)
	f.StringVarP(&o.command, "cmd", "c", "", "Command to run")
	f.StringVarP(&o.data, "data", "d", "", "Handler payload (JSON object or query string)")
	f.StringVarP(&o.pipe, "pipe", "p", "", "Line written to the program's stdin")
	f.StringVarP(&o.fields, "return", "r", "result", "Fields to return (cmd,data,error,result)")
	f.IntVarP(&o.timeoutMS, "timeout", "t", int(runner.DefaultTimeout/time.Millisecond), "Per-stream timeout in milliseconds")
	f.BoolVarP(&o.logRecord, "log", "l", false, "Append a record to the daily log")
	f.BoolVar(&o.pretty, "pretty", false, "Render output for humans")
	f.BoolVar(&o.raw, "raw", false, "Pass the command to the shell unresolved")
	return cmd
}

// runHandlers executes the command's steps in-process and reports the
// outcome in the same shape as a program run.
func runHandlers(cmd *cobra.Command, cfg *config.Config, o *runOptions, args []string) (*runner.Result, error) {
	job, err := jobFromFlags(o.command, o.data, args)
	if err != nil {
		return nil, err
	}
	want := runner.ParseFields(o.fields)
	res := &runner.Result{}
	errText, resultText := "", "ok"
	if err := buildLoop(cfg).Execute(cmd.Context(), uuid.NewString(), job); err != nil {
		errText, resultText = err.Error(), ""
	}
	if want.Has(runner.FieldCmd) {
		res.Cmd = &job.Command
	}
	if want.Has(runner.FieldData) {
		res.Data = &o.data
	}
	if want.Has(runner.FieldError) {
		res.Error = &errText
	}
	if want.Has(runner.FieldResult) {
		res.Result = &resultText
	}

	if o.logRecord && cfg.Runner.LogDir != "" {
		rec := runner.Record{Cmd: job.Command, Data: o.data, Error: errText, Result: resultText}
		if err := runner.NewFileLogger(cfg.Runner.LogDir).Append(rec); err != nil {
			return nil, fmt.Errorf("append log record: %w", err)
		}
	}
	return res, nil
}

// runPrograms resolves each program step and runs it synchronously.
func runPrograms(cmd *cobra.Command, cfg *config.Config, o *runOptions, args []string) ([]*runner.Result, error) {
	argv := strings.Join(args, " ")
	var lines []string
	if o.raw {
		lines = []string{joinCommand(o.command, argv)}
	} else {
		parsed, err := router.New(cfg.Programs).Parse(o.command)
		if err != nil {
			return nil, err
		}
		for _, step := range parsed.CLI {
			lines = append(lines, joinCommand(step.Path, argv))
		}
	}

	r := newRunner(cfg)
	results := make([]*runner.Result, 0, len(lines))
	for _, line := range lines {
		res, err := r.Run(cmd.Context(), runner.Request{
			Command: line,
			Input:   o.pipe,
			Want:    runner.ParseFields(o.fields),
			Timeout: time.Duration(o.timeoutMS) * time.Millisecond,
			Log:     o.logRecord,
		})
		if err != nil {
			if errors.Is(err, runner.ErrSpawnDenied) {
				return nil, fmt.Errorf("cannot start %q: %w", line, err)
			}
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}

func joinCommand(path, argv string) string {
	if argv = strings.TrimSpace(argv); argv != "" {
		return path + " " + argv
	}
	return path
}
