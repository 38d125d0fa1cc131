package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/mattjoyce/forkpool/internal/log"
	"github.com/mattjoyce/forkpool/internal/metrics"
)

const (
	// DefaultTimeout bounds the wait for a stream's first byte.
	DefaultTimeout = 5000 * time.Millisecond

	// DefaultPollInterval is the sleep between buffer checks.
	DefaultPollInterval = 10 * time.Microsecond

	// DefaultSettle is how long a stream must stay quiet once output started.
	DefaultSettle = 5 * time.Millisecond

	// DefaultExitGrace is the wait for exit after the pipes are closed, before SIGTERM and again before SIGKILL.
	DefaultExitGrace = 2 * time.Second

	defaultShell = "/bin/sh"
)

// ErrSpawnDenied means the external command could not be started.
var ErrSpawnDenied = errors.New("spawn denied")

// Options configures a Runner.
type Options struct {
	WorkDir      string
	Shell        string
	Timeout      time.Duration
	PollInterval time.Duration
	Settle       time.Duration
	ExitGrace    time.Duration
	Log          RecordLogger
}

// Request is one synchronous command invocation.
type Request struct {
	Command string
	// Input is written to stdin followed by a newline when non-empty.
	Input string
	Want  FieldSet
	// Timeout overrides Options.Timeout when positive.
	Timeout time.Duration
	// Log appends a Record through Options.Log.
	Log bool
}

// Result holds the requested fields only; unrequested ones are nil.
// TimedOut lists the streams ("error", "result") whose first byte never
// arrived, which an empty string alone cannot tell apart from silence.
type Result struct {
	Cmd      *string  `json:"cmd,omitempty"`
	Data     *string  `json:"data,omitempty"`
	Error    *string  `json:"error,omitempty"`
	Result   *string  `json:"result,omitempty"`
	TimedOut []string `json:"timed_out,omitempty"`
}

// Runner spawns one-shot external commands.
type Runner struct {
	opts   Options
	logger *slog.Logger
}

// New returns a Runner with defaults filled in.
func New(opts Options) *Runner {
	if opts.Shell == "" {
		opts.Shell = defaultShell
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Settle < 0 {
		opts.Settle = 0
	}
	if opts.ExitGrace <= 0 {
		opts.ExitGrace = DefaultExitGrace
	}
	return &Runner{opts: opts, logger: log.WithComponent("runner")}
}

// Run spawns req.Command with stdin, stdout and stderr pipes, writes the
// input line, drains the requested streams under the poll timeout, closes the
// pipes and waits for the process. The exit status is not reported.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	logger := r.logger.With("command", req.Command)

	cmd := exec.Command(r.opts.Shell, "-c", req.Command)
	cmd.Dir = r.opts.WorkDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: create stdin pipe: %v", ErrSpawnDenied, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: create stdout pipe: %v", ErrSpawnDenied, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: create stderr pipe: %v", ErrSpawnDenied, err)
	}
	if err := cmd.Start(); err != nil {
		metrics.RunnerSpawnDenied.Inc()
		logger.Error("failed to start command", "work_dir", r.opts.WorkDir, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrSpawnDenied, err)
	}
	logger.Debug("command started", "pid", cmd.Process.Pid)

	// Both streams are always consumed so a chatty child cannot block on a
	// full pipe; only the requested ones are polled.
	outStream := pump(stdout)
	errStream := pump(stderr)

	timeout := r.opts.Timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	pollOpts := PollOptions{Timeout: timeout, Interval: r.opts.PollInterval, Settle: r.opts.Settle}

	if req.Input != "" {
		r.writeInput(ctx, stdin, req.Input, timeout, logger)
	}

	wantErr := req.Want.Has(FieldError) || req.Log
	wantOut := req.Want.Has(FieldResult) || req.Log

	var (
		wg             sync.WaitGroup
		errOut, outOut StreamOutcome
	)
	if wantErr {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errOut = errStream.poll(ctx, pollOpts)
		}()
	}
	if wantOut {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outOut = outStream.poll(ctx, pollOpts)
		}()
	}
	wg.Wait()

	_ = stdin.Close()
	_ = stdout.Close()
	_ = stderr.Close()
	r.wait(cmd, logger)

	res := &Result{}
	if req.Want.Has(FieldCmd) {
		res.Cmd = strPtr(req.Command)
	}
	if req.Want.Has(FieldData) {
		res.Data = strPtr(req.Input)
	}
	if req.Want.Has(FieldError) {
		res.Error = strPtr(errOut.Text)
		if errOut.TimedOut {
			res.TimedOut = append(res.TimedOut, string(FieldError))
		}
	}
	if req.Want.Has(FieldResult) {
		res.Result = strPtr(outOut.Text)
		if outOut.TimedOut {
			res.TimedOut = append(res.TimedOut, string(FieldResult))
		}
	}

	if req.Log && r.opts.Log != nil {
		rec := Record{
			Time:   start,
			Cmd:    req.Command,
			Data:   req.Input,
			Error:  errOut.Text,
			Result: outOut.Text,
		}
		if err := r.opts.Log.Append(rec); err != nil {
			logger.Warn("failed to append log record", "error", err)
		}
	}

	elapsed := time.Since(start)
	metrics.RunnerDuration.Observe(elapsed.Seconds())
	if errOut.TimedOut {
		metrics.RunnerStreamTimeouts.WithLabelValues(string(FieldError)).Inc()
	}
	if outOut.TimedOut {
		metrics.RunnerStreamTimeouts.WithLabelValues(string(FieldResult)).Inc()
	}
	logger.Debug("command finished", "duration", elapsed, "stderr_timed_out", errOut.TimedOut, "stdout_timed_out", outOut.TimedOut)
	return res, nil
}

// writeInput writes the input line, giving up after timeout. A child that never
// reads stdin cannot hold Run past its deadline: on timeout stdin is closed,
// which fails the pending write.
func (r *Runner) writeInput(ctx context.Context, stdin io.WriteCloser, input string, timeout time.Duration, logger *slog.Logger) {
	writeErr := make(chan error, 1)
	go func() {
		_, err := io.WriteString(stdin, input+"\n")
		writeErr <- err
	}()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	select {
	case err := <-writeErr:
		if err != nil {
			logger.Warn("failed to write input", "error", err)
		}
	case <-deadline.C:
		logger.Warn("input not consumed before timeout, closing stdin", "timeout", timeout)
		_ = stdin.Close()
	case <-ctx.Done():
		_ = stdin.Close()
	}
}

// wait reaps the process, escalating to SIGTERM and then SIGKILL when it does
// not exit within ExitGrace of its pipes being closed.
func (r *Runner) wait(cmd *exec.Cmd, logger *slog.Logger) {
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	grace := time.NewTimer(r.opts.ExitGrace)
	defer grace.Stop()

	select {
	case <-done:
		return
	case <-grace.C:
	}

	logger.Warn("command still running after pipes closed, sending SIGTERM")
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)

	grace.Reset(r.opts.ExitGrace)
	select {
	case <-done:
	case <-grace.C:
		logger.Warn("command did not exit after SIGTERM, sending SIGKILL")
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
	}
}

func strPtr(s string) *string {
	return &s
}
