// Package daemon is the worker side of the pool: it reads encoded jobs from
// stdin one line at a time and executes them until the input closes.
package daemon

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"strings"

	"github.com/google/uuid"

	"github.com/mattjoyce/forkpool/internal/execute"
	"github.com/mattjoyce/forkpool/internal/log"
	"github.com/mattjoyce/forkpool/internal/protocol"
)

// DefaultMaxLineBytes bounds a single job line. Longer lines are discarded.
const DefaultMaxLineBytes = 4 << 20

// Loop executes jobs read from a worker's stdin.
type Loop struct {
	router   Router
	executor Executor
	reporter Reporter
	logger   *slog.Logger
	maxLine  int
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(lp *Loop) { lp.logger = l }
}

// WithMaxLineBytes overrides DefaultMaxLineBytes.
func WithMaxLineBytes(n int) Option {
	return func(lp *Loop) {
		if n > 0 {
			lp.maxLine = n
		}
	}
}

// New builds a Loop from its collaborators.
func New(r Router, e Executor, rep Reporter, opts ...Option) *Loop {
	lp := &Loop{
		router:   r,
		executor: e,
		reporter: rep,
		logger:   log.WithComponent("daemon"),
		maxLine:  DefaultMaxLineBytes,
	}
	for _, opt := range opts {
		opt(lp)
	}
	return lp
}

// Run reads newline-terminated jobs from r until EOF or ctx is cancelled.
// Each job runs to completion before the next line is read. Errors and
// panics from a job are reported and never end the loop. EOF returns nil; a
// read error other than EOF is returned.
func (lp *Loop) Run(ctx context.Context, r io.Reader) error {
	br := bufio.NewReaderSize(r, 64*1024)
	lp.logger.Info("worker loop started")

	for {
		if err := ctx.Err(); err != nil {
			lp.logger.Info("worker loop cancelled")
			return nil
		}

		line, tooLong, err := lp.readLine(br)
		if tooLong {
			lp.logger.Warn("discarding oversized job line", "limit_bytes", lp.maxLine)
		} else if strings.TrimSpace(line) != "" {
			lp.handleLine(ctx, line)
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				lp.logger.Info("worker input closed")
				return nil
			}
			return fmt.Errorf("read job: %w", err)
		}
	}
}

// readLine returns the next line without its terminator. A line exceeding
// maxLine is consumed and reported as tooLong. A final unterminated line is
// returned together with io.EOF.
func (lp *Loop) readLine(br *bufio.Reader) (string, bool, error) {
	var sb strings.Builder
	tooLong := false
	for {
		chunk, err := br.ReadSlice('\n')
		if !tooLong {
			if sb.Len()+len(chunk) > lp.maxLine+1 {
				tooLong = true
				sb.Reset()
			} else {
				sb.Write(chunk)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if tooLong {
			return "", true, err
		}
		return strings.TrimRight(sb.String(), "\r\n"), false, err
	}
}

func (lp *Loop) handleLine(ctx context.Context, line string) {
	job, err := protocol.Decode(line)
	if err != nil {
		lp.logger.Warn("discarding undecodable job line", "error", err)
		return
	}
	lp.RunOnce(ctx, job)
}

// RunOnce executes a single decoded job. It recovers panics and forwards any
// failure to the reporter with fatal and exit unset.
func (lp *Loop) RunOnce(ctx context.Context, job *protocol.Job) {
	jobID := uuid.NewString()
	logger := lp.logger.With("job_id", jobID, "command", job.Command)

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("job panicked", "panic", rec, "stack", string(debug.Stack()))
			lp.reporter.Report(fmt.Errorf("job %s panicked: %v", job.Command, rec), false, false)
		}
	}()

	if err := lp.Execute(ctx, jobID, job); err != nil {
		logger.Warn("job failed", "error", err)
		lp.reporter.Report(err, false, false)
		return
	}
	logger.Debug("job finished")
}

// Execute routes job and runs every handler step, then every program step,
// stopping at the first error.
func (lp *Loop) Execute(ctx context.Context, jobID string, job *protocol.Job) error {
	parsed, err := lp.router.Parse(job.Command)
	if err != nil {
		return fmt.Errorf("route %q: %w", job.Command, err)
	}

	jc := execute.JobContext{
		JobID:   jobID,
		Command: job.Command,
		Payload: job.Payload,
		Argv:    job.Argv,
	}
	for _, step := range parsed.CGI {
		if err := lp.executor.RunScript(ctx, step.Class, step.Method, jc); err != nil {
			return err
		}
	}
	for _, step := range parsed.CLI {
		if step.Path == "" {
			continue
		}
		if err := lp.executor.RunProgram(ctx, step.Name, step.Path, job.Argv); err != nil {
			return err
		}
	}
	return nil
}
