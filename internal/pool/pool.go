package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mattjoyce/forkpool/internal/log"
	"github.com/mattjoyce/forkpool/internal/oscmd"
	"github.com/mattjoyce/forkpool/internal/protocol"
)

// ErrNotConfigured is returned by operations that need Configure first.
var ErrNotConfigured = errors.New("pool is not configured")

type slot struct {
	worker    Worker
	execCount int
	spawns    int
}

// Pool owns MaxFork worker slots and a round-robin cursor.
type Pool struct {
	spawner     Spawner
	observer    Observer
	logger      *slog.Logger
	maxAttempts int
	envPath     []string
	launchCmd   string

	maxFork   int
	maxExec   int
	workerCmd string
	slots     []slot
	idx       int
}

// Option configures a Pool.
type Option func(*Pool)

// WithMaxAttempts sets the per-job write budget (default 3).
func WithMaxAttempts(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

// WithObserver registers an observer for spawn, recycle and submit events.
func WithObserver(o Observer) Option {
	return func(p *Pool) {
		if o != nil {
			p.observer = o
		}
	}
}

// WithLogger replaces the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithEnvPath prepends dirs to PATH for every process the pool spawns.
func WithEnvPath(dirs ...string) Option {
	return func(p *Pool) {
		p.envPath = append(p.envPath, dirs...)
	}
}

// WithLaunchCommand sets the command line prefix used by LaunchDetached. The
// job is appended as -c <command> [-d <json>] [argv].
func WithLaunchCommand(commandLine string) Option {
	return func(p *Pool) {
		p.launchCmd = commandLine
	}
}

// New creates an unconfigured Pool.
func New(spawner Spawner, opts ...Option) *Pool {
	p := &Pool{
		spawner:     spawner,
		observer:    nopObserver{},
		logger:      log.WithComponent("pool"),
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Configure sets capacity, the per-worker job budget and the worker command
// line. Existing workers are recycled and every slot starts empty.
func (p *Pool) Configure(maxFork, maxExec int, workerCommandLine string) error {
	if maxFork < 1 {
		return fmt.Errorf("max_fork must be >= 1, got %d", maxFork)
	}
	if maxExec < 1 {
		return fmt.Errorf("max_exec must be >= 1, got %d", maxExec)
	}
	if workerCommandLine == "" {
		return fmt.Errorf("worker command line is empty")
	}

	for i := range p.slots {
		p.Recycle(i)
	}

	p.maxFork = maxFork
	p.maxExec = maxExec
	p.workerCmd = workerCommandLine
	p.slots = make([]slot, maxFork)
	p.idx = 0

	p.logger.Info("pool configured", "max_fork", maxFork, "max_exec", maxExec, "worker_command", workerCommandLine)
	return nil
}

// Submit dispatches one job and reports whether it reached a worker's pipe.
func (p *Pool) Submit(ctx context.Context, command string, payload map[string]any) bool {
	return p.SubmitResult(ctx, command, payload).OK()
}

// SubmitResult is Submit with the full outcome.
func (p *Pool) SubmitResult(ctx context.Context, command string, payload map[string]any) Outcome {
	if p.slots == nil {
		return Outcome{Slot: -1, Status: StatusNotConfigured, Err: ErrNotConfigured}
	}

	idx := p.idx
	// The cursor moves on every outcome, success or not.
	defer p.advance()

	out := p.dispatch(ctx, idx, command, payload)
	p.observer.JobSubmitted(command, payload, out)

	logger := p.logger.With("slot", idx, "command", command, "attempts", out.Attempts)
	switch out.Status {
	case StatusDispatched:
		logger.Debug("job dispatched", "recycled", out.Recycled)
	default:
		logger.Warn("job dropped", "status", string(out.Status), "error", out.Err)
	}
	return out
}

func (p *Pool) dispatch(ctx context.Context, idx int, command string, payload map[string]any) Outcome {
	out := Outcome{Slot: idx}

	line, err := protocol.Encode(command, payload)
	if err != nil {
		out.Status = StatusEncodeFailed
		out.Err = err
		return out
	}

	s := &p.slots[idx]
	for out.Attempts < p.maxAttempts {
		out.Attempts++

		if s.worker == nil || !s.worker.Alive() {
			if err := p.spawn(ctx, idx); err != nil {
				out.Status = StatusSpawnFailed
				out.Err = err
				return out
			}
		}

		if err := s.worker.WriteLine(line); err != nil {
			out.Err = err
			p.logger.Debug("write to worker failed", "slot", idx, "attempt", out.Attempts, "error", err)
			// A partial line may be stuck in the old pipe; retry on a fresh one.
			p.Recycle(idx)
			continue
		}

		s.execCount++
		if s.execCount >= p.maxExec {
			p.Recycle(idx)
			out.Recycled = true
		}
		out.Status = StatusDispatched
		out.Err = nil
		return out
	}

	out.Status = StatusRetriesExhausted
	return out
}

func (p *Pool) spawn(ctx context.Context, idx int) error {
	p.Recycle(idx)

	line := oscmd.New(p.workerCmd).WithEnvPath(p.envPath...).String()
	w, err := p.spawner.Spawn(ctx, line)
	if err != nil {
		return err
	}

	s := &p.slots[idx]
	s.worker = w
	s.execCount = 0
	s.spawns++

	p.observer.WorkerSpawned(idx)
	p.logger.Debug("worker spawned", "slot", idx, "spawns", s.spawns)
	return nil
}

func (p *Pool) advance() {
	p.idx = (p.idx + 1) % p.maxFork
}

// Recycle releases and discards the slot's worker. The worker finishes the
// jobs already written to it and exits on its own; Recycle does not wait. It
// is a no-op on an empty slot or an out-of-range index.
func (p *Pool) Recycle(idx int) {
	w := p.detach(idx)
	if w == nil {
		return
	}
	if err := w.Release(); err != nil {
		p.logger.Warn("failed to release worker", "slot", idx, "error", err)
	}
	p.observer.WorkerRecycled(idx)
	p.logger.Debug("worker recycled", "slot", idx)
}

func (p *Pool) detach(idx int) Worker {
	if idx < 0 || idx >= len(p.slots) {
		return nil
	}
	s := &p.slots[idx]
	w := s.worker
	s.worker = nil
	s.execCount = 0
	return w
}

// ShutdownAll recycles every slot, then waits for the released workers to
// exit, signalling any that outlast their exit grace. Calling it again is a
// no-op.
func (p *Pool) ShutdownAll() {
	var closing []Worker
	for i := range p.slots {
		if w := p.slots[i].worker; w != nil {
			closing = append(closing, w)
		}
		p.Recycle(i)
	}
	for _, w := range closing {
		if err := w.Close(); err != nil {
			p.logger.Warn("failed to close worker", "error", err)
		}
	}
	if len(closing) > 0 {
		p.logger.Info("pool shut down", "workers_closed", len(closing))
	}
}

// LaunchDetached starts a one-shot background process for the job outside
// the pool. The result says only whether the spawn itself succeeded.
func (p *Pool) LaunchDetached(ctx context.Context, command string, payload map[string]any) bool {
	ok := p.launchDetached(ctx, command, payload) == nil
	p.observer.JobLaunched(command, ok)
	return ok
}

func (p *Pool) launchDetached(ctx context.Context, command string, payload map[string]any) error {
	logger := p.logger.With("command", command)
	line, err := p.LaunchCommandLine(command, payload)
	if err != nil {
		logger.Warn("detached launch rejected", "error", err)
		return err
	}
	if err := p.spawner.SpawnDetached(ctx, line); err != nil {
		logger.Warn("detached launch failed", "error", err)
		return err
	}
	logger.Debug("detached launch started")
	return nil
}

// LaunchCommandLine builds the background command line LaunchDetached spawns.
func (p *Pool) LaunchCommandLine(command string, payload map[string]any) (string, error) {
	if p.launchCmd == "" {
		return "", fmt.Errorf("launch command is not set")
	}
	if command == "" {
		return "", fmt.Errorf("command is empty")
	}

	line := p.launchCmd + " -c " + protocol.EncodeArg(command)
	if len(payload) > 0 {
		data, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("encode payload: %w", err)
		}
		line += " -d " + protocol.EncodeArg(string(data))
	}
	if argv, ok := payload[protocol.ArgvKey].(string); ok && argv != "" {
		line += " -- " + argv
	}
	return oscmd.New(line).WithEnvPath(p.envPath...).Background().String(), nil
}

// Stats returns a snapshot of the slots and cursor.
func (p *Pool) Stats() Stats {
	st := Stats{
		MaxFork: p.maxFork,
		MaxExec: p.maxExec,
		Cursor:  p.idx,
		Slots:   make([]SlotStats, len(p.slots)),
	}
	for i, s := range p.slots {
		st.Slots[i] = SlotStats{
			Index:     i,
			Live:      s.worker != nil && s.worker.Alive(),
			ExecCount: s.execCount,
			Spawns:    s.spawns,
		}
	}
	return st
}
