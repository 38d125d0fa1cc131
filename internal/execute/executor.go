// Package execute runs the steps of a parsed command: registered Go handlers
// for handler steps and external programs for program steps.
package execute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/mattjoyce/forkpool/internal/log"
	"github.com/mattjoyce/forkpool/internal/runner"
)

// ErrUnknownHandler is returned when no handler is registered for a step.
var ErrUnknownHandler = errors.New("unknown handler")

// JobContext is what a handler sees of the job that invoked it.
type JobContext struct {
	JobID   string
	Command string
	Payload map[string]any
	Argv    string
}

// HandlerFunc handles one class/method step. The returned value is logged.
type HandlerFunc func(ctx context.Context, jc JobContext) (any, error)

// ProgramRunner runs external programs synchronously.
type ProgramRunner interface {
	Run(ctx context.Context, req runner.Request) (*runner.Result, error)
}

// Executor dispatches handler and program steps.
type Executor struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	runner   ProgramRunner
	logger   *slog.Logger
}

// New returns an Executor that runs programs through pr.
func New(pr ProgramRunner) *Executor {
	return &Executor{
		handlers: make(map[string]HandlerFunc),
		runner:   pr,
		logger:   log.WithComponent("execute"),
	}
}

func key(class, method string) string {
	return strings.Trim(class, "/") + "/" + method
}

// Register adds h for class/method, replacing any previous handler.
func (e *Executor) Register(class, method string, h HandlerFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[key(class, method)] = h
}

// Handlers lists registered class/method keys in sorted order.
func (e *Executor) Handlers() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.handlers))
	for k := range e.handlers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// RunScript invokes the handler registered for class/method.
func (e *Executor) RunScript(ctx context.Context, class, method string, jc JobContext) error {
	e.mu.RLock()
	h, ok := e.handlers[key(class, method)]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHandler, key(class, method))
	}

	logger := log.WithJob(jc.JobID).With("handler", key(class, method))
	result, err := h(ctx, jc)
	if err != nil {
		return fmt.Errorf("handler %s: %w", key(class, method), err)
	}
	logger.Info("handler finished", "result", result)
	return nil
}

// RunProgram runs the program at path with argv appended and logs what it
// printed. A program that cannot be started is an error; its exit status is
// not.
func (e *Executor) RunProgram(ctx context.Context, name, path, argv string) error {
	if e.runner == nil {
		return fmt.Errorf("program %s: no runner configured", name)
	}
	command := path
	if argv = strings.TrimSpace(argv); argv != "" {
		command += " " + argv
	}

	res, err := e.runner.Run(ctx, runner.Request{
		Command: command,
		Want:    runner.Fields(runner.FieldError, runner.FieldResult),
	})
	if err != nil {
		return fmt.Errorf("program %s: %w", name, err)
	}

	e.logger.Info("program finished",
		"program", name,
		"command", command,
		"stdout", deref(res.Result),
		"stderr", deref(res.Error),
		"timed_out", res.TimedOut,
	)
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
