package daemon

import (
	"context"

	"github.com/mattjoyce/forkpool/internal/execute"
	"github.com/mattjoyce/forkpool/internal/router"
)

//go:generate mockgen -destination=mocks/mock_daemon.go -package=mocks github.com/mattjoyce/forkpool/internal/daemon Router,Executor,Reporter

// Router turns a command string into handler and program steps.
type Router interface {
	Parse(cmd string) (*router.ParsedCommand, error)
}

// Executor runs the individual steps of a job.
type Executor interface {
	RunScript(ctx context.Context, class, method string, jc execute.JobContext) error
	RunProgram(ctx context.Context, name, path, argv string) error
}

// Reporter receives every error the loop swallows.
type Reporter interface {
	Report(err error, fatal, shouldExit bool)
}
