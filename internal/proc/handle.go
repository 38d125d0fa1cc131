package proc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/mattjoyce/forkpool/internal/log"
)

const (
	// DefaultShell runs every command line.
	DefaultShell = "/bin/sh"

	// DefaultExitGrace is how long Close waits for a voluntary exit before
	// signalling. Release never signals.
	DefaultExitGrace = 5 * time.Second
)

var (
	// ErrSpawnFailed means the child process could not be created.
	ErrSpawnFailed = errors.New("spawn failed")

	// ErrBrokenPipe means a line could not be written to the child.
	ErrBrokenPipe = errors.New("broken pipe")
)

// SpawnOptions controls how a child is started.
type SpawnOptions struct {
	Shell     string
	Dir       string
	Env       []string
	Stdout    io.Writer // nil inherits the parent's stdout
	Stderr    io.Writer // nil inherits the parent's stderr
	ExitGrace time.Duration
}

func (o SpawnOptions) withDefaults() SpawnOptions {
	if o.Shell == "" {
		o.Shell = DefaultShell
	}
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
	if o.ExitGrace <= 0 {
		o.ExitGrace = DefaultExitGrace
	}
	return o
}

// Handle is a live child process with a writable stdin.
type Handle struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	done      chan struct{}
	exitGrace time.Duration
	logger    *slog.Logger

	writeMu     sync.Mutex
	releaseOnce sync.Once
	closeOnce   sync.Once
}

// Spawn starts commandLine under the shell with a stdin pipe.
func Spawn(ctx context.Context, commandLine string, opts SpawnOptions) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	if commandLine == "" {
		return nil, fmt.Errorf("%w: command line is empty", ErrSpawnFailed)
	}
	opts = opts.withDefaults()

	cmd := exec.Command(opts.Shell, "-c", commandLine)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr
	// Own process group: terminal signals stay with the controller, and Close
	// can signal the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: create stdin pipe: %v", ErrSpawnFailed, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start process: %v", ErrSpawnFailed, err)
	}

	h := &Handle{
		cmd:       cmd,
		stdin:     stdin,
		done:      make(chan struct{}),
		exitGrace: opts.ExitGrace,
		logger:    log.WithComponent("proc").With("pid", cmd.Process.Pid),
	}
	go func() {
		_ = cmd.Wait()
		close(h.done)
	}()

	h.logger.Debug("process spawned", "command", commandLine)
	return h, nil
}

// PID returns the process id of the shell that runs the command line.
func (h *Handle) PID() int {
	return h.cmd.Process.Pid
}

// Alive reports whether the child has not exited yet.
func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Done is closed once the child has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// WriteLine writes s followed by a newline to the child's stdin.
func (h *Handle) WriteLine(s string) error {
	if !h.Alive() {
		return fmt.Errorf("%w: process %d has exited", ErrBrokenPipe, h.PID())
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	if _, err := io.WriteString(h.stdin, s+"\n"); err != nil {
		return fmt.Errorf("%w: %v", ErrBrokenPipe, err)
	}
	return nil
}

// Release closes stdin and returns without waiting. The child keeps running
// until it has consumed everything already written and sees EOF; it is reaped
// in the background and never signalled. Safe to call more than once.
func (h *Handle) Release() error {
	h.releaseOnce.Do(func() {
		// Not under writeMu: a write blocked on a full pipe must not stall Release.
		_ = h.stdin.Close()
		h.logger.Debug("stdin released")
	})
	return nil
}

// Close releases stdin and waits for the child to exit, escalating to SIGTERM
// and SIGKILL if it lingers past ExitGrace. It is meant for teardown; use
// Release to retire a worker without cutting its queued jobs short. Safe to
// call more than once.
func (h *Handle) Close() error {
	_ = h.Release()
	h.closeOnce.Do(func() {
		grace := time.NewTimer(h.exitGrace)
		defer grace.Stop()

		select {
		case <-h.done:
			h.logger.Debug("process exited")
			return
		case <-grace.C:
		}

		h.logger.Warn("process did not exit after stdin closed, sending SIGTERM")
		h.signal(syscall.SIGTERM)

		grace.Reset(h.exitGrace)
		select {
		case <-h.done:
			h.logger.Info("process exited after SIGTERM")
		case <-grace.C:
			h.logger.Warn("process did not exit after SIGTERM, sending SIGKILL")
			h.signal(syscall.SIGKILL)
			<-h.done
		}
	})
	return nil
}

func (h *Handle) signal(sig syscall.Signal) {
	// Negative pid targets the process group created by Setpgid.
	if err := syscall.Kill(-h.cmd.Process.Pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		h.logger.Error("failed to signal process group", "signal", sig.String(), "error", err)
	}
}
