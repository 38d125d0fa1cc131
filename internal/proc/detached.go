package proc

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// SpawnDetached runs a background command line (see oscmd.Builder.Background)
// and reaps the shell. It reports only whether the shell could be started; the
// detached command's own outcome is unknown to the caller.
func SpawnDetached(ctx context.Context, commandLine string, opts SpawnOptions) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	if commandLine == "" {
		return fmt.Errorf("%w: command line is empty", ErrSpawnFailed)
	}
	if opts.Shell == "" {
		opts.Shell = DefaultShell
	}

	cmd := exec.Command(opts.Shell, "-c", commandLine)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: start process: %v", ErrSpawnFailed, err)
	}
	// The shell returns as soon as the job is backgrounded.
	go func() { _ = cmd.Wait() }()
	return nil
}
