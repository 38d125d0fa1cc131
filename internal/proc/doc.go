// Package proc wraps one OS child process and the pipe used to feed it.
//
// A Handle owns the child for its whole life: Spawn starts it through /bin/sh -c,
// WriteLine pushes one line to its stdin, Alive reports whether it is still running.
// Release retires it, Close tears it down. Handles are never shared; the worker
// pool owns one per slot and one-shot callers own theirs.
//
// Release only closes stdin. Lines already in the pipe are still read and run;
// the child exits on end-of-stream and is reaped in the background.
//
// Termination on Close:
//   - stdin is closed so a well-behaved worker sees end-of-stream and exits
//   - after ExitGrace the process group is sent SIGTERM
//   - after a second ExitGrace it is sent SIGKILL
//
// The exit status is never surfaced.
package proc
