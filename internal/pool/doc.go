// Package pool keeps a fixed number of long-running worker processes and hands
// jobs to them round-robin over their stdin pipes.
//
// Dispatch is fire-and-forget: Submit returns once the job line has been written
// to a worker's pipe, not when the job has run. Each slot holds at most one live
// worker. A worker is spawned lazily on the first job for its slot, respawned when
// found dead, and recycled after MaxExec jobs so long-lived workers cannot
// accumulate leaks. Recycling only closes the worker's stdin: jobs already in
// its pipe still run, and Submit never waits for them. ShutdownAll is the one
// place that waits for workers and signals those that will not exit.
//
// Failure handling:
//   - spawn failure → job dropped, Submit returns false
//   - write failure → the slot's worker is recycled and the job retried on a
//     fresh worker in the same slot, up to MaxAttempts, then dropped
//   - anything that happens inside the worker is invisible to the submitter
//
// A Pool is not safe for concurrent use. Callers that share one (the HTTP API)
// serialize access themselves.
package pool
