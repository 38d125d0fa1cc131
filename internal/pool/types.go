package pool

import (
	"context"

	"github.com/mattjoyce/forkpool/internal/proc"
)

// DefaultMaxAttempts is the write budget for one job on one slot.
const DefaultMaxAttempts = 3

// Worker is the pool's view of a child process. Release retires it without
// waiting: lines already written still run. Close also waits for exit and may
// signal the process, so the pool only uses it at shutdown.
type Worker interface {
	WriteLine(s string) error
	Alive() bool
	Release() error
	Close() error
}

// Spawner creates workers and detached one-shot processes.
type Spawner interface {
	Spawn(ctx context.Context, commandLine string) (Worker, error)
	SpawnDetached(ctx context.Context, commandLine string) error
}

// OSSpawner starts real processes through package proc.
type OSSpawner struct {
	Options proc.SpawnOptions
}

var _ Spawner = OSSpawner{}

// Spawn implements Spawner.
func (s OSSpawner) Spawn(ctx context.Context, commandLine string) (Worker, error) {
	h, err := proc.Spawn(ctx, commandLine, s.Options)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// SpawnDetached implements Spawner.
func (s OSSpawner) SpawnDetached(ctx context.Context, commandLine string) error {
	return proc.SpawnDetached(ctx, commandLine, s.Options)
}

// Status is the outcome of one submission.
type Status string

const (
	StatusDispatched       Status = "dispatched"
	StatusSpawnFailed      Status = "spawn_failed"
	StatusRetriesExhausted Status = "retries_exhausted"
	StatusEncodeFailed     Status = "encode_failed"
	StatusNotConfigured    Status = "not_configured"
)

// Outcome describes what Submit did with a job.
type Outcome struct {
	Slot     int
	Status   Status
	Attempts int
	Recycled bool
	Err      error
}

// OK reports whether the job reached a worker's pipe.
func (o Outcome) OK() bool {
	return o.Status == StatusDispatched
}

// SlotStats is a point-in-time view of one slot.
type SlotStats struct {
	Index     int  `json:"index"`
	Live      bool `json:"live"`
	ExecCount int  `json:"exec_count"`
	Spawns    int  `json:"spawns"`
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	MaxFork int         `json:"max_fork"`
	MaxExec int         `json:"max_exec"`
	Cursor  int         `json:"cursor"`
	Slots   []SlotStats `json:"slots"`
}

// Observer is notified of pool lifecycle events. Implementations must not
// call back into the Pool.
type Observer interface {
	WorkerSpawned(slot int)
	WorkerRecycled(slot int)
	JobSubmitted(command string, payload map[string]any, out Outcome)
	JobLaunched(command string, ok bool)
}

type nopObserver struct{}

func (nopObserver) WorkerSpawned(int)                            {}
func (nopObserver) WorkerRecycled(int)                           {}
func (nopObserver) JobSubmitted(string, map[string]any, Outcome) {}
func (nopObserver) JobLaunched(string, bool)                     {}

// Observers fans events out to several observers in order.
type Observers []Observer

func (obs Observers) WorkerSpawned(slot int) {
	for _, o := range obs {
		o.WorkerSpawned(slot)
	}
}

func (obs Observers) WorkerRecycled(slot int) {
	for _, o := range obs {
		o.WorkerRecycled(slot)
	}
}

func (obs Observers) JobSubmitted(command string, payload map[string]any, out Outcome) {
	for _, o := range obs {
		o.JobSubmitted(command, payload, out)
	}
}

func (obs Observers) JobLaunched(command string, ok bool) {
	for _, o := range obs {
		o.JobLaunched(command, ok)
	}
}
