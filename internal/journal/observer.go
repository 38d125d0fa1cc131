package journal

import (
	"context"

	"github.com/mattjoyce/forkpool/internal/log"
	"github.com/mattjoyce/forkpool/internal/pool"
)

// WorkerSpawned implements pool.Observer.
func (j *Journal) WorkerSpawned(slot int) {
	j.workerEvent(slot, WorkerSpawned)
}

// WorkerRecycled implements pool.Observer.
func (j *Journal) WorkerRecycled(slot int) {
	j.workerEvent(slot, WorkerRecycled)
}

// JobSubmitted implements pool.Observer.
func (j *Journal) JobSubmitted(command string, payload map[string]any, out pool.Outcome) {
	digest, size := Digest(command, payload)
	e := Entry{
		Kind:          KindSubmit,
		Command:       command,
		PayloadDigest: digest,
		PayloadBytes:  size,
		Status:        string(out.Status),
		Attempts:      out.Attempts,
		Recycled:      out.Recycled,
	}
	if out.Status != pool.StatusNotConfigured && out.Status != pool.StatusEncodeFailed {
		slot := out.Slot
		e.Slot = &slot
	}
	if out.Err != nil {
		msg := out.Err.Error()
		e.LastError = &msg
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if _, err := j.Record(ctx, e); err != nil {
		log.WithSlot(out.Slot).Warn("failed to journal submission", "command", command, "error", err)
	}
}

// JobLaunched implements pool.Observer.
func (j *Journal) JobLaunched(command string, ok bool) {
	digest, size := Digest(command, nil)
	status := LaunchStarted
	if !ok {
		status = LaunchFailed
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if _, err := j.Record(ctx, Entry{
		Kind:          KindLaunch,
		Command:       command,
		PayloadDigest: digest,
		PayloadBytes:  size,
		Status:        status,
	}); err != nil {
		j.logger.Warn("failed to journal launch", "command", command, "error", err)
	}
}

func (j *Journal) workerEvent(slot int, ev WorkerEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := j.RecordWorkerEvent(ctx, slot, ev); err != nil {
		log.WithSlot(slot).Warn("failed to journal worker event", "event", string(ev), "error", err)
	}
}
