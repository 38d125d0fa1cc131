package metrics

import (
	"strconv"

	"github.com/mattjoyce/forkpool/internal/pool"
)

// PoolObserver feeds pool lifecycle events into the pool metrics.
type PoolObserver struct{}

var _ pool.Observer = PoolObserver{}

func (PoolObserver) WorkerSpawned(slot int) {
	WorkerSpawnsTotal.WithLabelValues(strconv.Itoa(slot)).Inc()
	WorkersLive.Inc()
}

func (PoolObserver) WorkerRecycled(slot int) {
	WorkerRecyclesTotal.WithLabelValues(strconv.Itoa(slot)).Inc()
	WorkersLive.Dec()
}

func (PoolObserver) JobSubmitted(_ string, _ map[string]any, out pool.Outcome) {
	JobsSubmittedTotal.WithLabelValues(string(out.Status)).Inc()
	if out.Attempts > 0 {
		JobWriteAttempts.Observe(float64(out.Attempts))
	}
}

func (PoolObserver) JobLaunched(_ string, ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	DetachedLaunchesTotal.WithLabelValues(result).Inc()
}
