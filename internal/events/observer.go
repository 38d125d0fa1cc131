package events

import (
	"github.com/mattjoyce/forkpool/internal/pool"
)

// Event types published by Observer.
const (
	TypeWorkerSpawned  = "worker.spawned"
	TypeWorkerRecycled = "worker.recycled"
	TypeJobSubmitted   = "job.submitted"
	TypeJobLaunched    = "job.launched"
)

// Observer publishes pool lifecycle events to a Hub. Payloads are not
// included; only the command and outcome are.
type Observer struct {
	Hub *Hub
}

var _ pool.Observer = Observer{}

type slotData struct {
	Slot int `json:"slot"`
}

type submitData struct {
	Command  string      `json:"command"`
	Slot     int         `json:"slot"`
	Status   pool.Status `json:"status"`
	Attempts int         `json:"attempts"`
	Recycled bool        `json:"recycled"`
	Error    string      `json:"error,omitempty"`
}

type launchData struct {
	Command  string `json:"command"`
	Launched bool   `json:"launched"`
}

func (o Observer) WorkerSpawned(slot int) {
	o.Hub.Publish(TypeWorkerSpawned, slotData{Slot: slot})
}

func (o Observer) WorkerRecycled(slot int) {
	o.Hub.Publish(TypeWorkerRecycled, slotData{Slot: slot})
}

func (o Observer) JobSubmitted(command string, _ map[string]any, out pool.Outcome) {
	d := submitData{
		Command:  command,
		Slot:     out.Slot,
		Status:   out.Status,
		Attempts: out.Attempts,
		Recycled: out.Recycled,
	}
	if out.Err != nil {
		d.Error = out.Err.Error()
	}
	o.Hub.Publish(TypeJobSubmitted, d)
}

func (o Observer) JobLaunched(command string, ok bool) {
	o.Hub.Publish(TypeJobLaunched, launchData{Command: command, Launched: ok})
}
