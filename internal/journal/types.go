package journal

import (
	"errors"
	"time"
)

// Kind tells submissions and detached launches apart.
type Kind string

const (
	KindSubmit Kind = "submit"
	KindLaunch Kind = "launch"
)

// WorkerEvent names a worker lifecycle transition.
type WorkerEvent string

const (
	WorkerSpawned  WorkerEvent = "spawned"
	WorkerRecycled WorkerEvent = "recycled"
)

// Launch statuses. Submissions use the pool's status strings.
const (
	LaunchStarted = "started"
	LaunchFailed  = "failed"
)

// Entry is one row of the dispatch journal. Payloads are never stored; only
// their BLAKE3 digest and size, so secrets in job data stay out of the file.
type Entry struct {
	ID            string    `json:"id"`
	Kind          Kind      `json:"kind"`
	Command       string    `json:"command"`
	PayloadDigest string    `json:"payload_digest"`
	PayloadBytes  int       `json:"payload_bytes"`
	Slot          *int      `json:"slot,omitempty"`
	Status        string    `json:"status"`
	Attempts      int       `json:"attempts"`
	Recycled      bool      `json:"recycled"`
	LastError     *string   `json:"last_error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// ErrEntryNotFound is returned by Get for unknown ids.
var ErrEntryNotFound = errors.New("journal entry not found")
