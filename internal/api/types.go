package api

import (
	"encoding/json"

	"github.com/mattjoyce/forkpool/internal/pool"
)

// JobRequest is the JSON body for POST /v1/jobs and POST /v1/launch.
// Payload is a JSON object; Data is the CLI form (JSON or query string) and
// is used when Payload is absent.
type JobRequest struct {
	Command string          `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Data    string          `json:"data,omitempty"`
}

// SubmitResponse reports what the pool did with a job.
type SubmitResponse struct {
	Dispatched bool        `json:"dispatched"`
	Status     pool.Status `json:"status"`
	Slot       int         `json:"slot"`
	Attempts   int         `json:"attempts"`
	Recycled   bool        `json:"recycled"`
	Error      string      `json:"error,omitempty"`
}

// LaunchResponse is returned by POST /v1/launch.
type LaunchResponse struct {
	Launched bool   `json:"launched"`
	Command  string `json:"command"`
}

// RunRequest is the JSON body for POST /v1/run.
type RunRequest struct {
	Command string `json:"command"`
	Input   string `json:"input,omitempty"`
	// Return lists the fields to return, e.g. "result,error". Empty means
	// "result".
	Return    string `json:"return,omitempty"`
	TimeoutMS int    `json:"timeout_ms,omitempty"`
	Log       bool   `json:"log,omitempty"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	MaxFork       int    `json:"max_fork"`
	WorkersLive   int    `json:"workers_live"`
	ConfigHash    string `json:"config_hash,omitempty"`
}
