package protocol

import "errors"

const (
	// CommandKey is the reserved wire key carrying the command string.
	CommandKey = "c"
	// ArgvKey carries a raw argument string for CLI steps and detached launches.
	ArgvKey = "argv"
)

// ErrMalformedJob is returned when a line cannot be decoded into a Job.
var ErrMalformedJob = errors.New("malformed job")

// Job is one unit of work sent to a worker: a command string plus payload.
// Argv mirrors Payload["argv"] when it is a string.
type Job struct {
	Command string         `json:"c"`
	Payload map[string]any `json:"-"`
	Argv    string         `json:"-"`
}
