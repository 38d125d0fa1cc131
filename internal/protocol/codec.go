package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Encode serializes command and payload into a single JSON line (without the
// trailing newline). encoding/json escapes newlines and quotes, so the result
// never spans more than one line.
func Encode(command string, payload map[string]any) (string, error) {
	if command == "" {
		return "", fmt.Errorf("command is empty")
	}

	envelope := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		envelope[k] = v
	}
	envelope[CommandKey] = command

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(envelope); err != nil {
		return "", fmt.Errorf("failed to encode job: %w", err)
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

// EncodeJob is Encode for an already built Job.
func EncodeJob(job *Job) (string, error) {
	payload := job.Payload
	if job.Argv != "" {
		if _, ok := payload[ArgvKey]; !ok {
			payload = make(map[string]any, len(job.Payload)+1)
			for k, v := range job.Payload {
				payload[k] = v
			}
			payload[ArgvKey] = job.Argv
		}
	}
	return Encode(job.Command, payload)
}

// Decode parses one line produced by Encode. The command key is removed from
// the payload; argv stays in the payload and is also lifted into Job.Argv.
func Decode(line string) (*Job, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, fmt.Errorf("%w: empty line", ErrMalformedJob)
	}

	dec := json.NewDecoder(strings.NewReader(line))
	dec.UseNumber()

	var envelope map[string]any
	if err := dec.Decode(&envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedJob, err)
	}
	if envelope == nil {
		return nil, fmt.Errorf("%w: not an object", ErrMalformedJob)
	}

	cmd, ok := envelope[CommandKey].(string)
	if !ok || cmd == "" {
		return nil, fmt.Errorf("%w: missing %q", ErrMalformedJob, CommandKey)
	}
	delete(envelope, CommandKey)

	job := &Job{Command: cmd, Payload: envelope}
	if argv, ok := envelope[ArgvKey].(string); ok {
		job.Argv = argv
	}
	return job, nil
}

// DecodeData parses a payload given on the command line. JSON objects are
// accepted first, then URL query form (a=1&b=2).
func DecodeData(input string) (map[string]any, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return map[string]any{}, nil
	}

	if strings.HasPrefix(input, "{") {
		dec := json.NewDecoder(strings.NewReader(input))
		dec.UseNumber()
		var out map[string]any
		if err := dec.Decode(&out); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedJob, err)
		}
		return out, nil
	}
	return decodeQuery(input)
}

// EncodeArg quotes s as a single POSIX shell word.
func EncodeArg(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
