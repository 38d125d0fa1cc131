package router

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mattjoyce/forkpool/internal/oscmd"
)

// StepSeparator joins several steps in one command string.
const StepSeparator = "-"

// ErrUnknownProgram is returned when a CLI step names no configured program.
var ErrUnknownProgram = errors.New("unknown program")

// CGIStep calls a registered handler: Class is the path before the last
// slash, Method the last segment.
type CGIStep struct {
	Class  string
	Method string
	Path   string
}

// CLIStep runs an external program resolved from configuration.
type CLIStep struct {
	Name string
	Path string
}

// ParsedCommand is a command string split into handler and program steps,
// each kind kept in its original order.
type ParsedCommand struct {
	CGI []CGIStep
	CLI []CLIStep
}

// Empty reports whether the command contained no step.
func (p *ParsedCommand) Empty() bool {
	return len(p.CGI) == 0 && len(p.CLI) == 0
}

// Router parses command strings. Programs maps CLI names to executable
// paths; values may be nested maps addressed as "group:name".
type Router struct {
	programs map[string]any
}

// New returns a Router resolving CLI steps against programs.
func New(programs map[string]any) *Router {
	if programs == nil {
		programs = map[string]any{}
	}
	return &Router{programs: programs}
}

// Parse splits cmd on StepSeparator. Steps containing a slash are handler
// calls ("/app/user/login" → class "app/user", method "login"); the rest are
// program names.
func (r *Router) Parse(cmd string) (*ParsedCommand, error) {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		return nil, fmt.Errorf("command is empty")
	}

	parsed := &ParsedCommand{}
	for _, raw := range strings.Split(cmd, StepSeparator) {
		step := strings.TrimSpace(raw)
		if step == "" {
			continue
		}

		if strings.Contains(step, "/") {
			cgi, err := parseCGI(step)
			if err != nil {
				return nil, err
			}
			parsed.CGI = append(parsed.CGI, cgi)
			continue
		}

		path, err := r.Resolve(step)
		if err != nil {
			return nil, err
		}
		parsed.CLI = append(parsed.CLI, CLIStep{Name: step, Path: path})
	}

	if parsed.Empty() {
		return nil, fmt.Errorf("command %q has no steps", cmd)
	}
	return parsed, nil
}

func parseCGI(step string) (CGIStep, error) {
	trimmed := strings.Trim(step, "/")
	i := strings.LastIndex(trimmed, "/")
	if i <= 0 || i == len(trimmed)-1 {
		return CGIStep{}, fmt.Errorf("handler step %q must look like /class/method", step)
	}
	return CGIStep{
		Class:  trimmed[:i],
		Method: trimmed[i+1:],
		Path:   step,
	}, nil
}

// Resolve looks a program up by name or by a colon-separated path through
// nested groups. Paths containing spaces come back quoted for the shell.
func (r *Router) Resolve(name string) (string, error) {
	var cur any = r.programs
	for _, key := range strings.Split(name, ":") {
		m, ok := asMap(cur)
		if !ok {
			return "", fmt.Errorf("%w: %q", ErrUnknownProgram, name)
		}
		next, ok := m[key]
		if !ok {
			return "", fmt.Errorf("%w: %q", ErrUnknownProgram, name)
		}
		cur = next
	}

	path, ok := cur.(string)
	if !ok || strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("program %q is not configured as a path", name)
	}
	return oscmd.Quote(strings.TrimSpace(path)), nil
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[string]string:
		out := make(map[string]any, len(m))
		for k, s := range m {
			out[k] = s
		}
		return out, true
	default:
		return nil, false
	}
}
