// Package oscmd builds the exact shell command lines the execution layer spawns.
//
// It is a pure string transform: nothing here starts a process. The pool and the
// runner hand the result to /bin/sh -c.
package oscmd

import (
	"strings"
)

// Builder assembles a command line. The zero value is usable.
type Builder struct {
	cmd        string
	background bool
	envPath    []string
}

// New returns a Builder for cmd.
func New(cmd string) *Builder {
	return &Builder{cmd: cmd}
}

// Background detaches the command: output goes to /dev/null and the shell
// returns without waiting for it.
func (b *Builder) Background() *Builder {
	b.background = true
	return b
}

// WithEnvPath prepends dirs to PATH for the spawned command.
func (b *Builder) WithEnvPath(dirs ...string) *Builder {
	for _, d := range dirs {
		if d = strings.TrimSpace(d); d != "" {
			b.envPath = append(b.envPath, d)
		}
	}
	return b
}

// String returns the command line.
func (b *Builder) String() string {
	var sb strings.Builder
	if len(b.envPath) > 0 {
		sb.WriteString(`PATH="`)
		sb.WriteString(escapeDouble(strings.Join(b.envPath, ":")))
		sb.WriteString(`:$PATH"; export PATH; `)
	}
	if b.background {
		sb.WriteString("nohup ")
		sb.WriteString(b.cmd)
		sb.WriteString(" </dev/null >/dev/null 2>&1 &")
		return sb.String()
	}
	sb.WriteString(b.cmd)
	return sb.String()
}

// Quote wraps path in double quotes when it contains a space and is not
// already quoted.
func Quote(path string) string {
	if !strings.Contains(path, " ") {
		return path
	}
	if len(path) >= 2 && strings.HasPrefix(path, `"`) && strings.HasSuffix(path, `"`) {
		return path
	}
	return `"` + escapeDouble(path) + `"`
}

func escapeDouble(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "$", `\$`, "`", "\\`")
	return r.Replace(s)
}
