// Package doctor checks a loaded forkpool configuration against the host it
// will run on: program paths, directories and risky settings that config
// validation alone accepts.
package doctor

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/mattjoyce/forkpool/internal/config"
	"github.com/mattjoyce/forkpool/internal/storage"
)

// Result holds the outcome of a check run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor checks a configuration.
type Doctor struct {
	cfg      *config.Config
	lookPath func(string) (string, error)
	numCPU   int
}

// New creates a Doctor for cfg.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg, lookPath: exec.LookPath, numCPU: runtime.NumCPU()}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validatePrograms(r)
	d.validateCommands(r)
	d.validateDirs(r)
	d.validateJournal(r)
	d.warnPoolSizing(r)
	d.warnRunnerTiming(r)
	d.warnAPIExposure(r)
	d.warnLegacyAuth(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validatePrograms checks that every configured program can be started.
// Absolute paths must be executable files; bare names must be on PATH.
func (d *Doctor) validatePrograms(r *Result) {
	for _, p := range flattenPrograms(d.cfg.Programs, "programs") {
		bin := firstWord(p.path)
		switch {
		case bin == "":
			d.addError(r, "programs", p.field, "program path is empty")
		case filepath.IsAbs(bin):
			if err := checkExecutable(bin); err != nil {
				d.addError(r, "programs", p.field, err.Error())
			}
		default:
			if _, err := d.lookPath(bin); err != nil {
				d.addWarning(r, "programs", p.field,
					fmt.Sprintf("%q not found on PATH (pool.env_path is applied to workers only)", bin))
			}
		}
	}
}

// validateCommands checks explicit worker and launch commands.
func (d *Doctor) validateCommands(r *Result) {
	for _, c := range []struct{ field, line string }{
		{"pool.worker_command", d.cfg.Pool.WorkerCommand},
		{"pool.launch_command", d.cfg.Pool.LaunchCommand},
	} {
		if c.line == "" {
			continue
		}
		bin := firstWord(c.line)
		if filepath.IsAbs(bin) {
			if err := checkExecutable(bin); err != nil {
				d.addError(r, "pool", c.field, err.Error())
			}
			continue
		}
		if _, err := d.lookPath(bin); err != nil {
			d.addWarning(r, "pool", c.field, fmt.Sprintf("%q not found on PATH", bin))
		}
	}
	for i, dir := range d.cfg.Pool.EnvPath {
		if !isDir(dir) {
			d.addWarning(r, "pool", fmt.Sprintf("pool.env_path[%d]", i),
				fmt.Sprintf("directory %q does not exist", dir))
		}
	}
}

// validateDirs checks the runner's working and log directories.
func (d *Doctor) validateDirs(r *Result) {
	if wd := d.cfg.Runner.WorkDir; wd != "" && !isDir(wd) {
		d.addError(r, "runner", "runner.work_dir", fmt.Sprintf("directory %q does not exist", wd))
	}
	if ld := d.cfg.Runner.LogDir; ld != "" {
		if info, err := os.Stat(ld); err == nil && !info.IsDir() {
			d.addError(r, "runner", "runner.log_dir", fmt.Sprintf("%q exists and is not a directory", ld))
		}
	}
}

// validateJournal checks that the journal can live where it is configured.
func (d *Doctor) validateJournal(r *Result) {
	if !d.cfg.Journal.Enabled {
		return
	}
	if err := storage.CheckLocalFilesystem(d.cfg.Journal.Path); err != nil {
		d.addError(r, "journal", "journal.path", err.Error())
	}
	if d.cfg.Journal.Retention == 0 {
		d.addWarning(r, "journal", "journal.retention", "no retention set; the journal grows without bound")
	}
}

// warnPoolSizing flags pool settings that work but are rarely intended.
func (d *Doctor) warnPoolSizing(r *Result) {
	if d.cfg.Pool.MaxExec == 1 {
		d.addWarning(r, "pool", "pool.max_exec", "max_exec is 1; every job spawns a fresh worker")
	}
	if limit := d.numCPU * 8; d.cfg.Pool.MaxFork > limit {
		d.addWarning(r, "pool", "pool.max_fork",
			fmt.Sprintf("max_fork %d is more than 8 workers per CPU (%d CPUs)", d.cfg.Pool.MaxFork, d.numCPU))
	}
}

// warnRunnerTiming flags poll settings that make timeouts meaningless.
func (d *Doctor) warnRunnerTiming(r *Result) {
	rc := d.cfg.Runner
	if rc.PollInterval >= rc.Timeout {
		d.addError(r, "runner", "runner.poll_interval",
			fmt.Sprintf("poll_interval %s is not shorter than timeout %s", rc.PollInterval, rc.Timeout))
	}
	if rc.Timeout > 5*time.Minute {
		d.addWarning(r, "runner", "runner.timeout",
			fmt.Sprintf("timeout %s applies to each stream separately; runs may take twice as long", rc.Timeout))
	}
}

// warnAPIExposure warns when the API listens beyond loopback.
func (d *Doctor) warnAPIExposure(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	host, _, err := net.SplitHostPort(d.cfg.API.Listen)
	if err != nil {
		d.addError(r, "api", "api.listen", fmt.Sprintf("invalid listen address %q: %v", d.cfg.API.Listen, err))
		return
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		d.addWarning(r, "api", "api.listen",
			fmt.Sprintf("API listens on all interfaces (%s); run:exec tokens can start any program", d.cfg.API.Listen))
	}
}

// warnLegacyAuth warns about the all-scopes api_key.
func (d *Doctor) warnLegacyAuth(r *Result) {
	auth := d.cfg.API.Auth
	if auth.APIKey != "" && len(auth.Tokens) > 0 {
		d.addWarning(r, "api", "api.auth",
			"both api_key and tokens configured; prefer tokens array only")
	}
	if d.cfg.API.Enabled && auth.APIKey != "" && len(auth.Tokens) == 0 {
		d.addWarning(r, "api", "api.auth.api_key",
			"api_key grants every scope; use tokens with scopes instead")
	}
}

type program struct {
	field string
	path  string
}

// flattenPrograms lists leaf programs in field order.
func flattenPrograms(m map[string]any, prefix string) []program {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)

	var out []program
	for _, name := range names {
		field := prefix + "." + name
		switch v := m[name].(type) {
		case string:
			out = append(out, program{field: field, path: strings.TrimSpace(v)})
		case map[string]any:
			out = append(out, flattenPrograms(v, field)...)
		}
	}
	return out
}

// firstWord returns the executable of a command line, honouring a leading
// double-quoted path.
func firstWord(line string) string {
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, `"`) {
		if end := strings.Index(line[1:], `"`); end >= 0 {
			return line[1 : end+1]
		}
	}
	if i := strings.IndexAny(line, " \t"); i >= 0 {
		return line[:i]
	}
	return line
}

func checkExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%q does not exist", path)
	}
	if info.IsDir() {
		return fmt.Errorf("%q is a directory", path)
	}
	if info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("%q is not executable", path)
	}
	return nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// FormatHuman returns a human-readable report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration healthy.\n")
		return b.String()
	}

	if r.Valid {
		fmt.Fprintf(&b, "Configuration healthy (%d warning(s))\n", len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Configuration has problems (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}
	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
