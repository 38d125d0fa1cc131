package config

import (
	"time"

	"github.com/mattjoyce/forkpool/internal/auth"
)

// Config represents the complete forkpool configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Pool     PoolConfig     `yaml:"pool"`
	Runner   RunnerConfig   `yaml:"runner"`
	Programs map[string]any `yaml:"programs,omitempty"`
	API      APIConfig      `yaml:"api,omitempty"`
	Journal  JournalConfig  `yaml:"journal"`

	// SourcePath is the absolute path the config was loaded from, if any.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines process-wide settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
	PIDFile  string `yaml:"pid_file"`
}

// PoolConfig sizes the worker pool and describes how workers are started.
type PoolConfig struct {
	MaxFork int `yaml:"max_fork"`
	MaxExec int `yaml:"max_exec"`
	// WorkerCommand is the shell line that starts one worker. Empty means
	// "<this executable> worker".
	WorkerCommand string `yaml:"worker_command"`
	// LaunchCommand prefixes detached one-shot launches. Empty means
	// "<this executable> exec".
	LaunchCommand string        `yaml:"launch_command"`
	MaxAttempts   int           `yaml:"max_attempts"`
	ExitGrace     time.Duration `yaml:"exit_grace"`
	EnvPath       []string      `yaml:"env_path,omitempty"`
}

// RunnerConfig tunes the synchronous command runner.
type RunnerConfig struct {
	WorkDir      string        `yaml:"work_dir"`
	Timeout      time.Duration `yaml:"timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Settle       time.Duration `yaml:"settle"`
	ExitGrace    time.Duration `yaml:"exit_grace"`
	LogDir       string        `yaml:"log_dir"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is a single bearer token with every scope.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// JournalConfig controls the SQLite dispatch journal.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	// Retention prunes older entries when serve starts. Zero keeps everything.
	Retention time.Duration `yaml:"retention"`
}

// API token scopes.
const (
	ScopeJobsWrite = auth.ScopeJobsWrite
	ScopeRunExec   = auth.ScopeRunExec
	ScopePoolRead  = auth.ScopePoolRead
)

// ValidScopes lists every scope a token may carry.
var ValidScopes = []string{ScopeJobsWrite, ScopeRunExec, ScopePoolRead}

// Defaults returns a Config with the defaults of a single-host deployment.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "forkpool",
			LogLevel: "info",
			PIDFile:  "./data/forkpool.pid",
		},
		Pool: PoolConfig{
			MaxFork:     4,
			MaxExec:     100,
			MaxAttempts: 3,
			ExitGrace:   5 * time.Second,
		},
		Runner: RunnerConfig{
			Timeout:      5 * time.Second,
			PollInterval: 10 * time.Microsecond,
			Settle:       5 * time.Millisecond,
			ExitGrace:    2 * time.Second,
			LogDir:       "./logs",
		},
		Programs: make(map[string]any),
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		Journal: JournalConfig{
			Enabled: false,
			Path:    "./data/journal.db",
		},
	}
}
