package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, defaults and validates the configuration at configPath.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, DefaultFileName)
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but %s not found: %s", DefaultFileName, absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.SourcePath = absPath
	return cfg, nil
}

// Parse decodes YAML bytes, interpolates ${VAR} references, applies defaults
// and validates the result.
func Parse(data []byte) (*Config, error) {
	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	applyConfigDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// applyConfigDefaults fills every zero value with the value from Defaults.
func applyConfigDefaults(cfg *Config) {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.PIDFile == "" {
		cfg.Service.PIDFile = defaults.Service.PIDFile
	}

	if cfg.Pool.MaxFork == 0 {
		cfg.Pool.MaxFork = defaults.Pool.MaxFork
	}
	if cfg.Pool.MaxExec == 0 {
		cfg.Pool.MaxExec = defaults.Pool.MaxExec
	}
	if cfg.Pool.MaxAttempts == 0 {
		cfg.Pool.MaxAttempts = defaults.Pool.MaxAttempts
	}
	if cfg.Pool.ExitGrace == 0 {
		cfg.Pool.ExitGrace = defaults.Pool.ExitGrace
	}

	if cfg.Runner.Timeout == 0 {
		cfg.Runner.Timeout = defaults.Runner.Timeout
	}
	if cfg.Runner.PollInterval == 0 {
		cfg.Runner.PollInterval = defaults.Runner.PollInterval
	}
	if cfg.Runner.Settle == 0 {
		cfg.Runner.Settle = defaults.Runner.Settle
	}
	if cfg.Runner.ExitGrace == 0 {
		cfg.Runner.ExitGrace = defaults.Runner.ExitGrace
	}
	if cfg.Runner.LogDir == "" {
		cfg.Runner.LogDir = defaults.Runner.LogDir
	}

	if cfg.Programs == nil {
		cfg.Programs = defaults.Programs
	}

	if !cfg.API.Enabled && cfg.API.Listen == "" {
		cfg.API = defaults.API
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}

	if cfg.Journal.Path == "" {
		cfg.Journal.Path = defaults.Journal.Path
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// Validate checks a defaulted configuration.
func Validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	if cfg.Pool.MaxFork < 1 {
		return fmt.Errorf("pool.max_fork must be at least 1 (got %d)", cfg.Pool.MaxFork)
	}
	if cfg.Pool.MaxExec < 1 {
		return fmt.Errorf("pool.max_exec must be at least 1 (got %d)", cfg.Pool.MaxExec)
	}
	if cfg.Pool.MaxAttempts < 1 {
		return fmt.Errorf("pool.max_attempts must be at least 1 (got %d)", cfg.Pool.MaxAttempts)
	}
	if cfg.Pool.ExitGrace < 0 {
		return fmt.Errorf("pool.exit_grace must not be negative")
	}

	if cfg.Runner.Timeout <= 0 {
		return fmt.Errorf("runner.timeout must be positive")
	}
	if cfg.Runner.PollInterval <= 0 {
		return fmt.Errorf("runner.poll_interval must be positive")
	}
	if cfg.Runner.Settle < 0 || cfg.Runner.ExitGrace < 0 {
		return fmt.Errorf("runner.settle and runner.exit_grace must not be negative")
	}

	if err := validatePrograms(cfg.Programs, "programs"); err != nil {
		return err
	}

	if cfg.API.Enabled {
		if err := validateAPIAuth(cfg.API.Auth); err != nil {
			return err
		}
	}

	if cfg.Journal.Retention < 0 {
		return fmt.Errorf("journal.retention must not be negative")
	}
	if cfg.Journal.Enabled && cfg.Journal.Path == "" {
		return fmt.Errorf("journal.path is required when the journal is enabled")
	}
	return nil
}

func validateAPIAuth(auth APIAuthConfig) error {
	if auth.APIKey == "" && len(auth.Tokens) == 0 {
		return fmt.Errorf("api.auth: api_key or tokens required when the API is enabled")
	}
	if matches := envVarPattern.FindStringSubmatch(auth.APIKey); len(matches) > 1 {
		return fmt.Errorf("api.auth.api_key: environment variable ${%s} is not set", matches[1])
	}

	valid := make(map[string]bool, len(ValidScopes))
	for _, s := range ValidScopes {
		valid[s] = true
	}
	for i, tok := range auth.Tokens {
		if tok.Token == "" {
			return fmt.Errorf("api.auth.tokens[%d].token is required", i)
		}
		if matches := envVarPattern.FindStringSubmatch(tok.Token); len(matches) > 1 {
			return fmt.Errorf("api.auth.tokens[%d].token: environment variable ${%s} is not set", i, matches[1])
		}
		if len(tok.Scopes) == 0 {
			return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
		}
		for _, s := range tok.Scopes {
			if !valid[s] {
				return fmt.Errorf("api.auth.tokens[%d]: unknown scope %q", i, s)
			}
		}
	}
	return nil
}

// validatePrograms checks that every leaf of the programs tree is a
// non-empty path without unresolved ${VAR} references.
func validatePrograms(programs map[string]any, prefix string) error {
	for name, v := range programs {
		key := prefix + "." + name
		switch val := v.(type) {
		case string:
			if val == "" {
				return fmt.Errorf("%s: program path is empty", key)
			}
			if matches := envVarPattern.FindStringSubmatch(val); len(matches) > 1 {
				return fmt.Errorf("%s: environment variable ${%s} is not set", key, matches[1])
			}
		case map[string]any:
			if err := validatePrograms(val, key); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%s: must be a path or a group of programs (got %T)", key, v)
		}
	}
	return nil
}
