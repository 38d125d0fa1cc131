package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, DefaultFileName)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "minimal config gets defaults",
			yaml: `
pool:
  max_fork: 2
`,
			checkFn: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 2, cfg.Pool.MaxFork)
				assert.Equal(t, 100, cfg.Pool.MaxExec)
				assert.Equal(t, 3, cfg.Pool.MaxAttempts)
				assert.Equal(t, 5*time.Second, cfg.Runner.Timeout)
				assert.Equal(t, 10*time.Microsecond, cfg.Runner.PollInterval)
				assert.Equal(t, "info", cfg.Service.LogLevel)
				assert.Equal(t, "127.0.0.1:8080", cfg.API.Listen)
				assert.False(t, cfg.Journal.Enabled)
			},
		},
		{
			name: "full config",
			yaml: `
service:
  name: edge
  log_level: debug
pool:
  max_fork: 8
  max_exec: 50
  worker_command: /usr/bin/forkpool worker
  launch_command: /usr/bin/forkpool exec
  exit_grace: 2s
  env_path: [/opt/bin]
runner:
  work_dir: /srv
  timeout: 250ms
  settle: 1ms
  log_dir: /var/log/forkpool
programs:
  ls: /bin/ls
  tools:
    grep: /usr/bin/grep
journal:
  enabled: true
  path: /tmp/j.db
`,
			checkFn: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "edge", cfg.Service.Name)
				assert.Equal(t, "/usr/bin/forkpool worker", cfg.Pool.WorkerCommand)
				assert.Equal(t, 2*time.Second, cfg.Pool.ExitGrace)
				assert.Equal(t, []string{"/opt/bin"}, cfg.Pool.EnvPath)
				assert.Equal(t, 250*time.Millisecond, cfg.Runner.Timeout)
				assert.Equal(t, "/var/log/forkpool", cfg.Runner.LogDir)
				assert.Equal(t, "/bin/ls", cfg.Programs["ls"])
				tools, ok := cfg.Programs["tools"].(map[string]any)
				require.True(t, ok)
				assert.Equal(t, "/usr/bin/grep", tools["grep"])
				assert.True(t, cfg.Journal.Enabled)
			},
		},
		{
			name: "env interpolation",
			yaml: `
api:
  enabled: true
  auth:
    api_key: ${FORKPOOL_TEST_KEY}
`,
			env: map[string]string{"FORKPOOL_TEST_KEY": "s3cret"},
			checkFn: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "s3cret", cfg.API.Auth.APIKey)
			},
		},
		{
			name: "unset env var in api key",
			yaml: `
api:
  enabled: true
  auth:
    api_key: ${FORKPOOL_TEST_MISSING}
`,
			wantErr: "FORKPOOL_TEST_MISSING",
		},
		{
			name:    "negative max_fork",
			yaml:    "pool:\n  max_fork: -1\n",
			wantErr: "pool.max_fork",
		},
		{
			name:    "bad log level",
			yaml:    "service:\n  log_level: loud\n",
			wantErr: "log_level",
		},
		{
			name:    "api without credentials",
			yaml:    "api:\n  enabled: true\n",
			wantErr: "api_key or tokens",
		},
		{
			name: "unknown token scope",
			yaml: `
api:
  enabled: true
  auth:
    tokens:
      - token: abc
        scopes: [everything]
`,
			wantErr: "unknown scope",
		},
		{
			name:    "program is not a path",
			yaml:    "programs:\n  ls: 3\n",
			wantErr: "programs.ls",
		},
		{
			name:    "malformed yaml",
			yaml:    "pool: [",
			wantErr: "failed to parse YAML",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := writeConfig(t, t.TempDir(), tt.yaml)

			cfg, err := Load(path)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, path, cfg.SourcePath)
			tt.checkFn(t, cfg)
		})
	}
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "pool:\n  max_fork: 3\n")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Pool.MaxFork)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestInterpolateEnv(t *testing.T) {
	tests := []struct {
		name  string
		input string
		env   map[string]string
		want  string
	}{
		{
			name:  "simple replacement",
			input: "path: ${FP_HOME}/data",
			env:   map[string]string{"FP_HOME": "/users/test"},
			want:  "path: /users/test/data",
		},
		{
			name:  "multiple vars",
			input: "${FP_USER}:${FP_PASS}@${FP_HOST}",
			env: map[string]string{
				"FP_USER": "admin",
				"FP_PASS": "secret",
				"FP_HOST": "localhost",
			},
			want: "admin:secret@localhost",
		},
		{
			name:  "undefined var unchanged",
			input: "key: ${FP_UNDEFINED}",
			want:  "key: ${FP_UNDEFINED}",
		},
		{
			name:  "no vars",
			input: "plain text",
			want:  "plain text",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			assert.Equal(t, tt.want, interpolateEnv(tt.input))
		})
	}
}

func TestDefaultsAreValid(t *testing.T) {
	assert.NoError(t, Validate(Defaults()))
}
