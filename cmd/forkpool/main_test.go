package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/forkpool/internal/api"
	"github.com/mattjoyce/forkpool/internal/config"
	"github.com/mattjoyce/forkpool/internal/journal"
	"github.com/mattjoyce/forkpool/internal/pool"
	"github.com/mattjoyce/forkpool/internal/protocol"
	"github.com/mattjoyce/forkpool/internal/runner"
	"github.com/mattjoyce/forkpool/internal/storage"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "forkpool.yaml")
	body = strings.ReplaceAll(body, "$DIR", dir)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func execCLI(t *testing.T, stdin string, args ...string) (string, string, int) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := runCLI(args, strings.NewReader(stdin), &stdout, &stderr)
	return stdout.String(), stderr.String(), code
}

const baseConfig = `
service:
  log_level: error
runner:
  log_dir: $DIR/logs
programs:
  greet: /bin/echo
  tools:
    cat: /bin/cat
`

func TestVersionJSON(t *testing.T) {
	out, _, code := execCLI(t, "", "version", "--json")
	require.Equal(t, 0, code)

	var info versionInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.NotEmpty(t, info.Version)
}

func TestUnknownCommandFails(t *testing.T) {
	_, stderr, code := execCLI(t, "", "nope")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Error:")
}

func TestConfigCheckAndGet(t *testing.T) {
	path := writeConfig(t, baseConfig+"pool:\n  max_fork: 2\n")

	out, _, code := execCLI(t, "", "config", "check", "--config", path)
	require.Equal(t, 0, code)
	assert.Contains(t, out, "fingerprint: ")
	assert.Contains(t, out, "max_fork=2")
	assert.Contains(t, out, "OK")

	out, _, code = execCLI(t, "", "config", "get", "pool.max_fork", "--config", path)
	require.Equal(t, 0, code)
	assert.Equal(t, "2\n", out)

	out, _, code = execCLI(t, "", "config", "get", "programs.greet", "--config", path)
	require.Equal(t, 0, code)
	assert.Equal(t, "/bin/echo\n", out)
}

func TestConfigCheckRejectsInvalid(t *testing.T) {
	path := writeConfig(t, "pool:\n  max_fork: -1\n")
	_, stderr, code := execCLI(t, "", "config", "check", "--config", path)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "max_fork")
}

func TestJobFromFlags(t *testing.T) {
	t.Run("command from first argument", func(t *testing.T) {
		job, err := jobFromFlags("", "a=1", []string{"/app/run", "-x", "y"})
		require.NoError(t, err)
		assert.Equal(t, "/app/run", job.Command)
		assert.Equal(t, "-x y", job.Argv)
		assert.Equal(t, "-x y", job.Payload[protocol.ArgvKey])
		assert.Equal(t, "1", job.Payload["a"])
	})

	t.Run("argv carried in data", func(t *testing.T) {
		job, err := jobFromFlags("/app/run", `{"argv":"--full"}`, nil)
		require.NoError(t, err)
		assert.Equal(t, "--full", job.Argv)
	})

	t.Run("missing command", func(t *testing.T) {
		_, err := jobFromFlags("", "", nil)
		assert.Error(t, err)
	})

	t.Run("bad data", func(t *testing.T) {
		_, err := jobFromFlags("/a/b", "{nope", nil)
		assert.Error(t, err)
	})
}

func TestRunRawCommand(t *testing.T) {
	path := writeConfig(t, baseConfig)
	out, _, code := execCLI(t, "", "run", "--config", path, "--raw", "-r", "result,cmd", "-c", "echo hello")
	require.Equal(t, 0, code)

	var res runner.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.NotNil(t, res.Result)
	assert.Equal(t, "hello", *res.Result)
	require.NotNil(t, res.Cmd)
	assert.Equal(t, "echo hello", *res.Cmd)
}

func TestRunProgramWithPipeAndArgs(t *testing.T) {
	path := writeConfig(t, baseConfig)

	out, _, code := execCLI(t, "", "run", "--config", path, "-c", "greet", "hi", "there")
	require.Equal(t, 0, code)
	assert.Contains(t, out, `"result": "hi there"`)

	out, _, code = execCLI(t, "", "run", "--config", path, "-p", "shout", "-c", "tools:cat")
	require.Equal(t, 0, code)
	assert.Contains(t, out, `"result": "shout"`)
}

func TestRunUnknownProgram(t *testing.T) {
	path := writeConfig(t, baseConfig)
	_, stderr, code := execCLI(t, "", "run", "--config", path, "-c", "missing")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "missing")
}

func TestRunHandlerMode(t *testing.T) {
	path := writeConfig(t, baseConfig)

	out, _, code := execCLI(t, "", "run", "--config", path, "-l", "-r", "error,result", "-c", "/forkpool/echo", "-d", "a=1")
	require.Equal(t, 0, code)
	var res runner.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "ok", *res.Result)
	assert.Equal(t, "", *res.Error)

	out, _, code = execCLI(t, "", "run", "--config", path, "-r", "error", "-c", "/forkpool/fail", "-d", `{"message":"boom"}`)
	require.Equal(t, 0, code)
	res = runner.Result{}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Contains(t, *res.Error, "boom")

	entries, err := os.ReadDir(filepath.Join(filepath.Dir(path), "logs"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRunPretty(t *testing.T) {
	path := writeConfig(t, baseConfig)
	out, _, code := execCLI(t, "", "run", "--config", path, "--pretty", "--raw", "-c", "echo pretty")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "result:")
	assert.Contains(t, out, "pretty")
}

func TestExecRunsOneJob(t *testing.T) {
	path := writeConfig(t, baseConfig)
	_, _, code := execCLI(t, "", "exec", "--config", path, "-c", "/forkpool/echo", "-d", `{"k":"v"}`)
	assert.Equal(t, 0, code)
}

func TestWorkerDrainsStdin(t *testing.T) {
	path := writeConfig(t, baseConfig)
	line, err := protocol.Encode("/forkpool/echo", map[string]any{"n": 1})
	require.NoError(t, err)

	_, _, code := execCLI(t, line+"\nnot json\n", "worker", "--config", path)
	assert.Equal(t, 0, code)
}

func TestServeSubmitsStdinLines(t *testing.T) {
	out := filepath.Join(t.TempDir(), "jobs.txt")
	path := writeConfig(t, baseConfig+`
pool:
  max_fork: 1
  worker_command: "cat >> `+out+`"
  exit_grace: 2s
`)
	line, err := protocol.Encode("hello", map[string]any{"n": 1})
	require.NoError(t, err)

	_, _, code := execCLI(t, line+"\n{bad\n", "serve", "--config", path, "--stdin", "--no-lock")
	require.Equal(t, 0, code)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)
	job, err := protocol.Decode(lines[0])
	require.NoError(t, err)
	assert.Equal(t, "hello", job.Command)
	assert.Equal(t, json.Number("1"), job.Payload["n"])
}

func TestNewPoolDefaultsToSelf(t *testing.T) {
	cfg := config.Defaults()
	cfg.SourcePath = "/etc/forkpool/forkpool.yaml"

	p, err := newPool(cfg, pool.Observers{})
	require.NoError(t, err)

	launch, err := p.LaunchCommandLine("/a/b", nil)
	require.NoError(t, err)
	assert.Contains(t, launch, " exec --config /etc/forkpool/forkpool.yaml -c '/a/b'")
	assert.Equal(t, cfg.Pool.MaxFork, p.Stats().MaxFork)
}

type fakeDispatcher struct {
	mu   sync.Mutex
	jobs []string
}

func (f *fakeDispatcher) SubmitResult(_ context.Context, command string, _ map[string]any) pool.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, command)
	return pool.Outcome{Status: pool.StatusDispatched}
}

func (f *fakeDispatcher) LaunchDetached(context.Context, string, map[string]any) bool { return true }
func (f *fakeDispatcher) Stats() pool.Stats                                           { return pool.Stats{} }

func TestSubmitLines(t *testing.T) {
	d := &fakeDispatcher{}
	withPool := func(fn func(api.Dispatcher)) { fn(d) }

	a, _ := protocol.Encode("/a/one", nil)
	b, _ := protocol.Encode("/a/two", map[string]any{"x": 1})
	input := a + "\n\ngarbage\n" + b + "\n"

	require.NoError(t, submitLines(context.Background(), strings.NewReader(input), withPool))
	assert.Equal(t, []string{"/a/one", "/a/two"}, d.jobs)
}

func TestSubmitAgainstServer(t *testing.T) {
	var got api.JobRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		switch r.URL.Path {
		case "/v1/jobs":
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(api.SubmitResponse{Dispatched: true, Status: pool.StatusDispatched, Slot: 2, Attempts: 1})
		case "/v1/launch":
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(api.LaunchResponse{Launched: true, Command: got.Command})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	out, _, code := execCLI(t, "", "submit", "--url", srv.URL, "--api-key", "k", "/app/job", "-v")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "dispatched to slot 2")
	assert.Equal(t, "/app/job", got.Command)
	assert.JSONEq(t, `{"argv":"-v"}`, string(got.Payload))

	out, _, code = execCLI(t, "", "submit", "--url", srv.URL, "--api-key", "k", "--detach", "-d", "a=1", "/app/job")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "launched /app/job")
	assert.Equal(t, "a=1", got.Data)
}

func TestSubmitReportsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(api.SubmitResponse{Status: pool.StatusSpawnFailed, Slot: 0, Error: "spawn failed"})
	}))
	defer srv.Close()

	_, stderr, code := execCLI(t, "", "submit", "--url", srv.URL, "--api-key", "k", "/app/job")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "spawn failed")
}

func TestSubmitRequiresKey(t *testing.T) {
	t.Setenv(envAPIKey, "")
	_, stderr, code := execCLI(t, "", "submit", "/app/job")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "API key required")
}

func TestPoolStatus(t *testing.T) {
	stats := pool.Stats{MaxFork: 2, MaxExec: 10, Cursor: 1, Slots: []pool.SlotStats{
		{Index: 0, Live: true, ExecCount: 3, Spawns: 1},
		{Index: 1},
	}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/pool", r.URL.Path)
		_ = json.NewEncoder(w).Encode(stats)
	}))
	defer srv.Close()

	out, _, code := execCLI(t, "", "pool", "status", "--url", srv.URL, "--api-key", "k", "--json")
	require.Equal(t, 0, code)
	var got pool.Stats
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, stats, got)

	out, _, code = execCLI(t, "", "pool", "status", "--url", srv.URL, "--api-key", "k")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "3/10")
	assert.Contains(t, out, "live")
	assert.Contains(t, out, "idle")
}

func TestDoctor(t *testing.T) {
	path := writeConfig(t, baseConfig)
	out, _, code := execCLI(t, "", "doctor", "--config", path)
	require.Equal(t, 0, code)
	assert.Contains(t, out, "Configuration healthy")

	bad := writeConfig(t, baseConfig+"  broken: /no/such/binary\n")
	out, stderr, code := execCLI(t, "", "doctor", "--config", bad, "--json")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "programs.broken")
	assert.Contains(t, stderr, "1 error(s)")
}

func TestJournalListAndInspect(t *testing.T) {
	path := writeConfig(t, baseConfig+`
journal:
  enabled: true
  path: $DIR/journal.db
`)
	dbPath := filepath.Join(filepath.Dir(path), "journal.db")

	db, err := storage.OpenSQLite(context.Background(), dbPath)
	require.NoError(t, err)
	j := journal.New(db)
	slot := 0
	id, err := j.Record(context.Background(), journal.Entry{
		Kind: journal.KindSubmit, Command: "/app/report", Slot: &slot, Status: "dispatched", Attempts: 1,
	})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	out, _, code := execCLI(t, "", "journal", "list", "--config", path, "--json")
	require.Equal(t, 0, code)
	var entries []journal.Entry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].ID)

	out, _, code = execCLI(t, "", "journal", "list", "--config", path)
	require.Equal(t, 0, code)
	assert.Contains(t, out, "/app/report")

	out, _, code = execCLI(t, "", "journal", "inspect", id, "--config", path)
	require.Equal(t, 0, code)
	assert.Contains(t, out, "Command     : /app/report")

	_, _, code = execCLI(t, "", "journal", "inspect", "nope", "--config", path)
	assert.Equal(t, 1, code)
}

func TestJournalDisabled(t *testing.T) {
	path := writeConfig(t, baseConfig)
	_, stderr, code := execCLI(t, "", "journal", "list", "--config", path)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "journal is disabled")
}
