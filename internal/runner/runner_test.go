package runner

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRunner(t *testing.T, opts Options) *Runner {
	t.Helper()
	if opts.ExitGrace == 0 {
		opts.ExitGrace = 100 * time.Millisecond
	}
	return New(opts)
}

func TestRunCapturesTrimmedOutput(t *testing.T) {
	r := newTestRunner(t, Options{})

	for _, timeout := range []time.Duration{250 * time.Millisecond, time.Second, 10 * time.Second} {
		res, err := r.Run(context.Background(), Request{
			Command: `printf '  hello world \n\n'`,
			Want:    Fields(FieldResult),
			Timeout: timeout,
		})
		require.NoError(t, err)
		require.NotNil(t, res.Result)
		assert.Equal(t, "hello world", *res.Result, "timeout %v", timeout)
		assert.Empty(t, res.TimedOut)
	}
}

func TestRunSilentCommandTimesOut(t *testing.T) {
	r := newTestRunner(t, Options{})

	start := time.Now()
	res, err := r.Run(context.Background(), Request{
		Command: "sleep 5",
		Want:    Fields(FieldResult, FieldError),
		Timeout: 50 * time.Millisecond,
	})
	require.NoError(t, err, "a timeout is not an error")
	require.NotNil(t, res.Result)
	require.NotNil(t, res.Error)
	assert.Equal(t, "", *res.Result)
	assert.Equal(t, "", *res.Error)
	assert.ElementsMatch(t, []string{"error", "result"}, res.TimedOut)
	assert.Less(t, time.Since(start), 4*time.Second, "lingering process is terminated")
}

func TestRunEmptyOutputIsNotATimeout(t *testing.T) {
	r := newTestRunner(t, Options{})

	res, err := r.Run(context.Background(), Request{
		Command: "true",
		Want:    Fields(FieldResult),
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "", *res.Result)
	assert.Empty(t, res.TimedOut)
}

func TestRunWritesInputLine(t *testing.T) {
	r := newTestRunner(t, Options{})

	res, err := r.Run(context.Background(), Request{
		Command: "read line; echo \"got:$line\"",
		Input:   "ping",
		Want:    ParseFields("cmd,data,result"),
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "got:ping", *res.Result)
	assert.Equal(t, "ping", *res.Data)
	assert.Equal(t, "read line; echo \"got:$line\"", *res.Cmd)
	assert.Nil(t, res.Error)
}

func TestRunCapturesStderr(t *testing.T) {
	r := newTestRunner(t, Options{})

	res, err := r.Run(context.Background(), Request{
		Command: "echo out; echo oops >&2",
		Want:    Fields(FieldError, FieldResult),
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "oops", *res.Error)
	assert.Equal(t, "out", *res.Result)
}

func TestRunCollectsGradualOutput(t *testing.T) {
	r := newTestRunner(t, Options{Settle: 200 * time.Millisecond})

	res, err := r.Run(context.Background(), Request{
		Command: "echo one; sleep 0.05; echo two",
		Want:    Fields(FieldResult),
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo", *res.Result)
}

func TestRunOnlyRequestedFields(t *testing.T) {
	r := newTestRunner(t, Options{})

	res, err := r.Run(context.Background(), Request{Command: "echo hi", Want: FieldSet{}})
	require.NoError(t, err)

	b, err := json.Marshal(res)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(b))

	res, err = r.Run(context.Background(), Request{Command: "echo hi", Want: Fields(FieldCmd), Timeout: time.Second})
	require.NoError(t, err)
	b, err = json.Marshal(res)
	require.NoError(t, err)
	assert.JSONEq(t, `{"cmd":"echo hi"}`, string(b))
}

func TestRunUsesWorkDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "marker.txt"), []byte("here"), 0o644))
	r := newTestRunner(t, Options{WorkDir: dir})

	res, err := r.Run(context.Background(), Request{Command: "cat marker.txt", Want: Fields(FieldResult), Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, "here", *res.Result)
}

func TestRunSpawnDenied(t *testing.T) {
	t.Run("missing work dir", func(t *testing.T) {
		r := newTestRunner(t, Options{WorkDir: filepath.Join(t.TempDir(), "missing")})
		_, err := r.Run(context.Background(), Request{Command: "true"})
		assert.ErrorIs(t, err, ErrSpawnDenied)
	})
	t.Run("missing shell", func(t *testing.T) {
		r := newTestRunner(t, Options{Shell: "/nonexistent/sh"})
		_, err := r.Run(context.Background(), Request{Command: "true"})
		assert.ErrorIs(t, err, ErrSpawnDenied)
	})
}

func TestRunAppendsLogRecord(t *testing.T) {
	logs := &memLog{}
	r := newTestRunner(t, Options{Log: logs})

	// Logging drains both streams even when no field is requested.
	_, err := r.Run(context.Background(), Request{
		Command: "echo out; echo err >&2",
		Input:   "in",
		Log:     true,
		Timeout: 5 * time.Second,
	})
	require.NoError(t, err)
	require.Len(t, logs.records, 1)
	rec := logs.records[0]
	assert.Equal(t, "echo out; echo err >&2", rec.Cmd)
	assert.Equal(t, "in", rec.Data)
	assert.Equal(t, "out", rec.Result)
	assert.Equal(t, "err", rec.Error)
	assert.False(t, rec.Time.IsZero())
}

func TestRunInputBoundedByTimeout(t *testing.T) {
	// The child never reads stdin and the input overflows the pipe buffer.
	r := newTestRunner(t, Options{})
	input := strings.Repeat("x", 1<<20)

	start := time.Now()
	res, err := r.Run(context.Background(), Request{
		Command: "sleep 3",
		Input:   input,
		Want:    Fields(FieldResult, FieldError),
		Timeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.ElementsMatch(t, []string{"error", "result"}, res.TimedOut)
}

func TestRunDefaultTimeoutUnit(t *testing.T) {
	// The CLI documents its timeout flag in milliseconds; the library takes a
	// time.Duration whose default is 5000ms (not 5000µs).
	r := New(Options{})
	assert.Equal(t, 5*time.Second, r.opts.Timeout)
	assert.Equal(t, 10*time.Microsecond, r.opts.PollInterval)
}

type memLog struct {
	records []Record
}

func (m *memLog) Append(rec Record) error {
	m.records = append(m.records, rec)
	return nil
}

func TestPollStream(t *testing.T) {
	opts := PollOptions{Timeout: 100 * time.Millisecond, Interval: time.Millisecond}

	t.Run("buffered data", func(t *testing.T) {
		out := PollStream(context.Background(), strings.NewReader("  data\n"), opts)
		assert.Equal(t, StreamOutcome{Text: "data"}, out)
	})

	t.Run("closed without data", func(t *testing.T) {
		out := PollStream(context.Background(), strings.NewReader(""), opts)
		assert.Equal(t, StreamOutcome{}, out)
	})

	t.Run("nothing before deadline", func(t *testing.T) {
		pr, pw := io.Pipe()
		defer pw.Close()
		out := PollStream(context.Background(), pr, opts)
		assert.Equal(t, StreamOutcome{TimedOut: true}, out)
	})

	t.Run("late data within deadline", func(t *testing.T) {
		pr, pw := io.Pipe()
		go func() {
			time.Sleep(10 * time.Millisecond)
			_, _ = pw.Write([]byte("late"))
			_ = pw.Close()
		}()
		out := PollStream(context.Background(), pr, PollOptions{Timeout: 5 * time.Second, Interval: time.Millisecond})
		assert.Equal(t, StreamOutcome{Text: "late"}, out)
	})

	t.Run("cancelled context", func(t *testing.T) {
		pr, pw := io.Pipe()
		defer pw.Close()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		out := PollStream(ctx, pr, PollOptions{Timeout: time.Hour, Interval: time.Millisecond})
		assert.True(t, out.TimedOut)
	})
}

func TestParseFields(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"result", "result"},
		{"result,error", "error,result"},
		{"cmd data error result", "cmd,data,error,result"},
		{"RESULT|Cmd", "cmd,result"},
		{"bogus", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseFields(tt.in).String())
		})
	}
}
