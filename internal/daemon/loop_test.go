package daemon

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/forkpool/internal/daemon/mocks"
	"github.com/mattjoyce/forkpool/internal/execute"
	"github.com/mattjoyce/forkpool/internal/protocol"
	"github.com/mattjoyce/forkpool/internal/router"
)

func newTestLoop(t *testing.T) (*Loop, *mocks.MockRouter, *mocks.MockExecutor, *mocks.MockReporter) {
	t.Helper()
	ctrl := gomock.NewController(t)
	r := mocks.NewMockRouter(ctrl)
	e := mocks.NewMockExecutor(ctrl)
	rep := mocks.NewMockReporter(ctrl)
	return New(r, e, rep), r, e, rep
}

func encodeLine(t *testing.T, cmd string, payload map[string]any) string {
	t.Helper()
	line, err := protocol.Encode(cmd, payload)
	require.NoError(t, err)
	return line + "\n"
}

func TestRunDispatchesHandlerStep(t *testing.T) {
	lp, r, e, _ := newTestLoop(t)
	ctx := context.Background()

	r.EXPECT().Parse("/app/user/login").Return(&router.ParsedCommand{
		CGI: []router.CGIStep{{Class: "app/user", Method: "login", Path: "/app/user/login"}},
	}, nil)
	e.EXPECT().RunScript(ctx, "app/user", "login", gomock.Any()).
		DoAndReturn(func(_ context.Context, _, _ string, jc execute.JobContext) error {
			assert.Equal(t, "bob", jc.Payload["u"])
			assert.NotEmpty(t, jc.JobID)
			assert.Equal(t, "/app/user/login", jc.Command)
			return nil
		})

	input := encodeLine(t, "/app/user/login", map[string]any{"u": "bob"})
	require.NoError(t, lp.Run(ctx, strings.NewReader(input)))
}

func TestRunDispatchesProgramSteps(t *testing.T) {
	lp, r, e, _ := newTestLoop(t)
	ctx := context.Background()

	r.EXPECT().Parse("ls-skip").Return(&router.ParsedCommand{
		CLI: []router.CLIStep{{Name: "ls", Path: "/bin/ls"}, {Name: "skip", Path: ""}},
	}, nil)
	e.EXPECT().RunProgram(ctx, "ls", "/bin/ls", "-la").Return(nil)

	input := encodeLine(t, "ls-skip", map[string]any{"argv": "-la"})
	require.NoError(t, lp.Run(ctx, strings.NewReader(input)))
}

func TestRunProcessesLinesInOrder(t *testing.T) {
	lp, r, e, _ := newTestLoop(t)
	ctx := context.Background()

	gomock.InOrder(
		r.EXPECT().Parse("/a/one").Return(&router.ParsedCommand{CGI: []router.CGIStep{{Class: "a", Method: "one"}}}, nil),
		e.EXPECT().RunScript(ctx, "a", "one", gomock.Any()).Return(nil),
		r.EXPECT().Parse("/a/two").Return(&router.ParsedCommand{CGI: []router.CGIStep{{Class: "a", Method: "two"}}}, nil),
		e.EXPECT().RunScript(ctx, "a", "two", gomock.Any()).Return(nil),
	)

	input := encodeLine(t, "/a/one", nil) + encodeLine(t, "/a/two", nil)
	require.NoError(t, lp.Run(ctx, strings.NewReader(input)))
}

func TestRunDiscardsBadLines(t *testing.T) {
	lp, r, e, _ := newTestLoop(t)
	ctx := context.Background()

	r.EXPECT().Parse("/a/ok").Return(&router.ParsedCommand{CGI: []router.CGIStep{{Class: "a", Method: "ok"}}}, nil)
	e.EXPECT().RunScript(ctx, "a", "ok", gomock.Any()).Return(nil)

	input := "\n   \nnot json\n[1,2]\n{\"x\":1}\n" + encodeLine(t, "/a/ok", nil)
	require.NoError(t, lp.Run(ctx, strings.NewReader(input)))
}

func TestRunReportsErrorsAndContinues(t *testing.T) {
	lp, r, e, rep := newTestLoop(t)
	ctx := context.Background()
	boom := errors.New("boom")

	r.EXPECT().Parse("nope").Return(nil, router.ErrUnknownProgram)
	rep.EXPECT().Report(gomock.Any(), false, false).Do(func(err error, _, _ bool) {
		assert.ErrorIs(t, err, router.ErrUnknownProgram)
	})

	r.EXPECT().Parse("/a/fail").Return(&router.ParsedCommand{CGI: []router.CGIStep{{Class: "a", Method: "fail"}}}, nil)
	e.EXPECT().RunScript(ctx, "a", "fail", gomock.Any()).Return(boom)
	rep.EXPECT().Report(boom, false, false)

	r.EXPECT().Parse("/a/ok").Return(&router.ParsedCommand{CGI: []router.CGIStep{{Class: "a", Method: "ok"}}}, nil)
	e.EXPECT().RunScript(ctx, "a", "ok", gomock.Any()).Return(nil)

	input := encodeLine(t, "nope", nil) + encodeLine(t, "/a/fail", nil) + encodeLine(t, "/a/ok", nil)
	require.NoError(t, lp.Run(ctx, strings.NewReader(input)))
}

func TestRunRecoversPanics(t *testing.T) {
	lp, r, e, rep := newTestLoop(t)
	ctx := context.Background()

	r.EXPECT().Parse("/a/panic").Return(&router.ParsedCommand{CGI: []router.CGIStep{{Class: "a", Method: "panic"}}}, nil)
	e.EXPECT().RunScript(ctx, "a", "panic", gomock.Any()).DoAndReturn(
		func(context.Context, string, string, execute.JobContext) error { panic("kaboom") })
	rep.EXPECT().Report(gomock.Any(), false, false).Do(func(err error, _, _ bool) {
		assert.Contains(t, err.Error(), "kaboom")
	})

	r.EXPECT().Parse("/a/ok").Return(&router.ParsedCommand{CGI: []router.CGIStep{{Class: "a", Method: "ok"}}}, nil)
	e.EXPECT().RunScript(ctx, "a", "ok", gomock.Any()).Return(nil)

	input := encodeLine(t, "/a/panic", nil) + encodeLine(t, "/a/ok", nil)
	require.NoError(t, lp.Run(ctx, strings.NewReader(input)))
}

func TestRunHandlesUnterminatedFinalLine(t *testing.T) {
	lp, r, e, _ := newTestLoop(t)
	ctx := context.Background()

	r.EXPECT().Parse("/a/last").Return(&router.ParsedCommand{CGI: []router.CGIStep{{Class: "a", Method: "last"}}}, nil)
	e.EXPECT().RunScript(ctx, "a", "last", gomock.Any()).Return(nil)

	input := strings.TrimSuffix(encodeLine(t, "/a/last", nil), "\n")
	require.NoError(t, lp.Run(ctx, strings.NewReader(input)))
}

func TestRunDiscardsOversizedLine(t *testing.T) {
	ctrl := gomock.NewController(t)
	r := mocks.NewMockRouter(ctrl)
	e := mocks.NewMockExecutor(ctrl)
	lp := New(r, e, mocks.NewMockReporter(ctrl), WithMaxLineBytes(64))
	ctx := context.Background()

	r.EXPECT().Parse("/a/ok").Return(&router.ParsedCommand{CGI: []router.CGIStep{{Class: "a", Method: "ok"}}}, nil)
	e.EXPECT().RunScript(ctx, "a", "ok", gomock.Any()).Return(nil)

	big := encodeLine(t, "/a/big", map[string]any{"blob": strings.Repeat("x", 200000)})
	input := big + encodeLine(t, "/a/ok", nil)
	require.NoError(t, lp.Run(ctx, strings.NewReader(input)))
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	lp, _, _, _ := newTestLoop(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	input := encodeLine(t, "/a/never", nil)
	assert.NoError(t, lp.Run(ctx, strings.NewReader(input)))
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("disk on fire") }

func TestRunReturnsReadErrors(t *testing.T) {
	lp, _, _, _ := newTestLoop(t)
	err := lp.Run(context.Background(), failingReader{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF)
	assert.Contains(t, err.Error(), "disk on fire")
}

func TestEndToEndWithRealCollaborators(t *testing.T) {
	ctrl := gomock.NewController(t)
	rep := mocks.NewMockReporter(ctrl)

	ex := execute.New(nil)
	var seen []map[string]any
	ex.Register("app/user", "login", func(_ context.Context, jc execute.JobContext) (any, error) {
		seen = append(seen, jc.Payload)
		return nil, nil
	})
	lp := New(router.New(nil), ex, rep)

	payload := map[string]any{"name": "line\nbreak \"quoted\"", "n": 3}
	input := encodeLine(t, "/app/user/login", payload) + encodeLine(t, "/app/user/login", nil)
	require.NoError(t, lp.Run(context.Background(), strings.NewReader(input)))

	require.Len(t, seen, 2)
	assert.Equal(t, "line\nbreak \"quoted\"", seen[0]["name"])
	assert.Equal(t, "3", seen[0]["n"].(interface{ String() string }).String())
}
