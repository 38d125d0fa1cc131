package runner

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"time"
)

// StreamOutcome is what PollStream captured from one stream. TimedOut is set
// when no byte arrived before the deadline; Text is then empty.
type StreamOutcome struct {
	Text     string
	TimedOut bool
}

// stream accumulates everything read from r in the background so the poller
// can inspect how many bytes are buffered without blocking.
type stream struct {
	mu  sync.Mutex
	buf bytes.Buffer
	eof bool
}

func pump(r io.Reader) *stream {
	s := &stream{}
	go func() {
		chunk := make([]byte, 32*1024)
		for {
			n, err := r.Read(chunk)
			if n > 0 {
				s.mu.Lock()
				s.buf.Write(chunk[:n])
				s.mu.Unlock()
			}
			if err != nil {
				s.mu.Lock()
				s.eof = true
				s.mu.Unlock()
				return
			}
		}
	}()
	return s
}

func (s *stream) state() (buffered int, eof bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Len(), s.eof
}

func (s *stream) take() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.buf.String()
	s.buf.Reset()
	return out
}

// PollOptions tunes PollStream.
type PollOptions struct {
	// Timeout bounds the wait for the first byte.
	Timeout time.Duration
	// Interval is the sleep between buffer checks.
	Interval time.Duration
	// Settle is how long the stream must stay idle after the first byte before
	// the capture is considered complete. Zero takes whatever is buffered at
	// the moment the first byte is seen.
	Settle time.Duration
}

// poll waits for s to hold buffered bytes, checking every Interval,
// and gives up after Timeout. Once bytes are present it keeps collecting until
// the stream ends, goes idle for Settle, or another Timeout passes. The text
// is trimmed of surrounding whitespace.
func (s *stream) poll(ctx context.Context, opts PollOptions) StreamOutcome {
	deadline := time.Now().Add(opts.Timeout)
	for {
		n, eof := s.state()
		if n > 0 {
			break
		}
		if eof {
			// Closed without output: nothing will ever arrive.
			return StreamOutcome{}
		}
		if !time.Now().Before(deadline) {
			return StreamOutcome{TimedOut: true}
		}
		if !sleep(ctx, opts.Interval) {
			return StreamOutcome{TimedOut: true}
		}
	}

	if opts.Settle > 0 {
		limit := time.Now().Add(opts.Timeout)
		last, eof := s.state()
		for !eof && time.Now().Before(limit) {
			if !sleep(ctx, opts.Settle) {
				break
			}
			var n int
			n, eof = s.state()
			if n == last {
				break
			}
			last = n
		}
	}

	return StreamOutcome{Text: strings.TrimSpace(s.take())}
}

// PollStream drains r with the polling strategy described on PollOptions.
// The reader keeps being consumed in the background after PollStream returns
// until it reaches EOF or is closed by the caller.
func PollStream(ctx context.Context, r io.Reader, opts PollOptions) StreamOutcome {
	return pump(r).poll(ctx, opts)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
