package execute

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// BuiltinClass groups the handlers every worker ships with.
const BuiltinClass = "forkpool"

// RegisterBuiltins adds diagnostic handlers under /forkpool/...:
//
//	echo   returns the payload
//	sleep  waits payload["ms"] milliseconds
//	fail   returns payload["message"] as an error
//	panic  panics, to exercise worker recovery
func RegisterBuiltins(e *Executor) {
	e.Register(BuiltinClass, "echo", func(_ context.Context, jc JobContext) (any, error) {
		return jc.Payload, nil
	})
	e.Register(BuiltinClass, "sleep", func(ctx context.Context, jc JobContext) (any, error) {
		ms, err := intValue(jc.Payload["ms"])
		if err != nil {
			return nil, fmt.Errorf("ms: %w", err)
		}
		t := time.NewTimer(time.Duration(ms) * time.Millisecond)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
			return ms, nil
		}
	})
	e.Register(BuiltinClass, "fail", func(_ context.Context, jc JobContext) (any, error) {
		msg, _ := jc.Payload["message"].(string)
		if msg == "" {
			msg = "requested failure"
		}
		return nil, errors.New(msg)
	})
	e.Register(BuiltinClass, "panic", func(context.Context, JobContext) (any, error) {
		panic("requested panic")
	})
}

func intValue(v any) (int64, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		return int64(n), nil
	case interface{ Int64() (int64, error) }:
		return n.Int64()
	case string:
		var out int64
		if _, err := fmt.Sscan(n, &out); err != nil {
			return 0, fmt.Errorf("not a number: %q", n)
		}
		return out, nil
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}
