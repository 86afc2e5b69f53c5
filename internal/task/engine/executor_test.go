package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sundial/pkg/logx"
)

func fastRetry(n int) Options {
	return Options{RetryMax: n, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond}
}

func TestExecuteRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	e := New(Config{}, logx.Nop())
	var calls atomic.Int32
	res := e.Execute(context.Background(), Task{
		Name: "flaky",
		Opt:  fastRetry(3),
		Run: func(ctx context.Context) error {
			if calls.Add(1) < 3 {
				return errors.New("transient")
			}
			return nil
		},
	})
	if res.Outcome != Succeeded || res.Err != nil {
		t.Fatalf("result=%+v", res)
	}
	if res.Attempts != 3 {
		t.Fatalf("attempts=%d want 3", res.Attempts)
	}
}

func TestExecuteNoRetryStopsImmediately(t *testing.T) {
	t.Parallel()

	e := New(Config{}, logx.Nop())
	base := errors.New("bad input")
	var calls atomic.Int32
	res := e.Execute(context.Background(), Task{
		Name: "permanent",
		Opt:  fastRetry(5),
		Run: func(ctx context.Context) error {
			calls.Add(1)
			return NoRetry(base)
		},
	})
	if res.Outcome != Failed || !errors.Is(res.Err, base) {
		t.Fatalf("result=%+v", res)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls=%d want 1", calls.Load())
	}
}

func TestExecuteRecoversPanic(t *testing.T) {
	t.Parallel()

	e := New(Config{}, logx.Nop())
	res := e.Execute(context.Background(), Task{
		Name: "boom",
		Opt:  fastRetry(3),
		Run:  func(ctx context.Context) error { panic("boom") },
	})
	var pe *PanicError
	if res.Outcome != Failed || !errors.As(res.Err, &pe) {
		t.Fatalf("result=%+v", res)
	}
	if res.Attempts != 1 {
		t.Fatalf("panics must not be retried, attempts=%d", res.Attempts)
	}
	if e.Stats().Panics != 1 {
		t.Fatalf("panic counter not incremented")
	}
}

func TestExecuteCancellationIsNotFailure(t *testing.T) {
	t.Parallel()

	e := New(Config{}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	go func() {
		<-started
		cancel()
	}()
	res := e.Execute(ctx, Task{
		Name: "long",
		Opt:  fastRetry(3),
		Run: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return errors.New("interrupted")
		},
	})
	if res.Outcome != Canceled {
		t.Fatalf("outcome=%v want canceled", res.Outcome)
	}
	if res.Attempts != 1 {
		t.Fatalf("cancelled runs must not retry, attempts=%d", res.Attempts)
	}
}

func TestExecuteCompletedBodyIsNotCanceled(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body error
		want Outcome
	}{
		{"returned nil", nil, Succeeded},
		{"returned error", errors.New("late"), Canceled},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			e := New(Config{}, logx.Nop())
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			res := e.Execute(ctx, Task{
				Name: "finishing",
				Opt:  fastRetry(3),
				Run: func(context.Context) error {
					// The pause lands after the work is done.
					cancel()
					return tc.body
				},
			})
			if res.Outcome != tc.want {
				t.Fatalf("outcome=%v want %v (err=%v)", res.Outcome, tc.want, res.Err)
			}
			if tc.body == nil && res.Err != nil {
				t.Fatalf("err=%v want nil", res.Err)
			}
			if res.Attempts != 1 {
				t.Fatalf("attempts=%d want 1", res.Attempts)
			}
		})
	}
}

func TestExecuteTimeoutIsFailure(t *testing.T) {
	t.Parallel()

	e := New(Config{DefaultTimeout: 10 * time.Millisecond}, logx.Nop())
	res := e.Execute(context.Background(), Task{
		Name: "slow",
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	if res.Outcome != Failed || !errors.Is(res.Err, context.DeadlineExceeded) {
		t.Fatalf("result=%+v", res)
	}
}

func TestExecuteHonoursConcurrencyCap(t *testing.T) {
	t.Parallel()

	e := New(Config{MaxConcurrent: 2}, logx.Nop())
	var cur, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Execute(context.Background(), Task{
				Name: "capped",
				Run: func(ctx context.Context) error {
					n := cur.Add(1)
					for {
						p := peak.Load()
						if n <= p || peak.CompareAndSwap(p, n) {
							break
						}
					}
					time.Sleep(5 * time.Millisecond)
					cur.Add(-1)
					return nil
				},
			})
		}()
	}
	wg.Wait()
	if peak.Load() > 2 {
		t.Fatalf("peak concurrency=%d want <= 2", peak.Load())
	}
	if s := e.Stats(); s.Succeeded != 8 || s.InFlight != 0 {
		t.Fatalf("stats=%+v", s)
	}
}

func TestBackoffHonoursRetryAfterHint(t *testing.T) {
	t.Parallel()

	e := New(Config{}, logx.Nop())
	opt := Options{RetryBase: time.Millisecond, RetryMaxDelay: time.Second, RetryJitter: 0.0001}.withDefaults(Config{})
	d := e.backoff(opt, 1, RetryAfter(errors.New("429"), 500*time.Millisecond))
	if d < 490*time.Millisecond || d > 510*time.Millisecond {
		t.Fatalf("delay=%v want ~500ms", d)
	}
	d = e.backoff(opt, 1, RetryAfter(errors.New("429"), time.Hour))
	if d > time.Second {
		t.Fatalf("delay=%v exceeds max", d)
	}
}
