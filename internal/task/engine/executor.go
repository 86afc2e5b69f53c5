package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"sundial/pkg/logx"
)

// Executor runs tasks in the caller's goroutine with panic isolation,
// retries and an optional global concurrency cap.
type Executor struct {
	cfg Config
	log logx.Logger

	permits chan struct{}

	inFlight         atomic.Int32
	waitingForPermit atomic.Int32
	succeeded        atomic.Uint64
	failed           atomic.Uint64
	canceled         atomic.Uint64
	panics           atomic.Uint64

	rngMu sync.Mutex
	rng   *rand.Rand
}

func New(cfg Config, log logx.Logger) *Executor {
	e := &Executor{
		cfg: cfg,
		log: log,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if cfg.MaxConcurrent > 0 {
		e.permits = make(chan struct{}, cfg.MaxConcurrent)
	}
	return e
}

// Execute runs t until it succeeds, fails permanently, runs out of attempts or
// ctx is cancelled. It never panics.
//
// A run whose ctx is cancelled ends as Canceled, whatever error the body
// returned; a per-attempt timeout is a failure.
func (e *Executor) Execute(ctx context.Context, t Task) Result {
	if ctx == nil {
		ctx = context.Background()
	}
	res := Result{Started: time.Now()}
	if t.Run == nil {
		res.Outcome = Failed
		res.Err = NoRetry(errors.New("task Run is nil"))
		return res
	}

	if e.permits != nil {
		e.waitingForPermit.Add(1)
		select {
		case e.permits <- struct{}{}:
			e.waitingForPermit.Add(-1)
		case <-ctx.Done():
			e.waitingForPermit.Add(-1)
			res.Outcome = Canceled
			res.Err = ctx.Err()
			res.Waited = time.Since(res.Started)
			e.canceled.Add(1)
			return res
		}
		defer func() { <-e.permits }()
		res.Waited = time.Since(res.Started)
	}

	e.inFlight.Add(1)
	defer e.inFlight.Add(-1)

	opt := t.Opt.withDefaults(e.cfg)
	maxAttempts := 1 + opt.RetryMax

	var err error
attemptLoop:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res.Attempts = attempt
		err = e.attempt(ctx, t, opt)
		if err == nil || ctx.Err() != nil {
			break
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			err = nr.err
			break
		}
		if attempt >= maxAttempts {
			break
		}

		delay := e.backoff(opt, attempt, err)
		e.log.Debug("run.retry_scheduled", logx.String("task", t.Name), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			break attemptLoop
		case <-tmr.C:
		}
	}

	res.Duration = time.Since(res.Started) - res.Waited
	res.Err = err
	// A body that returned nil succeeded even if ctx was cancelled after it.
	switch {
	case err == nil:
		res.Outcome = Succeeded
		e.succeeded.Add(1)
	case ctx.Err() != nil:
		res.Outcome = Canceled
		e.canceled.Add(1)
	default:
		res.Outcome = Failed
		e.failed.Add(1)
	}
	return res
}

func (e *Executor) attempt(ctx context.Context, t Task, opt Options) (err error) {
	runCtx := ctx
	if opt.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, opt.Timeout)
		defer cancel()
	}
	// One bad body must not take the process down.
	defer func() {
		if r := recover(); r != nil {
			e.panics.Add(1)
			stack := string(debug.Stack())
			e.log.Error("run.panic", logx.String("task", t.Name), logx.Any("panic", r), logx.Stack(stack))
			err = NoRetry(&PanicError{Value: r, Stack: stack})
		}
	}()
	if err = t.Run(runCtx); err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("attempt timed out after %s: %w", opt.Timeout, err)
	}
	return err
}

func (e *Executor) backoff(opt Options, retry int, err error) time.Duration {
	var d time.Duration
	var ra RetryAfterError
	if errors.As(err, &ra) {
		d = ra.RetryAfter()
	} else {
		d = opt.RetryBase
		for i := 1; i < retry && d < opt.RetryMaxDelay; i++ {
			d *= 2
		}
	}
	d = min(d, opt.RetryMaxDelay)

	e.rngMu.Lock()
	r := (e.rng.Float64()*2 - 1) * opt.RetryJitter
	e.rngMu.Unlock()
	d = time.Duration(float64(d) * (1 + r))
	return min(max(d, 0), opt.RetryMaxDelay)
}

func (e *Executor) Stats() Stats {
	return Stats{
		MaxConcurrent:    e.cfg.MaxConcurrent,
		InFlight:         int(e.inFlight.Load()),
		WaitingForPermit: int(e.waitingForPermit.Load()),
		Succeeded:        e.succeeded.Load(),
		Failed:           e.failed.Load(),
		Canceled:         e.canceled.Load(),
		Panics:           e.panics.Load(),
	}
}
