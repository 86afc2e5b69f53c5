package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"sundial/internal/eventbus"
	"sundial/internal/metrics"
	"sundial/internal/runtime/supervisor"
	"sundial/internal/task/scheduler"
	"sundial/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const historySize = 300

// retryAfterer is implemented by send errors that carry a server-side wait.
type retryAfterer interface {
	RetryAfter() time.Duration
}

// Service turns run events into messages and delivers them in the background.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	bus     eventbus.Bus
	sender  Sender
	metrics *metrics.Registry

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup
	workersWG sync.WaitGroup

	queue chan Message
	sup   *supervisor.Supervisor

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender Sender, bus eventbus.Bus, log logx.Logger, m *metrics.Registry) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:     log.With(logx.String("comp", "notifier")),
		bus:     bus,
		sender:  sender,
		metrics: m,
		dedup:   map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the configuration. Queue size and worker count take effect on
// the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	s.cfg = cfg.withDefaults()
	burst := max(int(s.cfg.RatePerSec), 1)
	s.limiter = rate.NewLimiter(rate.Limit(s.cfg.RatePerSec), burst)
}

// Start subscribes to the bus and launches the workers. Start is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil || !s.cfg.Enabled || s.sender == nil {
		return
	}

	s.queue = make(chan Message, s.cfg.QueueSize)
	s.accepting = true
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	q := s.queue

	if s.bus != nil {
		s.sup.GoRestart("listen", s.listen, 500*time.Millisecond, 10*time.Second)
	}
	for i := 0; i < s.cfg.Workers; i++ {
		s.workersWG.Add(1)
		s.sup.Go(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			defer s.workersWG.Done()
			s.workerLoop(c, q)
			return nil
		})
	}
	s.log.Info("notifier started", logx.Int("workers", s.cfg.Workers), logx.Bool("notify_all", s.cfg.NotifyAll))
}

// Stop refuses new messages, drains the queue until ctx ends, then stops
// every goroutine.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil || !s.accepting {
		s.mu.Unlock()
		return nil
	}
	s.accepting = false
	s.mu.Unlock()

	s.sendWG.Wait()
	close(q)

	drained := make(chan struct{})
	go func() {
		s.workersWG.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
	}
	err := sup.Stop(ctx)

	s.mu.Lock()
	s.queue = nil
	s.sup = nil
	s.mu.Unlock()
	s.log.Info("notifier stopped")
	return err
}

// Notify queues m. It never blocks: a full queue drops the message.
func (s *Service) Notify(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	window := s.cfg.DedupWindow
	maxEntries := s.cfg.DedupMaxEntries
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	if window > 0 && m.Key != "" && !s.dedupAllow(m.Key, window, maxEntries) {
		s.metrics.Notified("deduped")
		return nil
	}

	select {
	case q <- m:
		return nil
	default:
		s.metrics.Notified("dropped")
		return ErrQueueFull
	}
}

func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(text string, err error) {
	item := HistoryItem{At: time.Now(), Text: text}
	if err != nil {
		item.Error = err.Error()
	}
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()
}

// listen converts run.completed events into messages until ctx ends.
func (s *Service) listen(ctx context.Context) error {
	ch, unsub := s.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return errors.New("notifier subscription closed")
			}
			if ev.Type != scheduler.EventRunCompleted {
				continue
			}
			change, ok := ev.Data.(scheduler.JobChange)
			if !ok {
				continue
			}
			s.mu.Lock()
			cfg := s.cfg
			s.mu.Unlock()
			m, ok := runMessage(change, cfg)
			if !ok {
				continue
			}
			if err := s.Notify(ctx, m); err != nil && !errors.Is(err, ErrStopped) {
				s.log.Debug("notification not queued", logx.String("key", m.Key), logx.Err(err))
			}
		}
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, m)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, m Message) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err := s.sender.Send(callCtx, m)
		cancel()
		if err == nil {
			s.metrics.Notified("sent")
			s.appendHistory(m.Text, nil)
			return
		}
		lastErr = err
		s.log.Debug("notify send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", attempts))
		if attempt >= attempts {
			break
		}

		delay := retryDelay(cfg, attempt)
		var ra retryAfterer
		if errors.As(err, &ra) && ra.RetryAfter() > delay {
			delay = ra.RetryAfter()
		}
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	s.metrics.Notified("failed")
	s.appendHistory(m.Text, lastErr)
	s.log.Warn("notification failed", logx.Int("attempts", attempts), logx.Err(lastErr))
}

func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	return min(d, cfg.RetryMaxDelay)
}

// dedupAllow reports whether key is outside its suppression window and, if
// so, opens a new one.
func (s *Service) dedupAllow(key string, window time.Duration, maxEntries int) bool {
	now := time.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(window)

	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) > maxEntries {
		var (
			oldest string
			at     time.Time
		)
		for k, t := range s.dedup {
			if oldest == "" || t.Before(at) {
				oldest, at = k, t
			}
		}
		delete(s.dedup, oldest)
	}
	return true
}
