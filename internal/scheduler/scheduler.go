package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the lifecycle of a resource key's work:
// idle → in-flight → (idle | backoff-wait → in-flight | idle on cancel).
type State string

const (
	Idle        State = "idle"
	InFlight    State = "in-flight"
	BackoffWait State = "backoff-wait"
)

// Config tunes retry behaviour. Retryable decides which errors are worth
// backing off for; a nil Retryable retries everything.
type Config struct {
	BackoffBase time.Duration
	BackoffMax  time.Duration
	Attempts    int
	Retryable   func(error) bool
}

// Scheduler owns when and how often the daemon talks to the remote
// store. It guarantees at most one in-flight request per resource key
// ("messages:{conversationID}", "conversations:list"), retries
// transient failures with capped full-jitter backoff, and cancels
// in-flight work — even mid-backoff — when a key is cancelled.
type Scheduler struct {
	mu      sync.Mutex
	cfg     Config
	logger  *zap.Logger
	flights map[string]*flight
	polls   map[string]context.CancelFunc
	states  map[string]State
	stopped bool

	// backoffFn computes the wait before retry n (n >= 1). Overridable
	// in tests; defaults to capped full jitter.
	backoffFn func(attempt int) time.Duration
}

type flight struct {
	done   chan struct{}
	cancel context.CancelFunc
	err    error
}

// New creates a scheduler.
func New(cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		cfg:     cfg,
		logger:  logger,
		flights: make(map[string]*flight),
		polls:   make(map[string]context.CancelFunc),
		states:  make(map[string]State),
	}
	s.backoffFn = s.backoff
	return s
}

// Schedule registers a recurring pull for key. The function runs once
// immediately and then on every interval tick; ticks that fire while a
// run for the key is still outstanding are skipped, so requests never
// pile up behind a slow server.
func (s *Scheduler) Schedule(ctx context.Context, key string, interval time.Duration, fn func(context.Context) error) {
	pctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		cancel()
		return
	}
	if prev, ok := s.polls[key]; ok {
		prev()
	}
	s.polls[key] = cancel
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		s.tick(pctx, key, fn)
		for {
			select {
			case <-ticker.C:
				s.tick(pctx, key, fn)
			case <-pctx.Done():
				return
			}
		}
	}()
}

// tick runs one scheduled pull unless the key is already busy.
func (s *Scheduler) tick(ctx context.Context, key string, fn func(context.Context) error) {
	s.mu.Lock()
	_, busy := s.flights[key]
	s.mu.Unlock()
	if busy {
		return
	}
	if err := s.RunOnce(ctx, key, fn); err != nil && ctx.Err() == nil {
		s.logger.Warn("scheduled pull failed", zap.String("key", key), zap.Error(err))
	}
}

// RunOnce executes fn under the single-flight rule for key: a second
// caller while the first is outstanding waits for the first run and
// shares its result. Retries use exponential backoff with full jitter
// up to the configured attempt budget; non-retryable errors and
// cancellation end the run immediately.
func (s *Scheduler) RunOnce(ctx context.Context, key string, fn func(context.Context) error) error {
	s.mu.Lock()
	if existing, ok := s.flights[key]; ok {
		s.mu.Unlock()
		select {
		case <-existing.done:
			return existing.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	fctx, cancel := context.WithCancel(ctx)
	f := &flight{done: make(chan struct{}), cancel: cancel}
	s.flights[key] = f
	s.states[key] = InFlight
	s.mu.Unlock()

	f.err = s.attempt(fctx, key, fn)

	s.mu.Lock()
	delete(s.flights, key)
	s.states[key] = Idle
	s.mu.Unlock()
	close(f.done)
	cancel()
	return f.err
}

func (s *Scheduler) attempt(ctx context.Context, key string, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt < s.cfg.Attempts; attempt++ {
		if attempt > 0 {
			s.setState(key, BackoffWait)
			select {
			case <-time.After(s.backoffFn(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
			s.setState(key, InFlight)
		}

		err = fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if s.cfg.Retryable != nil && !s.cfg.Retryable(err) {
			return err
		}
		s.logger.Debug("attempt failed",
			zap.String("key", key),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return err
}

// backoff returns a full-jitter delay: uniform in [0, base*2^n] capped
// at the configured maximum.
func (s *Scheduler) backoff(attempt int) time.Duration {
	d := s.cfg.BackoffBase << (attempt - 1)
	if d > s.cfg.BackoffMax || d <= 0 {
		d = s.cfg.BackoffMax
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}

// Cancel stops the recurring pull for key and aborts any in-flight
// request, including one parked in a backoff wait.
func (s *Scheduler) Cancel(key string) {
	s.mu.Lock()
	cancelPoll, hasPoll := s.polls[key]
	if hasPoll {
		delete(s.polls, key)
	}
	f, hasFlight := s.flights[key]
	s.mu.Unlock()

	if hasPoll {
		cancelPoll()
	}
	if hasFlight {
		f.cancel()
	}
}

// Stop cancels every key. Used on daemon shutdown.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	polls := s.polls
	s.polls = make(map[string]context.CancelFunc)
	flights := make([]*flight, 0, len(s.flights))
	for _, f := range s.flights {
		flights = append(flights, f)
	}
	s.mu.Unlock()

	for _, cancel := range polls {
		cancel()
	}
	for _, f := range flights {
		f.cancel()
	}
}

// KeyState reports the current state for a key; unknown keys are idle.
func (s *Scheduler) KeyState(key string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[key]; ok {
		return st
	}
	return Idle
}

func (s *Scheduler) setState(key string, st State) {
	s.mu.Lock()
	s.states[key] = st
	s.mu.Unlock()
}
