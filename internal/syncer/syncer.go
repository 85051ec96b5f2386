package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/livinlefevreloca/tillsync/internal/changelog"
	"github.com/livinlefevreloca/tillsync/internal/transport"
)

const sessionKey = "session"

// Syncer coordinates push and pull sessions between the local change log
// and the remote authority. At most one session runs at a time.
type Syncer struct {
	// Configuration
	config Config
	logger *slog.Logger

	// Collaborators
	store      *changelog.Store
	client     transport.Client
	publishers []Publisher

	// Injected for tests
	now    func() time.Time
	sleep  func(context.Context, time.Duration) error
	random func() float64

	// Session control
	flight  singleflight.Group
	syncing atomic.Bool
	baseCtx context.Context
	cancel  context.CancelFunc

	// Reporting, guarded by mu
	mu          sync.Mutex
	state       State
	history     []SyncSession
	lastSuccess *time.Time
	retryAfter  time.Time
	stopped     bool

	// Control
	shutdown     chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup // loop goroutine
	inflight     sync.WaitGroup // running sessions
}

// Option customises a Syncer.
type Option func(*Syncer)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Syncer) { s.now = now }
}

// WithSleep overrides how backoff waits are performed.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(s *Syncer) { s.sleep = sleep }
}

// WithRandom overrides the jitter source. fn must return values in [0, 1).
func WithRandom(fn func() float64) Option {
	return func(s *Syncer) { s.random = fn }
}

// WithPublisher adds a receiver for every completed session. May be given
// more than once.
func WithPublisher(p Publisher) Option {
	return func(s *Syncer) {
		if p != nil {
			s.publishers = append(s.publishers, p)
		}
	}
}

// New creates a coordinator. Nothing runs until Start or SyncNow.
func New(store *changelog.Store, client transport.Client, config Config, logger *slog.Logger, opts ...Option) (*Syncer, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("syncer: store is required")
	}
	if client == nil {
		return nil, errors.New("syncer: transport client is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Syncer{
		config:   config,
		logger:   logger.With("component", "syncer", "node_id", store.NodeID()),
		store:    store,
		client:   client,
		now:      time.Now,
		sleep:    sleepContext,
		random:   rand.Float64,
		baseCtx:  ctx,
		cancel:   cancel,
		state:    StateIdle,
		shutdown: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// GetConfig returns the coordinator configuration
func (s *Syncer) GetConfig() Config {
	return s.config
}

// Start releases claims left by a previous process and launches the
// background schedule.
func (s *Syncer) Start(ctx context.Context) error {
	recovered, err := s.store.RecoverInFlight(ctx, s.claimLease())
	if err != nil {
		return err
	}
	if recovered > 0 {
		s.logger.Warn("released claims left by previous run", "count", recovered)
	}

	last, err := s.store.LastSuccessAt(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.lastSuccess = last
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run()

	s.logger.Info("syncer started",
		"interval", s.config.Interval,
		"direction", s.config.Direction,
		"batch_size", s.config.BatchSize)
	return nil
}

func (s *Syncer) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	if s.config.RunOnStart {
		s.scheduledTick()
	}

	for {
		select {
		case <-s.shutdown:
			s.logger.Debug("sync loop shut down")
			return
		case <-ticker.C:
			s.scheduledTick()
		}
	}
}

func (s *Syncer) scheduledTick() {
	s.mu.Lock()
	retryAfter := s.retryAfter
	s.mu.Unlock()

	if now := s.now(); now.Before(retryAfter) {
		s.logger.Debug("skipping scheduled sync during backoff", "retry_after", retryAfter)
		return
	}

	if _, err := s.trigger(s.baseCtx, TriggerScheduled); err != nil && !errors.Is(err, ErrStopped) && !errors.Is(err, context.Canceled) {
		s.logger.Error("scheduled sync failed", "error", err)
	}
}

// SyncNow runs a session immediately and returns its result. A call made
// while a session is running waits for and returns that session instead of
// starting another. Records marked failed are retried by explicit syncs.
func (s *Syncer) SyncNow(ctx context.Context) (SyncSession, error) {
	return s.trigger(ctx, TriggerManual)
}

func (s *Syncer) trigger(ctx context.Context, trigger Trigger) (SyncSession, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return SyncSession{}, ErrStopped
	}
	s.inflight.Add(1)
	s.mu.Unlock()

	ch := s.flight.DoChan(sessionKey, func() (any, error) {
		return s.runSession(trigger), nil
	})

	select {
	case res := <-ch:
		s.inflight.Done()
		if res.Err != nil {
			return SyncSession{}, res.Err
		}
		session := res.Val.(SyncSession)
		if res.Shared {
			s.logger.Debug("sync session shared between callers", "session_id", session.SessionID, "trigger", trigger)
		}
		return session, nil
	case <-ctx.Done():
		// The session keeps running; Shutdown still waits for it.
		go func() {
			<-ch
			s.inflight.Done()
		}()
		return SyncSession{}, ctx.Err()
	}
}

// Shutdown stops the schedule, aborts a running session and waits for it to
// release its claims.
func (s *Syncer) Shutdown() error {
	s.shutdownOnce.Do(func() {
		s.logger.Info("starting syncer shutdown")

		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()

		close(s.shutdown)
		s.cancel()

		s.wg.Wait()
		s.inflight.Wait()

		s.logger.Info("syncer shutdown complete")
	})
	return nil
}

// GetStatus reports counts and the latest session. It reads only local
// state and never waits on the network.
func (s *Syncer) GetStatus(ctx context.Context) (SyncStatus, error) {
	counts, err := s.store.Counts(ctx)
	if err != nil {
		return SyncStatus{}, fmt.Errorf("get sync status: %w", err)
	}

	s.mu.Lock()
	status := SyncStatus{
		NodeID:          s.store.NodeID(),
		State:           s.state,
		IsSyncing:       s.syncing.Load(),
		LastSuccessAt:   s.lastSuccess,
		PendingCount:    counts.Pending,
		InFlightCount:   counts.InFlight,
		FailedCount:     counts.Failed,
		ConflictedCount: counts.Conflicted,
	}
	if !s.retryAfter.IsZero() && s.now().Before(s.retryAfter) {
		retry := s.retryAfter
		status.RetryAfter = &retry
	}
	if n := len(s.history); n > 0 {
		last := s.history[n-1]
		status.LastSession = &last
		status.LastError = last.Error
	}
	s.mu.Unlock()

	if status.LastSuccessAt == nil {
		if status.LastSuccessAt, err = s.store.LastSuccessAt(ctx); err != nil {
			return SyncStatus{}, fmt.Errorf("get sync status: %w", err)
		}
	}

	return status, nil
}

// Sessions returns completed sessions, oldest first.
func (s *Syncer) Sessions() []SyncSession {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]SyncSession, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Syncer) setState(to State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = to
}

func (s *Syncer) finish(session SyncSession, backoff time.Duration) {
	s.mu.Lock()
	s.history = append(s.history, session)
	if over := len(s.history) - s.config.HistorySize; over > 0 {
		s.history = append([]SyncSession(nil), s.history[over:]...)
	}
	if session.Succeeded() {
		s.lastSuccess = session.CompletedAt
		s.retryAfter = time.Time{}
	} else if backoff > 0 {
		s.retryAfter = s.now().Add(backoff)
	}
	s.mu.Unlock()

	for _, p := range s.publishers {
		p.Publish(session)
	}
}

// claimLease is how long a claim may stay in_flight before another session
// treats its owner as dead. A session releases its claims within its budget
// plus the bookkeeping timeout.
func (s *Syncer) claimLease() time.Duration {
	return s.config.SessionTimeout + bookkeepingTimeout
}

func (s *Syncer) backoff(attempt int) time.Duration {
	d := backoffDelay(attempt, s.config.BaseDelay, s.config.MaxDelay)
	return jittered(d, s.config.Jitter, s.random)
}
