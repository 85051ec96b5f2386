// Package stats aggregates completed sync sessions into fixed periods and
// persists them next to the change log, so throughput and failure rates
// survive restarts.
package stats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/livinlefevreloca/tillsync/internal/inbox"
	"github.com/livinlefevreloca/tillsync/internal/syncer"
)

const writeTimeout = 5 * time.Second

// Collector receives sessions from the coordinator and writes one row per
// period. It implements syncer.Publisher.
type Collector struct {
	writer Writer
	inbox  *inbox.Inbox[syncer.SyncSession]
	config Config
	logger *slog.Logger
	now    func() time.Time

	// Mutex protects all mutable fields below
	mu sync.Mutex

	// Current stats period tracking
	currentPeriod   string
	periodStartTime time.Time

	// Sessions since the last flush
	acc          Accumulator
	messageCount int

	flushTicker *time.Ticker

	// Shutdown coordination
	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// Option customises a Collector.
type Option func(*Collector)

// WithClock overrides the wall clock used for periods.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

// NewCollector creates a stats collector. Nothing runs until Start.
func NewCollector(config Config, writer Writer, logger *slog.Logger, opts ...Option) (*Collector, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if writer == nil {
		return nil, errors.New("stats: writer is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "stats")

	ctx, cancel := context.WithCancel(context.Background())
	sc := &Collector{
		writer: writer,
		inbox:  inbox.New[syncer.SyncSession](config.InboxBufferSize, config.InboxSendTimeout, logger),
		config: config,
		logger: logger,
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(sc)
	}
	sc.startNewPeriod(sc.now())
	return sc, nil
}

// Start begins the collection loop
func (sc *Collector) Start() {
	sc.startOnce.Do(func() {
		sc.logger.Info("starting stats collector",
			"period", sc.config.PeriodDuration,
			"flush_interval", sc.config.FlushInterval)

		sc.mu.Lock()
		sc.flushTicker = time.NewTicker(sc.config.FlushInterval)
		sc.mu.Unlock()

		sc.wg.Add(2)
		go sc.run()
		go sc.receive()
	})
}

// Stop drains queued sessions, writes what has been collected and stops
// the loop. Safe to call more than once.
func (sc *Collector) Stop() error {
	var stopErr error
	sc.stopOnce.Do(func() {
		sc.logger.Info("stopping stats collector")

		sc.cancel()

		sc.mu.Lock()
		if sc.flushTicker != nil {
			sc.flushTicker.Stop()
		}
		sc.mu.Unlock()

		sc.wg.Wait()

		for {
			session, ok := sc.inbox.TryReceive()
			if !ok {
				break
			}
			sc.process(session)
		}
		sc.inbox.Close()

		sc.mu.Lock()
		stopErr = sc.flushLocked()
		sc.mu.Unlock()
		if stopErr != nil {
			sc.logger.Error("final flush failed", "error", stopErr)
		}
	})
	return stopErr
}

// Publish queues a completed session. It never blocks the caller for
// longer than the inbox send timeout.
func (sc *Collector) Publish(session syncer.SyncSession) {
	sc.inbox.Send(context.Background(), session)
}

// Current returns the sessions collected since the last flush.
func (sc *Collector) Current() Period {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.acc.Period(sc.currentPeriod, sc.periodStartTime, sc.now())
}

// Pending returns the number of sessions waiting in the inbox.
func (sc *Collector) Pending() int {
	return sc.inbox.Len()
}

// receive blocks on the inbox and folds in each session as it arrives.
func (sc *Collector) receive() {
	defer sc.wg.Done()

	for {
		session, ok := sc.inbox.Receive(sc.ctx)
		if !ok {
			return
		}
		sc.process(session)
	}
}

func (sc *Collector) run() {
	defer sc.wg.Done()

	for {
		select {
		case <-sc.ctx.Done():
			return

		case <-sc.flushTicker.C:
			sc.mu.Lock()
			sc.rollPeriodLocked()
			if err := sc.flushLocked(); err != nil {
				sc.logger.Error("flush failed", "error", err)
			}
			sc.mu.Unlock()
		}
	}
}

func (sc *Collector) process(session syncer.SyncSession) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	sc.rollPeriodLocked()

	sc.acc.Add(session)
	sc.messageCount++

	if sc.messageCount >= sc.config.FlushThreshold {
		if err := sc.flushLocked(); err != nil {
			sc.logger.Error("threshold flush failed", "error", err)
		}
	}
}

// rollPeriodLocked closes the current period once it has run its length.
// Sessions that could not be written by then are dropped.
func (sc *Collector) rollPeriodLocked() {
	now := sc.now()
	if now.Sub(sc.periodStartTime) < sc.config.PeriodDuration {
		return
	}

	if err := sc.flushLocked(); err != nil {
		sc.logger.Error("period flush failed, dropping stats",
			"period", sc.currentPeriod,
			"sessions", sc.acc.Sessions,
			"error", err)
		sc.acc.Reset()
		sc.messageCount = 0
	}
	sc.startNewPeriodLocked(now)
}

// flushLocked writes the accumulator. On failure it is kept for the next
// attempt.
func (sc *Collector) flushLocked() error {
	if sc.messageCount == 0 {
		return nil
	}

	sc.logger.Debug("flushing stats to database",
		"period", sc.currentPeriod,
		"messages", sc.messageCount)

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	now := sc.now()
	if err := sc.writer.WritePeriod(ctx, sc.acc.Period(sc.currentPeriod, sc.periodStartTime, now)); err != nil {
		return err
	}
	sc.acc.Reset()
	sc.messageCount = 0

	if sc.config.Retention > 0 {
		n, err := sc.writer.Prune(ctx, now.Add(-sc.config.Retention))
		if err != nil {
			sc.logger.Warn("stats prune failed", "error", err)
		} else if n > 0 {
			sc.logger.Debug("pruned stats periods", "count", n)
		}
	}
	return nil
}

func (sc *Collector) startNewPeriod(t time.Time) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.startNewPeriodLocked(t)
}

func (sc *Collector) startNewPeriodLocked(t time.Time) {
	sc.currentPeriod = generatePeriodID(t)
	sc.periodStartTime = t
	sc.logger.Debug("started new period", "period", sc.currentPeriod)
}

func generatePeriodID(t time.Time) string {
	return fmt.Sprintf("period-%d", t.UnixMilli())
}
