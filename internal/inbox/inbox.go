package inbox

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Inbox is a bounded, typed hand-off between a producer that must never
// block for long (the sync coordinator) and a slower consumer (the status
// stream). Sends give up after a timeout instead of stalling the producer.
type Inbox[T any] struct {
	ch      chan T
	timeout time.Duration
	logger  *slog.Logger

	sent     atomic.Int64
	received atomic.Int64
	dropped  atomic.Int64
	maxDepth atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}
}

// Stats tracks inbox usage
type Stats struct {
	TotalSent     int64 `json:"totalSent"`
	TotalReceived int64 `json:"totalReceived"`
	Dropped       int64 `json:"dropped"`
	CurrentDepth  int   `json:"currentDepth"`
	MaxDepthSeen  int   `json:"maxDepthSeen"`
}

// New creates an inbox with the given buffer size and send timeout. A zero
// timeout makes Send drop immediately when the buffer is full.
func New[T any](bufferSize int, timeout time.Duration, logger *slog.Logger) *Inbox[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Inbox[T]{
		ch:      make(chan T, bufferSize),
		timeout: timeout,
		logger:  logger,
		closed:  make(chan struct{}),
	}
}

// Send queues msg. It returns false if the inbox is closed, ctx ends or the
// buffer stays full for the whole timeout.
func (ib *Inbox[T]) Send(ctx context.Context, msg T) bool {
	select {
	case <-ib.closed:
		return false
	default:
	}

	select {
	case ib.ch <- msg:
		ib.afterSend()
		return true
	default:
	}

	if ib.timeout <= 0 {
		ib.drop("inbox full, message dropped")
		return false
	}

	timer := time.NewTimer(ib.timeout)
	defer timer.Stop()

	select {
	case ib.ch <- msg:
		ib.afterSend()
		return true
	case <-timer.C:
		ib.drop("inbox send timeout")
		return false
	case <-ctx.Done():
		ib.dropped.Add(1)
		return false
	case <-ib.closed:
		return false
	}
}

func (ib *Inbox[T]) afterSend() {
	ib.sent.Add(1)
	depth := int64(len(ib.ch))
	for {
		seen := ib.maxDepth.Load()
		if depth <= seen || ib.maxDepth.CompareAndSwap(seen, depth) {
			return
		}
	}
}

func (ib *Inbox[T]) drop(msg string) {
	ib.dropped.Add(1)
	ib.logger.Warn(msg,
		"timeout", ib.timeout,
		"current_depth", len(ib.ch))
}

// TryReceive returns the next message without blocking
func (ib *Inbox[T]) TryReceive() (T, bool) {
	select {
	case msg := <-ib.ch:
		ib.received.Add(1)
		return msg, true
	default:
		var zero T
		return zero, false
	}
}

// Receive blocks until a message arrives, ctx ends or the inbox is closed
// and drained.
func (ib *Inbox[T]) Receive(ctx context.Context) (T, bool) {
	select {
	case msg := <-ib.ch:
		ib.received.Add(1)
		return msg, true
	default:
	}

	select {
	case msg := <-ib.ch:
		ib.received.Add(1)
		return msg, true
	case <-ctx.Done():
	case <-ib.closed:
	}
	var zero T
	return zero, false
}

// GetStats returns a snapshot of the inbox counters
func (ib *Inbox[T]) GetStats() Stats {
	return Stats{
		TotalSent:     ib.sent.Load(),
		TotalReceived: ib.received.Load(),
		Dropped:       ib.dropped.Load(),
		CurrentDepth:  len(ib.ch),
		MaxDepthSeen:  int(ib.maxDepth.Load()),
	}
}

// Len returns the number of queued messages
func (ib *Inbox[T]) Len() int {
	return len(ib.ch)
}

// Close stops the inbox. Queued messages are discarded by Receive. Safe to
// call more than once.
func (ib *Inbox[T]) Close() {
	ib.closeOnce.Do(func() { close(ib.closed) })
}
