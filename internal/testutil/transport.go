package testutil

import (
	"context"
	"sync"

	"github.com/livinlefevreloca/tillsync/internal/changelog"
	"github.com/livinlefevreloca/tillsync/internal/transport"
)

// PushFunc scripts one Push call.
type PushFunc func(ctx context.Context, records []changelog.ChangeRecord) ([]transport.PushResult, error)

// PullFunc scripts one Pull call.
type PullFunc func(ctx context.Context, cursor string, limit int) (transport.PullBatch, error)

// MockTransport is a scriptable transport.Client. Without a script, pushes
// accept every record and pulls return nothing.
type MockTransport struct {
	mu        sync.Mutex
	push      PushFunc
	pull      PullFunc
	pushCalls [][]changelog.ChangeRecord
	pullCalls []string
}

var _ transport.Client = (*MockTransport)(nil)

func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

func (m *MockTransport) OnPush(fn PushFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.push = fn
}

func (m *MockTransport) OnPull(fn PullFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pull = fn
}

func (m *MockTransport) Push(ctx context.Context, records []changelog.ChangeRecord) ([]transport.PushResult, error) {
	m.mu.Lock()
	batch := make([]changelog.ChangeRecord, len(records))
	copy(batch, records)
	m.pushCalls = append(m.pushCalls, batch)
	fn := m.push
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, records)
	}
	return AcceptAll(records), nil
}

func (m *MockTransport) Pull(ctx context.Context, cursor string, limit int) (transport.PullBatch, error) {
	m.mu.Lock()
	m.pullCalls = append(m.pullCalls, cursor)
	fn := m.pull
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, cursor, limit)
	}
	return transport.PullBatch{Cursor: cursor}, nil
}

// PushCalls returns a copy of every batch pushed so far.
func (m *MockTransport) PushCalls() [][]changelog.ChangeRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]changelog.ChangeRecord, len(m.pushCalls))
	copy(out, m.pushCalls)
	return out
}

// PullCalls returns the cursors passed to Pull so far.
func (m *MockTransport) PullCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.pullCalls))
	copy(out, m.pullCalls)
	return out
}

// AcceptAll acknowledges every record as accepted.
func AcceptAll(records []changelog.ChangeRecord) []transport.PushResult {
	results := make([]transport.PushResult, len(records))
	for i, rec := range records {
		results[i] = transport.PushResult{ID: rec.ID, OriginNodeID: rec.OriginNodeID, Status: transport.PushAccepted}
	}
	return results
}
