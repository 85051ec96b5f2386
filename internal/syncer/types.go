package syncer

import (
	"errors"
	"time"
)

// ErrStopped is returned by SyncNow after Shutdown.
var ErrStopped = errors.New("syncer: stopped")

// Direction selects which phases a session runs.
type Direction string

const (
	DirectionPush Direction = "push"
	DirectionPull Direction = "pull"
	DirectionBoth Direction = "both"
)

func (d Direction) Valid() bool {
	return d == DirectionPush || d == DirectionPull || d == DirectionBoth
}

func (d Direction) pushes() bool { return d == DirectionPush || d == DirectionBoth }
func (d Direction) pulls() bool  { return d == DirectionPull || d == DirectionBoth }

// Trigger records what started a session.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

// State is a coordinator lifecycle state.
type State string

const (
	StateIdle    State = "idle"
	StatePushing State = "pushing"
	StatePulling State = "pulling"
	StateFailed  State = "failed"
)

var validTransitions = map[State][]State{
	StateIdle:    {StatePushing, StatePulling},
	StatePushing: {StatePulling, StateIdle, StateFailed},
	StatePulling: {StateIdle, StateFailed},
	StateFailed:  {StateIdle},
}

func canTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// SyncSession summarises one push and/or pull run.
type SyncSession struct {
	SessionID   string     `json:"sessionId"`
	Direction   Direction  `json:"direction"`
	Trigger     Trigger    `json:"trigger"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Pushed      int        `json:"pushed"`
	Pulled      int        `json:"pulled"`
	Conflicts   int        `json:"conflicts"`
	Failures    int        `json:"failures"`
	Rejected    int        `json:"rejected"`
	Error       string     `json:"error,omitempty"`
	States      []State    `json:"states"`
}

// Succeeded reports whether the session completed without a fatal error.
// Records rejected by the remote do not count against it.
func (s SyncSession) Succeeded() bool {
	return s.CompletedAt != nil && s.Error == ""
}

// Clean reports whether the session succeeded and the remote accepted every
// record it was sent.
func (s SyncSession) Clean() bool {
	return s.Succeeded() && s.Rejected == 0
}

// SyncStatus is the coordinator's reportable state.
type SyncStatus struct {
	NodeID          string       `json:"nodeId"`
	State           State        `json:"state"`
	IsSyncing       bool         `json:"isSyncing"`
	LastSuccessAt   *time.Time   `json:"lastSuccessAt"`
	PendingCount    int          `json:"pendingCount"`
	InFlightCount   int          `json:"inFlightCount"`
	FailedCount     int          `json:"failedCount"`
	ConflictedCount int          `json:"conflictedCount"`
	LastError       string       `json:"lastError"`
	RetryAfter      *time.Time   `json:"retryAfter,omitempty"`
	LastSession     *SyncSession `json:"lastSession,omitempty"`
}

// Publisher receives every completed session.
type Publisher interface {
	Publish(SyncSession)
}
