package stats

import (
	"time"

	"github.com/livinlefevreloca/tillsync/internal/syncer"
)

// Period is the aggregate of every session completed in one stats window.
type Period struct {
	PeriodID          string        `json:"periodId"`
	StartTime         time.Time     `json:"startTime"`
	EndTime           time.Time     `json:"endTime"`
	Sessions          int           `json:"sessions"`
	SessionsFailed    int           `json:"sessionsFailed"`
	ScheduledSessions int           `json:"scheduledSessions"`
	ManualSessions    int           `json:"manualSessions"`
	RecordsPushed     int           `json:"recordsPushed"`
	RecordsPulled     int           `json:"recordsPulled"`
	Conflicts         int           `json:"conflicts"`
	Failures          int           `json:"failures"`
	MinDuration       time.Duration `json:"minDuration"`
	MaxDuration       time.Duration `json:"maxDuration"`
	AvgDuration       time.Duration `json:"avgDuration"`
}

// Accumulator collects sessions between flushes
type Accumulator struct {
	Sessions          int
	SessionsFailed    int
	ScheduledSessions int
	ManualSessions    int
	RecordsPushed     int
	RecordsPulled     int
	Conflicts         int
	Failures          int
	Durations         []time.Duration
}

// Add folds one completed session into the accumulator
func (a *Accumulator) Add(s syncer.SyncSession) {
	a.Sessions++
	if !s.Succeeded() {
		a.SessionsFailed++
	}
	switch s.Trigger {
	case syncer.TriggerScheduled:
		a.ScheduledSessions++
	case syncer.TriggerManual:
		a.ManualSessions++
	}
	a.RecordsPushed += s.Pushed
	a.RecordsPulled += s.Pulled
	a.Conflicts += s.Conflicts
	a.Failures += s.Failures
	if s.CompletedAt != nil {
		a.Durations = append(a.Durations, s.CompletedAt.Sub(s.StartedAt))
	}
}

// Reset clears the accumulator
func (a *Accumulator) Reset() {
	*a = Accumulator{Durations: a.Durations[:0]}
}

// Period renders the accumulated values as a period row
func (a *Accumulator) Period(id string, start, end time.Time) Period {
	minD, maxD, avgD := calculateMinMaxAvgDuration(a.Durations)
	return Period{
		PeriodID:          id,
		StartTime:         start,
		EndTime:           end,
		Sessions:          a.Sessions,
		SessionsFailed:    a.SessionsFailed,
		ScheduledSessions: a.ScheduledSessions,
		ManualSessions:    a.ManualSessions,
		RecordsPushed:     a.RecordsPushed,
		RecordsPulled:     a.RecordsPulled,
		Conflicts:         a.Conflicts,
		Failures:          a.Failures,
		MinDuration:       minD,
		MaxDuration:       maxD,
		AvgDuration:       avgD,
	}
}

func calculateMinMaxAvgDuration(values []time.Duration) (minD, maxD, avg time.Duration) {
	if len(values) == 0 {
		return 0, 0, 0
	}

	minD, maxD = values[0], values[0]
	var sum time.Duration
	for _, v := range values {
		minD = min(minD, v)
		maxD = max(maxD, v)
		sum += v
	}
	return minD, maxD, sum / time.Duration(len(values))
}
