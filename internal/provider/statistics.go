package provider

import (
	"sync/atomic"
	"time"
)

// neutralSuccessRate is used for ranking when a provider has no history.
const neutralSuccessRate = 0.5

// Statistics accumulates per-provider solve counters. All methods are safe for
// concurrent use without locks.
type Statistics struct {
	total      atomic.Int64
	successful atomic.Int64
	failed     atomic.Int64
	solveTime  atomic.Int64 // milliseconds, successful solves only
}

// StatsSnapshot is a point-in-time copy of Statistics.
type StatsSnapshot struct {
	Total            int64   `json:"total"`
	Successful       int64   `json:"successful"`
	Failed           int64   `json:"failed"`
	TotalSolveTimeMs int64   `json:"totalSolveTimeMs"`
	SuccessRate      float64 `json:"successRate"`
	AverageSolveMs   int64   `json:"averageSolveMs"`
}

// RecordSuccess counts a successful solve that took d.
func (s *Statistics) RecordSuccess(d time.Duration) {
	s.total.Add(1)
	s.successful.Add(1)
	s.solveTime.Add(d.Milliseconds())
}

// RecordFailure counts a failed solve.
func (s *Statistics) RecordFailure() {
	s.total.Add(1)
	s.failed.Add(1)
}

// Total returns the number of recorded solves.
func (s *Statistics) Total() int64 { return s.total.Load() }

// Successful returns the number of successful solves.
func (s *Statistics) Successful() int64 { return s.successful.Load() }

// Failed returns the number of failed solves.
func (s *Statistics) Failed() int64 { return s.failed.Load() }

// HasHistory reports whether any solve has been recorded.
func (s *Statistics) HasHistory() bool { return s.total.Load() > 0 }

// SuccessRate returns successful/total, or 0 without history.
func (s *Statistics) SuccessRate() float64 {
	total := s.total.Load()
	if total == 0 {
		return 0
	}
	return float64(s.successful.Load()) / float64(total)
}

// Score is the ranking value: the success rate, or a neutral value for providers
// that have not been tried yet.
func (s *Statistics) Score() float64 {
	if !s.HasHistory() {
		return neutralSuccessRate
	}
	return s.SuccessRate()
}

// AverageSolveTime returns the mean duration of successful solves.
func (s *Statistics) AverageSolveTime() time.Duration {
	ok := s.successful.Load()
	if ok == 0 {
		return 0
	}
	return time.Duration(s.solveTime.Load()/ok) * time.Millisecond
}

// Reset zeroes every counter.
func (s *Statistics) Reset() {
	s.total.Store(0)
	s.successful.Store(0)
	s.failed.Store(0)
	s.solveTime.Store(0)
}

// Snapshot copies the counters and derived values.
func (s *Statistics) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Total:            s.total.Load(),
		Successful:       s.successful.Load(),
		Failed:           s.failed.Load(),
		TotalSolveTimeMs: s.solveTime.Load(),
		SuccessRate:      s.SuccessRate(),
		AverageSolveMs:   s.AverageSolveTime().Milliseconds(),
	}
}
