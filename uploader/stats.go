package uploader

import (
	"sync"
	"time"
)

// Stats tracks block upload durations for hung detection and reporting.
type Stats struct {
	sum            time.Duration
	finishedBlocks int64
	failedAttempts int64
	mu             sync.Mutex
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{}
}

// Update records a successful block upload duration.
func (s *Stats) Update(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sum += d
	s.finishedBlocks++
}

// Failed records a failed attempt.
func (s *Stats) Failed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failedAttempts++
}

// Average returns the average upload duration of finished blocks.
func (s *Stats) Average() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finishedBlocks == 0 {
		return 0
	}
	return s.sum / time.Duration(s.finishedBlocks)
}

// FinishedCount returns the number of finished block uploads.
func (s *Stats) FinishedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishedBlocks
}

// FailedCount returns the number of failed attempts.
func (s *Stats) FailedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failedAttempts
}

// TotalDuration returns the sum of all upload durations.
func (s *Stats) TotalDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sum
}
