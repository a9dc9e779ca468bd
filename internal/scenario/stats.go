package scenario

import "time"

// RunResult holds the result of a scenario run.
type RunResult struct {
	// Success is true if every step passed.
	Success bool

	// Stats holds execution statistics.
	Stats *Stats

	// Err is the failure that aborted the run, if any.
	Err error
}

// Stats holds execution statistics.
type Stats struct {
	Steps     int
	OK        int
	Failed    int
	Skipped   int
	StartTime time.Time
	EndTime   time.Time
}

// Duration returns the total execution time.
func (s *Stats) Duration() time.Duration {
	return s.EndTime.Sub(s.StartTime)
}

// GetOK returns the OK count (implements output.Stats).
func (s *Stats) GetOK() int { return s.OK }

// GetFailed returns the Failed count (implements output.Stats).
func (s *Stats) GetFailed() int { return s.Failed }

// GetSkipped returns the Skipped count (implements output.Stats).
func (s *Stats) GetSkipped() int { return s.Skipped }

// GetDuration returns the duration (implements output.Stats).
func (s *Stats) GetDuration() time.Duration { return s.Duration() }
