package reporting

import (
	"sort"
	"time"

	"github.com/ethereum-optimism/infra/op-steplog/buffer"
	"github.com/ethereum-optimism/infra/op-steplog/registry"
	"github.com/ethereum-optimism/infra/op-steplog/types"
)

// Merger is the buffer side of the egress contract
type Merger interface {
	Merge() []*types.TestRecord
}

// RecordSource is the registry side of the egress contract
type RecordSource interface {
	Steps(testID string) []*types.StepRecord
	AllTests() []*types.TestRecord
}

// Snapshot returns the run's tests in merge order (ascending start time) in their
// serialisable form. Failed tests the buffer has already evicted are taken from the
// registry so that no failure drops out of the report.
func Snapshot(buf Merger, src RecordSource) []types.TestSnapshot {
	tests := buf.Merge()
	seen := make(map[string]struct{}, len(tests))
	for _, test := range tests {
		seen[test.ID] = struct{}{}
	}
	evicted := false
	for _, test := range src.AllTests() {
		if _, ok := seen[test.ID]; ok || test.Status != types.StatusFailed {
			continue
		}
		tests = append(tests, test)
		evicted = true
	}
	if evicted {
		sort.SliceStable(tests, func(i, j int) bool {
			return tests[i].StartTime.Before(tests[j].StartTime)
		})
	}

	out := make([]types.TestSnapshot, 0, len(tests))
	for _, test := range tests {
		out = append(out, types.NewTestSnapshot(test, src.Steps(test.ID)))
	}
	return out
}

// ReportStats contains aggregated statistics for a test run
type ReportStats struct {
	Total       int     `json:"total"`
	Passed      int     `json:"passed"`
	Failed      int     `json:"failed"`
	Skipped     int     `json:"skipped"`
	Interrupted int     `json:"interrupted"`
	Retries     int     `json:"retries"`
	Steps       int     `json:"steps"`
	MajorSteps  int     `json:"majorSteps"`
	Upgraded    int     `json:"upgradedSteps"`
	PassRate    float64 `json:"passRate"`
	Retained    int     `json:"retained"` // tests still present in the report
}

// Report is everything written at the end of a run
type Report struct {
	RunID          string               `json:"runId"`
	StartTime      time.Time            `json:"startTime"`
	EndTime        time.Time            `json:"endTime"`
	Duration       int64                `json:"duration"` // milliseconds
	Stats          ReportStats          `json:"stats"`
	Buffer         buffer.Stats         `json:"buffer"`
	MemoryEstimate int64                `json:"memoryEstimate"`
	Tests          []types.TestSnapshot `json:"tests"`
}

// NewReport aggregates snapshots into a report
func NewReport(runID string, start, end time.Time, tests []types.TestSnapshot, bufStats buffer.Stats, memory int64) *Report {
	if tests == nil {
		tests = []types.TestSnapshot{}
	}
	return &Report{
		RunID:          runID,
		StartTime:      start,
		EndTime:        end,
		Duration:       types.Since(start, end).Milliseconds(),
		Stats:          computeStats(tests),
		Buffer:         bufStats,
		MemoryEstimate: memory,
		Tests:          tests,
	}
}

// WithTally replaces the outcome counts with the registry's run-wide counters, which
// still include tests the buffer has evicted
func (r *Report) WithTally(tally registry.Tally) *Report {
	r.Stats.Total = tally.Started
	r.Stats.Passed = tally.Passed
	r.Stats.Failed = tally.Failed
	r.Stats.Skipped = tally.Skipped
	r.Stats.Interrupted = tally.Running
	r.Stats.PassRate = passRate(r.Stats)
	return r
}

// Failed returns the failed tests of the report
func (r *Report) Failed() []types.TestSnapshot {
	var out []types.TestSnapshot
	for _, t := range r.Tests {
		if t.Status == types.StatusFailed {
			out = append(out, t)
		}
	}
	return out
}

// Status is the overall result of the run
func (r *Report) Status() types.Status {
	switch {
	case r.Stats.Failed > 0 || r.Stats.Interrupted > 0:
		return types.StatusFailed
	case r.Stats.Total > 0 && r.Stats.Skipped == r.Stats.Total:
		return types.StatusSkipped
	default:
		return types.StatusPassed
	}
}

func computeStats(tests []types.TestSnapshot) ReportStats {
	var s ReportStats
	for _, t := range tests {
		s.Total++
		switch t.Status {
		case types.StatusPassed:
			s.Passed++
		case types.StatusFailed:
			s.Failed++
		case types.StatusSkipped:
			s.Skipped++
		default:
			s.Interrupted++
		}
		if t.Retry > 0 {
			s.Retries++
		}
		for _, step := range t.Steps {
			s.Steps++
			if step.Level == types.LevelMajor {
				s.MajorSteps++
			}
			if step.Upgraded {
				s.Upgraded++
			}
		}
	}
	s.Retained = len(tests)
	s.PassRate = passRate(s)
	return s
}

func passRate(s ReportStats) float64 {
	executed := s.Total - s.Skipped
	if executed <= 0 {
		return 0
	}
	return float64(s.Passed) / float64(executed) * 100
}
