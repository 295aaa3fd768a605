package types

import "strings"

// Status represents the lifecycle state of a test or step
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// IsFinal reports whether the status can no longer change
func (s Status) IsFinal() bool {
	return s == StatusPassed || s == StatusFailed || s == StatusSkipped
}

// ParseStatus maps a host framework status onto a Status.
// The mapping is total: anything unrecognised (including timedOut and
// interrupted) is reported as failed rather than rejected.
func ParseStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "passed", "pass", "ok":
		return StatusPassed
	case "skipped", "skip":
		return StatusSkipped
	case "failed", "fail":
		return StatusFailed
	default:
		return StatusFailed
	}
}

// Level is the two-tier importance of a step
type Level string

const (
	LevelMajor Level = "MAJOR"
	LevelMinor Level = "MINOR"
)
