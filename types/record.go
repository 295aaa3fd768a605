package types

import (
	"slices"
	"time"
)

// ErrorInfo describes a failure reported by the host framework
type ErrorInfo struct {
	Message  string `json:"message"`
	Stack    string `json:"stack,omitempty"`
	Location string `json:"location,omitempty"`
}

// Attachment describes an artifact attached to a test (trace, log, screenshot path)
type Attachment struct {
	Name        string `json:"name"`
	Path        string `json:"path,omitempty"`
	ContentType string `json:"contentType"`
}

// Diagnostic is a message captured while a test was running (stdout, stderr, console)
type Diagnostic struct {
	Type      string    `json:"type"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// TestRecord is the canonical record of one test attempt
type TestRecord struct {
	ID     string // Unique per attempt; equals Key for the first attempt
	Key    string // Stable identity across retries (file path + title)
	Title  string
	File   string
	Worker string // Worker lane that executed the test
	Retry  int    // Attempt index, 0 for the first run

	Status    Status
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration

	StepIDs     []string // Flat list in creation order; hierarchy lives in StepRecord.ParentID
	Error       *ErrorInfo
	Attachments []Attachment
	Diagnostics []Diagnostic
}

// Clone returns a deep copy that shares no slices with the receiver
func (t *TestRecord) Clone() *TestRecord {
	if t == nil {
		return nil
	}
	cp := *t
	cp.StepIDs = slices.Clone(t.StepIDs)
	cp.Attachments = slices.Clone(t.Attachments)
	cp.Diagnostics = slices.Clone(t.Diagnostics)
	if t.Error != nil {
		e := *t.Error
		cp.Error = &e
	}
	return &cp
}

// StepRecord is the canonical record of one step occurrence
type StepRecord struct {
	ID       string
	TestID   string
	Title    string // Display title with any level marker stripped
	Level    Level
	Explicit bool // Level came from a marker and is never re-evaluated
	Upgraded bool // Level was escalated to MAJOR by the duration rule

	Status    Status
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration

	ParentID string   // Empty for top-level steps; lookup key only
	ChildIDs []string // Creation order
	Error    *ErrorInfo
}

// Clone returns a deep copy that shares no slices with the receiver
func (s *StepRecord) Clone() *StepRecord {
	if s == nil {
		return nil
	}
	cp := *s
	cp.ChildIDs = slices.Clone(s.ChildIDs)
	if s.Error != nil {
		e := *s.Error
		cp.Error = &e
	}
	return &cp
}

// Elapsed returns the step duration if it has ended, otherwise the time since it started
func (s *StepRecord) Elapsed(now time.Time) time.Duration {
	if s.Status.IsFinal() {
		return s.Duration
	}
	if s.StartTime.IsZero() || now.Before(s.StartTime) {
		return 0
	}
	return now.Sub(s.StartTime)
}
