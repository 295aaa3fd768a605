package types

import "time"

// StepSnapshot is the serialisable form of a step in the run summary
type StepSnapshot struct {
	ID       string     `json:"id"`
	Title    string     `json:"title"`
	Level    Level      `json:"level"`
	Status   Status     `json:"status"`
	Duration int64      `json:"duration"` // milliseconds
	ParentID string     `json:"parentId,omitempty"`
	Error    *ErrorInfo `json:"error,omitempty"`
	Upgraded bool       `json:"upgraded,omitempty"`
}

// TestSnapshot is the serialisable form of a test in the run summary
type TestSnapshot struct {
	ID          string         `json:"id"`
	Key         string         `json:"key,omitempty"`
	Title       string         `json:"title"`
	File        string         `json:"file"`
	Worker      string         `json:"worker,omitempty"`
	Retry       int            `json:"retry,omitempty"`
	Status      Status         `json:"status"`
	StartTime   time.Time      `json:"startTime"`
	EndTime     time.Time      `json:"endTime"`
	Duration    int64          `json:"duration"` // milliseconds
	Error       *ErrorInfo     `json:"error,omitempty"`
	Steps       []StepSnapshot `json:"steps"`
	Attachments []Attachment   `json:"attachments"`
	Diagnostics []Diagnostic   `json:"diagnostics"`
}

// NewTestSnapshot converts a test and its steps into the summary shape.
// Steps are emitted in creation order; the tree can be rebuilt from parentId.
func NewTestSnapshot(test *TestRecord, steps []*StepRecord) TestSnapshot {
	snap := TestSnapshot{
		ID:          test.ID,
		Key:         test.Key,
		Title:       test.Title,
		File:        test.File,
		Worker:      test.Worker,
		Retry:       test.Retry,
		Status:      test.Status,
		StartTime:   test.StartTime,
		EndTime:     test.EndTime,
		Duration:    test.Duration.Milliseconds(),
		Error:       test.Error,
		Steps:       make([]StepSnapshot, 0, len(steps)),
		Attachments: test.Attachments,
		Diagnostics: test.Diagnostics,
	}
	if snap.Attachments == nil {
		snap.Attachments = []Attachment{}
	}
	if snap.Diagnostics == nil {
		snap.Diagnostics = []Diagnostic{}
	}
	for _, step := range steps {
		snap.Steps = append(snap.Steps, StepSnapshot{
			ID:       step.ID,
			Title:    step.Title,
			Level:    step.Level,
			Status:   step.Status,
			Duration: step.Duration.Milliseconds(),
			ParentID: step.ParentID,
			Error:    step.Error,
			Upgraded: step.Upgraded,
		})
	}
	return snap
}

// Since returns a wall-clock duration clamped to zero
func Since(start, end time.Time) time.Duration {
	if start.IsZero() || end.IsZero() {
		return 0
	}
	d := end.Sub(start)
	if d < 0 {
		return 0
	}
	return d
}
