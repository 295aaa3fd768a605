package registry

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ethereum-optimism/infra/op-steplog/clock"
	"github.com/ethereum-optimism/infra/op-steplog/metrics"
	"github.com/ethereum-optimism/infra/op-steplog/types"
	"github.com/ethereum/go-ethereum/log"
)

const DefaultDurationThreshold = time.Second

// DefaultMajorKeywords mark top-level steps that describe a user workflow
var DefaultMajorKeywords = []string{"login", "checkout", "payment", "register", "setup", "flow"}

var (
	ErrTestAlreadyRunning = errors.New("test already running")
	ErrUnknownTest        = errors.New("unknown test")
	ErrUnknownStep        = errors.New("unknown step")
	ErrTestFinalized      = errors.New("test already finalized")
	ErrStepFinalized      = errors.New("step already finalized")
)

// Config contains registry configuration
type Config struct {
	Log               log.Logger
	Clock             clock.Clock
	MajorKeywords     []string
	DurationThreshold time.Duration
	AutoDetectLevel   bool
}

// DefaultConfig returns the configuration used when nothing is overridden
func DefaultConfig() Config {
	return Config{
		MajorKeywords:     slices.Clone(DefaultMajorKeywords),
		DurationThreshold: DefaultDurationThreshold,
		AutoDetectLevel:   true,
	}
}

// TestStart describes a test-begin event
type TestStart struct {
	Key    string
	Title  string
	File   string
	Worker string
	Retry  int // Host-reported retry index; -1 lets the registry count attempts
	At     time.Time
}

// TestEnd describes a test-end event
type TestEnd struct {
	Status      types.Status
	Error       *types.ErrorInfo
	Attachments []types.Attachment
	Diagnostics []types.Diagnostic
	At          time.Time
}

// Tally holds run-wide counters. They are kept separately from the records so that
// progress stays correct after finished tests are released.
type Tally struct {
	Expected  int
	Started   int
	Completed int
	Passed    int
	Failed    int
	Skipped   int
	Running   int
}

// Registry owns every TestRecord and StepRecord and applies step classification.
// Callers only ever receive copies.
type Registry struct {
	log        log.Logger
	clock      clock.Clock
	classifier *Classifier

	mu       sync.RWMutex
	tests    map[string]*types.TestRecord
	order    []string
	released int
	byKey    map[string]string
	attempts map[string]int
	steps    map[string]*types.StepRecord
	stepSeq  uint64

	runningTests map[string]struct{}
	runningSteps map[string]struct{}
	tally        Tally
}

// NewRegistry creates a new registry instance
func NewRegistry(cfg Config) *Registry {
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.SystemClock
	}

	return &Registry{
		log:          cfg.Log,
		clock:        cfg.Clock,
		classifier:   NewClassifier(cfg.MajorKeywords, cfg.DurationThreshold, cfg.AutoDetectLevel),
		tests:        make(map[string]*types.TestRecord),
		byKey:        make(map[string]string),
		attempts:     make(map[string]int),
		steps:        make(map[string]*types.StepRecord),
		runningTests: make(map[string]struct{}),
		runningSteps: make(map[string]struct{}),
	}
}

// SetExpected records the number of tests the host plans to run
func (r *Registry) SetExpected(total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tally.Expected = total
}

// BeginTest creates the record for a new test attempt and returns its id. The first
// attempt's id is the key itself; retries get "<key>#<attempt>". It fails only when the
// key already has a running attempt, which is a host framework contract violation.
func (r *Registry) BeginTest(start TestStart) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byKey[start.Key]; ok {
		if _, running := r.runningTests[id]; running {
			r.log.Error("Test began twice without ending", "key", start.Key, "id", id)
			return "", fmt.Errorf("begin %q: %w", start.Key, ErrTestAlreadyRunning)
		}
	}

	attempt := r.attempts[start.Key]
	r.attempts[start.Key] = attempt + 1
	id := start.Key
	if attempt > 0 {
		id = fmt.Sprintf("%s#%d", start.Key, attempt)
	}
	retry := start.Retry
	if retry < 0 {
		retry = attempt
	}

	test := &types.TestRecord{
		ID:        id,
		Key:       start.Key,
		Title:     start.Title,
		File:      start.File,
		Worker:    start.Worker,
		Retry:     retry,
		Status:    types.StatusRunning,
		StartTime: r.at(start.At),
	}
	r.tests[id] = test
	r.order = append(r.order, id)
	r.byKey[start.Key] = id
	r.runningTests[id] = struct{}{}
	r.tally.Started++
	r.tally.Running = len(r.runningTests)

	r.log.Debug("Test started", "id", id, "worker", start.Worker, "retry", retry)
	return id, nil
}

// Lookup returns the id of the latest attempt for a test key
func (r *Registry) Lookup(key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byKey[key]
	return id, ok
}

// BeginStep creates a step under testID, classifying it once at creation.
func (r *Registry) BeginStep(testID, title, parentID string, at time.Time) (*types.StepRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	test, ok := r.tests[testID]
	if !ok {
		return nil, r.anomaly("unknown_test", ErrUnknownTest, "test", testID, "step", title)
	}
	if test.Status.IsFinal() {
		return nil, r.anomaly("step_after_test_end", ErrTestFinalized, "test", testID, "step", title)
	}

	var parent *types.StepRecord
	if parentID != "" {
		parent, ok = r.steps[parentID]
		if !ok || parent.TestID != testID {
			return nil, r.anomaly("unknown_parent", ErrUnknownStep, "test", testID, "parent", parentID, "step", title)
		}
	}

	display, level, explicit := r.classifier.Classify(title, parent != nil)

	r.stepSeq++
	step := &types.StepRecord{
		ID:        fmt.Sprintf("step-%d", r.stepSeq),
		TestID:    testID,
		Title:     display,
		Level:     level,
		Explicit:  explicit,
		Status:    types.StatusRunning,
		StartTime: r.at(at),
		ParentID:  parentID,
	}
	r.steps[step.ID] = step
	test.StepIDs = append(test.StepIDs, step.ID)
	if parent != nil {
		parent.ChildIDs = append(parent.ChildIDs, step.ID)
	}
	r.runningSteps[step.ID] = struct{}{}

	return step.Clone(), nil
}

// EndStep finalizes a step. A MINOR step without an explicit marker that ran longer
// than the configured threshold is escalated to MAJOR, whether or not it has a parent.
func (r *Registry) EndStep(stepID string, status types.Status, stepErr *types.ErrorInfo, at time.Time) (*types.StepRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	step, ok := r.steps[stepID]
	if !ok {
		return nil, r.anomaly("unknown_step", ErrUnknownStep, "step", stepID)
	}
	if step.Status.IsFinal() {
		return nil, r.anomaly("step_ended_twice", ErrStepFinalized, "step", stepID)
	}

	r.finalizeStep(step, status, stepErr, r.at(at))
	return step.Clone(), nil
}

// EndTest finalizes a test attempt. Steps that are still running are closed with the
// test's end time.
func (r *Registry) EndTest(testID string, end TestEnd) (*types.TestRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	test, ok := r.tests[testID]
	if !ok {
		return nil, r.anomaly("unknown_test", ErrUnknownTest, "test", testID)
	}
	if test.Status.IsFinal() {
		return nil, r.anomaly("test_ended_twice", ErrTestFinalized, "test", testID)
	}

	endTime := r.at(end.At)
	status := end.Status
	if !status.IsFinal() {
		status = types.StatusFailed
	}

	dangling := types.StatusSkipped
	if status == types.StatusFailed {
		dangling = types.StatusFailed
	}
	for _, stepID := range test.StepIDs {
		step := r.steps[stepID]
		if step != nil && !step.Status.IsFinal() {
			r.finalizeStep(step, dangling, nil, endTime)
		}
	}

	test.Status = status
	test.EndTime = endTime
	test.Duration = types.Since(test.StartTime, endTime)
	test.Error = end.Error
	test.Attachments = append(test.Attachments, end.Attachments...)
	test.Diagnostics = append(test.Diagnostics, end.Diagnostics...)

	delete(r.runningTests, testID)
	r.tally.Completed++
	r.tally.Running = len(r.runningTests)
	switch status {
	case types.StatusPassed:
		r.tally.Passed++
	case types.StatusSkipped:
		r.tally.Skipped++
	default:
		r.tally.Failed++
	}
	metrics.RecordTestResult(status)

	r.log.Debug("Test finished", "id", testID, "status", status, "duration", test.Duration)
	return test.Clone(), nil
}

// Release drops a finished test and its steps. It is a no-op for running tests, which
// must stay reachable until they end.
func (r *Registry) Release(testID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	test, ok := r.tests[testID]
	if !ok || !test.Status.IsFinal() {
		return false
	}
	for _, stepID := range test.StepIDs {
		delete(r.steps, stepID)
	}
	delete(r.tests, testID)
	if r.byKey[test.Key] == testID {
		delete(r.byKey, test.Key)
	}

	r.released++
	if r.released > len(r.order)/2 {
		r.compactOrder()
	}
	return true
}

// GetTest returns a copy of a test record
func (r *Registry) GetTest(testID string) (*types.TestRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	test, ok := r.tests[testID]
	if !ok {
		return nil, false
	}
	return test.Clone(), true
}

// GetStep returns a copy of a step record
func (r *Registry) GetStep(stepID string) (*types.StepRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	step, ok := r.steps[stepID]
	if !ok {
		return nil, false
	}
	return step.Clone(), true
}

// AllTests returns copies of all retained tests in insertion order
func (r *Registry) AllTests() []*types.TestRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.TestRecord, 0, len(r.tests))
	for _, id := range r.order {
		if test, ok := r.tests[id]; ok {
			out = append(out, test.Clone())
		}
	}
	return out
}

// Steps returns copies of a test's steps in creation order
func (r *Registry) Steps(testID string) []*types.StepRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	test, ok := r.tests[testID]
	if !ok {
		return nil
	}
	out := make([]*types.StepRecord, 0, len(test.StepIDs))
	for _, stepID := range test.StepIDs {
		if step, ok := r.steps[stepID]; ok {
			out = append(out, step.Clone())
		}
	}
	return out
}

// Children returns copies of the direct children of a step
func (r *Registry) Children(stepID string) []*types.StepRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	step, ok := r.steps[stepID]
	if !ok {
		return nil
	}
	out := make([]*types.StepRecord, 0, len(step.ChildIDs))
	for _, childID := range step.ChildIDs {
		if child, ok := r.steps[childID]; ok {
			out = append(out, child.Clone())
		}
	}
	return out
}

// Parent returns a copy of the parent of a step
func (r *Registry) Parent(stepID string) (*types.StepRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	step, ok := r.steps[stepID]
	if !ok || step.ParentID == "" {
		return nil, false
	}
	parent, ok := r.steps[step.ParentID]
	if !ok {
		return nil, false
	}
	return parent.Clone(), true
}

// StepTree builds the step hierarchy of a test
func (r *Registry) StepTree(testID string) *types.StepTree {
	return types.BuildStepTree(r.Steps(testID))
}

// RunningItem is one line of the live view: a running step, or a running test that
// has no running step
type RunningItem struct {
	TestID    string
	TestTitle string
	Worker    string
	StepID    string // Empty when the item is the test itself
	Title     string
	Level     types.Level
	Depth     int
	StartTime time.Time
}

// Running returns what is currently in flight, oldest first
func (r *Registry) Running() []RunningItem {
	r.mu.RLock()
	defer r.mu.RUnlock()

	busy := make(map[string]struct{}, len(r.runningTests))
	items := make([]RunningItem, 0, len(r.runningSteps)+len(r.runningTests))
	for stepID := range r.runningSteps {
		step := r.steps[stepID]
		if step == nil {
			continue
		}
		test := r.tests[step.TestID]
		if test == nil {
			continue
		}
		busy[test.ID] = struct{}{}
		items = append(items, RunningItem{
			TestID:    test.ID,
			TestTitle: test.Title,
			Worker:    test.Worker,
			StepID:    step.ID,
			Title:     step.Title,
			Level:     step.Level,
			Depth:     r.depth(step),
			StartTime: step.StartTime,
		})
	}
	for testID := range r.runningTests {
		if _, ok := busy[testID]; ok {
			continue
		}
		test := r.tests[testID]
		if test == nil {
			continue
		}
		items = append(items, RunningItem{
			TestID:    test.ID,
			TestTitle: test.Title,
			Worker:    test.Worker,
			Title:     test.Title,
			StartTime: test.StartTime,
		})
	}

	slices.SortFunc(items, func(a, b RunningItem) int {
		if c := a.StartTime.Compare(b.StartTime); c != 0 {
			return c
		}
		if c := strings.Compare(a.TestID, b.TestID); c != 0 {
			return c
		}
		return strings.Compare(a.StepID, b.StepID)
	})
	return items
}

// Tally returns the run-wide counters
func (r *Registry) Tally() Tally {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tally
}

func (r *Registry) finalizeStep(step *types.StepRecord, status types.Status, stepErr *types.ErrorInfo, endTime time.Time) {
	if !status.IsFinal() {
		status = types.StatusFailed
	}
	step.Status = status
	step.EndTime = endTime
	step.Duration = types.Since(step.StartTime, endTime)
	step.Error = stepErr

	if r.classifier.ShouldUpgrade(step) {
		step.Level = types.LevelMajor
		step.Upgraded = true
		metrics.RecordLevelUpgrade()
		r.log.Debug("Step escalated to MAJOR", "step", step.ID, "title", step.Title, "duration", step.Duration)
	}

	delete(r.runningSteps, step.ID)
	metrics.RecordStepResult(step.Level, status)
}

func (r *Registry) depth(step *types.StepRecord) int {
	depth := 0
	for parentID := step.ParentID; parentID != ""; depth++ {
		parent := r.steps[parentID]
		if parent == nil {
			break
		}
		parentID = parent.ParentID
	}
	return depth
}

func (r *Registry) compactOrder() {
	live := r.order[:0]
	for _, id := range r.order {
		if _, ok := r.tests[id]; ok {
			live = append(live, id)
		}
	}
	r.order = live
	r.released = 0
}

// anomaly logs a host protocol violation. These never fail the run; the returned
// error only tells the caller the event was ignored.
func (r *Registry) anomaly(kind string, err error, ctx ...interface{}) error {
	r.log.Warn("Ignoring out-of-protocol event", append([]interface{}{"anomaly", kind}, ctx...)...)
	metrics.RecordAnomaly(kind)
	return fmt.Errorf("%s: %w", kind, err)
}

func (r *Registry) at(t time.Time) time.Time {
	if t.IsZero() {
		return r.clock.Now()
	}
	return t
}
