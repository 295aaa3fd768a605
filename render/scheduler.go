// Package render turns registry state into terminal output. The Scheduler coalesces
// bursts of activity into at most one frame per interval, prints failures as soon as
// they happen and draws the final summary on Flush.
package render

import (
	"slices"
	"sync"
	"time"

	"github.com/ethereum-optimism/infra/op-steplog/clock"
	"github.com/ethereum-optimism/infra/op-steplog/metrics"
	"github.com/ethereum-optimism/infra/op-steplog/registry"
	"github.com/ethereum-optimism/infra/op-steplog/types"
	"github.com/ethereum/go-ethereum/log"
)

const (
	DefaultInterval     = 100 * time.Millisecond
	DefaultRunningLimit = 5
)

type State int

const (
	StateIdle State = iota
	StateScheduled
	StateDrawing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScheduled:
		return "scheduled"
	case StateDrawing:
		return "drawing"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ActivityKind identifies the event that triggered a redraw request
type ActivityKind string

const (
	ActivityRunBegin  ActivityKind = "run_begin"
	ActivityTestBegin ActivityKind = "test_begin"
	ActivityTestEnd   ActivityKind = "test_end"
	ActivityStepBegin ActivityKind = "step_begin"
	ActivityStepEnd   ActivityKind = "step_end"
)

// Source is the read side of the registry used for composing output
type Source interface {
	Tally() registry.Tally
	Running() []registry.RunningItem
	GetTest(testID string) (*types.TestRecord, bool)
	StepTree(testID string) *types.StepTree
	AllTests() []*types.TestRecord
}

// Sink receives composed output
type Sink interface {
	Interactive() bool
	Width() int
	Frame(lines []string) error
	Print(block string) error
}

type output struct {
	block string
	kind  string
}

// Config contains scheduler configuration
type Config struct {
	Source       Source
	Sink         Sink
	Clock        clock.Clock
	Interval     time.Duration // Debounce window for live frames
	RunningLimit int           // Running steps shown in a frame
	Log          log.Logger
}

// Scheduler drives terminal output. Draws never overlap: whoever moves the state to
// Drawing owns the sink until it leaves that state, and output requested meanwhile is
// queued for the owner to emit.
type Scheduler struct {
	source       Source
	sink         Sink
	clock        clock.Clock
	interval     time.Duration
	runningLimit int
	log          log.Logger
	startedAt    time.Time

	mu       sync.Mutex
	cond     *sync.Cond
	state    State
	timer    clock.Timer
	gen      uint64
	dirty    bool
	pending  []output
	flushing bool
	broken   bool
}

// NewScheduler creates a scheduler in the Idle state
func NewScheduler(cfg Config) *Scheduler {
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.SystemClock
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.RunningLimit <= 0 {
		cfg.RunningLimit = DefaultRunningLimit
	}
	s := &Scheduler{
		source:       cfg.Source,
		sink:         cfg.Sink,
		clock:        cfg.Clock,
		interval:     cfg.Interval,
		runningLimit: cfg.RunningLimit,
		log:          cfg.Log,
		startedAt:    cfg.Clock.Now(),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// State returns the current scheduler state
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// NotifyActivity requests a redraw. In interactive mode bursts within one interval
// collapse to a single frame. In append-only mode only test ends produce output.
func (s *Scheduler) NotifyActivity(kind ActivityKind, testID string) {
	if !s.sink.Interactive() {
		if kind != ActivityTestEnd {
			return
		}
		test, ok := s.source.GetTest(testID)
		if !ok {
			return
		}
		s.emit(ComposeTestLine(test, s.source.Tally()), "line")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken || s.flushing {
		return
	}
	switch s.state {
	case StateIdle:
		s.arm()
	case StateScheduled:
		s.timer.Stop()
		s.arm()
	case StateDrawing:
		s.dirty = true
	}
}

// NotifyFailure prints the failure detail block for a test right away, bypassing the
// debounce, and then schedules a fresh frame.
func (s *Scheduler) NotifyFailure(test *types.TestRecord) {
	if test == nil {
		return
	}
	block := ComposeFailure(test, s.source.StepTree(test.ID), s.sink.Width())
	s.emit(block, "failure")
}

// Flush cancels any pending frame, waits for an in-flight draw and prints the final
// summary. Only the first call draws.
func (s *Scheduler) Flush() {
	s.mu.Lock()
	if s.flushing {
		for s.state != StateStopped {
			s.cond.Wait()
		}
		s.mu.Unlock()
		return
	}
	s.flushing = true
	s.cancelTimer()
	for s.state == StateDrawing {
		s.cond.Wait()
	}
	broken := s.broken
	s.state = StateDrawing
	s.mu.Unlock()

	if !broken {
		tally := s.source.Tally()
		summary := ComposeSummary(tally, failedTests(s.source.AllTests()), s.clock.Now().Sub(s.startedAt))
		s.write(func() error { return s.sink.Print(summary) }, "summary")
	}

	s.mu.Lock()
	s.state = StateStopped
	s.pending = nil
	s.cond.Broadcast()
	s.mu.Unlock()
}

// emit writes a permanent block, or queues it when another draw owns the sink
func (s *Scheduler) emit(block, kind string) {
	s.mu.Lock()
	if s.broken || s.state == StateStopped || s.flushing {
		s.mu.Unlock()
		return
	}
	if s.state == StateDrawing {
		s.pending = append(s.pending, output{block: block, kind: kind})
		s.mu.Unlock()
		return
	}
	rearm := s.state == StateScheduled || kind == "failure"
	s.cancelTimer()
	s.state = StateDrawing
	s.dirty = s.dirty || (rearm && s.sink.Interactive())
	s.mu.Unlock()

	s.write(func() error { return s.sink.Print(block) }, kind)
	s.finishDraw()
}

// fire runs on the timer goroutine
func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.state != StateScheduled {
		s.mu.Unlock()
		return
	}
	s.state = StateDrawing
	s.dirty = false
	s.timer = nil
	s.mu.Unlock()

	lines := ComposeFrame(s.source.Tally(), s.source.Running(), s.clock.Now(), s.runningLimit)
	s.write(func() error { return s.sink.Frame(lines) }, "frame")
	s.finishDraw()
}

// finishDraw emits blocks queued during the draw, then leaves the Drawing state
func (s *Scheduler) finishDraw() {
	for {
		s.mu.Lock()
		if len(s.pending) == 0 || s.broken {
			s.pending = nil
			if s.dirty && !s.flushing && !s.broken {
				s.dirty = false
				s.arm()
			} else {
				s.state = StateIdle
			}
			s.cond.Broadcast()
			s.mu.Unlock()
			return
		}
		queued := s.pending
		s.pending = nil
		if s.sink.Interactive() {
			s.dirty = true
		}
		s.mu.Unlock()

		for _, out := range queued {
			s.write(func() error { return s.sink.Print(out.block) }, out.kind)
		}
	}
}

// write performs one sink call. The first failure disables rendering for the rest of
// the run; registry and buffer keep working.
func (s *Scheduler) write(fn func() error, kind string) {
	s.mu.Lock()
	broken := s.broken
	s.mu.Unlock()
	if broken {
		return
	}
	if err := fn(); err != nil {
		s.mu.Lock()
		if !s.broken {
			s.broken = true
			s.log.Error("Terminal output failed, disabling rendering", "kind", kind, "err", err)
			metrics.RecordErrorDetails("render", err)
		}
		s.mu.Unlock()
		return
	}
	metrics.RecordDraw(kind)
}

// arm must be called with mu held
func (s *Scheduler) arm() {
	s.gen++
	gen := s.gen
	s.state = StateScheduled
	s.timer = s.clock.AfterFunc(s.interval, func() { s.fire(gen) })
}

// cancelTimer must be called with mu held
func (s *Scheduler) cancelTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
	if s.state == StateScheduled {
		s.state = StateIdle
	}
}

func failedTests(tests []*types.TestRecord) []*types.TestRecord {
	return slices.DeleteFunc(tests, func(t *types.TestRecord) bool {
		return t.Status != types.StatusFailed
	})
}
