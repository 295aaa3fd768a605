package ingress

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum-optimism/infra/op-steplog/buffer"
	"github.com/ethereum-optimism/infra/op-steplog/metrics"
	"github.com/ethereum-optimism/infra/op-steplog/registry"
	"github.com/ethereum-optimism/infra/op-steplog/render"
	"github.com/ethereum-optimism/infra/op-steplog/types"
	"github.com/ethereum/go-ethereum/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Notifier receives redraw requests
type Notifier interface {
	NotifyActivity(kind render.ActivityKind, testID string)
	NotifyFailure(test *types.TestRecord)
}

// Recorder receives every event the adapter accepted
type Recorder interface {
	Record(ev Event)
}

// Config contains adapter configuration
type Config struct {
	Registry *registry.Registry
	Buffer   *buffer.Buffer
	Notifier Notifier
	Recorder Recorder // Optional
	Log      log.Logger
}

type testState struct {
	id     string
	worker string
	span   trace.Span
	steps  map[string]string   // host step ref -> registry step id
	open   map[string]struct{} // registry step ids not yet ended
}

// Adapter dispatches ingress events: registry first, then buffer, then render.
type Adapter struct {
	registry *registry.Registry
	buffer   *buffer.Buffer
	notifier Notifier
	recorder Recorder
	log      log.Logger
	tracer   trace.Tracer

	mu      sync.Mutex
	tests   map[string]*testState // by registry test id
	runSpan trace.Span
	runCtx  context.Context
}

// NewAdapter creates a new adapter
func NewAdapter(cfg Config) (*Adapter, error) {
	if cfg.Registry == nil || cfg.Buffer == nil || cfg.Notifier == nil {
		return nil, errors.New("registry, buffer and notifier are required")
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
	}
	return &Adapter{
		registry: cfg.Registry,
		buffer:   cfg.Buffer,
		notifier: cfg.Notifier,
		recorder: cfg.Recorder,
		log:      cfg.Log,
		tracer:   otel.Tracer("steplog ingress"),
		tests:    make(map[string]*testState),
	}, nil
}

// Handle applies one event. Protocol violations are logged and ignored; the only error
// returned is a test beginning twice, which means the host stream cannot be trusted.
func (a *Adapter) Handle(ctx context.Context, ev Event) error {
	metrics.RecordEvent(string(ev.Type()))

	var err error
	switch e := ev.(type) {
	case RunBegin:
		a.runBegin(ctx, e)
	case TestBegin:
		err = a.testBegin(ctx, e)
	case StepBegin:
		a.stepBegin(e)
	case StepEnd:
		a.stepEnd(e)
	case TestEnd:
		a.testEnd(e)
	case RunEnd:
		a.runEnd()
	default:
		a.log.Warn("Ignoring unsupported event", "type", fmt.Sprintf("%T", ev))
		return nil
	}
	if err != nil {
		return err
	}
	if a.recorder != nil {
		a.recorder.Record(ev)
	}
	return nil
}

func (a *Adapter) runBegin(ctx context.Context, e RunBegin) {
	a.log.Info("Run started", "expectedTests", e.Total)
	a.registry.SetExpected(e.Total)

	a.mu.Lock()
	if a.runSpan == nil {
		a.runCtx, a.runSpan = a.tracer.Start(ctx, "run", trace.WithAttributes(attribute.Int("run.expected_tests", e.Total)))
	}
	a.mu.Unlock()

	a.notifier.NotifyActivity(render.ActivityRunBegin, "")
}

func (a *Adapter) testBegin(ctx context.Context, e TestBegin) error {
	id, err := a.registry.BeginTest(registry.TestStart{
		Key:    e.Key,
		Title:  titleOr(e.Title, e.Key),
		File:   e.File,
		Worker: e.Worker,
		Retry:  e.Retry,
		At:     e.Time,
	})
	if err != nil {
		return err
	}
	test, ok := a.registry.GetTest(id)
	if !ok {
		return nil
	}

	a.mu.Lock()
	if a.runCtx != nil {
		ctx = a.runCtx
	}
	_, span := a.tracer.Start(ctx, fmt.Sprintf("test %s", test.Title), trace.WithAttributes(
		attribute.String("test.key", e.Key),
		attribute.String("test.file", e.File),
		attribute.String("test.worker", e.Worker),
		attribute.Int("test.retry", test.Retry),
	))
	a.tests[id] = &testState{
		id:     id,
		worker: e.Worker,
		span:   span,
		steps:  make(map[string]string),
		open:   make(map[string]struct{}),
	}
	a.mu.Unlock()

	a.buffer.Add(e.Worker, buffer.TestEntry(test))
	a.notifier.NotifyActivity(render.ActivityTestBegin, id)
	return nil
}

func (a *Adapter) stepBegin(e StepBegin) {
	st := a.state(e.TestKey)
	if st == nil {
		a.anomaly(a.missing(e.TestKey), "event", TypeStepBegin, "test", e.TestKey, "step", e.Title)
		return
	}

	a.mu.Lock()
	if _, dup := st.steps[e.StepRef]; dup {
		a.mu.Unlock()
		a.anomaly("duplicate_step_ref", "test", st.id, "ref", e.StepRef)
		return
	}
	var parentID string
	if e.ParentRef != "" {
		var ok bool
		if parentID, ok = st.steps[e.ParentRef]; !ok {
			a.mu.Unlock()
			a.anomaly("unknown_parent", "test", st.id, "parent", e.ParentRef, "step", e.Title)
			return
		}
	}
	a.mu.Unlock()

	step, err := a.registry.BeginStep(st.id, e.Title, parentID, e.Time)
	if err != nil {
		return
	}

	a.mu.Lock()
	st.steps[e.StepRef] = step.ID
	st.open[step.ID] = struct{}{}
	st.span.AddEvent("step begin", trace.WithAttributes(
		attribute.String("step.id", step.ID),
		attribute.String("step.title", step.Title),
		attribute.String("step.level", string(step.Level)),
	))
	a.mu.Unlock()

	a.buffer.Add(st.worker, buffer.StepEntry(step))
	a.notifier.NotifyActivity(render.ActivityStepBegin, st.id)
}

func (a *Adapter) stepEnd(e StepEnd) {
	st := a.state(e.TestKey)
	if st == nil {
		a.anomaly(a.missing(e.TestKey), "event", TypeStepEnd, "test", e.TestKey, "ref", e.StepRef)
		return
	}

	a.mu.Lock()
	stepID, ok := st.steps[e.StepRef]
	a.mu.Unlock()
	if !ok {
		a.anomaly("unknown_step", "test", st.id, "ref", e.StepRef)
		return
	}

	step, err := a.registry.EndStep(stepID, types.ParseStatus(e.Status), e.Error, e.Time)
	if err != nil {
		return
	}

	a.mu.Lock()
	delete(st.open, stepID)
	st.span.AddEvent("step end", trace.WithAttributes(
		attribute.String("step.id", step.ID),
		attribute.String("step.status", string(step.Status)),
		attribute.String("step.level", string(step.Level)),
		attribute.Bool("step.upgraded", step.Upgraded),
	))
	a.mu.Unlock()

	a.buffer.Add(st.worker, buffer.StepEntry(step))
	a.notifier.NotifyActivity(render.ActivityStepEnd, st.id)
}

func (a *Adapter) testEnd(e TestEnd) {
	st := a.state(e.Key)
	if st == nil {
		a.anomaly(a.missing(e.Key), "event", TypeTestEnd, "test", e.Key)
		return
	}

	test, err := a.registry.EndTest(st.id, registry.TestEnd{
		Status:      types.ParseStatus(e.Status),
		Error:       e.Error,
		Attachments: e.Attachments,
		Diagnostics: e.Diagnostics,
		At:          e.Time,
	})
	if err != nil {
		return
	}

	a.mu.Lock()
	dangling := make([]string, 0, len(st.open))
	for stepID := range st.open {
		dangling = append(dangling, stepID)
	}
	delete(a.tests, st.id)
	a.mu.Unlock()

	// Steps the host never ended were closed by the registry
	for _, stepID := range dangling {
		if step, ok := a.registry.GetStep(stepID); ok {
			a.buffer.Add(st.worker, buffer.StepEntry(step))
		}
	}
	a.buffer.Add(st.worker, buffer.TestEntry(test))

	st.span.SetAttributes(attribute.String("test.status", string(test.Status)))
	if test.Status == types.StatusFailed {
		msg := "test failed"
		if test.Error != nil {
			msg = test.Error.Message
		}
		st.span.SetStatus(codes.Error, msg)
	}
	st.span.End()

	a.notifier.NotifyActivity(render.ActivityTestEnd, test.ID)
	if test.Status == types.StatusFailed {
		a.notifier.NotifyFailure(test)
	}
}

func (a *Adapter) runEnd() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.tests) > 0 {
		a.log.Warn("Run ended with tests still running", "running", len(a.tests))
	}
	if a.runSpan != nil {
		a.runSpan.End()
		a.runSpan = nil
		a.runCtx = nil
	}
	a.log.Info("Run ended")
}

// Close ends any spans left open by an interrupted stream
func (a *Adapter) Close() {
	a.mu.Lock()
	for id, st := range a.tests {
		st.span.SetStatus(codes.Error, "interrupted")
		st.span.End()
		delete(a.tests, id)
	}
	a.mu.Unlock()
	a.runEnd()
}

// state returns the adapter state of the latest attempt for a test key
func (a *Adapter) state(key string) *testState {
	id, ok := a.registry.Lookup(key)
	if !ok {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tests[id]
}

// missing names the anomaly for an event whose test has no running attempt
func (a *Adapter) missing(key string) string {
	if _, ok := a.registry.Lookup(key); ok {
		return "test_finalized"
	}
	return "unknown_test"
}

func (a *Adapter) anomaly(kind string, ctx ...interface{}) {
	a.log.Warn("Ignoring out-of-protocol event", append([]interface{}{"anomaly", kind}, ctx...)...)
	metrics.RecordAnomaly(kind)
}

func titleOr(title, fallback string) string {
	if title == "" {
		return fallback
	}
	return title
}
