package ingress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum-optimism/infra/op-steplog/buffer"
	"github.com/ethereum-optimism/infra/op-steplog/clock"
	"github.com/ethereum-optimism/infra/op-steplog/registry"
	"github.com/ethereum-optimism/infra/op-steplog/render"
	"github.com/ethereum-optimism/infra/op-steplog/types"
	"github.com/ethereum-optimism/optimism/op-service/testlog"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type activity struct {
	kind   render.ActivityKind
	testID string
}

type fakeNotifier struct {
	mu       sync.Mutex
	activity []activity
	failures []*types.TestRecord
}

func (f *fakeNotifier) NotifyActivity(kind render.ActivityKind, testID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activity = append(f.activity, activity{kind, testID})
}

func (f *fakeNotifier) NotifyFailure(test *types.TestRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, test)
}

func (f *fakeNotifier) kinds() []render.ActivityKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]render.ActivityKind, 0, len(f.activity))
	for _, a := range f.activity {
		out = append(out, a.kind)
	}
	return out
}

type fakeRecorder struct {
	events []Event
}

func (f *fakeRecorder) Record(ev Event) {
	f.events = append(f.events, ev)
}

type adapterFixture struct {
	reg      *registry.Registry
	buf      *buffer.Buffer
	notifier *fakeNotifier
	recorder *fakeRecorder
	adapter  *Adapter
}

func newAdapterFixture(t *testing.T) *adapterFixture {
	logger := testlog.Logger(t, log.LevelDebug)
	cfg := registry.DefaultConfig()
	cfg.Log = logger
	cfg.Clock = clock.NewManual(t0)
	reg := registry.NewRegistry(cfg)
	buf := buffer.New(buffer.Config{Capacity: 100, Log: logger})
	notifier := &fakeNotifier{}
	recorder := &fakeRecorder{}

	adapter, err := NewAdapter(Config{
		Registry: reg,
		Buffer:   buf,
		Notifier: notifier,
		Recorder: recorder,
		Log:      logger,
	})
	require.NoError(t, err)
	t.Cleanup(adapter.Close)
	return &adapterFixture{reg: reg, buf: buf, notifier: notifier, recorder: recorder, adapter: adapter}
}

func (f *adapterFixture) handle(t *testing.T, events ...Event) {
	t.Helper()
	for _, ev := range events {
		require.NoError(t, f.adapter.Handle(context.Background(), ev))
	}
}

func TestNewAdapterRequiresDependencies(t *testing.T) {
	_, err := NewAdapter(Config{})
	require.Error(t, err)
}

func TestAdapterLifecycle(t *testing.T) {
	f := newAdapterFixture(t)

	f.handle(t,
		RunBegin{Total: 2},
		TestBegin{Key: "a", Title: "login works", File: "a.test.ts", Worker: "w1", Time: t0},
		StepBegin{TestKey: "a", StepRef: "s1", Title: "Login flow", Time: t0},
		StepBegin{TestKey: "a", StepRef: "s2", ParentRef: "s1", Title: "fill form", Time: t0},
		StepEnd{TestKey: "a", StepRef: "s2", Status: "passed", Time: t0.Add(100 * time.Millisecond)},
		StepEnd{TestKey: "a", StepRef: "s1", Status: "passed", Time: t0.Add(200 * time.Millisecond)},
		TestEnd{Key: "a", Status: "passed", Time: t0.Add(300 * time.Millisecond)},
		RunEnd{},
	)

	tally := f.reg.Tally()
	assert.Equal(t, 2, tally.Expected)
	assert.Equal(t, 1, tally.Completed)
	assert.Equal(t, 1, tally.Passed)

	steps := f.reg.Steps("a")
	require.Len(t, steps, 2)
	assert.Equal(t, types.LevelMajor, steps[0].Level)
	assert.Equal(t, types.LevelMinor, steps[1].Level)
	assert.Equal(t, steps[0].ID, steps[1].ParentID)

	entries := f.buf.Entries("w1")
	require.Len(t, entries, 3)
	for _, e := range entries {
		assert.Equal(t, types.StatusPassed, e.Status(), e.ID())
	}

	assert.Equal(t, []render.ActivityKind{
		render.ActivityRunBegin,
		render.ActivityTestBegin,
		render.ActivityStepBegin,
		render.ActivityStepBegin,
		render.ActivityStepEnd,
		render.ActivityStepEnd,
		render.ActivityTestEnd,
	}, f.notifier.kinds())
	assert.Empty(t, f.notifier.failures)
	assert.Len(t, f.recorder.events, 8)
}

func TestAdapterFailureClosesDanglingSteps(t *testing.T) {
	f := newAdapterFixture(t)

	f.handle(t,
		TestBegin{Key: "b", Title: "checkout", Worker: "w1"},
		StepBegin{TestKey: "b", StepRef: "s1", Title: "Checkout flow"},
		TestEnd{Key: "b", Status: "timedOut", Error: &types.ErrorInfo{Message: "timeout"}},
	)

	require.Len(t, f.notifier.failures, 1)
	failed := f.notifier.failures[0]
	assert.Equal(t, "b", failed.ID)
	assert.Equal(t, types.StatusFailed, failed.Status)

	step, ok := f.reg.GetStep(f.reg.Steps("b")[0].ID)
	require.True(t, ok)
	assert.Equal(t, types.StatusFailed, step.Status)

	for _, e := range f.buf.Entries("w1") {
		if e.Kind == buffer.KindStep {
			assert.Equal(t, types.StatusFailed, e.Status(), "buffered step must be refreshed")
		}
	}
	assert.Equal(t, 1, f.reg.Tally().Failed)
}

func TestAdapterRetries(t *testing.T) {
	f := newAdapterFixture(t)

	f.handle(t,
		TestBegin{Key: "c", Title: "flaky", Worker: "w1"},
		TestEnd{Key: "c", Status: "failed"},
		TestBegin{Key: "c", Title: "flaky", Worker: "w2", Retry: 1},
		StepBegin{TestKey: "c", StepRef: "s1", Title: "second try"},
		StepEnd{TestKey: "c", StepRef: "s1", Status: "passed"},
		TestEnd{Key: "c", Status: "passed"},
	)

	id, ok := f.reg.Lookup("c")
	require.True(t, ok)
	assert.Equal(t, "c#1", id)

	first, ok := f.reg.GetTest("c")
	require.True(t, ok)
	assert.Equal(t, types.StatusFailed, first.Status)
	assert.Empty(t, first.StepIDs)

	retry, ok := f.reg.GetTest("c#1")
	require.True(t, ok)
	assert.Equal(t, 1, retry.Retry)
	assert.Equal(t, types.StatusPassed, retry.Status)
	assert.Len(t, retry.StepIDs, 1)

	assert.Len(t, f.buf.Tests("w1"), 1)
	assert.Len(t, f.buf.Tests("w2"), 1)
}

func TestAdapterRejectsDoubleBegin(t *testing.T) {
	f := newAdapterFixture(t)

	f.handle(t, TestBegin{Key: "d", Title: "d"})
	err := f.adapter.Handle(context.Background(), TestBegin{Key: "d", Title: "d"})
	require.ErrorIs(t, err, registry.ErrTestAlreadyRunning)
	assert.Len(t, f.recorder.events, 1)
}

func TestAdapterIgnoresOutOfProtocolEvents(t *testing.T) {
	f := newAdapterFixture(t)

	f.handle(t,
		StepBegin{TestKey: "ghost", StepRef: "s1", Title: "orphan"},
		StepEnd{TestKey: "ghost", StepRef: "s1", Status: "passed"},
		TestEnd{Key: "ghost", Status: "passed"},
		TestBegin{Key: "e", Title: "e", Worker: "w1"},
		StepBegin{TestKey: "e", StepRef: "s1", ParentRef: "missing", Title: "bad parent"},
		StepEnd{TestKey: "e", StepRef: "nope", Status: "passed"},
		StepBegin{TestKey: "e", StepRef: "s2", Title: "ok"},
		StepBegin{TestKey: "e", StepRef: "s2", Title: "duplicate"},
		TestEnd{Key: "e", Status: "passed"},
		StepBegin{TestKey: "e", StepRef: "s3", Title: "late"},
	)

	steps := f.reg.Steps("e")
	require.Len(t, steps, 1)
	assert.Equal(t, "ok", steps[0].Title)
	assert.Equal(t, 1, f.reg.Tally().Started)
	assert.Equal(t, 1, f.reg.Tally().Passed)
}

func TestAdapterCloseEndsOpenSpans(t *testing.T) {
	f := newAdapterFixture(t)

	f.handle(t,
		RunBegin{Total: 1},
		TestBegin{Key: "f", Title: "never ends"},
	)
	f.adapter.Close()
	f.adapter.Close()

	// The registry still reports the test as running
	assert.Equal(t, 1, f.reg.Tally().Running)
}
