package steplog

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/acarl005/stripansi"
	"github.com/ethereum-optimism/optimism/op-service/testlog"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-steplog/flags"
	"github.com/ethereum-optimism/infra/op-steplog/logging"
	"github.com/ethereum-optimism/infra/op-steplog/registry"
	"github.com/ethereum-optimism/infra/op-steplog/reporting"
	"github.com/ethereum-optimism/infra/op-steplog/types"
	"github.com/ethereum-optimism/infra/op-steplog/ui"
)

const passingRun = `{"type":"runBegin","total":2}
{"type":"testBegin","key":"auth.test.ts > login","title":"user can log in","file":"auth.test.ts","worker":"0","time":"2024-01-01T12:00:00Z"}
{"type":"stepBegin","testKey":"auth.test.ts > login","stepRef":"1","title":"Login flow","time":"2024-01-01T12:00:00Z"}
{"type":"stepBegin","testKey":"auth.test.ts > login","stepRef":"2","parentRef":"1","title":"fill credentials","time":"2024-01-01T12:00:00.100Z"}
{"type":"stepEnd","testKey":"auth.test.ts > login","stepRef":"2","status":"passed","time":"2024-01-01T12:00:00.300Z"}
{"type":"stepEnd","testKey":"auth.test.ts > login","stepRef":"1","status":"passed","time":"2024-01-01T12:00:00.500Z"}
{"type":"testEnd","key":"auth.test.ts > login","status":"passed","time":"2024-01-01T12:00:00.600Z"}
{"type":"testBegin","key":"home.test.ts > banner","title":"banner renders","file":"home.test.ts","worker":"1","time":"2024-01-01T12:00:00Z"}
{"type":"testEnd","key":"home.test.ts > banner","status":"skipped","time":"2024-01-01T12:00:00.010Z"}
{"type":"runEnd"}
`

const failingRun = `{"type":"runBegin","total":1}
{"type":"testBegin","key":"shop.test.ts > checkout","title":"checkout","file":"shop.test.ts","worker":"0","time":"2024-01-01T12:00:00Z"}
{"type":"stepBegin","testKey":"shop.test.ts > checkout","stepRef":"1","title":"[MAJOR] Pay with card","time":"2024-01-01T12:00:00Z"}
{"type":"stepEnd","testKey":"shop.test.ts > checkout","stepRef":"1","status":"failed","error":{"message":"card declined"},"time":"2024-01-01T12:00:01Z"}
{"type":"testEnd","key":"shop.test.ts > checkout","status":"failed","error":{"message":"expected confirmation","location":"shop.test.ts:12"},"time":"2024-01-01T12:00:01Z"}
{"type":"runEnd"}
`

func testConfig(t *testing.T, input string) (*Config, *bytes.Buffer) {
	out := &bytes.Buffer{}
	return &Config{
		RunID:             "run-1",
		EventsPath:        "-",
		Format:            flags.FormatEvents,
		DurationThreshold: time.Second,
		AutoDetectLevel:   true,
		MajorKeywords:     registry.DefaultMajorKeywords,
		BufferCapacity:    100,
		RedrawInterval:    100 * time.Millisecond,
		RunningStepsLimit: 5,
		Interactive:       ui.ModeNever,
		Log:               testlog.Logger(t, log.LevelInfo),
		In:                strings.NewReader(input),
		Out:               out,
	}, out
}

func newTestReporter(t *testing.T, cfg *Config) (*Reporter, chan error) {
	done := make(chan error, 1)
	r, err := New(context.Background(), cfg, "test", func(err error) { done <- err })
	require.NoError(t, err)
	return r, done
}

func TestNewRequiresConfig(t *testing.T) {
	_, err := New(context.Background(), nil, "test", nil)
	require.Error(t, err)

	cfg, _ := testConfig(t, "")
	cfg.BufferCapacity = 0
	_, err = New(context.Background(), cfg, "test", nil)
	require.Error(t, err)
}

func TestReporterPassingRun(t *testing.T) {
	cfg, out := testConfig(t, passingRun)
	cfg.OutputDir = t.TempDir()
	cfg.RecordEvents = true
	r, done := newTestReporter(t, cfg)

	require.NoError(t, r.Start(context.Background()))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown callback was not called")
	}
	assert.False(t, r.Stopped())
	require.NoError(t, r.Stop(context.Background()))
	assert.True(t, r.Stopped())

	report := r.Report()
	require.NotNil(t, report)
	assert.Equal(t, types.StatusPassed, report.Status())
	assert.Equal(t, 2, report.Stats.Total)
	assert.Equal(t, 1, report.Stats.MajorSteps)
	require.Len(t, report.Tests, 2)
	assert.Equal(t, "user can log in", report.Tests[0].Title)

	text := stripansi.Strip(out.String())
	assert.Contains(t, text, "✓ user can log in")
	assert.Contains(t, text, "Result: PASSED")
	assert.Contains(t, text, "Test Results")

	dir := filepath.Join(cfg.OutputDir, logging.RunDirectoryPrefix+"run-1")
	data, err := os.ReadFile(filepath.Join(dir, reporting.JSONSummaryFilename))
	require.NoError(t, err)
	var summary reporting.Report
	require.NoError(t, json.Unmarshal(data, &summary))
	assert.Equal(t, "run-1", summary.RunID)
	assert.Equal(t, 1, summary.Stats.Passed)

	_, err = os.Stat(filepath.Join(dir, reporting.MarkdownSummaryFilename))
	require.NoError(t, err)

	recorded, err := os.ReadFile(filepath.Join(dir, logging.RawEventsFilename))
	require.NoError(t, err)
	assert.Equal(t, 10, strings.Count(string(recorded), "\n"))
}

func TestReporterFailingRun(t *testing.T) {
	cfg, out := testConfig(t, failingRun)
	r, _ := newTestReporter(t, cfg)

	err := r.Start(context.Background())
	require.Error(t, err)
	assert.True(t, IsTestFailureError(err))
	assert.True(t, r.Stopped())

	text := stripansi.Strip(out.String())
	assert.Contains(t, text, "FAILED checkout")
	assert.Contains(t, text, "Pay with card")
	assert.Contains(t, text, "expected confirmation")
	assert.Contains(t, text, "Result: FAILED")

	report := r.Report()
	require.Len(t, report.Tests, 1)
	require.Len(t, report.Tests[0].Steps, 1)
	assert.Equal(t, types.LevelMajor, report.Tests[0].Steps[0].Level)

	// Stop after a failed Start is a no-op
	require.NoError(t, r.Stop(context.Background()))
}

func TestReporterInterruptedStream(t *testing.T) {
	input := `{"type":"testBegin","key":"k","title":"hangs","worker":"0"}` + "\n"
	cfg, _ := testConfig(t, input)
	r, _ := newTestReporter(t, cfg)

	err := r.Start(context.Background())
	require.Error(t, err)
	assert.True(t, IsTestFailureError(err), "a test that never ended counts as a failure")
	assert.Equal(t, 1, r.Report().Stats.Interrupted)
}

func TestReporterProtocolViolation(t *testing.T) {
	input := `{"type":"testBegin","key":"k","title":"t"}
{"type":"testBegin","key":"k","title":"t"}
`
	cfg, _ := testConfig(t, input)
	r, _ := newTestReporter(t, cfg)

	err := r.Start(context.Background())
	require.Error(t, err)
	assert.True(t, IsRuntimeError(err))
	assert.ErrorIs(t, err, registry.ErrTestAlreadyRunning)
}

func TestReporterMissingEventsFile(t *testing.T) {
	cfg, _ := testConfig(t, "")
	cfg.In = nil
	cfg.EventsPath = filepath.Join(t.TempDir(), "missing.ndjson")
	r, _ := newTestReporter(t, cfg)

	err := r.Start(context.Background())
	require.Error(t, err)
	assert.True(t, IsRuntimeError(err))
}

func TestReporterReadsEventsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.ndjson")
	require.NoError(t, os.WriteFile(path, []byte(passingRun), 0644))

	cfg, _ := testConfig(t, "")
	cfg.In = nil
	cfg.EventsPath = path
	r, done := newTestReporter(t, cfg)

	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, <-done)
	assert.Equal(t, 2, r.Report().Stats.Total)
}

func TestReporterGoTestFormat(t *testing.T) {
	input := `{"Action":"run","Package":"example.com/shop","Test":"TestCheckout"}
{"Action":"run","Package":"example.com/shop","Test":"TestCheckout/Setup_cart"}
{"Action":"pass","Package":"example.com/shop","Test":"TestCheckout/Setup_cart"}
{"Action":"pass","Package":"example.com/shop","Test":"TestCheckout"}
{"Action":"pass","Package":"example.com/shop"}
`
	cfg, _ := testConfig(t, input)
	cfg.Format = flags.FormatGoTest
	r, done := newTestReporter(t, cfg)

	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, <-done)

	report := r.Report()
	require.Len(t, report.Tests, 1)
	assert.Equal(t, "TestCheckout", report.Tests[0].Title)
	require.Len(t, report.Tests[0].Steps, 1)
	assert.Equal(t, "Setup cart", report.Tests[0].Steps[0].Title)
	assert.Equal(t, types.LevelMajor, report.Tests[0].Steps[0].Level)
}

func TestReporterEvictionReleasesTests(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 20; i++ {
		key := "t" + string(rune('a'+i))
		b.WriteString(`{"type":"testBegin","key":"` + key + `","title":"` + key + `","worker":"0"}` + "\n")
		b.WriteString(`{"type":"testEnd","key":"` + key + `","status":"passed"}` + "\n")
	}
	cfg, _ := testConfig(t, b.String())
	cfg.BufferCapacity = 5
	r, done := newTestReporter(t, cfg)

	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, <-done)

	assert.Len(t, r.Report().Tests, 5)
	assert.Len(t, r.registry.AllTests(), 5)
	assert.Equal(t, 20, r.registry.Tally().Completed)
}

func TestReporterEvictedFailureFailsRun(t *testing.T) {
	input := `{"type":"testBegin","key":"a","title":"flaky login","worker":"0","time":"2024-01-01T12:00:00Z"}
{"type":"testEnd","key":"a","status":"failed","error":{"message":"login rejected"},"time":"2024-01-01T12:00:01Z"}
{"type":"testBegin","key":"b","title":"search","worker":"0","time":"2024-01-01T12:00:02Z"}
{"type":"stepBegin","testKey":"b","stepRef":"1","title":"type query","time":"2024-01-01T12:00:02Z"}
{"type":"stepEnd","testKey":"b","stepRef":"1","status":"passed","time":"2024-01-01T12:00:03Z"}
{"type":"testEnd","key":"b","status":"passed","time":"2024-01-01T12:00:03Z"}
{"type":"runEnd"}
`
	cfg, out := testConfig(t, input)
	cfg.BufferCapacity = 2
	cfg.OutputDir = t.TempDir()
	r, _ := newTestReporter(t, cfg)

	err := r.Start(context.Background())
	require.Error(t, err)
	assert.True(t, IsTestFailureError(err), "an evicted failure still fails the run")

	report := r.Report()
	assert.Equal(t, types.StatusFailed, report.Status())
	assert.Equal(t, 2, report.Stats.Total)
	assert.Equal(t, 1, report.Stats.Passed)
	assert.Equal(t, 1, report.Stats.Failed)
	require.Len(t, report.Failed(), 1)
	assert.Equal(t, "flaky login", report.Failed()[0].Title)

	_, ok := r.registry.Lookup("a")
	assert.True(t, ok, "failed tests are not released on eviction")

	text := stripansi.Strip(out.String())
	assert.Contains(t, text, "Result: FAILED")
	assert.Contains(t, text, "flaky login")

	data, err := os.ReadFile(filepath.Join(cfg.OutputDir, logging.RunDirectoryPrefix+"run-1", reporting.JSONSummaryFilename))
	require.NoError(t, err)
	var summary reporting.Report
	require.NoError(t, json.Unmarshal(data, &summary))
	assert.Equal(t, 1, summary.Stats.Failed)
	assert.Equal(t, types.StatusFailed, summary.Status())
}

func TestStopBeforeStart(t *testing.T) {
	cfg, _ := testConfig(t, "")
	r, _ := newTestReporter(t, cfg)
	require.NoError(t, r.Stop(context.Background()))
	assert.True(t, r.Stopped())
}
