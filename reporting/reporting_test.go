package reporting

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum-optimism/infra/op-steplog/buffer"
	"github.com/ethereum-optimism/infra/op-steplog/registry"
	"github.com/ethereum-optimism/infra/op-steplog/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func sampleTests() []types.TestSnapshot {
	return []types.TestSnapshot{
		{
			ID:       "a.test.ts > login",
			Title:    "login works",
			File:     "a.test.ts",
			Status:   types.StatusPassed,
			Duration: 1500,
			Steps: []types.StepSnapshot{
				{ID: "step-1", Title: "Login flow", Level: types.LevelMajor, Status: types.StatusPassed, Duration: 1200},
				{ID: "step-2", Title: "fill form", Level: types.LevelMinor, Status: types.StatusPassed, Duration: 200, ParentID: "step-1"},
				{ID: "step-3", Title: "Slow redirect", Level: types.LevelMajor, Status: types.StatusPassed, Duration: 1100, ParentID: "step-1", Upgraded: true},
			},
		},
		{
			ID:       "b.test.ts > checkout#1",
			Key:      "b.test.ts > checkout",
			Title:    "checkout",
			File:     "b.test.ts",
			Retry:    1,
			Status:   types.StatusFailed,
			Duration: 800,
			Error:    &types.ErrorInfo{Message: "\x1b[31mexpected 1 to be 2\x1b[0m", Location: "b.test.ts:12"},
			Steps: []types.StepSnapshot{
				{ID: "step-4", Title: "Checkout flow", Level: types.LevelMajor, Status: types.StatusFailed, Duration: 700,
					Error: &types.ErrorInfo{Message: "\x1b[31mboom\x1b[0m"}},
			},
			Diagnostics: []types.Diagnostic{{Type: "stderr", Text: "\x1b[33mwarning\x1b[0m"}},
			Attachments: []types.Attachment{{Name: "screenshot", Path: "shots/1.png", ContentType: "image/png"}},
		},
		{ID: "c.test.ts > later", Title: "later", Status: types.StatusSkipped},
	}
}

func TestNewReportStats(t *testing.T) {
	report := NewReport("run1", t0, t0.Add(3*time.Second), sampleTests(), buffer.Stats{}, 0)

	st := report.Stats
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 1, st.Passed)
	assert.Equal(t, 1, st.Failed)
	assert.Equal(t, 1, st.Skipped)
	assert.Equal(t, 1, st.Retries)
	assert.Equal(t, 4, st.Steps)
	assert.Equal(t, 3, st.MajorSteps)
	assert.Equal(t, 1, st.Upgraded)
	assert.InDelta(t, 50.0, st.PassRate, 0.001)
	assert.Equal(t, int64(3000), report.Duration)
	assert.Equal(t, types.StatusFailed, report.Status())
	require.Len(t, report.Failed(), 1)
	assert.Equal(t, "checkout", report.Failed()[0].Title)
}

func TestReportStatus(t *testing.T) {
	empty := NewReport("run", t0, t0, nil, buffer.Stats{}, 0)
	assert.Equal(t, types.StatusPassed, empty.Status())
	assert.NotNil(t, empty.Tests)

	skipped := NewReport("run", t0, t0, []types.TestSnapshot{{Status: types.StatusSkipped}}, buffer.Stats{}, 0)
	assert.Equal(t, types.StatusSkipped, skipped.Status())

	interrupted := NewReport("run", t0, t0, []types.TestSnapshot{{Status: types.StatusRunning}}, buffer.Stats{}, 0)
	assert.Equal(t, 1, interrupted.Stats.Interrupted)
	assert.Equal(t, types.StatusFailed, interrupted.Status())
}

func TestSnapshotUsesMergeOrder(t *testing.T) {
	reg := registry.NewRegistry(registry.DefaultConfig())
	buf := buffer.New(buffer.Config{Capacity: 100})

	for i, key := range []string{"first", "second"} {
		id, err := reg.BeginTest(registry.TestStart{Key: key, Title: key, Worker: "w", At: t0.Add(time.Duration(i) * time.Second)})
		require.NoError(t, err)
		_, err = reg.BeginStep(id, "Setup data", "", t0)
		require.NoError(t, err)
		test, err := reg.EndTest(id, registry.TestEnd{Status: types.StatusPassed, At: t0.Add(5 * time.Second)})
		require.NoError(t, err)
		buf.Add("w", buffer.TestEntry(test))
	}

	snaps := Snapshot(buf, reg)
	require.Len(t, snaps, 2)
	assert.Equal(t, "first", snaps[0].Title)
	assert.Equal(t, "second", snaps[1].Title)
	require.Len(t, snaps[0].Steps, 1)
	assert.Equal(t, types.LevelMajor, snaps[0].Steps[0].Level)
}

func TestSnapshotKeepsEvictedFailures(t *testing.T) {
	reg := registry.NewRegistry(registry.DefaultConfig())
	buf := buffer.New(buffer.Config{Capacity: 1})

	end := func(key string, start time.Time, status types.Status) *types.TestRecord {
		id, err := reg.BeginTest(registry.TestStart{Key: key, Title: key, Worker: "w", At: start})
		require.NoError(t, err)
		test, err := reg.EndTest(id, registry.TestEnd{Status: status, At: start.Add(time.Second)})
		require.NoError(t, err)
		return test
	}
	buf.Add("w", buffer.TestEntry(end("broken", t0, types.StatusFailed)))
	buf.Add("w", buffer.TestEntry(end("fine", t0.Add(time.Second), types.StatusPassed)))
	require.Len(t, buf.Tests(""), 1)

	snaps := Snapshot(buf, reg)
	require.Len(t, snaps, 2)
	assert.Equal(t, "broken", snaps[0].Title)
	assert.Equal(t, types.StatusFailed, snaps[0].Status)
	assert.Equal(t, "fine", snaps[1].Title)
}

func TestWithTally(t *testing.T) {
	tests := []types.TestSnapshot{{Status: types.StatusPassed}}
	report := NewReport("run", t0, t0, tests, buffer.Stats{}, 0)
	assert.Equal(t, types.StatusPassed, report.Status())

	report.WithTally(registry.Tally{Started: 3, Completed: 3, Passed: 1, Failed: 1, Skipped: 1})
	assert.Equal(t, 3, report.Stats.Total)
	assert.Equal(t, 1, report.Stats.Failed)
	assert.Equal(t, 1, report.Stats.Retained)
	assert.InDelta(t, 50.0, report.Stats.PassRate, 0.001)
	assert.Equal(t, types.StatusFailed, report.Status())

	report.WithTally(registry.Tally{Started: 1, Running: 1})
	assert.Equal(t, 1, report.Stats.Interrupted)
	assert.Equal(t, types.StatusFailed, report.Status())
}

func TestJSONSinkStripsEscapeCodes(t *testing.T) {
	dir := t.TempDir()
	report := NewReport("run1", t0, t0.Add(time.Second), sampleTests(), buffer.Stats{TotalTests: 3}, 2048)

	sink := NewJSONSink(dir)
	assert.Equal(t, "json", sink.Name())
	require.NoError(t, sink.Write(report))

	data, err := os.ReadFile(filepath.Join(dir, JSONSummaryFilename))
	require.NoError(t, err)

	var decoded Report
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "run1", decoded.RunID)
	assert.Equal(t, 3, decoded.Stats.Total)
	assert.Equal(t, int64(2048), decoded.MemoryEstimate)
	require.Len(t, decoded.Tests, 3)
	assert.Equal(t, "expected 1 to be 2", decoded.Tests[1].Error.Message)
	assert.Equal(t, "boom", decoded.Tests[1].Steps[0].Error.Message)

	// The report itself is not modified
	assert.Contains(t, report.Tests[1].Error.Message, "\x1b[31m")
}

func TestMarkdownSink(t *testing.T) {
	dir := t.TempDir()
	report := NewReport("run1", t0, t0.Add(time.Second), sampleTests(), buffer.Stats{}, 0)

	sink := NewMarkdownSink(dir)
	require.NoError(t, sink.Write(report))

	data, err := os.ReadFile(filepath.Join(dir, MarkdownSummaryFilename))
	require.NoError(t, err)
	md := string(data)

	assert.Contains(t, md, "# Test run run1")
	assert.Contains(t, md, "Result: **FAILED**")
	assert.Contains(t, md, "| Tests |")
	assert.Contains(t, md, "### ✅ login works")
	assert.Contains(t, md, "- ✅ Login flow (1.2s)")
	assert.Contains(t, md, "  - ✅ Slow redirect (1.1s) _(slow)_")
	assert.NotContains(t, md, "fill form")
	assert.Contains(t, md, "retry: 1")
	assert.Contains(t, md, "expected 1 to be 2\nat b.test.ts:12")
	assert.Contains(t, md, "step **Checkout flow** failed: `boom`")
	assert.Contains(t, md, "[stderr] warning")
	assert.Contains(t, md, "- [screenshot](shots/1.png) (image/png)")
	assert.NotContains(t, md, "\x1b[")
}

func TestMarkdownOutlineNesting(t *testing.T) {
	outline := majorOutline([]types.StepSnapshot{
		{ID: "1", Title: "Root", Level: types.LevelMajor, Status: types.StatusPassed},
		{ID: "2", Title: "minor", Level: types.LevelMinor, Status: types.StatusPassed, ParentID: "1"},
		{ID: "3", Title: "Deep", Level: types.LevelMajor, Status: types.StatusFailed, ParentID: "2"},
	})
	lines := strings.Split(strings.TrimRight(outline, "\n"), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "- "))
	assert.True(t, strings.HasPrefix(lines[1], "    - ❌ Deep"))
}

func TestPrintTable(t *testing.T) {
	report := NewReport("run1", t0, t0.Add(time.Second), sampleTests(), buffer.Stats{}, 0)

	var out bytes.Buffer
	PrintTable(&out, report)
	s := out.String()

	assert.Contains(t, s, "Test Results")
	assert.Contains(t, s, "login works")
	assert.Contains(t, s, "checkout (retry 1)")
	assert.Contains(t, s, "Login flow")
	assert.Contains(t, strings.ToLower(s), "3 tests: 1 passed, 1 failed, 1 skipped")
	assert.NotContains(t, s, "fill form")
}

func TestWriteFileCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "out")
	require.NoError(t, NewJSONSink(dir).Write(NewReport("r", t0, t0, nil, buffer.Stats{}, 0)))
	_, err := os.Stat(filepath.Join(dir, JSONSummaryFilename))
	require.NoError(t, err)
}
