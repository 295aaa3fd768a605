package reporting

import (
	"fmt"
	"io"
	"strings"

	"github.com/ethereum-optimism/infra/op-steplog/types"
	"github.com/ethereum-optimism/infra/op-steplog/ui"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// PrintTable prints the results of the run to w, one row per test with its MAJOR steps
// nested underneath.
func PrintTable(w io.Writer, report *Report) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(fmt.Sprintf("Test Results (%s)", formatMillis(report.Duration)))

	t.AppendHeader(table.Row{"Type", "Title", "Duration", "Steps", "MAJOR", "Status", "Error"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Type", AutoMerge: true},
		{Name: "Title", WidthMax: 60, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Duration", Align: text.AlignRight},
		{Name: "Steps", Align: text.AlignRight},
		{Name: "MAJOR", Align: text.AlignRight},
		{Name: "Error", WidthMax: 80, WidthMaxEnforcer: text.WrapSoft},
	})

	for _, test := range report.Tests {
		major := 0
		for _, s := range test.Steps {
			if s.Level == types.LevelMajor {
				major++
			}
		}
		title := test.Title
		if test.Retry > 0 {
			title += fmt.Sprintf(" (retry %d)", test.Retry)
		}
		t.AppendRow(table.Row{
			"Test",
			title,
			formatMillis(test.Duration),
			len(test.Steps),
			major,
			resultString(test.Status),
			errorSummary(test.Error),
		})

		steps := majorSteps(test.Steps)
		for i, s := range steps {
			t.AppendRow(table.Row{
				"",
				ui.BuildTreePrefix(1, i == len(steps)-1, nil) + s.Title,
				formatMillis(s.Duration),
				"",
				"",
				resultString(s.Status),
				errorSummary(s.Error),
			})
		}
	}

	switch report.Status() {
	case types.StatusPassed:
		t.SetStyle(table.StyleColoredBlackOnGreenWhite)
	case types.StatusSkipped:
		t.SetStyle(table.StyleColoredBlackOnYellowWhite)
	default:
		t.SetStyle(table.StyleColoredBlackOnRedWhite)
	}

	st := report.Stats
	t.AppendFooter(table.Row{
		"TOTAL",
		fmt.Sprintf("%d tests: %d passed, %d failed, %d skipped", st.Total, st.Passed, st.Failed, st.Skipped),
		formatMillis(report.Duration),
		st.Steps,
		st.MajorSteps,
		resultString(report.Status()),
		"",
	})

	t.Render()
}

func majorSteps(steps []types.StepSnapshot) []types.StepSnapshot {
	var out []types.StepSnapshot
	for _, s := range steps {
		if s.Level == types.LevelMajor {
			out = append(out, s)
		}
	}
	return out
}

func resultString(status types.Status) string {
	switch status {
	case types.StatusPassed:
		return "✓ pass"
	case types.StatusFailed:
		return "✗ fail"
	case types.StatusSkipped:
		return "- skip"
	default:
		return "? " + string(status)
	}
}

func errorSummary(err *types.ErrorInfo) string {
	if err == nil {
		return ""
	}
	msg := firstLine(err.Message)
	if len(msg) > 120 {
		msg = msg[:117] + "..."
	}
	return strings.TrimSpace(msg)
}
