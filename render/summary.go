package render

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum-optimism/infra/op-steplog/registry"
	"github.com/ethereum-optimism/infra/op-steplog/types"
	"github.com/ethereum-optimism/infra/op-steplog/ui"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// ComposeSummary renders the final run summary: a totals table and the list of
// failed tests with the first line of their error.
func ComposeSummary(tally registry.Tally, failed []*types.TestRecord, elapsed time.Duration) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.SetTitle(fmt.Sprintf("Run Summary (%s)", ui.FormatDuration(elapsed)))
	t.AppendHeader(table.Row{"Tests", "Passed", "Failed", "Skipped", "Interrupted"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignRight},
		{Number: 2, Align: text.AlignRight},
		{Number: 3, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
	})
	t.AppendRow(table.Row{tally.Started, tally.Passed, tally.Failed, tally.Skipped, tally.Running})

	var b strings.Builder
	b.WriteString(t.Render())
	b.WriteString("\n")

	if len(failed) > 0 {
		b.WriteString(text.FgRed.Sprintf("\nFailed tests (%d):\n", len(failed)))
		for _, test := range failed {
			line := fmt.Sprintf("  %s %s", ui.ColorStatus(types.StatusFailed), test.Title)
			if test.File != "" {
				line += text.Faint.Sprintf(" (%s)", test.File)
			}
			if msg := firstLine(test.Error); msg != "" {
				line += ": " + msg
			}
			b.WriteString(line + "\n")
		}
	}

	result := text.FgGreen.Sprint("PASSED")
	if tally.Failed > 0 || tally.Running > 0 {
		result = text.FgRed.Sprint("FAILED")
	}
	fmt.Fprintf(&b, "\nResult: %s\n", result)
	return b.String()
}

func firstLine(err *types.ErrorInfo) string {
	if err == nil {
		return ""
	}
	msg, _, _ := strings.Cut(strings.TrimSpace(err.Message), "\n")
	return msg
}
