package render

import (
	"fmt"
	"strings"

	"github.com/ethereum-optimism/infra/op-steplog/types"
	"github.com/ethereum-optimism/infra/op-steplog/ui"
	"github.com/jedib0t/go-pretty/v6/text"
)

const maxDiagnosticLines = 20

// ComposeFailure renders the detail block for a failed test: the full step tree with
// levels, statuses and durations, the error, captured diagnostics and attachments.
func ComposeFailure(test *types.TestRecord, tree *types.StepTree, width int) string {
	boxWidth := min(width, 100)
	var b strings.Builder

	title := fmt.Sprintf("%s FAILED %s (%s)", ui.StatusIcon(test.Status), test.Title, ui.FormatDuration(test.Duration))
	if test.Retry > 0 {
		title += fmt.Sprintf(" retry #%d", test.Retry)
	}
	b.WriteString(text.FgRed.Sprint(ui.BuildBoxHeader(title, boxWidth)))
	if test.File != "" {
		fmt.Fprintf(&b, "  %s %s\n", text.Faint.Sprint("file:"), test.File)
	}
	if test.Worker != "" {
		fmt.Fprintf(&b, "  %s %s\n", text.Faint.Sprint("worker:"), test.Worker)
	}

	if tree != nil && tree.Len() > 0 {
		b.WriteString("\n  Steps:\n")
		tree.Walk(func(step *types.StepRecord, depth int, isLast bool, parentIsLast []bool) {
			prefix := ui.BuildTreePrefix(depth+1, isLast, parentIsLast)
			fmt.Fprintf(&b, "  %s%s %s %s %s\n",
				prefix,
				ui.ColorStatus(step.Status),
				ui.LevelTag(step.Level),
				step.Title,
				text.Faint.Sprintf("(%s)", ui.FormatDuration(step.Duration)))
			if step.Error != nil && step.Error.Message != "" {
				cont := ui.ContinuationPrefix(depth+1, isLast, parentIsLast)
				for _, line := range strings.Split(strings.TrimRight(step.Error.Message, "\n"), "\n") {
					fmt.Fprintf(&b, "  %s  %s\n", cont, text.FgRed.Sprint(line))
				}
			}
		})
	}

	if test.Error != nil {
		b.WriteString("\n  Error:\n")
		writeIndented(&b, text.FgRed.Sprint(test.Error.Message), "    ")
		if test.Error.Location != "" {
			fmt.Fprintf(&b, "    %s %s\n", text.Faint.Sprint("at"), test.Error.Location)
		}
		if test.Error.Stack != "" {
			writeIndented(&b, text.Faint.Sprint(test.Error.Stack), "      ")
		}
	}

	if len(test.Diagnostics) > 0 {
		b.WriteString("\n  Diagnostics:\n")
		diags := test.Diagnostics
		if len(diags) > maxDiagnosticLines {
			fmt.Fprintf(&b, "    ... %d earlier lines omitted\n", len(diags)-maxDiagnosticLines)
			diags = diags[len(diags)-maxDiagnosticLines:]
		}
		for _, d := range diags {
			fmt.Fprintf(&b, "    %s %s\n", text.Faint.Sprintf("[%s]", d.Type), strings.TrimRight(d.Text, "\n"))
		}
	}

	if len(test.Attachments) > 0 {
		b.WriteString("\n  Attachments:\n")
		for _, a := range test.Attachments {
			line := fmt.Sprintf("    %s (%s)", a.Name, a.ContentType)
			if a.Path != "" {
				line += ": " + a.Path
			}
			b.WriteString(line + "\n")
		}
	}

	b.WriteString(text.FgRed.Sprint(ui.BuildBoxFooter(boxWidth)))
	return b.String()
}

func writeIndented(b *strings.Builder, s, indent string) {
	for _, line := range strings.Split(strings.TrimRight(s, "\n"), "\n") {
		b.WriteString(indent)
		b.WriteString(line)
		b.WriteString("\n")
	}
}
