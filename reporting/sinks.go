package reporting

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/acarl005/stripansi"
	"github.com/ethereum-optimism/infra/op-steplog/types"
	"github.com/jedib0t/go-pretty/v6/table"
)

const (
	JSONSummaryFilename     = "summary.json"
	MarkdownSummaryFilename = "summary.md"

	maxMarkdownDiagnostics = 20
)

// Sink writes a finished report
type Sink interface {
	Name() string
	Write(report *Report) error
}

// JSONSink writes summary.json into a run directory
type JSONSink struct {
	dir string
}

func NewJSONSink(dir string) *JSONSink {
	return &JSONSink{dir: dir}
}

func (s *JSONSink) Name() string { return "json" }

// Write serialises the report. Terminal escape codes are removed from error text.
func (s *JSONSink) Write(report *Report) error {
	clean := *report
	clean.Tests = sanitize(report.Tests)

	data, err := json.MarshalIndent(&clean, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}
	return writeFile(s.dir, JSONSummaryFilename, data)
}

// MarkdownSink writes summary.md: a stats table, the MAJOR step outline of every test
// and failure details
type MarkdownSink struct {
	dir string
}

func NewMarkdownSink(dir string) *MarkdownSink {
	return &MarkdownSink{dir: dir}
}

func (s *MarkdownSink) Name() string { return "markdown" }

func (s *MarkdownSink) Write(report *Report) error {
	return writeFile(s.dir, MarkdownSummaryFilename, []byte(RenderMarkdown(report)))
}

// RenderMarkdown renders the report as Markdown
func RenderMarkdown(report *Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Test run %s\n\n", report.RunID)
	fmt.Fprintf(&b, "Result: **%s** in %s\n\n", strings.ToUpper(string(report.Status())), formatMillis(report.Duration))

	t := table.NewWriter()
	t.AppendHeader(table.Row{"Tests", "Passed", "Failed", "Skipped", "Interrupted", "Retries", "Steps", "MAJOR", "Escalated", "Pass rate"})
	st := report.Stats
	t.AppendRow(table.Row{st.Total, st.Passed, st.Failed, st.Skipped, st.Interrupted, st.Retries, st.Steps, st.MajorSteps, st.Upgraded, fmt.Sprintf("%.1f%%", st.PassRate)})
	b.WriteString(t.RenderMarkdown())
	b.WriteString("\n\n## Tests\n")

	for _, test := range report.Tests {
		fmt.Fprintf(&b, "\n### %s %s\n\n", statusEmoji(test.Status), escapeMarkdown(test.Title))
		meta := []string{fmt.Sprintf("status: `%s`", test.Status), "duration: " + formatMillis(test.Duration)}
		if test.File != "" {
			meta = append(meta, fmt.Sprintf("file: `%s`", test.File))
		}
		if test.Retry > 0 {
			meta = append(meta, fmt.Sprintf("retry: %d", test.Retry))
		}
		b.WriteString(strings.Join(meta, " · ") + "\n")

		if outline := majorOutline(test.Steps); outline != "" {
			b.WriteString("\n" + outline)
		}
		if test.Status == types.StatusFailed {
			writeFailure(&b, test)
		}
	}
	return b.String()
}

// majorOutline lists MAJOR steps, indented by their nesting depth
func majorOutline(steps []types.StepSnapshot) string {
	depth := make(map[string]int, len(steps))
	var b strings.Builder
	for _, step := range steps {
		d := 0
		if step.ParentID != "" {
			d = depth[step.ParentID] + 1
		}
		depth[step.ID] = d
		if step.Level != types.LevelMajor {
			continue
		}
		suffix := ""
		if step.Upgraded {
			suffix = " _(slow)_"
		}
		fmt.Fprintf(&b, "%s- %s %s (%s)%s\n", strings.Repeat("  ", d), statusEmoji(step.Status), escapeMarkdown(step.Title), formatMillis(step.Duration), suffix)
	}
	return b.String()
}

func writeFailure(b *strings.Builder, test types.TestSnapshot) {
	if test.Error != nil {
		b.WriteString("\n<details open><summary>Error</summary>\n\n```\n")
		b.WriteString(strings.TrimRight(stripansi.Strip(test.Error.Message), "\n"))
		if test.Error.Location != "" {
			b.WriteString("\nat " + test.Error.Location)
		}
		if test.Error.Stack != "" {
			b.WriteString("\n\n" + strings.TrimRight(stripansi.Strip(test.Error.Stack), "\n"))
		}
		b.WriteString("\n```\n\n</details>\n")
	}
	for _, step := range test.Steps {
		if step.Status == types.StatusFailed && step.Error != nil {
			fmt.Fprintf(b, "\n- step **%s** failed: `%s`\n", escapeMarkdown(step.Title), firstLine(stripansi.Strip(step.Error.Message)))
		}
	}
	if len(test.Diagnostics) > 0 {
		diags := test.Diagnostics
		if len(diags) > maxMarkdownDiagnostics {
			diags = diags[len(diags)-maxMarkdownDiagnostics:]
		}
		b.WriteString("\n<details><summary>Diagnostics</summary>\n\n```\n")
		for _, d := range diags {
			fmt.Fprintf(b, "[%s] %s\n", d.Type, strings.TrimRight(stripansi.Strip(d.Text), "\n"))
		}
		b.WriteString("```\n\n</details>\n")
	}
	if len(test.Attachments) > 0 {
		b.WriteString("\nAttachments:\n")
		for _, a := range test.Attachments {
			if a.Path != "" {
				fmt.Fprintf(b, "- [%s](%s) (%s)\n", a.Name, a.Path, a.ContentType)
			} else {
				fmt.Fprintf(b, "- %s (%s)\n", a.Name, a.ContentType)
			}
		}
	}
}

// sanitize copies tests with escape codes removed from error text
func sanitize(tests []types.TestSnapshot) []types.TestSnapshot {
	out := make([]types.TestSnapshot, len(tests))
	for i, t := range tests {
		t.Error = cleanError(t.Error)
		steps := make([]types.StepSnapshot, len(t.Steps))
		for j, s := range t.Steps {
			s.Error = cleanError(s.Error)
			steps[j] = s
		}
		t.Steps = steps
		out[i] = t
	}
	return out
}

func cleanError(e *types.ErrorInfo) *types.ErrorInfo {
	if e == nil {
		return nil
	}
	return &types.ErrorInfo{
		Message:  stripansi.Strip(e.Message),
		Stack:    stripansi.Strip(e.Stack),
		Location: e.Location,
	}
}

func writeFile(dir, name string, data []byte) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func statusEmoji(status types.Status) string {
	switch status {
	case types.StatusPassed:
		return "✅"
	case types.StatusFailed:
		return "❌"
	case types.StatusSkipped:
		return "⏭️"
	default:
		return "⏳"
	}
}

func escapeMarkdown(s string) string {
	r := strings.NewReplacer("*", `\*`, "_", `\_`, "`", "\\`", "#", `\#`)
	return r.Replace(s)
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}

func formatMillis(ms int64) string {
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}
	return fmt.Sprintf("%.1fs", float64(ms)/1000)
}
