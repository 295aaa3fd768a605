package render

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum-optimism/infra/op-steplog/registry"
	"github.com/ethereum-optimism/infra/op-steplog/types"
	"github.com/ethereum-optimism/infra/op-steplog/ui"
	"github.com/jedib0t/go-pretty/v6/text"
)

const progressBarWidth = 24

// Progress returns completed/expected clamped to [0, 1]. When the host did not announce
// a total, the number of started tests is used instead.
func Progress(tally registry.Tally) float64 {
	total := max(tally.Expected, tally.Started)
	if total <= 0 {
		return 0
	}
	return min(float64(tally.Completed)/float64(total), 1)
}

// ComposeFrame builds the live view: a progress line followed by the longest-running
// steps, at most limit of them, and a "+N more" marker for the rest.
func ComposeFrame(tally registry.Tally, running []registry.RunningItem, now time.Time, limit int) []string {
	lines := []string{progressLine(tally)}
	if len(running) == 0 {
		return lines
	}

	shown := running
	if limit >= 0 && len(shown) > limit {
		shown = shown[:limit]
	}
	for _, item := range shown {
		elapsed := types.Since(item.StartTime, now)
		lines = append(lines, fmt.Sprintf("  %s %s %s",
			ui.ColorStatus(types.StatusRunning),
			runningTitle(item),
			text.Faint.Sprintf("(%s)", ui.FormatDuration(elapsed.Truncate(100*time.Millisecond)))))
	}
	if more := len(running) - len(shown); more > 0 {
		lines = append(lines, text.Faint.Sprintf("  +%d more", more))
	}
	return lines
}

func progressLine(tally registry.Tally) string {
	ratio := Progress(tally)
	filled := int(ratio * progressBarWidth)
	bar := strings.Repeat("█", filled) + strings.Repeat("░", progressBarWidth-filled)

	total := max(tally.Expected, tally.Started)
	return fmt.Sprintf("%s %d/%d (%3.0f%%)  %s %d  %s %d  %s %d  %s %d running",
		bar, tally.Completed, total, ratio*100,
		ui.ColorStatus(types.StatusPassed), tally.Passed,
		ui.ColorStatus(types.StatusFailed), tally.Failed,
		ui.ColorStatus(types.StatusSkipped), tally.Skipped,
		ui.ColorStatus(types.StatusRunning), tally.Running)
}

func runningTitle(item registry.RunningItem) string {
	if item.StepID == "" {
		return item.TestTitle
	}
	title := item.Title
	if item.Level == types.LevelMajor {
		title = text.Bold.Sprint(title)
	}
	return item.TestTitle + " › " + title
}

// ComposeTestLine is the append-only line printed when a test ends
func ComposeTestLine(test *types.TestRecord, tally registry.Tally) string {
	total := max(tally.Expected, tally.Started)
	line := fmt.Sprintf("%s %s (%s)", ui.ColorStatus(test.Status), test.Title, ui.FormatDuration(test.Duration))
	if test.Retry > 0 {
		line += fmt.Sprintf(" [retry #%d]", test.Retry)
	}
	return line + text.Faint.Sprintf(" [%d/%d]", tally.Completed, total)
}
