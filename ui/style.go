package ui

import (
	"fmt"
	"time"

	"github.com/ethereum-optimism/infra/op-steplog/types"
	"github.com/jedib0t/go-pretty/v6/text"
)

// StatusIcon returns a one-character marker for a status
func StatusIcon(status types.Status) string {
	switch status {
	case types.StatusPassed:
		return "✓"
	case types.StatusFailed:
		return "✗"
	case types.StatusSkipped:
		return "-"
	case types.StatusRunning:
		return "●"
	default:
		return "?"
	}
}

// StatusColors returns the colours used for a status
func StatusColors(status types.Status) text.Colors {
	switch status {
	case types.StatusPassed:
		return text.Colors{text.FgGreen}
	case types.StatusFailed:
		return text.Colors{text.FgRed, text.Bold}
	case types.StatusSkipped:
		return text.Colors{text.FgYellow}
	case types.StatusRunning:
		return text.Colors{text.FgCyan}
	default:
		return text.Colors{text.Faint}
	}
}

// ColorStatus renders an icon coloured by status
func ColorStatus(status types.Status) string {
	return StatusColors(status).Sprint(StatusIcon(status))
}

// LevelTag renders a step level. MAJOR steps are emphasised.
func LevelTag(level types.Level) string {
	if level == types.LevelMajor {
		return text.Colors{text.Bold}.Sprint("[MAJOR]")
	}
	return text.Faint.Sprint("[minor]")
}

// FormatDuration formats a duration for display
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return d.Truncate(time.Second).String()
}
