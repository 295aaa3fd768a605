package flags

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/infra/op-steplog/registry"
	"github.com/ethereum-optimism/infra/op-steplog/ui"
	opservice "github.com/ethereum-optimism/optimism/op-service"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
)

const EnvVarPrefix = "OP_STEPLOG"

// InputFormat selects how the event stream is decoded
type InputFormat string

const (
	FormatEvents InputFormat = "events" // Native NDJSON events
	FormatGoTest InputFormat = "gotest" // go test -json output
)

func (f InputFormat) IsValid() bool {
	return f == FormatEvents || f == FormatGoTest
}

var (
	Events = &cli.StringFlag{
		Name:    "events",
		Value:   "-",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "EVENTS"),
		Usage:   "Path to the event stream to read, or '-' for stdin",
	}
	Format = &cli.StringFlag{
		Name:    "format",
		Value:   string(FormatEvents),
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "FORMAT"),
		Usage:   fmt.Sprintf("Event stream format (%s or %s)", FormatEvents, FormatGoTest),
		Action: func(_ *cli.Context, v string) error {
			if !InputFormat(v).IsValid() {
				return fmt.Errorf("invalid format %q, must be one of: %s, %s", v, FormatEvents, FormatGoTest)
			}
			return nil
		},
	}
	ConfigFile = &cli.StringFlag{
		Name:    "config",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "CONFIG"),
		Usage:   "Path to a YAML config file. Flags that are set explicitly take precedence.",
	}
	DurationThreshold = &cli.DurationFlag{
		Name:    "duration-threshold",
		Value:   registry.DefaultDurationThreshold,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "DURATION_THRESHOLD"),
		Usage:   "Top-level steps running longer than this are escalated to MAJOR",
	}
	AutoDetectLevel = &cli.BoolFlag{
		Name:    "auto-detect-level",
		Value:   true,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "AUTO_DETECT_LEVEL"),
		Usage:   "Classify unmarked steps by keyword and duration. When disabled only markers produce MAJOR steps.",
	}
	MajorKeywords = &cli.StringSliceFlag{
		Name:    "major-keywords",
		Value:   cli.NewStringSlice(registry.DefaultMajorKeywords...),
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "MAJOR_KEYWORDS"),
		Usage:   "Case-insensitive substrings that make a top-level step MAJOR",
	}
	BufferCapacity = &cli.IntFlag{
		Name:    "buffer-capacity",
		Value:   1000,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "BUFFER_CAPACITY"),
		Usage:   "Maximum number of buffered entries per worker",
	}
	RedrawInterval = &cli.DurationFlag{
		Name:    "redraw-interval",
		Value:   100 * time.Millisecond,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "REDRAW_INTERVAL"),
		Usage:   "Minimum interval between live progress redraws",
	}
	RunningStepsLimit = &cli.IntFlag{
		Name:    "running-steps-limit",
		Value:   5,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "RUNNING_STEPS_LIMIT"),
		Usage:   "Number of running steps shown in the live progress view",
	}
	Interactive = &cli.StringFlag{
		Name:    "interactive",
		Value:   string(ui.ModeAuto),
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "INTERACTIVE"),
		Usage:   "Live redraw mode (auto, always or never)",
		Action: func(_ *cli.Context, v string) error {
			_, err := ui.ParseMode(v)
			return err
		},
	}
	OutputDir = &cli.StringFlag{
		Name:    "output-dir",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "OUTPUT_DIR"),
		Usage:   "Directory for run artifacts (summary.json, summary.md, events.ndjson). Nothing is written when empty.",
	}
	RecordEvents = &cli.BoolFlag{
		Name:    "record-events",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "RECORD_EVENTS"),
		Usage:   "Record accepted events to events.ndjson in the run directory for replay. Requires --output-dir.",
	}
	RunID = &cli.StringFlag{
		Name:    "run-id",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "RUN_ID"),
		Usage:   "Identifier of the run. A random UUID is used when empty.",
	}
	ServeAddr = &cli.StringFlag{
		Name:    "serve-addr",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "SERVE_ADDR"),
		Usage:   "Address for the healthz endpoint (eg. '0.0.0.0:8080'). Disabled when empty.",
	}
)

var requiredFlags = []cli.Flag{}

var optionalFlags = []cli.Flag{
	Events,
	Format,
	ConfigFile,
	DurationThreshold,
	AutoDetectLevel,
	MajorKeywords,
	BufferCapacity,
	RedrawInterval,
	RunningStepsLimit,
	Interactive,
	OutputDir,
	RecordEvents,
	RunID,
	ServeAddr,
}
var Flags []cli.Flag

func init() {
	optionalFlags = append(optionalFlags, oplog.CLIFlags(EnvVarPrefix)...)
	optionalFlags = append(optionalFlags, opmetrics.CLIFlags(EnvVarPrefix)...)

	Flags = append(requiredFlags, optionalFlags...)
}

func CheckRequired(ctx *cli.Context) error {
	for _, f := range requiredFlags {
		if !ctx.IsSet(f.Names()[0]) {
			return fmt.Errorf("flag %s is required", f.Names()[0])
		}
	}
	if ctx.Bool(RecordEvents.Name) && ctx.String(OutputDir.Name) == "" {
		return fmt.Errorf("flag %s requires %s", RecordEvents.Name, OutputDir.Name)
	}
	return nil
}

// Keywords normalises the keyword list: trimmed, lower-cased, de-duplicated, in order
func Keywords(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		for _, k := range strings.Split(r, ",") {
			k = strings.ToLower(strings.TrimSpace(k))
			if k != "" && !slices.Contains(out, k) {
				out = append(out, k)
			}
		}
	}
	return out
}
