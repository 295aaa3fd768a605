package steplog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/ethereum-optimism/infra/op-steplog/clock"
	"github.com/ethereum-optimism/infra/op-steplog/flags"
	"github.com/ethereum-optimism/infra/op-steplog/ui"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
	"github.com/ethereum/go-ethereum/log"
)

// Config holds the application configuration
type Config struct {
	RunID             string
	EventsPath        string            // "-" reads stdin
	Format            flags.InputFormat // Decoder used for the event stream
	DurationThreshold time.Duration     // Top-level steps slower than this become MAJOR
	AutoDetectLevel   bool
	MajorKeywords     []string
	BufferCapacity    int           // Per-worker entry limit
	RedrawInterval    time.Duration // Minimum time between live redraws
	RunningStepsLimit int
	Interactive       ui.Mode
	OutputDir         string // Run artifacts are written under <OutputDir>/testrun-<RunID>; empty disables them
	RecordEvents      bool
	ServeAddr         string // healthz listen address; empty disables it
	MetricsConfig     opmetrics.CLIConfig
	Log               log.Logger

	// Overrides used by tests; nil means the process defaults
	In    io.Reader
	Out   io.Writer
	Clock clock.Clock
}

// FileConfig is the YAML config file. Unset fields keep the flag value.
type FileConfig struct {
	Events            *string        `yaml:"events"`
	Format            *string        `yaml:"format"`
	DurationThreshold *time.Duration `yaml:"durationThreshold"`
	AutoDetectLevel   *bool          `yaml:"autoDetectLevel"`
	MajorKeywords     []string       `yaml:"majorKeywords"`
	BufferCapacity    *int           `yaml:"bufferCapacity"`
	RedrawInterval    *time.Duration `yaml:"redrawInterval"`
	RunningStepsLimit *int           `yaml:"runningStepsLimit"`
	Interactive       *string        `yaml:"interactive"`
	OutputDir         *string        `yaml:"outputDir"`
	RecordEvents      *bool          `yaml:"recordEvents"`
	ServeAddr         *string        `yaml:"serveAddr"`
}

// LoadFileConfig reads and parses a YAML config file
func LoadFileConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return &fc, nil
}

// NewConfig creates a new Config from cli context. Values from the --config file apply
// to every flag that was not set explicitly.
func NewConfig(ctx *cli.Context, log log.Logger) (*Config, error) {
	if err := flags.CheckRequired(ctx); err != nil {
		return nil, fmt.Errorf("missing required flags: %w", err)
	}

	fc := &FileConfig{}
	if path := ctx.String(flags.ConfigFile.Name); path != "" {
		var err error
		if fc, err = LoadFileConfig(path); err != nil {
			return nil, err
		}
		log.Info("Loaded config file", "path", path)
	}

	cfg := &Config{
		RunID:             ctx.String(flags.RunID.Name),
		EventsPath:        pick(ctx, flags.Events.Name, ctx.String(flags.Events.Name), fc.Events),
		Format:            flags.InputFormat(pick(ctx, flags.Format.Name, ctx.String(flags.Format.Name), fc.Format)),
		DurationThreshold: pick(ctx, flags.DurationThreshold.Name, ctx.Duration(flags.DurationThreshold.Name), fc.DurationThreshold),
		AutoDetectLevel:   pick(ctx, flags.AutoDetectLevel.Name, ctx.Bool(flags.AutoDetectLevel.Name), fc.AutoDetectLevel),
		MajorKeywords:     ctx.StringSlice(flags.MajorKeywords.Name),
		BufferCapacity:    pick(ctx, flags.BufferCapacity.Name, ctx.Int(flags.BufferCapacity.Name), fc.BufferCapacity),
		RedrawInterval:    pick(ctx, flags.RedrawInterval.Name, ctx.Duration(flags.RedrawInterval.Name), fc.RedrawInterval),
		RunningStepsLimit: pick(ctx, flags.RunningStepsLimit.Name, ctx.Int(flags.RunningStepsLimit.Name), fc.RunningStepsLimit),
		OutputDir:         pick(ctx, flags.OutputDir.Name, ctx.String(flags.OutputDir.Name), fc.OutputDir),
		RecordEvents:      pick(ctx, flags.RecordEvents.Name, ctx.Bool(flags.RecordEvents.Name), fc.RecordEvents),
		ServeAddr:         pick(ctx, flags.ServeAddr.Name, ctx.String(flags.ServeAddr.Name), fc.ServeAddr),
		MetricsConfig:     opmetrics.ReadCLIConfig(ctx),
		Log:               log,
	}
	if !ctx.IsSet(flags.MajorKeywords.Name) && fc.MajorKeywords != nil {
		cfg.MajorKeywords = fc.MajorKeywords
	}
	cfg.MajorKeywords = flags.Keywords(cfg.MajorKeywords)

	mode, err := ui.ParseMode(pick(ctx, flags.Interactive.Name, ctx.String(flags.Interactive.Name), fc.Interactive))
	if err != nil {
		return nil, err
	}
	cfg.Interactive = mode

	if cfg.RunID == "" {
		cfg.RunID = uuid.New().String()
	}
	if cfg.OutputDir != "" {
		if cfg.OutputDir, err = filepath.Abs(cfg.OutputDir); err != nil {
			return nil, fmt.Errorf("failed to resolve absolute path for output directory '%s': %w", cfg.OutputDir, err)
		}
	}

	if err := cfg.Check(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Check validates the configuration
func (c *Config) Check() error {
	if c.EventsPath == "" {
		return errors.New("events path is required")
	}
	if !c.Format.IsValid() {
		return fmt.Errorf("invalid format %q", c.Format)
	}
	if c.DurationThreshold < 0 {
		return fmt.Errorf("duration threshold must not be negative, got %s", c.DurationThreshold)
	}
	if c.BufferCapacity <= 0 {
		return fmt.Errorf("buffer capacity must be positive, got %d", c.BufferCapacity)
	}
	if c.RedrawInterval <= 0 {
		return fmt.Errorf("redraw interval must be positive, got %s", c.RedrawInterval)
	}
	if c.RunningStepsLimit <= 0 {
		return fmt.Errorf("running steps limit must be positive, got %d", c.RunningStepsLimit)
	}
	if c.RecordEvents && c.OutputDir == "" {
		return errors.New("recording events requires an output directory")
	}
	if err := c.MetricsConfig.Check(); err != nil {
		return fmt.Errorf("invalid metrics config: %w", err)
	}
	return nil
}

// pick returns the flag value when the flag was set explicitly or the file leaves the
// field unset, and the file value otherwise
func pick[T any](ctx *cli.Context, name string, flagValue T, fileValue *T) T {
	if ctx.IsSet(name) || fileValue == nil {
		return flagValue
	}
	return *fileValue
}
