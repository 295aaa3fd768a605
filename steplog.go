package steplog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum-optimism/infra/op-steplog/buffer"
	"github.com/ethereum-optimism/infra/op-steplog/clock"
	"github.com/ethereum-optimism/infra/op-steplog/exitcodes"
	"github.com/ethereum-optimism/infra/op-steplog/flags"
	"github.com/ethereum-optimism/infra/op-steplog/ingress"
	"github.com/ethereum-optimism/infra/op-steplog/logging"
	"github.com/ethereum-optimism/infra/op-steplog/metrics"
	"github.com/ethereum-optimism/infra/op-steplog/registry"
	"github.com/ethereum-optimism/infra/op-steplog/render"
	"github.com/ethereum-optimism/infra/op-steplog/reporting"
	"github.com/ethereum-optimism/infra/op-steplog/service"
	"github.com/ethereum-optimism/infra/op-steplog/types"
	"github.com/ethereum-optimism/infra/op-steplog/ui"
	"github.com/ethereum-optimism/optimism/op-service/cliapp"
)

// Reporter implements the cliapp.Lifecycle interface.
var _ cliapp.Lifecycle = (*Reporter)(nil)

// Reporter consumes one run's event stream and reports it: live progress while the
// stream is open, then the summary, console table and artifacts once it ends.
type Reporter struct {
	config   *Config
	version  string
	clock    clock.Clock
	registry *registry.Registry
	buffer   *buffer.Buffer
	sched    *render.Scheduler
	adapter  *ingress.Adapter
	decoder  ingress.LineDecoder
	recorder *logging.RawEventSink
	server   *service.Service
	out      io.Writer

	startTime time.Time
	report    *reporting.Report
	finishErr error
	finish    sync.Once

	running atomic.Bool

	shutdownCallback func(error) // Callback to signal application shutdown
}

func New(ctx context.Context, config *Config, version string, shutdownCallback func(error)) (*Reporter, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if err := config.Check(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := config.Log.New("run", config.RunID)
	clk := config.Clock
	if clk == nil {
		clk = clock.SystemClock
	}
	out := config.Out
	if out == nil {
		out = os.Stdout
	}
	if shutdownCallback == nil {
		shutdownCallback = func(error) {}
	}

	logger.Debug("Creating reporter with config",
		"events", config.EventsPath,
		"format", config.Format,
		"durationThreshold", config.DurationThreshold,
		"autoDetectLevel", config.AutoDetectLevel,
		"bufferCapacity", config.BufferCapacity,
		"interactive", config.Interactive,
		"outputDir", config.OutputDir)

	reg := registry.NewRegistry(registry.Config{
		Log:               logger.New("component", "registry"),
		Clock:             clk,
		MajorKeywords:     config.MajorKeywords,
		DurationThreshold: config.DurationThreshold,
		AutoDetectLevel:   config.AutoDetectLevel,
	})

	buf := buffer.New(buffer.Config{
		Capacity: config.BufferCapacity,
		Clock:    clk,
		Log:      logger.New("component", "buffer"),
		OnEvict: func(e buffer.Entry) {
			releaseEvicted(reg, e)
		},
	})

	var terminal *ui.Terminal
	if config.Out == nil {
		terminal = ui.NewStdoutTerminal(config.Interactive)
	} else {
		terminal = ui.NewTerminal(config.Out, config.Interactive == ui.ModeAlways, ui.DefaultWidth)
	}

	sched := render.NewScheduler(render.Config{
		Source:       reg,
		Sink:         terminal,
		Clock:        clk,
		Interval:     config.RedrawInterval,
		RunningLimit: config.RunningStepsLimit,
		Log:          logger.New("component", "render"),
	})

	r := &Reporter{
		config:           config,
		version:          version,
		clock:            clk,
		registry:         reg,
		buffer:           buf,
		sched:            sched,
		decoder:          newDecoder(config.Format),
		out:              out,
		shutdownCallback: shutdownCallback,
	}

	var recorder ingress.Recorder
	if config.RecordEvents {
		sink, err := logging.NewRawEventSink(config.OutputDir, config.RunID, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create event recorder: %w", err)
		}
		r.recorder = sink
		recorder = sink
		logger.Info("Recording events", "path", sink.Path())
	}

	adapter, err := ingress.NewAdapter(ingress.Config{
		Registry: reg,
		Buffer:   buf,
		Notifier: sched,
		Recorder: recorder,
		Log:      logger.New("component", "ingress"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ingress adapter: %w", err)
	}
	r.adapter = adapter

	r.server = service.New(service.Config{
		HealthzAddr: config.ServeAddr,
		MetricsAddr: metricsAddr(config),
		Ready:       func() bool { return r.running.Load() },
		Log:         logger.New("component", "service"),
	})

	return r, nil
}

// Start reads the event stream to the end and reports the run.
// Start implements the cliapp.Lifecycle interface.
func (r *Reporter) Start(ctx context.Context) error {
	// Set up panic recovery to ensure we exit with code 2 for runtime errors
	defer func() {
		if p := recover(); p != nil {
			r.config.Log.Error("Runtime error occurred", "error", p)
			os.Exit(exitcodes.RuntimeErr)
		}
	}()

	r.running.Store(true)
	r.startTime = r.clock.Now()
	r.server.Start()
	r.config.Log.Info("Starting op-steplog", "run", r.config.RunID, "version", r.version, "events", r.config.EventsPath)

	readErr := r.readEvents(ctx)
	report, err := r.Finish()
	if readErr != nil || err != nil || report.Status() == types.StatusFailed {
		// cliapp does not call Stop when Start fails
		r.halt()
	}
	if readErr != nil {
		if errors.Is(readErr, registry.ErrTestAlreadyRunning) {
			return NewRuntimeError("host protocol violation", readErr)
		}
		return NewRuntimeError("reading events", readErr)
	}
	if err != nil {
		return NewRuntimeError("writing reports", err)
	}

	if report.Status() == types.StatusFailed {
		r.config.Log.Warn("Run completed with failures, returning exit code 1", "failed", report.Stats.Failed)
		return NewTestFailureError(report.RunID, report.Stats.Failed+report.Stats.Interrupted, report.Stats.Total)
	}

	r.config.Log.Info("Run completed", "status", report.Status())
	go func() {
		r.shutdownCallback(nil)
	}()
	return nil
}

// Stop flushes the terminal and writes reports if the stream did not end normally.
// Stop implements the cliapp.Lifecycle interface.
func (r *Reporter) Stop(ctx context.Context) error {
	r.config.Log.Info("Stopping op-steplog")
	if !r.running.Load() {
		r.config.Log.Debug("Reporter already stopped, nothing to do")
		return nil
	}
	_, err := r.Finish()
	r.halt()
	return err
}

func (r *Reporter) halt() {
	if r.running.CompareAndSwap(true, false) {
		r.server.Shutdown()
	}
}

// Stopped implements the cliapp.Lifecycle interface.
func (r *Reporter) Stopped() bool {
	return !r.running.Load()
}

// Finish ends the run exactly once: spans are closed, the scheduler flushes its final
// summary, the recorder is drained and the report is written. Later calls return the
// first result.
func (r *Reporter) Finish() (*reporting.Report, error) {
	r.finish.Do(func() {
		r.adapter.Close()
		r.sched.Flush()

		var errs []error
		if r.recorder != nil {
			if err := r.recorder.Close(); err != nil {
				errs = append(errs, err)
			}
		}

		end := r.clock.Now()
		tests := reporting.Snapshot(r.buffer, r.registry)
		r.report = reporting.NewReport(r.config.RunID, r.startTime, end, tests, r.buffer.Stats(), r.buffer.MemoryEstimate()).
			WithTally(r.registry.Tally())
		reporting.PrintTable(r.out, r.report)

		if err := r.writeArtifacts(r.report); err != nil {
			errs = append(errs, err)
		}
		metrics.RecordRun(r.config.RunID, r.report.Status(), types.Since(r.startTime, end))
		r.finishErr = errors.Join(errs...)
	})
	return r.report, r.finishErr
}

func (r *Reporter) readEvents(ctx context.Context) error {
	in, closeIn, err := r.openInput()
	if err != nil {
		return err
	}
	defer closeIn()
	return ingress.ReadEvents(ctx, in, r.decoder, r.adapter, r.config.Log)
}

func (r *Reporter) openInput() (io.Reader, func(), error) {
	if r.config.In != nil {
		return r.config.In, func() {}, nil
	}
	if r.config.EventsPath == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(r.config.EventsPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open event stream: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

func (r *Reporter) writeArtifacts(report *reporting.Report) error {
	if r.config.OutputDir == "" {
		return nil
	}
	dir, err := logging.EnsureRunDir(r.config.OutputDir, r.config.RunID)
	if err != nil {
		return err
	}

	var errs []error
	for _, sink := range []reporting.Sink{reporting.NewJSONSink(dir), reporting.NewMarkdownSink(dir)} {
		if err := sink.Write(report); err != nil {
			r.config.Log.Error("Failed to write report", "sink", sink.Name(), "err", err)
			metrics.RecordErrorDetails("report_"+sink.Name(), err)
			errs = append(errs, err)
		}
	}
	r.config.Log.Info("Wrote run artifacts", "dir", dir)
	return errors.Join(errs...)
}

// Report returns the final report, or nil before the run has finished
func (r *Reporter) Report() *reporting.Report {
	return r.report
}

// releaseEvicted frees an evicted test from the registry. Failed tests are kept so the
// final summary and report still list them.
func releaseEvicted(reg *registry.Registry, e buffer.Entry) {
	if e.Kind != buffer.KindTest || e.Test == nil || e.Test.Status == types.StatusFailed {
		return
	}
	reg.Release(e.Test.ID)
}

func newDecoder(format flags.InputFormat) ingress.LineDecoder {
	if format == flags.FormatGoTest {
		return ingress.NewGoTestConverter()
	}
	return ingress.NDJSONDecoder{}
}

func metricsAddr(cfg *Config) string {
	if !cfg.MetricsConfig.Enabled {
		return ""
	}
	return net.JoinHostPort(cfg.MetricsConfig.ListenAddr, strconv.Itoa(cfg.MetricsConfig.ListenPort))
}
