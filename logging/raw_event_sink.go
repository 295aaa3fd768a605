package logging

import (
	"path/filepath"
	"sync"

	"github.com/ethereum-optimism/infra/op-steplog/ingress"
	"github.com/ethereum-optimism/infra/op-steplog/metrics"
	"github.com/ethereum/go-ethereum/log"
)

const RawEventsFilename = "events.ndjson"

// RawEventSink records every accepted ingress event as NDJSON. The file can be fed back
// with --events to replay a run.
type RawEventSink struct {
	log    log.Logger
	path   string
	writer *AsyncFile

	once sync.Once
}

var _ ingress.Recorder = (*RawEventSink)(nil)

// NewRawEventSink creates <baseDir>/testrun-<runID>/events.ndjson
func NewRawEventSink(baseDir, runID string, logger log.Logger) (*RawEventSink, error) {
	dir, err := EnsureRunDir(baseDir, runID)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, RawEventsFilename)
	writer, err := NewAsyncFile(path)
	if err != nil {
		return nil, err
	}
	return &RawEventSink{log: logger, path: path, writer: writer}, nil
}

// Path returns the file the sink writes to
func (s *RawEventSink) Path() string {
	return s.path
}

// Record queues an event for writing. Failures are logged once; recording never
// interferes with the run.
func (s *RawEventSink) Record(ev ingress.Event) {
	line, err := ingress.Encode(ev)
	if err == nil {
		err = s.writer.Write(append(line, '\n'))
	}
	if err != nil {
		s.once.Do(func() {
			s.log.Warn("Failed to record raw event", "path", s.path, "err", err)
		})
		metrics.RecordErrorDetails("raw_event_sink", err)
	}
}

// Close flushes pending events
func (s *RawEventSink) Close() error {
	return s.writer.Close()
}
