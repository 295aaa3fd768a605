package ingress

import (
	"bufio"
	"bytes"
	"context"
	"io"

	"github.com/ethereum-optimism/infra/op-steplog/metrics"
	"github.com/ethereum/go-ethereum/log"
)

const maxLineSize = 4 * 1024 * 1024

// LineDecoder turns one input line into zero or more events
type LineDecoder interface {
	DecodeLine(line []byte) ([]Event, error)
}

// Finisher is implemented by decoders that hold state and may emit events at EOF
type Finisher interface {
	Finish() []Event
}

// Handler consumes decoded events
type Handler interface {
	Handle(ctx context.Context, ev Event) error
}

// NDJSONDecoder decodes the native event stream, one event per line
type NDJSONDecoder struct{}

func (NDJSONDecoder) DecodeLine(line []byte) ([]Event, error) {
	ev, err := Decode(line)
	if err != nil {
		return nil, err
	}
	return []Event{ev}, nil
}

// ReadEvents reads r line by line until EOF or ctx is cancelled. Lines that cannot be
// decoded, or that exceed maxLineSize, are logged and skipped; the first handler error
// stops the read.
func ReadEvents(ctx context.Context, r io.Reader, dec LineDecoder, h Handler, logger log.Logger) error {
	br := bufio.NewReaderSize(r, 64*1024)

	lineNo := 0
	for {
		raw, oversized, readErr := readLine(br, maxLineSize)
		if readErr != nil && readErr != io.EOF {
			return readErr
		}
		if readErr == io.EOF && len(raw) == 0 && !oversized {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		lineNo++

		if oversized {
			logger.Warn("Skipping oversized event", "line", lineNo, "limit", maxLineSize)
			metrics.RecordAnomaly("oversized_event")
		} else if line := bytes.TrimSpace(raw); len(line) > 0 {
			events, err := dec.DecodeLine(line)
			if err != nil {
				logger.Warn("Skipping undecodable event", "line", lineNo, "err", err)
				metrics.RecordAnomaly("undecodable_event")
			}
			for _, ev := range events {
				if err := h.Handle(ctx, ev); err != nil {
					return err
				}
			}
		}
		if readErr == io.EOF {
			break
		}
	}

	if f, ok := dec.(Finisher); ok {
		for _, ev := range f.Finish() {
			if err := h.Handle(ctx, ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// readLine returns the next line including its newline. A line longer than limit is
// consumed up to its newline but not kept, and oversized is set.
func readLine(br *bufio.Reader, limit int) ([]byte, bool, error) {
	var (
		line      []byte
		oversized bool
	)
	for {
		chunk, err := br.ReadSlice('\n')
		if !oversized {
			if len(line)+len(chunk) > limit {
				oversized = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		return line, oversized, err
	}
}
