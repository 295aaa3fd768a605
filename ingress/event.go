// Package ingress turns the host framework's event stream into registry, buffer and
// render calls.
package ingress

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum-optimism/infra/op-steplog/types"
	"github.com/tidwall/gjson"
)

type EventType string

const (
	TypeRunBegin  EventType = "runBegin"
	TypeTestBegin EventType = "testBegin"
	TypeStepBegin EventType = "stepBegin"
	TypeStepEnd   EventType = "stepEnd"
	TypeTestEnd   EventType = "testEnd"
	TypeRunEnd    EventType = "runEnd"
)

var (
	ErrUnknownEvent   = errors.New("unknown event type")
	ErrMalformedEvent = errors.New("malformed event")
)

// Event is one of RunBegin, TestBegin, StepBegin, StepEnd, TestEnd or RunEnd
type Event interface {
	Type() EventType
	isEvent()
}

// RunBegin announces the number of tests the host plans to run
type RunBegin struct {
	Total int `json:"total"`
}

// TestBegin starts a test attempt. Key is stable across retries.
type TestBegin struct {
	Key    string    `json:"key"`
	Title  string    `json:"title"`
	File   string    `json:"file,omitempty"`
	Worker string    `json:"worker,omitempty"`
	Retry  int       `json:"retry,omitempty"`
	Time   time.Time `json:"time,omitzero"`
}

// StepBegin starts a step. StepRef and ParentRef are host-side identifiers, scoped to
// the test.
type StepBegin struct {
	TestKey   string    `json:"testKey"`
	StepRef   string    `json:"stepRef"`
	ParentRef string    `json:"parentRef,omitempty"`
	Title     string    `json:"title"`
	Time      time.Time `json:"time,omitzero"`
}

// StepEnd finishes a step. Status is the raw host status string.
type StepEnd struct {
	TestKey string           `json:"testKey"`
	StepRef string           `json:"stepRef"`
	Status  string           `json:"status"`
	Error   *types.ErrorInfo `json:"error,omitempty"`
	Time    time.Time        `json:"time,omitzero"`
}

// TestEnd finishes the running attempt of a test
type TestEnd struct {
	Key         string             `json:"key"`
	Status      string             `json:"status"`
	Error       *types.ErrorInfo   `json:"error,omitempty"`
	Attachments []types.Attachment `json:"attachments,omitempty"`
	Diagnostics []types.Diagnostic `json:"diagnostics,omitempty"`
	Time        time.Time          `json:"time,omitzero"`
}

// RunEnd marks the end of the stream
type RunEnd struct{}

func (RunBegin) Type() EventType  { return TypeRunBegin }
func (TestBegin) Type() EventType { return TypeTestBegin }
func (StepBegin) Type() EventType { return TypeStepBegin }
func (StepEnd) Type() EventType   { return TypeStepEnd }
func (TestEnd) Type() EventType   { return TypeTestEnd }
func (RunEnd) Type() EventType    { return TypeRunEnd }

func (RunBegin) isEvent()  {}
func (TestBegin) isEvent() {}
func (StepBegin) isEvent() {}
func (StepEnd) isEvent()   {}
func (TestEnd) isEvent()   {}
func (RunEnd) isEvent()    {}

// Decode parses one NDJSON line. The "type" field selects the variant.
func Decode(line []byte) (Event, error) {
	if !gjson.ValidBytes(line) {
		return nil, fmt.Errorf("%w: invalid json", ErrMalformedEvent)
	}
	typ := gjson.GetBytes(line, "type")
	if !typ.Exists() {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}

	var (
		ev  Event
		err error
	)
	switch EventType(typ.String()) {
	case TypeRunBegin:
		ev, err = decodeAs[RunBegin](line)
	case TypeTestBegin:
		var e TestBegin
		if e, err = decodeAs[TestBegin](line); err == nil && e.Key == "" {
			err = fmt.Errorf("%w: testBegin without key", ErrMalformedEvent)
		}
		ev = e
	case TypeStepBegin:
		var e StepBegin
		if e, err = decodeAs[StepBegin](line); err == nil && (e.TestKey == "" || e.StepRef == "") {
			err = fmt.Errorf("%w: stepBegin without testKey or stepRef", ErrMalformedEvent)
		}
		ev = e
	case TypeStepEnd:
		var e StepEnd
		if e, err = decodeAs[StepEnd](line); err == nil && (e.TestKey == "" || e.StepRef == "") {
			err = fmt.Errorf("%w: stepEnd without testKey or stepRef", ErrMalformedEvent)
		}
		ev = e
	case TypeTestEnd:
		var e TestEnd
		if e, err = decodeAs[TestEnd](line); err == nil && e.Key == "" {
			err = fmt.Errorf("%w: testEnd without key", ErrMalformedEvent)
		}
		ev = e
	case TypeRunEnd:
		ev = RunEnd{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, typ.String())
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// Encode renders an event as one NDJSON line (without the trailing newline)
func Encode(ev Event) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	head := fmt.Sprintf(`{"type":%q`, ev.Type())
	if len(body) <= 2 {
		return []byte(head + "}"), nil
	}
	return append([]byte(head+","), body[1:]...), nil
}

func decodeAs[T Event](line []byte) (T, error) {
	var e T
	if err := json.Unmarshal(line, &e); err != nil {
		return e, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	return e, nil
}
