package ingress

import (
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/ethereum-optimism/infra/op-steplog/types"
)

// Go test2json action constants
const (
	ActionStart  = "start"
	ActionRun    = "run"
	ActionPause  = "pause"
	ActionCont   = "cont"
	ActionPass   = "pass"
	ActionFail   = "fail"
	ActionSkip   = "skip"
	ActionOutput = "output"
)

const maxCapturedLines = 200

var goLocation = regexp.MustCompile(`([\w./-]+\.go:\d+)`)

// TestEvent is one line of `go test -json` output
type TestEvent struct {
	Time    time.Time // Time when the event occurred
	Action  string    // Action can be "start", "run", "pause", "cont", "pass", "bench", "fail", "output", "skip"
	Package string    // The package being tested
	Test    string    // The test function name (may be empty for package events)
	Output  string    // Output text (may be empty)
	Elapsed float64   // Elapsed time in seconds for the specific action
}

type goPackage struct {
	start  time.Time
	tests  int
	output []string
}

type goTest struct {
	key    string
	output []types.Diagnostic
	errors []string
	steps  map[string][]string // subtest name -> captured lines
}

// GoTestConverter maps test2json output onto ingress events. The package is the worker
// and the file, each top-level test is a test, subtests are steps (nested subtests are
// child steps) and output lines become diagnostics.
type GoTestConverter struct {
	packages map[string]*goPackage
	tests    map[string]*goTest
}

func NewGoTestConverter() *GoTestConverter {
	return &GoTestConverter{
		packages: make(map[string]*goPackage),
		tests:    make(map[string]*goTest),
	}
}

// DecodeLine converts one test2json line
func (c *GoTestConverter) DecodeLine(line []byte) ([]Event, error) {
	var ev TestEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	if ev.Action == "" {
		return nil, fmt.Errorf("%w: missing Action", ErrMalformedEvent)
	}

	pkg := c.pkg(ev.Package, ev.Time)
	if ev.Test == "" {
		return c.packageEvent(ev, pkg), nil
	}

	top, _, isSub := strings.Cut(ev.Test, "/")
	key := testKey(ev.Package, top)

	switch ev.Action {
	case ActionRun:
		if !isSub {
			pkg.tests++
			c.tests[key] = &goTest{key: key, steps: make(map[string][]string)}
			return []Event{TestBegin{
				Key:    key,
				Title:  top,
				File:   ev.Package,
				Worker: ev.Package,
				Time:   ev.Time,
			}}, nil
		}
		parent := ev.Test[:strings.LastIndex(ev.Test, "/")]
		if parent == top {
			parent = ""
		}
		return []Event{StepBegin{
			TestKey:   key,
			StepRef:   ev.Test,
			ParentRef: parent,
			Title:     humanize(ev.Test[strings.LastIndex(ev.Test, "/")+1:]),
			Time:      ev.Time,
		}}, nil

	case ActionOutput:
		c.capture(key, ev, isSub)
		return nil, nil

	case ActionPass, ActionFail, ActionSkip:
		test := c.tests[key]
		if isSub {
			end := StepEnd{TestKey: key, StepRef: ev.Test, Status: ev.Action, Time: ev.Time}
			if ev.Action == ActionFail {
				var lines []string
				if test != nil {
					lines = test.steps[ev.Test]
					test.errors = append(test.errors, lines...)
				}
				end.Error = errorInfo(lines, "subtest failed")
			}
			return []Event{end}, nil
		}

		end := TestEnd{Key: key, Status: ev.Action, Time: ev.Time}
		if test != nil {
			end.Diagnostics = test.output
			if ev.Action == ActionFail {
				end.Error = errorInfo(test.errors, "test failed")
			}
			delete(c.tests, key)
		} else if ev.Action == ActionFail {
			end.Error = errorInfo(nil, "test failed")
		}
		return []Event{end}, nil
	}
	return nil, nil
}

// Finish fails tests that never reported a result, which happens when the test binary
// panics or times out, and then ends the run.
func (c *GoTestConverter) Finish() []Event {
	keys := make([]string, 0, len(c.tests))
	for key := range c.tests {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	events := make([]Event, 0, len(keys)+1)
	for _, key := range keys {
		test := c.tests[key]
		events = append(events, TestEnd{
			Key:         key,
			Status:      ActionFail,
			Error:       errorInfo(test.errors, "test did not report a result (panic or timeout)"),
			Diagnostics: test.output,
		})
		delete(c.tests, key)
	}
	return append(events, RunEnd{})
}

// packageEvent handles events without a test name. A package that fails without
// running any test (build failure, TestMain panic) is reported as a synthetic test.
func (c *GoTestConverter) packageEvent(ev TestEvent, pkg *goPackage) []Event {
	switch ev.Action {
	case ActionOutput:
		if line := strings.TrimRight(ev.Output, "\n"); line != "" && len(pkg.output) < maxCapturedLines {
			pkg.output = append(pkg.output, line)
		}
	case ActionFail:
		if pkg.tests > 0 {
			return nil
		}
		pkg.tests++
		return []Event{
			TestBegin{Key: ev.Package, Title: ev.Package, File: ev.Package, Worker: ev.Package, Time: pkg.start},
			TestEnd{Key: ev.Package, Status: ActionFail, Error: errorInfo(pkg.output, "package failed"), Time: ev.Time},
		}
	}
	return nil
}

func (c *GoTestConverter) capture(key string, ev TestEvent, isSub bool) {
	test := c.tests[key]
	if test == nil {
		return
	}
	line := strings.TrimRight(ev.Output, "\n")
	if line == "" || isFraming(line) {
		return
	}
	if len(test.output) < maxCapturedLines {
		test.output = append(test.output, types.Diagnostic{Type: "stdout", Text: line, Timestamp: ev.Time})
	}
	if isSub {
		if lines := test.steps[ev.Test]; len(lines) < maxCapturedLines {
			test.steps[ev.Test] = append(lines, line)
		}
		return
	}
	if len(test.errors) < maxCapturedLines {
		test.errors = append(test.errors, line)
	}
}

func (c *GoTestConverter) pkg(name string, at time.Time) *goPackage {
	p, ok := c.packages[name]
	if !ok {
		p = &goPackage{start: at}
		c.packages[name] = p
	}
	return p
}

func testKey(pkg, test string) string {
	if pkg == "" {
		return test
	}
	return pkg + "." + test
}

// isFraming reports lines test2json emits around results, which carry no information
// beyond the action itself
func isFraming(line string) bool {
	trimmed := strings.TrimSpace(line)
	for _, prefix := range []string{"=== RUN", "=== PAUSE", "=== CONT", "=== NAME", "--- PASS", "--- FAIL", "--- SKIP"} {
		if strings.HasPrefix(trimmed, prefix) {
			return true
		}
	}
	return trimmed == "PASS" || trimmed == "FAIL"
}

func errorInfo(lines []string, fallback string) *types.ErrorInfo {
	msg := make([]string, 0, len(lines))
	for _, l := range lines {
		if t := strings.TrimSpace(l); t != "" {
			msg = append(msg, t)
		}
	}
	if len(msg) == 0 {
		return &types.ErrorInfo{Message: fallback}
	}
	info := &types.ErrorInfo{Message: strings.Join(msg, "\n")}
	if m := goLocation.FindStringSubmatch(info.Message); m != nil {
		info.Location = m[1]
	}
	return info
}

func humanize(name string) string {
	return strings.ReplaceAll(name, "_", " ")
}
