package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseStatus(t *testing.T) {
	tests := []struct {
		raw  string
		want Status
	}{
		{raw: "passed", want: StatusPassed},
		{raw: "pass", want: StatusPassed},
		{raw: "PASSED", want: StatusPassed},
		{raw: "failed", want: StatusFailed},
		{raw: "fail", want: StatusFailed},
		{raw: "skipped", want: StatusSkipped},
		{raw: " skip ", want: StatusSkipped},
		{raw: "timedOut", want: StatusFailed},
		{raw: "interrupted", want: StatusFailed},
		{raw: "", want: StatusFailed},
		{raw: "¯\\_(ツ)_/¯", want: StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseStatus(tt.raw))
		})
	}
}

func TestStatusIsFinal(t *testing.T) {
	assert.True(t, StatusPassed.IsFinal())
	assert.True(t, StatusFailed.IsFinal())
	assert.True(t, StatusSkipped.IsFinal())
	assert.False(t, StatusRunning.IsFinal())
	assert.False(t, StatusPending.IsFinal())
}
