package registry

import (
	"testing"
	"time"

	"github.com/ethereum-optimism/infra/op-steplog/types"
	"github.com/stretchr/testify/assert"
)

func TestParseMarker(t *testing.T) {
	tests := []struct {
		name     string
		title    string
		want     string
		level    types.Level
		explicit bool
	}{
		{"bracket major", "[MAJOR] Open dashboard", "Open dashboard", types.LevelMajor, true},
		{"bracket minor lowercase", "[minor] click button", "click button", types.LevelMinor, true},
		{"tag major", "@major submit order", "submit order", types.LevelMajor, true},
		{"tag minor mixed case", "@Minor wait", "wait", types.LevelMinor, true},
		{"leading whitespace", "  [MAJOR]  spaced", "spaced", types.LevelMajor, true},
		{"marker only keeps title", "[MAJOR]", "[MAJOR]", types.LevelMajor, true},
		{"marker not at start", "open [MAJOR] thing", "open [MAJOR] thing", "", false},
		{"tag needs separator", "@majority vote", "@majority vote", "", false},
		{"plain", "fill form", "fill form", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, level, explicit := ParseMarker(tt.title)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.level, level)
			assert.Equal(t, tt.explicit, explicit)
		})
	}
}

func TestClassify(t *testing.T) {
	c := NewClassifier([]string{"Login", " checkout "}, time.Second, true)

	tests := []struct {
		name      string
		title     string
		hasParent bool
		level     types.Level
		explicit  bool
	}{
		{"marker beats parent", "[MAJOR] nested", true, types.LevelMajor, true},
		{"marker beats keyword", "[MINOR] login page", false, types.LevelMinor, true},
		{"parent beats keyword", "login page", true, types.LevelMinor, false},
		{"keyword case-insensitive", "User LOGIN", false, types.LevelMajor, false},
		{"keyword trimmed", "go to checkout", false, types.LevelMajor, false},
		{"default minor", "click", false, types.LevelMinor, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, level, explicit := c.Classify(tt.title, tt.hasParent)
			assert.Equal(t, tt.level, level)
			assert.Equal(t, tt.explicit, explicit)
		})
	}
}

func TestClassifyAutoDetectDisabled(t *testing.T) {
	c := NewClassifier([]string{"login"}, time.Second, false)

	_, level, _ := c.Classify("login", false)
	assert.Equal(t, types.LevelMinor, level)

	_, level, explicit := c.Classify("[MAJOR] login", false)
	assert.Equal(t, types.LevelMajor, level)
	assert.True(t, explicit)

	assert.False(t, c.ShouldUpgrade(&types.StepRecord{Level: types.LevelMinor, Duration: time.Hour}))
}

func TestShouldUpgrade(t *testing.T) {
	c := NewClassifier(nil, time.Second, true)

	assert.False(t, c.ShouldUpgrade(&types.StepRecord{Level: types.LevelMinor, Duration: time.Second}))
	assert.True(t, c.ShouldUpgrade(&types.StepRecord{Level: types.LevelMinor, Duration: time.Second + time.Millisecond}))
	assert.True(t, c.ShouldUpgrade(&types.StepRecord{Level: types.LevelMinor, ParentID: "step-1", Duration: 2 * time.Second}))
	assert.False(t, c.ShouldUpgrade(&types.StepRecord{Level: types.LevelMinor, Explicit: true, Duration: time.Hour}))
	assert.False(t, c.ShouldUpgrade(&types.StepRecord{Level: types.LevelMajor, Duration: time.Hour}))

	zero := NewClassifier(nil, 0, true)
	assert.False(t, zero.ShouldUpgrade(&types.StepRecord{Level: types.LevelMinor, Duration: time.Hour}))
}
