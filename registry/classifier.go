package registry

import (
	"regexp"
	"strings"
	"time"

	"github.com/ethereum-optimism/infra/op-steplog/types"
)

var (
	bracketMarker = regexp.MustCompile(`(?i)^\s*\[(major|minor)\]\s*`)
	tagMarker     = regexp.MustCompile(`(?i)^\s*@(major|minor)(?:\s+|$)`)
)

// ParseMarker extracts an explicit level marker ("[MAJOR] ...", "@minor ...") from the
// start of a step title. It returns the title with the marker removed.
func ParseMarker(title string) (string, types.Level, bool) {
	for _, re := range []*regexp.Regexp{bracketMarker, tagMarker} {
		loc := re.FindStringSubmatchIndex(title)
		if loc == nil {
			continue
		}
		level := types.LevelMinor
		if strings.EqualFold(title[loc[2]:loc[3]], "major") {
			level = types.LevelMajor
		}
		stripped := strings.TrimSpace(title[loc[1]:])
		if stripped == "" {
			stripped = strings.TrimSpace(title)
		}
		return stripped, level, true
	}
	return title, "", false
}

// Classifier applies the step level rules
type Classifier struct {
	keywords   []string
	threshold  time.Duration
	autoDetect bool
}

// NewClassifier creates a classifier. Keywords are matched case-insensitively as
// substrings of the step title.
func NewClassifier(keywords []string, threshold time.Duration, autoDetect bool) *Classifier {
	lowered := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			lowered = append(lowered, kw)
		}
	}
	return &Classifier{
		keywords:   lowered,
		threshold:  threshold,
		autoDetect: autoDetect,
	}
}

// Classify decides the provisional level of a new step. Rules are evaluated in order:
// explicit marker, presence of a parent, keyword match, default MINOR.
func (c *Classifier) Classify(title string, hasParent bool) (display string, level types.Level, explicit bool) {
	if stripped, lvl, ok := ParseMarker(title); ok {
		return stripped, lvl, true
	}
	if hasParent {
		return title, types.LevelMinor, false
	}
	if c.autoDetect && c.matchesKeyword(title) {
		return title, types.LevelMajor, false
	}
	return title, types.LevelMinor, false
}

// ShouldUpgrade reports whether a finished step escalates to MAJOR because it ran
// longer than the threshold. Nested steps escalate too.
func (c *Classifier) ShouldUpgrade(step *types.StepRecord) bool {
	if !c.autoDetect || c.threshold <= 0 {
		return false
	}
	if step.Explicit || step.Level == types.LevelMajor {
		return false
	}
	return step.Duration > c.threshold
}

func (c *Classifier) matchesKeyword(title string) bool {
	lower := strings.ToLower(title)
	for _, kw := range c.keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
