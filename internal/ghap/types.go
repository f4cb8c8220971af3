// Package ghap implements the Goal/Hypothesis/Action/Prediction
// reflection lifecycle: a single-active journaled state machine and a
// persister that projects resolved entries into four vector axes.
package ghap

import (
	"sort"
	"strings"
	"time"

	"github.com/emmilco/mnemo/internal/faults"
)

// OutcomeStatus is the terminal state of a resolved entry.
type OutcomeStatus string

const (
	OutcomeConfirmed OutcomeStatus = "confirmed"
	OutcomeFalsified OutcomeStatus = "falsified"
	OutcomeAbandoned OutcomeStatus = "abandoned"
)

// ConfidenceTier grades a resolution by how it was reached.
type ConfidenceTier string

const (
	TierGold      ConfidenceTier = "gold"
	TierSilver    ConfidenceTier = "silver"
	TierBronze    ConfidenceTier = "bronze"
	TierAbandoned ConfidenceTier = "abandoned"
)

// The canonical enumerations. RPC schemas derive their enum lists from
// these slices; validation checks against the same values.
var (
	Domains = []string{
		"debugging", "refactoring", "feature", "testing", "configuration",
		"documentation", "performance", "security", "integration",
	}
	Strategies = []string{
		"systematic-elimination", "trial-and-error", "research-first",
		"divide-and-conquer", "root-cause-analysis", "copy-from-similar",
		"check-assumptions", "read-the-error", "ask-user",
	}
	RootCauseCategories = []string{
		"wrong-assumption", "missing-knowledge", "oversight",
		"environment-issue", "misleading-symptom", "incomplete-fix",
		"wrong-scope", "test-isolation", "timing-issue",
	}
	OutcomeStatuses = []string{
		string(OutcomeConfirmed), string(OutcomeFalsified), string(OutcomeAbandoned),
	}
	Axes = []string{"full", "strategy", "surprise", "root_cause"}
)

const (
	maxBodyLen       = 1000
	maxResolutionLen = 2000
)

// RootCause explains why a falsified prediction failed.
type RootCause struct {
	Category    string `json:"category"`
	Description string `json:"description"`
}

// Lesson captures what to carry forward from a resolution.
type Lesson struct {
	WhatWorked string `json:"what_worked,omitempty"`
	Takeaway   string `json:"takeaway,omitempty"`
}

// UpdateRecord is one history item of an active entry.
type UpdateRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Fields    []string  `json:"fields"`
	Note      string    `json:"note,omitempty"`
}

// Entry is one reflection record. Resolution fields are zero until
// Resolve.
type Entry struct {
	ID             string         `json:"id"`
	Domain         string         `json:"domain"`
	Strategy       string         `json:"strategy"`
	Goal           string         `json:"goal"`
	Hypothesis     string         `json:"hypothesis"`
	Action         string         `json:"action"`
	Prediction     string         `json:"prediction"`
	IterationCount int            `json:"iteration_count"`
	CreatedAt      time.Time      `json:"created_at"`
	History        []UpdateRecord `json:"history,omitempty"`

	Status         OutcomeStatus  `json:"status,omitempty"`
	Result         string         `json:"result,omitempty"`
	Surprise       string         `json:"surprise,omitempty"`
	RootCause      *RootCause     `json:"root_cause,omitempty"`
	Lesson         *Lesson        `json:"lesson,omitempty"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
	ConfidenceTier ConfidenceTier `json:"confidence_tier,omitempty"`
}

// Resolved reports whether the entry carries a resolution.
func (e *Entry) Resolved() bool {
	return e.Status != ""
}

// confidenceTier grades a resolution. First-try confirmations rank
// highest; falsifications that still produced a working approach rank
// above those that did not.
func confidenceTier(status OutcomeStatus, iterations int, lesson *Lesson) ConfidenceTier {
	switch status {
	case OutcomeAbandoned:
		return TierAbandoned
	case OutcomeConfirmed:
		switch {
		case iterations <= 1:
			return TierGold
		case iterations <= 3:
			return TierSilver
		default:
			return TierBronze
		}
	case OutcomeFalsified:
		if lesson != nil && lesson.WhatWorked != "" {
			return TierSilver
		}
		return TierBronze
	}
	return TierBronze
}

func inSet(value string, set []string) bool {
	for _, s := range set {
		if s == value {
			return true
		}
	}
	return false
}

// requireEnum validates a field against its canonical set, naming the
// valid options in the error.
func requireEnum(field, value string, set []string) error {
	if inSet(value, set) {
		return nil
	}
	sorted := append([]string(nil), set...)
	sort.Strings(sorted)
	return faults.Validation("invalid %s %q; valid options: %s",
		field, value, strings.Join(sorted, ", "))
}

// requireBody validates a required GHAP body field.
func requireBody(field, value string, max int) error {
	if strings.TrimSpace(value) == "" {
		return faults.Validation("%s is required", field)
	}
	if len(value) > max {
		return faults.Validation("%s exceeds %d characters", field, max)
	}
	return nil
}
