// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package risk scores proposed changes before they may touch disk.
//
// # Description
//
// Assess is a pure function: no I/O, no clock, no hidden state. The
// same input always yields the same Assessment, so the gate can be
// re-run at any point in a change's lifecycle.
//
// # Scoring convention
//
// HIGHER MEANS MORE DANGEROUS. A score of 0 is inert, 10 is critical.
// Categories ascend with the score (safe → low → medium → high →
// critical) and the recommendation hardens with the category:
// safe/low changes may auto-apply, medium changes are packaged into a
// review branch, high/critical changes require manual approval and
// are never written by the pipeline.
package risk

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

// ErrAssessment reports malformed change input.
var ErrAssessment = errors.New("risk: malformed change input")

// Kind classifies what a change does to its target file.
type Kind string

const (
	KindCreate   Kind = "create"
	KindUpdate   Kind = "update"
	KindDelete   Kind = "delete"
	KindRefactor Kind = "refactor"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindCreate, KindUpdate, KindDelete, KindRefactor:
		return true
	}
	return false
}

// Category is the coarse danger class derived from the score.
type Category string

const (
	CategorySafe     Category = "safe"
	CategoryLow      Category = "low"
	CategoryMedium   Category = "medium"
	CategoryHigh     Category = "high"
	CategoryCritical Category = "critical"
)

// Recommendation tells the change manager which path a change takes.
type Recommendation string

const (
	// RecommendAutoApply permits writing without human confirmation.
	RecommendAutoApply Recommendation = "auto-apply"

	// RecommendCreateReview packages the change into a remote review
	// branch for human sign-off.
	RecommendCreateReview Recommendation = "create-review"

	// RecommendManualApproval keeps the change pending; the pipeline
	// never writes it on its own.
	RecommendManualApproval Recommendation = "manual-approval-required"
)

// Factor is one scored contribution to an assessment.
type Factor struct {
	// Name identifies the factor ("file_sensitivity", "magnitude", ...).
	Name string `json:"name"`

	// Impact is this factor's danger contribution in [0,10].
	Impact float64 `json:"impact"`

	// Description explains the contribution in human terms.
	Description string `json:"description"`
}

// Assessment is the scored safety evaluation of one change.
type Assessment struct {
	// Score is the clamped danger score in [0,10]. Higher is more
	// dangerous.
	Score int `json:"score"`

	// Category is derived from Score via Thresholds.
	Category Category `json:"category"`

	// Recommendation maps the category to an execution path.
	Recommendation Recommendation `json:"recommendation"`

	// Factors lists each contribution in evaluation order.
	Factors []Factor `json:"factors"`
}

// History carries the prior outcome rate for changes of the same kind,
// computed by the caller from its own registry. Keeping it an input
// preserves the assessor's purity.
type History struct {
	// Attempts counts prior executed changes of this kind.
	Attempts int `json:"attempts"`

	// Successes counts how many of those ended applied (and stayed
	// applied).
	Successes int `json:"successes"`
}

// Input is the change material the assessor scores.
type Input struct {
	// Path is the target file path. Required.
	Path string

	// Kind is the change kind. Required.
	Kind Kind

	// Diff is optional unified-diff text. When present, magnitude is
	// the exact changed-line count parsed from it.
	Diff string

	// NewContent is the full proposed content. Used for magnitude
	// when Diff is empty.
	NewContent string

	// History optionally adjusts confidence from prior outcomes.
	History *History
}

// Thresholds partitions the integer score range [0,10] into
// categories. Each field is the INCLUSIVE upper bound of its
// category; critical covers everything above HighMax.
type Thresholds struct {
	SafeMax   int `yaml:"safe_max" validate:"gte=0,lte=10"`
	LowMax    int `yaml:"low_max" validate:"gte=0,lte=10"`
	MediumMax int `yaml:"medium_max" validate:"gte=0,lte=10"`
	HighMax   int `yaml:"high_max" validate:"gte=0,lte=10"`
}

// DefaultThresholds returns the standard partition:
// safe [0,1], low [2,3], medium [4,6], high [7,8], critical [9,10].
func DefaultThresholds() Thresholds {
	return Thresholds{SafeMax: 1, LowMax: 3, MediumMax: 6, HighMax: 8}
}

// Validate rejects partitions with gaps or overlaps. Bounds must be
// strictly ascending and leave room for critical at the top.
func (t Thresholds) Validate() error {
	if t.SafeMax < 0 {
		return fmt.Errorf("risk: safe_max %d below 0", t.SafeMax)
	}
	if !(t.SafeMax < t.LowMax && t.LowMax < t.MediumMax && t.MediumMax < t.HighMax) {
		return fmt.Errorf("risk: thresholds must ascend strictly: %+v", t)
	}
	if t.HighMax >= 10 {
		return fmt.Errorf("risk: high_max %d leaves no critical range", t.HighMax)
	}
	return nil
}

// Category maps an integer score to its category. Scores are clamped
// into [0,10] first, so the partition has no gaps by construction.
func (t Thresholds) Category(score int) Category {
	switch {
	case score <= t.SafeMax:
		return CategorySafe
	case score <= t.LowMax:
		return CategoryLow
	case score <= t.MediumMax:
		return CategoryMedium
	case score <= t.HighMax:
		return CategoryHigh
	default:
		return CategoryCritical
	}
}

// sensitivePattern pairs a path regexp with its danger contribution.
type sensitivePattern struct {
	re     *regexp.Regexp
	impact float64
	label  string
}

var defaultSensitivePatterns = []sensitivePattern{
	{
		re:     regexp.MustCompile(`(?i)(auth|security|secret|token|password|credential|payment)`),
		impact: 4,
		label:  "security-sensitive path",
	},
	{
		re:     regexp.MustCompile(`(?i)(config|migration|schema)`),
		impact: 2,
		label:  "configuration or schema path",
	},
}

// Assessor computes assessments under a fixed threshold partition.
//
// # Thread Safety
//
// Assessor is immutable after construction and safe for concurrent use.
type Assessor struct {
	thresholds Thresholds
	sensitive  []sensitivePattern
}

// NewAssessor creates an assessor. Invalid thresholds are rejected so
// a misconfigured partition can never gate changes.
func NewAssessor(t Thresholds) (*Assessor, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &Assessor{
		thresholds: t,
		sensitive:  defaultSensitivePatterns,
	}, nil
}

// Assess scores one change.
//
// # Description
//
// Computes a weighted sum of factor contributions, clamps to [0,10]
// and rounds to an integer score, then derives category and
// recommendation from the threshold partition. Idempotent: identical
// input yields an identical Assessment.
//
// # Outputs
//
//   - Assessment: Score, category, recommendation and per-factor detail.
//   - error: ErrAssessment when Path is empty or Kind is unknown.
func (a *Assessor) Assess(in Input) (Assessment, error) {
	if in.Path == "" {
		return Assessment{}, fmt.Errorf("%w: empty target path", ErrAssessment)
	}
	if !in.Kind.Valid() {
		return Assessment{}, fmt.Errorf("%w: unknown kind %q", ErrAssessment, in.Kind)
	}

	var factors []Factor

	// File sensitivity: only the strongest matching pattern counts.
	sensitivity := Factor{Name: "file_sensitivity", Impact: 0, Description: "no sensitive path patterns matched"}
	for _, p := range a.sensitive {
		if p.re.MatchString(in.Path) && p.impact > sensitivity.Impact {
			sensitivity.Impact = p.impact
			sensitivity.Description = p.label
		}
	}
	factors = append(factors, sensitivity)

	// Change magnitude: bucketed changed-line count.
	lines := changedLines(in)
	magnitude := Factor{Name: "magnitude"}
	switch {
	case lines < 10:
		magnitude.Impact = 0.5
		magnitude.Description = fmt.Sprintf("small change (%d lines)", lines)
	case lines <= 100:
		magnitude.Impact = 1.5
		magnitude.Description = fmt.Sprintf("medium change (%d lines)", lines)
	default:
		magnitude.Impact = 3
		magnitude.Description = fmt.Sprintf("large change (%d lines)", lines)
	}
	factors = append(factors, magnitude)

	// Change kind: destructive kinds score higher.
	kind := Factor{Name: "change_kind", Description: string(in.Kind)}
	switch in.Kind {
	case KindDelete:
		kind.Impact = 3
	case KindRefactor:
		kind.Impact = 2
	case KindUpdate:
		kind.Impact = 1
	case KindCreate:
		kind.Impact = 0.5
	}
	factors = append(factors, kind)

	// Historical outcome: a strong track record buys back up to one
	// point; a poor one adds up to one.
	if h := in.History; h != nil && h.Attempts > 0 {
		rate := float64(h.Successes) / float64(h.Attempts)
		adj := 1 - 2*rate // rate 1.0 → -1, rate 0.0 → +1
		factors = append(factors, Factor{
			Name:        "history",
			Impact:      adj,
			Description: fmt.Sprintf("%d/%d prior %s changes succeeded", h.Successes, h.Attempts, in.Kind),
		})
	}

	total := 0.0
	for _, f := range factors {
		total += f.Impact
	}
	score := int(math.Round(math.Min(10, math.Max(0, total))))

	category := a.thresholds.Category(score)
	return Assessment{
		Score:          score,
		Category:       category,
		Recommendation: recommendationFor(category),
		Factors:        factors,
	}, nil
}

// recommendationFor maps categories to execution paths.
func recommendationFor(c Category) Recommendation {
	switch c {
	case CategorySafe, CategoryLow:
		return RecommendAutoApply
	case CategoryMedium:
		return RecommendCreateReview
	default:
		return RecommendManualApproval
	}
}

// changedLines measures the change size. A parseable unified diff
// gives the exact added+deleted line count; otherwise the proposed
// content's line count stands in. Delete of unknown size counts as
// large: destroying content we can't measure is not a small change.
func changedLines(in Input) int {
	if in.Diff != "" {
		if n, ok := diffLineCount(in.Diff); ok {
			return n
		}
		// Unparseable diff text: fall back to its body line count.
		n := 0
		for _, line := range strings.Split(in.Diff, "\n") {
			if len(line) > 0 && (line[0] == '+' || line[0] == '-') {
				n++
			}
		}
		return n
	}
	if in.NewContent != "" {
		return strings.Count(in.NewContent, "\n") + 1
	}
	if in.Kind == KindDelete {
		return 101
	}
	return 0
}

// diffLineCount parses unified diff text and counts added plus
// deleted lines across all files and hunks.
func diffLineCount(text string) (int, bool) {
	fds, err := diff.ParseMultiFileDiff([]byte(text))
	if err != nil || len(fds) == 0 {
		fd, ferr := diff.ParseFileDiff([]byte(text))
		if ferr != nil {
			return 0, false
		}
		fds = []*diff.FileDiff{fd}
	}
	total := 0
	for _, fd := range fds {
		for _, h := range fd.Hunks {
			for _, line := range bytes.Split(h.Body, []byte("\n")) {
				if len(line) > 0 && (line[0] == '+' || line[0] == '-') {
					total++
				}
			}
		}
	}
	return total, true
}
