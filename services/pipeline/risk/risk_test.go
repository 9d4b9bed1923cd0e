// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package risk

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAssessor(t *testing.T) *Assessor {
	t.Helper()
	a, err := NewAssessor(DefaultThresholds())
	require.NoError(t, err)
	return a
}

// TestSmallUpdateAutoApplies covers the low-danger path: a 3-line
// update to a non-sensitive file.
func TestSmallUpdateAutoApplies(t *testing.T) {
	a := newAssessor(t)

	got, err := a.Assess(Input{
		Path:       "src/components/banner.ts",
		Kind:       KindUpdate,
		NewContent: "line one\nline two\nline three",
	})
	require.NoError(t, err)

	assert.LessOrEqual(t, got.Score, 3, "small non-sensitive update must score low")
	assert.Equal(t, RecommendAutoApply, got.Recommendation)
}

// TestLargeSensitiveUpdateRequiresManualApproval covers the
// high-danger path: 150 changed lines under an auth path.
func TestLargeSensitiveUpdateRequiresManualApproval(t *testing.T) {
	a := newAssessor(t)

	content := strings.Repeat("changed line\n", 150)
	got, err := a.Assess(Input{
		Path:       "src/auth/session.ts",
		Kind:       KindUpdate,
		NewContent: content,
	})
	require.NoError(t, err)

	assert.GreaterOrEqual(t, got.Score, 7, "large auth-path update must score high")
	assert.Equal(t, RecommendManualApproval, got.Recommendation)
}

// TestAssessIsIdempotent verifies unchanged input yields an identical
// assessment on repeated calls.
func TestAssessIsIdempotent(t *testing.T) {
	a := newAssessor(t)

	in := Input{
		Path:       "src/config/database.ts",
		Kind:       KindRefactor,
		NewContent: strings.Repeat("x\n", 42),
		History:    &History{Attempts: 10, Successes: 9},
	}

	first, err := a.Assess(in)
	require.NoError(t, err)
	second, err := a.Assess(in)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

// TestScoreAlwaysInRange sweeps kinds, sizes and paths.
func TestScoreAlwaysInRange(t *testing.T) {
	a := newAssessor(t)

	kinds := []Kind{KindCreate, KindUpdate, KindDelete, KindRefactor}
	paths := []string{"util.ts", "auth/token/secret/password.ts", "db/migration.sql"}
	sizes := []int{0, 5, 50, 500}
	histories := []*History{nil, {Attempts: 4, Successes: 0}, {Attempts: 4, Successes: 4}}

	for _, kind := range kinds {
		for _, path := range paths {
			for _, size := range sizes {
				for _, h := range histories {
					got, err := a.Assess(Input{
						Path:       path,
						Kind:       kind,
						NewContent: strings.Repeat("l\n", size),
						History:    h,
					})
					require.NoError(t, err)
					assert.GreaterOrEqual(t, got.Score, 0)
					assert.LessOrEqual(t, got.Score, 10)
				}
			}
		}
	}
}

// TestThresholdsPartitionWithoutGapsOrOverlaps verifies every integer
// score maps to exactly one category and categories never descend.
func TestThresholdsPartitionWithoutGapsOrOverlaps(t *testing.T) {
	th := DefaultThresholds()
	require.NoError(t, th.Validate())

	order := map[Category]int{
		CategorySafe:     0,
		CategoryLow:      1,
		CategoryMedium:   2,
		CategoryHigh:     3,
		CategoryCritical: 4,
	}

	prev := -1
	for score := 0; score <= 10; score++ {
		c := th.Category(score)
		rank, known := order[c]
		require.True(t, known, "score %d mapped to unknown category %q", score, c)
		assert.GreaterOrEqual(t, rank, prev, "categories must ascend with score")
		prev = rank
	}
	assert.Equal(t, CategorySafe, th.Category(0))
	assert.Equal(t, CategoryCritical, th.Category(10))
}

// TestThresholdsValidate rejects gapped or inverted partitions.
func TestThresholdsValidate(t *testing.T) {
	cases := []struct {
		name string
		th   Thresholds
		ok   bool
	}{
		{"default", DefaultThresholds(), true},
		{"inverted", Thresholds{SafeMax: 5, LowMax: 3, MediumMax: 6, HighMax: 8}, false},
		{"equal bounds", Thresholds{SafeMax: 3, LowMax: 3, MediumMax: 6, HighMax: 8}, false},
		{"no critical range", Thresholds{SafeMax: 1, LowMax: 3, MediumMax: 6, HighMax: 10}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.th.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

// TestKindOrdering verifies delete > refactor > update > create with
// everything else held constant.
func TestKindOrdering(t *testing.T) {
	a := newAssessor(t)

	score := func(k Kind) int {
		got, err := a.Assess(Input{
			Path:       "src/widgets/panel.ts",
			Kind:       k,
			NewContent: strings.Repeat("l\n", 50),
		})
		require.NoError(t, err)
		return got.Score
	}

	assert.GreaterOrEqual(t, score(KindDelete), score(KindRefactor))
	assert.GreaterOrEqual(t, score(KindRefactor), score(KindUpdate))
	assert.GreaterOrEqual(t, score(KindUpdate), score(KindCreate))
}

// TestDiffMagnitude verifies a unified diff drives the magnitude
// bucket instead of NewContent.
func TestDiffMagnitude(t *testing.T) {
	a := newAssessor(t)

	var hunk strings.Builder
	hunk.WriteString("--- a/src/widgets/panel.ts\n")
	hunk.WriteString("+++ b/src/widgets/panel.ts\n")
	hunk.WriteString("@@ -1,3 +1,3 @@\n")
	hunk.WriteString(" context\n")
	hunk.WriteString("-old line\n")
	hunk.WriteString("+new line\n")
	hunk.WriteString(" context\n")

	small, err := a.Assess(Input{
		Path: "src/widgets/panel.ts",
		Kind: KindUpdate,
		Diff: hunk.String(),
		// Large NewContent must be ignored when a diff is present.
		NewContent: strings.Repeat("l\n", 500),
	})
	require.NoError(t, err)

	var smallMag Factor
	for _, f := range small.Factors {
		if f.Name == "magnitude" {
			smallMag = f
		}
	}
	assert.Contains(t, smallMag.Description, "small change (2 lines)")
}

// TestHistoryAdjustsScore verifies a poor track record raises danger
// and a strong one lowers it.
func TestHistoryAdjustsScore(t *testing.T) {
	a := newAssessor(t)

	base := Input{
		Path:       "src/schedule/rotation.ts",
		Kind:       KindUpdate,
		NewContent: strings.Repeat("l\n", 50),
	}

	neutral, err := a.Assess(base)
	require.NoError(t, err)

	bad := base
	bad.History = &History{Attempts: 10, Successes: 0}
	badGot, err := a.Assess(bad)
	require.NoError(t, err)

	good := base
	good.History = &History{Attempts: 10, Successes: 10}
	goodGot, err := a.Assess(good)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, badGot.Score, neutral.Score)
	assert.LessOrEqual(t, goodGot.Score, neutral.Score)
}

// TestAssessRejectsMalformedInput covers the AssessmentError taxonomy.
func TestAssessRejectsMalformedInput(t *testing.T) {
	a := newAssessor(t)

	_, err := a.Assess(Input{Kind: KindUpdate})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAssessment)

	_, err = a.Assess(Input{Path: "x.ts", Kind: Kind("explode")})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAssessment)
}

// TestRecommendationMapping verifies each category maps to its
// execution path.
func TestRecommendationMapping(t *testing.T) {
	cases := []struct {
		category Category
		want     Recommendation
	}{
		{CategorySafe, RecommendAutoApply},
		{CategoryLow, RecommendAutoApply},
		{CategoryMedium, RecommendCreateReview},
		{CategoryHigh, RecommendManualApproval},
		{CategoryCritical, RecommendManualApproval},
	}
	for _, tc := range cases {
		t.Run(string(tc.category), func(t *testing.T) {
			assert.Equal(t, tc.want, recommendationFor(tc.category))
		})
	}
}

// TestDeleteOfUnknownSizeIsLarge verifies an unmeasurable delete is
// never treated as small.
func TestDeleteOfUnknownSizeIsLarge(t *testing.T) {
	a := newAssessor(t)

	got, err := a.Assess(Input{Path: "legacy/report.ts", Kind: KindDelete})
	require.NoError(t, err)

	found := false
	for _, f := range got.Factors {
		if f.Name == "magnitude" {
			found = true
			assert.Contains(t, f.Description, "large change", fmt.Sprintf("factors: %+v", got.Factors))
		}
	}
	assert.True(t, found)
}
