// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package change

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/autopatch/services/llm"
	"github.com/AleutianAI/autopatch/services/pipeline/cleanup"
	"github.com/AleutianAI/autopatch/services/pipeline/events"
	"github.com/AleutianAI/autopatch/services/pipeline/index"
	"github.com/AleutianAI/autopatch/services/pipeline/risk"
	"github.com/AleutianAI/autopatch/services/pipeline/safety"
)

func newTestManager(t *testing.T, guardian Guardian) (*Manager, string, *events.Emitter) {
	t.Helper()
	root := t.TempDir()

	if guardian == nil {
		g, err := safety.NewGuardian(safety.Config{BackupDir: filepath.Join(root, ".backups")})
		require.NoError(t, err)
		require.NoError(t, g.Initialize(context.Background()))
		guardian = g
	}

	assessor, err := risk.NewAssessor(risk.DefaultThresholds())
	require.NoError(t, err)

	emitter := events.NewEmitter()
	m, err := NewManager(Config{
		Root:     root,
		Store:    NewMemoryStore(),
		Assessor: assessor,
		Guardian: guardian,
		Emitter:  emitter,
	})
	require.NoError(t, err)
	return m, root, emitter
}

func lines(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "line %d\n", i)
	}
	return b.String()
}

// A small change to a non-sensitive file must be auto-approved and
// apply cleanly end to end.
func TestLowRiskProposalAutoAppliesEndToEnd(t *testing.T) {
	m, root, emitter := newTestManager(t, nil)
	ctx := context.Background()

	var seen []events.Type
	emitter.Subscribe(func(e *events.Event) { seen = append(seen, e.Type) })

	target := filepath.Join(root, "pkg/util/strings.go")
	require.NoError(t, os.MkdirAll(filepath.Dir(target), 0750))
	require.NoError(t, os.WriteFile(target, []byte("old\n"), 0640))

	rec, err := m.Propose(ctx, Proposal{
		Kind:        risk.KindUpdate,
		FilePath:    "pkg/util/strings.go",
		Description: "simplify helper",
		NewContent:  lines(3),
	})
	require.NoError(t, err)
	require.NotNil(t, rec.Assessment)
	assert.LessOrEqual(t, rec.Assessment.Score, 3)
	assert.Equal(t, risk.RecommendAutoApply, rec.Assessment.Recommendation)
	assert.Equal(t, StatusApproved, rec.Status, "auto-apply recommendation must auto-approve")

	rec, err = m.Execute(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, rec.Status)
	assert.NotEmpty(t, rec.BackupRef)

	got, readErr := os.ReadFile(target)
	require.NoError(t, readErr)
	assert.Equal(t, lines(3), string(got))

	assert.Contains(t, seen, events.TypeProposed)
	assert.Contains(t, seen, events.TypeAssessed)
	assert.Contains(t, seen, events.TypeApproved)
	assert.Contains(t, seen, events.TypeApplied)
}

// A large change to an auth file must stay pending and refuse
// execution until someone approves it.
func TestHighRiskProposalRequiresManualApproval(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	ctx := context.Background()

	rec, err := m.Propose(ctx, Proposal{
		Kind:        risk.KindUpdate,
		FilePath:    "internal/auth/login.go",
		Description: "rework session validation",
		NewContent:  lines(150),
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, rec.Assessment.Score, 7)
	assert.Equal(t, risk.RecommendManualApproval, rec.Assessment.Recommendation)
	assert.Equal(t, StatusPending, rec.Status)

	_, err = m.Execute(ctx, rec.ID)
	var terr *TransitionError
	require.True(t, errors.As(err, &terr), "executing a pending change must fail the status gate")

	// After explicit approval it executes (file is created fresh).
	_, err = m.Approve(ctx, rec.ID, "reviewed by owner")
	require.NoError(t, err)
	rec, err = m.Execute(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, rec.Status)
}

// failingGuardian simulates a write failure after backup.
type failingGuardian struct {
	applyErr error
}

func (f *failingGuardian) Apply(_ context.Context, _ string, _ []byte) (string, error) {
	return "stub.backup", f.applyErr
}

func (f *failingGuardian) Remove(_ context.Context, _ string) (string, error) {
	return "stub.backup", f.applyErr
}

func (f *failingGuardian) Rollback(_ context.Context, _, _ string) error {
	return nil
}

func TestExecutionFailureMarksFailedAndAllowsRetry(t *testing.T) {
	m, _, emitter := newTestManager(t, &failingGuardian{
		applyErr: fmt.Errorf("%w: disk full", safety.ErrFileAccess),
	})
	ctx := context.Background()

	var failedEvents int
	emitter.Subscribe(func(*events.Event) { failedEvents++ }, events.TypeFailed)

	rec, err := m.Propose(ctx, Proposal{
		Kind:       risk.KindUpdate,
		FilePath:   "pkg/a.go",
		NewContent: lines(2),
	})
	require.NoError(t, err)
	require.Equal(t, StatusApproved, rec.Status)

	rec, err = m.Execute(ctx, rec.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, safety.ErrFileAccess)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.NotEmpty(t, rec.Error)
	assert.Equal(t, 1, failedEvents)

	// failed → pending is the retry path.
	rec, err = m.Retry(ctx, rec.ID, "transient disk error")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.Status)
}

// Rolling back a created file is impossible: there was no pre-write
// content, so there is no backup.
func TestRollbackOfCreateFailsWithoutBackup(t *testing.T) {
	m, root, _ := newTestManager(t, nil)
	ctx := context.Background()

	rec, err := m.Propose(ctx, Proposal{
		Kind:       risk.KindCreate,
		FilePath:   "pkg/newfile.go",
		NewContent: lines(2),
	})
	require.NoError(t, err)
	require.Equal(t, StatusApproved, rec.Status)

	rec, err = m.Execute(ctx, rec.ID)
	require.NoError(t, err)
	assert.Empty(t, rec.BackupRef)

	_, err = m.Rollback(ctx, rec.ID, "undo")
	require.Error(t, err)
	assert.ErrorIs(t, err, safety.ErrNoBackupAvailable)

	got, getErr := m.Get(ctx, rec.ID)
	require.NoError(t, getErr)
	assert.Equal(t, StatusApplied, got.Status, "a failed rollback must not move the record")
	assert.FileExists(t, filepath.Join(root, "pkg/newfile.go"))
}

// An applied change can only leave the tree through Rollback; a plain
// reject would strand the written content with no undo path.
func TestRejectRefusedForAppliedChange(t *testing.T) {
	m, root, _ := newTestManager(t, nil)
	ctx := context.Background()

	target := filepath.Join(root, "pkg/f.go")
	require.NoError(t, os.MkdirAll(filepath.Dir(target), 0750))
	require.NoError(t, os.WriteFile(target, []byte("original\n"), 0640))

	rec, err := m.Propose(ctx, Proposal{
		Kind:       risk.KindUpdate,
		FilePath:   "pkg/f.go",
		NewContent: "changed\n",
	})
	require.NoError(t, err)
	rec, err = m.Execute(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, StatusApplied, rec.Status)

	_, err = m.Reject(ctx, rec.ID, "oops")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Rollback")

	got, getErr := m.Get(ctx, rec.ID)
	require.NoError(t, getErr)
	assert.Equal(t, StatusApplied, got.Status, "a refused reject must not move the record")

	// The rollback path is still intact.
	rec, err = m.Rollback(ctx, rec.ID, "undo")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, rec.Status)

	data, readErr := os.ReadFile(target)
	require.NoError(t, readErr)
	assert.Equal(t, "original\n", string(data))
}

func TestRollbackRestoresAndRejects(t *testing.T) {
	m, root, _ := newTestManager(t, nil)
	ctx := context.Background()

	target := filepath.Join(root, "pkg/b.go")
	require.NoError(t, os.MkdirAll(filepath.Dir(target), 0750))
	require.NoError(t, os.WriteFile(target, []byte("original\n"), 0640))

	rec, err := m.Propose(ctx, Proposal{
		Kind:       risk.KindUpdate,
		FilePath:   "pkg/b.go",
		NewContent: "changed\n",
	})
	require.NoError(t, err)
	rec, err = m.Execute(ctx, rec.ID)
	require.NoError(t, err)

	rec, err = m.Rollback(ctx, rec.ID, "regression reported")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, rec.Status)

	got, readErr := os.ReadFile(target)
	require.NoError(t, readErr)
	assert.Equal(t, "original\n", string(got))
}

// blockingGuardian parks Apply until released, to force a lock race.
type blockingGuardian struct {
	entered  chan struct{}
	release  chan struct{}
	backedUp string
}

func (b *blockingGuardian) Apply(_ context.Context, _ string, _ []byte) (string, error) {
	close(b.entered)
	<-b.release
	return b.backedUp, nil
}

func (b *blockingGuardian) Remove(_ context.Context, _ string) (string, error) {
	return "", nil
}

func (b *blockingGuardian) Rollback(_ context.Context, _, _ string) error {
	return nil
}

func TestConcurrentExecuteOnSamePathConflicts(t *testing.T) {
	guardian := &blockingGuardian{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	m, _, _ := newTestManager(t, guardian)
	ctx := context.Background()

	rec, err := m.Propose(ctx, Proposal{
		Kind:       risk.KindUpdate,
		FilePath:   "pkg/contended.go",
		NewContent: lines(2),
	})
	require.NoError(t, err)
	require.Equal(t, StatusApproved, rec.Status)

	done := make(chan error, 1)
	go func() {
		_, execErr := m.Execute(ctx, rec.ID)
		done <- execErr
	}()

	<-guardian.entered
	_, err = m.Execute(ctx, rec.ID)
	assert.ErrorIs(t, err, ErrConcurrencyConflict)

	close(guardian.release)
	require.NoError(t, <-done)
}

func TestProposeCleanupRequiresAutoApply(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	ctx := context.Background()

	_, err := m.ProposeCleanup(ctx, cleanup.Opportunity{
		Type:        cleanup.TypeDebugStatement,
		Description: "console.log left in handler",
		AutoApply:   false,
		File:        "web/handler.ts",
		Line:        12,
	})
	require.Error(t, err)

	// Auto-applicable but without corrected content: nothing to execute.
	_, err = m.ProposeCleanup(ctx, cleanup.Opportunity{
		Type:        cleanup.TypeUnusedImport,
		Description: "remove unused import \"fmt\"",
		AutoApply:   true,
		File:        "pkg/c.go",
		Line:        5,
	})
	require.Error(t, err)

	rec, err := m.ProposeCleanup(ctx, cleanup.Opportunity{
		Type:        cleanup.TypeUnusedImport,
		Description: "remove unused import \"fmt\"",
		AutoApply:   true,
		File:        "pkg/c.go",
		Line:        5,
		Fix:         "package c\n\nfunc C() {}\n",
	})
	require.NoError(t, err)
	assert.Equal(t, risk.KindUpdate, rec.Kind)
	assert.Equal(t, "package c\n\nfunc C() {}\n", rec.NewContent)
}

// A scanner-found unused import must flow all the way through: the
// opportunity carries the corrected content, the proposal is
// auto-approved, and execution rewrites the file.
func TestCleanupOpportunityExecutesEndToEnd(t *testing.T) {
	m, root, _ := newTestManager(t, nil)
	ctx := context.Background()

	src := `package u

import (
	"fmt"
	"strings"
)

func Upper(s string) string {
	return strings.ToUpper(s)
}
`
	target := filepath.Join(root, "pkg/u.go")
	require.NoError(t, os.MkdirAll(filepath.Dir(target), 0750))
	require.NoError(t, os.WriteFile(target, []byte(src), 0640))

	ix, err := index.New(index.Config{Root: root})
	require.NoError(t, err)
	snap, err := ix.Index(ctx)
	require.NoError(t, err)

	opps, err := cleanup.NewScanner(root, snap, nil).Scan(ctx)
	require.NoError(t, err)
	require.Len(t, opps, 1)
	require.True(t, opps[0].AutoApply)

	rec, err := m.ProposeCleanup(ctx, opps[0])
	require.NoError(t, err)
	require.Equal(t, StatusApproved, rec.Status, "mechanical cleanup must auto-approve")

	rec, err = m.Execute(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, rec.Status)

	got, readErr := os.ReadFile(target)
	require.NoError(t, readErr)
	assert.Equal(t, strings.Replace(src, "\t\"fmt\"\n", "", 1), string(got))
}

// fixedGenerator returns canned content.
type fixedGenerator struct {
	content string
}

func (f *fixedGenerator) Generate(_ context.Context, _ string, _ llm.GenerationParams) (string, error) {
	return f.content, nil
}

func TestGenerateContentReassesses(t *testing.T) {
	root := t.TempDir()
	g, err := safety.NewGuardian(safety.Config{BackupDir: filepath.Join(root, ".backups")})
	require.NoError(t, err)
	require.NoError(t, g.Initialize(context.Background()))

	assessor, err := risk.NewAssessor(risk.DefaultThresholds())
	require.NoError(t, err)

	m, err := NewManager(Config{
		Root:      root,
		Store:     NewMemoryStore(),
		Assessor:  assessor,
		Guardian:  g,
		Emitter:   events.NewEmitter(),
		Generator: &fixedGenerator{content: lines(150)},
	})
	require.NoError(t, err)
	ctx := context.Background()

	// Sensitive path keeps the proposal pending, so content can still
	// be generated.
	rec, err := m.Propose(ctx, Proposal{
		Kind:     risk.KindUpdate,
		FilePath: "internal/auth/token.go",
	})
	require.NoError(t, err)
	require.Equal(t, StatusPending, rec.Status)
	before := rec.Assessment.Score

	rec, err = m.GenerateContent(ctx, rec.ID, "rewrite token refresh")
	require.NoError(t, err)
	assert.Equal(t, lines(150), rec.NewContent)
	assert.Greater(t, rec.Assessment.Score, before, "150 generated lines must raise the magnitude factor")
}

func TestGenerateContentRefusedWhenApproved(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	ctx := context.Background()

	rec, err := m.Propose(ctx, Proposal{
		Kind:       risk.KindUpdate,
		FilePath:   "pkg/d.go",
		NewContent: lines(2),
	})
	require.NoError(t, err)
	require.Equal(t, StatusApproved, rec.Status)

	_, err = m.GenerateContent(ctx, rec.ID, "p")
	assert.Error(t, err)
}

func TestHistoryLowersConfidenceAfterFailures(t *testing.T) {
	m, _, _ := newTestManager(t, &failingGuardian{applyErr: errors.New("boom")})
	ctx := context.Background()

	first, err := m.Propose(ctx, Proposal{
		Kind:       risk.KindUpdate,
		FilePath:   "pkg/flaky.go",
		NewContent: lines(2),
	})
	require.NoError(t, err)
	baseline := first.Assessment.Score

	_, err = m.Execute(ctx, first.ID)
	require.Error(t, err)

	// With one attempt and zero successes, the history adjustment is
	// at its +1 maximum.
	second, err := m.Propose(ctx, Proposal{
		Kind:       risk.KindUpdate,
		FilePath:   "pkg/other.go",
		NewContent: lines(2),
	})
	require.NoError(t, err)
	assert.Greater(t, second.Assessment.Score, baseline)
}

// The batch-publish path records both the backup and the review URL
// on the record, so rollback and audit work after the process exits.
func TestMarkAppliedPersistsPublishRefs(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	ctx := context.Background()

	rec, err := m.Propose(ctx, Proposal{
		Kind:       risk.KindUpdate,
		FilePath:   "pkg/pub.go",
		NewContent: lines(2),
	})
	require.NoError(t, err)
	require.Equal(t, StatusApproved, rec.Status)

	rec, err = m.MarkApplied(ctx, rec.ID, "pub.go.1726000000000000000.backup", "https://git.example/reviews/42")
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, rec.Status)

	got, err := m.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "pub.go.1726000000000000000.backup", got.BackupRef)
	assert.Equal(t, "https://git.example/reviews/42", got.RemoteRef)
	assert.Equal(t, "published", got.StatusReason)
}

func TestStatsCountsByStatus(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	ctx := context.Background()

	_, err := m.Propose(ctx, Proposal{Kind: risk.KindUpdate, FilePath: "pkg/s1.go", NewContent: lines(1)})
	require.NoError(t, err)
	_, err = m.Propose(ctx, Proposal{Kind: risk.KindUpdate, FilePath: "internal/auth/s2.go", NewContent: lines(150)})
	require.NoError(t, err)

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats[StatusApproved])
	assert.Equal(t, 1, stats[StatusPending])
}

func TestProposeRejectsInvalidKind(t *testing.T) {
	m, _, _ := newTestManager(t, nil)

	_, err := m.Propose(context.Background(), Proposal{
		Kind:     risk.Kind("overwrite"),
		FilePath: "pkg/e.go",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, risk.ErrAssessment)
}
