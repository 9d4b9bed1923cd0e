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
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/autopatch/pkg/validation"
	"github.com/AleutianAI/autopatch/services/llm"
	"github.com/AleutianAI/autopatch/services/pipeline/cleanup"
	"github.com/AleutianAI/autopatch/services/pipeline/events"
	"github.com/AleutianAI/autopatch/services/pipeline/metrics"
	"github.com/AleutianAI/autopatch/services/pipeline/risk"
)

// generateTimeout bounds a single content-generation call.
const generateTimeout = 2 * time.Minute

// Guardian is the slice of the safety system the manager needs.
// Satisfied by *safety.Guardian.
type Guardian interface {
	Apply(ctx context.Context, path string, content []byte) (string, error)
	Remove(ctx context.Context, path string) (string, error)
	Rollback(ctx context.Context, ref, path string) error
}

// Config configures a Manager.
type Config struct {
	// Root is the absolute path of the managed source tree. Required.
	Root string

	// Store is the change registry. Required.
	Store Store

	// Assessor scores proposals. Required.
	Assessor *risk.Assessor

	// Guardian applies changes under the backup discipline. Required.
	Guardian Guardian

	// Emitter publishes lifecycle events. Required.
	Emitter *events.Emitter

	// Generator produces file content for proposals that need it.
	// Optional; GenerateContent fails without one.
	Generator llm.Client

	// Logger for operational messages. Default: slog.Default().
	Logger *slog.Logger
}

// Manager drives change records through their lifecycle.
//
// # Description
//
// Propose assesses and registers a change; low-risk changes are
// auto-approved on the spot. Execute applies approved changes through
// the guardian, serialized per target file. Every transition goes
// through the status graph and is published on the emitter.
//
// # Thread Safety
//
// Safe for concurrent use. Operations on the same target file are
// serialized; a lost race returns ErrConcurrencyConflict rather than
// blocking.
type Manager struct {
	root      string
	store     Store
	assessor  *risk.Assessor
	guardian  Guardian
	emitter   *events.Emitter
	generator llm.Client
	log       *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager validates the configuration and builds a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("change: root is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("change: store is required")
	}
	if cfg.Assessor == nil {
		return nil, fmt.Errorf("change: assessor is required")
	}
	if cfg.Guardian == nil {
		return nil, fmt.Errorf("change: guardian is required")
	}
	if cfg.Emitter == nil {
		return nil, fmt.Errorf("change: emitter is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		root:      cfg.Root,
		store:     cfg.Store,
		assessor:  cfg.Assessor,
		guardian:  cfg.Guardian,
		emitter:   cfg.Emitter,
		generator: cfg.Generator,
		log:       logger,
		locks:     make(map[string]*sync.Mutex),
	}, nil
}

// Proposal is the material for a new change record.
type Proposal struct {
	Kind        risk.Kind
	FilePath    string
	Description string
	Diff        string
	NewContent  string
	Model       string
	Reasoning   string
}

// Propose assesses a proposal, registers it, and auto-approves it
// when the assessment recommends auto-apply.
//
// # Outputs
//
//   - *Record: The registered record, status pending or approved.
//   - error: risk.ErrAssessment on malformed proposals; storage
//     errors otherwise.
func (m *Manager) Propose(ctx context.Context, p Proposal) (*Record, error) {
	if err := validation.ValidateRelPath(p.FilePath); err != nil {
		return nil, fmt.Errorf("%w: %v", risk.ErrAssessment, err)
	}
	assessment, err := m.assessor.Assess(risk.Input{
		Path:       p.FilePath,
		Kind:       p.Kind,
		Diff:       p.Diff,
		NewContent: p.NewContent,
		History:    m.historyFor(ctx, p.Kind),
	})
	if err != nil {
		return nil, err
	}

	rec := &Record{
		ID:          uuid.NewString(),
		CreatedAt:   time.Now(),
		Kind:        p.Kind,
		FilePath:    p.FilePath,
		Description: p.Description,
		Diff:        p.Diff,
		NewContent:  p.NewContent,
		Model:       p.Model,
		Reasoning:   p.Reasoning,
		Assessment:  &assessment,
		Status:      StatusPending,
	}

	if assessment.Recommendation == risk.RecommendAutoApply {
		if err := rec.transition(StatusApproved, fmt.Sprintf("auto-approved: %s risk", assessment.Category)); err != nil {
			return nil, err
		}
	}

	if err := m.store.Put(ctx, rec); err != nil {
		return nil, err
	}

	metrics.RecordProposal(ctx, string(p.Kind))
	metrics.RecordAssessment(ctx, string(assessment.Category), assessment.Score)
	m.emitter.Emit(events.TypeProposed, rec.ID, events.TransitionData{ToStatus: string(StatusPending)})
	m.emitter.Emit(events.TypeAssessed, rec.ID, events.AssessedData{
		Score:          assessment.Score,
		Category:       string(assessment.Category),
		Recommendation: string(assessment.Recommendation),
	})
	if rec.Status == StatusApproved {
		m.emitter.Emit(events.TypeApproved, rec.ID, events.TransitionData{
			FromStatus: string(StatusPending),
			ToStatus:   string(StatusApproved),
			Reason:     rec.StatusReason,
		})
	}

	m.log.Info("change proposed",
		"id", rec.ID, "kind", p.Kind, "path", p.FilePath,
		"score", assessment.Score, "category", assessment.Category,
		"status", rec.Status)
	return rec, nil
}

// ProposeCleanup turns a scanner opportunity into a change proposal.
// Only opportunities marked auto-applicable are eligible, and they
// must carry the corrected file content so the proposal is executable.
func (m *Manager) ProposeCleanup(ctx context.Context, opp cleanup.Opportunity) (*Record, error) {
	if !opp.AutoApply {
		return nil, fmt.Errorf("change: opportunity %q at %s:%d is not auto-applicable", opp.Type, opp.File, opp.Line)
	}
	if opp.Fix == "" {
		return nil, fmt.Errorf("change: opportunity %q at %s:%d carries no fix content", opp.Type, opp.File, opp.Line)
	}
	return m.Propose(ctx, Proposal{
		Kind:        risk.KindUpdate,
		FilePath:    opp.File,
		Description: opp.Description,
		NewContent:  opp.Fix,
	})
}

// GenerateContent fills a pending record's proposed content from the
// model backend and re-assesses it.
//
// # Description
//
// Only pending records can be (re)generated; content is frozen once
// a record is approved. The generation call is bounded by its own
// timeout. The record is re-assessed because content size drives the
// magnitude factor.
func (m *Manager) GenerateContent(ctx context.Context, id, prompt string) (*Record, error) {
	if m.generator == nil {
		return nil, fmt.Errorf("%w: no generator configured", llm.ErrService)
	}

	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != StatusPending {
		return nil, fmt.Errorf("change %s: content generation requires pending status, have %s", id, rec.Status)
	}

	genCtx, cancel := context.WithTimeout(ctx, generateTimeout)
	defer cancel()
	content, err := m.generator.Generate(genCtx, prompt, llm.GenerationParams{})
	if err != nil {
		return nil, err
	}

	rec.NewContent = content
	assessment, err := m.assessor.Assess(risk.Input{
		Path:       rec.FilePath,
		Kind:       rec.Kind,
		Diff:       rec.Diff,
		NewContent: rec.NewContent,
		History:    m.historyFor(ctx, rec.Kind),
	})
	if err != nil {
		return nil, err
	}
	rec.Assessment = &assessment

	if err := m.store.Put(ctx, rec); err != nil {
		return nil, err
	}
	metrics.RecordAssessment(ctx, string(assessment.Category), assessment.Score)
	m.emitter.Emit(events.TypeAssessed, rec.ID, events.AssessedData{
		Score:          assessment.Score,
		Category:       string(assessment.Category),
		Recommendation: string(assessment.Recommendation),
	})
	return rec, nil
}

// Approve moves a pending change to approved.
func (m *Manager) Approve(ctx context.Context, id, reason string) (*Record, error) {
	return m.doTransition(ctx, id, StatusApproved, reason, events.TypeApproved)
}

// Reject moves a pending, approved, or failed change to rejected.
// No write ever occurs on this path. An applied change must go
// through Rollback instead: rejecting it directly would orphan the
// written content with no undo path left.
func (m *Manager) Reject(ctx context.Context, id, reason string) (*Record, error) {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status == StatusApplied {
		return nil, fmt.Errorf("change %s is applied; use Rollback to undo it", id)
	}
	return m.doTransition(ctx, id, StatusRejected, reason, events.TypeRejected)
}

// Retry moves a failed change back to pending for another attempt.
func (m *Manager) Retry(ctx context.Context, id, reason string) (*Record, error) {
	return m.doTransition(ctx, id, StatusPending, reason, events.TypeProposed)
}

func (m *Manager) doTransition(ctx context.Context, id string, to Status, reason string, eventType events.Type) (*Record, error) {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	from := rec.Status
	if err := rec.transition(to, reason); err != nil {
		return nil, err
	}
	if err := m.store.Put(ctx, rec); err != nil {
		return nil, err
	}
	m.emitter.Emit(eventType, rec.ID, events.TransitionData{
		FromStatus: string(from),
		ToStatus:   string(to),
		Reason:     reason,
	})
	m.log.Info("change transitioned", "id", id, "from", from, "to", to, "reason", reason)
	return rec, nil
}

// Execute applies an approved change to the tree.
//
// # Description
//
// Refuses anything not in approved status. Execution on the same
// target file is serialized; losing the race returns
// ErrConcurrencyConflict without touching the record. A guardian
// failure moves the record to failed with the error preserved, so it
// can be retried or rejected.
func (m *Manager) Execute(ctx context.Context, id string) (*Record, error) {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != StatusApproved {
		return nil, &TransitionError{ID: id, From: rec.Status, To: StatusApplied}
	}

	unlock, ok := m.tryLockPath(rec.FilePath)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConcurrencyConflict, rec.FilePath)
	}
	defer unlock()

	target := filepath.Join(m.root, rec.FilePath)
	start := time.Now()

	var (
		backupRef string
		applyErr  error
	)
	if rec.Kind == risk.KindDelete {
		backupRef, applyErr = m.guardian.Remove(ctx, target)
	} else {
		if rec.NewContent == "" {
			applyErr = fmt.Errorf("change %s: no content to apply", id)
		} else {
			backupRef, applyErr = m.guardian.Apply(ctx, target, []byte(rec.NewContent))
		}
	}
	rec.BackupRef = backupRef

	if applyErr != nil {
		rec.Error = applyErr.Error()
		if terr := rec.transition(StatusFailed, "execution failed"); terr != nil {
			return nil, terr
		}
		if putErr := m.store.Put(ctx, rec); putErr != nil {
			return nil, putErr
		}
		metrics.RecordExecute(ctx, "failure", time.Since(start))
		m.emitter.Emit(events.TypeFailed, rec.ID, events.TransitionData{
			FromStatus: string(StatusApproved),
			ToStatus:   string(StatusFailed),
			Reason:     applyErr.Error(),
		})
		m.log.Error("change execution failed", "id", id, "path", rec.FilePath, "error", applyErr)
		return rec, applyErr
	}

	if err := rec.transition(StatusApplied, "executed"); err != nil {
		return nil, err
	}
	if err := m.store.Put(ctx, rec); err != nil {
		return nil, err
	}
	metrics.RecordExecute(ctx, "success", time.Since(start))
	if backupRef != "" {
		m.emitter.Emit(events.TypeBackupCreated, rec.ID, events.BackupData{Ref: backupRef, Source: rec.FilePath})
	}
	m.emitter.Emit(events.TypeApplied, rec.ID, events.TransitionData{
		FromStatus: string(StatusApproved),
		ToStatus:   string(StatusApplied),
	})
	m.log.Info("change applied", "id", id, "path", rec.FilePath, "backup_ref", backupRef)
	return rec, nil
}

// MarkApplied transitions an approved change to applied without
// touching the tree. Used by the batch-publish path, where the
// guardian has already written the file; remoteRef is the review URL
// the batch was published under.
func (m *Manager) MarkApplied(ctx context.Context, id, backupRef, remoteRef string) (*Record, error) {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	rec.BackupRef = backupRef
	rec.RemoteRef = remoteRef
	if err := rec.transition(StatusApplied, "published"); err != nil {
		return nil, err
	}
	if err := m.store.Put(ctx, rec); err != nil {
		return nil, err
	}
	m.emitter.Emit(events.TypeApplied, rec.ID, events.TransitionData{
		FromStatus: string(StatusApproved),
		ToStatus:   string(StatusApplied),
		Reason:     "published",
	})
	return rec, nil
}

// Rollback restores an applied change's target from its backup and
// moves the record to rejected.
//
// # Outputs
//
//   - error: safety.ErrNoBackupAvailable (wrapped) when the record
//     has no backup; the record is left applied in that case.
func (m *Manager) Rollback(ctx context.Context, id, reason string) (*Record, error) {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != StatusApplied {
		return nil, &TransitionError{ID: id, From: rec.Status, To: StatusRejected}
	}

	unlock, ok := m.tryLockPath(rec.FilePath)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConcurrencyConflict, rec.FilePath)
	}
	defer unlock()

	target := filepath.Join(m.root, rec.FilePath)
	if err := m.guardian.Rollback(ctx, rec.BackupRef, target); err != nil {
		return nil, fmt.Errorf("rollback of change %s: %w", id, err)
	}

	if err := rec.transition(StatusRejected, reason); err != nil {
		return nil, err
	}
	if err := m.store.Put(ctx, rec); err != nil {
		return nil, err
	}
	metrics.RecordRollback(ctx)
	m.emitter.Emit(events.TypeRolledBack, rec.ID, events.TransitionData{
		FromStatus: string(StatusApplied),
		ToStatus:   string(StatusRejected),
		Reason:     reason,
	})
	m.log.Info("change rolled back", "id", id, "path", rec.FilePath, "backup_ref", rec.BackupRef)
	return rec, nil
}

// Get returns one record by ID.
func (m *Manager) Get(ctx context.Context, id string) (*Record, error) {
	return m.store.Get(ctx, id)
}

// List returns records filtered by status; no statuses means all.
func (m *Manager) List(ctx context.Context, statuses ...Status) ([]*Record, error) {
	if len(statuses) == 0 {
		return m.store.List(ctx, nil)
	}
	want := make(map[Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	return m.store.List(ctx, func(r *Record) bool { return want[r.Status] })
}

// Stats summarizes the registry by status.
func (m *Manager) Stats(ctx context.Context) (map[Status]int, error) {
	all, err := m.store.List(ctx, nil)
	if err != nil {
		return nil, err
	}
	out := make(map[Status]int)
	for _, rec := range all {
		out[rec.Status]++
	}
	return out, nil
}

// historyFor derives the prior outcome rate for a change kind from
// the registry itself. Best effort: a registry read failure just
// means no history adjustment.
func (m *Manager) historyFor(ctx context.Context, kind risk.Kind) *risk.History {
	records, err := m.store.List(ctx, func(r *Record) bool {
		return r.Kind == kind && (r.Status == StatusApplied || r.Status == StatusFailed)
	})
	if err != nil || len(records) == 0 {
		return nil
	}
	h := &risk.History{Attempts: len(records)}
	for _, rec := range records {
		if rec.Status == StatusApplied {
			h.Successes++
		}
	}
	return h
}

// tryLockPath acquires the per-path execution lock without blocking.
func (m *Manager) tryLockPath(path string) (func(), bool) {
	m.mu.Lock()
	lock, ok := m.locks[path]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[path] = lock
	}
	m.mu.Unlock()

	if !lock.TryLock() {
		return nil, false
	}
	return lock.Unlock, true
}
