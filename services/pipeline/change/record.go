// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package change owns the lifecycle of proposed source modifications:
// the persistent registry of change records, the status state machine
// that gates execution, and the manager that ties risk assessment and
// the safety guardian together.
package change

import (
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/autopatch/services/pipeline/risk"
)

var (
	// ErrNotFound is returned when a change ID is not in the registry.
	ErrNotFound = errors.New("change: record not found")

	// ErrConcurrencyConflict is returned when an operation loses a
	// race on the same target file.
	ErrConcurrencyConflict = errors.New("change: concurrent modification of target")
)

// Status is a change record's lifecycle state.
type Status string

const (
	// StatusPending awaits an approval decision.
	StatusPending Status = "pending"

	// StatusApproved is cleared for execution.
	StatusApproved Status = "approved"

	// StatusRejected is terminal for the proposal; the record stays
	// in the registry as history.
	StatusRejected Status = "rejected"

	// StatusApplied has been written to the tree.
	StatusApplied Status = "applied"

	// StatusFailed hit an error during execution and may be retried
	// or rejected.
	StatusFailed Status = "failed"
)

// transitions is the complete status graph. Anything absent is
// invalid.
var transitions = map[Status][]Status{
	StatusPending:  {StatusApproved, StatusRejected},
	StatusApproved: {StatusApplied, StatusFailed, StatusRejected},
	// A failed change can be retried (back to pending) or abandoned.
	StatusFailed: {StatusPending, StatusRejected},
	// Applied only moves on rollback.
	StatusApplied: {StatusRejected},
}

// CanTransition reports whether from → to is a legal status move.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// TransitionError reports a rejected status move, preserving both
// endpoints for the caller.
type TransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("change %s: invalid transition %s → %s", e.ID, e.From, e.To)
}

// Record is one proposed modification to one file.
//
// Records are never deleted; rejected and failed records remain in
// the registry as history.
type Record struct {
	// ID is the registry key, assigned at proposal time.
	ID string `json:"id"`

	// CreatedAt is the proposal timestamp.
	CreatedAt time.Time `json:"created_at"`

	// Kind classifies the modification.
	Kind risk.Kind `json:"kind"`

	// FilePath is the target file, relative to the tree root.
	FilePath string `json:"file_path"`

	// Description says what the change intends.
	Description string `json:"description"`

	// Diff is the proposed unified diff, when available.
	Diff string `json:"diff,omitempty"`

	// NewContent is the full proposed content, when available.
	NewContent string `json:"new_content,omitempty"`

	// Model names the backend that generated the content, if any.
	Model string `json:"model,omitempty"`

	// Reasoning is the model's explanation, if any.
	Reasoning string `json:"reasoning,omitempty"`

	// Assessment is the attached risk verdict. Nil until assessed.
	Assessment *risk.Assessment `json:"assessment,omitempty"`

	// Status is the current lifecycle state.
	Status Status `json:"status"`

	// StatusReason records why the last transition happened.
	StatusReason string `json:"status_reason,omitempty"`

	// Error holds the failure message when Status is failed.
	Error string `json:"error,omitempty"`

	// BackupRef points at the pre-write backup, set on apply.
	BackupRef string `json:"backup_ref,omitempty"`

	// RemoteRef is the review URL the change was published under,
	// set only on the batch publish path.
	RemoteRef string `json:"remote_ref,omitempty"`

	// ApprovedAt and AppliedAt are set on the respective transitions.
	ApprovedAt *time.Time `json:"approved_at,omitempty"`
	AppliedAt  *time.Time `json:"applied_at,omitempty"`
}

// RiskScore returns the assessed score, or -1 when unassessed.
func (r *Record) RiskScore() int {
	if r.Assessment == nil {
		return -1
	}
	return r.Assessment.Score
}

// transition moves the record to a new status, enforcing the graph.
func (r *Record) transition(to Status, reason string) error {
	if !CanTransition(r.Status, to) {
		return &TransitionError{ID: r.ID, From: r.Status, To: to}
	}
	r.Status = to
	r.StatusReason = reason
	now := time.Now()
	switch to {
	case StatusApproved:
		r.ApprovedAt = &now
	case StatusApplied:
		r.AppliedAt = &now
	}
	return nil
}
