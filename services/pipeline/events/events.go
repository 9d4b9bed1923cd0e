// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events provides lifecycle event types for the change pipeline.
//
// Events let external systems observe the pipeline — audit sinks,
// dashboards, notification hooks — without coupling to the change
// manager implementation.
//
// Thread Safety:
//
//	All types in this package are designed for concurrent use.
package events

import (
	"time"
)

// Type identifies the kind of event.
type Type string

const (
	// TypeProposed is emitted when a change record is created.
	TypeProposed Type = "proposed"

	// TypeAssessed is emitted when a risk assessment is stored.
	TypeAssessed Type = "assessed"

	// TypeApproved is emitted on pending→approved.
	TypeApproved Type = "approved"

	// TypeRejected is emitted on any transition into rejected.
	TypeRejected Type = "rejected"

	// TypeApplied is emitted when a change reaches applied.
	TypeApplied Type = "applied"

	// TypeFailed is emitted when an execution fails.
	TypeFailed Type = "failed"

	// TypeRolledBack is emitted when an applied change is undone.
	TypeRolledBack Type = "rolled_back"

	// TypeBackupCreated is emitted when a pre-write backup lands on disk.
	TypeBackupCreated Type = "backup_created"

	// TypeReviewOpened is emitted when a remote review request exists.
	TypeReviewOpened Type = "review_opened"

	// TypeSweepCompleted is emitted after a backup retention sweep.
	TypeSweepCompleted Type = "sweep_completed"
)

// Event is one observation of pipeline behavior.
//
// Events should be treated as immutable after creation.
type Event struct {
	// ID is a unique identifier for this event.
	ID string `json:"id"`

	// Type identifies the kind of event.
	Type Type `json:"type"`

	// ChangeID links the event to a change record ("" for
	// pipeline-wide events such as sweeps).
	ChangeID string `json:"change_id,omitempty"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Data contains event-specific detail. Use the typed data structs
	// below when setting this field.
	Data any `json:"data,omitempty"`
}

// TransitionData is the data for approved/rejected/applied/failed
// and rolled_back events.
type TransitionData struct {
	// FromStatus is the previous record status.
	FromStatus string `json:"from_status"`

	// ToStatus is the new record status.
	ToStatus string `json:"to_status"`

	// Reason explains the transition (rejection reason, failure
	// message).
	Reason string `json:"reason,omitempty"`
}

// AssessedData is the data for assessed events.
type AssessedData struct {
	Score          int    `json:"score"`
	Category       string `json:"category"`
	Recommendation string `json:"recommendation"`
}

// BackupData is the data for backup_created events.
type BackupData struct {
	// Ref is the backup reference stored on the change record.
	Ref string `json:"ref"`

	// Source is the file the backup preserves.
	Source string `json:"source"`
}

// ReviewData is the data for review_opened events.
type ReviewData struct {
	// Branch is the remote branch the changes were published on.
	Branch string `json:"branch"`

	// URL is the remote review reference.
	URL string `json:"url"`

	// ChangeIDs lists every record in the batch.
	ChangeIDs []string `json:"change_ids"`
}

// SweepData is the data for sweep_completed events.
type SweepData struct {
	// Deleted counts backups removed by the sweep.
	Deleted int `json:"deleted"`

	// DaysKept is the retention window used.
	DaysKept int `json:"days_kept"`
}
