// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package safety

import (
	"context"
	"errors"
	"fmt"
)

// Publish workflow step names, in execution order.
const (
	StepBranch = "branch"
	StepCommit = "commit"
	StepPush   = "push"
	StepReview = "review"
)

// BatchChange is one file operation in a reviewed batch.
type BatchChange struct {
	// Path is the target file.
	Path string

	// Content is the new content. Ignored when Delete is set.
	Content []byte

	// Delete removes the file instead of writing it.
	Delete bool
}

// AppliedFile records one locally applied change and how to undo it.
type AppliedFile struct {
	Path      string
	BackupRef string
}

// StepResult records the outcome of one publish step.
type StepResult struct {
	// Step is one of the Step* constants, or "apply:<path>" for the
	// local file phase.
	Step string

	// Err is nil on success.
	Err error
}

// PublishResult carries the full step trace of a batch publish, so a
// caller can see exactly which step failed and what was rolled back.
type PublishResult struct {
	// Steps in execution order, including the failing one.
	Steps []StepResult

	// Applied lists files that were written locally. After a failure
	// these have been rolled back.
	Applied []AppliedFile

	// URL of the opened review. Set only on full success.
	URL string

	// RolledBack is true when a failure caused the applied files to
	// be restored.
	RolledBack bool
}

// FailedStep returns the first failing step, or nil when every step
// succeeded.
func (r *PublishResult) FailedStep() *StepResult {
	for i := range r.Steps {
		if r.Steps[i].Err != nil {
			return &r.Steps[i]
		}
	}
	return nil
}

// ApplyBatchWithReview applies a batch of changes and publishes them
// for review.
//
// # Description
//
// Phase one writes every file locally under the backup discipline.
// Phase two runs the remote steps strictly in order: branch → commit
// → push → review. A failure at any point rolls back every locally
// applied file to its pre-batch content (created files are deleted)
// and surfaces an error naming the failing step. Steps are never
// skipped or reordered.
//
// # Outputs
//
//   - *PublishResult: Always non-nil; inspect Steps for the trace.
//   - error: Non-nil when any step failed. Rollback failures are
//     joined in, since those need manual intervention.
func (g *Guardian) ApplyBatchWithReview(ctx context.Context, changes []BatchChange, branch, title, body string) (*PublishResult, error) {
	result := &PublishResult{}
	if g.remote == nil {
		return result, fmt.Errorf("%w: no remote client configured", ErrRemote)
	}
	if len(changes) == 0 {
		return result, fmt.Errorf("safety: empty batch")
	}

	fail := func(step string, err error) (*PublishResult, error) {
		result.Steps = append(result.Steps, StepResult{Step: step, Err: err})
		rbErr := g.rollbackApplied(result.Applied)
		result.RolledBack = true
		wrapped := fmt.Errorf("publish step %q failed, batch rolled back: %w", step, err)
		if rbErr != nil {
			result.RolledBack = false
			wrapped = errors.Join(wrapped, fmt.Errorf("batch rollback incomplete: %w", rbErr))
		}
		return result, wrapped
	}

	files := make([]string, 0, len(changes))
	for _, ch := range changes {
		step := "apply:" + ch.Path
		var (
			ref string
			err error
		)
		if ch.Delete {
			ref, err = g.Remove(ctx, ch.Path)
		} else {
			ref, err = g.Apply(ctx, ch.Path, ch.Content)
		}
		if err != nil {
			return fail(step, err)
		}
		result.Steps = append(result.Steps, StepResult{Step: step})
		result.Applied = append(result.Applied, AppliedFile{Path: ch.Path, BackupRef: ref})
		files = append(files, ch.Path)
	}

	if err := g.remote.CreateBranch(ctx, branch); err != nil {
		return fail(StepBranch, err)
	}
	result.Steps = append(result.Steps, StepResult{Step: StepBranch})

	if err := g.remote.Commit(ctx, title, files); err != nil {
		return fail(StepCommit, err)
	}
	result.Steps = append(result.Steps, StepResult{Step: StepCommit})

	if err := g.remote.Push(ctx, branch); err != nil {
		return fail(StepPush, err)
	}
	result.Steps = append(result.Steps, StepResult{Step: StepPush})

	url, err := g.remote.OpenReview(ctx, branch, title, body)
	if err != nil {
		return fail(StepReview, err)
	}
	result.Steps = append(result.Steps, StepResult{Step: StepReview})
	result.URL = url

	g.log.Info("batch published for review", "branch", branch, "files", len(files), "url", url)
	return result, nil
}

// rollbackApplied undoes applied files in reverse order.
func (g *Guardian) rollbackApplied(applied []AppliedFile) error {
	var errs []error
	for i := len(applied) - 1; i >= 0; i-- {
		f := applied[i]
		if err := g.undo(f.BackupRef, f.Path); err != nil {
			g.log.Error("batch rollback failed for file", "path", f.Path, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", f.Path, err))
			continue
		}
	}
	return errors.Join(errs...)
}
