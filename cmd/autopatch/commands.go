// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/autopatch/services/pipeline/change"
	"github.com/AleutianAI/autopatch/services/pipeline/events"
	"github.com/AleutianAI/autopatch/services/pipeline/index"
	"github.com/AleutianAI/autopatch/services/pipeline/metrics"
	"github.com/AleutianAI/autopatch/services/pipeline/risk"
	"github.com/AleutianAI/autopatch/services/pipeline/safety"
)

var (
	searchPattern string

	indexCmd = &cobra.Command{
		Use:   "index",
		Short: "Index the source tree and print a structural summary",
		RunE:  runIndex,
	}

	scanPropose bool

	scanCmd = &cobra.Command{
		Use:   "scan",
		Short: "Scan the tree for mechanical cleanup opportunities",
		Long: `Scans indexed files for unused imports, leftover debug statements,
and stale TODO/FIXME markers. The scan itself never modifies anything;
pass --propose to register auto-applicable findings as change records.`,
		RunE: runScan,
	}

	proposeKind        string
	proposeFile        string
	proposeDescription string
	proposeContentFile string
	proposeGenerate    string

	proposeCmd = &cobra.Command{
		Use:   "propose",
		Short: "Propose a change and get its risk assessment",
		RunE:  runPropose,
	}

	decisionReason string

	approveCmd = &cobra.Command{
		Use:   "approve [change-id]",
		Short: "Approve a pending change for execution",
		Args:  cobra.ExactArgs(1),
		RunE:  runApprove,
	}
	rejectCmd = &cobra.Command{
		Use:   "reject [change-id]",
		Short: "Reject a change (the record is kept as history)",
		Args:  cobra.ExactArgs(1),
		RunE:  runReject,
	}
	executeCmd = &cobra.Command{
		Use:   "execute [change-id]",
		Short: "Apply an approved change with a pre-write backup",
		Args:  cobra.ExactArgs(1),
		RunE:  runExecute,
	}
	rollbackCmd = &cobra.Command{
		Use:   "rollback [change-id]",
		Short: "Restore an applied change's file from its backup",
		Args:  cobra.ExactArgs(1),
		RunE:  runRollback,
	}

	listStatus string

	listCmd = &cobra.Command{
		Use:   "list",
		Short: "List change records",
		RunE:  runList,
	}
	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Summarize the change registry by status",
		RunE:  runStats,
	}

	sweepDays int

	sweepCmd = &cobra.Command{
		Use:   "sweep",
		Short: "Delete backups older than the retention window",
		RunE:  runSweep,
	}

	publishBranch string
	publishTitle  string

	publishCmd = &cobra.Command{
		Use:   "publish [change-id...]",
		Short: "Apply approved changes and open a review for them",
		Long: `Applies the given approved changes locally, then runs the remote
workflow strictly in order: branch, commit, push, open review. If any
step fails, every applied file is rolled back to its pre-batch content.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runPublish,
	}

	watchCmd = &cobra.Command{
		Use:   "watch",
		Short: "Watch the tree and re-index when files change",
		RunE:  runWatch,
	}
)

func init() {
	indexCmd.Flags().StringVar(&searchPattern, "search", "", "only print files whose path matches this regexp")

	scanCmd.Flags().BoolVar(&scanPropose, "propose", false, "register auto-applicable findings as change records")

	proposeCmd.Flags().StringVar(&proposeKind, "kind", "update", "change kind: create|update|delete|refactor")
	proposeCmd.Flags().StringVar(&proposeFile, "file", "", "target file, relative to the tree root")
	proposeCmd.Flags().StringVar(&proposeDescription, "description", "", "what the change intends")
	proposeCmd.Flags().StringVar(&proposeContentFile, "content-file", "", "file holding the full proposed content")
	proposeCmd.Flags().StringVar(&proposeGenerate, "generate", "", "prompt for model-generated content")
	_ = proposeCmd.MarkFlagRequired("file")

	approveCmd.Flags().StringVar(&decisionReason, "reason", "approved via CLI", "decision reason")
	rejectCmd.Flags().StringVar(&decisionReason, "reason", "rejected via CLI", "decision reason")
	rollbackCmd.Flags().StringVar(&decisionReason, "reason", "rolled back via CLI", "decision reason")

	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status: pending|approved|rejected|applied|failed")

	sweepCmd.Flags().IntVar(&sweepDays, "days", 0, "retention window in days (default: config retention_days)")

	publishCmd.Flags().StringVar(&publishBranch, "branch", "", "branch name for the review")
	publishCmd.Flags().StringVar(&publishTitle, "title", "", "review title, also the commit message")
	_ = publishCmd.MarkFlagRequired("branch")
	_ = publishCmd.MarkFlagRequired("title")

	rootCmd.AddCommand(indexCmd, scanCmd, proposeCmd, approveCmd, rejectCmd,
		executeCmd, rollbackCmd, listCmd, statsCmd, sweepCmd, publishCmd, watchCmd)
}

func runIndex(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer a.close()

	start := time.Now()
	_, snap, err := a.buildIndex(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("Indexed %d files in %v\n", snap.Len(), time.Since(start).Round(time.Millisecond))

	paths := snap.Paths()
	if searchPattern != "" {
		seq, serr := snap.Search(searchPattern)
		if serr != nil {
			return serr
		}
		paths = paths[:0]
		for fs := range seq {
			paths = append(paths, fs.Path)
		}
		sort.Strings(paths)
	}
	for _, p := range paths {
		fs, _ := snap.File(p)
		fmt.Printf("  %-60s %-10s imports=%d functions=%d\n", p, fs.Language, len(fs.Imports), len(fs.Functions))
	}
	return nil
}

func runScan(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer a.close()

	opps, err := a.scanTree(cmd.Context())
	if err != nil {
		return err
	}
	if len(opps) == 0 {
		fmt.Println("No cleanup opportunities found.")
		return nil
	}

	for _, opp := range opps {
		marker := " "
		if opp.AutoApply {
			marker = "*"
		}
		fmt.Printf("%s %-16s %s:%d  %s\n", marker, opp.Type, opp.File, opp.Line, opp.Description)

		if scanPropose && opp.AutoApply {
			rec, perr := a.manager.ProposeCleanup(cmd.Context(), opp)
			if perr != nil {
				a.log.Warn("proposing cleanup failed", "file", opp.File, "error", perr)
				continue
			}
			fmt.Printf("    proposed as %s (score %d, %s)\n", rec.ID, rec.Assessment.Score, rec.Status)
		}
	}
	fmt.Println("\n* = safe to apply automatically")
	return nil
}

func runPropose(cmd *cobra.Command, _ []string) error {
	kind := risk.Kind(proposeKind)
	if !kind.Valid() {
		return fmt.Errorf("unknown kind %q", proposeKind)
	}

	a, err := newApp(cmd.Context(), proposeGenerate != "")
	if err != nil {
		return err
	}
	defer a.close()

	var content string
	if proposeContentFile != "" {
		data, rerr := os.ReadFile(proposeContentFile)
		if rerr != nil {
			return fmt.Errorf("read content file: %w", rerr)
		}
		content = string(data)
	}

	rec, err := a.manager.Propose(cmd.Context(), change.Proposal{
		Kind:        kind,
		FilePath:    proposeFile,
		Description: proposeDescription,
		NewContent:  content,
	})
	if err != nil {
		return err
	}

	if proposeGenerate != "" {
		if rec.Status != change.StatusPending {
			return fmt.Errorf("change %s was auto-approved; content is frozen", rec.ID)
		}
		rec, err = a.manager.GenerateContent(cmd.Context(), rec.ID, proposeGenerate)
		if err != nil {
			return err
		}
	}

	printRecord(rec)
	return nil
}

func runApprove(cmd *cobra.Command, args []string) error {
	return transitionCommand(cmd, args[0], func(a *app) (*change.Record, error) {
		return a.manager.Approve(cmd.Context(), args[0], decisionReason)
	})
}

func runReject(cmd *cobra.Command, args []string) error {
	return transitionCommand(cmd, args[0], func(a *app) (*change.Record, error) {
		return a.manager.Reject(cmd.Context(), args[0], decisionReason)
	})
}

func runExecute(cmd *cobra.Command, args []string) error {
	return transitionCommand(cmd, args[0], func(a *app) (*change.Record, error) {
		return a.manager.Execute(cmd.Context(), args[0])
	})
}

func runRollback(cmd *cobra.Command, args []string) error {
	return transitionCommand(cmd, args[0], func(a *app) (*change.Record, error) {
		return a.manager.Rollback(cmd.Context(), args[0], decisionReason)
	})
}

func transitionCommand(cmd *cobra.Command, _ string, op func(*app) (*change.Record, error)) error {
	a, err := newApp(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer a.close()

	rec, err := op(a)
	if err != nil {
		return err
	}
	printRecord(rec)
	return nil
}

func runList(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer a.close()

	var statuses []change.Status
	if listStatus != "" {
		statuses = append(statuses, change.Status(listStatus))
	}
	records, err := a.manager.List(cmd.Context(), statuses...)
	if err != nil {
		return err
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	for _, rec := range records {
		fmt.Printf("%s  %-8s  score=%-2d  %-8s  %s\n",
			rec.ID, rec.Status, rec.RiskScore(), rec.Kind, rec.FilePath)
	}
	fmt.Printf("%d record(s)\n", len(records))
	return nil
}

func runStats(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer a.close()

	stats, err := a.manager.Stats(cmd.Context())
	if err != nil {
		return err
	}
	for _, s := range []change.Status{change.StatusPending, change.StatusApproved,
		change.StatusApplied, change.StatusFailed, change.StatusRejected} {
		fmt.Printf("%-10s %d\n", s, stats[s])
	}
	return nil
}

func runSweep(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer a.close()

	days := sweepDays
	if days <= 0 {
		days = a.cfg.RetentionDays
	}
	deleted, err := a.guardian.CleanOldBackups(cmd.Context(), days)
	if err != nil {
		return err
	}
	metrics.RecordSweep(cmd.Context(), deleted)
	a.emitter.Emit(events.TypeSweepCompleted, "", events.SweepData{Deleted: deleted, DaysKept: days})
	fmt.Printf("Deleted %d backup(s) older than %d day(s).\n", deleted, days)
	return nil
}

func runPublish(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer a.close()
	ctx := cmd.Context()

	var (
		batch []safety.BatchChange
		recs  []*change.Record
		ids   []string
	)
	for _, id := range args {
		rec, gerr := a.manager.Get(ctx, id)
		if gerr != nil {
			return gerr
		}
		if rec.Status != change.StatusApproved {
			return fmt.Errorf("change %s is %s; only approved changes can be published", id, rec.Status)
		}
		batch = append(batch, safety.BatchChange{
			Path:    rec.FilePath,
			Content: []byte(rec.NewContent),
			Delete:  rec.Kind == risk.KindDelete,
		})
		recs = append(recs, rec)
		ids = append(ids, rec.ID)
	}

	body := fmt.Sprintf("Automated change batch of %d file(s).", len(batch))
	result, err := a.guardian.ApplyBatchWithReview(ctx, batch, publishBranch, publishTitle, body)
	if err != nil {
		if failed := result.FailedStep(); failed != nil {
			fmt.Fprintf(os.Stderr, "failed at step %q; applied files rolled back: %v\n",
				failed.Step, result.RolledBack)
		}
		return err
	}

	// Mark every record applied now that the batch is on the remote.
	for i, rec := range recs {
		if _, terr := a.manager.MarkApplied(ctx, rec.ID, result.Applied[i].BackupRef, result.URL); terr != nil {
			a.log.Warn("post-publish status update failed", "id", rec.ID, "error", terr)
		}
	}
	a.emitter.Emit(events.TypeReviewOpened, "", events.ReviewData{
		Branch:    publishBranch,
		URL:       result.URL,
		ChangeIDs: ids,
	})
	fmt.Printf("Review opened: %s\n", result.URL)
	return nil
}

func runWatch(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer a.close()

	idx, snap, err := a.buildIndex(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("Indexed %d files; watching %s for changes.\n", snap.Len(), a.cfg.Root)

	watcher, err := index.NewWatcher(idx, func(path string) {
		a.log.Info("tree changed, index marked stale", "path", path)
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if idx.Stale() {
					if snap, rerr := idx.Index(ctx); rerr == nil {
						a.log.Info("re-indexed", "files", snap.Len())
					}
				}
			}
		}
	}()

	watcher.Start(ctx)
	return nil
}

func printRecord(rec *change.Record) {
	fmt.Printf("ID:          %s\n", rec.ID)
	fmt.Printf("Status:      %s", rec.Status)
	if rec.StatusReason != "" {
		fmt.Printf(" (%s)", rec.StatusReason)
	}
	fmt.Println()
	fmt.Printf("Kind:        %s\n", rec.Kind)
	fmt.Printf("File:        %s\n", rec.FilePath)
	if rec.Description != "" {
		fmt.Printf("Description: %s\n", rec.Description)
	}
	if rec.Assessment != nil {
		fmt.Printf("Risk:        %d/10 (%s) → %s\n",
			rec.Assessment.Score, rec.Assessment.Category, rec.Assessment.Recommendation)
		for _, f := range rec.Assessment.Factors {
			fmt.Printf("  %+0.1f  %-16s %s\n", f.Impact, f.Name, f.Description)
		}
	}
	if rec.BackupRef != "" {
		fmt.Printf("Backup:      %s\n", rec.BackupRef)
	}
	if rec.RemoteRef != "" {
		fmt.Printf("Review:      %s\n", rec.RemoteRef)
	}
	if rec.Error != "" {
		fmt.Printf("Error:       %s\n", rec.Error)
	}
}
