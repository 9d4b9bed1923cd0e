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
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/AleutianAI/autopatch/pkg/logging"
	"github.com/AleutianAI/autopatch/services/llm"
	"github.com/AleutianAI/autopatch/services/pipeline/change"
	"github.com/AleutianAI/autopatch/services/pipeline/cleanup"
	"github.com/AleutianAI/autopatch/services/pipeline/config"
	"github.com/AleutianAI/autopatch/services/pipeline/events"
	"github.com/AleutianAI/autopatch/services/pipeline/index"
	"github.com/AleutianAI/autopatch/services/pipeline/risk"
	"github.com/AleutianAI/autopatch/services/pipeline/safety"
	"github.com/AleutianAI/autopatch/services/pipeline/storage/badgerdb"
)

// app holds the wired pipeline components for one CLI invocation.
type app struct {
	cfg      config.Config
	log      *logging.Logger
	db       *badgerdb.DB
	guardian *safety.Guardian
	manager  *change.Manager
	emitter  *events.Emitter
}

// newApp loads configuration and constructs the pipeline. The
// withGenerator flag controls whether a model backend is required;
// most commands don't need one.
func newApp(ctx context.Context, withGenerator bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Log.Level),
		LogDir:  cfg.Log.Dir,
		Service: "autopatch",
		JSON:    cfg.Log.Dir != "",
	})

	dbCfg := badgerdb.DefaultConfig()
	dbCfg.Path = filepath.Join(cfg.DataDir, "registry")
	dbCfg.Logger = logger.Slog()
	db, err := badgerdb.Open(dbCfg)
	if err != nil {
		logger.Close()
		return nil, fmt.Errorf("open change registry: %w", err)
	}

	var remote safety.RemoteClient
	if git, gerr := safety.NewGitCLI(cfg.Root, 30*time.Second); gerr == nil {
		remote = git
	}

	guardian, err := safety.NewGuardian(safety.Config{
		BackupDir: cfg.BackupDir,
		Disabled:  cfg.SafetyDisabled,
		Remote:    remote,
		Logger:    logger.Slog(),
	})
	if err != nil {
		db.Close()
		logger.Close()
		return nil, err
	}
	if err := guardian.Initialize(ctx); err != nil {
		db.Close()
		logger.Close()
		return nil, err
	}

	assessor, err := risk.NewAssessor(cfg.Risk)
	if err != nil {
		db.Close()
		logger.Close()
		return nil, err
	}

	var generator llm.Client
	if withGenerator {
		gen, gerr := llm.NewOpenAIClient(logger.Slog())
		if gerr != nil {
			db.Close()
			logger.Close()
			return nil, gerr
		}
		generator = gen
	}

	emitter := events.NewEmitter(events.WithLogger(logger.Slog()))
	manager, err := change.NewManager(change.Config{
		Root:      cfg.Root,
		Store:     change.NewBadgerStore(db),
		Assessor:  assessor,
		Guardian:  guardian,
		Emitter:   emitter,
		Generator: generator,
		Logger:    logger.Slog(),
	})
	if err != nil {
		db.Close()
		logger.Close()
		return nil, err
	}

	return &app{
		cfg:      cfg,
		log:      logger,
		db:       db,
		guardian: guardian,
		manager:  manager,
		emitter:  emitter,
	}, nil
}

// close releases the registry and log file.
func (a *app) close() {
	if err := a.db.Close(); err != nil {
		a.log.Error("closing change registry", "error", err)
	}
	_ = a.log.Close()
}

// buildIndex constructs and runs the indexer over the configured root.
func (a *app) buildIndex(ctx context.Context) (*index.Indexer, *index.Snapshot, error) {
	idxCfg := index.Config{
		Root:    a.cfg.Root,
		Workers: a.cfg.Workers,
		Logger:  a.log.Slog(),
	}
	if len(a.cfg.ExcludeDirs) > 0 {
		idxCfg.ExcludeDirs = a.cfg.ExcludeDirs
	}
	idx, err := index.New(idxCfg)
	if err != nil {
		return nil, nil, err
	}
	snap, err := idx.Index(ctx)
	if err != nil {
		return nil, nil, err
	}
	return idx, snap, nil
}

// scanTree indexes the root and runs the cleanup scanner over it.
func (a *app) scanTree(ctx context.Context) ([]cleanup.Opportunity, error) {
	_, snap, err := a.buildIndex(ctx)
	if err != nil {
		return nil, err
	}
	scanner := cleanup.NewScanner(a.cfg.Root, snap, a.log.Slog())
	return scanner.Scan(ctx)
}
