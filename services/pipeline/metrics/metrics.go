// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package metrics instruments the change pipeline with OpenTelemetry.
//
// Only the otel API is used; exporter wiring is left to the embedding
// process. Without a configured meter provider every call is a no-op.
package metrics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("autopatch.pipeline")

var (
	proposalsTotal   metric.Int64Counter
	assessmentsTotal metric.Int64Counter
	riskScores       metric.Int64Histogram
	executesTotal    metric.Int64Counter
	executeLatency   metric.Float64Histogram
	rollbacksTotal   metric.Int64Counter
	backupsSwept     metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the instruments. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		proposalsTotal, err = meter.Int64Counter(
			"change_proposals_total",
			metric.WithDescription("Total number of proposed changes"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		assessmentsTotal, err = meter.Int64Counter(
			"risk_assessments_total",
			metric.WithDescription("Total number of risk assessments"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		riskScores, err = meter.Int64Histogram(
			"risk_score",
			metric.WithDescription("Distribution of assessed risk scores"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		executesTotal, err = meter.Int64Counter(
			"change_executes_total",
			metric.WithDescription("Total number of change executions by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		executeLatency, err = meter.Float64Histogram(
			"change_execute_duration_seconds",
			metric.WithDescription("Duration of change executions"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		rollbacksTotal, err = meter.Int64Counter(
			"change_rollbacks_total",
			metric.WithDescription("Total number of rollbacks"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		backupsSwept, err = meter.Int64Counter(
			"backups_swept_total",
			metric.WithDescription("Total number of backups deleted by retention sweeps"),
		)
		if err != nil {
			metricsErr = err
		}
	})
	return metricsErr
}

// RecordProposal counts one proposed change.
func RecordProposal(ctx context.Context, kind string) {
	if initMetrics() != nil {
		return
	}
	proposalsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordAssessment counts one assessment and observes its score.
func RecordAssessment(ctx context.Context, category string, score int) {
	if initMetrics() != nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("category", category))
	assessmentsTotal.Add(ctx, 1, attrs)
	riskScores.Record(ctx, int64(score), attrs)
}

// RecordExecute counts one execution by outcome ("applied"/"failed")
// and observes its duration.
func RecordExecute(ctx context.Context, outcome string, d time.Duration) {
	if initMetrics() != nil {
		return
	}
	executesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	executeLatency.Record(ctx, d.Seconds())
}

// RecordRollback counts one rollback.
func RecordRollback(ctx context.Context) {
	if initMetrics() != nil {
		return
	}
	rollbacksTotal.Add(ctx, 1)
}

// RecordSweep counts backups deleted by a retention sweep.
func RecordSweep(ctx context.Context, deleted int) {
	if initMetrics() != nil {
		return
	}
	backupsSwept.Add(ctx, int64(deleted))
}
