// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm provides the model backend used to generate proposed
// file content for change records.
package llm

import (
	"context"
	"errors"
)

// ErrService wraps failures of the external model service: network
// errors, API errors, rate-limit refusals, and missing deadlines.
var ErrService = errors.New("llm: model service failed")

// GenerationParams tunes a single generation request. Nil fields keep
// the backend's defaults.
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// Client is the standard interface for any model backend.
//
// Implementations must honor ctx cancellation and must refuse calls
// whose context carries no deadline: a generation request without a
// timeout can stall the whole pipeline.
type Client interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
}
