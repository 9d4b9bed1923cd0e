// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

const (
	defaultModel   = "gpt-4o-mini"
	secretKeyPath  = "/run/secrets/openai_api_key"
	defaultSystem  = "You are a precise code-modification assistant. Output only the requested file content."
	requestsPerSec = 2
	requestBurst   = 4
)

// OpenAIClient generates content through the OpenAI chat API.
//
// # Description
//
// The API key comes from OPENAI_API_KEY or, failing that, the mounted
// secret file. The model comes from OPENAI_MODEL with a logged
// default. Outbound requests pass a client-side rate limiter so a
// scan that proposes many changes can't hammer the API.
//
// # Thread Safety
//
// Safe for concurrent use.
type OpenAIClient struct {
	client  *openai.Client
	model   string
	limiter *rate.Limiter
	log     *slog.Logger
}

// NewOpenAIClient builds a client from the environment.
func NewOpenAIClient(logger *slog.Logger) (*OpenAIClient, error) {
	if logger == nil {
		logger = slog.Default()
	}

	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		keyBytes, err := os.ReadFile(secretKeyPath)
		if err != nil {
			logger.Error("OPENAI_API_KEY not set and secret not found", "path", secretKeyPath)
			return nil, fmt.Errorf("%w: OPENAI_API_KEY not set", ErrService)
		}
		apiKey = strings.TrimSpace(string(keyBytes))
		logger.Info("read OpenAI API key from mounted secret")
	}

	model := os.Getenv("OPENAI_MODEL")
	if model == "" {
		model = defaultModel
		logger.Warn("OPENAI_MODEL not set, using default", "model", model)
	}

	logger.Info("initializing OpenAI client", "model", model)
	return &OpenAIClient{
		client:  openai.NewClient(apiKey),
		model:   model,
		limiter: rate.NewLimiter(rate.Limit(requestsPerSec), requestBurst),
		log:     logger,
	}, nil
}

// Generate implements Client.
func (o *OpenAIClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	if _, ok := ctx.Deadline(); !ok {
		return "", fmt.Errorf("%w: context has no deadline", ErrService)
	}
	if err := o.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("%w: rate limit wait: %v", ErrService, err)
	}

	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: defaultSystem},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}

	o.log.Debug("generating content", "model", o.model, "prompt_len", len(prompt))
	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		o.log.Error("OpenAI API call failed", "error", err)
		return "", fmt.Errorf("%w: %v", ErrService, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices returned", ErrService)
	}

	o.log.Debug("received model response", "finish_reason", resp.Choices[0].FinishReason)
	return resp.Choices[0].Message.Content, nil
}
