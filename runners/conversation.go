// Copyright (C) 2025 Verdict Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at <https://mozilla.org/MPL/2.0/>.

package runners

import (
	"context"
	"fmt"
	"time"

	"github.com/verdictlabs/verdict/config"
	"github.com/verdictlabs/verdict/pkg/logging"
	"github.com/verdictlabs/verdict/providers"
)

// FinishState reports how a conversation ended.
type FinishState string

const (
	// FinishFinal means the model produced a final answer without pending tool calls.
	FinishFinal FinishState = "final"
	// FinishTruncated means the turn limit was reached before a final answer.
	FinishTruncated FinishState = "truncated"
	// FinishErrored means a fatal model or configuration error ended the run.
	FinishErrored FinishState = "errored"
)

// ToolInvoker dispatches tool calls for a conversation.
// The catalog is immutable for the lifetime of the run.
type ToolInvoker interface {
	Catalog() []providers.ToolSpec
	InvokeAll(ctx context.Context, calls []providers.ToolCall, timeout time.Duration) []providers.ToolOutput
}

// Outcome is the result of one conversation run.
type Outcome struct {
	// Transcript is the full conversation history, partial when truncated or errored.
	Transcript providers.Transcript
	// State reports how the conversation ended.
	State FinishState
	// Usage accumulates token usage over all model calls of the run.
	Usage providers.Usage
	// Duration is the total time spent in model round trips.
	Duration time.Duration
}

// Conversation drives the agentic loop for one case: it sends the prompt,
// dispatches any tool calls the model requests, feeds the results back and
// repeats until the model answers without tools or the turn limit is hit.
// A turn is one assistant-response step including all tool calls it carries.
type Conversation struct {
	client      providers.Client
	tools       ToolInvoker
	cfg         config.RunConfig
	maxTurns    int
	toolTimeout time.Duration
	logger      logging.Logger
}

// NewConversation creates a conversation runner for the given client and run
// configuration. The invoker may be nil when no tool servers are configured.
func NewConversation(client providers.Client, tools ToolInvoker, cfg config.RunConfig, maxTurns int, toolTimeout time.Duration, logger logging.Logger) *Conversation {
	if maxTurns <= 0 {
		maxTurns = config.DefaultMaxTurns
	}
	return &Conversation{
		client:      client,
		tools:       tools,
		cfg:         cfg,
		maxTurns:    maxTurns,
		toolTimeout: toolTimeout,
		logger:      logger,
	}
}

// Run evaluates one prompt to completion. Tool invocation failures are
// surfaced to the model as error-flagged tool turns and never end the run;
// only fatal model errors do, in which case the partial transcript is
// returned alongside the error.
func (c *Conversation) Run(ctx context.Context, input string) (Outcome, error) {
	outcome := Outcome{
		Transcript: providers.Transcript{providers.NewUserTurn(input)},
	}

	var catalog []providers.ToolSpec
	if c.tools != nil {
		catalog = c.tools.Catalog()
	}

	for turn := 0; turn < c.maxTurns; turn++ {
		response, err := c.client.Generate(ctx, c.logger, providers.Request{
			Transcript: outcome.Transcript,
			Tools:      catalog,
			Config:     c.cfg,
		})
		outcome.Usage.Add(response.Usage)
		outcome.Duration += response.Duration
		if err != nil {
			outcome.State = FinishErrored
			return outcome, err
		}

		outcome.Transcript = append(outcome.Transcript, response.Turn)
		c.logger.Message(ctx, logging.LevelDebug, "model turn %d: %d tool call(s), token usage [in:%s, out:%s]",
			turn+1, len(response.Turn.ToolCalls), logging.FormatLogInt64(response.Usage.InputTokens), logging.FormatLogInt64(response.Usage.OutputTokens))

		if len(response.Turn.ToolCalls) == 0 {
			outcome.State = FinishFinal
			return outcome, nil
		}

		for _, output := range c.invoke(ctx, response.Turn.ToolCalls) {
			outcome.Transcript = append(outcome.Transcript, providers.NewToolTurn(output))
		}
	}

	outcome.State = FinishTruncated
	c.logger.Message(ctx, logging.LevelWarn, "conversation truncated after %d turns", c.maxTurns)
	return outcome, nil
}

func (c *Conversation) invoke(ctx context.Context, calls []providers.ToolCall) []providers.ToolOutput {
	if c.tools != nil {
		return c.tools.InvokeAll(ctx, calls, c.toolTimeout)
	}

	// No tool servers are configured but the model requested tools anyway.
	outputs := make([]providers.ToolOutput, len(calls))
	for i, call := range calls {
		outputs[i] = providers.ToolOutput{
			CallID:  call.ID,
			Name:    call.Name,
			Content: fmt.Sprintf("tool not found: %q", call.Name),
			IsError: true,
		}
	}
	return outputs
}
