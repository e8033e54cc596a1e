// Copyright (C) 2025 Verdict Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at <https://mozilla.org/MPL/2.0/>.

// Package providers implements the AI model service connectors supported by
// Verdict behind one request/response contract. Adapters normalize each
// provider's request and response shapes so the conversation and scoring
// layers never see provider-specific structures.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/verdictlabs/verdict/config"
	"github.com/verdictlabs/verdict/pkg/logging"
	"golang.org/x/exp/constraints"
)

var (
	// ErrUnknownProviderName is returned when provider name is not recognized.
	ErrUnknownProviderName = errors.New("unknown provider name")
	// ErrCreateClient is returned when provider client initialization fails.
	ErrCreateClient = errors.New("failed to create client")
	// ErrGenerateResponse is returned when response generation fails.
	ErrGenerateResponse = errors.New("failed to generate response")
	// ErrEmptyResponse is returned when a provider response carries no usable content.
	ErrEmptyResponse = errors.New("no valid content found in response")
	// ErrEmptyTranscript is returned when a generate request carries no conversation turns.
	ErrEmptyTranscript = errors.New("transcript must not be empty")
	// ErrFeatureNotSupported is returned when a requested feature is not supported by the provider.
	ErrFeatureNotSupported = errors.New("feature not supported by provider")
	// ErrRetryable is returned when an operation can be retried.
	ErrRetryable = errors.New("retryable error")
)

// Role tags a transcript turn with its speaker.
type Role string

const (
	// RoleSystem marks instruction turns injected before the conversation.
	RoleSystem Role = "system"
	// RoleUser marks turns containing the evaluated prompt.
	RoleUser Role = "user"
	// RoleAssistant marks model responses, including any tool calls they carry.
	RoleAssistant Role = "assistant"
	// RoleTool marks tool results fed back into the conversation.
	RoleTool Role = "tool"
)

// ToolCall is a tool invocation requested by the model in an assistant turn.
type ToolCall struct {
	// ID correlates the call with its result turn.
	ID string `json:"id"`
	// Name is the tool to invoke.
	Name string `json:"name"`
	// Arguments is the structured JSON argument value.
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolOutput is the outcome of one tool invocation.
// Errors are carried as content with the error flag set so the model can adapt.
type ToolOutput struct {
	// CallID references the originating ToolCall.
	CallID string `json:"call_id"`
	// Name is the invoked tool's name.
	Name string `json:"name"`
	// Content is the textual result or error detail.
	Content string `json:"content"`
	// IsError reports whether the invocation failed.
	IsError bool `json:"is_error,omitempty"`
}

// Turn is one entry in a conversation transcript.
type Turn struct {
	// Role identifies the speaker.
	Role Role `json:"role"`
	// Content is the turn's text, if any.
	Content string `json:"content,omitempty"`
	// ToolCalls holds tool invocations requested by an assistant turn.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// ToolCallID references the originating call on a tool turn.
	ToolCallID string `json:"tool_call_id,omitempty"`
	// ToolName is the invoked tool's name on a tool turn.
	ToolName string `json:"tool_name,omitempty"`
	// IsError reports a failed invocation on a tool turn.
	IsError bool `json:"is_error,omitempty"`
}

// NewUserTurn creates a user turn with the given prompt text.
func NewUserTurn(content string) Turn {
	return Turn{Role: RoleUser, Content: content}
}

// NewToolTurn creates a tool turn carrying the given invocation outcome.
func NewToolTurn(output ToolOutput) Turn {
	return Turn{
		Role:       RoleTool,
		Content:    output.Content,
		ToolCallID: output.CallID,
		ToolName:   output.Name,
		IsError:    output.IsError,
	}
}

// Transcript is the append-only ordered conversation history of one case run.
// It is exclusively owned by the run processing that case.
type Transcript []Turn

// FinalAnswer returns the text content of the last assistant turn,
// or an empty string if no assistant turn produced text.
func (t Transcript) FinalAnswer() string {
	for i := len(t) - 1; i >= 0; i-- {
		if t[i].Role == RoleAssistant && t[i].Content != "" {
			return t[i].Content
		}
	}
	return ""
}

// ToolSpec describes one callable tool discovered from a tool server.
// The catalog is assembled once per run and shared read-only across all cases.
type ToolSpec struct {
	// Name is the tool's unique name across all servers.
	Name string `json:"name"`
	// Description tells the model what the tool does.
	Description string `json:"description,omitempty"`
	// InputSchema is the JSON schema of the tool's arguments.
	InputSchema map[string]interface{} `json:"input_schema,omitempty"`
	// Server identifies the owning tool server.
	Server string `json:"server,omitempty"`
}

// Request carries everything a client needs for one generate call.
type Request struct {
	// Transcript is the non-empty conversation so far.
	Transcript Transcript
	// Tools is the catalog offered to the model; may be empty.
	Tools []ToolSpec
	// Config holds the generation options for this run.
	Config config.RunConfig
	// ForceTool requires the model to respond by calling the named tool.
	// Used by the judge to obtain structured verdicts.
	ForceTool string
}

// Usage represents the token usage statistics for a response.
type Usage struct {
	InputTokens  *int64 `json:"-"` // Tokens used by the input if available.
	OutputTokens *int64 `json:"-"` // Tokens used by the output if available.
}

// Add accumulates the other usage into this one, treating nil counters as unknown.
func (u *Usage) Add(other Usage) {
	addIfNotNil(&u.InputTokens, other.InputTokens)
	addIfNotNil(&u.OutputTokens, other.OutputTokens)
}

// Response is the normalized outcome of one generate call.
type Response struct {
	// Turn is the assistant turn produced by the model.
	Turn Turn
	// Usage holds token usage statistics when the provider reports them.
	Usage Usage
	// Duration is the time spent in the provider round trip.
	Duration time.Duration
}

// Client interacts with one AI model service.
// Generate performs a pure network round trip: it never mutates the request
// transcript and has no other side effects. Transient failures are wrapped
// with ErrRetryable; all other errors are fatal for the owning case.
type Client interface {
	// Name returns the provider's unique identifier.
	Name() string
	// Generate sends the transcript and tool catalog to the model and returns
	// the normalized assistant turn.
	Generate(ctx context.Context, logger logging.Logger, req Request) (Response, error)
	// Close releases resources when the client is no longer needed.
	Close(ctx context.Context) error
}

// WrapErrRetryable wraps an error as retryable, preserving the original error chain.
func WrapErrRetryable(err error) error {
	return fmt.Errorf("%w: %w", ErrRetryable, err)
}

// WrapErrGenerateResponse wraps an error as a generate response error, preserving the original error chain.
func WrapErrGenerateResponse(err error) error {
	return fmt.Errorf("%w: %w", ErrGenerateResponse, err)
}

// IsFatal reports whether the given generate error is not eligible for retry.
func IsFatal(err error) bool {
	return err != nil && !errors.Is(err, ErrRetryable)
}

func timed[T any](f func() (T, error), out *time.Duration) (response T, err error) {
	start := time.Now()
	response, err = f()
	*out = time.Since(start)
	return
}

func recordUsage[T constraints.Signed](inputTokens *T, outputTokens *T, out *Usage) {
	addIfNotNil(&out.InputTokens, inputTokens)
	addIfNotNil(&out.OutputTokens, outputTokens)
}

func addIfNotNil[D ~int64, S constraints.Signed](dst **D, src *S) {
	if src != nil {
		if *dst == nil {
			*dst = new(D)
		}
		**dst += D(*src)
	}
}

// schemaProperties extracts the properties member from a JSON schema map.
func schemaProperties(schema map[string]interface{}) interface{} {
	if schema == nil {
		return map[string]interface{}{}
	}
	if properties, ok := schema["properties"]; ok {
		return properties
	}
	return map[string]interface{}{}
}

// schemaRequired extracts the required member from a JSON schema map.
func schemaRequired(schema map[string]interface{}) (required []string) {
	if schema == nil {
		return nil
	}
	if values, ok := schema["required"].([]interface{}); ok {
		for _, value := range values {
			if name, ok := value.(string); ok {
				required = append(required, name)
			}
		}
	}
	if values, ok := schema["required"].([]string); ok {
		required = append(required, values...)
	}
	return required
}
