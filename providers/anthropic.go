// Copyright (C) 2025 Verdict Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at <https://mozilla.org/MPL/2.0/>.

package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/verdictlabs/verdict/config"
	"github.com/verdictlabs/verdict/pkg/logging"
)

// anthropicOverloadedStatus is returned by the Anthropic API when capacity is exceeded.
const anthropicOverloadedStatus = 529

// NewAnthropic creates a new Anthropic client instance with the given configuration.
func NewAnthropic(cfg config.ProviderConfig) *Anthropic {
	opts := []anthropicoption.RequestOption{
		anthropicoption.WithAPIKey(cfg.APIKey),
		anthropicoption.WithMaxRetries(0), // disable SDK retries since Verdict has its own retry policy
	}
	if cfg.RequestTimeout != nil {
		opts = append(opts, anthropicoption.WithRequestTimeout(*cfg.RequestTimeout))
	}
	return &Anthropic{
		client: anthropic.NewClient(opts...),
	}
}

// Anthropic implements the Client interface for Anthropic generative models.
type Anthropic struct {
	client anthropic.Client
}

func (o Anthropic) Name() string {
	return config.ANTHROPIC
}

func (o *Anthropic) Generate(ctx context.Context, logger logging.Logger, req Request) (response Response, err error) {
	if len(req.Transcript) == 0 {
		return response, ErrEmptyTranscript
	}

	request := anthropic.MessageNewParams{
		MaxTokens: req.Config.MaxTokens,
		Model:     anthropic.Model(req.Config.Model),
	}

	if config.IsNotBlank(req.Config.SystemPrompt) {
		request.System = []anthropic.TextBlockParam{
			{Text: req.Config.SystemPrompt},
		}
	}
	if req.Config.Temperature != nil {
		request.Temperature = anthropic.Float(*req.Config.Temperature)
	}
	if req.Config.TopP != nil {
		request.TopP = anthropic.Float(*req.Config.TopP)
	}
	if req.Config.TopK != nil {
		request.TopK = anthropic.Int(*req.Config.TopK)
	}

	for _, spec := range req.Tools {
		request.Tools = append(request.Tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        spec.Name,
				Description: anthropic.String(spec.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: schemaProperties(spec.InputSchema),
					Required:   schemaRequired(spec.InputSchema),
				},
			},
		})
	}
	if req.ForceTool != "" {
		request.ToolChoice = anthropic.ToolChoiceParamOfTool(req.ForceTool)
	} else if len(request.Tools) > 0 {
		request.ToolChoice = anthropic.ToolChoiceUnionParam{
			OfAuto: &anthropic.ToolChoiceAutoParam{},
		}
	}

	if request.Messages, err = o.createMessages(req.Transcript); err != nil {
		return response, err
	}

	resp, err := timed(func() (*anthropic.Message, error) {
		message, err := o.client.Messages.New(ctx, request)
		if err != nil && o.isTransientResponse(err) {
			return message, WrapErrRetryable(err)
		}
		return message, err
	}, &response.Duration)
	if err != nil {
		return response, WrapErrGenerateResponse(err)
	} else if resp == nil {
		return response, WrapErrGenerateResponse(ErrEmptyResponse)
	}

	recordUsage(&resp.Usage.InputTokens, &resp.Usage.OutputTokens, &response.Usage)

	response.Turn = Turn{Role: RoleAssistant}
	for _, block := range resp.Content {
		switch block := block.AsAny().(type) {
		case anthropic.TextBlock:
			response.Turn.Content += block.Text
		case anthropic.ToolUseBlock:
			response.Turn.ToolCalls = append(response.Turn.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: json.RawMessage(block.Input),
			})
		}
	}
	if response.Turn.Content == "" && len(response.Turn.ToolCalls) == 0 {
		return response, WrapErrGenerateResponse(ErrEmptyResponse)
	}

	return response, nil
}

// createMessages converts the neutral transcript into Anthropic message parameters.
// System turns are not expected here; the system prompt travels in the request config.
// Tool results must be sent in user messages per the Anthropic messages API.
func (o *Anthropic) createMessages(transcript Transcript) (messages []anthropic.MessageParam, err error) {
	for _, turn := range transcript {
		switch turn.Role {
		case RoleSystem:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(turn.Content)))
		case RoleUser:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(turn.Content)))
		case RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if turn.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(turn.Content))
			}
			for _, call := range turn.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, call.Arguments, call.Name))
			}
			messages = append(messages, anthropic.NewAssistantMessage(blocks...))
		case RoleTool:
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(turn.ToolCallID, turn.Content, turn.IsError),
			))
		}
	}
	return messages, nil
}

func (o *Anthropic) isTransientResponse(err error) bool {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return slices.Contains([]int{
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusServiceUnavailable,
			anthropicOverloadedStatus,
		}, apiErr.StatusCode)
	}
	return false
}

func (o *Anthropic) Close(ctx context.Context) error {
	return nil
}
