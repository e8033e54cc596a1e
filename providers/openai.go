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

	"github.com/openai/openai-go/v3"
	openaioption "github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"
	"github.com/openai/openai-go/v3/shared"
	"github.com/verdictlabs/verdict/config"
	"github.com/verdictlabs/verdict/pkg/logging"
)

// NewOpenAI creates a new OpenAI client instance with the given configuration.
func NewOpenAI(cfg config.ProviderConfig) *OpenAI {
	opts := []openaioption.RequestOption{
		openaioption.WithAPIKey(cfg.APIKey),
		openaioption.WithMaxRetries(0), // disable SDK retries since Verdict has its own retry policy
	}
	if cfg.RequestTimeout != nil {
		opts = append(opts, openaioption.WithRequestTimeout(*cfg.RequestTimeout))
	}
	return &OpenAI{
		client: openai.NewClient(opts...),
	}
}

// OpenAI implements the Client interface for OpenAI generative models.
type OpenAI struct {
	client openai.Client
}

func (o OpenAI) Name() string {
	return config.OPENAI
}

func (o *OpenAI) Generate(ctx context.Context, logger logging.Logger, req Request) (response Response, err error) {
	if len(req.Transcript) == 0 {
		return response, ErrEmptyTranscript
	}

	request := openai.ChatCompletionNewParams{
		Model:     openai.ChatModel(req.Config.Model),
		Messages:  o.createMessages(req),
		N:         param.NewOpt(int64(1)), // generate only one candidate response
		MaxTokens: param.NewOpt(req.Config.MaxTokens),
	}

	if req.Config.Temperature != nil {
		request.Temperature = param.NewOpt(*req.Config.Temperature)
	}
	if req.Config.TopP != nil {
		request.TopP = param.NewOpt(*req.Config.TopP)
	}

	for _, spec := range req.Tools {
		request.Tools = append(request.Tools, openai.ChatCompletionFunctionTool(shared.FunctionDefinitionParam{
			Name:        spec.Name,
			Description: param.NewOpt(spec.Description),
			Strict:      param.NewOpt(false),
			Parameters:  shared.FunctionParameters(spec.InputSchema),
		}))
	}
	if req.ForceTool != "" {
		request.ToolChoice = openai.ChatCompletionToolChoiceOptionUnionParam{
			OfFunctionToolChoice: &openai.ChatCompletionNamedToolChoiceParam{
				Function: openai.ChatCompletionNamedToolChoiceFunctionParam{Name: req.ForceTool},
			},
		}
	} else if len(request.Tools) > 0 {
		request.ToolChoice = openai.ChatCompletionToolChoiceOptionUnionParam{
			OfAuto: param.NewOpt(string(openai.ChatCompletionToolChoiceOptionAutoAuto)),
		}
	}

	resp, err := timed(func() (*openai.ChatCompletion, error) {
		completion, err := o.client.Chat.Completions.New(ctx, request)
		if err != nil && o.isTransientResponse(err) {
			return completion, WrapErrRetryable(err)
		}
		return completion, err
	}, &response.Duration)
	if err != nil {
		return response, WrapErrGenerateResponse(err)
	} else if resp == nil || len(resp.Choices) == 0 {
		return response, WrapErrGenerateResponse(ErrEmptyResponse)
	}

	recordUsage(&resp.Usage.PromptTokens, &resp.Usage.CompletionTokens, &response.Usage)

	candidate := resp.Choices[0]
	response.Turn = Turn{
		Role:    RoleAssistant,
		Content: candidate.Message.Content,
	}
	for _, toolCall := range candidate.Message.ToolCalls {
		response.Turn.ToolCalls = append(response.Turn.ToolCalls, ToolCall{
			ID:        toolCall.ID,
			Name:      toolCall.Function.Name,
			Arguments: json.RawMessage(toolCall.Function.Arguments),
		})
	}
	if response.Turn.Content == "" && len(response.Turn.ToolCalls) == 0 {
		return response, WrapErrGenerateResponse(ErrEmptyResponse)
	}

	return response, nil
}

// createMessages converts the neutral transcript into chat completion message parameters.
// The system prompt from the run config leads the conversation when set.
func (o *OpenAI) createMessages(req Request) (messages []openai.ChatCompletionMessageParamUnion) {
	if config.IsNotBlank(req.Config.SystemPrompt) {
		messages = append(messages, openai.SystemMessage(req.Config.SystemPrompt))
	}
	for _, turn := range req.Transcript {
		switch turn.Role {
		case RoleSystem:
			messages = append(messages, openai.SystemMessage(turn.Content))
		case RoleUser:
			messages = append(messages, openai.UserMessage(turn.Content))
		case RoleAssistant:
			messages = append(messages, o.createAssistantMessage(turn))
		case RoleTool:
			messages = append(messages, openai.ToolMessage(turn.Content, turn.ToolCallID))
		}
	}
	return messages
}

func (o *OpenAI) createAssistantMessage(turn Turn) openai.ChatCompletionMessageParamUnion {
	assistant := openai.ChatCompletionAssistantMessageParam{}
	if turn.Content != "" {
		assistant.Content.OfString = param.NewOpt(turn.Content)
	}
	for _, call := range turn.ToolCalls {
		assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
			OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
				ID: call.ID,
				Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
					Name:      call.Name,
					Arguments: string(call.Arguments),
				},
			},
		})
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant}
}

func (o *OpenAI) isTransientResponse(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return slices.Contains([]int{
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusServiceUnavailable,
		}, apiErr.StatusCode)
	}
	return false
}

func (o *OpenAI) Close(ctx context.Context) error {
	return nil
}
