// Copyright (C) 2025 Verdict Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at <https://mozilla.org/MPL/2.0/>.

package providers

import (
	"context"
	"fmt"

	deepseek "github.com/cohesion-org/deepseek-go"
	"github.com/verdictlabs/verdict/config"
	"github.com/verdictlabs/verdict/pkg/logging"
)

// NewDeepseek creates a new Deepseek client instance with the given configuration.
func NewDeepseek(cfg config.ProviderConfig) (*Deepseek, error) {
	opts := make([]deepseek.Option, 0)
	if cfg.RequestTimeout != nil {
		opts = append(opts, deepseek.WithTimeout(*cfg.RequestTimeout))
	}
	client, err := deepseek.NewClientWithOptions(cfg.APIKey, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCreateClient, err)
	}
	return &Deepseek{
		client: client,
	}, nil
}

// Deepseek implements the Client interface for Deepseek generative models.
// The Deepseek API does not support tool calling in the current version,
// so requests carrying a tool catalog are rejected.
type Deepseek struct {
	client *deepseek.Client
}

func (o Deepseek) Name() string {
	return config.DEEPSEEK
}

func (o *Deepseek) Generate(ctx context.Context, logger logging.Logger, req Request) (response Response, err error) {
	if len(req.Transcript) == 0 {
		return response, ErrEmptyTranscript
	}
	if len(req.Tools) > 0 || req.ForceTool != "" {
		return response, fmt.Errorf("%w: %s", ErrFeatureNotSupported, "tool calling")
	}

	request := &deepseek.ChatCompletionRequest{
		Model:    req.Config.Model,
		Messages: o.createMessages(req),
	}
	if req.Config.MaxTokens > 0 {
		request.MaxTokens = int(req.Config.MaxTokens)
	}
	if req.Config.Temperature != nil {
		request.Temperature = float32(*req.Config.Temperature)
	}
	if req.Config.TopP != nil {
		request.TopP = float32(*req.Config.TopP)
	}

	resp, err := timed(func() (*deepseek.ChatCompletionResponse, error) {
		return o.client.CreateChatCompletion(ctx, request)
	}, &response.Duration)
	if err != nil {
		return response, WrapErrGenerateResponse(err)
	} else if resp == nil || len(resp.Choices) == 0 {
		return response, WrapErrGenerateResponse(ErrEmptyResponse)
	}

	recordUsage(&resp.Usage.PromptTokens, &resp.Usage.CompletionTokens, &response.Usage)

	response.Turn = Turn{
		Role:    RoleAssistant,
		Content: resp.Choices[0].Message.Content,
	}
	if response.Turn.Content == "" {
		return response, WrapErrGenerateResponse(ErrEmptyResponse)
	}

	return response, nil
}

func (o *Deepseek) createMessages(req Request) (messages []deepseek.ChatCompletionMessage) {
	if config.IsNotBlank(req.Config.SystemPrompt) {
		messages = append(messages, deepseek.ChatCompletionMessage{
			Role:    deepseek.ChatMessageRoleSystem,
			Content: req.Config.SystemPrompt,
		})
	}
	for _, turn := range req.Transcript {
		role := deepseek.ChatMessageRoleUser
		switch turn.Role {
		case RoleSystem:
			role = deepseek.ChatMessageRoleSystem
		case RoleAssistant:
			role = deepseek.ChatMessageRoleAssistant
		}
		messages = append(messages, deepseek.ChatCompletionMessage{
			Role:    role,
			Content: turn.Content,
		})
	}
	return messages
}

func (o *Deepseek) Close(ctx context.Context) error {
	return nil
}
