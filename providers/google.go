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
	"fmt"
	"net/http"
	"slices"

	"github.com/verdictlabs/verdict/config"
	"github.com/verdictlabs/verdict/pkg/logging"
	"google.golang.org/genai"
)

// NewGoogleAI creates a new GoogleAI client instance with the given configuration.
// It returns an error if client initialization fails.
func NewGoogleAI(ctx context.Context, cfg config.ProviderConfig) (*GoogleAI, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCreateClient, err)
	}
	return &GoogleAI{
		client: client,
	}, nil
}

// GoogleAI implements the Client interface for Google AI generative models.
type GoogleAI struct {
	client *genai.Client
}

func (o GoogleAI) Name() string {
	return config.GOOGLE
}

func (o *GoogleAI) Generate(ctx context.Context, logger logging.Logger, req Request) (response Response, err error) {
	if len(req.Transcript) == 0 {
		return response, ErrEmptyTranscript
	}

	generateConfig := &genai.GenerateContentConfig{
		CandidateCount:  1,
		MaxOutputTokens: int32(req.Config.MaxTokens),
	}

	if config.IsNotBlank(req.Config.SystemPrompt) {
		generateConfig.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{genai.NewPartFromText(req.Config.SystemPrompt)},
		}
	}
	if req.Config.Temperature != nil {
		generateConfig.Temperature = genai.Ptr(float32(*req.Config.Temperature))
	}
	if req.Config.TopP != nil {
		generateConfig.TopP = genai.Ptr(float32(*req.Config.TopP))
	}
	if req.Config.TopK != nil {
		// TopK should logically be an integer (number of tokens), but the Go genai library
		// expects float32.
		generateConfig.TopK = genai.Ptr(float32(*req.Config.TopK))
	}

	if len(req.Tools) > 0 {
		tool := &genai.Tool{}
		for _, spec := range req.Tools {
			tool.FunctionDeclarations = append(tool.FunctionDeclarations, &genai.FunctionDeclaration{
				Name:                 spec.Name,
				Description:          spec.Description,
				ParametersJsonSchema: spec.InputSchema,
			})
		}
		generateConfig.Tools = []*genai.Tool{tool}
	}
	if req.ForceTool != "" {
		generateConfig.ToolConfig = &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{
				Mode:                 genai.FunctionCallingConfigModeAny,
				AllowedFunctionNames: []string{req.ForceTool},
			},
		}
	}

	contents, err := o.createContents(req.Transcript)
	if err != nil {
		return response, err
	}

	resp, err := timed(func() (*genai.GenerateContentResponse, error) {
		result, err := o.client.Models.GenerateContent(ctx, req.Config.Model, contents, generateConfig)
		if err != nil && o.isTransientResponse(err) {
			return result, WrapErrRetryable(err)
		}
		return result, err
	}, &response.Duration)
	if err != nil {
		return response, WrapErrGenerateResponse(err)
	} else if resp == nil || len(resp.Candidates) == 0 {
		return response, WrapErrGenerateResponse(ErrEmptyResponse)
	}

	if resp.UsageMetadata != nil {
		recordUsage(&resp.UsageMetadata.PromptTokenCount, &resp.UsageMetadata.CandidatesTokenCount, &response.Usage)
	}

	response.Turn = Turn{Role: RoleAssistant}
	for _, candidate := range resp.Candidates {
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part.Text != "" {
				response.Turn.Content += part.Text
			}
			if part.FunctionCall != nil {
				arguments, err := json.Marshal(part.FunctionCall.Args)
				if err != nil {
					return response, WrapErrGenerateResponse(err)
				}
				response.Turn.ToolCalls = append(response.Turn.ToolCalls, ToolCall{
					ID:        part.FunctionCall.ID,
					Name:      part.FunctionCall.Name,
					Arguments: arguments,
				})
			}
		}
	}
	if response.Turn.Content == "" && len(response.Turn.ToolCalls) == 0 {
		return response, WrapErrGenerateResponse(ErrEmptyResponse)
	}

	return response, nil
}

// createContents converts the neutral transcript into genai content entries.
// Assistant turns map to the model role; tool results become function response parts.
func (o *GoogleAI) createContents(transcript Transcript) (contents []*genai.Content, err error) {
	for _, turn := range transcript {
		switch turn.Role {
		case RoleSystem, RoleUser:
			contents = append(contents, &genai.Content{
				Role:  genai.RoleUser,
				Parts: []*genai.Part{genai.NewPartFromText(turn.Content)},
			})
		case RoleAssistant:
			var parts []*genai.Part
			if turn.Content != "" {
				parts = append(parts, genai.NewPartFromText(turn.Content))
			}
			for _, call := range turn.ToolCalls {
				args := map[string]any{}
				if len(call.Arguments) > 0 {
					if err := json.Unmarshal(call.Arguments, &args); err != nil {
						return nil, fmt.Errorf("malformed tool call arguments: %w", err)
					}
				}
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					ID:   call.ID,
					Name: call.Name,
					Args: args,
				}})
			}
			contents = append(contents, &genai.Content{Role: genai.RoleModel, Parts: parts})
		case RoleTool:
			result := map[string]any{"output": turn.Content}
			if turn.IsError {
				result = map[string]any{"error": turn.Content}
			}
			contents = append(contents, &genai.Content{
				Role:  genai.RoleUser,
				Parts: []*genai.Part{genai.NewPartFromFunctionResponse(turn.ToolName, result)},
			})
		}
	}
	return contents, nil
}

func (o *GoogleAI) isTransientResponse(err error) bool {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return slices.Contains([]int{
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusServiceUnavailable,
		}, apiErr.Code)
	}
	return false
}

func (o *GoogleAI) Close(ctx context.Context) error {
	return nil
}
