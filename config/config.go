// Copyright (C) 2025 Verdict Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at <https://mozilla.org/MPL/2.0/>.

// Package config contains the data models representing the structure of the
// evaluation inputs for the Verdict application. It provides loading and
// validation of test-case files, tool-server configuration files, and the
// run configuration assembled from command-line options and environment
// credentials.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	// OPENAI identifies the OpenAI provider.
	OPENAI string = "openai"
	// ANTHROPIC identifies the Anthropic provider.
	ANTHROPIC string = "anthropic"
	// GOOGLE identifies the Google AI provider.
	GOOGLE string = "google"
	// DEEPSEEK identifies the DeepSeek provider.
	DEEPSEEK string = "deepseek"
)

// Default values applied when the corresponding command-line option is not given.
const (
	// DefaultJudgeProvider is the provider used for judge scoring unless overridden.
	DefaultJudgeProvider = ANTHROPIC
	// DefaultJudgeModel is the model used for judge scoring unless overridden.
	DefaultJudgeModel = "claude-3-5-sonnet-20241022"
	// DefaultThreshold is the minimum judge score for a verdict to count as passing.
	DefaultThreshold = 0.8
	// DefaultJudgeTemperature pins judge sampling for scoring determinism.
	DefaultJudgeTemperature = 0.0
	// DefaultMaxTokens is the generation cap applied to evaluated models.
	DefaultMaxTokens int64 = 1000
	// DefaultConcurrency is the number of cases evaluated in parallel.
	// Kept modest to respect provider rate limits.
	DefaultConcurrency = 4
	// DefaultMaxTurns bounds the number of assistant-response steps per case.
	DefaultMaxTurns = 10
	// DefaultIterations is the number of independent runs per case.
	DefaultIterations = 1
)

var (
	// ErrInvalidConfigProperty indicates invalid configuration.
	ErrInvalidConfigProperty = errors.New("invalid configuration property")
	// ErrMissingCredentials indicates that a required API credential is not set in the environment.
	ErrMissingCredentials = errors.New("missing API credentials")
	// ErrUnknownProvider indicates an unrecognized provider name.
	ErrUnknownProvider = errors.New("unknown provider")
)

// providerCredentialVars maps provider names to the environment variable
// holding their API key.
var providerCredentialVars = map[string]string{
	OPENAI:    "OPENAI_API_KEY",
	ANTHROPIC: "ANTHROPIC_API_KEY",
	GOOGLE:    "GEMINI_API_KEY",
	DEEPSEEK:  "DEEPSEEK_API_KEY",
}

// RunConfig holds the generation options applied to every model request for one run.
// Options not supported by a given backend are silently ignored by its adapter.
type RunConfig struct {
	// Provider is the name of the backing model provider.
	Provider string `validate:"required"`
	// Model is the provider-specific model identifier.
	Model string `validate:"required"`
	// MaxTokens caps the number of generated tokens per response.
	MaxTokens int64 `validate:"gt=0"`
	// Temperature controls sampling randomness when set.
	Temperature *float64 `validate:"omitempty,gte=0"`
	// TopP controls nucleus sampling when set.
	TopP *float64 `validate:"omitempty,gte=0,lte=1"`
	// TopK controls the sampling cutoff when set. Only some backends support it.
	TopK *int64 `validate:"omitempty,gt=0"`
	// SystemPrompt is prepended to every conversation when set.
	SystemPrompt string
}

// Validate checks the run configuration against its declared constraints.
func (c RunConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfigProperty, err)
	}
	return nil
}

// ProviderConfig holds the client settings needed to construct one provider connector.
type ProviderConfig struct {
	// Name is the provider identifier.
	Name string `validate:"required"`
	// APIKey is the credential for the provider API.
	APIKey string `validate:"required"`
	// RequestTimeout bounds a single API request when set.
	RequestTimeout *time.Duration
	// MaxRequestsPerMinute caps the request rate when positive.
	MaxRequestsPerMinute int
	// RetryPolicy enables bounded retry of transient failures when set.
	RetryPolicy *RetryPolicy
}

// RetryPolicy configures retry behavior for transient API failures.
type RetryPolicy struct {
	// MaxRetryAttempts is the maximum number of retries after the initial attempt.
	MaxRetryAttempts int `validate:"gte=0"`
	// InitialDelaySeconds is the backoff delay before the first retry; it grows exponentially.
	InitialDelaySeconds int `validate:"gte=0"`
}

// NewProviderConfigFromEnv builds a ProviderConfig for the named provider,
// reading its API key from the environment. It returns ErrMissingCredentials
// if the key is not set and ErrUnknownProvider for unrecognized names.
func NewProviderConfigFromEnv(name string) (ProviderConfig, error) {
	envVar, ok := providerCredentialVars[name]
	if !ok {
		return ProviderConfig{}, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	key := os.Getenv(envVar)
	if !IsNotBlank(key) {
		return ProviderConfig{}, fmt.Errorf("%w: %s environment variable not set", ErrMissingCredentials, envVar)
	}
	return ProviderConfig{Name: name, APIKey: key}, nil
}

// ResolveSystemPrompt resolves a system prompt command-line value.
// A value starting with '@' is treated as a path to a file whose contents
// become the prompt; any other value is used literally.
func ResolveSystemPrompt(value string) (string, error) {
	if !strings.HasPrefix(value, "@") {
		return value, nil
	}
	path := value[1:]
	contents, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read system prompt file %q: %w", path, err)
	}
	return string(contents), nil
}

// IsNotBlank returns true if the given string contains non-whitespace characters.
func IsNotBlank(value string) bool {
	return len(strings.TrimSpace(value)) > 0
}
