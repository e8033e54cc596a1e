// Copyright (C) 2025 Verdict Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at <https://mozilla.org/MPL/2.0/>.

package providers

import (
	"context"
	"fmt"

	"github.com/verdictlabs/verdict/config"
)

// NewClient creates a new AI model client based on the given configuration.
// The returned client is wrapped with the configured retry and rate-limit
// policy. It returns an error if the provider name is unknown or
// initialization fails.
func NewClient(ctx context.Context, cfg config.ProviderConfig) (Client, error) {
	client, err := newBaseClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return WithRetry(client, cfg), nil
}

func newBaseClient(ctx context.Context, cfg config.ProviderConfig) (Client, error) {
	switch cfg.Name {
	case config.OPENAI:
		return NewOpenAI(cfg), nil
	case config.ANTHROPIC:
		return NewAnthropic(cfg), nil
	case config.GOOGLE:
		return NewGoogleAI(ctx, cfg)
	case config.DEEPSEEK:
		return NewDeepseek(cfg)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownProviderName, cfg.Name)
}
