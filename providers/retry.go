// Copyright (C) 2025 Verdict Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at <https://mozilla.org/MPL/2.0/>.

package providers

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/verdictlabs/verdict/config"
	"github.com/verdictlabs/verdict/pkg/logging"
	"golang.org/x/time/rate"
)

const defaultInitialRetryDelay = 1 * time.Second

// WithRetry wraps the given client with the retry and rate-limit policy
// from the provider configuration. Generate calls that fail with ErrRetryable
// are retried with exponential backoff; all other failures return immediately.
// When no retry policy and no rate limit are configured the client is
// returned unchanged.
func WithRetry(client Client, cfg config.ProviderConfig) Client {
	if cfg.RetryPolicy == nil && cfg.MaxRequestsPerMinute <= 0 {
		return client
	}
	wrapped := &retryingClient{
		Client: client,
		policy: cfg.RetryPolicy,
	}
	if cfg.MaxRequestsPerMinute > 0 {
		wrapped.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.MaxRequestsPerMinute)), cfg.MaxRequestsPerMinute)
	}
	return wrapped
}

type retryingClient struct {
	Client
	policy  *config.RetryPolicy
	limiter *rate.Limiter
}

func (c *retryingClient) Generate(ctx context.Context, logger logging.Logger, req Request) (Response, error) {
	return retry.DoValue(ctx, c.backoff(), func(ctx context.Context) (Response, error) {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return Response{}, err
			}
		}
		response, err := c.Client.Generate(ctx, logger, req)
		if err != nil && errors.Is(err, ErrRetryable) {
			logger.Message(ctx, logging.LevelDebug, "retrying transient provider failure: %v", err)
			return response, retry.RetryableError(err)
		}
		return response, err
	})
}

func (c *retryingClient) backoff() retry.Backoff {
	delay := defaultInitialRetryDelay
	attempts := 0
	if c.policy != nil {
		attempts = c.policy.MaxRetryAttempts
		if c.policy.InitialDelaySeconds > 0 {
			delay = time.Duration(c.policy.InitialDelaySeconds) * time.Second
		}
	}
	backoff := retry.NewExponential(delay)
	return retry.WithMaxRetries(uint64(attempts), backoff)
}
