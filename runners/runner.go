// Copyright (C) 2025 Verdict Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at <https://mozilla.org/MPL/2.0/>.

// Package runners contains the evaluation pipeline of the Verdict
// application: the per-case agentic conversation loop, the judge scoring
// step, the bounded-concurrency orchestrator and the report aggregation.
package runners

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/verdictlabs/verdict/config"
	"github.com/verdictlabs/verdict/pkg/logging"
	"github.com/verdictlabs/verdict/providers"
)

// Options configures one orchestrated evaluation run.
type Options struct {
	// Concurrency caps the number of cases evaluated in parallel.
	Concurrency int
	// Iterations is the number of independent evaluations per case.
	Iterations int
	// MaxTurns bounds the assistant-response steps per conversation.
	MaxTurns int
	// ToolTimeout bounds a single tool invocation when positive.
	ToolTimeout time.Duration
	// Timeout is the overall run deadline when positive. Cases still in
	// flight when it elapses are recorded as timeout-errored.
	Timeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = config.DefaultConcurrency
	}
	if o.Iterations <= 0 {
		o.Iterations = config.DefaultIterations
	}
	if o.MaxTurns <= 0 {
		o.MaxTurns = config.DefaultMaxTurns
	}
	return o
}

// Orchestrator drives every case to completion on a bounded worker pool and
// aggregates the results into a report whose case order matches input order
// regardless of completion order.
type Orchestrator struct {
	conversation *Conversation
	judge        *Judge
	opts         Options
	logger       logging.Logger
}

// NewOrchestrator creates an orchestrator evaluating cases with the given
// model client and scoring them with the given judge. The tool invoker may
// be nil when no tool servers are configured.
func NewOrchestrator(client providers.Client, judge *Judge, tools ToolInvoker, cfg config.RunConfig, opts Options, logger logging.Logger) *Orchestrator {
	opts = opts.withDefaults()
	return &Orchestrator{
		conversation: NewConversation(client, tools, cfg, opts.MaxTurns, opts.ToolTimeout, logger.WithContext("conversation: ")),
		judge:        judge,
		opts:         opts,
		logger:       logger,
	}
}

// Run evaluates all cases and returns the aggregated report. A fatal error
// in one case is captured into that case's result and never affects the
// others; Run itself does not fail.
func (o *Orchestrator) Run(ctx context.Context, cases []config.TestCase, info RunInfo) Report {
	if o.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.Timeout)
		defer cancel()
	}

	o.logger.Message(ctx, logging.LevelInfo, "starting %d case(s) with concurrency %d, %d iteration(s) each", len(cases), o.opts.Concurrency, o.opts.Iterations)
	start := time.Now()

	results := make([]CaseResult, len(cases))
	indexes := make(chan int)

	workers := min(o.opts.Concurrency, len(cases))
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range indexes {
				results[i] = o.evaluateCase(ctx, i, cases[i])
			}
		}()
	}
	for i := range cases {
		indexes <- i
	}
	close(indexes)
	wg.Wait()

	info.Duration = time.Since(start)
	info.Threshold = o.judge.Threshold()
	info.Iterations = o.opts.Iterations
	info.Concurrency = o.opts.Concurrency
	info.MaxTurns = o.opts.MaxTurns

	o.logger.Message(ctx, logging.LevelInfo, "all cases have finished in %s", info.Duration)
	return NewReport(info, results)
}

func (o *Orchestrator) evaluateCase(ctx context.Context, index int, testCase config.TestCase) (result CaseResult) {
	result = CaseResult{
		Index:          index,
		Input:          testCase.Input,
		ExpectedOutput: testCase.ExpectedOutput,
		Category:       testCase.Category(),
	}
	caseLogger := o.logger.WithContext(fmt.Sprintf("case %d: ", index))

	iterations := make([]IterationResult, 0, o.opts.Iterations)
	defer func() {
		if p := recover(); p != nil {
			iterations = append(iterations, IterationResult{
				State: FinishErrored,
				Error: &CaseError{Kind: ErrorKindPanic, Detail: fmt.Sprintf("%v", p)},
			})
		}
		result.finish(iterations)
	}()

	for i := 0; i < o.opts.Iterations; i++ {
		caseLogger.Message(ctx, logging.LevelInfo, "starting iteration %d of %d...", i+1, o.opts.Iterations)
		iteration, transcript := o.evaluateIteration(ctx, caseLogger, testCase)
		iterations = append(iterations, iteration)
		result.Transcript = transcript
	}
	return result
}

// evaluateIteration performs one conversation and one judge assessment.
func (o *Orchestrator) evaluateIteration(ctx context.Context, logger logging.Logger, testCase config.TestCase) (IterationResult, providers.Transcript) {
	start := time.Now()
	iteration := IterationResult{}

	outcome, err := o.conversation.Run(ctx, testCase.Input)
	iteration.State = outcome.State
	if err != nil {
		logger.Error(ctx, logging.LevelWarn, err, "conversation failed")
		iteration.Error = o.classifyError(ctx, err)
		iteration.Elapsed = time.Since(start)
		return iteration, outcome.Transcript
	}

	logger.Message(ctx, logging.LevelDebug, "token usage: [in:%s, out:%s]",
		logging.FormatLogInt64(outcome.Usage.InputTokens), logging.FormatLogInt64(outcome.Usage.OutputTokens))

	verdict, err := o.judge.Score(ctx, testCase, outcome.Transcript)
	if err != nil {
		logger.Error(ctx, logging.LevelWarn, err, "judge assessment failed")
		iteration.Error = o.classifyError(ctx, err)
	} else {
		iteration.Verdict = &verdict
	}

	iteration.Elapsed = time.Since(start)
	return iteration, outcome.Transcript
}

func (o *Orchestrator) classifyError(ctx context.Context, err error) *CaseError {
	kind := ErrorKindProvider
	switch {
	case ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded):
		kind = ErrorKindTimeout
	case errors.Is(err, ErrJudgeParse):
		kind = ErrorKindJudgeParse
	case errors.Is(err, ErrJudgeEmptyAnswer):
		kind = ErrorKindEmptyAnswer
	}
	return &CaseError{Kind: kind, Detail: err.Error()}
}
