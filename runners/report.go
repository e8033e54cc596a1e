// Copyright (C) 2025 Verdict Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at <https://mozilla.org/MPL/2.0/>.

package runners

import (
	"time"

	"github.com/google/uuid"
	"github.com/verdictlabs/verdict/config"
	"github.com/verdictlabs/verdict/providers"
)

// ErrorKind classifies a case-level failure in the report.
type ErrorKind string

const (
	// ErrorKindProvider marks a fatal model provider failure.
	ErrorKindProvider ErrorKind = "provider_error"
	// ErrorKindJudgeParse marks a judge response that could not be parsed.
	ErrorKindJudgeParse ErrorKind = "judge_parse_error"
	// ErrorKindEmptyAnswer marks a conversation that ended with no final text to score.
	ErrorKindEmptyAnswer ErrorKind = "empty_answer"
	// ErrorKindTimeout marks a case cancelled by the overall run deadline.
	ErrorKindTimeout ErrorKind = "case_timeout"
	// ErrorKindPanic marks a case that ended in a recovered panic.
	ErrorKindPanic ErrorKind = "panic"
)

// CaseError is the error detail recorded on a failed iteration.
type CaseError struct {
	// Kind classifies the failure.
	Kind ErrorKind `json:"kind"`
	// Detail is the underlying error text.
	Detail string `json:"detail"`
}

// IterationResult is the outcome of one independent evaluation of a case.
// An iteration with an error carries no verdict.
type IterationResult struct {
	// Verdict is the judge's assessment; absent when the iteration errored.
	Verdict *Verdict `json:"verdict,omitempty"`
	// State reports how the conversation ended.
	State FinishState `json:"state"`
	// Error is the failure detail when the iteration errored.
	Error *CaseError `json:"error,omitempty"`
	// Elapsed is the wall-clock duration of the iteration.
	Elapsed time.Duration `json:"elapsed_ns"`
}

// CaseResult is the complete outcome of one test case.
// The top-level verdict and error mirror the last iteration so single-iteration
// runs read naturally; multi-iteration detail lives in Iterations.
type CaseResult struct {
	// Index is the case's position in the input file.
	Index int `json:"index"`
	// Input is the evaluated prompt.
	Input string `json:"input"`
	// ExpectedOutput is the case's expectation, if any.
	ExpectedOutput *config.ExpectedOutput `json:"expected_output,omitempty"`
	// Category is the case's category bucket.
	Category string `json:"category"`
	// Transcript is the conversation history of the last iteration.
	Transcript providers.Transcript `json:"transcript"`
	// Iterations holds every independent evaluation of the case in run order.
	Iterations []IterationResult `json:"iterations"`
	// Verdict mirrors the last iteration's verdict.
	Verdict *Verdict `json:"verdict,omitempty"`
	// Error mirrors the last iteration's error.
	Error *CaseError `json:"error,omitempty"`
	// PassRate is the fraction of iterations that passed.
	PassRate float64 `json:"pass_rate"`
	// Details carries extra output-time context, such as a patch against the
	// expected answer for failed comparison cases.
	Details string `json:"details,omitempty"`
}

// finish records the iteration set on the result and derives the
// convenience fields from it.
func (r *CaseResult) finish(iterations []IterationResult) {
	r.Iterations = iterations
	passed := 0
	for _, iteration := range iterations {
		if iteration.Verdict != nil && iteration.Verdict.Pass {
			passed++
		}
	}
	if len(iterations) > 0 {
		last := iterations[len(iterations)-1]
		r.Verdict = last.Verdict
		r.Error = last.Error
		r.PassRate = float64(passed) / float64(len(iterations))
	}
}

// Summary holds the aggregate statistics of a run. With repeated iterations
// each iteration counts as one observation; errored observations count as
// failures but are excluded from the score statistics.
type Summary struct {
	Total        int      `json:"total"`
	Passed       int      `json:"passed"`
	Failed       int      `json:"failed"`
	Errored      int      `json:"errored"`
	PassRate     float64  `json:"pass_rate"`
	AverageScore *float64 `json:"average_score,omitempty"`
	MinScore     *float64 `json:"min_score,omitempty"`
	MaxScore     *float64 `json:"max_score,omitempty"`
}

// CategoryStats holds the aggregate statistics of one category bucket.
type CategoryStats struct {
	Total    int     `json:"total"`
	Passed   int     `json:"passed"`
	Failed   int     `json:"failed"`
	Errored  int     `json:"errored"`
	PassRate float64 `json:"pass_rate"`
}

// RunInfo is the configuration snapshot embedded in the report for reproducibility.
type RunInfo struct {
	ID            string        `json:"id"`
	GeneratedAt   time.Time     `json:"generated_at"`
	Duration      time.Duration `json:"duration_ns"`
	Provider      string        `json:"provider"`
	Model         string        `json:"model"`
	JudgeProvider string        `json:"judge_provider"`
	JudgeModel    string        `json:"judge_model"`
	Threshold     float64       `json:"threshold"`
	Iterations    int           `json:"iterations"`
	Concurrency   int           `json:"concurrency"`
	MaxTurns      int           `json:"max_turns"`
}

// Report is the final output of one evaluation run. Results are ordered by
// case index, matching the input file order.
type Report struct {
	Run        RunInfo                  `json:"run"`
	Summary    Summary                  `json:"summary"`
	Categories map[string]CategoryStats `json:"categories"`
	Results    []CaseResult             `json:"results"`
}

// NewReport aggregates the completed case results into a report.
func NewReport(info RunInfo, results []CaseResult) Report {
	if info.ID == "" {
		info.ID = uuid.NewString()
	}
	if info.GeneratedAt.IsZero() {
		info.GeneratedAt = time.Now().UTC()
	}

	summary := Summary{}
	categories := make(map[string]CategoryStats)
	var scoreSum float64

	for _, result := range results {
		stats := categories[result.Category]
		for _, iteration := range result.Iterations {
			summary.Total++
			stats.Total++
			switch {
			case iteration.Error != nil:
				summary.Errored++
				stats.Errored++
			case iteration.Verdict != nil:
				score := iteration.Verdict.Score
				scoreSum += score
				if summary.MinScore == nil || score < *summary.MinScore {
					summary.MinScore = &score
				}
				if summary.MaxScore == nil || score > *summary.MaxScore {
					summary.MaxScore = &score
				}
				if iteration.Verdict.Pass {
					summary.Passed++
					stats.Passed++
				}
			}
		}
		categories[result.Category] = stats
	}

	summary.Failed = summary.Total - summary.Passed
	if summary.Total > 0 {
		summary.PassRate = float64(summary.Passed) / float64(summary.Total)
	}
	if judged := summary.Total - summary.Errored; judged > 0 && summary.MinScore != nil {
		average := scoreSum / float64(judged)
		summary.AverageScore = &average
	}

	for category, stats := range categories {
		stats.Failed = stats.Total - stats.Passed
		if stats.Total > 0 {
			stats.PassRate = float64(stats.Passed) / float64(stats.Total)
		}
		categories[category] = stats
	}

	return Report{
		Run:        info,
		Summary:    summary,
		Categories: categories,
		Results:    results,
	}
}
