// Copyright (C) 2025 Verdict Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at <https://mozilla.org/MPL/2.0/>.

package formatters

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/verdictlabs/verdict/config"
	"github.com/verdictlabs/verdict/providers"
	"github.com/verdictlabs/verdict/runners"
)

func contentExpectation(text string) *config.ExpectedOutput {
	return &config.ExpectedOutput{Type: config.ExpectedContent, Description: text}
}

func answeredCase(index int, input, answer string, verdict *runners.Verdict) runners.CaseResult {
	return runners.CaseResult{
		Index:    index,
		Input:    input,
		Category: config.UncategorizedBucket,
		Transcript: providers.Transcript{
			providers.NewUserTurn(input),
			{Role: providers.RoleAssistant, Content: answer},
		},
		Iterations: []runners.IterationResult{{Verdict: verdict, State: runners.FinishFinal}},
		Verdict:    verdict,
	}
}

func TestJSONFormatterFileExt(t *testing.T) {
	assert.Equal(t, ".json", NewJSONFormatter().FileExt())
}

func TestJSONFormatterWrite(t *testing.T) {
	verdict := &runners.Verdict{Score: 1.0, Rationale: "exact match", Pass: true}
	report := runners.NewReport(runners.RunInfo{
		Provider: "anthropic",
		Model:    "claude-test",
	}, []runners.CaseResult{answeredCase(0, "2+2?", "4", verdict)})

	var buf bytes.Buffer
	require.NoError(t, NewJSONFormatter().Write(report, &buf))

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))

	run := decoded["run"].(map[string]interface{})
	assert.Equal(t, "anthropic", run["provider"])
	assert.NotEmpty(t, run["id"])

	summary := decoded["summary"].(map[string]interface{})
	assert.Equal(t, float64(1), summary["total"])
	assert.Equal(t, float64(1), summary["passed"])

	results := decoded["results"].([]interface{})
	require.Len(t, results, 1)
	result := results[0].(map[string]interface{})
	assert.Equal(t, "2+2?", result["input"])
	assert.NotContains(t, result, "details")
}

func TestJSONFormatterAnnotatesFailedComparison(t *testing.T) {
	verdict := &runners.Verdict{Score: 0.2, Rationale: "wrong answer", Pass: false}
	failed := answeredCase(0, "2+2?", "5", verdict)
	failed.ExpectedOutput = contentExpectation("4")
	report := runners.NewReport(runners.RunInfo{}, []runners.CaseResult{failed})

	var buf bytes.Buffer
	require.NoError(t, NewJSONFormatter().Write(report, &buf))

	var decoded struct {
		Results []runners.CaseResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Len(t, decoded.Results, 1)
	assert.Contains(t, decoded.Results[0].Details, "@@")
}

func TestJSONFormatterSkipsAnnotation(t *testing.T) {
	failedVerdict := &runners.Verdict{Score: 0.1, Pass: false}

	passing := answeredCase(0, "q", "a", &runners.Verdict{Score: 1.0, Pass: true})
	passing.ExpectedOutput = contentExpectation("a")

	behavior := answeredCase(1, "Refuse this", "No.", failedVerdict)
	behavior.ExpectedOutput = &config.ExpectedOutput{Type: config.ExpectedBehavior, Description: "politely decline"}

	noAnswer := answeredCase(2, "q", "", failedVerdict)
	noAnswer.ExpectedOutput = contentExpectation("a")

	errored := runners.CaseResult{
		Index:      3,
		Input:      "q",
		Category:   config.UncategorizedBucket,
		Iterations: []runners.IterationResult{{State: runners.FinishErrored, Error: &runners.CaseError{Kind: runners.ErrorKindProvider, Detail: "boom"}}},
	}

	report := runners.NewReport(runners.RunInfo{}, []runners.CaseResult{passing, behavior, noAnswer, errored})

	var buf bytes.Buffer
	require.NoError(t, NewJSONFormatter().Write(report, &buf))

	var decoded struct {
		Results []runners.CaseResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Len(t, decoded.Results, 4)
	for _, result := range decoded.Results {
		assert.Empty(t, result.Details)
	}
}

func TestJSONFormatterDoesNotMutateResults(t *testing.T) {
	verdict := &runners.Verdict{Score: 0.2, Pass: false}
	failed := answeredCase(0, "2+2?", "5", verdict)
	failed.ExpectedOutput = contentExpectation("4")
	report := runners.NewReport(runners.RunInfo{}, []runners.CaseResult{failed})

	var buf bytes.Buffer
	require.NoError(t, NewJSONFormatter().Write(report, &buf))

	assert.Empty(t, report.Results[0].Details)
}
