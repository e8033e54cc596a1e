// Copyright (C) 2025 Verdict Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at <https://mozilla.org/MPL/2.0/>.

package runners

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/verdictlabs/verdict/config"
	"github.com/verdictlabs/verdict/pkg/logging"
	"github.com/verdictlabs/verdict/pkg/testutils"
	"github.com/verdictlabs/verdict/providers"
)

// mockClient is a scripted providers.Client. The script receives the
// per-client call ordinal and the full request and returns the canned
// response. Safe for concurrent use.
type mockClient struct {
	name   string
	delay  time.Duration // optional artificial latency, interruptible by ctx
	mu     sync.Mutex
	calls  int
	script func(call int, req providers.Request) (providers.Response, error)
}

func (m *mockClient) Name() string {
	return m.name
}

func (m *mockClient) Generate(ctx context.Context, logger logging.Logger, req providers.Request) (providers.Response, error) {
	if err := ctx.Err(); err != nil {
		return providers.Response{}, providers.WrapErrGenerateResponse(err)
	}
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return providers.Response{}, providers.WrapErrGenerateResponse(ctx.Err())
		}
	}
	m.mu.Lock()
	call := m.calls
	m.calls++
	m.mu.Unlock()
	return m.script(call, req)
}

func (m *mockClient) Close(ctx context.Context) error {
	return nil
}

func (m *mockClient) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// mockInvoker is a scripted ToolInvoker.
type mockInvoker struct {
	catalog []providers.ToolSpec
	invoke  func(call providers.ToolCall) providers.ToolOutput
}

func (m *mockInvoker) Catalog() []providers.ToolSpec {
	return m.catalog
}

func (m *mockInvoker) InvokeAll(ctx context.Context, calls []providers.ToolCall, timeout time.Duration) []providers.ToolOutput {
	outputs := make([]providers.ToolOutput, len(calls))
	for i, call := range calls {
		outputs[i] = m.invoke(call)
	}
	return outputs
}

func textResponse(text string) providers.Response {
	return providers.Response{Turn: providers.Turn{Role: providers.RoleAssistant, Content: text}}
}

func toolCallsResponse(names ...string) providers.Response {
	turn := providers.Turn{Role: providers.RoleAssistant}
	for i, name := range names {
		turn.ToolCalls = append(turn.ToolCalls, providers.ToolCall{
			ID:        fmt.Sprintf("call-%d", i),
			Name:      name,
			Arguments: json.RawMessage(`{}`),
		})
	}
	return providers.Response{Turn: turn}
}

// judgeResponse builds the forced evaluate_response tool call the judge expects.
func judgeResponse(score float64, reasoning string) providers.Response {
	arguments, _ := json.Marshal(map[string]any{"score": score, "reasoning": reasoning})
	return providers.Response{Turn: providers.Turn{
		Role: providers.RoleAssistant,
		ToolCalls: []providers.ToolCall{{
			ID:        "judge-call",
			Name:      judgeToolName,
			Arguments: arguments,
		}},
	}}
}

func newTestRunConfig() config.RunConfig {
	return config.RunConfig{Provider: "mock", Model: "mock-model", MaxTokens: 1000}
}

func TestConversationFinalAnswerWithoutTools(t *testing.T) {
	client := &mockClient{name: "mock", script: func(call int, req providers.Request) (providers.Response, error) {
		return textResponse("final answer"), nil
	}}
	conversation := NewConversation(client, nil, newTestRunConfig(), 5, 0, testutils.NewTestLogger(t))

	outcome, err := conversation.Run(context.Background(), "what is up?")
	require.NoError(t, err)
	assert.Equal(t, FinishFinal, outcome.State)
	assert.Equal(t, 1, client.callCount())
	require.Len(t, outcome.Transcript, 2)
	assert.Equal(t, providers.RoleUser, outcome.Transcript[0].Role)
	assert.Equal(t, providers.RoleAssistant, outcome.Transcript[1].Role)
	assert.Equal(t, "final answer", outcome.Transcript.FinalAnswer())
}

func TestConversationToolLoopAlternation(t *testing.T) {
	client := &mockClient{name: "mock", script: func(call int, req providers.Request) (providers.Response, error) {
		switch call {
		case 0:
			return toolCallsResponse("lookup", "fetch"), nil
		case 1:
			// Tool results for both calls must be present before the next step.
			require.Len(t, req.Transcript, 4)
			return toolCallsResponse("lookup"), nil
		default:
			return textResponse("done"), nil
		}
	}}
	invoker := &mockInvoker{
		catalog: []providers.ToolSpec{{Name: "lookup"}, {Name: "fetch"}},
		invoke: func(call providers.ToolCall) providers.ToolOutput {
			return providers.ToolOutput{CallID: call.ID, Name: call.Name, Content: "result of " + call.Name}
		},
	}
	conversation := NewConversation(client, invoker, newTestRunConfig(), 10, 0, testutils.NewTestLogger(t))

	outcome, err := conversation.Run(context.Background(), "use the tools")
	require.NoError(t, err)
	assert.Equal(t, FinishFinal, outcome.State)

	// user, assistant(2 calls), tool, tool, assistant(1 call), tool, assistant(final)
	require.Len(t, outcome.Transcript, 7)
	for i, turn := range outcome.Transcript {
		if turn.Role == providers.RoleTool {
			require.Greater(t, i, 0)
			previous := outcome.Transcript[i-1]
			if previous.Role == providers.RoleAssistant {
				assert.NotEmpty(t, previous.ToolCalls, "tool turn at %d must follow an assistant turn that requested tools", i)
			} else {
				assert.Equal(t, providers.RoleTool, previous.Role)
			}
		}
	}
	assert.Equal(t, "done", outcome.Transcript.FinalAnswer())
}

func TestConversationToolResultsPreserveRequestOrder(t *testing.T) {
	client := &mockClient{name: "mock", script: func(call int, req providers.Request) (providers.Response, error) {
		if call == 0 {
			return toolCallsResponse("alpha", "beta", "gamma"), nil
		}
		return textResponse("done"), nil
	}}
	invoker := &mockInvoker{invoke: func(call providers.ToolCall) providers.ToolOutput {
		return providers.ToolOutput{CallID: call.ID, Name: call.Name, Content: call.Name}
	}}
	conversation := NewConversation(client, invoker, newTestRunConfig(), 10, 0, testutils.NewTestLogger(t))

	outcome, err := conversation.Run(context.Background(), "go")
	require.NoError(t, err)

	var toolTurns []providers.Turn
	for _, turn := range outcome.Transcript {
		if turn.Role == providers.RoleTool {
			toolTurns = append(toolTurns, turn)
		}
	}
	require.Len(t, toolTurns, 3)
	assert.Equal(t, "alpha", toolTurns[0].ToolName)
	assert.Equal(t, "beta", toolTurns[1].ToolName)
	assert.Equal(t, "gamma", toolTurns[2].ToolName)
}

func TestConversationTruncated(t *testing.T) {
	client := &mockClient{name: "mock", script: func(call int, req providers.Request) (providers.Response, error) {
		return toolCallsResponse("loop"), nil
	}}
	invoker := &mockInvoker{invoke: func(call providers.ToolCall) providers.ToolOutput {
		return providers.ToolOutput{CallID: call.ID, Name: call.Name, Content: "again"}
	}}
	conversation := NewConversation(client, invoker, newTestRunConfig(), 3, 0, testutils.NewTestLogger(t))

	outcome, err := conversation.Run(context.Background(), "never stops")
	require.NoError(t, err)
	assert.Equal(t, FinishTruncated, outcome.State)
	assert.Equal(t, 3, client.callCount())
}

func TestConversationFatalModelError(t *testing.T) {
	fatal := providers.WrapErrGenerateResponse(assert.AnError)
	client := &mockClient{name: "mock", script: func(call int, req providers.Request) (providers.Response, error) {
		return providers.Response{}, fatal
	}}
	conversation := NewConversation(client, nil, newTestRunConfig(), 5, 0, testutils.NewTestLogger(t))

	outcome, err := conversation.Run(context.Background(), "boom")
	require.Error(t, err)
	assert.Equal(t, FinishErrored, outcome.State)
	require.Len(t, outcome.Transcript, 1) // partial transcript retained
}

func TestConversationToolErrorsAreRecoverable(t *testing.T) {
	client := &mockClient{name: "mock", script: func(call int, req providers.Request) (providers.Response, error) {
		if call < 3 {
			return toolCallsResponse("flaky"), nil
		}
		return textResponse("gave up on the tool"), nil
	}}
	invoker := &mockInvoker{invoke: func(call providers.ToolCall) providers.ToolOutput {
		return providers.ToolOutput{CallID: call.ID, Name: call.Name, Content: "tool invocation timed out", IsError: true}
	}}
	conversation := NewConversation(client, invoker, newTestRunConfig(), 10, 0, testutils.NewTestLogger(t))

	outcome, err := conversation.Run(context.Background(), "try the tool")
	require.NoError(t, err)
	assert.Equal(t, FinishFinal, outcome.State)

	errorTurns := 0
	for _, turn := range outcome.Transcript {
		if turn.Role == providers.RoleTool && turn.IsError {
			errorTurns++
		}
	}
	assert.Equal(t, 3, errorTurns)
	assert.Equal(t, "gave up on the tool", outcome.Transcript.FinalAnswer())
}

func TestJudgeScorePass(t *testing.T) {
	client := &mockClient{name: "judge", script: func(call int, req providers.Request) (providers.Response, error) {
		assert.Equal(t, judgeToolName, req.ForceTool)
		require.Len(t, req.Tools, 1)
		assert.Equal(t, judgeToolName, req.Tools[0].Name)
		return judgeResponse(0.95, "accurate and complete"), nil
	}}
	judge := NewJudge(client, newTestRunConfig(), 0.8, testutils.NewTestLogger(t))

	verdict, err := judge.Score(context.Background(), config.TestCase{Input: "2+2?"}, providers.Transcript{
		providers.NewUserTurn("2+2?"),
		{Role: providers.RoleAssistant, Content: "4"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0.95, verdict.Score)
	assert.Equal(t, "accurate and complete", verdict.Rationale)
	assert.True(t, verdict.Pass)
}

func TestJudgeThresholdInclusive(t *testing.T) {
	tests := []struct {
		name     string
		score    float64
		wantPass bool
	}{
		{name: "above threshold", score: 0.81, wantPass: true},
		{name: "exactly at threshold", score: 0.8, wantPass: true},
		{name: "below threshold", score: 0.79, wantPass: false},
		{name: "zero", score: 0, wantPass: false},
		{name: "perfect", score: 1, wantPass: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &mockClient{name: "judge", script: func(call int, req providers.Request) (providers.Response, error) {
				return judgeResponse(tt.score, "because"), nil
			}}
			judge := NewJudge(client, newTestRunConfig(), 0.8, testutils.NewTestLogger(t))

			verdict, err := judge.Score(context.Background(), config.TestCase{Input: "q"}, providers.Transcript{
				providers.NewUserTurn("q"),
				{Role: providers.RoleAssistant, Content: "a"},
			})
			require.NoError(t, err)
			assert.Equal(t, tt.wantPass, verdict.Pass)
		})
	}
}

func TestJudgeTextFallbackParse(t *testing.T) {
	client := &mockClient{name: "judge", script: func(call int, req providers.Request) (providers.Response, error) {
		return textResponse("Here is my assessment: {\"score\": 0.9, \"reasoning\": \"solid\"}"), nil
	}}
	judge := NewJudge(client, newTestRunConfig(), 0.8, testutils.NewTestLogger(t))

	verdict, err := judge.Score(context.Background(), config.TestCase{Input: "q"}, providers.Transcript{
		providers.NewUserTurn("q"),
		{Role: providers.RoleAssistant, Content: "a"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0.9, verdict.Score)
	assert.True(t, verdict.Pass)
}

func TestJudgeParseError(t *testing.T) {
	tests := []struct {
		name    string
		respond func() providers.Response
	}{
		{name: "unparseable text", respond: func() providers.Response {
			return textResponse("I think it is pretty good overall!")
		}},
		{name: "score out of range", respond: func() providers.Response {
			return judgeResponse(1.5, "overenthusiastic")
		}},
		{name: "negative score", respond: func() providers.Response {
			return judgeResponse(-0.1, "harsh")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &mockClient{name: "judge", script: func(call int, req providers.Request) (providers.Response, error) {
				return tt.respond(), nil
			}}
			judge := NewJudge(client, newTestRunConfig(), 0.8, testutils.NewTestLogger(t))

			_, err := judge.Score(context.Background(), config.TestCase{Input: "q"}, providers.Transcript{
				providers.NewUserTurn("q"),
				{Role: providers.RoleAssistant, Content: "a"},
			})
			require.ErrorIs(t, err, ErrJudgeParse)
		})
	}
}

func TestJudgePromptIncludesExpectations(t *testing.T) {
	var captured string
	client := &mockClient{name: "judge", script: func(call int, req providers.Request) (providers.Response, error) {
		captured = req.Transcript[0].Content
		return judgeResponse(1, "ok"), nil
	}}
	judge := NewJudge(client, newTestRunConfig(), 0.8, testutils.NewTestLogger(t))

	testCase := config.TestCase{
		Input: "2+2?",
		ExpectedOutput: &config.ExpectedOutput{
			Type:        config.ExpectedContent,
			Description: "4",
		},
	}
	_, err := judge.Score(context.Background(), testCase, providers.Transcript{
		providers.NewUserTurn("2+2?"),
		{Role: providers.RoleAssistant, Content: "four"},
	})
	require.NoError(t, err)
	assert.Contains(t, captured, "2+2?")
	assert.Contains(t, captured, "Expected answer:")
	assert.Contains(t, captured, "four")
}

func TestJudgeEmptyAnswer(t *testing.T) {
	client := &mockClient{name: "judge", script: func(call int, req providers.Request) (providers.Response, error) {
		t.Fatal("judge must not be called for an empty answer")
		return providers.Response{}, nil
	}}
	judge := NewJudge(client, newTestRunConfig(), 0.8, testutils.NewTestLogger(t))

	_, err := judge.Score(context.Background(), config.TestCase{Input: "q"}, providers.Transcript{
		providers.NewUserTurn("q"),
	})
	require.ErrorIs(t, err, ErrJudgeEmptyAnswer)
}
