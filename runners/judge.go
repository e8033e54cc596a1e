// Copyright (C) 2025 Verdict Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at <https://mozilla.org/MPL/2.0/>.

package runners

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"text/template"

	"github.com/invopop/jsonschema"
	"github.com/verdictlabs/verdict/config"
	"github.com/verdictlabs/verdict/pkg/logging"
	"github.com/verdictlabs/verdict/pkg/utils"
	"github.com/verdictlabs/verdict/providers"
)

// judgeToolName is the tool the judge model must call to deliver its assessment.
const judgeToolName = "evaluate_response"

var (
	// ErrJudgeParse is returned when the judge response does not conform to the expected structure.
	ErrJudgeParse = errors.New("failed to parse judge response")
	// ErrJudgeEmptyAnswer is returned when the evaluated transcript holds no final answer to score.
	ErrJudgeEmptyAnswer = errors.New("transcript has no final answer to score")
)

// Verdict is the judge's assessment of one evaluated transcript.
type Verdict struct {
	// Score is the judge's quality score in [0, 1].
	Score float64 `json:"score"`
	// Rationale explains the score.
	Rationale string `json:"rationale"`
	// Pass reports whether the score meets the threshold, inclusive at the boundary.
	Pass bool `json:"pass"`
}

// judgeAssessment is the structured shape the judge model must return
// through the evaluation tool call.
type judgeAssessment struct {
	Score     float64 `json:"score" jsonschema:"minimum=0,maximum=1" jsonschema_description:"Quality score between 0.0 and 1.0."`
	Reasoning string  `json:"reasoning" jsonschema_description:"Brief explanation of the score."`
}

// judgeToolSchema is a lazily initialized JSON schema for the judgeAssessment type.
var judgeToolSchema = sync.OnceValue(func() map[string]interface{} {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	schemaBytes, err := json.Marshal(reflector.Reflect(judgeAssessment{}))
	if err != nil {
		panic(fmt.Errorf("failed to compile judge tool schema: %v", err))
	}

	var schemaMap map[string]interface{}
	if err := json.Unmarshal(schemaBytes, &schemaMap); err != nil {
		panic(fmt.Errorf("failed to compile judge tool schema: %v", err))
	}

	return schemaMap
})

// judgePromptTemplate defines the template for judge scoring prompts.
var judgePromptTemplate = template.Must(template.New("judgePrompt").Parse(`You are an automatic grader. Evaluate the candidate response below and deliver your assessment by calling the {{.ToolName}} tool with a score between 0.0 and 1.0 and a brief reasoning.

Original task prompt:
{{.Input}}

{{if .Expected -}}
{{if .ExpectedIsBehavior -}}
Expected behavior: the response should {{.ExpectedDescription}}
Score how well the candidate response demonstrates this behavior.
{{- else -}}
Expected answer:
{{.ExpectedDescription}}

Score how well the candidate response conveys the same content as the expected answer; wording may differ. Extra content is acceptable unless it contradicts or changes the meaning.
{{- end}}
{{- else -}}
There is no expected answer. Score the general quality of the response: correctness, relevance and completeness with respect to the task prompt.
{{- end}}

Candidate response:
{{.Answer}}`))

// Judge scores finished transcripts with a second model.
// It issues exactly one generate call per assessment, forcing the model to
// respond through the evaluation tool so the verdict arrives in a fixed
// structured shape.
type Judge struct {
	client    providers.Client
	cfg       config.RunConfig
	threshold float64
	logger    logging.Logger
}

// NewJudge creates a judge using the given client and run configuration.
func NewJudge(client providers.Client, cfg config.RunConfig, threshold float64, logger logging.Logger) *Judge {
	return &Judge{
		client:    client,
		cfg:       cfg,
		threshold: threshold,
		logger:    logger.WithContext("judge: "),
	}
}

// Threshold returns the minimum passing score.
func (j *Judge) Threshold() float64 {
	return j.threshold
}

// Score assesses the final answer of the given transcript against the case's
// expectations. A response that cannot be parsed into an assessment returns
// ErrJudgeParse rather than defaulting to a zero score.
func (j *Judge) Score(ctx context.Context, testCase config.TestCase, transcript providers.Transcript) (Verdict, error) {
	answer := transcript.FinalAnswer()
	if answer == "" {
		return Verdict{}, ErrJudgeEmptyAnswer
	}

	prompt, err := j.createPrompt(testCase, answer)
	if err != nil {
		return Verdict{}, fmt.Errorf("failed to create judge prompt: %w", err)
	}
	j.logger.Message(ctx, logging.LevelTrace, "scoring prompt:\n%s", logging.FormatLogText([]string{prompt}))

	response, err := j.client.Generate(ctx, j.logger, providers.Request{
		Transcript: providers.Transcript{providers.NewUserTurn(prompt)},
		Tools: []providers.ToolSpec{{
			Name:        judgeToolName,
			Description: "Deliver the assessment of the candidate response.",
			InputSchema: judgeToolSchema(),
		}},
		Config:    j.cfg,
		ForceTool: judgeToolName,
	})
	if err != nil {
		return Verdict{}, fmt.Errorf("judge evaluation failed: %w", err)
	}

	assessment, err := j.parseAssessment(response.Turn)
	if err != nil {
		return Verdict{}, err
	}

	j.logger.Message(ctx, logging.LevelDebug, "scored %.2f (threshold %.2f)", assessment.Score, j.threshold)
	return Verdict{
		Score:     assessment.Score,
		Rationale: assessment.Reasoning,
		Pass:      assessment.Score >= j.threshold,
	}, nil
}

func (j *Judge) createPrompt(testCase config.TestCase, answer string) (string, error) {
	data := struct {
		ToolName            string
		Input               string
		Answer              string
		Expected            bool
		ExpectedIsBehavior  bool
		ExpectedDescription string
	}{
		ToolName: judgeToolName,
		Input:    testCase.Input,
		Answer:   answer,
	}
	if testCase.ExpectedOutput != nil {
		data.Expected = true
		data.ExpectedIsBehavior = testCase.ExpectedOutput.Type == config.ExpectedBehavior
		data.ExpectedDescription = testCase.ExpectedOutput.Description
	}

	var buf bytes.Buffer
	if err := judgePromptTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// parseAssessment extracts the structured assessment from the judge's turn.
// The forced tool call is the expected path; text content that holds an
// almost-JSON assessment is repaired and accepted as a fallback.
func (j *Judge) parseAssessment(turn providers.Turn) (assessment judgeAssessment, err error) {
	var raw json.RawMessage
	for _, call := range turn.ToolCalls {
		if call.Name == judgeToolName {
			raw = call.Arguments
			break
		}
	}

	if raw == nil {
		if turn.Content == "" {
			return assessment, fmt.Errorf("%w: response carries neither an evaluation tool call nor text content", ErrJudgeParse)
		}
		repaired, repairErr := utils.RepairTextJSON(turn.Content)
		if repairErr != nil {
			return assessment, fmt.Errorf("%w: %v", ErrJudgeParse, repairErr)
		}
		raw = json.RawMessage(repaired)
	}

	if err := json.Unmarshal(raw, &assessment); err != nil {
		return assessment, fmt.Errorf("%w: %v", ErrJudgeParse, err)
	}
	if assessment.Score < 0 || assessment.Score > 1 {
		return assessment, fmt.Errorf("%w: score %v is outside [0, 1]", ErrJudgeParse, assessment.Score)
	}
	return assessment, nil
}
