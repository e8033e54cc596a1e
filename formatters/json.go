// Copyright (C) 2025 Verdict Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at <https://mozilla.org/MPL/2.0/>.

// Package formatters provides output formatting functionality for Verdict reports.
package formatters

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/verdictlabs/verdict/config"
	"github.com/verdictlabs/verdict/runners"
)

// ErrPrintReport indicates that report formatting failed.
var ErrPrintReport = errors.New("failed to print formatted report")

// Formatter handles converting a report into a specific output format.
type Formatter interface {
	// FileExt returns the formatter's file extension.
	FileExt() string
	// Write outputs the formatted report to the writer.
	Write(report runners.Report, out io.Writer) error
}

// NewJSONFormatter creates a formatter that writes the report as indented
// JSON. Failed comparison cases are annotated with a plain-text patch of the
// final answer against the expected text.
func NewJSONFormatter() Formatter {
	return &jsonFormatter{}
}

type jsonFormatter struct{}

func (f *jsonFormatter) FileExt() string {
	return ".json"
}

func (f *jsonFormatter) Write(report runners.Report, out io.Writer) error {
	report.Results = annotateResults(report.Results)

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(report); err != nil {
		return fmt.Errorf("%w: %v", ErrPrintReport, err)
	}
	return nil
}

// annotateResults attaches a patch detail to every failed comparison case.
// The input slice is not modified.
func annotateResults(results []runners.CaseResult) []runners.CaseResult {
	annotated := make([]runners.CaseResult, len(results))
	copy(annotated, results)
	for i, result := range annotated {
		if detail := comparisonDetail(result); detail != "" {
			annotated[i].Details = detail
		}
	}
	return annotated
}

func comparisonDetail(result runners.CaseResult) string {
	if result.Verdict == nil || result.Verdict.Pass {
		return ""
	}
	if result.ExpectedOutput == nil || result.ExpectedOutput.Type != config.ExpectedContent {
		return ""
	}
	answer := result.Transcript.FinalAnswer()
	if answer == "" {
		return ""
	}

	dmp := diffmatchpatch.New()
	patches := dmp.PatchMake(result.ExpectedOutput.Description, answer)
	if len(patches) == 0 {
		return ""
	}
	return dmp.PatchToText(patches)
}
