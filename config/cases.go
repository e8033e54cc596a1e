// Copyright (C) 2025 Verdict Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at <https://mozilla.org/MPL/2.0/>.

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
)

// UncategorizedBucket is the category assigned to cases without category metadata.
const UncategorizedBucket = "uncategorized"

// ErrInvalidCaseProperty indicates an invalid test-case definition.
var ErrInvalidCaseProperty = errors.New("invalid test case property")

var validate = validator.New(validator.WithRequiredStructEnabled())

// ExpectedKind distinguishes how a case's expected output should be interpreted.
type ExpectedKind string

const (
	// ExpectedContent expects the response to convey the same content as the description.
	ExpectedContent ExpectedKind = "comparison"
	// ExpectedBehavior expects the response to demonstrate the described behavior.
	ExpectedBehavior ExpectedKind = "behavior"
)

// ExpectedOutput describes what a correct response to a test case looks like.
// In the case file it is either a plain string, shorthand for a content
// comparison, or an object with an explicit type and description.
type ExpectedOutput struct {
	// Type selects the evaluation mode.
	Type ExpectedKind `json:"type" validate:"required,oneof=comparison behavior"`
	// Description is the expected content or the described behavior.
	Description string `json:"description" validate:"required"`
}

// UnmarshalJSON accepts both the string shorthand and the object form.
func (e *ExpectedOutput) UnmarshalJSON(data []byte) error {
	var shorthand string
	if err := json.Unmarshal(data, &shorthand); err == nil {
		e.Type = ExpectedContent
		e.Description = shorthand
		return nil
	}

	type expectedOutput ExpectedOutput // avoid unmarshaling recursion
	var object expectedOutput
	if err := jsonUnmarshalStrict(data, &object); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCaseProperty, err)
	}
	*e = ExpectedOutput(object)
	return nil
}

// TestCase is one prompt to evaluate together with its expectations.
// Cases are immutable once loaded and identified by their position in the file.
type TestCase struct {
	// Input is the prompt text sent to the evaluated model.
	Input string `json:"input" validate:"required"`
	// ExpectedOutput describes the correct response; nil means the judge
	// assesses general response quality instead.
	ExpectedOutput *ExpectedOutput `json:"expected_output,omitempty"`
	// Metadata carries free-form string attributes such as category or difficulty.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Category returns the case's category metadata value, or the
// uncategorized bucket name when absent.
func (c TestCase) Category() string {
	if category, ok := c.Metadata["category"]; ok && IsNotBlank(category) {
		return category
	}
	return UncategorizedBucket
}

// LoadCasesFromFile reads and validates test-case definitions from the specified file path.
// Returns an error if the file cannot be read or contains invalid case definitions.
func LoadCasesFromFile(path string) ([]TestCase, error) {
	fileContents, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cases file: %w", err)
	}

	var cases []TestCase
	if err := jsonUnmarshalStrict(fileContents, &cases); err != nil {
		return nil, fmt.Errorf("malformed cases file: %w", err)
	}
	if len(cases) == 0 {
		return nil, fmt.Errorf("%w: cases file defines no cases", ErrInvalidCaseProperty)
	}

	for i, c := range cases {
		if err := validate.Struct(c); err != nil {
			return nil, fmt.Errorf("invalid case definition at index %d: %w", i, err)
		}
		if c.ExpectedOutput != nil {
			if err := validate.Struct(c.ExpectedOutput); err != nil {
				return nil, fmt.Errorf("invalid expected output at index %d: %w", i, err)
			}
		}
	}

	return cases, nil
}

// jsonUnmarshalStrict is a helper function for strict JSON unmarshaling that fails on unknown fields.
func jsonUnmarshalStrict(in []byte, out interface{}) error {
	decoder := json.NewDecoder(bytes.NewReader(in))
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}
