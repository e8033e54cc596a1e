// Copyright (C) 2025 Verdict Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at <https://mozilla.org/MPL/2.0/>.

// Package utils provides small shared helpers for JSON handling and pointers.
package utils

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/kaptinlin/jsonrepair"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Ptr returns a pointer to the given value.
func Ptr[T any](value T) *T {
	return &value
}

// RepairTextJSON attempts to extract and repair a JSON document embedded in
// free-form model output. Models frequently wrap JSON in prose or markdown
// fences or emit almost-valid JSON; the repair pass normalizes it into a
// parseable document.
func RepairTextJSON(text string) (string, error) {
	repaired, err := jsonrepair.JSONRepair(text)
	if err != nil {
		return "", fmt.Errorf("failed to repair JSON content: %w", err)
	}
	return repaired, nil
}

// CompileSchema compiles the given map into a reusable JSON schema.
func CompileSchema(schema map[string]interface{}) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", doc); err != nil {
		return nil, err
	}
	return compiler.Compile("schema.json")
}

// ValidateAgainstSchema verifies that the given raw JSON document conforms to the compiled schema.
func ValidateAgainstSchema(schema *jsonschema.Schema, raw []byte) error {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("malformed JSON document: %w", err)
	}
	return schema.Validate(instance)
}
