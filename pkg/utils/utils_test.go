// Copyright (C) 2025 Verdict Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at <https://mozilla.org/MPL/2.0/>.

package utils

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPtr(t *testing.T) {
	value := Ptr(42)
	require.NotNil(t, value)
	assert.Equal(t, 42, *value)

	text := Ptr("hello")
	require.NotNil(t, text)
	assert.Equal(t, "hello", *text)
}

func TestRepairTextJSON(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		expected map[string]interface{}
	}{
		{
			name:     "valid JSON",
			text:     `{"score": 0.9}`,
			expected: map[string]interface{}{"score": 0.9},
		},
		{
			name:     "markdown fenced JSON",
			text:     "```json\n{\"score\": 0.9}\n```",
			expected: map[string]interface{}{"score": 0.9},
		},
		{
			name:     "single quotes and trailing comma",
			text:     `{'score': 0.5, 'reasoning': 'partial',}`,
			expected: map[string]interface{}{"score": 0.5, "reasoning": "partial"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repaired, err := RepairTextJSON(tt.text)
			require.NoError(t, err)

			var parsed map[string]interface{}
			require.NoError(t, json.Unmarshal([]byte(repaired), &parsed))
			assert.Equal(t, tt.expected, parsed)
		})
	}
}

func TestCompileSchema(t *testing.T) {
	schema, err := CompileSchema(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"text": map[string]interface{}{"type": "string"},
		},
		"required":             []interface{}{"text"},
		"additionalProperties": false,
	})
	require.NoError(t, err)
	require.NotNil(t, schema)

	assert.NoError(t, ValidateAgainstSchema(schema, []byte(`{"text": "hello"}`)))
	assert.Error(t, ValidateAgainstSchema(schema, []byte(`{"text": 42}`)))
	assert.Error(t, ValidateAgainstSchema(schema, []byte(`{}`)))
	assert.Error(t, ValidateAgainstSchema(schema, []byte(`{"text": "hello", "extra": true}`)))
	assert.Error(t, ValidateAgainstSchema(schema, []byte(`{"text": `)))
}

func TestCompileSchemaInvalid(t *testing.T) {
	_, err := CompileSchema(map[string]interface{}{"type": 42})
	require.Error(t, err)
}
