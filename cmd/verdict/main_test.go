// Copyright (C) 2025 Verdict Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at <https://mozilla.org/MPL/2.0/>.

package main

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/verdictlabs/verdict/config"
	"github.com/verdictlabs/verdict/pkg/testutils"
)

var flagLock sync.Mutex

// withFlags swaps the given flag values for the duration of the call.
func withFlags(t *testing.T, values map[*string]string, fn func()) {
	t.Helper()
	testutils.SyncCall(&flagLock, func() {
		restore := make(map[*string]string, len(values))
		for target, value := range values {
			restore[target] = *target
			*target = value
		}
		defer func() {
			for target, value := range restore {
				*target = value
			}
		}()
		fn()
	})
}

func TestBuildRunConfigsRequiredFlags(t *testing.T) {
	tests := []struct {
		name  string
		flags map[*string]string
	}{
		{name: "missing cases file", flags: map[*string]string{providerName: "anthropic", modelName: "m"}},
		{name: "missing provider", flags: map[*string]string{casesFilePath: "cases.json", modelName: "m"}},
		{name: "missing model", flags: map[*string]string{casesFilePath: "cases.json", providerName: "anthropic"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withFlags(t, tt.flags, func() {
				_, _, err := buildRunConfigs()
				require.ErrorIs(t, err, config.ErrInvalidConfigProperty)
			})
		})
	}
}

func TestBuildRunConfigs(t *testing.T) {
	withFlags(t, map[*string]string{
		casesFilePath: "cases.json",
		providerName:  "openai",
		modelName:     "gpt-test",
		temperature:   "0.7",
		topK:          "40",
	}, func() {
		runCfg, judgeCfg, err := buildRunConfigs()
		require.NoError(t, err)

		assert.Equal(t, "openai", runCfg.Provider)
		assert.Equal(t, "gpt-test", runCfg.Model)
		assert.Equal(t, config.DefaultMaxTokens, runCfg.MaxTokens)
		require.NotNil(t, runCfg.Temperature)
		assert.Equal(t, 0.7, *runCfg.Temperature)
		assert.Nil(t, runCfg.TopP)
		require.NotNil(t, runCfg.TopK)
		assert.Equal(t, int64(40), *runCfg.TopK)

		assert.Equal(t, config.DefaultJudgeProvider, judgeCfg.Provider)
		assert.Equal(t, config.DefaultJudgeModel, judgeCfg.Model)
		require.NotNil(t, judgeCfg.Temperature)
		assert.Equal(t, config.DefaultJudgeTemperature, *judgeCfg.Temperature)
	})
}

func TestBuildRunConfigsRejectsInvalidTopP(t *testing.T) {
	withFlags(t, map[*string]string{
		casesFilePath: "cases.json",
		providerName:  "openai",
		modelName:     "m",
		topP:          "7",
	}, func() {
		_, _, err := buildRunConfigs()
		require.ErrorIs(t, err, config.ErrInvalidConfigProperty)
	})
}

func TestBuildRunConfigsRejectsZeroMaxTokens(t *testing.T) {
	testutils.SyncCall(&flagLock, func() {
		restoreCases, restoreProvider, restoreModel, restoreTokens := *casesFilePath, *providerName, *modelName, *maxTokens
		*casesFilePath, *providerName, *modelName, *maxTokens = "cases.json", "anthropic", "m", 0
		defer func() {
			*casesFilePath, *providerName, *modelName, *maxTokens = restoreCases, restoreProvider, restoreModel, restoreTokens
		}()

		_, _, err := buildRunConfigs()
		require.ErrorIs(t, err, config.ErrInvalidConfigProperty)
	})
}

func TestBuildRunConfigsSystemPromptFromFile(t *testing.T) {
	promptFile := testutils.CreateMockFile(t, "prompt.txt", "You are terse.")
	withFlags(t, map[*string]string{
		casesFilePath: "cases.json",
		providerName:  "anthropic",
		modelName:     "m",
		systemPrompt:  "@" + promptFile,
	}, func() {
		runCfg, _, err := buildRunConfigs()
		require.NoError(t, err)
		assert.Equal(t, "You are terse.", runCfg.SystemPrompt)
	})
}

func TestParseOptionalFloat(t *testing.T) {
	unset := unsetFlagValue
	value, err := parseOptionalFloat(&unset, "--temperature")
	require.NoError(t, err)
	assert.Nil(t, value)

	given := "0.25"
	value, err = parseOptionalFloat(&given, "--temperature")
	require.NoError(t, err)
	require.NotNil(t, value)
	assert.Equal(t, 0.25, *value)

	invalid := "hot"
	_, err = parseOptionalFloat(&invalid, "--temperature")
	require.ErrorIs(t, err, config.ErrInvalidConfigProperty)
}

func TestParseOptionalInt(t *testing.T) {
	given := "64"
	value, err := parseOptionalInt(&given, "--top-k")
	require.NoError(t, err)
	require.NotNil(t, value)
	assert.Equal(t, int64(64), *value)

	invalid := "many"
	_, err = parseOptionalInt(&invalid, "--top-k")
	require.ErrorIs(t, err, config.ErrInvalidConfigProperty)
}

func TestPrintVersion(t *testing.T) {
	var buf bytes.Buffer
	printVersion(&buf)
	assert.Contains(t, buf.String(), "Verdict")
}
