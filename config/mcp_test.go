// Copyright (C) 2025 Verdict Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at <https://mozilla.org/MPL/2.0/>.

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/verdictlabs/verdict/pkg/testutils"
)

func TestLoadMCPServersFromFile(t *testing.T) {
	contents := `{
  "servers": [
    {"name": "files", "type": "local", "command": ["./fileserver"], "args": ["--root", "/tmp"], "env": {"DEBUG": "1"}},
    {"name": "search", "type": "local", "command": ["python", "-m", "searchserver"]}
  ]
}`
	path := testutils.CreateMockFile(t, "servers.json", contents)

	cfg, err := LoadMCPServersFromFile(path)
	require.NoError(t, err)
	require.Len(t, cfg.Servers, 2)

	files := cfg.Servers[0]
	assert.Equal(t, "files", files.Name)
	assert.Equal(t, MCPServerLocal, files.Type)
	assert.Equal(t, []string{"./fileserver"}, files.Command)
	assert.Equal(t, []string{"--root", "/tmp"}, files.Args)
	assert.Equal(t, map[string]string{"DEBUG": "1"}, files.Env)
}

func TestLoadMCPServersFromFileErrors(t *testing.T) {
	tests := []struct {
		name     string
		contents string
	}{
		{name: "no servers", contents: `{"servers": []}`},
		{name: "missing name", contents: `{"servers": [{"type": "local", "command": ["srv"]}]}`},
		{name: "missing command", contents: `{"servers": [{"name": "s", "type": "local"}]}`},
		{name: "remote type unsupported", contents: `{"servers": [{"name": "s", "type": "remote", "command": ["srv"]}]}`},
		{name: "duplicate server names", contents: `{"servers": [{"name": "s", "type": "local", "command": ["a"]}, {"name": "s", "type": "local", "command": ["b"]}]}`},
		{name: "unknown field", contents: `{"servers": [{"name": "s", "type": "local", "command": ["a"], "port": 8080}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := testutils.CreateMockFile(t, "servers.json", tt.contents)
			_, err := LoadMCPServersFromFile(path)
			require.Error(t, err)
		})
	}
}
