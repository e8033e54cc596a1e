// Copyright (C) 2025 Verdict Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at <https://mozilla.org/MPL/2.0/>.

package config

import (
	"fmt"
	"os"
)

// MCPServerType identifies how a tool server is reached.
type MCPServerType string

// MCPServerLocal runs the tool server as a local subprocess speaking MCP over stdio.
const MCPServerLocal MCPServerType = "local"

// MCPServersConfig is the root of a tool-server configuration file.
type MCPServersConfig struct {
	// Servers lists the tool servers to start for the run.
	Servers []MCPServerConfig `json:"servers" validate:"required,min=1,unique=Name,dive"`
}

// MCPServerConfig describes one tool server to connect to.
type MCPServerConfig struct {
	// Name identifies the server within the run.
	Name string `json:"name" validate:"required"`
	// Type selects the transport. Only local subprocess servers are supported.
	Type MCPServerType `json:"type" validate:"required,oneof=local"`
	// Command is the executable to launch, with any leading arguments.
	Command []string `json:"command" validate:"required,min=1,dive,required"`
	// Args holds additional arguments appended after Command.
	Args []string `json:"args,omitempty"`
	// Env holds extra environment variables for the subprocess.
	Env map[string]string `json:"env,omitempty"`
}

// LoadMCPServersFromFile reads and validates a tool-server configuration file.
// Returns an error if the file cannot be read or contains an invalid configuration.
func LoadMCPServersFromFile(path string) (*MCPServersConfig, error) {
	fileContents, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tool server configuration file: %w", err)
	}

	cfg := &MCPServersConfig{}
	if err := jsonUnmarshalStrict(fileContents, cfg); err != nil {
		return nil, fmt.Errorf("malformed tool server configuration file: %w", err)
	}

	if err := validate.Struct(cfg); err != nil {
		return cfg, fmt.Errorf("invalid tool server configuration: %w", err)
	}

	return cfg, nil
}
