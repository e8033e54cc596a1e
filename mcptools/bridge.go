// Copyright (C) 2025 Verdict Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at <https://mozilla.org/MPL/2.0/>.

// Package mcptools connects Verdict to MCP tool servers. It starts the
// configured server subprocesses, aggregates their tools into one catalog
// shared by all evaluated conversations, and dispatches tool invocations
// back to the owning server.
package mcptools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	santhosh "github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/verdictlabs/verdict/config"
	"github.com/verdictlabs/verdict/pkg/logging"
	"github.com/verdictlabs/verdict/pkg/utils"
	"github.com/verdictlabs/verdict/providers"
	"github.com/verdictlabs/verdict/version"
)

var (
	// ErrServerStart is returned when a tool server cannot be started or its handshake fails.
	ErrServerStart = errors.New("failed to start tool server")
	// ErrDuplicateToolName is returned when two servers expose a tool with the same name.
	ErrDuplicateToolName = errors.New("duplicate tool name across servers")
	// ErrToolNotFound indicates an invocation of a tool absent from the catalog.
	ErrToolNotFound = errors.New("tool not found")
	// ErrInvalidArguments indicates invocation arguments that do not conform to the tool's schema.
	ErrInvalidArguments = errors.New("invalid tool arguments")
	// ErrServerUnreachable indicates the owning server connection is no longer usable.
	ErrServerUnreachable = errors.New("tool server unreachable")
	// ErrInvocationTimeout indicates a tool invocation that exceeded its time allowance.
	ErrInvocationTimeout = errors.New("tool invocation timed out")
)

// closeGracePeriod bounds how long Close waits for server sessions to shut down.
const closeGracePeriod = 5 * time.Second

// session wraps one connected tool server. Invocations on the same server
// are serialized so a slow tool cannot interleave stdio frames.
type session struct {
	name    string
	mu      sync.Mutex
	session *mcp.ClientSession
}

type toolRef struct {
	server *session
	schema *santhosh.Schema
}

// Bridge aggregates the tools of all configured servers behind one catalog.
// The catalog is assembled once at start and is immutable afterwards, so it
// may be shared read-only across concurrently evaluated cases.
type Bridge struct {
	logger   logging.Logger
	sessions []*session
	catalog  []providers.ToolSpec
	tools    map[string]toolRef
}

// Start launches every configured tool server, performs the MCP handshake and
// assembles the aggregated tool catalog. On any failure the already started
// servers are shut down before the error is returned.
func Start(ctx context.Context, logger logging.Logger, cfg *config.MCPServersConfig) (*Bridge, error) {
	bridge := &Bridge{
		logger: logger.WithContext("tools: "),
		tools:  make(map[string]toolRef),
	}

	for _, serverCfg := range cfg.Servers {
		if err := bridge.connect(ctx, serverCfg); err != nil {
			bridge.Close(ctx)
			return nil, fmt.Errorf("%w: %s: %w", ErrServerStart, serverCfg.Name, err)
		}
	}

	return bridge, nil
}

func (b *Bridge) connect(ctx context.Context, cfg config.MCPServerConfig) error {
	cmd := exec.Command(cfg.Command[0], append(cfg.Command[1:], cfg.Args...)...) //nolint:gosec // command comes from the user's own configuration
	cmd.Env = os.Environ()
	for key, value := range cfg.Env {
		cmd.Env = append(cmd.Env, key+"="+value)
	}

	client := mcp.NewClient(&mcp.Implementation{Name: "verdict", Version: version.GetVersion()}, nil)
	clientSession, err := client.Connect(ctx, &mcp.CommandTransport{Command: cmd}, nil)
	if err != nil {
		return err
	}

	server := &session{name: cfg.Name, session: clientSession}
	b.sessions = append(b.sessions, server)

	return b.register(ctx, server)
}

// register lists the server's tools and merges them into the catalog.
func (b *Bridge) register(ctx context.Context, server *session) error {
	params := &mcp.ListToolsParams{}
	for {
		result, err := server.session.ListTools(ctx, params)
		if err != nil {
			return err
		}
		for _, tool := range result.Tools {
			if err := b.addTool(server, tool); err != nil {
				return err
			}
		}
		if result.NextCursor == "" {
			return nil
		}
		params.Cursor = result.NextCursor
	}
}

func (b *Bridge) addTool(server *session, tool *mcp.Tool) error {
	if existing, ok := b.tools[tool.Name]; ok {
		return fmt.Errorf("%w: %q offered by both %q and %q", ErrDuplicateToolName, tool.Name, existing.server.name, server.name)
	}

	spec := providers.ToolSpec{
		Name:        tool.Name,
		Description: tool.Description,
		Server:      server.name,
	}

	ref := toolRef{server: server}
	if tool.InputSchema != nil {
		raw, err := json.Marshal(tool.InputSchema)
		if err != nil {
			return fmt.Errorf("malformed input schema for tool %q: %w", tool.Name, err)
		}
		if err := json.Unmarshal(raw, &spec.InputSchema); err != nil {
			return fmt.Errorf("malformed input schema for tool %q: %w", tool.Name, err)
		}
		if ref.schema, err = utils.CompileSchema(spec.InputSchema); err != nil {
			return fmt.Errorf("invalid input schema for tool %q: %w", tool.Name, err)
		}
	}

	b.catalog = append(b.catalog, spec)
	b.tools[tool.Name] = ref
	return nil
}

// Catalog returns the aggregated tool catalog in server configuration order.
func (b *Bridge) Catalog() []providers.ToolSpec {
	return b.catalog
}

// Invoke dispatches one tool call to its owning server. Failures never
// surface as errors; they are folded into the output with the error flag
// set so the conversation can continue and the model can adapt.
func (b *Bridge) Invoke(ctx context.Context, call providers.ToolCall, timeout time.Duration) providers.ToolOutput {
	output := providers.ToolOutput{CallID: call.ID, Name: call.Name}

	ref, ok := b.tools[call.Name]
	if !ok {
		return errorOutput(output, fmt.Errorf("%w: %q", ErrToolNotFound, call.Name))
	}

	arguments := map[string]any{}
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &arguments); err != nil {
			return errorOutput(output, fmt.Errorf("%w: %v", ErrInvalidArguments, err))
		}
	}
	if ref.schema != nil {
		raw := call.Arguments
		if len(raw) == 0 {
			raw = []byte("{}")
		}
		if err := utils.ValidateAgainstSchema(ref.schema, raw); err != nil {
			return errorOutput(output, fmt.Errorf("%w: %v", ErrInvalidArguments, err))
		}
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ref.server.mu.Lock()
	result, err := ref.server.session.CallTool(ctx, &mcp.CallToolParams{
		Name:      call.Name,
		Arguments: arguments,
	})
	ref.server.mu.Unlock()

	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return errorOutput(output, fmt.Errorf("%w: %q after %s", ErrInvocationTimeout, call.Name, timeout))
		case errors.Is(err, mcp.ErrConnectionClosed):
			return errorOutput(output, fmt.Errorf("%w: %q", ErrServerUnreachable, ref.server.name))
		default:
			return errorOutput(output, err)
		}
	}

	output.Content = flattenContent(result)
	output.IsError = result.IsError
	return output
}

// InvokeAll dispatches the given calls concurrently and returns their
// outputs in the same order as the calls. Calls owned by the same server
// still execute one at a time.
func (b *Bridge) InvokeAll(ctx context.Context, calls []providers.ToolCall, timeout time.Duration) []providers.ToolOutput {
	outputs := make([]providers.ToolOutput, len(calls))

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outputs[i] = b.Invoke(ctx, call, timeout)
		}()
	}
	wg.Wait()

	b.logInvocations(ctx, calls, outputs)
	return outputs
}

func (b *Bridge) logInvocations(ctx context.Context, calls []providers.ToolCall, outputs []providers.ToolOutput) {
	for i, output := range outputs {
		level := logging.LevelDebug
		if output.IsError {
			level = logging.LevelWarn
		}
		b.logger.Message(ctx, level, "tool %q invoked (error: %t, arguments: %s)", calls[i].Name, output.IsError, string(calls[i].Arguments))
	}
}

// Close shuts down all server sessions, waiting at most the grace period.
// Sessions that do not close in time are abandoned; their subprocesses
// terminate when the stdio pipes are torn down.
func (b *Bridge) Close(ctx context.Context) error {
	done := make(chan error, len(b.sessions))
	for _, server := range b.sessions {
		go func() {
			done <- server.session.Close()
		}()
	}

	deadline := time.NewTimer(closeGracePeriod)
	defer deadline.Stop()

	var errs []error
	for range b.sessions {
		select {
		case err := <-done:
			if err != nil {
				errs = append(errs, err)
			}
		case <-deadline.C:
			errs = append(errs, fmt.Errorf("tool server shutdown exceeded %s", closeGracePeriod))
			return errors.Join(errs...)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return errors.Join(errs...)
}

func errorOutput(output providers.ToolOutput, err error) providers.ToolOutput {
	output.Content = err.Error()
	output.IsError = true
	return output
}

// flattenContent joins the textual content blocks of a tool result.
func flattenContent(result *mcp.CallToolResult) string {
	var parts []string
	for _, content := range result.Content {
		if text, ok := content.(*mcp.TextContent); ok {
			parts = append(parts, text.Text)
		}
	}
	return strings.Join(parts, "\n")
}
