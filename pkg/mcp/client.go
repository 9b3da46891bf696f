// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mcp manages child-process MCP tool servers: one client per server
// process, pooled by logical name with automatic reconnect and a periodic
// health sweep.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kestrel-ai/kestrel/pkg/logger"
)

// State of one client's connection lifecycle.
type State string

const (
	StateDisconnected State = "disconnected"
	StateSpawning     State = "spawning"
	StateInitializing State = "initializing"
	StateConnected    State = "connected"
)

const (
	protocolVersion    = "2024-11-05"
	defaultInitTimeout = 30 * time.Second
	stderrRingSize     = 8192
)

// ServerConfig describes one stdio MCP server.
type ServerConfig struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
	Timeout time.Duration
}

// ToolDescriptor is one tool discovered from a server.
type ToolDescriptor struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// transport is the subset of the mcp-go client the Client drives. Tests
// substitute a fake.
type transport interface {
	Start(ctx context.Context) error
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// transportFactory spawns the child process and returns its transport plus an
// optional stderr stream.
type transportFactory func(cfg ServerConfig) (transport, io.Reader, error)

func stdioFactory(cfg ServerConfig) (transport, io.Reader, error) {
	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	c, err := client.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
	if err != nil {
		return nil, nil, err
	}

	var stderr io.Reader
	if r, ok := client.GetStderr(c); ok {
		stderr = r
	}
	return c, stderr, nil
}

// Client manages exactly one MCP server process.
type Client struct {
	cfg     ServerConfig
	factory transportFactory

	mu         sync.Mutex
	state      State
	transport  transport
	tools      []ToolDescriptor
	lastError  string
	reconnects int

	stderrMu sync.Mutex
	stderr   []byte
}

// NewClient builds a disconnected client for the given server.
func NewClient(cfg ServerConfig) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultInitTimeout
	}
	return &Client{
		cfg:     cfg,
		factory: stdioFactory,
		state:   StateDisconnected,
	}
}

// State reports the connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Tools returns the last discovered tool list.
func (c *Client) Tools() []ToolDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ToolDescriptor, len(c.tools))
	copy(out, c.tools)
	return out
}

// Config returns the server configuration the client was built with.
func (c *Client) Config() ServerConfig { return c.cfg }

// Connect spawns the process, initializes the protocol, and discovers tools.
// Any failure tears the process down and surfaces captured stderr.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.state == StateConnected {
		return nil
	}

	log := logger.GetLogger()
	c.state = StateSpawning
	c.clearStderr()

	cfg := c.cfg
	cfg.Command, cfg.Args = rewriteContainerPaths(cfg.Command, cfg.Args)

	if err := installDependencies(ctx, cfg); err != nil {
		c.failLocked(fmt.Errorf("dependency install failed: %w", err))
		return c.connectError("dependency install failed", err)
	}

	t, stderr, err := c.factory(cfg)
	if err != nil {
		c.failLocked(err)
		return c.connectError("spawn failed", err)
	}
	if stderr != nil {
		go c.captureStderr(stderr)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	if err := t.Start(ctx); err != nil {
		t.Close()
		c.failLocked(err)
		return c.connectError("start failed", err)
	}

	c.state = StateInitializing

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = protocolVersion
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "kestrel",
		Version: "1.0.0",
	}
	if _, err := t.Initialize(ctx, initReq); err != nil {
		t.Close()
		c.failLocked(err)
		return c.connectError("initialize failed", err)
	}

	listResp, err := t.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		t.Close()
		c.failLocked(err)
		return c.connectError("tools/list failed", err)
	}

	tools := make([]ToolDescriptor, 0, len(listResp.Tools))
	for _, mt := range listResp.Tools {
		tools = append(tools, ToolDescriptor{
			Name:        mt.Name,
			Description: mt.Description,
			InputSchema: convertSchema(mt.InputSchema),
		})
	}

	c.transport = t
	c.tools = tools
	c.state = StateConnected
	c.lastError = ""

	log.Info("Connected to MCP server",
		"name", c.cfg.Name,
		"command", c.cfg.Command,
		"tools", len(tools),
	)
	return nil
}

func (c *Client) failLocked(err error) {
	c.state = StateDisconnected
	c.transport = nil
	c.lastError = err.Error()
}

func (c *Client) connectError(stage string, err error) error {
	stderr := c.Stderr()
	if stderr != "" {
		return fmt.Errorf("mcp server %s: %s: %w (stderr: %s)", c.cfg.Name, stage, err, stderr)
	}
	return fmt.Errorf("mcp server %s: %s: %w", c.cfg.Name, stage, err)
}

// CallTool invokes a tool, retrying once across a reconnect when the
// transport broke. Semantic errors are never retried.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	c.mu.Lock()
	if c.state != StateConnected {
		if err := c.connectLocked(ctx); err != nil {
			c.mu.Unlock()
			return "", err
		}
	}
	if !c.knowsToolLocked(name) {
		c.mu.Unlock()
		return "", fmt.Errorf("mcp server %s: unknown tool %q", c.cfg.Name, name)
	}
	t := c.transport
	c.mu.Unlock()

	text, err := callTool(ctx, t, name, args)
	if err == nil || !isTransportError(err) {
		return text, err
	}

	// Transport broke mid-call: tear down and retry once on a fresh process.
	logger.GetLogger().Warn("MCP transport error, reconnecting",
		"name", c.cfg.Name, "tool", name, "error", err)

	c.mu.Lock()
	c.teardownLocked()
	if rerr := c.connectLocked(ctx); rerr != nil {
		c.mu.Unlock()
		return "", rerr
	}
	c.reconnects++
	t = c.transport
	c.mu.Unlock()

	return callTool(ctx, t, name, args)
}

func callTool(ctx context.Context, t transport, name string, args map[string]any) (string, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	resp, err := t.CallTool(ctx, req)
	if err != nil {
		return "", err
	}

	var texts []string
	for _, content := range resp.Content {
		if tc, ok := content.(mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	joined := strings.Join(texts, "\n")

	if resp.IsError {
		if joined == "" {
			joined = "unknown error"
		}
		return "", &ToolError{Tool: name, Message: joined}
	}
	return joined, nil
}

// ToolError is a semantic failure reported by the server; not retryable.
type ToolError struct {
	Tool    string
	Message string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s failed: %s", e.Tool, e.Message)
}

func isTransportError(err error) bool {
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{
		"broken pipe", "EOF", "file already closed", "process exited",
		"connection reset", "transport", "stdio",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func (c *Client) knowsToolLocked(name string) bool {
	for _, t := range c.tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// Disconnect closes the transport. The mcp-go stdio client closes stdin and
// terminates the process on Close.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.teardownLocked()
}

func (c *Client) teardownLocked() error {
	var err error
	if c.transport != nil {
		err = c.transport.Close()
		c.transport = nil
	}
	c.state = StateDisconnected
	return err
}

// Stderr returns the captured tail of the child's stderr.
func (c *Client) Stderr() string {
	c.stderrMu.Lock()
	defer c.stderrMu.Unlock()
	return strings.TrimSpace(string(c.stderr))
}

func (c *Client) clearStderr() {
	c.stderrMu.Lock()
	c.stderr = nil
	c.stderrMu.Unlock()
}

func (c *Client) captureStderr(r io.Reader) {
	buf := make([]byte, 1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			c.stderrMu.Lock()
			c.stderr = append(c.stderr, buf[:n]...)
			if len(c.stderr) > stderrRingSize {
				c.stderr = c.stderr[len(c.stderr)-stderrRingSize:]
			}
			c.stderrMu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// rewriteContainerPaths maps host paths onto their container mount when
// KESTREL_HOST_ROOT / KESTREL_CONTAINER_ROOT are set.
func rewriteContainerPaths(command string, args []string) (string, []string) {
	hostRoot := os.Getenv("KESTREL_HOST_ROOT")
	containerRoot := os.Getenv("KESTREL_CONTAINER_ROOT")
	if hostRoot == "" || containerRoot == "" {
		return command, args
	}

	rewrite := func(s string) string {
		if strings.HasPrefix(s, hostRoot) {
			return containerRoot + strings.TrimPrefix(s, hostRoot)
		}
		return s
	}

	out := make([]string, len(args))
	for i, a := range args {
		out[i] = rewrite(a)
	}
	return rewrite(command), out
}

// installDependencies runs the package manager when a dependency manifest
// sits next to the server entrypoint.
func installDependencies(ctx context.Context, cfg ServerConfig) error {
	entrypoint := serverEntrypoint(cfg)
	if entrypoint == "" {
		return nil
	}
	dir := filepath.Dir(entrypoint)

	if _, err := os.Stat(filepath.Join(dir, "requirements.txt")); err == nil {
		return runInstall(ctx, dir, "pip", "install", "-q", "-r", "requirements.txt")
	}
	if _, err := os.Stat(filepath.Join(dir, "package.json")); err == nil {
		if _, err := os.Stat(filepath.Join(dir, "node_modules")); err == nil {
			return nil
		}
		return runInstall(ctx, dir, "npm", "install", "--silent")
	}
	return nil
}

// serverEntrypoint finds the script argument of an interpreter-launched
// server; direct binaries carry no manifest.
func serverEntrypoint(cfg ServerConfig) string {
	base := filepath.Base(cfg.Command)
	switch {
	case strings.HasPrefix(base, "python"), base == "node", base == "deno", base == "bun":
		for _, a := range cfg.Args {
			if strings.HasPrefix(a, "-") {
				continue
			}
			if filepath.Ext(a) != "" {
				return a
			}
		}
	}
	return ""
}

func runInstall(ctx context.Context, dir, name string, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s %s: %w (%s)", name, strings.Join(args, " "), err,
			strings.TrimSpace(string(out)))
	}
	return nil
}

func convertSchema(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}
