package mcp

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport scripts one server process.
type fakeTransport struct {
	tools      []mcp.Tool
	startErr   error
	initErr    error
	callErrs   []error // consumed per call; nil means success
	callResult string
	isError    bool
	calls      int
	closed     bool
}

func (f *fakeTransport) Start(context.Context) error { return f.startErr }

func (f *fakeTransport) Initialize(context.Context, mcp.InitializeRequest) (*mcp.InitializeResult, error) {
	if f.initErr != nil {
		return nil, f.initErr
	}
	return &mcp.InitializeResult{}, nil
}

func (f *fakeTransport) ListTools(context.Context, mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	return &mcp.ListToolsResult{Tools: f.tools}, nil
}

func (f *fakeTransport) CallTool(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	idx := f.calls
	f.calls++
	if idx < len(f.callErrs) && f.callErrs[idx] != nil {
		return nil, f.callErrs[idx]
	}
	return &mcp.CallToolResult{
		IsError: f.isError,
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: f.callResult}},
	}, nil
}

func (f *fakeTransport) Close() error {
	f.closed = true
	return nil
}

func echoTools() []mcp.Tool {
	return []mcp.Tool{{Name: "echo", Description: "echoes input"}}
}

// newFakeClient wires a client to a scripted factory. Each connect consumes
// the next transport.
func newFakeClient(t *testing.T, transports []*fakeTransport, stderr string) (*Client, *int) {
	t.Helper()
	spawns := 0
	c := NewClient(ServerConfig{Name: "fake", Command: "fake-server"})
	c.factory = func(ServerConfig) (transport, io.Reader, error) {
		if spawns >= len(transports) {
			return nil, nil, fmt.Errorf("no more transports scripted")
		}
		tr := transports[spawns]
		spawns++
		var r io.Reader
		if stderr != "" {
			r = strings.NewReader(stderr)
		}
		return tr, r, nil
	}
	return c, &spawns
}

func TestClientConnectDiscoversTools(t *testing.T) {
	c, _ := newFakeClient(t, []*fakeTransport{{tools: echoTools()}}, "")
	require.Equal(t, StateDisconnected, c.State())

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StateConnected, c.State())

	tools := c.Tools()
	require.Len(t, tools, 1)
	assert.Equal(t, "echo", tools[0].Name)
}

func TestClientConnectFailureSurfacesStderr(t *testing.T) {
	c, _ := newFakeClient(t, []*fakeTransport{{initErr: fmt.Errorf("handshake refused")}},
		"FATAL: missing API key\n")

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "initialize failed")
	assert.Equal(t, StateDisconnected, c.State())
}

func TestClientCallTool(t *testing.T) {
	c, _ := newFakeClient(t, []*fakeTransport{{tools: echoTools(), callResult: "hello"}}, "")
	require.NoError(t, c.Connect(context.Background()))

	out, err := c.CallTool(context.Background(), "echo", map[string]any{"text": "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}

func TestClientCallToolUnknownName(t *testing.T) {
	c, _ := newFakeClient(t, []*fakeTransport{{tools: echoTools()}}, "")
	require.NoError(t, c.Connect(context.Background()))

	_, err := c.CallTool(context.Background(), "ghost", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown tool "ghost"`)
}

func TestClientCallToolReconnectsOnBrokenPipe(t *testing.T) {
	first := &fakeTransport{
		tools:    echoTools(),
		callErrs: []error{fmt.Errorf("write: broken pipe")},
	}
	second := &fakeTransport{tools: echoTools(), callResult: "recovered"}
	c, spawns := newFakeClient(t, []*fakeTransport{first, second}, "")
	require.NoError(t, c.Connect(context.Background()))

	out, err := c.CallTool(context.Background(), "echo", nil)
	require.NoError(t, err)
	assert.Equal(t, "recovered", out)
	assert.Equal(t, 2, *spawns)
	assert.True(t, first.closed)
	assert.Equal(t, StateConnected, c.State())
}

func TestClientCallToolSemanticErrorNotRetried(t *testing.T) {
	tr := &fakeTransport{tools: echoTools(), callResult: "bad arguments", isError: true}
	c, spawns := newFakeClient(t, []*fakeTransport{tr}, "")
	require.NoError(t, c.Connect(context.Background()))

	_, err := c.CallTool(context.Background(), "echo", nil)
	require.Error(t, err)
	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, "bad arguments", toolErr.Message)
	assert.Equal(t, 1, *spawns)
	assert.Equal(t, 1, tr.calls)
}

func TestRewriteContainerPaths(t *testing.T) {
	t.Setenv("KESTREL_HOST_ROOT", "/Users/dev/project")
	t.Setenv("KESTREL_CONTAINER_ROOT", "/workspace")

	cmd, args := rewriteContainerPaths("python3",
		[]string{"/Users/dev/project/servers/fs.py", "--root", "/Users/dev/project/data"})
	assert.Equal(t, "python3", cmd)
	assert.Equal(t, "/workspace/servers/fs.py", args[0])
	assert.Equal(t, "/workspace/data", args[2])
}

func TestIsTransportError(t *testing.T) {
	assert.True(t, isTransportError(fmt.Errorf("write: broken pipe")))
	assert.True(t, isTransportError(fmt.Errorf("unexpected EOF")))
	assert.False(t, isTransportError(&ToolError{Tool: "echo", Message: "bad args"}))
	assert.False(t, isTransportError(fmt.Errorf("invalid parameters")))
}
