package llms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func geminiTestProvider(t *testing.T, handler http.HandlerFunc) *GeminiProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p, err := NewGeminiProvider(GeminiConfig{
		APIKey:  "test-key",
		BaseURL: srv.URL,
		Model:   "gemini-2.0-flash",
	})
	require.NoError(t, err)
	return p
}

func TestGeminiGenerateParsesTextAndToolCalls(t *testing.T) {
	var captured geminiRequest
	p := geminiTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/models/gemini-2.0-flash:generateContent", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-goog-api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		_, _ = w.Write([]byte(`{
			"candidates": [{"content": {"role": "model", "parts": [
				{"text": "checking the file"},
				{"functionCall": {"name": "file_read", "args": {"path": "main.go"}}}
			]}, "finishReason": "STOP"}],
			"usageMetadata": {"promptTokenCount": 12, "candidatesTokenCount": 8, "totalTokenCount": 20}
		}`))
	})

	resp, err := p.Generate(context.Background(), Request{
		Messages: []Message{
			{Role: "system", Content: "be terse"},
			{Role: "user", Content: "what is in main.go?"},
		},
		Tools: []ToolDefinition{{
			Name:        "file_read",
			Description: "read a file",
			Parameters:  map[string]any{"type": "object"},
		}},
	})
	require.NoError(t, err)

	assert.Equal(t, "checking the file", resp.Content)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "file_read", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"path":"main.go"}`, resp.ToolCalls[0].Arguments)
	assert.Equal(t, 20, resp.Usage.TotalTokens)

	// System text is lifted out of the turn list.
	require.NotNil(t, captured.SystemInstruction)
	assert.Equal(t, "be terse", captured.SystemInstruction.Parts[0]["text"])
	require.Len(t, captured.Contents, 1)
	assert.Equal(t, "user", captured.Contents[0].Role)
	require.Len(t, captured.Tools, 1)
	assert.Equal(t, "file_read", captured.Tools[0].FunctionDeclarations[0].Name)
}

func TestGeminiBuildRequestMapsToolTurns(t *testing.T) {
	p, err := NewGeminiProvider(GeminiConfig{APIKey: "k", Model: "gemini-2.0-flash"})
	require.NoError(t, err)

	req := p.buildRequest(Request{Messages: []Message{
		{Role: "user", Content: "list the files"},
		{Role: "assistant", ToolCalls: []ToolCall{
			{ID: "c1", Name: "code_execute", Arguments: `{"command":"ls"}`},
		}},
		{Role: "tool", ToolCallID: "c1", Name: "code_execute", Content: "main.go"},
	}})

	require.Len(t, req.Contents, 3)
	assert.Equal(t, "model", req.Contents[1].Role)
	fc := req.Contents[1].Parts[0]["functionCall"].(map[string]any)
	assert.Equal(t, "code_execute", fc["name"])

	assert.Equal(t, "user", req.Contents[2].Role)
	fr := req.Contents[2].Parts[0]["functionResponse"].(map[string]any)
	assert.Equal(t, "code_execute", fr["name"])
}

func TestGeminiGenerateSurfacesAPIError(t *testing.T) {
	p := geminiTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"error": {"code": 429, "message": "quota exceeded", "status": "RESOURCE_EXHAUSTED"}}`))
	})

	_, err := p.Generate(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RESOURCE_EXHAUSTED")
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestGeminiProviderRequiresCredentials(t *testing.T) {
	_, err := NewGeminiProvider(GeminiConfig{Model: "gemini-2.0-flash"})
	require.Error(t, err)

	_, err = NewGeminiProvider(GeminiConfig{APIKey: "k"})
	require.Error(t, err)
}
