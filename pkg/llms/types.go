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

// Package llms defines the LLM provider contract consumed by the agent core
// and implements OpenAI-compatible, Anthropic, and Ollama providers.
package llms

import (
	"context"
)

// Message is one turn of a conversation.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall is the provider-level representation of a requested invocation.
// Arguments stay a JSON string until the loop validates them.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition is the schema handed to tool-calling generation.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Usage reports token consumption for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Request is one generation request.
type Request struct {
	Messages    []Message
	Tools       []ToolDefinition
	Temperature float64
	MaxTokens   int
}

// Response is the outcome of a tool-calling generation.
type Response struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
}

// StreamChunk is one unit of a streaming generation. The channel closing
// signals completion; a chunk with Err set terminates the stream.
type StreamChunk struct {
	Text string
	Err  error
}

// Kind distinguishes local providers (constrained context windows) from
// cloud providers. The tool selector bounds its output accordingly.
type Kind string

const (
	KindLocal Kind = "local"
	KindCloud Kind = "cloud"
)

// LLM is the provider contract. The core is agnostic to the underlying
// service; two methods are required: streaming text generation and
// tool-calling generation.
type LLM interface {
	// ModelName identifies the model for failover health tracking and
	// cost attribution.
	ModelName() string

	// Kind reports whether the provider is local or cloud.
	Kind() Kind

	// ContextWindow returns the model's context limit in tokens.
	ContextWindow() int

	// Generate performs one tool-calling generation.
	Generate(ctx context.Context, req Request) (*Response, error)

	// Stream performs one streaming text generation. The returned channel
	// is finite; it closes when generation ends or ctx is cancelled.
	Stream(ctx context.Context, req Request) (<-chan StreamChunk, error)
}
