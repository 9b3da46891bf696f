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

package tools

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kestrel-ai/kestrel/pkg/httpclient"
	"github.com/kestrel-ai/kestrel/pkg/task"
)

// WebRequestConfig restricts the outbound HTTP tool.
type WebRequestConfig struct {
	Timeout         time.Duration
	MaxRetries      int
	MaxRequestSize  int64
	MaxResponseSize int64
	AllowedDomains  []string
	DeniedDomains   []string
	AllowedMethods  []string
	UserAgent       string
}

func (c *WebRequestConfig) setDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRequestSize == 0 {
		c.MaxRequestSize = 1048576
	}
	if c.MaxResponseSize == 0 {
		c.MaxResponseSize = 5242880
	}
	if c.UserAgent == "" {
		c.UserAgent = "kestrel-agent/1.0"
	}
}

type webRequestArgs struct {
	URL     string            `json:"url" jsonschema:"description=The URL to request"`
	Method  string            `json:"method,omitempty" jsonschema:"description=HTTP method (GET, POST, PUT, DELETE, PATCH). Default GET"`
	Headers map[string]string `json:"headers,omitempty" jsonschema:"description=HTTP headers as key-value pairs"`
	Body    string            `json:"body,omitempty" jsonschema:"description=Request body (for POST, PUT, PATCH)"`
}

// WebRequestTool performs HTTP requests to external services with domain and
// method restrictions.
type WebRequestTool struct {
	config WebRequestConfig
	client *httpclient.Client
}

func NewWebRequestTool(cfg WebRequestConfig) *WebRequestTool {
	cfg.setDefaults()
	return &WebRequestTool{
		config: cfg,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
		),
	}
}

func (t *WebRequestTool) Info() ToolInfo {
	return ToolInfo{
		Name:        "web_request",
		Description: "Make HTTP requests to external APIs and web services",
		Parameters:  ReflectParameters(&webRequestArgs{}),
		Risk:        task.RiskMedium,
		Timeout:     t.config.Timeout + 10*time.Second,
		Category:    "network",
		Origin:      OriginBuiltin,
	}
}

func (t *WebRequestTool) Execute(ctx context.Context, args map[string]any) (task.ToolResult, error) {
	urlStr := stringArg(args, "url")
	if urlStr == "" {
		return task.ToolResult{Success: false, Error: "url parameter is required"}, nil
	}

	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return task.ToolResult{Success: false, Error: fmt.Sprintf("invalid URL: %v", err)}, nil
	}
	if err := t.validateDomain(parsedURL.Host); err != nil {
		return task.ToolResult{Success: false, Error: err.Error()}, nil
	}

	method := strings.ToUpper(stringArg(args, "method"))
	if method == "" {
		method = http.MethodGet
	}
	if err := t.validateMethod(method); err != nil {
		return task.ToolResult{Success: false, Error: err.Error()}, nil
	}

	var body io.Reader
	if raw := stringArg(args, "body"); raw != "" {
		if int64(len(raw)) > t.config.MaxRequestSize {
			return task.ToolResult{
				Success: false,
				Error: fmt.Sprintf("request body too large: %d bytes (max: %d)",
					len(raw), t.config.MaxRequestSize),
			}, nil
		}
		body = bytes.NewReader([]byte(raw))
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, body)
	if err != nil {
		return task.ToolResult{Success: false, Error: fmt.Sprintf("failed to create request: %v", err)}, nil
	}
	req.Header.Set("User-Agent", t.config.UserAgent)
	if headers, ok := args["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return task.ToolResult{Success: false, Error: fmt.Sprintf("request failed: %v", err)}, nil
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, t.config.MaxResponseSize+1)
	responseBody, err := io.ReadAll(limited)
	if err != nil {
		return task.ToolResult{Success: false, Error: fmt.Sprintf("failed to read response: %v", err)}, nil
	}
	if int64(len(responseBody)) > t.config.MaxResponseSize {
		return task.ToolResult{
			Success: false,
			Error:   fmt.Sprintf("response too large: exceeds %d bytes", t.config.MaxResponseSize),
		}, nil
	}

	return task.ToolResult{
		Success: resp.StatusCode >= 200 && resp.StatusCode < 300,
		Output:  fmt.Sprintf("HTTP %d\n%s", resp.StatusCode, string(responseBody)),
	}, nil
}

func (t *WebRequestTool) validateDomain(host string) error {
	for _, denied := range t.config.DeniedDomains {
		if matchesDomain(host, denied) {
			return fmt.Errorf("domain not allowed: %s (matches deny rule: %s)", host, denied)
		}
	}
	if len(t.config.AllowedDomains) > 0 {
		for _, allowed := range t.config.AllowedDomains {
			if matchesDomain(host, allowed) {
				return nil
			}
		}
		return fmt.Errorf("domain not allowed: %s (not in allowed list)", host)
	}
	return nil
}

func (t *WebRequestTool) validateMethod(method string) error {
	if len(t.config.AllowedMethods) == 0 {
		return nil
	}
	for _, allowed := range t.config.AllowedMethods {
		if strings.EqualFold(method, allowed) {
			return nil
		}
	}
	return fmt.Errorf("HTTP method not allowed: %s (allowed: %v)", method, t.config.AllowedMethods)
}

func matchesDomain(host, pattern string) bool {
	if idx := strings.Index(host, ":"); idx != -1 {
		host = host[:idx]
	}
	if host == pattern {
		return true
	}
	// "*.example.com" matches any subdomain.
	if strings.HasPrefix(pattern, "*.") {
		return strings.HasSuffix(host, pattern[1:])
	}
	return false
}

var _ Tool = (*WebRequestTool)(nil)
