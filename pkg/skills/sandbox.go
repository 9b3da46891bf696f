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

package skills

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/kestrel-ai/kestrel/pkg/httpclient"
)

// ResourceLimits bounds one sandboxed execution.
type ResourceLimits struct {
	CPUSeconds     int `json:"cpu_seconds"`
	MemoryMB       int `json:"memory_mb"`
	TimeoutSeconds int `json:"timeout_seconds"`
}

// SandboxRequest is the execute payload for the external sandbox RPC.
type SandboxRequest struct {
	SkillPath      string         `json:"skill_path"`
	Function       string         `json:"function"`
	Args           map[string]any `json:"args"`
	ResourceLimits ResourceLimits `json:"resource_limits"`
	AllowedDomains []string       `json:"allowed_domains,omitempty"`
	AllowedPaths   []string       `json:"allowed_paths,omitempty"`
}

// StatusUpdate is one line of the sandbox's NDJSON response stream. The
// stream ends with a terminal status: complete or failed.
type StatusUpdate struct {
	Status string `json:"status"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// SandboxClient talks to the external skill sandbox over HTTP.
type SandboxClient struct {
	baseURL        string
	http           *httpclient.Client
	limits         ResourceLimits
	allowedDomains []string
	allowedPaths   []string
}

func NewSandboxClient(baseURL string, allowedDomains, allowedPaths []string) *SandboxClient {
	return &SandboxClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpclient.New(httpclient.WithMaxRetries(2)),
		limits: ResourceLimits{
			CPUSeconds:     30,
			MemoryMB:       256,
			TimeoutSeconds: 60,
		},
		allowedDomains: allowedDomains,
		allowedPaths:   allowedPaths,
	}
}

// Execute runs one skill remotely, forwarding intermediate status updates to
// onStatus (which may be nil) and returning the terminal output.
func (c *SandboxClient) Execute(ctx context.Context, skillPath string, args map[string]any, onStatus func(StatusUpdate)) (string, error) {
	payload, err := json.Marshal(SandboxRequest{
		SkillPath:      skillPath,
		Function:       "run",
		Args:           args,
		ResourceLimits: c.limits,
		AllowedDomains: c.allowedDomains,
		AllowedPaths:   c.allowedPaths,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/execute", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("sandbox request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("sandbox returned HTTP %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var update StatusUpdate
		if err := json.Unmarshal(line, &update); err != nil {
			return "", fmt.Errorf("malformed sandbox status line: %w", err)
		}
		switch update.Status {
		case "complete":
			return update.Output, nil
		case "failed":
			return "", fmt.Errorf("sandbox execution failed: %s", update.Error)
		default:
			if onStatus != nil {
				onStatus(update)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("sandbox stream interrupted: %w", err)
	}
	return "", fmt.Errorf("sandbox stream ended without a terminal status")
}
