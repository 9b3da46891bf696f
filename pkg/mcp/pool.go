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

package mcp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kestrel-ai/kestrel/pkg/logger"
)

const healthSweepInterval = 60 * time.Second

// HealthStatus summarizes one pooled server for health reports.
type HealthStatus struct {
	Name      string `json:"name"`
	State     State  `json:"state"`
	Tools     int    `json:"tools"`
	LastError string `json:"last_error,omitempty"`
	// Reconnected flags that the client recovered from at least one
	// disconnect since it was added to the pool.
	Reconnected bool `json:"reconnected,omitempty"`
}

type poolEntry struct {
	client      *Client
	reconnected bool
}

// Pool holds MCP clients keyed by logical server name.
type Pool struct {
	mu      sync.Mutex
	entries map[string]*poolEntry

	sweepCancel context.CancelFunc
}

func NewPool() *Pool {
	return &Pool{entries: make(map[string]*poolEntry)}
}

// Add registers and connects a server. A connect failure leaves the entry in
// the pool for later revival.
func (p *Pool) Add(ctx context.Context, cfg ServerConfig) error {
	c := NewClient(cfg)
	p.mu.Lock()
	p.entries[cfg.Name] = &poolEntry{client: c}
	p.mu.Unlock()
	return c.Connect(ctx)
}

// GetClient returns a connected client, reconnecting a known-but-down entry.
// A reconnect is forced when the caller's env differs from the stored one
// (credentials changed) or when a connected client discovered zero tools.
func (p *Pool) GetClient(ctx context.Context, name string, env map[string]string) (*Client, error) {
	p.mu.Lock()
	entry, ok := p.entries[name]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("mcp server %q not configured", name)
	}

	c := entry.client
	forced := false

	if env != nil && !envEqual(c.cfg.Env, env) {
		cfg := c.cfg
		cfg.Env = env
		fresh := NewClient(cfg)
		fresh.factory = c.factory
		c.Disconnect()

		p.mu.Lock()
		entry.client = fresh
		p.mu.Unlock()
		c = fresh
		forced = true
	} else if c.State() == StateConnected && len(c.Tools()) == 0 {
		// Zero discovered tools usually means the server started without
		// credentials. Restart it.
		c.Disconnect()
		forced = true
	}

	if c.State() != StateConnected {
		wasDown := !forced
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
		if wasDown || forced {
			p.mu.Lock()
			entry.reconnected = true
			p.mu.Unlock()
		}
	}
	return c, nil
}

// CallTool routes one call through the named server.
func (p *Pool) CallTool(ctx context.Context, server, tool string, args map[string]any) (string, error) {
	c, err := p.GetClient(ctx, server, nil)
	if err != nil {
		return "", err
	}
	return c.CallTool(ctx, tool, args)
}

// StartHealthSweep launches the background sweep. Entries that cannot be
// revived are removed.
func (p *Pool) StartHealthSweep(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.sweepCancel = cancel
	p.mu.Unlock()

	go func() {
		ticker := time.NewTicker(healthSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.sweep(ctx)
			}
		}
	}()
}

func (p *Pool) sweep(ctx context.Context) {
	log := logger.GetLogger()

	p.mu.Lock()
	names := make([]string, 0, len(p.entries))
	for name := range p.entries {
		names = append(names, name)
	}
	p.mu.Unlock()

	for _, name := range names {
		p.mu.Lock()
		entry, ok := p.entries[name]
		p.mu.Unlock()
		if !ok {
			continue
		}

		c := entry.client
		if c.State() == StateConnected {
			continue
		}
		if err := c.Connect(ctx); err != nil {
			log.Warn("MCP health sweep: removing dead server",
				"name", name, "error", err)
			p.mu.Lock()
			delete(p.entries, name)
			p.mu.Unlock()
			continue
		}
		p.mu.Lock()
		entry.reconnected = true
		p.mu.Unlock()
	}
}

// Health reports the status of every pooled server.
func (p *Pool) Health() []HealthStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]HealthStatus, 0, len(p.entries))
	for name, entry := range p.entries {
		c := entry.client
		c.mu.Lock()
		status := HealthStatus{
			Name:        name,
			State:       c.state,
			Tools:       len(c.tools),
			LastError:   c.lastError,
			Reconnected: entry.reconnected || c.reconnects > 0,
		}
		c.mu.Unlock()
		out = append(out, status)
	}
	return out
}

// Close disconnects everything and stops the sweep.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.sweepCancel != nil {
		p.sweepCancel()
	}
	entries := p.entries
	p.entries = make(map[string]*poolEntry)
	p.mu.Unlock()

	for _, entry := range entries {
		entry.client.Disconnect()
	}
}

func envEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
