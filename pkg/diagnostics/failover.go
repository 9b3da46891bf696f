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

package diagnostics

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/kestrel-ai/kestrel/pkg/llms"
	"github.com/kestrel-ai/kestrel/pkg/logger"
)

const (
	// unhealthyAfter consecutive failures takes a model out of rotation.
	unhealthyAfter = 3
	// Cooldown backoff: 10 * 3^n seconds, capped.
	cooldownBase = 10 * time.Second
	cooldownCap  = 600 * time.Second
)

type modelHealth struct {
	consecutiveFailures int
	cooldownUntil       time.Time
	cooldowns           int
}

// Failover wraps one LLM call with an ordered chain of models. The first
// healthy model serves the call; failures cascade down the chain.
type Failover struct {
	chain []llms.LLM

	mu     sync.Mutex
	health map[string]*modelHealth
	now    func() time.Time

	// Failovers counts successes served by a non-primary model.
	failovers int
}

func NewFailover(chain []llms.LLM) *Failover {
	return &Failover{
		chain:  chain,
		health: make(map[string]*modelHealth),
		now:    time.Now,
	}
}

// Primary returns the chain's first model.
func (f *Failover) Primary() llms.LLM {
	if len(f.chain) == 0 {
		return nil
	}
	return f.chain[0]
}

// Failovers reports how many calls a non-primary model served.
func (f *Failover) Failovers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failovers
}

// Generate runs the request against the first eligible model, cascading on
// failure. All models exhausted returns the last error.
func (f *Failover) Generate(ctx context.Context, req llms.Request) (*llms.Response, llms.LLM, error) {
	log := logger.GetLogger()
	var lastErr error

	for i, model := range f.chain {
		if !f.eligible(model) {
			continue
		}

		resp, err := model.Generate(ctx, req)
		if err == nil {
			f.recordSuccess(model, i > 0)
			return resp, model, nil
		}
		lastErr = err
		f.recordFailure(model)
		log.Warn("Model call failed, trying next in chain",
			"model", model.ModelName(), "position", i, "error", err)

		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no eligible model in failover chain")
	}
	return nil, nil, fmt.Errorf("all models failed: %w", lastErr)
}

func (f *Failover) eligible(model llms.LLM) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.health[model.ModelName()]
	if !ok {
		return true
	}
	if h.consecutiveFailures < unhealthyAfter {
		return true
	}
	// Unhealthy; re-eligible once the cooldown expires.
	return !f.now().Before(h.cooldownUntil)
}

func (f *Failover) recordSuccess(model llms.LLM, wasFailover bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.health, model.ModelName())
	if wasFailover {
		f.failovers++
	}
}

func (f *Failover) recordFailure(model llms.LLM) {
	f.mu.Lock()
	defer f.mu.Unlock()

	h := f.health[model.ModelName()]
	if h == nil {
		h = &modelHealth{}
		f.health[model.ModelName()] = h
	}
	h.consecutiveFailures++
	if h.consecutiveFailures >= unhealthyAfter {
		cooldown := time.Duration(float64(cooldownBase) * math.Pow(3, float64(h.cooldowns)))
		if cooldown > cooldownCap {
			cooldown = cooldownCap
		}
		h.cooldownUntil = f.now().Add(cooldown)
		h.cooldowns++
		logger.GetLogger().Warn("Model marked unhealthy",
			"model", model.ModelName(),
			"consecutive_failures", h.consecutiveFailures,
			"cooldown", cooldown)
	}
}
