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

// Package memgraph reads entity context out of an external memory graph.
// Writes are the collaborator's responsibility; the core only traverses.
package memgraph

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/kestrel-ai/kestrel/pkg/logger"
	"github.com/kestrel-ai/kestrel/pkg/task"
)

const (
	maxDepth = 2
	maxNodes = 30
)

// Node is one entity in the graph.
type Node struct {
	Name    string  `json:"name"`
	Kind    string  `json:"kind,omitempty"`
	Summary string  `json:"summary,omitempty"`
	Weight  float64 `json:"weight"`
}

// Edge connects two entities with a relationship strength in (0, 1].
type Edge struct {
	From     string  `json:"from"`
	To       string  `json:"to"`
	Relation string  `json:"relation,omitempty"`
	Strength float64 `json:"strength"`
}

// Graph is the collaborator's read surface.
type Graph interface {
	GetNode(ctx context.Context, workspace, name string) (*Node, error)
	Neighbors(ctx context.Context, workspace, name string) ([]Edge, error)
}

// Fetcher performs the bounded traversal and formats prompt sections.
type Fetcher struct {
	graph Graph
}

func NewFetcher(graph Graph) *Fetcher {
	return &Fetcher{graph: graph}
}

type visit struct {
	node  *Node
	score float64
	depth int
}

// Fetch runs a breadth-first traversal from the seed entities, at most two
// hops, scoring each reached node by the product of edge strengths along
// its path times its own weight, capped at 30 nodes.
func (f *Fetcher) Fetch(ctx context.Context, workspace string, seeds []string) ([]Node, error) {
	visited := map[string]*visit{}
	frontier := make([]string, 0, len(seeds))

	for _, seed := range seeds {
		node, err := f.graph.GetNode(ctx, workspace, seed)
		if err != nil {
			continue
		}
		visited[node.Name] = &visit{node: node, score: node.Weight, depth: 0}
		frontier = append(frontier, node.Name)
	}

	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, name := range frontier {
			from := visited[name]
			edges, err := f.graph.Neighbors(ctx, workspace, name)
			if err != nil {
				continue
			}
			for _, edge := range edges {
				if _, seen := visited[edge.To]; seen {
					continue
				}
				node, err := f.graph.GetNode(ctx, workspace, edge.To)
				if err != nil {
					continue
				}
				score := from.score * edge.Strength * node.Weight
				visited[edge.To] = &visit{node: node, score: score, depth: depth}
				next = append(next, edge.To)
			}
		}
		frontier = next
	}

	ranked := make([]*visit, 0, len(visited))
	for _, v := range visited {
		ranked = append(ranked, v)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].node.Name < ranked[j].node.Name
	})
	if len(ranked) > maxNodes {
		ranked = ranked[:maxNodes]
	}

	out := make([]Node, len(ranked))
	for i, v := range ranked {
		out[i] = *v.node
	}
	return out, nil
}

// PromptSection seeds the traversal with capitalized terms from the goal
// and formats whatever the graph knows about them. Implements the loop's
// enricher seam.
func (f *Fetcher) PromptSection(ctx context.Context, t *task.Task) string {
	seeds := seedTerms(t.Goal)
	if len(seeds) == 0 {
		return ""
	}

	nodes, err := f.Fetch(ctx, t.Workspace, seeds)
	if err != nil {
		logger.GetLogger().Warn("Memory graph fetch failed", "task_id", t.ID, "error", err)
		return ""
	}
	if len(nodes) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Known entities:\n")
	for _, node := range nodes {
		fmt.Fprintf(&b, "- %s", node.Name)
		if node.Kind != "" {
			fmt.Fprintf(&b, " (%s)", node.Kind)
		}
		if node.Summary != "" {
			fmt.Fprintf(&b, ": %s", node.Summary)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// seedTerms pulls candidate entity names out of free text: capitalized
// words and identifier-looking tokens.
func seedTerms(goal string) []string {
	seen := map[string]bool{}
	var seeds []string
	for _, word := range strings.Fields(goal) {
		word = strings.Trim(word, ".,;:!?\"'()")
		if len(word) < 3 || seen[word] {
			continue
		}
		first := word[0]
		identifierLike := strings.ContainsAny(word, "_-./") || strings.ToLower(word) != word
		if (first >= 'A' && first <= 'Z') || identifierLike {
			seen[word] = true
			seeds = append(seeds, word)
		}
	}
	return seeds
}
