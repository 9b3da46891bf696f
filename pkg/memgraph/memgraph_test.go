package memgraph

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-ai/kestrel/pkg/task"
)

type fakeGraph struct {
	nodes map[string]*Node
	edges map[string][]Edge
}

func (f *fakeGraph) GetNode(_ context.Context, _ string, name string) (*Node, error) {
	node, ok := f.nodes[name]
	if !ok {
		return nil, fmt.Errorf("no such node: %s", name)
	}
	return node, nil
}

func (f *fakeGraph) Neighbors(_ context.Context, _ string, name string) ([]Edge, error) {
	return f.edges[name], nil
}

func chainGraph() *fakeGraph {
	// Api -> Auth -> Tokens -> Vault (three hops; Vault is out of reach).
	return &fakeGraph{
		nodes: map[string]*Node{
			"Api":    {Name: "Api", Kind: "service", Weight: 1.0, Summary: "public REST surface"},
			"Auth":   {Name: "Auth", Kind: "service", Weight: 0.9},
			"Tokens": {Name: "Tokens", Kind: "table", Weight: 0.8},
			"Vault":  {Name: "Vault", Kind: "secret-store", Weight: 1.0},
		},
		edges: map[string][]Edge{
			"Api":    {{From: "Api", To: "Auth", Strength: 0.9}},
			"Auth":   {{From: "Auth", To: "Tokens", Strength: 0.8}},
			"Tokens": {{From: "Tokens", To: "Vault", Strength: 1.0}},
		},
	}
}

func TestFetchBoundedToTwoHops(t *testing.T) {
	f := NewFetcher(chainGraph())

	nodes, err := f.Fetch(context.Background(), "ws1", []string{"Api"})
	require.NoError(t, err)

	names := make([]string, len(nodes))
	for i, n := range nodes {
		names[i] = n.Name
	}
	assert.Equal(t, []string{"Api", "Auth", "Tokens"}, names)
	assert.NotContains(t, names, "Vault")
}

func TestFetchOrdersByPathScore(t *testing.T) {
	g := &fakeGraph{
		nodes: map[string]*Node{
			"Seed":   {Name: "Seed", Weight: 1.0},
			"Strong": {Name: "Strong", Weight: 1.0},
			"Weak":   {Name: "Weak", Weight: 1.0},
		},
		edges: map[string][]Edge{
			"Seed": {
				{From: "Seed", To: "Weak", Strength: 0.2},
				{From: "Seed", To: "Strong", Strength: 0.9},
			},
		},
	}
	f := NewFetcher(g)

	nodes, err := f.Fetch(context.Background(), "ws1", []string{"Seed"})
	require.NoError(t, err)
	require.Len(t, nodes, 3)
	assert.Equal(t, "Seed", nodes[0].Name)
	assert.Equal(t, "Strong", nodes[1].Name)
	assert.Equal(t, "Weak", nodes[2].Name)
}

func TestFetchCapsNodeCount(t *testing.T) {
	g := &fakeGraph{nodes: map[string]*Node{"Hub": {Name: "Hub", Weight: 1.0}}, edges: map[string][]Edge{}}
	for i := 0; i < 50; i++ {
		name := fmt.Sprintf("N%02d", i)
		g.nodes[name] = &Node{Name: name, Weight: 0.5}
		g.edges["Hub"] = append(g.edges["Hub"], Edge{From: "Hub", To: name, Strength: 0.5})
	}
	f := NewFetcher(g)

	nodes, err := f.Fetch(context.Background(), "ws1", []string{"Hub"})
	require.NoError(t, err)
	assert.Len(t, nodes, maxNodes)
	assert.Equal(t, "Hub", nodes[0].Name)
}

func TestFetchSkipsUnknownSeeds(t *testing.T) {
	f := NewFetcher(chainGraph())
	nodes, err := f.Fetch(context.Background(), "ws1", []string{"Nope", "Auth"})
	require.NoError(t, err)
	require.NotEmpty(t, nodes)
	assert.Equal(t, "Auth", nodes[0].Name)
}

func TestPromptSectionFormatsKnownEntities(t *testing.T) {
	f := NewFetcher(chainGraph())
	tk := task.New("alice", "ws1", "Fix the Api rate limiting")

	section := f.PromptSection(context.Background(), tk)
	assert.Contains(t, section, "Known entities:")
	assert.Contains(t, section, "Api (service): public REST surface")
	assert.Contains(t, section, "Auth (service)")
}

func TestPromptSectionEmptyWithoutSeeds(t *testing.T) {
	f := NewFetcher(chainGraph())
	tk := task.New("alice", "ws1", "do the thing")
	assert.Empty(t, f.PromptSection(context.Background(), tk))
}

func TestSeedTerms(t *testing.T) {
	seeds := seedTerms("Investigate the OrderService and fix user_repo.go latency, please")
	assert.Contains(t, seeds, "OrderService")
	assert.Contains(t, seeds, "user_repo.go")
	assert.Contains(t, seeds, "Investigate")
	assert.NotContains(t, seeds, "the")
	assert.NotContains(t, seeds, "please")
}
