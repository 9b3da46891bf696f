package mcp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func poolWithFake(t *testing.T, name string, transports []*fakeTransport) (*Pool, *int) {
	t.Helper()
	c, spawns := newFakeClient(t, transports, "")
	c.cfg.Name = name

	p := NewPool()
	p.entries[name] = &poolEntry{client: c}
	return p, spawns
}

func TestPoolGetClientUnknown(t *testing.T) {
	p := NewPool()
	_, err := p.GetClient(context.Background(), "nope", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not configured")
}

func TestPoolGetClientRevivesDisconnected(t *testing.T) {
	p, spawns := poolWithFake(t, "srv", []*fakeTransport{{tools: echoTools()}})

	c, err := p.GetClient(context.Background(), "srv", nil)
	require.NoError(t, err)
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, 1, *spawns)

	health := p.Health()
	require.Len(t, health, 1)
	assert.True(t, health[0].Reconnected)
}

func TestPoolForcesReconnectOnZeroTools(t *testing.T) {
	// First process reports no tools (missing auth); the revival finds them.
	p, spawns := poolWithFake(t, "srv", []*fakeTransport{
		{tools: nil},
		{tools: echoTools()},
	})

	_, err := p.GetClient(context.Background(), "srv", nil)
	require.NoError(t, err)
	require.Equal(t, 1, *spawns)

	c, err := p.GetClient(context.Background(), "srv", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, *spawns)
	assert.Len(t, c.Tools(), 1)
}

func TestPoolEnvChangeForcesReconnect(t *testing.T) {
	transports := []*fakeTransport{
		{tools: echoTools()},
		{tools: echoTools()},
	}
	c, spawns := newFakeClient(t, transports, "")
	c.cfg.Name = "srv"
	c.cfg.Env = map[string]string{"TOKEN": "old"}

	p := NewPool()
	p.entries["srv"] = &poolEntry{client: c}

	_, err := p.GetClient(context.Background(), "srv", map[string]string{"TOKEN": "old"})
	require.NoError(t, err)
	require.Equal(t, 1, *spawns)

	fresh, err := p.GetClient(context.Background(), "srv", map[string]string{"TOKEN": "new"})
	require.NoError(t, err)
	assert.Equal(t, 2, *spawns)
	assert.Equal(t, "new", fresh.cfg.Env["TOKEN"])
	assert.True(t, transports[0].closed)
}

func TestPoolSweepRemovesDeadServers(t *testing.T) {
	c, _ := newFakeClient(t, nil, "") // factory always fails
	c.cfg.Name = "dead"

	p := NewPool()
	p.entries["dead"] = &poolEntry{client: c}

	p.sweep(context.Background())
	assert.Empty(t, p.Health())
}

func TestPoolHealthReportsState(t *testing.T) {
	p, _ := poolWithFake(t, "srv", []*fakeTransport{{tools: echoTools()}})
	_, err := p.GetClient(context.Background(), "srv", nil)
	require.NoError(t, err)

	health := p.Health()
	require.Len(t, health, 1)
	assert.Equal(t, "srv", health[0].Name)
	assert.Equal(t, StateConnected, health[0].State)
	assert.Equal(t, 1, health[0].Tools)
}

func TestPoolCloseDisconnectsAll(t *testing.T) {
	tr := &fakeTransport{tools: echoTools()}
	p, _ := poolWithFake(t, "srv", []*fakeTransport{tr})
	_, err := p.GetClient(context.Background(), "srv", nil)
	require.NoError(t, err)

	p.Close()
	assert.True(t, tr.closed)
	assert.Empty(t, p.Health())
}

// The factory error path in newFakeClient returns an error once transports
// run out; exercised here to document spawn accounting.
func TestPoolSpawnExhaustion(t *testing.T) {
	p, spawns := poolWithFake(t, "srv", []*fakeTransport{{tools: echoTools()}})
	_, err := p.GetClient(context.Background(), "srv", nil)
	require.NoError(t, err)

	c := p.entries["srv"].client
	c.Disconnect()
	_, err = p.GetClient(context.Background(), "srv", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no more transports")
	assert.Equal(t, 1, *spawns)
}
