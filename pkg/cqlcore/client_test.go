package cqlcore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func endpointHosts(addrs ...string) []Host {
	hosts := make([]Host, len(addrs))
	for i, a := range addrs {
		hosts[i] = NewSimpleHost(Endpoint{Address: a, Port: 9042})
	}
	return hosts
}

func drainPlan(plan QueryPlan) []string {
	var out []string
	for {
		h, ok := plan.Next()
		if !ok {
			return out
		}
		out = append(out, h.Endpoint().Address)
	}
}

func TestRoundRobinPolicyRotatesStartingHost(t *testing.T) {
	p := NewRoundRobinPolicy(endpointHosts("a", "b", "c"))

	first := drainPlan(p.NewQueryPlan("", ExecutionOptions{}))
	second := drainPlan(p.NewQueryPlan("", ExecutionOptions{}))

	assert.Equal(t, []string{"a", "b", "c"}, first)
	assert.Equal(t, []string{"b", "c", "a"}, second)
}

func TestRoundRobinPolicyEmptyHostsYieldsNoPlan(t *testing.T) {
	p := NewRoundRobinPolicy(nil)
	plan := p.NewQueryPlan("", ExecutionOptions{})
	_, ok := plan.Next()
	assert.False(t, ok)
}

func TestPreparedCacheGetPutUpdate(t *testing.T) {
	cache := NewPreparedCache()
	_, ok := cache.Get("ks", "SELECT 1")
	assert.False(t, ok)

	entry := &PreparedEntry{QueryID: []byte{1, 2}}
	cache.Put("ks", "SELECT 1", entry)

	got, ok := cache.Get("ks", "SELECT 1")
	require.True(t, ok)
	assert.Equal(t, entry, got)

	cache.UpdateResultMetadata("ks", "SELECT 1", []byte{9}, ResultMetadata{ColumnCount: 2})
	got, _ = cache.Get("ks", "SELECT 1")
	assert.Equal(t, []byte{9}, got.ResultMetadataID)
	assert.EqualValues(t, 2, got.ResultMetadata.ColumnCount)

	_, ok = cache.Get("other_ks", "SELECT 1")
	assert.False(t, ok, "cache is keyed by (keyspace, query)")
}
