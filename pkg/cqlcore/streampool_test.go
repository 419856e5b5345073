package cqlcore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamIDPoolCapacityByVersion(t *testing.T) {
	cases := []struct {
		version  ProtocolVersion
		capacity int
	}{
		{ProtocolVersion1, 128},
		{ProtocolVersion2, 128},
		{ProtocolVersion3, 32768},
		{ProtocolVersion4, 32768},
	}
	for _, tc := range cases {
		p := newStreamIDPool(tc.version)
		assert.Equal(t, tc.capacity, p.capacityOf())
		assert.True(t, p.isFull())
	}
}

func TestStreamIDPoolDisjointAllocations(t *testing.T) {
	p := newStreamIDPool(ProtocolVersion3)
	seen := make(map[int16]bool)
	for i := 0; i < p.capacityOf(); i++ {
		id, ok := p.pop()
		require.True(t, ok)
		assert.False(t, seen[id], "stream id %d handed out twice", id)
		seen[id] = true
	}
	_, ok := p.pop()
	assert.False(t, ok, "pool should be exhausted")
	assert.Equal(t, p.capacityOf(), p.inUseCount())
}

func TestStreamIDPoolPushReclaims(t *testing.T) {
	p := newStreamIDPool(ProtocolVersion1)
	id, ok := p.pop()
	require.True(t, ok)
	assert.False(t, p.isFull())

	p.push(id)
	assert.True(t, p.isFull())
	assert.Equal(t, 0, p.inUseCount())
}

func TestStreamIDPoolSetVersionReseeds(t *testing.T) {
	p := newStreamIDPool(ProtocolVersion1)
	p.pop()
	p.setVersion(ProtocolVersion4)
	assert.Equal(t, 32768, p.capacityOf())
	assert.True(t, p.isFull())
}
