package cqlcore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveQueryParamsGatesVersionDependentFields(t *testing.T) {
	opts := ExecutionOptions{
		Consistency:  ConsistencyQuorum,
		HasFetchSize: true,
		FetchSize:    100,
		HasTimestamp: true,
		Timestamp:    42,
		Keyspace:     "ks",
	}

	v1 := resolveQueryParams(opts, ProtocolVersion1)
	assert.False(t, v1.HasPageSize, "v1 predates paging")
	assert.False(t, v1.HasTimestamp, "v1/v2 predate client timestamps")
	assert.Empty(t, v1.Keyspace, "per-query keyspace needs dseV2")

	v4 := resolveQueryParams(opts, ProtocolVersion4)
	assert.True(t, v4.HasPageSize)
	assert.EqualValues(t, 100, v4.PageSize)
	assert.True(t, v4.HasTimestamp)
	assert.EqualValues(t, 42, v4.Timestamp)
	assert.Empty(t, v4.Keyspace)

	dseV2 := resolveQueryParams(opts, ProtocolVersionDSEv2)
	assert.Equal(t, "ks", dseV2.Keyspace)
}

func TestDefaultExecutionOptionsPicksConsistencyOne(t *testing.T) {
	opts := defaultExecutionOptions()
	assert.Equal(t, ConsistencyOne, opts.Consistency)
	assert.True(t, opts.HasFetchSize)
	assert.EqualValues(t, 5000, opts.FetchSize)
}
