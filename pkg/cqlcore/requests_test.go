package cqlcore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryRequestWriteProducesAParsableHeader(t *testing.T) {
	req := &QueryRequest{
		Query: "SELECT * FROM ks.t WHERE k = ?",
		Params: QueryParams{
			Consistency: ConsistencyQuorum,
			Values:      [][]byte{[]byte("abc")},
		},
	}

	buf, err := req.write(ProtocolVersion4, 5)
	require.NoError(t, err)

	header := parseFrameHeader(buf[:ProtocolVersion4.HeaderLength()], ProtocolVersion4)
	assert.Equal(t, OpQuery, header.Opcode)
	assert.EqualValues(t, 5, header.StreamID)
	assert.EqualValues(t, len(buf)-ProtocolVersion4.HeaderLength(), header.BodyLength)
}

func TestQueryParamsFlagsReflectOptionalFields(t *testing.T) {
	p := QueryParams{HasPageSize: true, HasSerialConsistency: true, HasTimestamp: true}
	f := p.flags(ProtocolVersion4)
	assert.NotZero(t, f&flagPageSize)
	assert.NotZero(t, f&flagSerialConsistency)
	assert.NotZero(t, f&flagDefaultTimestamp)
	assert.Zero(t, f&flagValues, "no values were set")
}

func TestQueryParamsKeyspaceFlagOnlyAtDSEv2(t *testing.T) {
	p := QueryParams{Keyspace: "ks"}
	assert.Zero(t, p.flags(ProtocolVersion4)&flagKeyspace, "keyspace-per-query needs 4-byte flags")
	assert.NotZero(t, p.flags(ProtocolVersionDSEv2)&flagKeyspace)
}

func TestCancelRequestNeverReachesTheWire(t *testing.T) {
	req := &CancelRequest{TargetStreamID: 3}
	assert.Equal(t, OpCancel, req.Opcode())
	_, err := req.write(ProtocolVersion4, 3)
	assert.Error(t, err, "a local-only cancel request must never be serialized onto the wire")
}

// TestOptionsRequestWriteProducesAnEmptyBody covers the OPTIONS request a
// caller can still send directly to probe a coordinator's SUPPORTED
// options (spec §6); the idle heartbeat now uses a system.local read
// instead, so this is OptionsRequest's only exercise.
func TestOptionsRequestWriteProducesAnEmptyBody(t *testing.T) {
	req := &OptionsRequest{}
	buf, err := req.write(ProtocolVersion4, 2)
	require.NoError(t, err)

	header := parseFrameHeader(buf[:ProtocolVersion4.HeaderLength()], ProtocolVersion4)
	assert.Equal(t, OpOptions, header.Opcode)
	assert.EqualValues(t, 2, header.StreamID)
	assert.Zero(t, header.BodyLength)
}
