package cqlcore

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rawFrame builds a complete v4 frame's wire bytes: header plus body.
func rawFrame(streamID int16, opcode Opcode, body []byte) []byte {
	header := make([]byte, ProtocolVersion4.HeaderLength())
	header[0] = byte(ProtocolVersion4)
	header[1] = 0
	binary.BigEndian.PutUint16(header[2:4], uint16(streamID))
	header[4] = byte(opcode)
	binary.BigEndian.PutUint32(header[5:9], uint32(len(body)))
	return append(header, body...)
}

func voidResultBody() []byte {
	body := make([]byte, 4)
	binary.BigEndian.PutUint32(body, uint32(ResultKindVoid))
	return body
}

func TestFrameReaderFeedSingleFrame(t *testing.T) {
	r := newFrameReader(ProtocolVersion4)
	frames, err := r.feed(rawFrame(7, OpResult, voidResultBody()))
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.EqualValues(t, 7, frames[0].Header.StreamID)
	assert.Equal(t, OpResult, frames[0].Header.Opcode)
}

func TestFrameReaderFeedAcrossFragmentedReads(t *testing.T) {
	raw := rawFrame(3, OpResult, voidResultBody())
	r := newFrameReader(ProtocolVersion4)

	frames, err := r.feed(raw[:5])
	require.NoError(t, err)
	assert.Empty(t, frames, "a partial header must not yield a frame")

	frames, err = r.feed(raw[5:])
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.EqualValues(t, 3, frames[0].Header.StreamID)
}

func TestFrameReaderFeedMultipleFramesInOneChunk(t *testing.T) {
	raw := append(rawFrame(1, OpResult, voidResultBody()), rawFrame(2, OpResult, voidResultBody())...)
	r := newFrameReader(ProtocolVersion4)
	frames, err := r.feed(raw)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.EqualValues(t, 1, frames[0].Header.StreamID)
	assert.EqualValues(t, 2, frames[1].Header.StreamID)
}

func TestFrameReaderRejectsMalformedBodyLength(t *testing.T) {
	raw := rawFrame(1, OpResult, voidResultBody())
	// Corrupt the body-length field to a negative value.
	binary.BigEndian.PutUint32(raw[5:9], uint32(int32(-1)))

	r := newFrameReader(ProtocolVersion4)
	_, err := r.feed(raw)
	require.Error(t, err)
	_, ok := err.(*ProtocolError)
	assert.True(t, ok)
}

func TestResultEmitterEmitsVoidResult(t *testing.T) {
	emitter := newResultEmitter(ProtocolVersion4, Endpoint{Address: "127.0.0.1", Port: 9042}, func(int16) (*OperationState, bool) {
		return nil, false
	})
	f := Frame{Header: FrameHeader{StreamID: 1, Opcode: OpResult}, Body: voidResultBody()}
	d := emitter.emit(f)
	require.NoError(t, d.Err)
	assert.Equal(t, DispatchResponse, d.Kind)
	require.NotNil(t, d.Result)
	assert.Equal(t, ResultKindVoid, d.Result.Kind)
}

func TestResultEmitterStreamsRowsWhenRowCallbackRegistered(t *testing.T) {
	op := newOperationState(1, &QueryRequest{}, func(*Result, error) {}, func(int, []byte) {})
	emitter := newResultEmitter(ProtocolVersion4, Endpoint{}, func(id int16) (*OperationState, bool) {
		if id == 1 {
			return op, true
		}
		return nil, false
	})

	body := make([]byte, 0)
	body = binary.BigEndian.AppendUint32(body, uint32(ResultKindRows))
	body = binary.BigEndian.AppendUint32(body, uint32(resultMetaFlagNoMetadata))
	body = binary.BigEndian.AppendUint32(body, 1) // column count
	body = binary.BigEndian.AppendUint32(body, 1) // row count
	body = binary.BigEndian.AppendUint32(body, 0) // one column, 0-length value

	f := Frame{Header: FrameHeader{StreamID: 1, Opcode: OpResult}, Body: body}
	d := emitter.emit(f)
	require.NoError(t, d.Err)
	assert.Equal(t, DispatchFrameEnded, d.Kind, "a rows result with a registered row callback ends the frame rather than carrying buffered rows")
}
