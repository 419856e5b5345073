package cqlcore

import (
	"encoding/binary"
)

// frameReader accumulates raw bytes read off a socket and slices out
// complete frames, the same way the teacher's readConn loop accumulates
// a 4-byte Kafka size header plus body before handing a whole response to
// handleResps — generalized here to CQL's version-dependent 8/9-byte
// header (spec §4.4).
type frameReader struct {
	version ProtocolVersion
	buf     []byte
}

func newFrameReader(version ProtocolVersion) *frameReader {
	return &frameReader{version: version}
}

// setVersion updates the header length used to slice frames. Only safe to
// call between frames (never mid-accumulation), matching streamIDPool's
// setVersion restriction during handshake/downgrade.
func (r *frameReader) setVersion(v ProtocolVersion) { r.version = v }

// feed appends newly read bytes and returns every complete frame now
// available, leaving any trailing partial frame buffered for the next
// call. This is the core of spec §4.4's "accumulate until a full frame,
// then dispatch, then continue with the remainder" loop, needed because
// TCP gives no guarantee that one Read() returns exactly one frame.
func (r *frameReader) feed(chunk []byte) ([]Frame, error) {
	r.buf = append(r.buf, chunk...)

	var frames []Frame
	for {
		hdrLen := r.version.HeaderLength()
		if len(r.buf) < hdrLen {
			break
		}
		header := parseFrameHeader(r.buf[:hdrLen], r.version)
		total := hdrLen + int(header.BodyLength)
		if header.BodyLength < 0 || total < hdrLen {
			return frames, &ProtocolError{Message: "malformed frame: negative body length"}
		}
		if len(r.buf) < total {
			break
		}
		body := make([]byte, header.BodyLength)
		copy(body, r.buf[hdrLen:total])
		frames = append(frames, Frame{Header: header, Body: body})
		r.buf = r.buf[total:]
	}
	return frames, nil
}

// parseFrameHeader decodes a fixed-width frame header. version determines
// the stream-id field's width (1 byte for v1-v2, 2 bytes for v3+, spec
// §4.1).
func parseFrameHeader(b []byte, version ProtocolVersion) FrameHeader {
	h := FrameHeader{
		Version: ProtocolVersion(b[0]),
		Flags:   b[1],
	}
	off := 2
	if version.StreamIDWidth() == 2 {
		h.StreamID = int16(binary.BigEndian.Uint16(b[off : off+2]))
		off += 2
	} else {
		h.StreamID = int16(int8(b[off]))
		off++
	}
	h.Opcode = Opcode(b[off])
	off++
	h.BodyLength = int32(binary.BigEndian.Uint32(b[off : off+4]))
	return h
}

// DispatchKind tells a Connection's frame dispatcher what a fully-parsed
// frame resolved to, so it can route it to the right handler without the
// emitter needing to know about OperationState (spec §4.4).
type DispatchKind int

const (
	DispatchResponse DispatchKind = iota
	DispatchNodeEvent
	DispatchRow
	DispatchFrameEnded
)

// DispatchedFrame is the result-emitter's output for one decoded frame: a
// terminal Result, a node event, or (for a ROWS frame whose rows were all
// delivered via RowCallback) a "frame ended" marker. Rows themselves go
// straight to the RowCallback; emit never produces DispatchRow.
type DispatchedFrame struct {
	Kind     DispatchKind
	StreamID int16
	Result   *Result
	Event    *NodeEvent
	Err      error
}

// resultEmitter turns complete Frames into dispatchable outcomes, handling
// the special-cased ERROR/EVENT opcodes and choosing between buffered and
// streamed ROWS decoding depending on whether the owning OperationState has
// a row callback registered (spec §4.4). It holds no per-connection state
// itself; the connection supplies the OperationState lookup.
type resultEmitter struct {
	version  ProtocolVersion
	endpoint Endpoint
	lookup   func(streamID int16) (*OperationState, bool)
}

func newResultEmitter(version ProtocolVersion, endpoint Endpoint, lookup func(int16) (*OperationState, bool)) *resultEmitter {
	return &resultEmitter{version: version, endpoint: endpoint, lookup: lookup}
}

// setVersion updates the version used to decode RESULT bodies (v5's
// result-metadata-id flag).
func (e *resultEmitter) setVersion(v ProtocolVersion) { e.version = v }

// emit decodes one complete Frame into a DispatchedFrame.
func (e *resultEmitter) emit(f Frame) DispatchedFrame {
	streamID := f.Header.StreamID

	if streamID == NodeEventStreamID && f.Header.Opcode == OpEvent {
		ev, err := ParseEvent(e.endpoint, f.Body)
		return DispatchedFrame{Kind: DispatchNodeEvent, StreamID: streamID, Event: ev, Err: err}
	}

	if f.Header.Opcode == OpError {
		respErr, err := parseResponseError(f.Body)
		if err != nil {
			return DispatchedFrame{Kind: DispatchResponse, StreamID: streamID, Err: err}
		}
		return DispatchedFrame{Kind: DispatchResponse, StreamID: streamID, Err: respErr}
	}

	op, ok := e.lookup(streamID)
	var rowCallback RowCallback
	if ok && op.hasRowCallback() {
		rowCallback = op.deliverRowWrapper()
	}

	switch f.Header.Opcode {
	case OpReady, OpAuthenticate, OpAuthChallenge, OpAuthSuccess, OpSupported:
		// Handshake/auth opcodes: the connection reads these itself in
		// handshakeRoundtrip before the read loop starts, so they do not
		// go through Result at all.
		return DispatchedFrame{Kind: DispatchResponse, StreamID: streamID}
	case OpResult:
		res, err := ParseResult(e.endpoint, e.version, f.Body, rowCallback)
		if err != nil {
			return DispatchedFrame{Kind: DispatchResponse, StreamID: streamID, Err: err}
		}
		if rowCallback != nil {
			return DispatchedFrame{Kind: DispatchFrameEnded, StreamID: streamID, Result: res}
		}
		return DispatchedFrame{Kind: DispatchResponse, StreamID: streamID, Result: res}
	default:
		return DispatchedFrame{
			Kind:     DispatchResponse,
			StreamID: streamID,
			Err:      &DriverInternalError{Message: "unexpected opcode in response dispatch: " + f.Header.Opcode.String()},
		}
	}
}

// deliverRowWrapper adapts OperationState.deliverRow (which reports
// delivered/not) into the bare RowCallback signature ParseResult expects.
// Declared here rather than on OperationState itself since it's purely a
// parser-side adaptation, not part of the operation's own state contract.
func (o *OperationState) deliverRowWrapper() RowCallback {
	return func(rowIndex int, row []byte) {
		o.deliverRow(row)
	}
}
