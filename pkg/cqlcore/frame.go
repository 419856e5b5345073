package cqlcore

import (
	"fmt"
	"net"

	"github.com/twmb/franz-go/pkg/kbin"
)

// frameHeaderFlagTracing marks a frame as carrying a tracing id (spec §4.1).
const frameHeaderFlagTracing byte = 0x02

// frameHeaderFlagCustomPayload marks a frame as carrying a custom payload
// map (spec §4.1).
const frameHeaderFlagCustomPayload byte = 0x04

// FrameHeader is the fixed-size prefix of every frame (spec §4.1).
type FrameHeader struct {
	Version  ProtocolVersion
	Flags    byte
	StreamID int16
	Opcode   Opcode

	// BodyLength is recorded after writing; useful for write-coalescing
	// accounting and metrics, per spec §4.1.
	BodyLength int32
}

func (h FrameHeader) IsResponse() bool { return h.Version&responseBit != 0 }

// Frame is a fully-materialized protocol message: header plus raw body
// bytes. Higher layers (requests.go/responses.go) decode Body further.
type Frame struct {
	Header FrameHeader
	Body   []byte
}

// FrameWriter serializes a Frame into a byte buffer, appending to dst.
// All primitives are big-endian per spec §4.1.
type FrameWriter struct {
	buf []byte
}

// NewFrameWriter returns a FrameWriter that appends to buf, reset to
// length zero so its capacity can be reused.
func NewFrameWriter(buf []byte) *FrameWriter {
	return &FrameWriter{buf: buf[:0]}
}

// Bytes returns the buffer written so far.
func (w *FrameWriter) Bytes() []byte { return w.buf }

// WriteHeader appends a frame header. version, streamID, opcode and the
// flags byte are all supplied by the caller. bodyLen must be known ahead
// of time (callers build the body first, then call WriteHeader followed by
// the body bytes, or use WriteFrame below).
func (w *FrameWriter) WriteHeader(version ProtocolVersion, streamID int16, opcode Opcode, flags byte, bodyLen int32) {
	w.buf = append(w.buf, byte(version))
	w.buf = append(w.buf, flags)
	if version.StreamIDWidth() == 2 {
		w.buf = kbin.AppendInt16(w.buf, streamID)
	} else {
		w.buf = append(w.buf, byte(streamID))
	}
	w.buf = append(w.buf, byte(opcode))
	w.buf = kbin.AppendInt32(w.buf, bodyLen)
}

// WriteFrame writes a complete frame: header followed by body, computing
// flags and body length automatically. tracing/customPayload are applied
// to the header flags before the body, per spec §4.1.
func (w *FrameWriter) WriteFrame(version ProtocolVersion, streamID int16, opcode Opcode, tracing, customPayload bool, body []byte) {
	var flags byte
	if tracing {
		flags |= frameHeaderFlagTracing
	}
	if customPayload {
		flags |= frameHeaderFlagCustomPayload
	}
	w.WriteHeader(version, streamID, opcode, flags, int32(len(body)))
	w.buf = append(w.buf, body...)
}

func (w *FrameWriter) Short(v uint16)  { w.buf = kbin.AppendInt16(w.buf, int16(v)) }
func (w *FrameWriter) Int(v int32)     { w.buf = kbin.AppendInt32(w.buf, v) }
func (w *FrameWriter) Long(v int64)    { w.buf = kbin.AppendInt64(w.buf, v) }
func (w *FrameWriter) Byte(v byte)     { w.buf = append(w.buf, v) }
func (w *FrameWriter) Raw(b []byte)    { w.buf = append(w.buf, b...) }

// WriteBytes writes a [bytes] value: 4-byte length n, n raw bytes. A nil
// slice writes n=-1 (null); use UnsetBytes for n=-2 (spec §4.1).
func (w *FrameWriter) WriteBytes(b []byte) {
	if b == nil {
		w.Int(-1)
		return
	}
	w.Int(int32(len(b)))
	w.Raw(b)
}

// UnsetBytes writes the "unset value" sentinel (length -2), used for bound
// values a client wants the server to treat as not-provided.
func (w *FrameWriter) UnsetBytes() { w.Int(-2) }

// ShortBytes writes a [short bytes] value: 2-byte length, raw bytes.
func (w *FrameWriter) ShortBytes(b []byte) {
	w.Short(uint16(len(b)))
	w.Raw(b)
}

// String writes a [string] value: 2-byte length, UTF-8 bytes.
func (w *FrameWriter) String(s string) {
	w.Short(uint16(len(s)))
	w.Raw([]byte(s))
}

// LongString writes an [string] with a 4-byte length prefix, used for
// query text (spec §4.1 "lstring").
func (w *FrameWriter) LongString(s string) {
	w.Int(int32(len(s)))
	w.Raw([]byte(s))
}

// StringList writes a [string list]: 2-byte count, then each [string].
func (w *FrameWriter) StringList(ss []string) {
	w.Short(uint16(len(ss)))
	for _, s := range ss {
		w.String(s)
	}
}

// StringMap writes a [string map]: 2-byte count, then [string][string]
// pairs.
func (w *FrameWriter) StringMap(m map[string]string) {
	w.Short(uint16(len(m)))
	for k, v := range m {
		w.String(k)
		w.String(v)
	}
}

// CustomPayload writes a [bytes map]: 2-byte count of key/[bytes] pairs.
func (w *FrameWriter) CustomPayload(m map[string][]byte) {
	w.Short(uint16(len(m)))
	for k, v := range m {
		w.String(k)
		w.WriteBytes(v)
	}
}

// FrameParser decodes primitives out of a single frame's body, tracking
// position via the embedded kbin.Reader (the ecosystem primitive-reader
// this core adopts rather than reimplementing one, per SPEC_FULL.md).
type FrameParser struct {
	r   kbin.Reader
	bad bool // set on a malformed length prefix outside the two sentinel cases
}

// NewFrameParser wraps body for sequential primitive reads.
func NewFrameParser(body []byte) *FrameParser {
	return &FrameParser{r: kbin.Reader{Src: body}}
}

// Err returns a *malformed-frame* error if the underlying reader ran past
// the end of its input at any point.
func (p *FrameParser) Err() error {
	if p.bad {
		return &ProtocolError{Message: "malformed frame: negative length prefix"}
	}
	if err := p.r.Complete(); err != nil {
		return &ProtocolError{Message: fmt.Sprintf("malformed frame: %v", err)}
	}
	return nil
}

// Remaining reports whether unread bytes remain.
func (p *FrameParser) Remaining() int { return len(p.r.Src) }

func (p *FrameParser) Short() uint16 { return uint16(p.r.Int16()) }
func (p *FrameParser) Int() int32    { return p.r.Int32() }
func (p *FrameParser) Long() int64   { return p.r.Int64() }
func (p *FrameParser) Byte() byte { return byte(p.r.Int8()) }

// Bytes reads a [bytes] value. A nil result with isNull=true
// means the wire value was null (-1); a nil result with isUnset=true means
// it was the "unset" sentinel (-2), per spec §4.1.
func (p *FrameParser) Bytes() (b []byte, isNull, isUnset bool) {
	n := p.r.Int32()
	switch {
	case n == -1:
		return nil, true, false
	case n == -2:
		return nil, false, true
	case n < 0:
		p.bad = true
		return nil, false, false
	default:
		return p.r.Span(int(n)), false, false
	}
}

// ShortBytes reads a [short bytes] value.
func (p *FrameParser) ShortBytes() []byte {
	n := int(p.r.Int16())
	if n < 0 {
		p.bad = true
		return nil
	}
	return p.r.Span(n)
}

// String reads a [string] value.
func (p *FrameParser) String() string {
	n := int(p.r.Int16())
	if n < 0 {
		p.bad = true
		return ""
	}
	return string(p.r.Span(n))
}

// LongString reads a [string] with a 4-byte length prefix.
func (p *FrameParser) LongString() string {
	n := int(p.r.Int32())
	if n < 0 {
		p.bad = true
		return ""
	}
	return string(p.r.Span(n))
}

// StringList reads a [string list].
func (p *FrameParser) StringList() []string {
	n := int(uint16(p.r.Int16()))
	out := make([]string, n)
	for i := range out {
		out[i] = p.String()
	}
	return out
}

// inetAddr reads a CQL [inet] value: a 1-byte length (4 or 16) followed by
// that many address bytes and a 4-byte port (spec §6 EVENT bodies).
func (p *FrameParser) inetAddr() (addr string, port int) {
	n := int(p.r.Int8())
	raw := p.r.Span(n)
	ip := net.IP(raw)
	port = int(p.Int())
	return ip.String(), port
}

// StringMap reads a [string map].
func (p *FrameParser) StringMap() map[string]string {
	n := int(uint16(p.r.Int16()))
	out := make(map[string]string, n)
	for i := 0; i < n; i++ {
		k := p.String()
		out[k] = p.String()
	}
	return out
}
