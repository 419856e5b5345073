package cqlcore

import (
	"fmt"
	"strings"
)

// Endpoint identifies a coordinator by address and port (spec §3). The
// last colon in a raw string separates the port, so that IPv6 literals
// (which themselves contain colons) parse correctly.
type Endpoint struct {
	Address string
	Port    int
}

// ParseEndpoint splits raw on its last ':' into address and port.
func ParseEndpoint(raw string) (Endpoint, error) {
	idx := strings.LastIndexByte(raw, ':')
	if idx < 0 {
		return Endpoint{}, fmt.Errorf("cqlcore: endpoint %q has no port", raw)
	}
	addr, portStr := raw[:idx], raw[idx+1:]
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return Endpoint{}, fmt.Errorf("cqlcore: endpoint %q has an invalid port: %w", raw, err)
	}
	return Endpoint{Address: addr, Port: port}, nil
}

func (e Endpoint) String() string {
	if strings.Contains(e.Address, ":") {
		return fmt.Sprintf("[%s]:%d", e.Address, e.Port)
	}
	return fmt.Sprintf("%s:%d", e.Address, e.Port)
}

// ProtocolVersion is the negotiated CQL native protocol version (spec §3).
// DSE-specific variants extend beyond the OSS core range with bit 6 set,
// matching the wire encoding used in the version byte of the frame header.
type ProtocolVersion uint8

const (
	ProtocolVersion1 ProtocolVersion = 1
	ProtocolVersion2 ProtocolVersion = 2
	ProtocolVersion3 ProtocolVersion = 3
	ProtocolVersion4 ProtocolVersion = 4
	ProtocolVersion5 ProtocolVersion = 5

	// dseVersionBit marks a DSE-private protocol variant in the version
	// byte, the same way the real wire format reserves the top bits of
	// the header's version byte for the response flag and vendor space.
	dseVersionBit             ProtocolVersion = 0x40
	ProtocolVersionDSEv1      ProtocolVersion = dseVersionBit | 1
	ProtocolVersionDSEv2      ProtocolVersion = dseVersionBit | 2

	// maxCoreProtocolVersion is the highest version this core will
	// attempt during negotiation unless capped lower by configuration.
	maxCoreProtocolVersion = ProtocolVersionDSEv2
)

// responseBit marks a frame header's version byte as carrying a response
// rather than a request (spec §4.1).
const responseBit ProtocolVersion = 0x80

func (v ProtocolVersion) String() string {
	switch v {
	case ProtocolVersion1, ProtocolVersion2, ProtocolVersion3, ProtocolVersion4, ProtocolVersion5:
		return fmt.Sprintf("v%d", uint8(v))
	case ProtocolVersionDSEv1:
		return "dseV1"
	case ProtocolVersionDSEv2:
		return "dseV2"
	default:
		return fmt.Sprintf("v0x%02X", uint8(v))
	}
}

// isDSE reports whether v is one of the DSE-private variants.
func (v ProtocolVersion) isDSE() bool { return v&dseVersionBit != 0 }

// ordinal returns a comparable integer so that e.g. dseV2 sorts above v4
// but DSE variants and core variants are never silently conflated for
// anything but ordering purposes.
func (v ProtocolVersion) ordinal() int {
	if v.isDSE() {
		return 4 + int(v&^dseVersionBit)
	}
	return int(v)
}

// Less reports whether v negotiates to a strictly older/lesser protocol
// than other.
func (v ProtocolVersion) Less(other ProtocolVersion) bool { return v.ordinal() < other.ordinal() }

// StreamIDWidth returns the byte width of the stream id field in the frame
// header: 1 byte for v1-v2, 2 bytes for v3 and above (spec §3/§4.1).
func (v ProtocolVersion) StreamIDWidth() int {
	if v == ProtocolVersion1 || v == ProtocolVersion2 {
		return 1
	}
	return 2
}

// HeaderLength returns the frame header length: 8 bytes for v1-v2, 9 bytes
// for v3 and above (spec §4.1).
func (v ProtocolVersion) HeaderLength() int {
	return 5 + v.StreamIDWidth() + 2
}

// StreamIDCapacity returns the number of concurrently usable stream ids:
// 128 for v1-v2, 32768 for v3+ (spec §4.2).
func (v ProtocolVersion) StreamIDCapacity() int {
	if v.StreamIDWidth() == 1 {
		return 128
	}
	return 32768
}

// SupportsPaging reports whether paging state is usable (v2+).
func (v ProtocolVersion) SupportsPaging() bool { return v.ordinal() >= ProtocolVersion2.ordinal() }

// SupportsTimestamps reports whether a client-supplied default timestamp
// flag is usable (v3+).
func (v ProtocolVersion) SupportsTimestamps() bool { return v.ordinal() >= ProtocolVersion3.ordinal() }

// SupportsResultMetadataID reports whether EXECUTE carries a result
// metadata id and RESULT may carry a new one (v5+).
func (v ProtocolVersion) SupportsResultMetadataID() bool {
	return v.ordinal() >= ProtocolVersion5.ordinal()
}

// SupportsKeyspaceInRequest reports whether QUERY/EXECUTE/BATCH/PREPARE
// may carry an explicit per-request keyspace override (dseV2+).
func (v ProtocolVersion) SupportsKeyspaceInRequest() bool {
	return v.isDSE() && v.ordinal() >= ProtocolVersionDSEv2.ordinal()
}

// Supports4ByteQueryFlags reports whether the query/batch flags word is
// encoded as 4 bytes rather than 1 (dseV2+).
func (v ProtocolVersion) Supports4ByteQueryFlags() bool {
	return v.isDSE() && v.ordinal() >= ProtocolVersionDSEv2.ordinal()
}

// Opcode identifies the CQL message kind carried in a frame (spec §6).
type Opcode uint8

const (
	OpError        Opcode = 0x00
	OpStartup      Opcode = 0x01
	OpReady        Opcode = 0x02
	OpAuthenticate Opcode = 0x03
	OpCredentials  Opcode = 0x04
	OpOptions      Opcode = 0x05
	OpSupported    Opcode = 0x06
	OpQuery        Opcode = 0x07
	OpResult       Opcode = 0x08
	OpPrepare      Opcode = 0x09
	OpExecute      Opcode = 0x0A
	OpRegister     Opcode = 0x0B
	OpEvent        Opcode = 0x0C
	OpBatch        Opcode = 0x0D
	OpAuthChallenge Opcode = 0x0E
	OpAuthResponse Opcode = 0x0F
	OpAuthSuccess  Opcode = 0x10
	OpCancel       Opcode = 0xFF // DSE extension
)

func (o Opcode) String() string {
	switch o {
	case OpError:
		return "ERROR"
	case OpStartup:
		return "STARTUP"
	case OpReady:
		return "READY"
	case OpAuthenticate:
		return "AUTHENTICATE"
	case OpCredentials:
		return "CREDENTIALS"
	case OpOptions:
		return "OPTIONS"
	case OpSupported:
		return "SUPPORTED"
	case OpQuery:
		return "QUERY"
	case OpResult:
		return "RESULT"
	case OpPrepare:
		return "PREPARE"
	case OpExecute:
		return "EXECUTE"
	case OpRegister:
		return "REGISTER"
	case OpEvent:
		return "EVENT"
	case OpBatch:
		return "BATCH"
	case OpAuthChallenge:
		return "AUTH_CHALLENGE"
	case OpAuthResponse:
		return "AUTH_RESPONSE"
	case OpAuthSuccess:
		return "AUTH_SUCCESS"
	case OpCancel:
		return "CANCEL"
	default:
		return fmt.Sprintf("OPCODE(0x%02X)", uint8(o))
	}
}

// ResultKind identifies the kind of a RESULT frame's body (spec §3/§6).
type ResultKind int32

const (
	ResultKindVoid         ResultKind = 0x0001
	ResultKindRows         ResultKind = 0x0002
	ResultKindSetKeyspace  ResultKind = 0x0003
	ResultKindPrepared     ResultKind = 0x0004
	ResultKindSchemaChange ResultKind = 0x0005
)

// Consistency is the CQL consistency level, an opaque short on the wire
// from the core's point of view (encoding is all that matters here; value
// semantics are an Encoder/client concern).
// Consistency is the wire-level consistency level (a 2-byte short) every QUERY/
// EXECUTE/BATCH carries, plus the optional serial consistency (spec §4.1/
// §6). Values match the CQL native protocol's fixed numbering.
type Consistency uint16

const (
	ConsistencyAny         Consistency = 0x0000
	ConsistencyOne         Consistency = 0x0001
	ConsistencyTwo         Consistency = 0x0002
	ConsistencyThree       Consistency = 0x0003
	ConsistencyQuorum      Consistency = 0x0004
	ConsistencyAll         Consistency = 0x0005
	ConsistencyLocalQuorum Consistency = 0x0006
	ConsistencyEachQuorum  Consistency = 0x0007
	ConsistencySerial      Consistency = 0x0008
	ConsistencyLocalSerial Consistency = 0x0009
	ConsistencyLocalOne    Consistency = 0x000A
)

// EventKind identifies the kind of a server-pushed EVENT frame.
type EventKind string

const (
	EventTopologyChange EventKind = "TOPOLOGY_CHANGE"
	EventStatusChange   EventKind = "STATUS_CHANGE"
	EventSchemaChange   EventKind = "SCHEMA_CHANGE"
)

// NodeEventStreamID is the fixed stream id servers use for push
// notifications (spec §4.4).
const NodeEventStreamID int16 = -1
