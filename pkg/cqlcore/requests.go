package cqlcore

import "fmt"

// queryFlag bits control which optional sections follow the consistency
// level in QUERY/EXECUTE/BATCH bodies (spec §4.1/§6). Versions at or above
// ProtocolVersionDSEv2 widen this to a 4-byte field (spec
// Supports4ByteQueryFlags); the extra high bits are reserved for
// keyspace-override and now-in-seconds, both written the same way
// regardless of width.
type queryFlag uint32

const (
	flagValues            queryFlag = 0x01
	flagSkipMetadata      queryFlag = 0x02
	flagPageSize          queryFlag = 0x04
	flagPagingState       queryFlag = 0x08
	flagSerialConsistency queryFlag = 0x10
	flagDefaultTimestamp  queryFlag = 0x20
	flagNamesForValues    queryFlag = 0x40
	flagKeyspace          queryFlag = 0x80
	flagNowInSeconds      queryFlag = 0x100
)

// QueryParams is the wire-level parameter set shared by QUERY, EXECUTE, and
// each statement inside a BATCH (spec §4.1). ExecutionOptions (execoptions.go)
// is the public, user-facing surface; it resolves down to one of these per
// statement before handing off to a Request's write method.
type QueryParams struct {
	Consistency       Consistency
	Values            [][]byte
	Names             []string // parallel to Values when named parameters are used
	SkipMetadata      bool
	PageSize          int32
	HasPageSize       bool
	PagingState       []byte
	SerialConsistency Consistency
	HasSerialConsistency bool
	Timestamp         int64
	HasTimestamp      bool
	Keyspace          string
	NowInSeconds      int32
	HasNowInSeconds   bool
}

func (p *QueryParams) flags(version ProtocolVersion) queryFlag {
	var f queryFlag
	if len(p.Values) > 0 {
		f |= flagValues
	}
	if p.SkipMetadata {
		f |= flagSkipMetadata
	}
	if p.HasPageSize {
		f |= flagPageSize
	}
	if len(p.PagingState) > 0 {
		f |= flagPagingState
	}
	if p.HasSerialConsistency {
		f |= flagSerialConsistency
	}
	if p.HasTimestamp {
		f |= flagDefaultTimestamp
	}
	if len(p.Names) > 0 {
		f |= flagNamesForValues
	}
	if version.Supports4ByteQueryFlags() {
		if p.Keyspace != "" {
			f |= flagKeyspace
		}
		if p.HasNowInSeconds {
			f |= flagNowInSeconds
		}
	}
	return f
}

// writeFlags writes the flags field at its version-appropriate width.
func (p *QueryParams) writeFlags(w *FrameWriter, version ProtocolVersion) {
	f := p.flags(version)
	if version.Supports4ByteQueryFlags() {
		w.Int(int32(f))
	} else {
		w.Byte(byte(f))
	}
}

// write serializes [consistency][flags][values?][page_size?][paging_state?]
// [serial_consistency?][timestamp?][keyspace?][now_in_seconds?], the body
// shared by QUERY, EXECUTE, and each statement in a BATCH (spec §4.1/§6).
func (p *QueryParams) write(w *FrameWriter, version ProtocolVersion) {
	w.Short(uint16(p.Consistency))
	p.writeFlags(w, version)
	if len(p.Values) > 0 {
		w.Short(uint16(len(p.Values)))
		for i, v := range p.Values {
			if len(p.Names) > i {
				w.String(p.Names[i])
			}
			w.WriteBytes(v)
		}
	}
	if p.HasPageSize {
		w.Int(p.PageSize)
	}
	if len(p.PagingState) > 0 {
		w.WriteBytes(p.PagingState)
	}
	if p.HasSerialConsistency {
		w.Short(uint16(p.SerialConsistency))
	}
	if p.HasTimestamp {
		w.Long(p.Timestamp)
	}
	if version.Supports4ByteQueryFlags() {
		if p.Keyspace != "" {
			w.String(p.Keyspace)
		}
		if p.HasNowInSeconds {
			w.Int(p.NowInSeconds)
		}
	}
}

// Request is implemented by every outbound message type. write serializes
// the complete frame (header + body) for the given negotiated version and
// assigned stream id; recordBodyLength lets the write queue report byte
// accounting back to the request for metrics/logging without a second pass
// over the buffer.
type Request interface {
	Opcode() Opcode
	Tracing() bool
	CustomPayload() map[string][]byte
	write(version ProtocolVersion, streamID int16) ([]byte, error)
	recordBodyLength(n int)
	clone() Request
}

// baseRequest centralizes the tracing/custom-payload bookkeeping every
// concrete request type embeds, mirroring the small "fields every Kafka
// request struct carries" base the teacher generates per-message rather
// than hand-duplicating across types.
type baseRequest struct {
	tracing       bool
	customPayload map[string][]byte
	bodyLength    int
}

func (b *baseRequest) Tracing() bool                     { return b.tracing }
func (b *baseRequest) CustomPayload() map[string][]byte  { return b.customPayload }
func (b *baseRequest) recordBodyLength(n int)            { b.bodyLength = n }

func (b *baseRequest) finish(w *FrameWriter, version ProtocolVersion, streamID int16, opcode Opcode, bodyStart int) []byte {
	buf := w.Bytes()
	bodyLen := len(buf) - bodyStart
	header := make([]byte, 0, version.HeaderLength())
	hw := NewFrameWriter(header)
	var flags byte
	if b.tracing {
		flags |= frameHeaderFlagTracing
	}
	if len(b.customPayload) > 0 {
		flags |= frameHeaderFlagCustomPayload
	}
	hw.WriteHeader(version, streamID, opcode, flags, int32(bodyLen))
	return append(hw.Bytes(), buf[bodyStart:]...)
}

// StartupRequest is the first message on every connection (spec §4.5
// open()). Options typically carries CQL_VERSION and, for DSE hosts,
// DRIVER_NAME/DRIVER_VERSION.
type StartupRequest struct {
	baseRequest
	Options map[string]string
}

func (r *StartupRequest) Opcode() Opcode { return OpStartup }

func (r *StartupRequest) write(version ProtocolVersion, streamID int16) ([]byte, error) {
	w := NewFrameWriter(nil)
	start := len(w.Bytes())
	w.StringMap(r.Options)
	return r.finish(w, version, streamID, OpStartup, start), nil
}

func (r *StartupRequest) clone() Request {
	c := *r
	return &c
}

// CredentialsRequest implements the v1-only plaintext CREDENTIALS
// authentication path (spec §4.5 auth loop; superseded by
// AUTH_RESPONSE/SASL from v2 onward).
type CredentialsRequest struct {
	baseRequest
	Values map[string]string
}

func (r *CredentialsRequest) Opcode() Opcode { return OpCredentials }

func (r *CredentialsRequest) write(version ProtocolVersion, streamID int16) ([]byte, error) {
	w := NewFrameWriter(nil)
	start := len(w.Bytes())
	w.StringMap(r.Values)
	return r.finish(w, version, streamID, OpCredentials, start), nil
}

func (r *CredentialsRequest) clone() Request {
	c := *r
	return &c
}

// AuthResponseRequest carries one SASL round's client token (spec §4.5
// SASL loop, v2+).
type AuthResponseRequest struct {
	baseRequest
	Token []byte
}

func (r *AuthResponseRequest) Opcode() Opcode { return OpAuthResponse }

func (r *AuthResponseRequest) write(version ProtocolVersion, streamID int16) ([]byte, error) {
	w := NewFrameWriter(nil)
	start := len(w.Bytes())
	w.WriteBytes(r.Token)
	return r.finish(w, version, streamID, OpAuthResponse, start), nil
}

func (r *AuthResponseRequest) clone() Request {
	c := *r
	return &c
}

// OptionsRequest asks the server for its SUPPORTED options (spec §4.5
// version negotiation / §6).
type OptionsRequest struct {
	baseRequest
}

func (r *OptionsRequest) Opcode() Opcode { return OpOptions }

func (r *OptionsRequest) write(version ProtocolVersion, streamID int16) ([]byte, error) {
	w := NewFrameWriter(nil)
	start := len(w.Bytes())
	return r.finish(w, version, streamID, OpOptions, start), nil
}

func (r *OptionsRequest) clone() Request {
	c := *r
	return &c
}

// RegisterRequest subscribes this connection to server push events (spec
// §4.5/§6 EventKind: TOPOLOGY_CHANGE, STATUS_CHANGE, SCHEMA_CHANGE).
type RegisterRequest struct {
	baseRequest
	EventTypes []EventKind
}

func (r *RegisterRequest) Opcode() Opcode { return OpRegister }

func (r *RegisterRequest) write(version ProtocolVersion, streamID int16) ([]byte, error) {
	w := NewFrameWriter(nil)
	start := len(w.Bytes())
	ss := make([]string, len(r.EventTypes))
	for i, e := range r.EventTypes {
		ss[i] = string(e)
	}
	w.StringList(ss)
	return r.finish(w, version, streamID, OpRegister, start), nil
}

func (r *RegisterRequest) clone() Request {
	c := *r
	c.EventTypes = append([]EventKind(nil), r.EventTypes...)
	return &c
}

// PrepareRequest asks the server to parse and cache a statement, returning
// a query id used by subsequent EXECUTE requests (spec §4.5 "prepare
// once, dedup by (keyspace,query)").
type PrepareRequest struct {
	baseRequest
	Query    string
	Keyspace string // dseV2+ only (SupportsKeyspaceInRequest); empty means "use the connection's current keyspace"
}

func (r *PrepareRequest) Opcode() Opcode { return OpPrepare }

func (r *PrepareRequest) write(version ProtocolVersion, streamID int16) ([]byte, error) {
	w := NewFrameWriter(nil)
	start := len(w.Bytes())
	w.LongString(r.Query)
	if version.SupportsKeyspaceInRequest() {
		var flags queryFlag
		if r.Keyspace != "" {
			flags = flagKeyspace
		}
		w.Int(int32(flags))
		if r.Keyspace != "" {
			w.String(r.Keyspace)
		}
	}
	return r.finish(w, version, streamID, OpPrepare, start), nil
}

func (r *PrepareRequest) clone() Request {
	c := *r
	return &c
}

// QueryRequest executes a statement by text (spec §4.1/§6 OpQuery).
type QueryRequest struct {
	baseRequest
	Query  string
	Params QueryParams
}

func (r *QueryRequest) Opcode() Opcode { return OpQuery }

func (r *QueryRequest) write(version ProtocolVersion, streamID int16) ([]byte, error) {
	w := NewFrameWriter(nil)
	start := len(w.Bytes())
	w.LongString(r.Query)
	r.Params.write(w, version)
	return r.finish(w, version, streamID, OpQuery, start), nil
}

func (r *QueryRequest) clone() Request {
	c := *r
	c.Params.Values = append([][]byte(nil), r.Params.Values...)
	return &c
}

// ExecuteRequest runs a previously prepared statement by id (spec
// §4.1/§6 OpExecute). ResultMetadataID is non-nil only once the server has
// sent a newer metadata id than the one the statement was originally
// prepared with (spec §4.6 "result-metadata refresh").
type ExecuteRequest struct {
	baseRequest
	QueryID          []byte
	ResultMetadataID []byte
	Params           QueryParams
}

func (r *ExecuteRequest) Opcode() Opcode { return OpExecute }

func (r *ExecuteRequest) write(version ProtocolVersion, streamID int16) ([]byte, error) {
	w := NewFrameWriter(nil)
	start := len(w.Bytes())
	w.ShortBytes(r.QueryID)
	if version.SupportsResultMetadataID() {
		w.ShortBytes(r.ResultMetadataID)
	}
	r.Params.write(w, version)
	return r.finish(w, version, streamID, OpExecute, start), nil
}

func (r *ExecuteRequest) clone() Request {
	c := *r
	c.Params.Values = append([][]byte(nil), r.Params.Values...)
	return &c
}

// BatchKind distinguishes the three BATCH modes (spec §6).
type BatchKind byte

const (
	BatchLogged   BatchKind = 0
	BatchUnlogged BatchKind = 1
	BatchCounter  BatchKind = 2
)

// BatchStatement is one statement inside a BATCH request: either a bare
// query string (QueryID nil) or a prepared statement id.
type BatchStatement struct {
	QueryID []byte // nil means Query is a plain CQL string
	Query   string
	Values  [][]byte
	Names   []string
}

// BatchRequest groups multiple statements into one atomic (logged) or
// best-effort (unlogged) unit, or a counter batch (spec §6 OpBatch).
type BatchRequest struct {
	baseRequest
	Kind              BatchKind
	Statements        []BatchStatement
	Consistency       Consistency
	SerialConsistency Consistency
	HasSerialConsistency bool
	Timestamp         int64
	HasTimestamp      bool
	Keyspace          string
}

func (r *BatchRequest) Opcode() Opcode { return OpBatch }

func (r *BatchRequest) write(version ProtocolVersion, streamID int16) ([]byte, error) {
	w := NewFrameWriter(nil)
	start := len(w.Bytes())
	w.Byte(byte(r.Kind))
	w.Short(uint16(len(r.Statements)))
	for _, stmt := range r.Statements {
		if stmt.QueryID != nil {
			w.Byte(1)
			w.ShortBytes(stmt.QueryID)
		} else {
			w.Byte(0)
			w.LongString(stmt.Query)
		}
		w.Short(uint16(len(stmt.Values)))
		for i, v := range stmt.Values {
			if len(stmt.Names) > i {
				w.String(stmt.Names[i])
			}
			w.WriteBytes(v)
		}
	}
	w.Short(uint16(r.Consistency))

	var flags queryFlag
	if r.HasSerialConsistency {
		flags |= flagSerialConsistency
	}
	if r.HasTimestamp {
		flags |= flagDefaultTimestamp
	}
	if version.Supports4ByteQueryFlags() && r.Keyspace != "" {
		flags |= flagKeyspace
	}
	if version.Supports4ByteQueryFlags() {
		w.Int(int32(flags))
	} else {
		w.Byte(byte(flags))
	}
	if r.HasSerialConsistency {
		w.Short(uint16(r.SerialConsistency))
	}
	if r.HasTimestamp {
		w.Long(r.Timestamp)
	}
	if version.Supports4ByteQueryFlags() && r.Keyspace != "" {
		w.String(r.Keyspace)
	}
	return r.finish(w, version, streamID, OpBatch, start), nil
}

func (r *BatchRequest) clone() Request {
	c := *r
	c.Statements = append([]BatchStatement(nil), r.Statements...)
	return &c
}

// CancelRequest is a purely local bookkeeping request: it never reaches the
// wire. Cancelling a query discards its OperationState locally and frees
// its stream id when the (still in-flight) server response arrives; spec §5
// is explicit that native CQL has no client-initiated wire cancellation.
type CancelRequest struct {
	baseRequest
	TargetStreamID int16
}

func (r *CancelRequest) Opcode() Opcode { return OpCancel }

func (r *CancelRequest) write(ProtocolVersion, int16) ([]byte, error) {
	return nil, fmt.Errorf("cqlcore: CancelRequest has no wire representation")
}

func (r *CancelRequest) clone() Request {
	c := *r
	return &c
}
