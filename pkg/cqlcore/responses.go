package cqlcore

import "fmt"

// ColumnSpec describes one column in a ROWS or PREPARED result's metadata
// (spec §3 Result). When the GLOBAL_TABLES_SPEC metadata flag is set,
// Keyspace/Table are filled from the RESULT's global spec.
type ColumnSpec struct {
	Keyspace string
	Table    string
	Name     string
	Type     []byte // raw [option] bytes; type decoding is an Encoder concern
}

const (
	resultMetaFlagGlobalTablesSpec int32 = 0x0001
	resultMetaFlagHasMorePages     int32 = 0x0002
	resultMetaFlagNoMetadata       int32 = 0x0004
	resultMetaFlagMetadataChanged  int32 = 0x0008 // v5+
)

// cqlTypeID values identify a column's [option] encoding (spec §6). Only
// enough structure is parsed here to know how many bytes each option
// occupies on the wire; interpreting the resulting raw bytes into a Go
// value is left to an Encoder, per spec §3's "Encoder" collaborator.
type cqlTypeID uint16

const (
	typeCustom    cqlTypeID = 0x0000
	typeList      cqlTypeID = 0x0020
	typeMap       cqlTypeID = 0x0021
	typeSet       cqlTypeID = 0x0022
	typeUDT       cqlTypeID = 0x0030
	typeTuple     cqlTypeID = 0x0031
)

// ResultMetadata is the metadata section shared by ROWS and PREPARED
// results (spec §3/§4.4).
type ResultMetadata struct {
	ColumnCount  int32
	PagingState  []byte
	HasMorePages bool
	NoMetadata   bool
	Columns      []ColumnSpec
	NewResultID  []byte // set only when the server refreshed it (spec §4.6)
}

// Result is the terminal, aggregated outcome of one request, delivered to
// a ResponseCallback (spec §3). For a ROWS result whose rows were streamed
// via RowCallback, RowLength is meaningful but Rows is left nil: the caller
// already consumed them incrementally.
type Result struct {
	Kind     ResultKind
	Endpoint Endpoint

	// ResultKindRows
	Metadata  ResultMetadata
	RowLength int
	Rows      [][][]byte // nil when rows were streamed via RowCallback instead

	// ResultKindSetKeyspace
	Keyspace string

	// ResultKindPrepared
	PreparedQueryID  []byte
	PreparedMetadata ResultMetadata
	ResultMetadata   ResultMetadata

	// ResultKindSchemaChange
	SchemaChangeType     string
	SchemaChangeTarget   string
	SchemaChangeKeyspace string
	SchemaChangeObject   string

	// Tracing id, present whenever the originating request set the
	// tracing flag and the server honored it (spec §4.1).
	TraceID  []byte
	Warnings []string
}

// NodeEvent is a server-pushed message delivered on NodeEventStreamID
// after a successful REGISTER (spec §4.4/§6).
type NodeEvent struct {
	Kind EventKind
	// ChangeType is STATUS/TOPOLOGY "UP"/"DOWN"/"NEW_NODE"/"REMOVED_NODE",
	// or the schema-change type for SCHEMA_CHANGE events.
	ChangeType string
	Endpoint   Endpoint
	Keyspace   string
	Object     string
}

// parseOption consumes one [option] value, returning its raw encoding
// (type id plus any following type-specific bytes). Recursing into
// collection/UDT/tuple members is necessary to know how many bytes the
// option occupies on the wire, even though the recursed structure itself
// is discarded in favor of the raw span.
func parseOption(p *FrameParser) []byte {
	start := p.r.Src
	id := cqlTypeID(p.Short())
	switch id {
	case typeCustom:
		p.String()
	case typeList, typeSet:
		parseOption(p)
	case typeMap:
		parseOption(p)
		parseOption(p)
	case typeUDT:
		p.String() // keyspace
		p.String() // udt name
		n := int(p.Short())
		for i := 0; i < n; i++ {
			p.String() // field name
			parseOption(p)
		}
	case typeTuple:
		n := int(p.Short())
		for i := 0; i < n; i++ {
			parseOption(p)
		}
	default:
		// Fixed-width/no-argument types: nothing further to consume.
	}
	consumed := len(start) - len(p.r.Src)
	return start[:consumed]
}

// parseResultMetadata decodes the metadata section common to ROWS and
// PREPARED responses (spec §4.4).
func parseResultMetadata(p *FrameParser, version ProtocolVersion) ResultMetadata {
	flags := p.Int()
	var m ResultMetadata
	m.ColumnCount = p.Int()
	m.HasMorePages = flags&resultMetaFlagHasMorePages != 0
	m.NoMetadata = flags&resultMetaFlagNoMetadata != 0

	if version.SupportsResultMetadataID() && flags&resultMetaFlagMetadataChanged != 0 {
		m.NewResultID = p.ShortBytes()
	}
	if m.HasMorePages {
		b, _, _ := p.Bytes()
		m.PagingState = b
	}
	if m.NoMetadata {
		return m
	}

	global := flags&resultMetaFlagGlobalTablesSpec != 0
	var globalKeyspace, globalTable string
	if global {
		globalKeyspace = p.String()
		globalTable = p.String()
	}
	m.Columns = make([]ColumnSpec, m.ColumnCount)
	for i := range m.Columns {
		col := &m.Columns[i]
		if global {
			col.Keyspace, col.Table = globalKeyspace, globalTable
		} else {
			col.Keyspace = p.String()
			col.Table = p.String()
		}
		col.Name = p.String()
		col.Type = parseOption(p)
	}
	return m
}

// parseRowValues reads one row's worth of column values: ColumnCount
// [bytes] values, each possibly null (spec §4.4). Used when the caller
// wants the whole result buffered rather than streamed row by row.
func parseRowValues(p *FrameParser, columnCount int32) [][]byte {
	row := make([][]byte, columnCount)
	for i := range row {
		b, _, _ := p.Bytes()
		row[i] = b
	}
	return row
}

// parseRowRaw reads one row and returns its raw encoded bytes (the
// concatenated [bytes] values, sentinels included) rather than decoding
// each column, for delivery through a RowCallback (spec §4.4's row
// streaming path; decoding a streamed row into column values is an
// Encoder concern, not this core's).
func parseRowRaw(p *FrameParser, columnCount int32) []byte {
	start := p.r.Src
	for i := int32(0); i < columnCount; i++ {
		p.Bytes()
	}
	consumed := len(start) - len(p.r.Src)
	return start[:consumed]
}

// parseSchemaChange decodes the CHANGE_TYPE/TARGET/options triple shared by
// a SCHEMA_CHANGE RESULT body and a SCHEMA_CHANGE EVENT body (spec §6).
func parseSchemaChange(p *FrameParser) (changeType, target, keyspace, object string) {
	changeType = p.String()
	target = p.String()
	keyspace = p.String()
	switch target {
	case "KEYSPACE":
	case "TABLE", "TYPE":
		object = p.String()
	case "FUNCTION", "AGGREGATE":
		object = p.String()
		n := int(uint16(p.Short()))
		for i := 0; i < n; i++ {
			p.String()
		}
	default:
		object = p.String()
	}
	return
}

// ParseResult decodes a RESULT frame body into a Result (spec §4.4/§3).
// rowCallback, if non-nil, receives each row as it's decoded instead of
// having it accumulated into the returned Result's Rows field.
func ParseResult(endpoint Endpoint, version ProtocolVersion, body []byte, rowCallback RowCallback) (*Result, error) {
	p := NewFrameParser(body)
	kind := ResultKind(p.Int())
	res := &Result{Kind: kind, Endpoint: endpoint}

	switch kind {
	case ResultKindVoid:
	case ResultKindSetKeyspace:
		res.Keyspace = p.String()
	case ResultKindSchemaChange:
		res.SchemaChangeType, res.SchemaChangeTarget, res.SchemaChangeKeyspace, res.SchemaChangeObject = parseSchemaChange(p)
	case ResultKindPrepared:
		res.PreparedQueryID = p.ShortBytes()
		res.PreparedMetadata = parseResultMetadata(p, version)
		res.ResultMetadata = parseResultMetadata(p, version)
	case ResultKindRows:
		res.Metadata = parseResultMetadata(p, version)
		rowCount := int(p.Int())
		res.RowLength = rowCount
		if rowCallback != nil {
			for i := 0; i < rowCount; i++ {
				rowCallback(i, parseRowRaw(p, res.Metadata.ColumnCount))
			}
		} else {
			res.Rows = make([][][]byte, rowCount)
			for i := 0; i < rowCount; i++ {
				res.Rows[i] = parseRowValues(p, res.Metadata.ColumnCount)
			}
		}
	default:
		return nil, &ProtocolError{Message: fmt.Sprintf("unknown result kind %d", kind)}
	}

	if err := p.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

// ParseEvent decodes an EVENT frame body (spec §4.4/§6).
func ParseEvent(endpoint Endpoint, body []byte) (*NodeEvent, error) {
	p := NewFrameParser(body)
	kind := EventKind(p.String())
	ev := &NodeEvent{Kind: kind, Endpoint: endpoint}
	switch kind {
	case EventTopologyChange, EventStatusChange:
		ev.ChangeType = p.String()
		addr, port := p.inetAddr()
		ev.Endpoint = Endpoint{Address: addr, Port: port}
	case EventSchemaChange:
		ev.ChangeType, _, ev.Keyspace, ev.Object = parseSchemaChange(p)
	}
	if err := p.Err(); err != nil {
		return nil, err
	}
	return ev, nil
}

// parseResponseError decodes an ERROR frame body into a *ResponseError
// (spec §6/§7). The coded fields beyond Code/Message are populated only
// for the error codes that carry them.
func parseResponseError(body []byte) (*ResponseError, error) {
	p := NewFrameParser(body)
	re := &ResponseError{
		Code:    ResponseErrorCode(uint32(p.Int())),
		Message: p.String(),
	}
	switch re.Code {
	case ErrCodeUnavailable:
		re.Consistency = Consistency(p.Short())
		re.Required = p.Int()
		re.Alive = p.Int()
	case ErrCodeWriteTimeout:
		re.Consistency = Consistency(p.Short())
		re.Received = p.Int()
		re.BlockFor = p.Int()
		re.WriteType = p.String()
	case ErrCodeReadTimeout:
		re.Consistency = Consistency(p.Short())
		re.Received = p.Int()
		re.BlockFor = p.Int()
		re.DataPresent = p.Byte() != 0
	case ErrCodeUnprepared:
		re.UnpreparedQueryID = p.ShortBytes()
	}
	if err := p.Err(); err != nil {
		return nil, err
	}
	return re, nil
}
