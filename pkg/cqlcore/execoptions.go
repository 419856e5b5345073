package cqlcore

import "time"

// ExecutionOptions is the fully-resolved, per-request option set a caller
// assembles before handing a statement to a RequestHandler (spec §3). It
// is the public surface; QueryParams (requests.go) is what a request
// actually serializes once a RequestHandler has picked a host and,
// possibly, re-prepared a statement.
type ExecutionOptions struct {
	Consistency       Consistency
	SerialConsistency Consistency
	HasSerialConsistency bool

	FetchSize   int32
	HasFetchSize bool
	PageState   []byte

	CustomPayload map[string][]byte
	ReadTimeout   time.Duration

	RetryPolicy               RetryPolicy
	LoadBalancingPolicy       LoadBalancingPolicy
	SpeculativeExecutionPolicy SpeculativeExecutionPolicy

	IsIdempotent bool

	// Prepare requests the statement be prepared (if not already cached
	// for this (keyspace, query) pair) before execution, per spec §4.5
	// "prepare once" semantics.
	Prepare bool

	CaptureStackTrace bool
	TraceQuery        bool

	Batch     bool
	BatchKind BatchKind

	Keyspace string

	RoutingKey []byte

	// FixedHost pins execution to exactly one host, bypassing the load
	// balancing policy's query plan entirely (spec §4.6). PreferredHost is
	// only carried in the options handed to NewQueryPlan; RoundRobinPolicy
	// and RequestHandler do not read it.
	FixedHost     Host
	HasFixedHost  bool
	PreferredHost Host
	HasPreferredHost bool

	Timestamp    int64
	HasTimestamp bool

	Values [][]byte
	Names  []string
}

// defaultExecutionOptions returns the zero-value-safe baseline a client
// config seeds before any per-call overrides are applied.
func defaultExecutionOptions() ExecutionOptions {
	return ExecutionOptions{
		Consistency:  ConsistencyOne,
		FetchSize:    5000,
		HasFetchSize: true,
		IsIdempotent: false,
	}
}

// resolveQueryParams collapses an ExecutionOptions (plus the statement's
// own values) into the wire-level QueryParams a QueryRequest or
// ExecuteRequest serializes, applying version-gated fields only when the
// negotiated protocol actually supports them (spec §4.6 "resolve before
// dispatch").
func resolveQueryParams(opts ExecutionOptions, version ProtocolVersion) QueryParams {
	p := QueryParams{
		Consistency: opts.Consistency,
		Values:      opts.Values,
		Names:       opts.Names,
	}
	if opts.HasFetchSize && version.SupportsPaging() {
		p.HasPageSize = true
		p.PageSize = opts.FetchSize
	}
	if len(opts.PageState) > 0 && version.SupportsPaging() {
		p.PagingState = opts.PageState
	}
	if opts.HasSerialConsistency {
		p.HasSerialConsistency = true
		p.SerialConsistency = opts.SerialConsistency
	}
	if opts.HasTimestamp && version.SupportsTimestamps() {
		p.HasTimestamp = true
		p.Timestamp = opts.Timestamp
	}
	if version.SupportsKeyspaceInRequest() {
		p.Keyspace = opts.Keyspace
	}
	return p
}
