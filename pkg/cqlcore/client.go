package cqlcore

import (
	"context"
	"sync"
)

// Host is the collaborator interface a LoadBalancingPolicy's query plan
// yields and a RequestHandler dials through (spec §3 Host, §6 collaborator
// interfaces). It is intentionally thin: this core only needs enough of a
// host to open a Connection against it and to key per-host state (prepared
// cache, retry bookkeeping) — cluster topology/state tracking lives above
// this core, per spec's Non-goals.
type Host interface {
	Endpoint() Endpoint
	// IsUp reports whether the owning policy currently considers this
	// host usable; a RequestHandler skips a query plan entry that
	// reports false without counting it as a tried-and-failed host.
	IsUp() bool
}

// LoadBalancingPolicy yields the ordered sequence of hosts a
// RequestHandler should try for one logical request (spec §4.6). A query
// plan is a single-use, lazily-advanced iterator: the same plan is shared
// between a request's primary attempt and any speculative attempts spawned
// from it, so that no host is ever tried twice for the same request (spec
// §8 S6).
type LoadBalancingPolicy interface {
	NewQueryPlan(keyspace string, opts ExecutionOptions) QueryPlan
}

// QueryPlan is a lazy, shared host iterator (spec §4.6). Next is safe for
// concurrent use by the primary attempt and any speculative attempts
// racing against it.
type QueryPlan interface {
	Next() (Host, bool)
}

// simpleHost is the minimal Host implementation used when a caller hasn't
// plugged in a real topology-aware policy; it is always up.
type simpleHost struct {
	endpoint Endpoint
}

func NewSimpleHost(endpoint Endpoint) Host { return simpleHost{endpoint: endpoint} }

func (h simpleHost) Endpoint() Endpoint { return h.endpoint }
func (h simpleHost) IsUp() bool         { return true }

// RoundRobinPolicy cycles through a fixed host list. It exists so the core
// is independently testable without a full topology-aware policy; a real
// deployment is expected to supply its own LoadBalancingPolicy.
type RoundRobinPolicy struct {
	mu    sync.Mutex
	hosts []Host
	next  int
}

func NewRoundRobinPolicy(hosts []Host) *RoundRobinPolicy {
	return &RoundRobinPolicy{hosts: hosts}
}

// SetHosts replaces the policy's host list, for a caller that learns its
// seed list only after construction (e.g. Client, built from an endpoint
// slice).
func (p *RoundRobinPolicy) SetHosts(hosts []Host) {
	p.mu.Lock()
	p.hosts = hosts
	p.mu.Unlock()
}

func (p *RoundRobinPolicy) NewQueryPlan(string, ExecutionOptions) QueryPlan {
	p.mu.Lock()
	start := p.next
	if len(p.hosts) > 0 {
		p.next = (p.next + 1) % len(p.hosts)
	}
	p.mu.Unlock()
	return &roundRobinPlan{hosts: p.hosts, start: start}
}

type roundRobinPlan struct {
	mu      sync.Mutex
	hosts   []Host
	start   int
	offered int
}

func (p *roundRobinPlan) Next() (Host, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.offered >= len(p.hosts) {
		return nil, false
	}
	h := p.hosts[(p.start+p.offered)%len(p.hosts)]
	p.offered++
	return h, true
}

// PreparedCache deduplicates PREPARE calls by (keyspace, query) per spec
// §4.5, shared by every Connection that has prepared a given statement so
// a reconnect or a new host can reuse a cached query id rather than
// reparsing it from scratch (spec §4.6 "prepare once").
type PreparedCache struct {
	mu      sync.RWMutex
	entries map[preparedKey]*PreparedEntry
}

type preparedKey struct {
	keyspace string
	query    string
}

// PreparedEntry tracks the query id and metadata id returned by the
// server the first time a statement was prepared, along with the result
// metadata needed to decode subsequent EXECUTE responses before any
// result-metadata refresh occurs.
type PreparedEntry struct {
	QueryID          []byte
	ResultMetadataID []byte
	ResultMetadata   ResultMetadata
}

func NewPreparedCache() *PreparedCache {
	return &PreparedCache{entries: make(map[preparedKey]*PreparedEntry)}
}

func (c *PreparedCache) Get(keyspace, query string) (*PreparedEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[preparedKey{keyspace, query}]
	return e, ok
}

func (c *PreparedCache) Put(keyspace, query string, entry *PreparedEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[preparedKey{keyspace, query}] = entry
}

// UpdateResultMetadata applies a server-reported metadata refresh (spec
// §4.6) to the cached entry for (keyspace, query), if present.
func (c *PreparedCache) UpdateResultMetadata(keyspace, query string, id []byte, meta ResultMetadata) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[preparedKey{keyspace, query}]; ok {
		e.ResultMetadataID = id
		e.ResultMetadata = meta
	}
}

// Client is the package's top-level driver handle: it owns the resolved
// configuration, the per-host Connection Pool (with its idle reaper
// running underneath), the PreparedCache shared across every pooled
// connection, and the RequestHandler that drives retries and speculative
// execution over them (spec §3/§6 driver entry point). It plays the role
// the teacher's own Client plays over its broker/producer/consumer
// collaborators, narrowed to this core's query-execution surface.
type Client struct {
	cfg     cfg
	pool    *Pool
	cache   *PreparedCache
	handler *RequestHandler
}

// NewClient builds a Client dialing the given seed endpoints, applying
// opts over the package defaults.
func NewClient(seeds []Endpoint, opts ...ClientOption) *Client {
	c := newCfg(opts)

	hosts := make([]Host, len(seeds))
	for i, e := range seeds {
		hosts[i] = NewSimpleHost(e)
	}
	if rr, ok := c.loadBalancingPolicy.(*RoundRobinPolicy); ok {
		rr.SetHosts(hosts)
	}

	cache := NewPreparedCache()
	pool := NewPool(&c, cache, nil)
	handler := NewRequestHandler(pool, cache, &c)

	return &Client{cfg: c, pool: pool, cache: cache, handler: handler}
}

// Query runs a single CQL statement to completion under the given
// execution options, returning its Result (spec §6 "Execute").
func (cl *Client) Query(ctx context.Context, query string, opts ExecutionOptions) (*Result, error) {
	if opts.Keyspace == "" {
		opts.Keyspace = cl.cfg.keyspace
	}
	return cl.handler.Execute(ctx, query, opts)
}

// Close tears down every pooled connection and stops the idle reaper.
func (cl *Client) Close() error {
	cl.pool.Close()
	return nil
}
