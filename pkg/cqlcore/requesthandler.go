package cqlcore

import (
	"context"
	"sync"
	"time"
)

// ConnectionPool is the minimal collaborator a RequestHandler needs to
// reach a live Connection for a given Host (spec §4.6). A real deployment
// owns a pool per host with its own reconnection policy; this core only
// needs to borrow one Connection at a time.
type ConnectionPool interface {
	ConnectionFor(ctx context.Context, h Host) (*Connection, error)
}

// RequestHandler orchestrates one logical request across a
// LoadBalancingPolicy's query plan: retrying per RetryPolicy decisions,
// racing speculative attempts against fresh hosts, transparently
// re-preparing on UNPREPARED, and refreshing cached result metadata when
// the server reports it changed (spec §4.6). It has no equivalent single
// file in the teacher — broker.do/handleReqs dispatches to one
// predetermined broker per request key, with no concept of a shared host
// iterator, retries, or speculative racing — so the host-iteration shape
// here is instead grounded on the retry-by-reconnect loop in the DataStax
// client example and generalized into the full policy-driven flow spec
// §4.6 describes.
type RequestHandler struct {
	pool     ConnectionPool
	prepared *PreparedCache
	cfg      *cfg
}

func NewRequestHandler(pool ConnectionPool, prepared *PreparedCache, c *cfg) *RequestHandler {
	return &RequestHandler{pool: pool, prepared: prepared, cfg: c}
}

// attemptResult is what one host attempt resolves to, used internally to
// pick a winner among the primary attempt and any speculative racers.
type attemptResult struct {
	host   Host
	result *Result
	err    error
}

// Execute runs a QueryRequest (by text or, if opts.Prepare, as an
// ExecuteRequest, preparing the statement first when it is not cached) to
// completion, applying
// retry and speculative-execution policy along the way (spec §4.6
// "completion").
func (h *RequestHandler) Execute(ctx context.Context, query string, opts ExecutionOptions) (*Result, error) {
	plan := h.planFor(opts)
	triedHosts := make(map[string]error)

	primary := make(chan attemptResult, 1)
	stop := make(chan struct{})
	var wg sync.WaitGroup

	launch := func() bool {
		host, ok := plan.Next()
		for ok && !host.IsUp() {
			host, ok = plan.Next()
		}
		if !ok {
			return false
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.attempt(ctx, host, query, opts, 0)
			select {
			case primary <- attemptResult{host: host, result: res, err: err}:
			case <-stop:
			}
		}()
		return true
	}

	if !launch() {
		return nil, &NoHostAvailableError{Errors: triedHosts}
	}

	// Speculative execution is only ever offered to idempotent requests
	// (spec §4.6, testable property 10): a non-idempotent request never
	// gets a second attempt racing in parallel, regardless of the
	// configured policy.
	var specPlan SpeculativeExecutionPlan
	if opts.IsIdempotent {
		specPlan = h.cfg.speculativeExecutionPolicy.NewPlan(opts.Keyspace)
	}
	specCount := 0
	var specTimer *time.Timer
	var specCh <-chan time.Time
	if specPlan != nil {
		if delay, ok := specPlan.NextExecution(specCount); ok {
			specTimer = time.NewTimer(delay)
			specCh = specTimer.C
		}
	}
	defer func() {
		if specTimer != nil {
			specTimer.Stop()
		}
	}()

	outstanding := 1
	for {
		select {
		case r := <-primary:
			outstanding--
			if r.err == nil {
				close(stop)
				wg.Wait()
				return r.result, nil
			}
			triedHosts[r.host.Endpoint().String()] = r.err
			if outstanding == 0 {
				if !launch() {
					return nil, &NoHostAvailableError{Errors: triedHosts}
				}
				outstanding++
			}
		case <-specCh:
			specCount++
			if launch() {
				outstanding++
			}
			if delay, ok := specPlan.NextExecution(specCount); ok {
				specTimer.Reset(delay)
			} else {
				specTimer.Stop()
				specCh = nil
			}
		case <-ctx.Done():
			close(stop)
			wg.Wait()
			return nil, ctx.Err()
		}
	}
}

func (h *RequestHandler) planFor(opts ExecutionOptions) QueryPlan {
	lbp := opts.LoadBalancingPolicy
	if lbp == nil {
		lbp = h.cfg.loadBalancingPolicy
	}
	if opts.HasFixedHost {
		return &fixedQueryPlan{host: opts.FixedHost}
	}
	return lbp.NewQueryPlan(opts.Keyspace, opts)
}

type fixedQueryPlan struct {
	host    Host
	offered bool
}

func (p *fixedQueryPlan) Next() (Host, bool) {
	if p.offered {
		return nil, false
	}
	p.offered = true
	return p.host, true
}

// attempt runs one request against one host, including UNPREPARED
// recovery and the retry-policy loop for that single host (spec §4.6
// UNPREPARED recovery, retry policy). attemptNum distinguishes the first
// try on this host (0) from same-host retries for the retry policy's
// attempt counter.
func (h *RequestHandler) attempt(ctx context.Context, host Host, query string, opts ExecutionOptions, attemptNum int) (*Result, error) {
	cxn, err := h.pool.ConnectionFor(ctx, host)
	if err != nil {
		return nil, err
	}

	req, err := h.buildRequest(ctx, cxn, query, opts)
	if err != nil {
		return nil, err
	}

	res, err := h.roundtrip(cxn, req, opts)

	if err != nil {
		if respErr, ok := err.(*ResponseError); ok && respErr.Code == ErrCodeUnprepared && opts.Prepare {
			if _, perr := cxn.Prepare(ctx, opts.Keyspace, query); perr == nil {
				req, berr := h.buildRequest(ctx, cxn, query, opts)
				if berr == nil {
					res, err = h.roundtrip(cxn, req, opts)
				}
			}
		}
	}

	if err == nil {
		h.maybeRefreshMetadata(opts, query, res)
		return res, nil
	}

	decision := h.retryDecision(err, attemptNum, opts.IsIdempotent)
	switch decision {
	case RetryIgnore:
		return &Result{Kind: ResultKindVoid, Endpoint: cxn.Endpoint()}, nil
	case RetrySameHost:
		return h.attempt(ctx, host, query, opts, attemptNum+1)
	default:
		return nil, err
	}
}

// buildRequest resolves query into a QueryRequest or (if opts.Prepare) an
// ExecuteRequest, preparing on cxn when no cached entry exists (spec §4.6).
func (h *RequestHandler) buildRequest(ctx context.Context, cxn *Connection, query string, opts ExecutionOptions) (Request, error) {
	params := resolveQueryParams(opts, cxn.version)

	if !opts.Prepare {
		return &QueryRequest{Query: query, Params: params}, nil
	}

	entry, ok := h.prepared.Get(opts.Keyspace, query)
	if !ok {
		var err error
		entry, err = cxn.Prepare(ctx, opts.Keyspace, query)
		if err != nil {
			return nil, err
		}
	}
	return &ExecuteRequest{QueryID: entry.QueryID, ResultMetadataID: entry.ResultMetadataID, Params: params}, nil
}

// roundtrip sends req on cxn and blocks for its terminal outcome.
func (h *RequestHandler) roundtrip(cxn *Connection, req Request, opts ExecutionOptions) (*Result, error) {
	done := make(chan struct{})
	var res *Result
	var err error
	sendErr := cxn.sendStream(req, h.readTimeout(opts), func(r *Result, e error) {
		res, err = r, e
		close(done)
	}, nil)
	if sendErr != nil {
		return nil, sendErr
	}
	<-done
	return res, err
}

func (h *RequestHandler) readTimeout(opts ExecutionOptions) time.Duration {
	if opts.ReadTimeout > 0 {
		return opts.ReadTimeout
	}
	return h.cfg.readTimeout
}

// maybeRefreshMetadata updates the prepared cache when a RESULT reports a
// new result-metadata id (spec §4.6 result-metadata refresh, v5+ only).
func (h *RequestHandler) maybeRefreshMetadata(opts ExecutionOptions, query string, res *Result) {
	if res == nil || !opts.Prepare {
		return
	}
	if len(res.Metadata.NewResultID) > 0 {
		h.prepared.UpdateResultMetadata(opts.Keyspace, query, res.Metadata.NewResultID, res.Metadata)
	}
}

// retryDecision maps a failure to a RetryDecision via the effective
// RetryPolicy, applying the idempotence gate spec §4.6/§7 require before
// anything beyond RetryRethrow for a bare request/socket error.
func (h *RequestHandler) retryDecision(err error, attempt int, isIdempotent bool) RetryDecision {
	policy := h.cfg.retryPolicy
	switch e := err.(type) {
	case *ResponseError:
		switch e.Code {
		case ErrCodeUnavailable:
			return policy.OnUnavailable(e, attempt, isIdempotent)
		case ErrCodeReadTimeout:
			return policy.OnReadTimeout(e, attempt, isIdempotent)
		case ErrCodeWriteTimeout:
			if !isIdempotent {
				return RetryRethrow
			}
			return policy.OnWriteTimeout(e, attempt, isIdempotent)
		default:
			if !isIdempotent {
				return RetryRethrow
			}
			return policy.OnRequestError(e, attempt, isIdempotent)
		}
	default:
		if !isIdempotent {
			return RetryRethrow
		}
		return policy.OnRequestError(err, attempt, isIdempotent)
	}
}
