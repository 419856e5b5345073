package cqlcore

import (
	"sync"
	"time"
)

// opState is the lifecycle of a single in-flight request (spec §3 /
// OperationState). Transitions are monotonic: init is the only state from
// which any other state is reachable, and every other state is terminal.
type opState int32

const (
	opInit opState = iota
	opCompleted
	opTimedOut
	opCancelled
)

// ResponseCallback receives the final outcome of a request: either a
// *Result (success or ignore-decision mapped to an empty result upstream)
// or an error.
type ResponseCallback func(res *Result, err error)

// RowCallback receives one streamed row at a time for a ROWS response
// that was set up for row-by-row delivery (spec §4.4). rowIndex is
// 0-based; the final call happens when rowIndex == rowLength-1, after
// which the aggregated *Result is delivered via the ResponseCallback.
type RowCallback func(rowIndex int, row []byte)

// OperationState tracks one in-flight request from sendStream through its
// terminal outcome. The callback fields are swapped on every terminal
// transition so that a late server response after a local timeout is
// silently discarded (observed only as a timedOutHandlers decrement),
// exactly as spec §3/§5 require.
type OperationState struct {
	mu sync.Mutex

	streamID int16
	request  Request

	state opState

	callback    ResponseCallback
	rowCallback RowCallback
	rowIndex    int

	// cancelTimeout cancels this operation's entry in the connection's
	// deadline queue, which owns the timer; stored
	// here only so cancel/complete can cancel it.
	cancelTimeout func()

	// onTimedOutResponse is invoked (once) if a response for this stream
	// id arrives after the operation was already marked timed out. It
	// decrements the connection's timedOutHandlers counter.
	onTimedOutResponse func()
}

// newOperationState builds an OperationState in the init state.
func newOperationState(streamID int16, req Request, cb ResponseCallback, rowCb RowCallback) *OperationState {
	return &OperationState{
		streamID:    streamID,
		request:     req,
		state:       opInit,
		callback:    cb,
		rowCallback: rowCb,
	}
}

// canDeliver reports whether the state machine is still in init, i.e.
// whether invoking the stored callback now is meaningful.
func (o *OperationState) canDeliver() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state == opInit
}

// complete transitions init -> completed and invokes the stored callback
// exactly once. No-op if not in init.
func (o *OperationState) complete(res *Result, err error) {
	o.mu.Lock()
	if o.state != opInit {
		o.mu.Unlock()
		return
	}
	o.state = opCompleted
	cb := o.callback
	cancel := o.cancelTimeout
	o.callback = nil
	o.rowCallback = nil
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if cb != nil {
		cb(res, err)
	}
}

// deliverRow forwards one row to the row callback, if any, and reports
// whether a row callback was actually registered (spec §4.5: a ROWS frame
// for a stream with no row callback is a driver-internal error).
func (o *OperationState) deliverRow(row []byte) (delivered bool) {
	o.mu.Lock()
	if o.state != opInit || o.rowCallback == nil {
		o.mu.Unlock()
		return o.rowCallback != nil
	}
	cb := o.rowCallback
	idx := o.rowIndex
	o.rowIndex++
	o.mu.Unlock()

	cb(idx, row)
	return true
}

// hasRowCallback reports whether this operation was set up for row
// streaming.
func (o *OperationState) hasRowCallback() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.rowCallback != nil
}

// markTimedOut transitions init -> timedOut, installs onLate (invoked if a
// response still arrives), and clears the stored and row callbacks. The
// original callback is then invoked once with an OperationTimedOutError
// carrying endpoint and elapsed. No-op if not in init.
func (o *OperationState) markTimedOut(elapsed time.Duration, endpoint Endpoint, onLate func()) {
	o.mu.Lock()
	if o.state != opInit {
		o.mu.Unlock()
		return
	}
	o.state = opTimedOut
	cb := o.callback
	o.callback = nil
	o.rowCallback = nil
	o.onTimedOutResponse = onLate
	o.mu.Unlock()

	if cb != nil {
		cb(nil, &OperationTimedOutError{Endpoint: endpoint, Elapsed: elapsed})
	}
}

// deliverLate is invoked when a frame arrives for a stream id whose
// operation already transitioned out of init. It runs the registered late
// handler (if any) exactly once.
func (o *OperationState) deliverLate() {
	o.mu.Lock()
	onLate := o.onTimedOutResponse
	o.onTimedOutResponse = nil
	o.mu.Unlock()
	if onLate != nil {
		onLate()
	}
}

// cancel transitions init -> cancelled and replaces the callback with a
// no-op. A cancelled operation still occupying a stream id is freed
// normally when its frame arrives (spec §5); a cancelled operation still
// queued for writing is dropped by WriteQueue.canBeWritten.
func (o *OperationState) cancel() {
	o.mu.Lock()
	if o.state != opInit {
		o.mu.Unlock()
		return
	}
	o.state = opCancelled
	o.callback = nil
	o.rowCallback = nil
	cancel := o.cancelTimeout
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (o *OperationState) setCancelTimeout(fn func()) {
	o.mu.Lock()
	o.cancelTimeout = fn
	o.mu.Unlock()
}

// canBeWritten reports whether this operation is still eligible to be
// serialized and written to the socket (spec §4.3 WriteQueue.push step 2).
func (o *OperationState) canBeWritten() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state == opInit
}
