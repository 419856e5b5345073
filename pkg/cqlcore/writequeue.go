package cqlcore

import (
	"net"
	"sync"
)

// writeItem is one request queued for serialization and writing (spec
// §4.3). onSent is invoked exactly once, with nil once the frame was
// written or with an error.
type writeItem struct {
	op      *OperationState
	req     Request
	version ProtocolVersion
	onSent  func(err error)
}

// queuedFrame pairs a writeItem with its already-serialized frame bytes, so
// a batch built by drainBatch is written once and never re-serialized.
type queuedFrame struct {
	item writeItem
	buf  []byte
}

// WriteQueue is the single-writer FIFO that coalesces pending frames up to
// coalescingThreshold bytes before issuing one socket write (spec §4.3).
// Backpressure comes only from conn.Write blocking the single consumer
// goroutine; there is no separate drain signal. It mirrors the teacher's
// single-goroutine-drains-a-channel split in brokerCxn.handleReqs /
// writeConn, generalized from "one frame per write" to "coalesce until a
// byte budget is reached".
type WriteQueue struct {
	conn                net.Conn
	coalescingThreshold int

	mu      sync.Mutex
	pending []writeItem
	closed  bool
	sticky  error // set once the socket write fails; all further items fail fast

	wake chan struct{}

	canWrite int32         // not read or written by the queue
	drainCh  chan struct{} // allocated but never signalled or read
}

// NewWriteQueue builds a WriteQueue writing to conn, coalescing up to
// coalescingThreshold bytes per socket write (a value <= 0 means 64 KiB).
func NewWriteQueue(conn net.Conn, coalescingThreshold int) *WriteQueue {
	if coalescingThreshold <= 0 {
		coalescingThreshold = 1 << 16
	}
	q := &WriteQueue{
		conn:                conn,
		coalescingThreshold: coalescingThreshold,
		wake:                make(chan struct{}, 1),
		drainCh:             make(chan struct{}, 1),
	}
	go q.run()
	return q
}

// push enqueues item and kicks the processor (spec §4.3 step 1).
func (q *WriteQueue) push(item writeItem) {
	q.mu.Lock()
	if q.closed {
		sticky := q.sticky
		q.mu.Unlock()
		item.onSent(&SocketError{RequestNotWritten: true, Cause: sticky})
		return
	}
	q.pending = append(q.pending, item)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// close marks the queue closed; every currently-pending and every
// future-pushed item is failed with a socket-closed error carrying
// RequestNotWritten=true, since nothing past this point reaches the wire.
func (q *WriteQueue) close(cause error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.sticky = cause
	items := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, item := range items {
		item.onSent(&SocketError{RequestNotWritten: true, Cause: cause})
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// run is the single consumer goroutine: drain up to coalescingThreshold
// bytes of pending items, write them as one buffer, then invoke every
// item's callback in enqueue order (spec §4.3 steps 2-3).
func (q *WriteQueue) run() {
	for range q.wake {
		for {
			batch, done := q.drainBatch()
			if len(batch) == 0 {
				break
			}
			q.writeBatch(batch)
			if done {
				break
			}
		}
	}
}

// drainBatch pulls items off the front of q.pending until the threshold is
// reached or the queue empties, serializing each via request.write. Items
// that fail canBeWritten or serialization are resolved inline and
// excluded from the returned batch.
func (q *WriteQueue) drainBatch() (batch []queuedFrame, queueEmpty bool) {
	q.mu.Lock()
	pending := q.pending
	q.pending = nil
	closed := q.closed
	q.mu.Unlock()

	if closed || len(pending) == 0 {
		return nil, true
	}

	total := 0
	i := 0
	for ; i < len(pending); i++ {
		item := pending[i]
		if item.op != nil && !item.op.canBeWritten() {
			item.onSent(ErrCancelled)
			continue
		}
		buf, err := item.req.write(item.version, item.op.streamID)
		if err != nil {
			item.onSent(err)
			continue
		}
		item.req.recordBodyLength(len(buf) - item.version.HeaderLength())
		batch = append(batch, queuedFrame{item: item, buf: buf})
		total += len(buf)
		if total >= q.coalescingThreshold {
			i++
			break
		}
	}

	// Anything left over goes back to the front of the queue for the next
	// iteration of run's inner loop.
	if i < len(pending) {
		q.mu.Lock()
		q.pending = append(pending[i:], q.pending...)
		q.mu.Unlock()
		return batch, false
	}
	return batch, true
}

// writeBatch concatenates every item's already-serialized frame into one
// buffer, writes it, and then invokes each callback in enqueue order
// (spec §4.3 step 3): with nil when the write succeeded, or with a
// SocketError (RequestNotWritten=false) carrying the write error.
func (q *WriteQueue) writeBatch(batch []queuedFrame) {
	var combined []byte
	for _, qf := range batch {
		combined = append(combined, qf.buf...)
	}

	_, err := q.conn.Write(combined)

	if err != nil {
		q.mu.Lock()
		q.closed = true
		q.sticky = err
		q.mu.Unlock()
	}

	for _, qf := range batch {
		if err != nil {
			qf.item.onSent(&SocketError{RequestNotWritten: false, Cause: err})
			continue
		}
		qf.item.onSent(nil)
	}
}
