package cqlcore

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestConnection builds a bare Connection wired to one end of a
// net.Pipe with its read loop and write queue running, the same
// same-package direct-construction-plus-fake-wire approach writequeue_test.go
// uses, so sendStream/dispatch can be exercised without the full Open()
// dial path.
func newTestConnection(t *testing.T, version ProtocolVersion) (*Connection, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })

	c := defaultCfg()
	cxn := &Connection{
		endpoint:      Endpoint{Address: "127.0.0.1", Port: 9042},
		cfg:           &c,
		conn:          client,
		version:       version,
		operations:    make(map[int16]*OperationState),
		preparedCache: NewPreparedCache(),
		closeCh:       make(chan struct{}),
	}
	cxn.streamIDs = newStreamIDPool(version)
	cxn.reader = newFrameReader(version)
	cxn.deadlines = newDeadlineQueue(cxn.onDeadlineFired)
	cxn.writeQueue = NewWriteQueue(cxn.conn, 0)
	cxn.emitter = newResultEmitter(version, cxn.endpoint, cxn.lookupOperation)
	atomic.StoreInt32(&cxn.state, int32(connReady))
	go cxn.readLoop()
	return cxn, server
}

// writeResultFrame builds and writes a minimal RESULT frame for streamID
// on conn, standing in for a coordinator's reply in these wire-level
// tests.
func writeResultFrame(t *testing.T, conn net.Conn, version ProtocolVersion, streamID int16, body []byte) {
	t.Helper()
	w := NewFrameWriter(nil)
	w.WriteFrame(version, streamID, OpResult, false, false, body)
	_, err := conn.Write(w.Bytes())
	require.NoError(t, err)
}

func preparedResultBody(queryID []byte) []byte {
	w := NewFrameWriter(nil)
	w.Int(int32(ResultKindPrepared))
	w.ShortBytes(queryID)
	w.Int(resultMetaFlagNoMetadata) // prepared metadata: no columns
	w.Int(0)
	w.Int(resultMetaFlagNoMetadata) // result metadata: no columns
	w.Int(0)
	return w.Bytes()
}

// readFrames reads off conn until it has accumulated want frames or the
// test's deadline (via t.Fatal on read error) is hit.
func readFrames(t *testing.T, conn net.Conn, version ProtocolVersion, want int) []Frame {
	t.Helper()
	fr := newFrameReader(version)
	var out []Frame
	buf := make([]byte, 64*1024)
	for len(out) < want {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		n, err := conn.Read(buf)
		if n > 0 {
			frames, ferr := fr.feed(buf[:n])
			require.NoError(t, ferr)
			out = append(out, frames...)
		}
		if err != nil {
			t.Fatalf("reading frames: %v (got %d of %d)", err, len(out), want)
		}
	}
	return out
}

// TestSendStreamQueuesOnExhaustionAndDrainsFIFO exercises spec §8 scenario
// S3: once the stream id pool is exhausted, further sendStream calls queue
// onto pendingWrites instead of failing, and are handed the freed stream
// id in the order they were queued.
func TestSendStreamQueuesOnExhaustionAndDrainsFIFO(t *testing.T) {
	cxn, server := newTestConnection(t, ProtocolVersion1)
	capacity := cxn.streamIDs.capacityOf()
	overflow := 10
	total := capacity + overflow

	go func() {
		buf := make([]byte, 64*1024)
		for {
			if _, err := server.Read(buf); err != nil {
				return
			}
		}
	}()

	for i := 0; i < total; i++ {
		err := cxn.sendStream(&QueryRequest{Query: fmt.Sprintf("q%d", i)}, 0, func(*Result, error) {}, nil)
		require.NoError(t, err, "sendStream must never surface a stream-exhaustion error")
	}

	cxn.pendingMu.Lock()
	pending := len(cxn.pendingWrites)
	cxn.pendingMu.Unlock()
	assert.Equal(t, overflow, pending, "last %d requests should have queued on pendingWrites", overflow)

	// Release every in-flight stream id in ascending order; each release
	// must hand its id straight to the oldest still-queued request,
	// preserving FIFO order (spec §3 pendingWrites, §4.5 frameEnded).
	for id := int16(0); id < int16(overflow); id++ {
		cxn.releaseOperation(id)

		var op *OperationState
		require.Eventually(t, func() bool {
			o, ok := cxn.lookupOperation(id)
			op = o
			return ok
		}, time.Second, time.Millisecond, "freed stream id %d was never handed to a queued request", id)

		qr, ok := op.request.(*QueryRequest)
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("q%d", int(id)+capacity), qr.Query,
			"stream id %d should have drained the oldest pendingWrites entry", id)
	}

	cxn.pendingMu.Lock()
	pending = len(cxn.pendingWrites)
	cxn.pendingMu.Unlock()
	assert.Zero(t, pending, "pendingWrites should be fully drained")
}

// TestPrepareDedupesConcurrentCalls exercises spec §4.5 prepareOnce:
// concurrent Prepare calls for the same (keyspace, query) share a single
// PREPARE round-trip.
func TestPrepareDedupesConcurrentCalls(t *testing.T) {
	cxn, server := newTestConnection(t, ProtocolVersion3)

	const n = 8
	var wg sync.WaitGroup
	results := make([]*PreparedEntry, n)
	errs := make([]error, n)

	start := make(chan struct{})
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			results[i], errs[i] = cxn.Prepare(context.Background(), "ks", "SELECT * FROM t")
		}()
	}
	close(start)

	frames := readFrames(t, server, ProtocolVersion3, 1)
	require.Len(t, frames, 1, "only one PREPARE should reach the wire for concurrent identical calls")
	assert.Equal(t, OpPrepare, frames[0].Header.Opcode)

	queryID := []byte{0xAB, 0xCD}
	writeResultFrame(t, server, ProtocolVersion3, frames[0].Header.StreamID, preparedResultBody(queryID))

	wg.Wait()
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.NotNil(t, results[i])
		assert.Equal(t, queryID, results[i].QueryID)
	}
}

// TestChangeKeyspaceFastPaths exercises spec §4.5's two ChangeKeyspace
// fast paths: already-current keyspace returns immediately, and a switch
// already in flight to the same target is joined rather than duplicated.
func TestChangeKeyspaceFastPaths(t *testing.T) {
	cxn, server := newTestConnection(t, ProtocolVersion3)
	cxn.keyspace = "already_here"

	err := cxn.ChangeKeyspace(context.Background(), "already_here")
	require.NoError(t, err)

	const n = 4
	var wg sync.WaitGroup
	errs := make([]error, n)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			errs[i] = cxn.ChangeKeyspace(context.Background(), "new_ks")
		}()
	}
	close(start)

	frames := readFrames(t, server, ProtocolVersion3, 1)
	require.Len(t, frames, 1, "only one USE should reach the wire for concurrent switches to the same keyspace")

	writeResultFrame(t, server, ProtocolVersion3, frames[0].Header.StreamID, voidResultBody())

	wg.Wait()
	for i := 0; i < n; i++ {
		assert.NoError(t, errs[i])
	}
	assert.Equal(t, "new_ks", cxn.Keyspace())
}

// TestSendHeartbeatGuardsAgainstOverlap exercises spec §3's
// sendingIdleQuery guard: a heartbeat still outstanding when its timer
// fires again is skipped rather than duplicated.
func TestSendHeartbeatGuardsAgainstOverlap(t *testing.T) {
	cxn, server := newTestConnection(t, ProtocolVersion3)
	cxn.cfg.heartbeatInterval = 0 // armHeartbeat is called manually below

	go func() {
		buf := make([]byte, 64*1024)
		for {
			if _, err := server.Read(buf); err != nil {
				return
			}
		}
	}()

	atomic.StoreInt32(&cxn.sendingIdleQuery, 1)
	cxn.sendHeartbeat()
	cxn.opMu.Lock()
	outstanding := len(cxn.operations)
	cxn.opMu.Unlock()
	assert.Zero(t, outstanding, "a heartbeat already in flight must not be duplicated")

	atomic.StoreInt32(&cxn.sendingIdleQuery, 0)
	cxn.sendHeartbeat()
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&cxn.sendingIdleQuery) == 1
	}, time.Second, time.Millisecond, "sendHeartbeat should have claimed the guard for its own send")
}
