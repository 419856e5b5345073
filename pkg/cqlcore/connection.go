package cqlcore

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// connState is a Connection's lifecycle position (spec §4.5): new ->
// connecting -> socketOpen -> startupSent -> ready -> closing -> closed.
// Every transition past new is monotonic in the forward direction except
// that closing/closed are reachable directly from any state (a connection
// can die mid-handshake).
type connState int32

const (
	connNew connState = iota
	connConnecting
	connSocketOpen
	connStartupSent
	connReady
	connClosing
	connClosed
)

func (s connState) String() string {
	switch s {
	case connNew:
		return "new"
	case connConnecting:
		return "connecting"
	case connSocketOpen:
		return "socketOpen"
	case connStartupSent:
		return "startupSent"
	case connReady:
		return "ready"
	case connClosing:
		return "closing"
	case connClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection owns exactly one TCP socket to one coordinator and the full
// request/response lifecycle over it (spec §4.5). It merges what the
// teacher splits into broker (request intake/queueing) and brokerCxn
// (the live socket), since this core has no analogue to Kafka's
// per-request-key connection fan-out (produce/fetch/other) — every CQL
// request shares one stream-id space on one socket.
type Connection struct {
	endpoint Endpoint
	cfg      *cfg

	conn    net.Conn
	version ProtocolVersion

	state int32 // atomic connState

	streamIDs  *streamIDPool
	deadlines  *deadlineQueue
	writeQueue *WriteQueue
	reader     *frameReader
	emitter    *resultEmitter

	opMu       sync.Mutex
	operations map[int16]*OperationState

	// pendingWrites holds sendStream calls that arrived while streamIDs was
	// exhausted (spec §3 pendingWrites; §4.5 sendStream overflow path).
	// Drained in FIFO order, one entry per stream id freed by
	// releaseOperation.
	pendingMu     sync.Mutex
	pendingWrites []pendingWrite

	timedOutHandlers int32 // atomic

	// sendingIdleQuery guards against overlapping heartbeats if a prior one
	// is still outstanding when its timer fires again (spec §3, §4.5 idle
	// heartbeat).
	sendingIdleQuery int32 // atomic bool

	keyspaceMu      sync.RWMutex
	keyspace        string
	toBeKeyspace    string // non-empty while a ChangeKeyspace is in flight
	keyspaceWaiters []func(err error, keyspace string)

	// preparing deduplicates concurrent PREPARE calls for the same
	// (keyspace, query) on this connection to one network round-trip
	// (spec §3 preparing; §4.5 prepareOnce).
	preparingMu sync.Mutex
	preparing   map[string]*prepareCall

	preparedCache *PreparedCache

	nodeEventCallback func(*NodeEvent)

	lastActivity int64 // atomic, UnixNano; touched on every dispatch/sendStream

	closeOnce sync.Once
	closeErr  error
	closeCh   chan struct{}
}

// pendingWrite is one sendStream call queued because no stream id was free
// at the time (spec §3/§4.5).
type pendingWrite struct {
	req     Request
	timeout time.Duration
	cb      ResponseCallback
	rowCb   RowCallback
}

// prepareCall is the one-shot event carrier prepareOnce installs for a
// (keyspace, query) pair so that concurrent preparers of the same text
// observe the single in-flight PREPARE's outcome instead of each sending
// their own (spec §4.5 prepareOnce).
type prepareCall struct {
	done  chan struct{}
	entry *PreparedEntry
	err   error
}

// Open dials endpoint, negotiates a protocol version (downgrading on a
// handshake-time ProtocolError), authenticates if required, and leaves the
// Connection in the ready state with its background read loop and
// heartbeat already running (spec §4.5 open()).
func Open(ctx context.Context, c *cfg, endpoint Endpoint, preparedCache *PreparedCache, nodeEventCallback func(*NodeEvent)) (*Connection, error) {
	cxn := &Connection{
		endpoint:          endpoint,
		cfg:               c,
		operations:        make(map[int16]*OperationState),
		preparedCache:     preparedCache,
		nodeEventCallback: nodeEventCallback,
		closeCh:           make(chan struct{}),
		keyspace:          c.keyspace,
	}
	atomic.StoreInt32(&cxn.state, int32(connConnecting))

	dialCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	start := time.Now()
	conn, err := c.dialFn(dialCtx, "tcp", endpoint.String())
	since := time.Since(start)
	c.hooks.onConnect(endpoint, since, conn, err)
	if err != nil {
		return nil, &ConnectionError{Endpoint: endpoint, Stage: "dial", Err: err}
	}
	if c.tlsCfg != nil {
		conn, err = wrapTLS(conn, c.tlsCfg, endpoint)
		if err != nil {
			return nil, &ConnectionError{Endpoint: endpoint, Stage: "tls", Err: err}
		}
	}
	cxn.conn = conn
	atomic.StoreInt32(&cxn.state, int32(connSocketOpen))

	if err := cxn.negotiateAndStartup(dialCtx); err != nil {
		conn.Close()
		return nil, err
	}

	atomic.StoreInt32(&cxn.state, int32(connReady))
	cxn.deadlines = newDeadlineQueue(cxn.onDeadlineFired)
	cxn.writeQueue = NewWriteQueue(cxn.conn, c.writeCoalesceThreshold)
	go cxn.readLoop()
	cxn.armHeartbeat()

	return cxn, nil
}

// wrapTLS upgrades conn to TLS using t, defaulting ServerName to the
// endpoint's address (spec §6 sslOptions; grounded on the TLS dial path
// added over the plain teacher in rkruze-franz-go/pkg/kgo/broker.go).
func wrapTLS(conn net.Conn, t *TLSConfig, endpoint Endpoint) (net.Conn, error) {
	tlsCfg := &tls.Config{InsecureSkipVerify: t.Insecure, ServerName: t.ServerName}
	if tlsCfg.ServerName == "" {
		tlsCfg.ServerName = endpoint.Address
	}
	if t.CertFile != "" && t.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, err
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	if t.CAFile != "" {
		pem, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", t.CAFile)
		}
		tlsCfg.RootCAs = pool
	}
	tlsConn := tls.Client(conn, tlsCfg)
	if err := tlsConn.HandshakeContext(context.Background()); err != nil {
		return nil, err
	}
	return tlsConn, nil
}

// negotiateAndStartup performs the synchronous handshake: it writes and
// reads directly on cxn.conn (the background read loop has not started
// yet), matching the teacher's cxn.init() doing requestAPIVersions/sasl
// before go cxn.handleResps() begins.
func (cxn *Connection) negotiateAndStartup(ctx context.Context) error {
	version := cxn.cfg.maxProtocolVersion
	cxn.version = version
	cxn.streamIDs = newStreamIDPool(version)
	cxn.reader = newFrameReader(version)

	for {
		atomic.StoreInt32(&cxn.state, int32(connStartupSent))
		resp, body, err := cxn.handshakeRoundtrip(ctx, &StartupRequest{Options: map[string]string{"CQL_VERSION": "3.0.0"}})
		if err != nil {
			var perr *ProtocolError
			if asProtocolError(err, &perr) && perr.IsVersionDowngrade() && perr.UnsupportedVersion < version && perr.UnsupportedVersion >= cxn.cfg.minProtocolVersion {
				version = perr.UnsupportedVersion
				cxn.version = version
				cxn.streamIDs.setVersion(version)
				cxn.reader.setVersion(version)
				continue
			}
			return &ConnectionError{Endpoint: cxn.endpoint, Stage: "startup", Err: err}
		}

		switch resp.Header.Opcode {
		case OpReady:
			return nil
		case OpAuthenticate:
			if err := cxn.authenticate(ctx, body); err != nil {
				return &ConnectionError{Endpoint: cxn.endpoint, Stage: "auth", Err: err}
			}
			return nil
		default:
			return &ConnectionError{Endpoint: cxn.endpoint, Stage: "startup", Err: &DriverInternalError{Message: "unexpected opcode after STARTUP"}}
		}
	}
}

func asProtocolError(err error, target **ProtocolError) bool {
	if pe, ok := err.(*ProtocolError); ok {
		*target = pe
		return true
	}
	return false
}

// authenticate drives the SASL (v2+) exchange, or the legacy CREDENTIALS
// (v1) path, to completion (spec §4.5 auth loop).
func (cxn *Connection) authenticate(ctx context.Context, authenticateBody []byte) error {
	if cxn.version == ProtocolVersion1 {
		if !cxn.cfg.hasPlainAuth {
			return &AuthenticationError{Inner: fmt.Errorf("server requires authentication but no plain-text credentials were configured")}
		}
		req := &CredentialsRequest{Values: CredentialsFromPlain(cxn.cfg.plainUser, cxn.cfg.plainPass)}
		resp, _, err := cxn.handshakeRoundtrip(ctx, req)
		if err != nil {
			return err
		}
		if resp.Header.Opcode == OpError {
			return &AuthenticationError{Inner: fmt.Errorf("server rejected v1 CREDENTIALS")}
		}
		return nil
	}

	p := NewFrameParser(authenticateBody)
	authenticatorClassName := p.String()

	if len(cxn.cfg.sasls) == 0 {
		return fmt.Errorf("server requires authenticator %s but no SASL mechanism was configured", authenticatorClassName)
	}

	state := &authState{mechanism: cxn.cfg.sasls[0]}
	clientWrite, err := state.start(ctx, cxn.endpoint, authenticatorClassName)
	if err != nil {
		return err
	}

	for {
		resp, body, err := cxn.handshakeRoundtrip(ctx, &AuthResponseRequest{Token: clientWrite})
		if err != nil {
			return err
		}
		switch resp.Header.Opcode {
		case OpAuthSuccess:
			return nil
		case OpAuthChallenge:
			pp := NewFrameParser(body)
			token, _, _ := pp.Bytes()
			var done bool
			clientWrite, done, err = state.challenge(token)
			if err != nil {
				return err
			}
			if done && len(clientWrite) == 0 {
				// Wait for the server's own AUTH_SUCCESS on the next
				// iteration by sending an empty AUTH_RESPONSE.
				continue
			}
		default:
			return &DriverInternalError{Message: "unexpected opcode during SASL exchange"}
		}
	}
}

// handshakeRoundtrip writes req synchronously and blocks for its reply,
// used only before the background read loop starts.
func (cxn *Connection) handshakeRoundtrip(ctx context.Context, req Request) (Frame, []byte, error) {
	streamID := int16(0)
	buf, err := req.write(cxn.version, streamID)
	if err != nil {
		return Frame{}, nil, err
	}

	deadline := time.Now().Add(cxn.cfg.connectTimeout)
	cxn.conn.SetDeadline(deadline)
	defer cxn.conn.SetDeadline(time.Time{})

	if _, err := cxn.conn.Write(buf); err != nil {
		return Frame{}, nil, &SocketError{Endpoint: cxn.endpoint, RequestNotWritten: false, Cause: err}
	}

	hdrLen := cxn.version.HeaderLength()
	header := make([]byte, hdrLen)
	if _, err := readFull(cxn.conn, header); err != nil {
		return Frame{}, nil, &SocketError{Endpoint: cxn.endpoint, Cause: err}
	}
	fh := parseFrameHeader(header, cxn.version)
	body := make([]byte, fh.BodyLength)
	if _, err := readFull(cxn.conn, body); err != nil {
		return Frame{}, nil, &SocketError{Endpoint: cxn.endpoint, Cause: err}
	}
	if fh.Opcode == OpError {
		respErr, err := parseResponseError(body)
		if err != nil {
			return Frame{}, nil, err
		}
		if respErr.Code == ErrCodeProtocolError {
			return Frame{}, nil, &ProtocolError{Message: respErr.Message, UnsupportedVersion: inferDowngradeVersion(cxn.version)}
		}
		return Frame{}, nil, respErr
	}
	return Frame{Header: fh, Body: body}, body, nil
}

// inferDowngradeVersion guesses the next-lower core version to retry the
// handshake at. DSE variants fall back to the highest core version rather
// than to each other.
func inferDowngradeVersion(current ProtocolVersion) ProtocolVersion {
	switch {
	case current.isDSE():
		return ProtocolVersion4
	case current > ProtocolVersion1:
		return current - 1
	default:
		return current
	}
}

func readFull(r net.Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// sendStream submits req for writing and registers cb/rowCb to receive its
// outcome, the connection's one public dispatch entry point (spec §4.5
// sendStream). If no stream id is currently free, req is queued on
// pendingWrites and replayed once one is released (spec §3 pendingWrites);
// sendStream itself only returns an error when the connection is already
// closed/closing.
func (cxn *Connection) sendStream(req Request, timeout time.Duration, cb ResponseCallback, rowCb RowCallback) error {
	if connState(atomic.LoadInt32(&cxn.state)) >= connClosing {
		return ErrBrokerDead
	}
	atomic.StoreInt64(&cxn.lastActivity, time.Now().UnixNano())

	streamID, ok := cxn.streamIDs.pop()
	if !ok {
		cxn.pendingMu.Lock()
		cxn.pendingWrites = append(cxn.pendingWrites, pendingWrite{req: req, timeout: timeout, cb: cb, rowCb: rowCb})
		cxn.pendingMu.Unlock()
		cxn.cfg.logger.Log(LogLevelWarn, "cqlcore: stream ids exhausted, queueing request",
			"endpoint", cxn.endpoint.String())
		return nil
	}

	cxn.dispatchSend(streamID, req, timeout, cb, rowCb)
	return nil
}

// dispatchSend registers req under streamID and pushes it onto the write
// queue. Called either directly from sendStream (a stream id was free) or
// from releaseOperation when a freed id is handed straight to the oldest
// pendingWrites entry (spec §4.5 sendStream / frameEnded "schedule it for
// the next tick").
func (cxn *Connection) dispatchSend(streamID int16, req Request, timeout time.Duration, cb ResponseCallback, rowCb RowCallback) {
	op := newOperationState(streamID, req, cb, rowCb)
	cxn.opMu.Lock()
	cxn.operations[streamID] = op
	cxn.opMu.Unlock()

	if timeout > 0 {
		cancel := cxn.deadlines.schedule(deadlineRead, streamID, timeout, func() {
			cxn.onReadTimeout(op)
		})
		op.setCancelTimeout(cancel)
	}

	cxn.writeQueue.push(writeItem{
		op:      op,
		req:     req,
		version: cxn.version,
		onSent: func(err error) {
			if err != nil {
				cxn.releaseOperation(streamID)
				op.complete(nil, err)
			}
		},
	})
}

func (cxn *Connection) onReadTimeout(op *OperationState) {
	atomic.AddInt32(&cxn.timedOutHandlers, 1)
	op.markTimedOut(cxn.cfg.readTimeout, cxn.endpoint, func() {
		atomic.AddInt32(&cxn.timedOutHandlers, -1)
		cxn.releaseOperation(op.streamID)
	})
}

// releaseOperation frees streamID. If a request is waiting in
// pendingWrites, the freed id is handed straight to the oldest one instead
// of going back to the pool, and its write is kicked off on a fresh
// goroutine so this call (made from the read loop's dispatch) never blocks
// on it (spec §4.5 frameEnded: "schedule it for the next tick").
func (cxn *Connection) releaseOperation(streamID int16) {
	cxn.opMu.Lock()
	delete(cxn.operations, streamID)
	cxn.opMu.Unlock()

	cxn.pendingMu.Lock()
	if len(cxn.pendingWrites) > 0 {
		pw := cxn.pendingWrites[0]
		cxn.pendingWrites = cxn.pendingWrites[1:]
		cxn.pendingMu.Unlock()
		go cxn.dispatchSend(streamID, pw.req, pw.timeout, pw.cb, pw.rowCb)
		return
	}
	cxn.pendingMu.Unlock()

	cxn.streamIDs.push(streamID)
}

func (cxn *Connection) lookupOperation(streamID int16) (*OperationState, bool) {
	cxn.opMu.Lock()
	op, ok := cxn.operations[streamID]
	cxn.opMu.Unlock()
	return op, ok
}

// readLoop is the single reader goroutine: it accumulates socket bytes
// into complete frames and dispatches each one, running until the socket
// errors or close() stops it (spec §4.5).
func (cxn *Connection) readLoop() {
	if cxn.emitter == nil {
		cxn.emitter = newResultEmitter(cxn.version, cxn.endpoint, cxn.lookupOperation)
	}
	buf := make([]byte, 32*1024)
	for {
		n, err := cxn.conn.Read(buf)
		if n > 0 {
			frames, ferr := cxn.reader.feed(buf[:n])
			for _, f := range frames {
				cxn.dispatch(f)
			}
			if ferr != nil {
				cxn.close(ferr)
				return
			}
		}
		if err != nil {
			cxn.close(&SocketError{Endpoint: cxn.endpoint, Cause: err})
			return
		}
	}
}

// dispatch routes one fully-parsed frame to its operation, a node event
// callback, or (for an unrecognized/late stream id) a no-op decrement of
// timedOutHandlers (spec §4.4/§5).
func (cxn *Connection) dispatch(f Frame) {
	atomic.StoreInt64(&cxn.lastActivity, time.Now().UnixNano())
	out := cxn.emitter.emit(f)

	switch out.Kind {
	case DispatchNodeEvent:
		if cxn.nodeEventCallback != nil && out.Event != nil {
			cxn.nodeEventCallback(out.Event)
		}
		return
	case DispatchFrameEnded:
		op, ok := cxn.lookupOperation(out.StreamID)
		cxn.releaseOperation(out.StreamID)
		if !ok {
			return
		}
		op.complete(out.Result, out.Err)
		return
	}

	op, ok := cxn.lookupOperation(out.StreamID)
	if !ok {
		// Response for a stream id we no longer track: either a late
		// reply after a local timeout, or (should never happen) a
		// protocol violation. Either way there is nothing left to
		// deliver to.
		return
	}
	if !op.canDeliver() {
		op.deliverLate()
		return
	}
	cxn.releaseOperation(out.StreamID)
	op.complete(out.Result, out.Err)
}

// armHeartbeat schedules the idle system.local heartbeat query (spec §4.5
// idle heartbeat).
func (cxn *Connection) armHeartbeat() {
	if cxn.cfg.heartbeatInterval <= 0 {
		return
	}
	cxn.deadlines.schedule(deadlineHeartbeat, 0, cxn.cfg.heartbeatInterval, cxn.sendHeartbeat)
}

// heartbeatQuery is the single-row local system read issued as the idle
// keep-alive (spec §4.5 idle heartbeat, §8 scenario S4).
const heartbeatQuery = `SELECT key FROM system.local WHERE key='local'`

// sendHeartbeat issues the idle-keepalive query, guarded by
// sendingIdleQuery so a heartbeat still outstanding when its own timer
// fires again is never duplicated (spec §3/§4.5). A failed heartbeat is
// logged but never tears the connection down itself — that decision
// belongs to the pool owner (spec §4.5).
func (cxn *Connection) sendHeartbeat() {
	if connState(atomic.LoadInt32(&cxn.state)) != connReady {
		return
	}
	if !atomic.CompareAndSwapInt32(&cxn.sendingIdleQuery, 0, 1) {
		cxn.armHeartbeat()
		return
	}

	finish := func(err error) {
		atomic.StoreInt32(&cxn.sendingIdleQuery, 0)
		if err != nil {
			cxn.cfg.logger.Log(LogLevelWarn, "cqlcore: idle heartbeat failed",
				"endpoint", cxn.endpoint.String(), "err", err)
		}
		cxn.armHeartbeat()
	}

	err := cxn.sendStream(&QueryRequest{
		Query:  heartbeatQuery,
		Params: QueryParams{Consistency: ConsistencyOne},
	}, cxn.cfg.readTimeout, func(_ *Result, err error) {
		finish(err)
	}, nil)
	if err != nil {
		finish(err)
	}
}

// onDeadlineFired is the deadlineQueue's single dispatch point; it simply
// invokes whichever fire closure was registered (read timeout or
// heartbeat), kept as a method so Connection's lifecycle owns the
// queue's callback wiring explicitly rather than leaving it anonymous at
// construction time.
func (cxn *Connection) onDeadlineFired(e *deadlineEntry) {
	if e.fire != nil {
		e.fire()
	}
}

// Prepare sends a PREPARE request for query against keyspace if it is not
// already cached, storing the result for reuse by every future EXECUTE
// (spec §4.5/§4.6 "prepare once"). Concurrent Prepare calls for the same
// (keyspace, query) on this connection share the single in-flight PREPARE
// round-trip instead of each sending their own (spec §4.5 prepareOnce,
// keyed by (keyspace||"")+query).
func (cxn *Connection) Prepare(ctx context.Context, keyspace, query string) (*PreparedEntry, error) {
	if entry, ok := cxn.preparedCache.Get(keyspace, query); ok {
		return entry, nil
	}

	key := keyspace + query

	cxn.preparingMu.Lock()
	if cxn.preparing == nil {
		cxn.preparing = make(map[string]*prepareCall)
	}
	if call, ok := cxn.preparing[key]; ok {
		cxn.preparingMu.Unlock()
		<-call.done
		return call.entry, call.err
	}
	call := &prepareCall{done: make(chan struct{})}
	cxn.preparing[key] = call
	cxn.preparingMu.Unlock()

	finish := func(entry *PreparedEntry, err error) (*PreparedEntry, error) {
		cxn.preparingMu.Lock()
		delete(cxn.preparing, key)
		cxn.preparingMu.Unlock()
		call.entry, call.err = entry, err
		close(call.done)
		return entry, err
	}

	done := make(chan struct{})
	var result *Result
	var callErr error
	err := cxn.sendStream(&PrepareRequest{Query: query, Keyspace: keyspace}, cxn.cfg.readTimeout, func(res *Result, err error) {
		result, callErr = res, err
		close(done)
	}, nil)
	if err != nil {
		return finish(nil, err)
	}
	<-done
	if callErr != nil {
		return finish(nil, callErr)
	}

	entry := &PreparedEntry{
		QueryID:          result.PreparedQueryID,
		ResultMetadataID: result.ResultMetadata.NewResultID,
		ResultMetadata:   result.ResultMetadata,
	}
	cxn.preparedCache.Put(keyspace, query, entry)
	return finish(entry, nil)
}

// ChangeKeyspace issues a case-sensitive, quoted USE statement and updates
// the connection's tracked current keyspace on success (spec §4.5). If
// keyspace already equals the current one, it returns immediately; if a
// switch to the same keyspace is already in flight, it waits on that
// switch's outcome (keyspaceChanged) instead of sending a second USE.
func (cxn *Connection) ChangeKeyspace(ctx context.Context, keyspace string) error {
	cxn.keyspaceMu.Lock()
	if cxn.keyspace == keyspace {
		cxn.keyspaceMu.Unlock()
		return nil
	}
	if cxn.toBeKeyspace == keyspace {
		waitCh := make(chan error, 1)
		cxn.keyspaceWaiters = append(cxn.keyspaceWaiters, func(err error, _ string) { waitCh <- err })
		cxn.keyspaceMu.Unlock()
		return <-waitCh
	}
	cxn.toBeKeyspace = keyspace
	cxn.keyspaceMu.Unlock()

	done := make(chan struct{})
	var callErr error
	err := cxn.sendStream(&QueryRequest{
		Query:  fmt.Sprintf(`USE "%s"`, keyspace),
		Params: QueryParams{Consistency: ConsistencyOne},
	}, cxn.cfg.readTimeout, func(_ *Result, err error) {
		callErr = err
		close(done)
	}, nil)
	if err == nil {
		<-done
		err = callErr
	}

	cxn.keyspaceMu.Lock()
	if err == nil {
		cxn.keyspace = keyspace
	}
	cxn.toBeKeyspace = ""
	waiters := cxn.keyspaceWaiters
	cxn.keyspaceWaiters = nil
	cxn.keyspaceMu.Unlock()

	for _, w := range waiters {
		w(err, keyspace)
	}
	return err
}

func (cxn *Connection) Keyspace() string {
	cxn.keyspaceMu.RLock()
	defer cxn.keyspaceMu.RUnlock()
	return cxn.keyspace
}

func (cxn *Connection) Endpoint() Endpoint { return cxn.endpoint }

func (cxn *Connection) State() connState { return connState(atomic.LoadInt32(&cxn.state)) }

// IdleSince reports how long it has been since this connection last sent
// or received a frame, for the reaper's idle-timeout check (spec's
// Supplemented Features).
func (cxn *Connection) IdleSince() time.Duration {
	last := atomic.LoadInt64(&cxn.lastActivity)
	if last == 0 {
		return 0
	}
	return time.Since(time.Unix(0, last))
}

// close tears the connection down exactly once, failing every in-flight
// and pending operation with cause and notifying DisconnectHooks (spec
// §4.5 close invariants: idempotent, every outstanding callback fires
// exactly once).
func (cxn *Connection) close(cause error) {
	cxn.closeOnce.Do(func() {
		atomic.StoreInt32(&cxn.state, int32(connClosing))
		cxn.closeErr = cause

		if cxn.deadlines != nil {
			cxn.deadlines.stop()
		}
		if cxn.writeQueue != nil {
			cxn.writeQueue.close(cause)
		}

		cxn.opMu.Lock()
		ops := cxn.operations
		cxn.operations = make(map[int16]*OperationState)
		cxn.opMu.Unlock()
		for _, op := range ops {
			op.complete(nil, cause)
		}

		cxn.pendingMu.Lock()
		pending := cxn.pendingWrites
		cxn.pendingWrites = nil
		cxn.pendingMu.Unlock()
		for _, pw := range pending {
			if pw.cb != nil {
				pw.cb(nil, cause)
			}
		}

		if cxn.conn != nil {
			cxn.conn.Close()
		}
		cxn.cfg.hooks.onDisconnect(cxn.endpoint, cxn.conn)

		atomic.StoreInt32(&cxn.state, int32(connClosed))
		close(cxn.closeCh)
	})
}

// Close closes the connection gracefully from the caller's side.
func (cxn *Connection) Close() error {
	cxn.close(&SocketError{Endpoint: cxn.endpoint, Cause: ErrBrokerDead})
	return nil
}

// Done returns a channel closed once the connection has fully closed.
func (cxn *Connection) Done() <-chan struct{} { return cxn.closeCh }
