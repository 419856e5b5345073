package cqlcore

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// connectOnlyHook implements ConnectHook and nothing else, to verify
// hookSet routes by type assertion rather than invoking every hook for
// every event.
type connectOnlyHook struct {
	fired bool
	err   error
}

func (h *connectOnlyHook) OnConnect(endpoint Endpoint, dialDuration time.Duration, conn net.Conn, err error) {
	h.fired = true
	h.err = err
}

type writeOnlyHook struct {
	fired   bool
	opcode  Opcode
	written int
}

func (h *writeOnlyHook) OnWrite(endpoint Endpoint, opcode Opcode, bytesWritten int, writeWait, timeToWrite time.Duration, err error) {
	h.fired = true
	h.opcode = opcode
	h.written = bytesWritten
}

type readOnlyHook struct {
	fired bool
	read  int
}

func (h *readOnlyHook) OnRead(endpoint Endpoint, bytesRead int, readWait, timeToRead time.Duration, err error) {
	h.fired = true
	h.read = bytesRead
}

type disconnectOnlyHook struct {
	fired bool
}

func (h *disconnectOnlyHook) OnDisconnect(endpoint Endpoint, conn net.Conn) {
	h.fired = true
}

// allHooks implements every sub-interface, to confirm a single hook can
// observe the whole connection lifecycle.
type allHooks struct {
	connects, writes, reads, disconnects int
}

func (h *allHooks) OnConnect(Endpoint, time.Duration, net.Conn, error)                { h.connects++ }
func (h *allHooks) OnWrite(Endpoint, Opcode, int, time.Duration, time.Duration, error) { h.writes++ }
func (h *allHooks) OnRead(Endpoint, int, time.Duration, time.Duration, error)          { h.reads++ }
func (h *allHooks) OnDisconnect(Endpoint, net.Conn)                                    { h.disconnects++ }

func TestHookSetRoutesOnlyToMatchingSubInterface(t *testing.T) {
	connect := &connectOnlyHook{}
	write := &writeOnlyHook{}
	read := &readOnlyHook{}
	disconnect := &disconnectOnlyHook{}

	hs := newHookSet([]Hook{connect, write, read, disconnect})
	ep := Endpoint{Address: "127.0.0.1", Port: 9042}

	hs.onConnect(ep, time.Millisecond, nil, nil)
	assert.True(t, connect.fired)
	assert.False(t, write.fired)
	assert.False(t, read.fired)
	assert.False(t, disconnect.fired)

	hs.onWrite(ep, OpQuery, 128, time.Microsecond, time.Microsecond, nil)
	assert.True(t, write.fired)
	assert.Equal(t, OpQuery, write.opcode)
	assert.Equal(t, 128, write.written)

	hs.onRead(ep, 64, time.Microsecond, time.Microsecond, nil)
	assert.True(t, read.fired)
	assert.Equal(t, 64, read.read)

	hs.onDisconnect(ep, nil)
	assert.True(t, disconnect.fired)
}

func TestHookSetDispatchesToEveryRegisteredHookOfAType(t *testing.T) {
	a, b := &allHooks{}, &allHooks{}
	hs := newHookSet([]Hook{a, b})
	ep := Endpoint{Address: "127.0.0.1", Port: 9042}

	hs.onConnect(ep, 0, nil, nil)
	hs.onConnect(ep, 0, nil, nil)

	assert.Equal(t, 2, a.connects)
	assert.Equal(t, 2, b.connects)
}

func TestHookSetWithNoHooksDoesNotPanic(t *testing.T) {
	hs := newHookSet(nil)
	ep := Endpoint{Address: "127.0.0.1", Port: 9042}
	assert.NotPanics(t, func() {
		hs.onConnect(ep, 0, nil, nil)
		hs.onWrite(ep, OpQuery, 0, 0, 0, nil)
		hs.onRead(ep, 0, 0, 0, nil)
		hs.onDisconnect(ep, nil)
	})
}
