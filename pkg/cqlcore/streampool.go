package cqlcore

import "sync"

// streamIDPool allocates and reclaims stream identifiers for one
// connection (spec §4.2). Capacity depends on the negotiated protocol
// version: 128 for v1-v2, 32768 for v3+. It is implemented as a LIFO
// freelist over a pre-sized slice rather than a dense pre-allocated array
// of handlers, per the sparse/dense split recommended in spec §9.
type streamIDPool struct {
	mu       sync.Mutex
	free     []int16 // stack; free[len-1] is popped next
	capacity int
	inUse    int
}

// newStreamIDPool builds a pool sized for v's capacity, pre-seeded with
// every id free.
func newStreamIDPool(v ProtocolVersion) *streamIDPool {
	p := &streamIDPool{}
	p.setVersionLocked(v)
	return p
}

// setVersion invalidates the current free list and reseeds it at the new
// version's capacity. Per spec §4.2, this is only safe to call when no
// stream ids are currently held by in-flight operations (i.e. during
// handshake, before any requests have been dispatched).
func (p *streamIDPool) setVersion(v ProtocolVersion) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setVersionLocked(v)
}

func (p *streamIDPool) setVersionLocked(v ProtocolVersion) {
	p.capacity = v.StreamIDCapacity()
	p.free = make([]int16, p.capacity)
	for i := 0; i < p.capacity; i++ {
		// Push in descending order so pop() hands out ascending ids,
		// which keeps logs and tests readable; the spec does not
		// mandate an allocation order.
		p.free[i] = int16(p.capacity - 1 - i)
	}
	p.inUse = 0
}

// pop returns a free stream id, or ok=false if the pool is exhausted.
func (p *streamIDPool) pop() (id int16, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return 0, false
	}
	n := len(p.free) - 1
	id = p.free[n]
	p.free = p.free[:n]
	p.inUse++
	return id, true
}

// push returns id to the free list.
func (p *streamIDPool) push(id int16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, id)
	if p.inUse > 0 {
		p.inUse--
	}
}

// clear empties the free list. After clear, inUse continues to reflect
// only handlers held elsewhere (the caller is responsible for reconciling
// those separately, per spec §4.2).
func (p *streamIDPool) clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = p.free[:0]
}

func (p *streamIDPool) capacityOf() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capacity
}

func (p *streamIDPool) inUseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

// isFull reports whether every stream id is currently free (spec §4.3:
// "drain is signalled only when both free-pool is full and pendingWrites
// is empty").
func (p *streamIDPool) isFull() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free) == p.capacity
}
