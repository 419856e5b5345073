package cqlcore

import (
	"sync"
	"time"

	"github.com/twmb/go-rbtree"
)

// deadlineKind distinguishes the timers sharing one connection's
// deadlineQueue, so a single fired deadline dispatches to the right
// handler (spec §5: "heartbeats have at most one pending timer; the
// connect path has at most one connect timeout").
type deadlineKind uint8

const (
	deadlineRead deadlineKind = iota
	deadlineHeartbeat
	deadlineConnect
)

// deadlineEntry is one node in the tree, ordered by when. seq breaks ties
// between equal deadlines so insertion order is preserved, matching the
// FIFO expectations elsewhere in the spec.
type deadlineEntry struct {
	rbtree.Node
	when  time.Time
	seq    uint64
	kind  deadlineKind
	id    int16 // streamID for deadlineRead, unused otherwise
	fire  func()
	fired bool
}

func (e *deadlineEntry) Less(other rbtree.Node) bool {
	o := other.(*deadlineEntry)
	if e.when.Equal(o.when) {
		return e.seq < o.seq
	}
	return e.when.Before(o.when)
}

// deadlineQueue is a shared ordered set of pending timeouts for one
// Connection (read timeouts and the idle heartbeat; the connect timeout is
// handled by Open with a context deadline and never scheduled here),
// backed by github.com/twmb/go-rbtree. Using one ordered structure instead
// of one time.Timer per in-flight request lets the connection rearm a
// single underlying timer (set to the queue's new minimum) whenever an
// entry is added or removed, which is the "schedule new before clearing
// old" discipline spec §5 calls for applied at the connection level
// instead of per-request.
type deadlineQueue struct {
	mu      sync.Mutex
	tree    rbtree.Tree
	nextSeq uint64
	byKey   map[int64]*deadlineEntry // (kind<<48 | streamID) -> entry, for cancellation
	timer   *time.Timer
	onFire  func(*deadlineEntry)
}

func newDeadlineQueue(onFire func(*deadlineEntry)) *deadlineQueue {
	return &deadlineQueue{
		byKey:  make(map[int64]*deadlineEntry),
		onFire: onFire,
	}
}

func deadlineKey(kind deadlineKind, id int16) int64 {
	return int64(kind)<<48 | int64(uint16(id))
}

// schedule installs (or, if one already exists for kind+id, replaces) a
// deadline at now+after. Replacing always inserts the new entry before
// removing the old one, per spec §5's "schedule-new-before-clear-old"
// guidance, to minimize the window with no armed timer.
func (q *deadlineQueue) schedule(kind deadlineKind, id int16, after time.Duration, fire func()) func() {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := deadlineKey(kind, id)
	entry := &deadlineEntry{
		when: time.Now().Add(after),
		seq:  q.nextSeq,
		kind: kind,
		id:   id,
		fire: fire,
	}
	q.nextSeq++
	q.tree.Insert(entry)

	if old, ok := q.byKey[key]; ok {
		old.fired = true // mark it so a concurrent tick skips it; removed from the tree right away
		q.tree.Delete(old)
	}
	q.byKey[key] = entry
	q.rearmLocked()

	return func() { q.cancel(key, entry) }
}

func (q *deadlineQueue) cancel(key int64, entry *deadlineEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if cur, ok := q.byKey[key]; ok && cur == entry {
		delete(q.byKey, key)
		entry.fired = true
		q.tree.Delete(entry)
		q.rearmLocked()
	}
}

// rearmLocked points the single underlying timer at the queue's current
// minimum deadline, or stops it if the queue is empty.
func (q *deadlineQueue) rearmLocked() {
	min, ok := q.tree.Min()
	if !ok {
		if q.timer != nil {
			q.timer.Stop()
		}
		return
	}
	entry := min.(*deadlineEntry)
	wait := time.Until(entry.when)
	if wait < 0 {
		wait = 0
	}
	if q.timer == nil {
		q.timer = time.AfterFunc(wait, q.tick)
	} else {
		q.timer.Reset(wait)
	}
}

// tick fires every expired entry at the head of the queue and rearms for
// the next one. It runs on the timer's goroutine; entries are delivered
// through q.onFire after q.mu is released, so the connection can take its
// own lock ordering.
func (q *deadlineQueue) tick() {
	q.mu.Lock()
	var fired []*deadlineEntry
	for {
		min, ok := q.tree.Min()
		if !ok {
			break
		}
		entry := min.(*deadlineEntry)
		if entry.when.After(time.Now()) {
			break
		}
		q.tree.Delete(entry)
		if !entry.fired {
			entry.fired = true
			delete(q.byKey, deadlineKey(entry.kind, entry.id))
			fired = append(fired, entry)
		}
	}
	q.rearmLocked()
	q.mu.Unlock()

	for _, entry := range fired {
		if q.onFire != nil {
			q.onFire(entry)
		} else if entry.fire != nil {
			entry.fire()
		}
	}
}

// stop halts the underlying timer. Pending entries are left in the tree
// but will never fire once stop has been called and no further schedule
// calls are made.
func (q *deadlineQueue) stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.timer != nil {
		q.timer.Stop()
	}
}
