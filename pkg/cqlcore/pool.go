package cqlcore

import (
	"context"
	"sync"
)

// Pool lazily opens and caches one Connection per Host, the default
// ConnectionPool a RequestHandler is built against (spec §4.6
// collaborators). It is deliberately simple: one live connection per
// host, reopened on demand after a failure, with no pooling of multiple
// connections to the same host (multiplexing is already handled within a
// single Connection by its stream-id pool).
type Pool struct {
	cfg               *cfg
	preparedCache     *PreparedCache
	nodeEventCallback func(*NodeEvent)

	mu    sync.Mutex
	byKey map[string]*Connection

	reaper *reaper
}

func NewPool(c *cfg, preparedCache *PreparedCache, nodeEventCallback func(*NodeEvent)) *Pool {
	p := &Pool{
		cfg:               c,
		preparedCache:     preparedCache,
		nodeEventCallback: nodeEventCallback,
		byKey:             make(map[string]*Connection),
	}
	p.reaper = newReaper(p, c.idleTimeout)
	p.reaper.start()
	return p
}

// ConnectionFor returns a live Connection to h, reusing a cached one if
// it's still ready and opening a fresh one otherwise.
func (p *Pool) ConnectionFor(ctx context.Context, h Host) (*Connection, error) {
	key := h.Endpoint().String()

	p.mu.Lock()
	if cxn, ok := p.byKey[key]; ok {
		if cxn.State() == connReady {
			p.mu.Unlock()
			return cxn, nil
		}
		delete(p.byKey, key)
	}
	p.mu.Unlock()

	cxn, err := Open(ctx, p.cfg, h.Endpoint(), p.preparedCache, p.nodeEventCallback)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.byKey[key] = cxn
	p.mu.Unlock()
	return cxn, nil
}

// Close stops the reaper and closes every pooled connection.
func (p *Pool) Close() {
	p.reaper.close()
	p.mu.Lock()
	conns := p.byKey
	p.byKey = make(map[string]*Connection)
	p.mu.Unlock()
	for _, cxn := range conns {
		cxn.Close()
	}
}

// snapshot returns the currently pooled connections, for the reaper.
func (p *Pool) snapshot() []*Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Connection, 0, len(p.byKey))
	for _, cxn := range p.byKey {
		out = append(out, cxn)
	}
	return out
}

// evict drops cxn from the pool if it is still the entry cached for its
// endpoint, called by the reaper after closing an idle connection so a
// future ConnectionFor reopens rather than handing back a dead entry.
func (p *Pool) evict(cxn *Connection) {
	key := cxn.Endpoint().String()
	p.mu.Lock()
	if cur, ok := p.byKey[key]; ok && cur == cxn {
		delete(p.byKey, key)
	}
	p.mu.Unlock()
}
