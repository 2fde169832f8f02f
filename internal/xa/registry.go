package xa

import (
	"sync"
	"sync/atomic"
)

// registry maps Xids to their live association. compute is atomic per key;
// the map lock is only held to find, create or drop an entry, so routines on
// different Xids do not wait for each other's database calls.
type registry struct {
	mu      sync.Mutex
	entries map[Xid]*entry
	live    atomic.Int64

	// onOpen and onClose, when set, are called as associations appear and
	// disappear.
	onOpen, onClose func()
}

type entry struct {
	mu    sync.Mutex
	assoc association
	refs  int
}

func newRegistry() *registry {
	return &registry{entries: make(map[Xid]*entry)}
}

// compute runs fn with the current association for xid (nil if none) and
// stores whatever fn returns, nil meaning remove. fn's error is returned as
// is; fn decides what to store on failure.
func (r *registry) compute(xid Xid, fn func(current association) (association, error)) error {
	r.mu.Lock()
	e, ok := r.entries[xid]
	if !ok {
		e = &entry{}
		r.entries[xid] = e
	}
	e.refs++
	r.mu.Unlock()

	e.mu.Lock()
	before := e.assoc
	next, err := fn(before)
	e.assoc = next
	switch {
	case before == nil && next != nil:
		r.live.Add(1)
		if r.onOpen != nil {
			r.onOpen()
		}
	case before != nil && next == nil:
		r.live.Add(-1)
		if r.onClose != nil {
			r.onClose()
		}
	}
	e.mu.Unlock()

	r.mu.Lock()
	e.refs--
	if e.refs == 0 {
		// Nobody else holds a reference, so e.mu is free or held only
		// briefly by get.
		e.mu.Lock()
		if e.assoc == nil {
			delete(r.entries, xid)
		}
		e.mu.Unlock()
	}
	r.mu.Unlock()
	return err
}

// get returns a snapshot of the association for xid.
func (r *registry) get(xid Xid) association {
	r.mu.Lock()
	e, ok := r.entries[xid]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.assoc
}

// len reports the number of live associations.
func (r *registry) len() int {
	return int(r.live.Load())
}
