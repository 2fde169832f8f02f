package jta

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Aidin1998/localxa/internal/xa"
	"github.com/Aidin1998/localxa/pkg/metrics"
)

var (
	errNothingOnLoan = errors.New("no connection is on loan to the resource")
	errNotTaken      = errors.New("resource did not take the connection")
)

// Handoff passes a connection to a resource's Start during enlistment and
// passes the branch Xid back. One exchange runs at a time. Share one Handoff
// between every resource and connection that must not interleave.
type Handoff struct {
	// mu serializes exchanges and is held across the transaction
	// manager's call into Start.
	mu sync.Mutex

	// slotMu guards the slot; Start runs on the exchanging goroutine while
	// mu is held, so the slot needs its own lock.
	slotMu sync.Mutex
	conn   xa.Conn
	xid    xa.Xid
	taken  bool

	metrics *metrics.XAMetrics
}

// NewHandoff creates a Handoff. m may be nil.
func NewHandoff(m *metrics.XAMetrics) *Handoff {
	return &Handoff{metrics: m}
}

// Exchange places conn in the slot and runs enlist, which must make the
// transaction manager call Start on a resource whose ConnectionFunc is
// h.Connection. It returns the Xid the resource took the connection for.
// enlisted is false when enlist reports the resource was not enlisted.
func (h *Handoff) Exchange(conn xa.Conn, enlist func() (bool, error)) (xid xa.Xid, enlisted bool, err error) {
	waitStart := time.Now()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.metrics.ObserveHandoffWait(time.Since(waitStart).Seconds())

	h.slotMu.Lock()
	h.conn, h.xid, h.taken = conn, xa.Xid{}, false
	h.slotMu.Unlock()

	defer func() {
		h.slotMu.Lock()
		h.conn, h.xid, h.taken = nil, xa.Xid{}, false
		h.slotMu.Unlock()
	}()

	enlisted, err = enlist()
	if err != nil || !enlisted {
		return xa.Xid{}, enlisted, err
	}

	h.slotMu.Lock()
	xid, taken := h.xid, h.taken
	h.slotMu.Unlock()
	if !taken {
		return xa.Xid{}, true, errNotTaken
	}
	return xid, true, nil
}

// Connection is the xa.ConnectionFunc of resources using this Handoff. It
// takes the connection on loan and leaves xid in its place.
func (h *Handoff) Connection(_ context.Context, xid xa.Xid) (xa.Conn, error) {
	h.slotMu.Lock()
	defer h.slotMu.Unlock()
	if h.conn == nil || h.taken {
		return nil, errNothingOnLoan
	}
	conn := h.conn
	h.conn, h.xid, h.taken = nil, xid, true
	return conn, nil
}
