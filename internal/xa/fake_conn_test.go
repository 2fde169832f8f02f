package xa

import (
	"context"
	"sync"
)

// fakeConn records the calls the adapter makes on a connection.
type fakeConn struct {
	mu sync.Mutex

	autoCommit bool
	readOnly   bool

	commits   int
	rollbacks int
	autoSets  []bool

	commitErr     error
	rollbackErr   error
	readOnlyErr   error
	autoCommitErr error
	setAutoErr    error
}

func newFakeConn() *fakeConn {
	return &fakeConn{autoCommit: true}
}

func (c *fakeConn) AutoCommit(context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoCommit, c.autoCommitErr
}

func (c *fakeConn) SetAutoCommit(_ context.Context, autoCommit bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.setAutoErr != nil {
		return c.setAutoErr
	}
	c.autoSets = append(c.autoSets, autoCommit)
	c.autoCommit = autoCommit
	return nil
}

func (c *fakeConn) ReadOnly(context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readOnly, c.readOnlyErr
}

func (c *fakeConn) Commit(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commits++
	return c.commitErr
}

func (c *fakeConn) Rollback(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollbacks++
	return c.rollbackErr
}

func (c *fakeConn) AutoCommitValue() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoCommit
}

// connectTo returns a ConnectionFunc handing out conn and counting calls.
func connectTo(conn Conn, calls *int) ConnectionFunc {
	return func(context.Context, Xid) (Conn, error) {
		*calls++
		return conn, nil
	}
}

func testXid(gtrid, bqual string) Xid {
	return MustXid(4660, []byte(gtrid), []byte(bqual))
}
