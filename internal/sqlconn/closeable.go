package sqlconn

import (
	"context"
	"database/sql"
	"sync"
)

// Closeable wraps a Conn whose Close only takes effect while it is
// closeable. A Close arriving while it is not closeable is remembered and
// carried out once closeability is restored.
//
// With strict closed checking every operation on a closed connection fails
// with ErrClosed before reaching the delegate.
type Closeable struct {
	delegate Conn
	strict   bool

	mu           sync.Mutex
	closeable    bool
	closePending bool
}

// NewCloseable wraps delegate. It starts closeable.
func NewCloseable(delegate Conn, strictClosedChecking bool) *Closeable {
	return &Closeable{delegate: delegate, strict: strictClosedChecking, closeable: true}
}

// Delegate returns the wrapped connection.
func (c *Closeable) Delegate() Conn { return c.delegate }

// IsCloseable reports whether Close would close the connection now.
func (c *Closeable) IsCloseable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeable && !c.delegate.IsClosed()
}

// SetCloseable changes closeability. Restoring it carries out a Close that
// was deferred while the connection was not closeable.
func (c *Closeable) SetCloseable(closeable bool) error {
	c.mu.Lock()
	c.closeable = closeable
	pending := closeable && c.closePending
	if pending {
		c.closePending = false
	}
	c.mu.Unlock()
	if pending {
		return c.delegate.Close()
	}
	return nil
}

// Close closes the connection if it is closeable and defers the close
// otherwise.
func (c *Closeable) Close() error {
	c.mu.Lock()
	if !c.closeable {
		c.closePending = !c.delegate.IsClosed()
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.delegate.Close()
}

// ClosePending reports whether a deferred Close is waiting.
func (c *Closeable) ClosePending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closePending
}

func (c *Closeable) IsClosed() bool { return c.delegate.IsClosed() }

func (c *Closeable) checkOpen() error {
	if c.strict && c.delegate.IsClosed() {
		return ErrClosed
	}
	return nil
}

func (c *Closeable) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return c.delegate.ExecContext(ctx, query, args...)
}

func (c *Closeable) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return c.delegate.QueryContext(ctx, query, args...)
}

func (c *Closeable) AutoCommit(ctx context.Context) (bool, error) {
	if err := c.checkOpen(); err != nil {
		return false, err
	}
	return c.delegate.AutoCommit(ctx)
}

func (c *Closeable) SetAutoCommit(ctx context.Context, autoCommit bool) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.delegate.SetAutoCommit(ctx, autoCommit)
}

func (c *Closeable) ReadOnly(ctx context.Context) (bool, error) {
	if err := c.checkOpen(); err != nil {
		return false, err
	}
	return c.delegate.ReadOnly(ctx)
}

func (c *Closeable) SetReadOnly(ctx context.Context, readOnly bool) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.delegate.SetReadOnly(ctx, readOnly)
}

func (c *Closeable) Commit(ctx context.Context) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.delegate.Commit(ctx)
}

func (c *Closeable) Rollback(ctx context.Context) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.delegate.Rollback(ctx)
}

func (c *Closeable) Savepoint(ctx context.Context, name string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.delegate.Savepoint(ctx, name)
}

func (c *Closeable) ReleaseSavepoint(ctx context.Context, name string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.delegate.ReleaseSavepoint(ctx, name)
}

func (c *Closeable) RollbackToSavepoint(ctx context.Context, name string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.delegate.RollbackToSavepoint(ctx, name)
}
