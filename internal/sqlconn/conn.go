// Package sqlconn gives database/sql connections explicit autocommit,
// local transaction and savepoint control.
package sqlconn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Conn is a single database connection with explicit transaction control.
// With autocommit on every statement commits on its own; with autocommit off
// statements run in a local transaction that Commit or Rollback ends.
type Conn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)

	AutoCommit(ctx context.Context) (bool, error)
	SetAutoCommit(ctx context.Context, autoCommit bool) error
	ReadOnly(ctx context.Context) (bool, error)
	SetReadOnly(ctx context.Context, readOnly bool) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	Savepoint(ctx context.Context, name string) error
	ReleaseSavepoint(ctx context.Context, name string) error
	RollbackToSavepoint(ctx context.Context, name string) error

	Close() error
	IsClosed() bool
}

var (
	errAutoCommitSavepoint = errors.New("savepoints need autocommit off")
	errReadOnlyInTx        = errors.New("cannot change read-only while a transaction is in progress")
)

// LocalConn implements Conn over a *sql.Conn. The local transaction is begun
// lazily by the first statement after autocommit is switched off. All
// methods are safe for concurrent use; a transaction manager may complete the
// local transaction from another goroutine.
type LocalConn struct {
	mu         sync.Mutex
	conn       *sql.Conn
	tx         *sql.Tx
	autoCommit bool
	readOnly   bool
	isolation  sql.IsolationLevel
	closed     bool
}

// LocalOption configures a LocalConn.
type LocalOption func(*LocalConn)

// WithIsolation sets the isolation level of local transactions.
func WithIsolation(level sql.IsolationLevel) LocalOption {
	return func(c *LocalConn) { c.isolation = level }
}

// NewLocalConn wraps conn, which must not be used directly afterwards.
// Autocommit starts on.
func NewLocalConn(conn *sql.Conn, opts ...LocalOption) *LocalConn {
	c := &LocalConn{conn: conn, autoCommit: true}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *LocalConn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.autoCommit {
		return c.conn.ExecContext(ctx, query, args...)
	}
	tx, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	return tx.ExecContext(ctx, query, args...)
}

// QueryContext runs a query. Rows must be closed before the local
// transaction is committed or rolled back.
func (c *LocalConn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.autoCommit {
		return c.conn.QueryContext(ctx, query, args...)
	}
	tx, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	return tx.QueryContext(ctx, query, args...)
}

// begin returns the open local transaction, starting one if needed. The
// transaction outlives ctx: it is ended by Commit or Rollback, not by
// cancellation of the statement that started it.
func (c *LocalConn) begin(ctx context.Context) (*sql.Tx, error) {
	if c.tx != nil {
		return c.tx, nil
	}
	tx, err := c.conn.BeginTx(context.WithoutCancel(ctx), &sql.TxOptions{
		Isolation: c.isolation,
		ReadOnly:  c.readOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("begin local transaction: %w", err)
	}
	c.tx = tx
	return tx, nil
}

func (c *LocalConn) AutoCommit(context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, ErrClosed
	}
	return c.autoCommit, nil
}

// SetAutoCommit switches autocommit. Switching it on commits any open local
// transaction.
func (c *LocalConn) SetAutoCommit(_ context.Context, autoCommit bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if autoCommit == c.autoCommit {
		return nil
	}
	if autoCommit {
		if err := c.commit(); err != nil {
			return err
		}
	}
	c.autoCommit = autoCommit
	return nil
}

func (c *LocalConn) ReadOnly(context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, ErrClosed
	}
	return c.readOnly, nil
}

// SetReadOnly marks later local transactions read-only. It fails while a
// local transaction is open.
func (c *LocalConn) SetReadOnly(_ context.Context, readOnly bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.tx != nil && readOnly != c.readOnly {
		return errReadOnlyInTx
	}
	c.readOnly = readOnly
	return nil
}

// Commit commits the open local transaction, if any. It does nothing with
// autocommit on.
func (c *LocalConn) Commit(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return c.commit()
}

func (c *LocalConn) commit() error {
	if c.tx == nil {
		return nil
	}
	tx := c.tx
	c.tx = nil
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit local transaction: %w", err)
	}
	return nil
}

// Rollback rolls back the open local transaction, if any.
func (c *LocalConn) Rollback(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return c.rollback()
}

func (c *LocalConn) rollback() error {
	if c.tx == nil {
		return nil
	}
	tx := c.tx
	c.tx = nil
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback local transaction: %w", err)
	}
	return nil
}

func (c *LocalConn) Savepoint(ctx context.Context, name string) error {
	return c.savepointExec(ctx, "SAVEPOINT "+quoteIdent(name))
}

func (c *LocalConn) ReleaseSavepoint(ctx context.Context, name string) error {
	return c.savepointExec(ctx, "RELEASE SAVEPOINT "+quoteIdent(name))
}

func (c *LocalConn) RollbackToSavepoint(ctx context.Context, name string) error {
	return c.savepointExec(ctx, "ROLLBACK TO SAVEPOINT "+quoteIdent(name))
}

func (c *LocalConn) savepointExec(ctx context.Context, stmt string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.autoCommit {
		return errAutoCommitSavepoint
	}
	tx, err := c.begin(ctx)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("%s: %w", stmt, err)
	}
	return nil
}

// Close rolls back any open local transaction and returns the connection to
// its pool. Closing twice is a no-op.
func (c *LocalConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return errors.Join(c.rollback(), c.conn.Close())
}

func (c *LocalConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
