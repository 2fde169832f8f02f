package jta

import (
	"context"
	"database/sql"
	"errors"

	"go.uber.org/zap"

	"github.com/Aidin1998/localxa/internal/sqlconn"
	"github.com/Aidin1998/localxa/internal/xa"
	"github.com/Aidin1998/localxa/pkg/metrics"
)

const msgEnlisted = "Connection enlisted in transaction"

var errCloseableWhileEnlisted = errors.New("cannot make an enlisted connection closeable")

// enlistmentKey marks a Connection as enlisted in the registry of the
// transaction bound to ctx. The value stored under it is the branch Xid.
type enlistmentKey struct{ c *Connection }

// ConnectionConfig holds a Connection's collaborators.
type ConnectionConfig struct {
	// Resource is enlisted on first use inside a transaction; its
	// ConnectionFunc must be Handoff.Connection.
	Resource xa.Resource
	Handoff  *Handoff
	Supplier TransactionSupplier
	Registry SynchronizationRegistry

	// Interposed registers the completion callback as an interposed
	// synchronization instead of a plain transaction synchronization.
	Interposed bool
	// StrictClosedChecking fails every operation on a closed connection.
	StrictClosedChecking bool

	Logger  *zap.Logger
	Metrics *metrics.XAMetrics
}

// Connection is a connection that joins the global transaction bound to the
// caller's context the first time it is used inside it. While enlisted, the
// local transaction belongs to the transaction manager: explicit commit,
// rollback, savepoints and enabling autocommit are refused and Close is
// deferred until the transaction completes.
type Connection struct {
	raw  sqlconn.Conn
	conn *sqlconn.Closeable
	cfg  ConnectionConfig
	key  enlistmentKey
}

// NewConnection wraps raw.
func NewConnection(raw sqlconn.Conn, cfg ConnectionConfig) *Connection {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	c := &Connection{
		raw:  raw,
		conn: sqlconn.NewCloseable(raw, cfg.StrictClosedChecking),
		cfg:  cfg,
	}
	c.key = enlistmentKey{c: c}
	return c
}

// Xid returns the branch this connection is enlisted under in the
// transaction bound to ctx, or the zero Xid.
func (c *Connection) Xid(ctx context.Context) (xa.Xid, error) {
	status, err := c.cfg.Registry.TransactionStatus(ctx)
	if err != nil {
		return xa.Xid{}, transient(err)
	}
	if status == StatusNoTransaction {
		return xa.Xid{}, nil
	}
	v, err := c.cfg.Registry.Resource(ctx, c.key)
	if err != nil {
		return xa.Xid{}, transient(err)
	}
	xid, _ := v.(xa.Xid)
	return xid, nil
}

func (c *Connection) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if err := c.enlist(ctx); err != nil {
		return nil, err
	}
	return c.conn.ExecContext(ctx, query, args...)
}

func (c *Connection) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if err := c.enlist(ctx); err != nil {
		return nil, err
	}
	return c.conn.QueryContext(ctx, query, args...)
}

func (c *Connection) AutoCommit(ctx context.Context) (bool, error) {
	if err := c.enlist(ctx); err != nil {
		return false, err
	}
	return c.conn.AutoCommit(ctx)
}

// SetAutoCommit refuses to switch autocommit on while enlisted.
func (c *Connection) SetAutoCommit(ctx context.Context, autoCommit bool) error {
	if err := c.enlist(ctx); err != nil {
		return err
	}
	if autoCommit {
		if err := c.refuseIfEnlisted(ctx, sqlconn.StateInvalidTransactionState); err != nil {
			return err
		}
	}
	return c.conn.SetAutoCommit(ctx, autoCommit)
}

func (c *Connection) ReadOnly(ctx context.Context) (bool, error) {
	if err := c.enlist(ctx); err != nil {
		return false, err
	}
	return c.conn.ReadOnly(ctx)
}

func (c *Connection) SetReadOnly(ctx context.Context, readOnly bool) error {
	if err := c.enlist(ctx); err != nil {
		return err
	}
	return c.conn.SetReadOnly(ctx, readOnly)
}

func (c *Connection) Commit(ctx context.Context) error {
	if err := c.enlist(ctx); err != nil {
		return err
	}
	if err := c.refuseIfEnlisted(ctx, sqlconn.StateInvalidTransactionState); err != nil {
		return err
	}
	return c.conn.Commit(ctx)
}

func (c *Connection) Rollback(ctx context.Context) error {
	if err := c.enlist(ctx); err != nil {
		return err
	}
	if err := c.refuseIfEnlisted(ctx, sqlconn.StateInvalidTransactionState); err != nil {
		return err
	}
	return c.conn.Rollback(ctx)
}

func (c *Connection) Savepoint(ctx context.Context, name string) error {
	if err := c.enlist(ctx); err != nil {
		return err
	}
	if err := c.refuseIfEnlisted(ctx, sqlconn.StateSavepointInGlobalTransaction); err != nil {
		return err
	}
	return c.conn.Savepoint(ctx, name)
}

func (c *Connection) ReleaseSavepoint(ctx context.Context, name string) error {
	if err := c.enlist(ctx); err != nil {
		return err
	}
	if err := c.refuseIfEnlisted(ctx, sqlconn.StateSavepointInGlobalTransaction); err != nil {
		return err
	}
	return c.conn.ReleaseSavepoint(ctx, name)
}

func (c *Connection) RollbackToSavepoint(ctx context.Context, name string) error {
	if err := c.enlist(ctx); err != nil {
		return err
	}
	if err := c.refuseIfEnlisted(ctx, sqlconn.StateSavepointInGlobalTransaction); err != nil {
		return err
	}
	return c.conn.RollbackToSavepoint(ctx, name)
}

// Close closes the connection, or defers closing it until the transaction
// it is enlisted in completes.
func (c *Connection) Close() error {
	return c.conn.Close()
}

func (c *Connection) IsClosed() bool { return c.conn.IsClosed() }

// IsCloseable reports whether Close would close the connection now.
func (c *Connection) IsCloseable() bool { return c.conn.IsCloseable() }

// SetCloseable changes closeability. Making an enlisted connection
// closeable is refused; completion of the transaction does that.
func (c *Connection) SetCloseable(ctx context.Context, closeable bool) error {
	if closeable {
		enlisted, err := c.enlisted(ctx)
		if err != nil {
			return err
		}
		if enlisted {
			return errCloseableWhileEnlisted
		}
	}
	return c.conn.SetCloseable(closeable)
}

// Abort closes the connection whatever its enlistment. The transaction it
// was enlisted in will fail to complete its branch.
func (c *Connection) Abort() error {
	c.cfg.Logger.Warn("Aborting connection", zap.Bool("closeable", c.conn.IsCloseable()))
	return errors.Join(c.conn.SetCloseable(true), c.conn.Close())
}

func (c *Connection) refuseIfEnlisted(ctx context.Context, state string) error {
	enlisted, err := c.enlisted(ctx)
	if err != nil {
		return err
	}
	if enlisted {
		return sqlconn.NewStateError(state, false, msgEnlisted, nil)
	}
	return nil
}

// enlisted reports whether the transaction bound to ctx holds this
// connection's marker. A transaction marked for rollback still does.
func (c *Connection) enlisted(ctx context.Context) (bool, error) {
	status, err := c.cfg.Registry.TransactionStatus(ctx)
	if err != nil {
		return false, transient(err)
	}
	if status == StatusNoTransaction {
		return false, nil
	}
	v, err := c.cfg.Registry.Resource(ctx, c.key)
	if err != nil {
		return false, transient(err)
	}
	return v != nil, nil
}

func (c *Connection) activeTransaction(ctx context.Context) (bool, error) {
	status, err := c.cfg.Registry.TransactionStatus(ctx)
	if err != nil {
		return false, transient(err)
	}
	return status == StatusActive, nil
}

// enlist joins the transaction bound to ctx if there is an active one and
// this connection is not enlisted in it yet.
func (c *Connection) enlist(ctx context.Context) error {
	if c.cfg.StrictClosedChecking && c.conn.IsClosed() {
		return sqlconn.ErrClosed
	}
	active, err := c.activeTransaction(ctx)
	if err != nil || !active {
		return err
	}
	marker, err := c.cfg.Registry.Resource(ctx, c.key)
	if err != nil {
		return transient(err)
	}
	if marker != nil {
		return nil
	}

	// A local transaction may be in progress.
	autoCommit, err := c.raw.AutoCommit(ctx)
	if err != nil {
		return err
	}
	if !autoCommit {
		c.cfg.Metrics.ObserveEnlistment("rejected")
		return sqlconn.NewStateError(sqlconn.StateInvalidTransactionState, true,
			"autoCommit was false during transaction enlistment", nil)
	}

	// The transaction may have ended since the status check.
	tx, err := c.cfg.Supplier.Transaction(ctx)
	if err != nil {
		return transient(err)
	}
	if tx == nil {
		return nil
	}
	status, err := tx.Status()
	if err != nil {
		return transient(err)
	}
	if status != StatusActive {
		return nil
	}

	xid, ok, err := c.cfg.Handoff.Exchange(c.raw, func() (bool, error) {
		return tx.EnlistResource(ctx, c.cfg.Resource)
	})
	if err != nil {
		c.cfg.Metrics.ObserveEnlistment("failed")
		if errors.Is(err, ErrRollback) {
			return sqlconn.NewStateError(sqlconn.StateTransactionRollback, false, err.Error(), err)
		}
		return transient(err)
	}
	if !ok {
		c.cfg.Metrics.ObserveEnlistment("not_enlisted")
		return nil
	}

	if err := c.cfg.Registry.PutResource(ctx, c.key, xid); err != nil {
		return c.abandon(tx, xid, err)
	}
	if c.conn.IsCloseable() {
		var s Synchronization = SyncFunc(c.completed)
		if c.cfg.Interposed {
			err = c.cfg.Registry.RegisterInterposedSynchronization(ctx, s)
		} else {
			err = tx.RegisterSynchronization(s)
		}
		if err != nil {
			return c.abandon(tx, xid, err)
		}
		if err := c.conn.SetCloseable(false); err != nil {
			return c.abandon(tx, xid, err)
		}
	}

	c.cfg.Metrics.ObserveEnlistment("enlisted")
	c.cfg.Logger.Debug("Connection enlisted", zap.Stringer("xid", xid))
	return nil
}

// abandon handles a failure after the branch was started: the branch
// cannot be tracked, so the transaction is marked rollback-only and will
// roll the branch back at completion.
func (c *Connection) abandon(tx Transaction, xid xa.Xid, cause error) error {
	c.cfg.Metrics.ObserveEnlistment("failed")
	if err := tx.SetRollbackOnly(); err != nil {
		cause = errors.Join(cause, err)
	}
	c.cfg.Logger.Error("Enlistment could not be completed, transaction marked rollback-only",
		zap.Stringer("xid", xid),
		zap.Error(cause))
	return sqlconn.NewStateError(sqlconn.StateTransactionRollback, false,
		"enlistment could not be completed; the transaction will roll back", cause)
}

// completed restores closeability once the transaction has ended, whatever
// its outcome, and carries out a Close deferred meanwhile.
func (c *Connection) completed(status Status) {
	if err := c.conn.SetCloseable(true); err != nil {
		c.cfg.Logger.Error("Failed to close connection after transaction completion",
			zap.Stringer("status", status),
			zap.Error(err))
		return
	}
	c.cfg.Logger.Debug("Connection released from transaction", zap.Stringer("status", status))
}

func transient(err error) error {
	var stateErr *sqlconn.StateError
	if errors.As(err, &stateErr) {
		return err
	}
	return sqlconn.NewStateError(sqlconn.StateInvalidTransactionState, true, err.Error(), err)
}
