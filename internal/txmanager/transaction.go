package txmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Aidin1998/localxa/internal/jta"
	"github.com/Aidin1998/localxa/internal/xa"
)

// Transaction is a global transaction. It implements jta.Transaction.
type Transaction struct {
	ID        uuid.UUID
	CreatedAt time.Time
	TimeoutAt time.Time

	mgr   *Manager
	gtrid []byte

	mu         sync.Mutex
	status     jta.Status
	timedOut   bool
	branches   []*branch
	syncs      []jta.Synchronization
	interposed []jta.Synchronization
	resources  map[any]any
}

// branch is one resource enlisted in the transaction.
type branch struct {
	resource xa.Resource
	xid      xa.Xid
	ended    bool
	readOnly bool
}

// Status implements jta.Transaction.
func (tx *Transaction) Status() (jta.Status, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.status, nil
}

// Xids returns the branch Xids started so far.
func (tx *Transaction) Xids() []xa.Xid {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	xids := make([]xa.Xid, len(tx.branches))
	for i, b := range tx.branches {
		xids[i] = b.xid
	}
	return xids
}

// EnlistResource implements jta.Transaction. Every call starts a new branch
// of this transaction on r with TMNOFLAGS.
func (tx *Transaction) EnlistResource(ctx context.Context, r xa.Resource) (bool, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	switch tx.status {
	case jta.StatusActive:
	case jta.StatusMarkedRollback:
		return false, fmt.Errorf("enlist resource: %w", jta.ErrRollback)
	default:
		return false, fmt.Errorf("enlist resource (status %s): %w", tx.status, ErrNotActive)
	}

	xid, err := tx.mgr.newXid(tx)
	if err != nil {
		return false, err
	}
	if err := r.Start(ctx, xid, xa.TMNoFlags); err != nil {
		return false, fmt.Errorf("start branch %s: %w", xid, err)
	}
	tx.branches = append(tx.branches, &branch{resource: r, xid: xid})

	tx.mgr.logger.Debug("Enlisted resource in transaction",
		zap.String("transaction_id", tx.ID.String()),
		zap.Stringer("xid", xid),
		zap.Int("total_branches", len(tx.branches)))
	return true, nil
}

// RegisterSynchronization implements jta.Transaction.
func (tx *Transaction) RegisterSynchronization(s jta.Synchronization) error {
	return tx.registerSynchronization(s, false)
}

func (tx *Transaction) registerSynchronization(s jta.Synchronization, interposed bool) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	switch tx.status {
	case jta.StatusActive:
	case jta.StatusMarkedRollback:
		return fmt.Errorf("register synchronization: %w", jta.ErrRollback)
	default:
		return fmt.Errorf("register synchronization (status %s): %w", tx.status, ErrNotActive)
	}
	if interposed {
		tx.interposed = append(tx.interposed, s)
	} else {
		tx.syncs = append(tx.syncs, s)
	}
	return nil
}

// rollbackOnlyMarker is implemented by resources that can mark a branch
// rollback-only ahead of completion, such as xa.LocalResource.
type rollbackOnlyMarker interface {
	MarkRollbackOnly(ctx context.Context, xid xa.Xid) error
}

// SetRollbackOnly marks the transaction so that it can only roll back.
// Branches that are still associated are marked on their resources as well.
func (tx *Transaction) SetRollbackOnly() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	switch tx.status {
	case jta.StatusActive:
	case jta.StatusMarkedRollback:
		return nil
	default:
		return fmt.Errorf("set rollback only (status %s): %w", tx.status, ErrNotActive)
	}
	tx.status = jta.StatusMarkedRollback

	for _, b := range tx.branches {
		marker, ok := b.resource.(rollbackOnlyMarker)
		if !ok || b.ended {
			continue
		}
		if err := marker.MarkRollbackOnly(context.Background(), b.xid); err != nil {
			tx.mgr.logger.Warn("Failed to mark branch rollback-only",
				zap.String("transaction_id", tx.ID.String()),
				zap.Stringer("xid", b.xid),
				zap.Error(err))
			continue
		}
		// A rollback-only branch is no longer associated; it is only rolled back.
		b.ended = true
	}
	return nil
}

func (tx *Transaction) resource(key any) any {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.resources[key]
}

func (tx *Transaction) putResource(key, value any) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.completedLocked() {
		return fmt.Errorf("put resource (status %s): %w", tx.status, ErrNotActive)
	}
	tx.resources[key] = value
	return nil
}

func (tx *Transaction) markTimedOut() {
	tx.mu.Lock()
	tx.timedOut = true
	tx.mu.Unlock()
}

func (tx *Transaction) completed() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.completedLocked()
}

func (tx *Transaction) completedLocked() bool {
	switch tx.status {
	case jta.StatusActive, jta.StatusMarkedRollback:
		return false
	default:
		return true
	}
}

// Commit runs two-phase commit. A transaction marked rollback-only or past
// its deadline is rolled back instead and jta.ErrRollback is returned.
func (tx *Transaction) Commit(ctx context.Context) error {
	tx.mu.Lock()
	if err := tx.notActiveLocked("commit"); err != nil {
		tx.mu.Unlock()
		return err
	}
	if time.Now().After(tx.TimeoutAt) {
		tx.timedOut = true
	}
	if tx.status == jta.StatusMarkedRollback || tx.timedOut {
		tx.status = jta.StatusRollingBack
		tx.mu.Unlock()
		return tx.rollbackAfterFailedCommit(ctx, nil)
	}
	tx.mu.Unlock()

	tx.beforeCompletion()

	tx.mu.Lock()
	if err := tx.notActiveLocked("commit"); err != nil {
		tx.mu.Unlock()
		return err
	}
	if tx.status == jta.StatusMarkedRollback {
		tx.status = jta.StatusRollingBack
		tx.mu.Unlock()
		return tx.rollbackAfterFailedCommit(ctx, nil)
	}
	tx.status = jta.StatusPreparing
	branches := append([]*branch(nil), tx.branches...)
	tx.mu.Unlock()

	logger := tx.mgr.logger.With(zap.String("transaction_id", tx.ID.String()))

	for _, b := range branches {
		if err := b.resource.End(ctx, b.xid, xa.TMSuccess); err != nil {
			logger.Error("End failed", zap.Stringer("xid", b.xid), zap.Error(err))
			return tx.rollbackAfterFailedCommit(ctx, err)
		}
		b.ended = true
	}

	switch len(branches) {
	case 0:
		return tx.finish(jta.StatusCommitted, nil)
	case 1:
		// One-phase optimization
		tx.setStatus(jta.StatusCommitting)
		b := branches[0]
		if err := b.resource.Commit(ctx, b.xid, true); err != nil {
			logger.Error("One-phase commit failed", zap.Stringer("xid", b.xid), zap.Error(err))
			return tx.finish(jta.StatusRolledBack, fmt.Errorf("%w: one-phase commit: %w", jta.ErrRollback, err))
		}
		return tx.finish(jta.StatusCommitted, nil)
	}

	// Phase 1: prepare
	for _, b := range branches {
		vote, err := b.resource.Prepare(ctx, b.xid)
		if err != nil {
			logger.Error("Prepare failed", zap.Stringer("xid", b.xid), zap.Error(err))
			return tx.rollbackAfterFailedCommit(ctx, fmt.Errorf("prepare %s: %w", b.xid, err))
		}
		b.readOnly = vote == xa.VoteReadOnly
	}
	tx.setStatus(jta.StatusPrepared)

	// Phase 2: commit
	tx.setStatus(jta.StatusCommitting)
	var commitErrors []error
	for _, b := range branches {
		if b.readOnly {
			continue
		}
		if err := b.resource.Commit(ctx, b.xid, false); err != nil {
			logger.Error("Commit failed", zap.Stringer("xid", b.xid), zap.Error(err))
			commitErrors = append(commitErrors, err)
		}
	}
	if len(commitErrors) > 0 {
		logger.Error("Heuristic commit outcome", zap.Errors("errors", commitErrors))
		return tx.finish(jta.StatusUnknown, fmt.Errorf("%w: %w", ErrHeuristicMixed, errors.Join(commitErrors...)))
	}
	return tx.finish(jta.StatusCommitted, nil)
}

// rollbackAfterFailedCommit rolls back and reports jta.ErrRollback with cause.
func (tx *Transaction) rollbackAfterFailedCommit(ctx context.Context, cause error) error {
	tx.mu.Lock()
	tx.status = jta.StatusRollingBack
	timedOut := tx.timedOut
	tx.mu.Unlock()

	if cause == nil && timedOut {
		cause = ErrTimedOut
	}
	err := tx.rollbackBranches(ctx)
	if cause != nil {
		return fmt.Errorf("%w: %w", jta.ErrRollback, errors.Join(cause, err))
	}
	if err != nil {
		return fmt.Errorf("%w: %w", jta.ErrRollback, err)
	}
	return jta.ErrRollback
}

// Rollback rolls back every branch.
func (tx *Transaction) Rollback(ctx context.Context) error {
	tx.mu.Lock()
	if err := tx.notActiveLocked("rollback"); err != nil {
		tx.mu.Unlock()
		return err
	}
	tx.status = jta.StatusRollingBack
	tx.mu.Unlock()
	return tx.rollbackBranches(ctx)
}

// notActiveLocked returns an error once completion has begun. A
// transaction rolled back for timing out reports jta.ErrRollback.
func (tx *Transaction) notActiveLocked(op string) error {
	if !tx.completedLocked() {
		return nil
	}
	if tx.timedOut {
		return fmt.Errorf("%s: %w: %w", op, jta.ErrRollback, ErrTimedOut)
	}
	return fmt.Errorf("%s (status %s): %w", op, tx.status, ErrNotActive)
}

// rollbackBranches ends and rolls back every branch that needs it. The
// caller has set the status to rolling back.
func (tx *Transaction) rollbackBranches(ctx context.Context) error {
	tx.mu.Lock()
	branches := append([]*branch(nil), tx.branches...)
	tx.mu.Unlock()

	logger := tx.mgr.logger.With(zap.String("transaction_id", tx.ID.String()))

	var rollbackErrors []error
	for _, b := range branches {
		if b.readOnly {
			continue
		}
		if !b.ended {
			if err := b.resource.End(ctx, b.xid, xa.TMFail); err != nil {
				logger.Warn("End before rollback failed", zap.Stringer("xid", b.xid), zap.Error(err))
			}
			b.ended = true
		}
		if err := b.resource.Rollback(ctx, b.xid); err != nil {
			logger.Error("Rollback failed", zap.Stringer("xid", b.xid), zap.Error(err))
			rollbackErrors = append(rollbackErrors, err)
		}
	}
	if len(rollbackErrors) > 0 {
		return tx.finish(jta.StatusRolledBack, fmt.Errorf("rollback: %w", errors.Join(rollbackErrors...)))
	}
	return tx.finish(jta.StatusRolledBack, nil)
}

func (tx *Transaction) setStatus(status jta.Status) {
	tx.mu.Lock()
	tx.status = status
	tx.mu.Unlock()
}

// beforeCompletion runs plain synchronizations, then interposed ones.
// Synchronizations may register more while running.
func (tx *Transaction) beforeCompletion() {
	for i := 0; ; i++ {
		tx.mu.Lock()
		if i >= len(tx.syncs) {
			tx.mu.Unlock()
			break
		}
		s := tx.syncs[i]
		tx.mu.Unlock()
		s.BeforeCompletion()
	}
	for i := 0; ; i++ {
		tx.mu.Lock()
		if i >= len(tx.interposed) {
			tx.mu.Unlock()
			break
		}
		s := tx.interposed[i]
		tx.mu.Unlock()
		s.BeforeCompletion()
	}
}

// finish records the outcome, runs interposed then plain after-completion
// callbacks and drops the transaction's resources.
func (tx *Transaction) finish(status jta.Status, err error) error {
	tx.mu.Lock()
	tx.status = status
	interposed := append([]jta.Synchronization(nil), tx.interposed...)
	syncs := append([]jta.Synchronization(nil), tx.syncs...)
	tx.resources = make(map[any]any)
	timedOut := tx.timedOut
	tx.mu.Unlock()

	for _, s := range interposed {
		s.AfterCompletion(status)
	}
	for _, s := range syncs {
		s.AfterCompletion(status)
	}

	tx.mgr.forget(tx)

	outcome := "committed"
	switch {
	case status == jta.StatusUnknown:
		outcome = "heuristic"
	case status == jta.StatusRolledBack && timedOut:
		outcome = "timed_out"
	case status == jta.StatusRolledBack:
		outcome = "rolled_back"
	}
	tx.mgr.metrics.ObserveTransaction(outcome)

	if err != nil {
		tx.mgr.logger.Warn("Transaction completed with errors",
			zap.String("transaction_id", tx.ID.String()),
			zap.Stringer("status", status),
			zap.Error(err))
		return err
	}
	tx.mgr.logger.Debug("Transaction completed",
		zap.String("transaction_id", tx.ID.String()),
		zap.Stringer("status", status))
	return nil
}
