package xa

import (
	"context"
	"errors"
	"fmt"
)

// BranchState is the XA branch state of an association (X/Open XA table 6-4).
type BranchState int

const (
	StateNonExistent BranchState = iota
	StateActive
	StateIdle
	StatePrepared
	StateRollbackOnly
	StateHeuristicallyCompleted
)

func (s BranchState) String() string {
	switch s {
	case StateNonExistent:
		return "NON_EXISTENT"
	case StateActive:
		return "ACTIVE"
	case StateIdle:
		return "IDLE"
	case StatePrepared:
		return "PREPARED"
	case StateRollbackOnly:
		return "ROLLBACK_ONLY"
	case StateHeuristicallyCompleted:
		return "HEURISTICALLY_COMPLETED"
	default:
		return fmt.Sprintf("BranchState(%d)", int(s))
	}
}

// Conn is what the adapter needs from a local database connection.
type Conn interface {
	AutoCommit(ctx context.Context) (bool, error)
	SetAutoCommit(ctx context.Context, autoCommit bool) error
	ReadOnly(ctx context.Context) (bool, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// association is one live branch. Each branch state is its own type and
// transitions are methods defined only on their legal source states; every
// transition returns a new value. The non-existent state is the absence of
// an association.
type association interface {
	State() BranchState
	base() branch
}

// branch holds what every association carries. The connection is owned by
// the association for as long as it exists.
type branch struct {
	xid             Xid
	conn            Conn
	priorAutoCommit bool
}

type activeBranch struct{ branch }

// idleBranch is the only state that can be suspended.
type idleBranch struct {
	branch
	suspended bool
}

type preparedBranch struct{ branch }

type rollbackOnlyBranch struct{ branch }

type heuristicBranch struct{ branch }

func (a activeBranch) State() BranchState       { return StateActive }
func (a idleBranch) State() BranchState         { return StateIdle }
func (a preparedBranch) State() BranchState     { return StatePrepared }
func (a rollbackOnlyBranch) State() BranchState { return StateRollbackOnly }
func (a heuristicBranch) State() BranchState    { return StateHeuristicallyCompleted }

func (b branch) base() branch { return b }

// newActiveBranch creates the association for start(TMNOFLAGS). The
// connection's autocommit is captured and switched off so the branch's work
// runs in a local transaction.
func newActiveBranch(ctx context.Context, xid Xid, conn Conn) (activeBranch, error) {
	autoCommit, err := conn.AutoCommit(ctx)
	if err != nil {
		return activeBranch{}, fmt.Errorf("read autocommit: %w", err)
	}
	if autoCommit {
		if err := conn.SetAutoCommit(ctx, false); err != nil {
			return activeBranch{}, fmt.Errorf("disable autocommit: %w", err)
		}
	}
	return activeBranch{branch{xid: xid, conn: conn, priorAutoCommit: autoCommit}}, nil
}

// end(TMSUCCESS|TMFAIL): Active -> Idle
func (a activeBranch) end() idleBranch {
	return idleBranch{branch: a.branch}
}

// end(TMSUSPEND): Active -> Idle, suspended
func (a activeBranch) suspend() idleBranch {
	return idleBranch{branch: a.branch, suspended: true}
}

// Active -> RollbackOnly
func (a activeBranch) markRollbackOnly() rollbackOnlyBranch {
	return rollbackOnlyBranch{a.branch}
}

// start(TMJOIN): Idle -> Active
func (a idleBranch) join() (activeBranch, error) {
	if a.suspended {
		return activeBranch{}, a.illegal("ACTIVE", "branch is suspended; use TMRESUME")
	}
	return activeBranch{a.branch}, nil
}

// start(TMRESUME): Idle, suspended -> Active
func (a idleBranch) resume() (activeBranch, error) {
	if !a.suspended {
		return activeBranch{}, a.illegal("ACTIVE", "branch is not suspended")
	}
	return activeBranch{a.branch}, nil
}

// prepare: Idle -> Prepared
func (a idleBranch) prepare() (preparedBranch, error) {
	if a.suspended {
		return preparedBranch{}, a.illegal("PREPARED", "branch is suspended")
	}
	return preparedBranch{a.branch}, nil
}

// Idle -> RollbackOnly
func (a idleBranch) markRollbackOnly() (rollbackOnlyBranch, error) {
	if a.suspended {
		return rollbackOnlyBranch{}, a.illegal("ROLLBACK_ONLY", "branch is suspended")
	}
	return rollbackOnlyBranch{a.branch}, nil
}

// Prepared -> HeuristicallyCompleted. The local work is rolled back
// unilaterally; the association stays until forget.
func (a preparedBranch) markHeuristic(ctx context.Context) (heuristicBranch, error) {
	if err := a.conn.Rollback(ctx); err != nil {
		return heuristicBranch{}, fmt.Errorf("heuristic rollback: %w", err)
	}
	return heuristicBranch{a.branch}, nil
}

func (a idleBranch) illegal(to, why string) error {
	return &illegalTransition{from: StateIdle, to: to, xid: a.xid, extra: why}
}

// commit runs the local commit and resets the connection. A failed commit
// is followed by a compensating rollback; every failure is chained.
func (b branch) commit(ctx context.Context) error {
	err := b.conn.Commit(ctx)
	if err != nil {
		if rbErr := b.conn.Rollback(ctx); rbErr != nil {
			err = errors.Join(err, fmt.Errorf("compensating rollback: %w", rbErr))
		}
	}
	return errors.Join(err, b.reset(ctx))
}

// rollback runs the local rollback and resets the connection.
func (b branch) rollback(ctx context.Context) error {
	err := b.conn.Rollback(ctx)
	return errors.Join(err, b.reset(ctx))
}

// discard drops a branch that is completed out of turn. Pending local work
// is rolled back before autocommit is restored, since switching autocommit
// back on would commit it.
func discard(ctx context.Context, a association) error {
	if h, ok := a.(heuristicBranch); ok {
		return h.reset(ctx)
	}
	return a.base().rollback(ctx)
}

// reset restores the autocommit captured when the branch was created.
func (b branch) reset(ctx context.Context) error {
	if err := b.conn.SetAutoCommit(ctx, b.priorAutoCommit); err != nil {
		return fmt.Errorf("restore autocommit=%t: %w", b.priorAutoCommit, err)
	}
	return nil
}

// The functions below are the remapping functions handed to the registry.
// Each pattern-matches the current association and returns the next one; a
// nil result removes the entry.

func remapJoin(a association) (association, error) {
	switch b := a.(type) {
	case idleBranch:
		return b.join()
	default:
		return a, &illegalTransition{from: a.State(), to: "ACTIVE", xid: a.base().xid}
	}
}

func remapResume(a association) (association, error) {
	switch b := a.(type) {
	case idleBranch:
		return b.resume()
	default:
		return a, &illegalTransition{from: a.State(), to: "ACTIVE", xid: a.base().xid}
	}
}

func remapEnd(a association) (association, error) {
	switch b := a.(type) {
	case activeBranch:
		return b.end(), nil
	default:
		return a, &illegalTransition{from: a.State(), to: "IDLE", xid: a.base().xid}
	}
}

func remapSuspend(a association) (association, error) {
	switch b := a.(type) {
	case activeBranch:
		return b.suspend(), nil
	default:
		return a, &illegalTransition{from: a.State(), to: "IDLE(suspended)", xid: a.base().xid}
	}
}

func remapRollbackOnly(a association) (association, error) {
	switch b := a.(type) {
	case activeBranch:
		return b.markRollbackOnly(), nil
	case idleBranch:
		return b.markRollbackOnly()
	default:
		return a, &illegalTransition{from: a.State(), to: "ROLLBACK_ONLY", xid: a.base().xid}
	}
}

// legal reports whether a's state is one of states.
func legal(a association, states ...BranchState) bool {
	s := a.State()
	for _, candidate := range states {
		if s == candidate {
			return true
		}
	}
	return false
}
