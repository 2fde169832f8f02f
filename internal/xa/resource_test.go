package xa

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Aidin1998/localxa/pkg/metrics"
)

func newTestResource(t *testing.T, conn Conn, calls *int, opts ...Option) *LocalResource {
	t.Helper()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t)), WithName("test")}, opts...)
	return NewLocalResource(connectTo(conn, calls), opts...)
}

func TestTwoPhaseCommitLifecycle(t *testing.T) {
	ctx := context.Background()
	conn := newFakeConn()
	var calls int
	r := newTestResource(t, conn, &calls)
	xid := testXid("gtrid-1", "bqual-1")

	require.NoError(t, r.Start(ctx, xid, TMNoFlags))
	assert.Equal(t, StateActive, r.State(xid))
	assert.False(t, conn.AutoCommitValue(), "autocommit is switched off while the branch is active")
	assert.Equal(t, 1, calls)

	require.NoError(t, r.End(ctx, xid, TMSuccess))
	assert.Equal(t, StateIdle, r.State(xid))

	vote, err := r.Prepare(ctx, xid)
	require.NoError(t, err)
	assert.Equal(t, VoteOK, vote)
	assert.Equal(t, StatePrepared, r.State(xid))

	require.NoError(t, r.Commit(ctx, xid, false))
	assert.Equal(t, StateNonExistent, r.State(xid))
	assert.Equal(t, 0, r.ActiveBranches())
	assert.Equal(t, 1, conn.commits)
	assert.Equal(t, 0, conn.rollbacks)
	assert.True(t, conn.AutoCommitValue(), "autocommit is restored")
	assert.Equal(t, 1, calls, "connection function is only called by start")
}

func TestOnePhaseCommitFromIdle(t *testing.T) {
	ctx := context.Background()
	conn := newFakeConn()
	var calls int
	r := newTestResource(t, conn, &calls)
	xid := testXid("gtrid-1", "bqual-1")

	require.NoError(t, r.Start(ctx, xid, TMNoFlags))
	require.NoError(t, r.End(ctx, xid, TMSuccess))
	require.NoError(t, r.Commit(ctx, xid, true))

	assert.Equal(t, StateNonExistent, r.State(xid))
	assert.Equal(t, 1, conn.commits)
}

func TestStartDuplicateBranch(t *testing.T) {
	ctx := context.Background()
	conn := newFakeConn()
	var calls int
	r := newTestResource(t, conn, &calls)
	xid := testXid("gtrid-1", "bqual-1")

	require.NoError(t, r.Start(ctx, xid, TMNoFlags))
	err := r.Start(ctx, xid, TMNoFlags)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateBranch)
	assert.Equal(t, StateActive, r.State(xid), "existing association is unchanged")
	assert.Equal(t, 1, calls)
}

func TestUnknownBranch(t *testing.T) {
	ctx := context.Background()
	var calls int
	r := newTestResource(t, newFakeConn(), &calls)
	xid := testXid("missing", "")

	tests := []struct {
		name string
		call func() error
	}{
		{"join", func() error { return r.Start(ctx, xid, TMJoin) }},
		{"resume", func() error { return r.Start(ctx, xid, TMResume) }},
		{"end", func() error { return r.End(ctx, xid, TMSuccess) }},
		{"prepare", func() error { _, err := r.Prepare(ctx, xid); return err }},
		{"commit", func() error { return r.Commit(ctx, xid, false) }},
		{"rollback", func() error { return r.Rollback(ctx, xid) }},
		{"forget", func() error { return r.Forget(ctx, xid) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrUnknownBranch)
			code, ok := CodeOf(err)
			require.True(t, ok)
			assert.Equal(t, UnknownBranch, code)
		})
	}
	assert.Equal(t, 0, calls)
	assert.Equal(t, 0, r.ActiveBranches())
}

func TestNullXidAndUnsupportedFlags(t *testing.T) {
	ctx := context.Background()
	var calls int
	r := newTestResource(t, newFakeConn(), &calls)
	xid := testXid("gtrid-1", "bqual-1")

	assert.ErrorIs(t, r.Start(ctx, Xid{}, TMNoFlags), ErrInvalidArgument)
	assert.ErrorIs(t, r.End(ctx, Xid{}, TMSuccess), ErrInvalidArgument)
	_, err := r.Prepare(ctx, Xid{})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.ErrorIs(t, r.Commit(ctx, Xid{}, true), ErrInvalidArgument)
	assert.ErrorIs(t, r.Rollback(ctx, Xid{}), ErrInvalidArgument)
	assert.ErrorIs(t, r.Forget(ctx, Xid{}), ErrInvalidArgument)

	assert.ErrorIs(t, r.Start(ctx, xid, TMSuccess), ErrInvalidArgument)
	assert.ErrorIs(t, r.End(ctx, xid, TMJoin), ErrInvalidArgument)
	assert.Equal(t, 0, calls)
}

func TestSuspendAndResume(t *testing.T) {
	ctx := context.Background()
	conn := newFakeConn()
	var calls int
	r := newTestResource(t, conn, &calls)
	xid := testXid("gtrid-1", "bqual-1")

	require.NoError(t, r.Start(ctx, xid, TMNoFlags))
	require.NoError(t, r.End(ctx, xid, TMSuspend))
	assert.Equal(t, StateIdle, r.State(xid))

	// A suspended branch can only be resumed.
	assert.ErrorIs(t, r.Start(ctx, xid, TMJoin), ErrProtocolViolation)
	_, err := r.Prepare(ctx, xid)
	assert.ErrorIs(t, err, ErrProtocolViolation)
	assert.Equal(t, StateIdle, r.State(xid))

	require.NoError(t, r.Start(ctx, xid, TMResume))
	assert.Equal(t, StateActive, r.State(xid))

	// Resume needs a suspended branch.
	require.NoError(t, r.End(ctx, xid, TMSuccess))
	assert.ErrorIs(t, r.Start(ctx, xid, TMResume), ErrProtocolViolation)

	require.NoError(t, r.Start(ctx, xid, TMJoin))
	require.NoError(t, r.End(ctx, xid, TMSuccess))
	require.NoError(t, r.Rollback(ctx, xid))
	assert.Equal(t, 1, conn.rollbacks)
	assert.Equal(t, 1, calls)
}

func TestProtocolViolations(t *testing.T) {
	ctx := context.Background()
	conn := newFakeConn()
	var calls int
	r := newTestResource(t, conn, &calls)
	xid := testXid("gtrid-1", "bqual-1")

	require.NoError(t, r.Start(ctx, xid, TMNoFlags))

	// Non-completing routines and Forget leave the branch as it was.
	_, err := r.Prepare(ctx, xid)
	assert.ErrorIs(t, err, ErrProtocolViolation)
	assert.ErrorIs(t, r.Forget(ctx, xid), ErrProtocolViolation)
	assert.ErrorIs(t, r.Start(ctx, xid, TMJoin), ErrProtocolViolation)
	assert.Equal(t, StateActive, r.State(xid))
	assert.Equal(t, 0, conn.rollbacks)
	assert.False(t, conn.AutoCommitValue())

	// Commit out of turn discards the branch without committing its work.
	err = r.Commit(ctx, xid, false)
	assert.ErrorIs(t, err, ErrProtocolViolation)
	var transition *illegalTransition
	require.ErrorAs(t, err, &transition)
	assert.Equal(t, StateActive, transition.from)

	assert.Equal(t, StateNonExistent, r.State(xid))
	assert.Equal(t, 0, r.ActiveBranches())
	assert.Equal(t, 0, conn.commits)
	assert.Equal(t, 1, conn.rollbacks)
	assert.True(t, conn.AutoCommitValue(), "autocommit is restored")
	assert.ErrorIs(t, r.Rollback(ctx, xid), ErrUnknownBranch)

	// So does Rollback.
	other := testXid("gtrid-1", "bqual-2")
	require.NoError(t, r.Start(ctx, other, TMNoFlags))
	assert.ErrorIs(t, r.Rollback(ctx, other), ErrProtocolViolation)
	assert.Equal(t, StateNonExistent, r.State(other))
	assert.Equal(t, 2, conn.rollbacks)
	assert.True(t, conn.AutoCommitValue())
}

func TestDiscardFailureIsReported(t *testing.T) {
	ctx := context.Background()
	conn := newFakeConn()
	var calls int
	r := newTestResource(t, conn, &calls)
	xid := testXid("gtrid-1", "bqual-1")

	require.NoError(t, r.Start(ctx, xid, TMNoFlags))
	rollbackErr := errors.New("connection lost")
	conn.rollbackErr = rollbackErr

	err := r.Commit(ctx, xid, true)
	assert.ErrorIs(t, err, ErrProtocolViolation)
	assert.ErrorIs(t, err, rollbackErr)
	assert.Equal(t, StateNonExistent, r.State(xid))
}

func TestReadOnlyPrepare(t *testing.T) {
	ctx := context.Background()
	conn := newFakeConn()
	conn.readOnly = true
	var calls int
	r := newTestResource(t, conn, &calls)
	xid := testXid("gtrid-1", "bqual-1")

	require.NoError(t, r.Start(ctx, xid, TMNoFlags))
	require.NoError(t, r.End(ctx, xid, TMSuccess))

	vote, err := r.Prepare(ctx, xid)
	require.NoError(t, err)
	assert.Equal(t, VoteReadOnly, vote)
	assert.Equal(t, StateNonExistent, r.State(xid))
	assert.True(t, conn.AutoCommitValue())

	assert.ErrorIs(t, r.Commit(ctx, xid, false), ErrUnknownBranch)
	assert.Equal(t, 0, conn.commits)
}

func TestPrepareReadOnlyFailureLeavesBranch(t *testing.T) {
	ctx := context.Background()
	conn := newFakeConn()
	conn.readOnlyErr = errors.New("boom")
	var calls int
	r := newTestResource(t, conn, &calls)
	xid := testXid("gtrid-1", "bqual-1")

	require.NoError(t, r.Start(ctx, xid, TMNoFlags))
	require.NoError(t, r.End(ctx, xid, TMSuccess))

	_, err := r.Prepare(ctx, xid)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrResourceError)
	assert.Equal(t, StateIdle, r.State(xid))
}

func TestCommitFailureRemovesBranch(t *testing.T) {
	ctx := context.Background()
	conn := newFakeConn()
	commitErr := errors.New("commit refused")
	rollbackErr := errors.New("rollback refused")
	conn.commitErr = commitErr
	conn.rollbackErr = rollbackErr
	var calls int
	r := newTestResource(t, conn, &calls)
	xid := testXid("gtrid-1", "bqual-1")

	require.NoError(t, r.Start(ctx, xid, TMNoFlags))
	require.NoError(t, r.End(ctx, xid, TMSuccess))
	_, err := r.Prepare(ctx, xid)
	require.NoError(t, err)

	err = r.Commit(ctx, xid, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrResourceError)
	assert.ErrorIs(t, err, commitErr)
	assert.ErrorIs(t, err, rollbackErr, "compensating rollback error is chained")

	assert.Equal(t, StateNonExistent, r.State(xid))
	assert.Equal(t, 0, r.ActiveBranches())
	assert.Equal(t, 1, conn.rollbacks)
	assert.True(t, conn.AutoCommitValue(), "autocommit is restored even after a failed commit")
}

func TestConnectionFuncFailures(t *testing.T) {
	ctx := context.Background()
	xid := testXid("gtrid-1", "bqual-1")

	t.Run("error is classified", func(t *testing.T) {
		r := NewLocalResource(func(context.Context, Xid) (Conn, error) {
			return nil, fmt.Errorf("dial: %w", errors.New("refused"))
		}, WithLogger(zaptest.NewLogger(t)))
		err := r.Start(ctx, xid, TMNoFlags)
		assert.ErrorIs(t, err, ErrResourceError)
		assert.Equal(t, StateNonExistent, r.State(xid))
	})

	t.Run("nil connection", func(t *testing.T) {
		r := NewLocalResource(func(context.Context, Xid) (Conn, error) {
			return nil, nil
		}, WithLogger(zaptest.NewLogger(t)))
		err := r.Start(ctx, xid, TMNoFlags)
		assert.ErrorIs(t, err, ErrResourceError)
		assert.ErrorIs(t, err, errNoConnection)
		assert.Equal(t, 0, r.ActiveBranches())
	})

	t.Run("custom classifier", func(t *testing.T) {
		classifier := ClassifierFunc(func(routine Routine, err error) *Error {
			return &Error{Code: ResourceManagerUnavailable, Routine: routine, Err: err}
		})
		r := NewLocalResource(func(context.Context, Xid) (Conn, error) {
			return nil, errors.New("down")
		}, WithLogger(zaptest.NewLogger(t)), WithClassifier(classifier))
		err := r.Start(ctx, xid, TMNoFlags)
		assert.ErrorIs(t, err, ErrResourceManagerUnavailable)
		code, ok := CodeOf(err)
		require.True(t, ok)
		assert.True(t, code.Retryable())
	})
}

func TestRollbackOnlyAndHeuristic(t *testing.T) {
	ctx := context.Background()
	conn := newFakeConn()
	var calls int
	r := newTestResource(t, conn, &calls)
	first := testXid("gtrid-1", "a")
	second := testXid("gtrid-1", "b")

	require.NoError(t, r.Start(ctx, first, TMNoFlags))
	require.NoError(t, r.MarkRollbackOnly(ctx, first))
	assert.Equal(t, StateRollbackOnly, r.State(first))
	assert.ErrorIs(t, r.End(ctx, first, TMSuccess), ErrProtocolViolation)
	require.NoError(t, r.Rollback(ctx, first))
	assert.Equal(t, StateNonExistent, r.State(first))
	assert.Equal(t, 1, conn.rollbacks)

	require.NoError(t, r.Start(ctx, second, TMNoFlags))
	require.NoError(t, r.End(ctx, second, TMSuccess))
	assert.ErrorIs(t, r.MarkHeuristic(ctx, second), ErrProtocolViolation)
	_, err := r.Prepare(ctx, second)
	require.NoError(t, err)
	require.NoError(t, r.MarkHeuristic(ctx, second))
	assert.Equal(t, StateHeuristicallyCompleted, r.State(second))
	require.NoError(t, r.Forget(ctx, second))
	assert.Equal(t, StateNonExistent, r.State(second))
	assert.Equal(t, 2, conn.rollbacks, "forget only restores autocommit")
	assert.True(t, conn.AutoCommitValue())
}

func TestCommitRollbackOnlyBranch(t *testing.T) {
	ctx := context.Background()
	conn := newFakeConn()
	var calls int
	r := newTestResource(t, conn, &calls)
	xid := testXid("gtrid-1", "bqual-1")

	require.NoError(t, r.Start(ctx, xid, TMNoFlags))
	require.NoError(t, r.End(ctx, xid, TMFail))
	require.NoError(t, r.MarkRollbackOnly(ctx, xid))

	err := r.Commit(ctx, xid, true)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRollbackOnly)
	assert.ErrorIs(t, err, errMarkedRollbackOnly)
	code, ok := CodeOf(err)
	require.True(t, ok)
	assert.False(t, code.Retryable())

	assert.Equal(t, StateNonExistent, r.State(xid))
	assert.Equal(t, 0, r.ActiveBranches())
	assert.Equal(t, 0, conn.commits)
	assert.Equal(t, 1, conn.rollbacks)
	assert.True(t, conn.AutoCommitValue())
}

func TestCommitHeuristicBranchIsDiscarded(t *testing.T) {
	ctx := context.Background()
	conn := newFakeConn()
	var calls int
	r := newTestResource(t, conn, &calls)
	xid := testXid("gtrid-1", "bqual-1")

	require.NoError(t, r.Start(ctx, xid, TMNoFlags))
	require.NoError(t, r.End(ctx, xid, TMSuccess))
	_, err := r.Prepare(ctx, xid)
	require.NoError(t, err)
	require.NoError(t, r.MarkHeuristic(ctx, xid))

	assert.ErrorIs(t, r.Commit(ctx, xid, false), ErrProtocolViolation)
	assert.Equal(t, StateNonExistent, r.State(xid))
	assert.Equal(t, 1, conn.rollbacks, "heuristic work is not rolled back twice")
	assert.True(t, conn.AutoCommitValue())
	assert.ErrorIs(t, r.Forget(ctx, xid), ErrUnknownBranch)
}

func TestRecover(t *testing.T) {
	ctx := context.Background()
	var calls int
	r := newTestResource(t, newFakeConn(), &calls)

	for _, flags := range []Flags{TMNoFlags, TMStartRScan, TMEndRScan, TMStartRScan | TMEndRScan} {
		xids, err := r.Recover(ctx, flags)
		require.NoError(t, err, flags.String())
		assert.NotNil(t, xids)
		assert.Empty(t, xids)
	}

	_, err := r.Recover(ctx, TMJoin)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestResourceIdentityAndTimeouts(t *testing.T) {
	var calls int
	a := newTestResource(t, newFakeConn(), &calls)
	b := newTestResource(t, newFakeConn(), &calls)

	assert.True(t, a.IsSameRM(a))
	assert.False(t, a.IsSameRM(b))
	assert.False(t, a.IsSameRM(nil))
	assert.Zero(t, a.TransactionTimeout())
	assert.False(t, a.SetTransactionTimeout(30))
	assert.Equal(t, "test", a.Name())
}

func TestConcurrentBranches(t *testing.T) {
	ctx := context.Background()
	r := NewLocalResource(func(context.Context, Xid) (Conn, error) {
		return newFakeConn(), nil
	}, WithLogger(zaptest.NewLogger(t)))

	const n = 32
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			xid := testXid("gtrid", fmt.Sprintf("branch-%d", i))
			if err := r.Start(ctx, xid, TMNoFlags); err != nil {
				errs <- err
				return
			}
			if err := r.End(ctx, xid, TMSuccess); err != nil {
				errs <- err
				return
			}
			errs <- r.Commit(ctx, xid, true)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 0, r.ActiveBranches())
}

func TestResourceMetrics(t *testing.T) {
	ctx := context.Background()
	m := metrics.NewXAMetrics(prometheus.NewRegistry())
	var calls int
	r := newTestResource(t, newFakeConn(), &calls, WithMetrics(m))
	xid := testXid("gtrid-1", "bqual-1")

	require.NoError(t, r.Start(ctx, xid, TMNoFlags))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BranchesActive))
	require.NoError(t, r.End(ctx, xid, TMSuccess))
	_, err := r.Prepare(ctx, xid)
	require.NoError(t, err)
	require.NoError(t, r.Commit(ctx, xid, false))
	assert.ErrorIs(t, r.Commit(ctx, xid, false), ErrUnknownBranch)

	assert.Equal(t, 0.0, testutil.ToFloat64(m.BranchesActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Operations.WithLabelValues("commit", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Errors.WithLabelValues("commit", "XAER_NOTA")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PrepareVotes.WithLabelValues("ok")))
}
