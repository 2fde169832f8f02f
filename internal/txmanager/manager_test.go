package txmanager_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Aidin1998/localxa/internal/jta"
	"github.com/Aidin1998/localxa/internal/txmanager"
	"github.com/Aidin1998/localxa/internal/xa"
	"github.com/Aidin1998/localxa/pkg/metrics"
)

// recordingResource is an xa.Resource that records the routines called on it.
type recordingResource struct {
	name string

	mu    sync.Mutex
	calls []string
	xids  []xa.Xid

	vote       xa.Vote
	prepareErr error
	commitErr  error
}

func (r *recordingResource) record(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recordingResource) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recordingResource) Start(_ context.Context, xid xa.Xid, flags xa.Flags) error {
	r.mu.Lock()
	r.xids = append(r.xids, xid)
	r.mu.Unlock()
	r.record(fmt.Sprintf("start:%d", flags))
	return nil
}

func (r *recordingResource) End(_ context.Context, _ xa.Xid, flags xa.Flags) error {
	switch flags {
	case xa.TMSuccess:
		r.record("end:success")
	case xa.TMFail:
		r.record("end:fail")
	default:
		r.record("end")
	}
	return nil
}

func (r *recordingResource) Prepare(context.Context, xa.Xid) (xa.Vote, error) {
	r.record("prepare")
	return r.vote, r.prepareErr
}

func (r *recordingResource) Commit(_ context.Context, _ xa.Xid, onePhase bool) error {
	if onePhase {
		r.record("commit:1pc")
	} else {
		r.record("commit:2pc")
	}
	return r.commitErr
}

func (r *recordingResource) Rollback(context.Context, xa.Xid) error {
	r.record("rollback")
	return nil
}

func (r *recordingResource) Forget(context.Context, xa.Xid) error {
	r.record("forget")
	return nil
}

func (r *recordingResource) Recover(context.Context, xa.Flags) ([]xa.Xid, error) {
	return nil, nil
}

func (r *recordingResource) IsSameRM(other xa.Resource) bool {
	o, ok := other.(*recordingResource)
	return ok && o == r
}

func (r *recordingResource) TransactionTimeout() time.Duration      { return 0 }
func (r *recordingResource) SetTransactionTimeout(time.Duration) bool { return false }

func newManager(t *testing.T, cfg txmanager.Config) (*txmanager.Manager, *metrics.XAMetrics) {
	t.Helper()
	m := metrics.NewXAMetrics(prometheus.NewRegistry())
	return txmanager.New(zaptest.NewLogger(t), m, cfg), m
}

func TestOnePhaseCommit(t *testing.T) {
	mgr, m := newManager(t, txmanager.Config{})
	ctx, tx, err := mgr.Begin(context.Background())
	require.NoError(t, err)

	r := &recordingResource{name: "a"}
	ok, err := tx.EnlistResource(ctx, r)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, mgr.Commit(ctx))
	assert.Equal(t, []string{"start:0", "end:success", "commit:1pc"}, r.Calls())
	assert.Equal(t, jta.StatusCommitted, mgr.Status(ctx))
	assert.Equal(t, 0, mgr.ActiveTransactions())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Transactions.WithLabelValues("committed")))
}

func TestTwoPhaseCommitWithReadOnlyVote(t *testing.T) {
	mgr, _ := newManager(t, txmanager.Config{FormatID: 7})
	ctx, tx, err := mgr.Begin(context.Background())
	require.NoError(t, err)

	writer := &recordingResource{name: "writer"}
	reader := &recordingResource{name: "reader", vote: xa.VoteReadOnly}
	_, err = tx.EnlistResource(ctx, writer)
	require.NoError(t, err)
	_, err = tx.EnlistResource(ctx, reader)
	require.NoError(t, err)

	xids := tx.Xids()
	require.Len(t, xids, 2)
	assert.True(t, xids[0].SameGlobalTransaction(xids[1]))
	assert.NotEqual(t, xids[0], xids[1])
	assert.Equal(t, int32(7), xids[0].FormatID())

	require.NoError(t, mgr.Commit(ctx))
	assert.Equal(t, []string{"start:0", "end:success", "prepare", "commit:2pc"}, writer.Calls())
	assert.Equal(t, []string{"start:0", "end:success", "prepare"}, reader.Calls())
}

func TestPrepareFailureRollsBack(t *testing.T) {
	mgr, m := newManager(t, txmanager.Config{})
	ctx, tx, err := mgr.Begin(context.Background())
	require.NoError(t, err)

	good := &recordingResource{name: "good"}
	bad := &recordingResource{name: "bad", prepareErr: errors.New("disk full")}
	_, err = tx.EnlistResource(ctx, good)
	require.NoError(t, err)
	_, err = tx.EnlistResource(ctx, bad)
	require.NoError(t, err)

	err = mgr.Commit(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, jta.ErrRollback)
	assert.Equal(t, []string{"start:0", "end:success", "prepare", "rollback"}, good.Calls())
	assert.Equal(t, []string{"start:0", "end:success", "prepare", "rollback"}, bad.Calls())
	assert.Equal(t, jta.StatusRolledBack, mgr.Status(ctx))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Transactions.WithLabelValues("rolled_back")))
}

func TestCommitFailureAfterPrepareIsHeuristic(t *testing.T) {
	mgr, _ := newManager(t, txmanager.Config{})
	ctx, tx, err := mgr.Begin(context.Background())
	require.NoError(t, err)

	_, err = tx.EnlistResource(ctx, &recordingResource{name: "a"})
	require.NoError(t, err)
	_, err = tx.EnlistResource(ctx, &recordingResource{name: "b", commitErr: errors.New("lost")})
	require.NoError(t, err)

	err = mgr.Commit(ctx)
	assert.ErrorIs(t, err, txmanager.ErrHeuristicMixed)
	assert.Equal(t, jta.StatusUnknown, mgr.Status(ctx))
}

func TestRollbackOnly(t *testing.T) {
	mgr, _ := newManager(t, txmanager.Config{})
	ctx, tx, err := mgr.Begin(context.Background())
	require.NoError(t, err)

	r := &recordingResource{name: "a"}
	_, err = tx.EnlistResource(ctx, r)
	require.NoError(t, err)
	require.NoError(t, mgr.SetRollbackOnly(ctx))

	_, err = tx.EnlistResource(ctx, &recordingResource{name: "late"})
	assert.ErrorIs(t, err, jta.ErrRollback)

	err = mgr.Commit(ctx)
	assert.ErrorIs(t, err, jta.ErrRollback)
	assert.Equal(t, []string{"start:0", "end:fail", "rollback"}, r.Calls())

	assert.ErrorIs(t, mgr.Commit(ctx), txmanager.ErrNotActive)
}

func TestSynchronizationOrder(t *testing.T) {
	mgr, _ := newManager(t, txmanager.Config{})
	ctx, tx, err := mgr.Begin(context.Background())
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		order []string
	)
	add := func(s string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, s)
	}
	require.NoError(t, tx.RegisterSynchronization(&recordingSync{name: "plain", add: add}))
	require.NoError(t, mgr.RegisterInterposedSynchronization(ctx, &recordingSync{name: "interposed", add: add}))
	require.NoError(t, mgr.PutResource(ctx, "key", "value"))

	v, err := mgr.Resource(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, "value", v)

	require.NoError(t, mgr.Commit(ctx))
	assert.Equal(t, []string{
		"plain:before", "interposed:before",
		"interposed:after:COMMITTED", "plain:after:COMMITTED",
	}, order)

	v, err = mgr.Resource(ctx, "key")
	require.NoError(t, err)
	assert.Nil(t, v, "resources are dropped at completion")
}

// markingResource also supports marking a branch rollback-only.
type markingResource struct {
	recordingResource
	marked []xa.Xid
}

func (r *markingResource) MarkRollbackOnly(_ context.Context, xid xa.Xid) error {
	r.record("mark-rollback-only")
	r.mu.Lock()
	defer r.mu.Unlock()
	r.marked = append(r.marked, xid)
	return nil
}

func TestRollbackOnlyMarksAssociatedBranches(t *testing.T) {
	mgr, m := newManager(t, txmanager.Config{})
	ctx, tx, err := mgr.Begin(context.Background())
	require.NoError(t, err)

	r := &markingResource{recordingResource: recordingResource{name: "a"}}
	_, err = tx.EnlistResource(ctx, r)
	require.NoError(t, err)

	require.NoError(t, mgr.SetRollbackOnly(ctx))
	require.NoError(t, mgr.SetRollbackOnly(ctx), "marking twice is harmless")
	assert.Equal(t, jta.StatusMarkedRollback, mgr.Status(ctx))
	assert.Equal(t, tx.Xids(), r.marked)

	err = mgr.Commit(ctx)
	assert.ErrorIs(t, err, jta.ErrRollback)
	assert.Equal(t, []string{"start:0", "mark-rollback-only", "rollback"}, r.Calls())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Transactions.WithLabelValues("rolled_back")))
}

type recordingSync struct {
	name string
	add  func(string)
}

func (s *recordingSync) BeforeCompletion() { s.add(s.name + ":before") }

func (s *recordingSync) AfterCompletion(status jta.Status) {
	s.add(s.name + ":after:" + status.String())
}

func TestBeginBindsContext(t *testing.T) {
	mgr, _ := newManager(t, txmanager.Config{})
	base := context.Background()

	assert.Equal(t, jta.StatusNoTransaction, mgr.Status(base))
	tx, err := mgr.Transaction(base)
	require.NoError(t, err)
	assert.Nil(t, tx)
	assert.ErrorIs(t, mgr.Commit(base), txmanager.ErrNoTransaction)
	_, err = mgr.Resource(base, "key")
	assert.ErrorIs(t, err, txmanager.ErrNoTransaction)

	ctx, _, err := mgr.Begin(base)
	require.NoError(t, err)
	_, _, err = mgr.Begin(ctx)
	assert.ErrorIs(t, err, txmanager.ErrNestedTransaction)

	require.NoError(t, mgr.Rollback(ctx))
	_, _, err = mgr.Begin(ctx)
	assert.NoError(t, err, "a completed transaction does not block a new one")
}

func TestTimeouts(t *testing.T) {
	t.Run("commit after deadline rolls back", func(t *testing.T) {
		mgr, _ := newManager(t, txmanager.Config{})
		ctx, tx, err := mgr.BeginWithTimeout(context.Background(), time.Millisecond)
		require.NoError(t, err)
		r := &recordingResource{name: "a"}
		_, err = tx.EnlistResource(ctx, r)
		require.NoError(t, err)

		time.Sleep(5 * time.Millisecond)
		err = mgr.Commit(ctx)
		assert.ErrorIs(t, err, jta.ErrRollback)
		assert.ErrorIs(t, err, txmanager.ErrTimedOut)
		assert.Equal(t, []string{"start:0", "end:fail", "rollback"}, r.Calls())
	})

	t.Run("reaper rolls back", func(t *testing.T) {
		mgr, m := newManager(t, txmanager.Config{
			DefaultTimeout: 10 * time.Millisecond,
			ReaperInterval: 5 * time.Millisecond,
		})
		mgr.Start()
		defer mgr.Stop()

		ctx, tx, err := mgr.Begin(context.Background())
		require.NoError(t, err)
		r := &recordingResource{name: "a"}
		_, err = tx.EnlistResource(ctx, r)
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			return mgr.Status(ctx) == jta.StatusRolledBack
		}, time.Second, 5*time.Millisecond)

		err = mgr.Commit(ctx)
		assert.ErrorIs(t, err, jta.ErrRollback)
		assert.ErrorIs(t, err, txmanager.ErrTimedOut)
		assert.Equal(t, 1.0, testutil.ToFloat64(m.Transactions.WithLabelValues("timed_out")))
	})
}

func TestStopRollsBackActiveTransactions(t *testing.T) {
	mgr, _ := newManager(t, txmanager.Config{})
	mgr.Start()

	ctx, tx, err := mgr.Begin(context.Background())
	require.NoError(t, err)
	r := &recordingResource{name: "a"}
	_, err = tx.EnlistResource(ctx, r)
	require.NoError(t, err)

	mgr.Stop()
	assert.Equal(t, jta.StatusRolledBack, mgr.Status(ctx))
	assert.Equal(t, []string{"start:0", "end:fail", "rollback"}, r.Calls())
}
