package xa

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Aidin1998/localxa/pkg/metrics"
)

const tracerName = "github.com/Aidin1998/localxa/internal/xa"

// Resource is the XA contract a transaction manager drives.
type Resource interface {
	Start(ctx context.Context, xid Xid, flags Flags) error
	End(ctx context.Context, xid Xid, flags Flags) error
	Prepare(ctx context.Context, xid Xid) (Vote, error)
	Commit(ctx context.Context, xid Xid, onePhase bool) error
	Rollback(ctx context.Context, xid Xid) error
	Forget(ctx context.Context, xid Xid) error
	Recover(ctx context.Context, flags Flags) ([]Xid, error)
	IsSameRM(other Resource) bool
	TransactionTimeout() time.Duration
	SetTransactionTimeout(timeout time.Duration) bool
}

// ConnectionFunc supplies the connection for a new branch. It is invoked
// exactly once per branch, by Start with TMNOFLAGS.
type ConnectionFunc func(ctx context.Context, xid Xid) (Conn, error)

var (
	errNullXid            = errors.New("null xid")
	errNoConnection       = errors.New("connection function returned no connection")
	errMarkedRollbackOnly = errors.New("branch is marked rollback-only")
)

// LocalResource makes local, non-XA connections take part in two-phase
// commit. Each branch owns one connection for its lifetime; the branch's
// work runs in that connection's local transaction and is committed or
// rolled back when the transaction manager completes the branch.
//
// LocalResource never persists anything, so Recover always returns an
// empty set and prepared branches do not survive a process restart.
type LocalResource struct {
	name       string
	connect    ConnectionFunc
	branches   *registry
	classifier Classifier
	logger     *zap.Logger
	metrics    *metrics.XAMetrics
	tracer     trace.Tracer
}

// Option configures a LocalResource.
type Option func(*LocalResource)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(r *LocalResource) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClassifier replaces DefaultClassifier.
func WithClassifier(c Classifier) Option {
	return func(r *LocalResource) {
		if c != nil {
			r.classifier = c
		}
	}
}

// WithMetrics enables prometheus instrumentation.
func WithMetrics(m *metrics.XAMetrics) Option {
	return func(r *LocalResource) { r.metrics = m }
}

// WithTracer sets the tracer used for per-routine spans. The default is the
// global tracer provider's.
func WithTracer(t trace.Tracer) Option {
	return func(r *LocalResource) {
		if t != nil {
			r.tracer = t
		}
	}
}

// WithName names the resource in logs and spans.
func WithName(name string) Option {
	return func(r *LocalResource) { r.name = name }
}

// NewLocalResource creates an adapter that obtains branch connections from connect.
func NewLocalResource(connect ConnectionFunc, opts ...Option) *LocalResource {
	r := &LocalResource{
		name:       "local",
		connect:    connect,
		branches:   newRegistry(),
		classifier: DefaultClassifier,
		logger:     zap.NewNop(),
		tracer:     otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.String("resource", r.name))
	r.branches.onOpen = r.metrics.BranchOpened
	r.branches.onClose = r.metrics.BranchClosed
	return r
}

// Name returns the name given with WithName.
func (r *LocalResource) Name() string { return r.name }

// Start associates a branch with a connection. TMNOFLAGS creates a new
// branch, TMJOIN re-activates an idle one and TMRESUME a suspended one.
func (r *LocalResource) Start(ctx context.Context, xid Xid, flags Flags) error {
	return r.observe(ctx, RoutineStart, xid, flags, func(ctx context.Context) error {
		if xid.IsZero() {
			return newError(InvalidArgument, RoutineStart, xid, errNullXid)
		}
		switch flags {
		case TMNoFlags:
			return r.begin(ctx, xid)
		case TMJoin:
			return r.transition(RoutineStart, xid, remapJoin)
		case TMResume:
			return r.transition(RoutineStart, xid, remapResume)
		default:
			return newError(InvalidArgument, RoutineStart, xid, fmt.Errorf("unsupported flags %s", flags))
		}
	})
}

func (r *LocalResource) begin(ctx context.Context, xid Xid) error {
	return r.branches.compute(xid, func(current association) (association, error) {
		if current != nil {
			return current, newError(DuplicateBranch, RoutineStart, xid, nil)
		}
		conn, err := r.connect(ctx, xid)
		if err != nil {
			return nil, r.classify(RoutineStart, xid, err)
		}
		if conn == nil {
			return nil, newError(ResourceError, RoutineStart, xid, errNoConnection)
		}
		a, err := newActiveBranch(ctx, xid, conn)
		if err != nil {
			return nil, r.classify(RoutineStart, xid, err)
		}
		return a, nil
	})
}

// End dissociates the branch from its connection. TMSUCCESS and TMFAIL
// leave it idle, TMSUSPEND leaves it idle and suspended.
func (r *LocalResource) End(ctx context.Context, xid Xid, flags Flags) error {
	return r.observe(ctx, RoutineEnd, xid, flags, func(ctx context.Context) error {
		if xid.IsZero() {
			return newError(InvalidArgument, RoutineEnd, xid, errNullXid)
		}
		switch flags {
		case TMSuccess, TMFail:
			return r.transition(RoutineEnd, xid, remapEnd)
		case TMSuspend:
			return r.transition(RoutineEnd, xid, remapSuspend)
		default:
			return newError(InvalidArgument, RoutineEnd, xid, fmt.Errorf("unsupported flags %s", flags))
		}
	})
}

// Prepare votes on the branch. A read-only connection votes VoteReadOnly
// and the branch is forgotten at once.
func (r *LocalResource) Prepare(ctx context.Context, xid Xid) (Vote, error) {
	vote := VoteOK
	err := r.observe(ctx, RoutinePrepare, xid, TMNoFlags, func(ctx context.Context) error {
		if xid.IsZero() {
			return newError(InvalidArgument, RoutinePrepare, xid, errNullXid)
		}
		return r.branches.compute(xid, func(current association) (association, error) {
			if current == nil {
				return nil, newError(UnknownBranch, RoutinePrepare, xid, nil)
			}
			idle, ok := current.(idleBranch)
			if !ok {
				return current, newError(ProtocolViolation, RoutinePrepare, xid,
					&illegalTransition{from: current.State(), to: "PREPARED", xid: xid})
			}
			prepared, err := idle.prepare()
			if err != nil {
				return current, newError(ProtocolViolation, RoutinePrepare, xid, err)
			}
			readOnly, err := idle.conn.ReadOnly(ctx)
			if err != nil {
				return current, r.classify(RoutinePrepare, xid, err)
			}
			if !readOnly {
				return prepared, nil
			}
			if err := idle.reset(ctx); err != nil {
				return current, r.classify(RoutinePrepare, xid, err)
			}
			vote = VoteReadOnly
			return nil, nil
		})
	})
	if err != nil {
		return VoteOK, err
	}
	r.metrics.ObserveVote(vote.String())
	return vote, nil
}

// Commit commits the branch's local transaction. A rollback-only branch is
// rolled back instead and reported as RollbackOnly. The branch is forgotten
// whatever the outcome, including a protocol violation.
func (r *LocalResource) Commit(ctx context.Context, xid Xid, onePhase bool) error {
	flags := TMNoFlags
	if onePhase {
		flags = TMOnePhase
	}
	return r.observe(ctx, RoutineCommit, xid, flags, func(ctx context.Context) error {
		if xid.IsZero() {
			return newError(InvalidArgument, RoutineCommit, xid, errNullXid)
		}
		return r.terminate(ctx, RoutineCommit, xid, true, []BranchState{StateIdle, StatePrepared, StateRollbackOnly}, func(a association) error {
			if _, ok := a.(rollbackOnlyBranch); ok {
				return newError(RollbackOnly, RoutineCommit, xid, errors.Join(errMarkedRollbackOnly, a.base().rollback(ctx)))
			}
			return a.base().commit(ctx)
		})
	})
}

// Rollback rolls back the branch's local transaction and forgets the
// branch, also when it is called in the wrong state.
func (r *LocalResource) Rollback(ctx context.Context, xid Xid) error {
	return r.observe(ctx, RoutineRollback, xid, TMNoFlags, func(ctx context.Context) error {
		if xid.IsZero() {
			return newError(InvalidArgument, RoutineRollback, xid, errNullXid)
		}
		return r.terminate(ctx, RoutineRollback, xid, true, []BranchState{StateIdle, StatePrepared, StateRollbackOnly}, func(a association) error {
			return a.base().rollback(ctx)
		})
	})
}

// Forget discards a heuristically completed branch.
func (r *LocalResource) Forget(ctx context.Context, xid Xid) error {
	return r.observe(ctx, RoutineForget, xid, TMNoFlags, func(ctx context.Context) error {
		if xid.IsZero() {
			return newError(InvalidArgument, RoutineForget, xid, errNullXid)
		}
		return r.terminate(ctx, RoutineForget, xid, false, []BranchState{StateHeuristicallyCompleted}, func(a association) error {
			return a.base().reset(ctx)
		})
	})
}

// Recover validates flags and reports no in-doubt branches; nothing is
// persisted across restarts.
func (r *LocalResource) Recover(ctx context.Context, flags Flags) ([]Xid, error) {
	err := r.observe(ctx, RoutineRecover, Xid{}, flags, func(context.Context) error {
		switch flags {
		case TMNoFlags, TMStartRScan, TMEndRScan, TMStartRScan | TMEndRScan:
			return nil
		default:
			return newError(InvalidArgument, RoutineRecover, Xid{}, fmt.Errorf("unsupported flags %s", flags))
		}
	})
	if err != nil {
		return nil, err
	}
	return []Xid{}, nil
}

// IsSameRM reports whether other is this very adapter.
func (r *LocalResource) IsSameRM(other Resource) bool {
	o, ok := other.(*LocalResource)
	return ok && o == r
}

// TransactionTimeout always returns 0; timeouts belong to the transaction manager.
func (r *LocalResource) TransactionTimeout() time.Duration { return 0 }

// SetTransactionTimeout is not supported and returns false.
func (r *LocalResource) SetTransactionTimeout(time.Duration) bool { return false }

// State returns the branch state of xid, StateNonExistent when unknown.
func (r *LocalResource) State(xid Xid) BranchState {
	a := r.branches.get(xid)
	if a == nil {
		return StateNonExistent
	}
	return a.State()
}

// ActiveBranches returns the number of branches currently associated.
func (r *LocalResource) ActiveBranches() int {
	return r.branches.len()
}

// MarkRollbackOnly moves an active or idle branch to the rollback-only
// state, after which Rollback completes it and Commit reports RollbackOnly.
// txmanager calls it for every associated branch on SetRollbackOnly.
func (r *LocalResource) MarkRollbackOnly(ctx context.Context, xid Xid) error {
	if xid.IsZero() {
		return newError(InvalidArgument, RoutineEnd, xid, errNullXid)
	}
	err := r.transition(RoutineEnd, xid, remapRollbackOnly)
	if err == nil {
		r.logger.Info("Branch marked rollback-only", zap.Stringer("xid", xid))
	}
	return err
}

// MarkHeuristic records a unilateral rollback of a prepared branch. The
// connection's work is rolled back and the branch waits for Forget. It is a
// hook for the host application, for example an operator tool resolving a
// prepared branch whose coordinator is gone; txmanager never calls it.
func (r *LocalResource) MarkHeuristic(ctx context.Context, xid Xid) error {
	if xid.IsZero() {
		return newError(InvalidArgument, RoutineForget, xid, errNullXid)
	}
	err := r.branches.compute(xid, func(current association) (association, error) {
		if current == nil {
			return nil, newError(UnknownBranch, RoutineForget, xid, nil)
		}
		prepared, ok := current.(preparedBranch)
		if !ok {
			return current, newError(ProtocolViolation, RoutineForget, xid,
				&illegalTransition{from: current.State(), to: "HEURISTICALLY_COMPLETED", xid: xid})
		}
		next, err := prepared.markHeuristic(ctx)
		if err != nil {
			return current, r.classify(RoutineForget, xid, err)
		}
		return next, nil
	})
	if err == nil {
		r.logger.Warn("Branch heuristically rolled back", zap.Stringer("xid", xid))
	}
	return err
}

// transition applies a non-terminal remapping to an existing branch. The
// branch is left untouched on failure.
func (r *LocalResource) transition(routine Routine, xid Xid, remap func(association) (association, error)) error {
	return r.branches.compute(xid, func(current association) (association, error) {
		if current == nil {
			return nil, newError(UnknownBranch, routine, xid, nil)
		}
		next, err := remap(current)
		if err != nil {
			return current, newError(ProtocolViolation, routine, xid, err)
		}
		return next, nil
	})
}

// terminate runs a completing routine against a branch in one of states and
// removes the branch whatever the outcome of run. A branch in any other
// state is discarded when discardIllegal is set and left untouched
// otherwise; either way the routine fails with ProtocolViolation.
func (r *LocalResource) terminate(ctx context.Context, routine Routine, xid Xid, discardIllegal bool, states []BranchState, run func(association) error) error {
	return r.branches.compute(xid, func(current association) (association, error) {
		if current == nil {
			return nil, newError(UnknownBranch, routine, xid, nil)
		}
		if !legal(current, states...) {
			var err error = &illegalTransition{from: current.State(), to: "NON_EXISTENT", xid: xid}
			if !discardIllegal {
				return current, newError(ProtocolViolation, routine, xid, err)
			}
			if dErr := discard(ctx, current); dErr != nil {
				r.logger.Warn("Failed to reset discarded branch", zap.Stringer("xid", xid), zap.Error(dErr))
				err = errors.Join(err, dErr)
			}
			return nil, newError(ProtocolViolation, routine, xid, err)
		}
		if err := run(current); err != nil {
			var xe *Error
			if errors.As(err, &xe) {
				return nil, xe
			}
			return nil, r.classify(routine, xid, err)
		}
		return nil, nil
	})
}

func (r *LocalResource) classify(routine Routine, xid Xid, err error) *Error {
	xe := r.classifier.Classify(routine, err)
	if xe == nil {
		xe = &Error{Code: ResourceError, Routine: routine, Err: err}
	}
	if xe.Xid.IsZero() && !xid.IsZero() {
		c := *xe
		c.Xid = xid
		return &c
	}
	return xe
}

func (r *LocalResource) observe(ctx context.Context, routine Routine, xid Xid, flags Flags, fn func(context.Context) error) error {
	ctx, span := r.tracer.Start(ctx, "xa."+routine.String(),
		trace.WithAttributes(
			attribute.String("xa.resource", r.name),
			attribute.String("xa.xid", xid.String()),
			attribute.String("xa.flags", flags.String()),
		))
	defer span.End()

	r.logger.Debug("XA routine started",
		zap.Stringer("routine", routine),
		zap.Stringer("xid", xid),
		zap.Stringer("flags", flags))

	err := fn(ctx)
	if err != nil {
		code := ResourceError
		if c, ok := CodeOf(err); ok {
			code = c
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, code.String())
		r.metrics.ObserveOperation(routine.String(), code.String())
		r.logger.Debug("XA routine failed",
			zap.Stringer("routine", routine),
			zap.Stringer("xid", xid),
			zap.Stringer("code", code),
			zap.Error(err))
		return err
	}

	r.metrics.ObserveOperation(routine.String(), "")
	r.logger.Debug("XA routine completed",
		zap.Stringer("routine", routine),
		zap.Stringer("xid", xid))
	return nil
}
