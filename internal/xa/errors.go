package xa

import (
	"errors"
	"fmt"
)

// Code is an XA error code. The numeric values are the ones defined by the
// XA specification so they can be handed to a transaction manager unchanged.
type Code int

const (
	// ResourceError (XAER_RMERR): fatal, non-retryable resource manager error
	ResourceError Code = -3
	// UnknownBranch (XAER_NOTA): the Xid is not known by the resource manager
	UnknownBranch Code = -4
	// InvalidArgument (XAER_INVAL): null Xid or unsupported flags
	InvalidArgument Code = -5
	// ProtocolViolation (XAER_PROTO): routine invoked in an improper context
	ProtocolViolation Code = -6
	// ResourceManagerUnavailable (XAER_RMFAIL): transient, retryable failure
	ResourceManagerUnavailable Code = -7
	// DuplicateBranch (XAER_DUPID): the Xid already exists
	DuplicateBranch Code = -8
	// RollbackOnly (XA_RBROLLBACK): the branch was marked for rollback
	RollbackOnly Code = 100
)

func (c Code) String() string {
	switch c {
	case ResourceError:
		return "XAER_RMERR"
	case UnknownBranch:
		return "XAER_NOTA"
	case InvalidArgument:
		return "XAER_INVAL"
	case ProtocolViolation:
		return "XAER_PROTO"
	case ResourceManagerUnavailable:
		return "XAER_RMFAIL"
	case DuplicateBranch:
		return "XAER_DUPID"
	case RollbackOnly:
		return "XA_RBROLLBACK"
	default:
		return fmt.Sprintf("XA(%d)", int(c))
	}
}

// Retryable reports whether the transaction manager may retry the routine.
func (c Code) Retryable() bool {
	return c == ResourceManagerUnavailable
}

// Error is the error type returned by every Resource routine.
type Error struct {
	Code    Code    `json:"code"`
	Routine Routine `json:"routine"`
	Xid     Xid     `json:"-"`
	Err     error   `json:"cause,omitempty"`
}

// Sentinels for errors.Is; matching is by Code only.
var (
	ErrResourceError              = &Error{Code: ResourceError}
	ErrUnknownBranch              = &Error{Code: UnknownBranch}
	ErrInvalidArgument            = &Error{Code: InvalidArgument}
	ErrProtocolViolation          = &Error{Code: ProtocolViolation}
	ErrResourceManagerUnavailable = &Error{Code: ResourceManagerUnavailable}
	ErrDuplicateBranch            = &Error{Code: DuplicateBranch}
	ErrRollbackOnly               = &Error{Code: RollbackOnly}
)

func newError(code Code, routine Routine, xid Xid, cause error) *Error {
	return &Error{Code: code, Routine: routine, Xid: xid, Err: cause}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("XA error %s in %s for %s (caused by: %v)", e.Code, e.Routine, e.Xid, e.Err)
	}
	return fmt.Sprintf("XA error %s in %s for %s", e.Code, e.Routine, e.Xid)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error carrying the same Code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// CodeOf extracts the XA code from err. ok is false when err carries no *Error.
func CodeOf(err error) (code Code, ok bool) {
	var xe *Error
	if errors.As(err, &xe) {
		return xe.Code, true
	}
	return 0, false
}

// illegalTransition is the cause attached to ProtocolViolation errors.
type illegalTransition struct {
	from  BranchState
	to    string
	xid   Xid
	extra string
}

func (e *illegalTransition) Error() string {
	if e.extra != "" {
		return fmt.Sprintf("illegal transition %s -> %s for %s: %s", e.from, e.to, e.xid, e.extra)
	}
	return fmt.Sprintf("illegal transition %s -> %s for %s", e.from, e.to, e.xid)
}
