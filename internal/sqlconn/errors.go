package sqlconn

import "fmt"

// SQLSTATE values raised at connection level.
const (
	// StateConnectionDoesNotExist: operation on a closed connection
	StateConnectionDoesNotExist = "08003"
	// StateInvalidTransactionState: operation not allowed in the current transaction state
	StateInvalidTransactionState = "25000"
	// StateTransactionRollback: the transaction was rolled back
	StateTransactionRollback = "40000"
	// StateSavepointInGlobalTransaction: savepoint operation inside a global transaction
	StateSavepointInGlobalTransaction = "3B503"
)

// StateError is a connection-level error carrying a SQLSTATE. Transient
// errors may succeed if retried without intervention.
type StateError struct {
	State     string
	Transient bool
	Msg       string
	Err       error
}

// ErrClosed is returned for any operation on a closed connection when strict
// closed checking is on. errors.Is matches StateErrors by SQLSTATE.
var ErrClosed = &StateError{State: StateConnectionDoesNotExist, Msg: "connection is closed"}

// NewStateError creates a StateError.
func NewStateError(state string, transient bool, msg string, err error) *StateError {
	return &StateError{State: state, Transient: transient, Msg: msg, Err: err}
}

func (e *StateError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s [SQLSTATE %s]: %v", e.Msg, e.State, e.Err)
	}
	return fmt.Sprintf("%s [SQLSTATE %s]", e.Msg, e.State)
}

func (e *StateError) Unwrap() error { return e.Err }

// SQLState returns the five character SQLSTATE.
func (e *StateError) SQLState() string { return e.State }

// Is matches any *StateError with the same SQLSTATE.
func (e *StateError) Is(target error) bool {
	t, ok := target.(*StateError)
	return ok && t.State == e.State
}
