// Package jta enlists ordinary database connections in the global
// transaction bound to the caller's context.
package jta

import (
	"context"
	"errors"
	"fmt"

	"github.com/Aidin1998/localxa/internal/xa"
)

// Status is the status of a global transaction.
type Status int

const (
	StatusActive Status = iota
	StatusMarkedRollback
	StatusPrepared
	StatusCommitted
	StatusRolledBack
	StatusUnknown
	StatusNoTransaction
	StatusPreparing
	StatusCommitting
	StatusRollingBack
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "ACTIVE"
	case StatusMarkedRollback:
		return "MARKED_ROLLBACK"
	case StatusPrepared:
		return "PREPARED"
	case StatusCommitted:
		return "COMMITTED"
	case StatusRolledBack:
		return "ROLLED_BACK"
	case StatusUnknown:
		return "UNKNOWN"
	case StatusNoTransaction:
		return "NO_TRANSACTION"
	case StatusPreparing:
		return "PREPARING"
	case StatusCommitting:
		return "COMMITTING"
	case StatusRollingBack:
		return "ROLLING_BACK"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// ErrRollback reports that the transaction was, or must be, rolled back.
var ErrRollback = errors.New("transaction rolled back")

// Transaction is a global transaction.
type Transaction interface {
	Status() (Status, error)
	// EnlistResource starts a branch of this transaction on r. It returns
	// false if the resource was not enlisted.
	EnlistResource(ctx context.Context, r xa.Resource) (bool, error)
	RegisterSynchronization(s Synchronization) error
	SetRollbackOnly() error
}

// TransactionSupplier returns the transaction bound to ctx, or nil.
type TransactionSupplier interface {
	Transaction(ctx context.Context) (Transaction, error)
}

// TransactionSupplierFunc adapts a function to TransactionSupplier.
type TransactionSupplierFunc func(ctx context.Context) (Transaction, error)

func (f TransactionSupplierFunc) Transaction(ctx context.Context) (Transaction, error) {
	return f(ctx)
}

// SynchronizationRegistry is the transaction-scoped registry of the
// transaction bound to ctx. Resources put into it are dropped when the
// transaction completes.
type SynchronizationRegistry interface {
	TransactionStatus(ctx context.Context) (Status, error)
	Resource(ctx context.Context, key any) (any, error)
	PutResource(ctx context.Context, key, value any) error
	RegisterInterposedSynchronization(ctx context.Context, s Synchronization) error
}

// Synchronization receives completion callbacks.
type Synchronization interface {
	BeforeCompletion()
	AfterCompletion(status Status)
}

// SyncFunc is a Synchronization that only cares about completion.
type SyncFunc func(status Status)

func (f SyncFunc) BeforeCompletion() {}

func (f SyncFunc) AfterCompletion(status Status) { f(status) }
