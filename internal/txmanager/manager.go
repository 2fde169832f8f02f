// Package txmanager implements an in-process XA transaction manager that
// binds global transactions to a context.Context and drives two-phase
// commit over xa.Resource participants.
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
	"github.com/Aidin1998/localxa/pkg/metrics"
)

var (
	ErrNoTransaction     = errors.New("no transaction bound to context")
	ErrNestedTransaction = errors.New("a transaction is already bound to context")
	ErrNotActive         = errors.New("transaction is not active")
	ErrHeuristicMixed    = errors.New("heuristic mixed outcome")
	ErrTimedOut          = errors.New("transaction timed out")
)

// Config tunes a Manager.
type Config struct {
	// DefaultTimeout bounds a transaction's lifetime. Zero means 5 minutes.
	DefaultTimeout time.Duration
	// ReaperInterval is how often timed out transactions are rolled back.
	// Zero means 30 seconds.
	ReaperInterval time.Duration
	// FormatID is the Xid format identifier of generated Xids.
	FormatID int32
}

// DefaultFormatID is used when Config.FormatID is zero.
const DefaultFormatID int32 = 0x4c58

// Manager manages global transactions. A transaction is bound to the
// context returned by Begin; every other method finds it there.
type Manager struct {
	logger  *zap.Logger
	metrics *metrics.XAMetrics
	cfg     Config

	mu           sync.RWMutex
	transactions map[uuid.UUID]*Transaction

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

type ctxKey struct{}

// New creates a Manager. m may be nil.
func New(logger *zap.Logger, m *metrics.XAMetrics, cfg Config) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}
	if cfg.ReaperInterval <= 0 {
		cfg.ReaperInterval = 30 * time.Second
	}
	if cfg.FormatID == 0 {
		cfg.FormatID = DefaultFormatID
	}
	return &Manager{
		logger:       logger,
		metrics:      m,
		cfg:          cfg,
		transactions: make(map[uuid.UUID]*Transaction),
		stopChan:     make(chan struct{}),
	}
}

// FromContext returns the transaction bound to ctx, or nil.
func FromContext(ctx context.Context) *Transaction {
	tx, _ := ctx.Value(ctxKey{}).(*Transaction)
	return tx
}

// Begin starts a transaction with the default timeout.
func (m *Manager) Begin(ctx context.Context) (context.Context, *Transaction, error) {
	return m.BeginWithTimeout(ctx, 0)
}

// BeginWithTimeout starts a transaction and binds it to the returned context.
func (m *Manager) BeginWithTimeout(ctx context.Context, timeout time.Duration) (context.Context, *Transaction, error) {
	if current := FromContext(ctx); current != nil && !current.completed() {
		return ctx, nil, ErrNestedTransaction
	}
	if timeout <= 0 {
		timeout = m.cfg.DefaultTimeout
	}

	id := uuid.New()
	now := time.Now()
	tx := &Transaction{
		ID:        id,
		mgr:       m,
		gtrid:     id[:],
		status:    jta.StatusActive,
		resources: make(map[any]any),
		CreatedAt: now,
		TimeoutAt: now.Add(timeout),
	}

	m.mu.Lock()
	m.transactions[id] = tx
	m.mu.Unlock()

	m.logger.Debug("Started transaction",
		zap.String("transaction_id", id.String()),
		zap.Time("timeout_at", tx.TimeoutAt))

	return context.WithValue(ctx, ctxKey{}, tx), tx, nil
}

// Commit completes the transaction bound to ctx.
func (m *Manager) Commit(ctx context.Context) error {
	tx := FromContext(ctx)
	if tx == nil {
		return ErrNoTransaction
	}
	return tx.Commit(ctx)
}

// Rollback rolls back the transaction bound to ctx.
func (m *Manager) Rollback(ctx context.Context) error {
	tx := FromContext(ctx)
	if tx == nil {
		return ErrNoTransaction
	}
	return tx.Rollback(ctx)
}

// SetRollbackOnly marks the transaction bound to ctx so it can only roll back.
func (m *Manager) SetRollbackOnly(ctx context.Context) error {
	tx := FromContext(ctx)
	if tx == nil {
		return ErrNoTransaction
	}
	return tx.SetRollbackOnly()
}

// Status returns the status of the transaction bound to ctx.
func (m *Manager) Status(ctx context.Context) jta.Status {
	tx := FromContext(ctx)
	if tx == nil {
		return jta.StatusNoTransaction
	}
	status, _ := tx.Status()
	return status
}

// Transaction implements jta.TransactionSupplier.
func (m *Manager) Transaction(ctx context.Context) (jta.Transaction, error) {
	tx := FromContext(ctx)
	if tx == nil {
		return nil, nil
	}
	return tx, nil
}

// TransactionStatus implements jta.SynchronizationRegistry.
func (m *Manager) TransactionStatus(ctx context.Context) (jta.Status, error) {
	return m.Status(ctx), nil
}

// Resource implements jta.SynchronizationRegistry.
func (m *Manager) Resource(ctx context.Context, key any) (any, error) {
	tx := FromContext(ctx)
	if tx == nil {
		return nil, ErrNoTransaction
	}
	return tx.resource(key), nil
}

// PutResource implements jta.SynchronizationRegistry.
func (m *Manager) PutResource(ctx context.Context, key, value any) error {
	tx := FromContext(ctx)
	if tx == nil {
		return ErrNoTransaction
	}
	return tx.putResource(key, value)
}

// RegisterInterposedSynchronization implements jta.SynchronizationRegistry.
func (m *Manager) RegisterInterposedSynchronization(ctx context.Context, s jta.Synchronization) error {
	tx := FromContext(ctx)
	if tx == nil {
		return ErrNoTransaction
	}
	return tx.registerSynchronization(s, true)
}

// ActiveTransactions returns the number of transactions not yet completed.
func (m *Manager) ActiveTransactions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.transactions)
}

// Start runs the reaper that rolls back timed out transactions.
func (m *Manager) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.ReaperInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.reap(time.Now())
			case <-m.stopChan:
				return
			}
		}
	}()
}

// reap rolls back active transactions past their deadline.
func (m *Manager) reap(now time.Time) {
	for _, tx := range m.snapshot() {
		if !now.After(tx.TimeoutAt) {
			continue
		}
		if status, _ := tx.Status(); status != jta.StatusActive && status != jta.StatusMarkedRollback {
			continue
		}
		m.logger.Warn("Found timed out transaction, rolling back",
			zap.String("transaction_id", tx.ID.String()))

		tx.markTimedOut()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, ErrNotActive) {
			m.logger.Error("Failed to roll back timed out transaction",
				zap.String("transaction_id", tx.ID.String()),
				zap.Error(err))
		}
		cancel()
	}
}

// Stop stops the reaper and rolls back every transaction still active.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
	m.wg.Wait()

	for _, tx := range m.snapshot() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, ErrNotActive) {
			m.logger.Error("Failed to roll back transaction on stop",
				zap.String("transaction_id", tx.ID.String()),
				zap.Error(err))
		}
		cancel()
	}

	m.logger.Info("Transaction manager stopped")
}

func (m *Manager) snapshot() []*Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	txs := make([]*Transaction, 0, len(m.transactions))
	for _, tx := range m.transactions {
		txs = append(txs, tx)
	}
	return txs
}

func (m *Manager) forget(tx *Transaction) {
	m.mu.Lock()
	delete(m.transactions, tx.ID)
	m.mu.Unlock()
}

func (m *Manager) newXid(tx *Transaction) (xa.Xid, error) {
	bqual := uuid.New()
	xid, err := xa.NewXid(m.cfg.FormatID, tx.gtrid, bqual[:])
	if err != nil {
		return xa.Xid{}, fmt.Errorf("generate xid: %w", err)
	}
	return xid, nil
}
