// Package transfer moves funds between ledgers inside one global
// transaction.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Aidin1998/localxa/internal/database"
	"github.com/Aidin1998/localxa/internal/jta"
	"github.com/Aidin1998/localxa/internal/txmanager"
)

var (
	ErrUnknownLedger = errors.New("unknown ledger")
	ErrInvalidAmount = errors.New("amount must be positive")
)

// Ledger is one database taking part in transfers.
type Ledger struct {
	Name   string
	DB     *gorm.DB
	Source *jta.DataSource
}

// Request describes a transfer.
type Request struct {
	FromLedger  string          `json:"from_ledger" binding:"required"`
	FromAccount string          `json:"from_account" binding:"required"`
	ToLedger    string          `json:"to_ledger" binding:"required"`
	ToAccount   string          `json:"to_account" binding:"required"`
	Amount      decimal.Decimal `json:"amount"`
}

type Service struct {
	mgr     *txmanager.Manager
	ledgers map[string]*Ledger
	logger  *zap.Logger
}

func NewService(mgr *txmanager.Manager, logger *zap.Logger, ledgers ...*Ledger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{mgr: mgr, ledgers: make(map[string]*Ledger, len(ledgers)), logger: logger}
	for _, l := range ledgers {
		s.ledgers[l.Name] = l
	}
	return s
}

// Ledger returns the ledger called name.
func (s *Service) Ledger(name string) (*Ledger, error) {
	l, ok := s.ledgers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLedger, name)
	}
	return l, nil
}

// Ledgers returns all ledgers ordered by name.
func (s *Service) Ledgers() []*Ledger {
	out := make([]*Ledger, 0, len(s.ledgers))
	for _, l := range s.ledgers {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Transfer debits the source account and credits the destination account
// atomically. Either both ledgers change or neither does.
func (s *Service) Transfer(ctx context.Context, req Request) (err error) {
	if !req.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	from, err := s.Ledger(req.FromLedger)
	if err != nil {
		return err
	}
	to, err := s.Ledger(req.ToLedger)
	if err != nil {
		return err
	}

	txCtx, tx, err := s.mgr.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transfer: %w", err)
	}
	log := s.logger.With(zap.String("transaction_id", tx.ID.String()))
	defer func() {
		if err == nil {
			return
		}
		if status := s.mgr.Status(txCtx); status == jta.StatusActive || status == jta.StatusMarkedRollback {
			if rbErr := s.mgr.Rollback(txCtx); rbErr != nil {
				err = errors.Join(err, rbErr)
			}
		}
		log.Warn("Transfer rolled back", zap.Error(err))
	}()

	src, err := from.Source.Conn(txCtx)
	if err != nil {
		return err
	}
	defer src.Close()

	// One database cannot take two writing connections, so a transfer
	// inside one ledger runs on one connection.
	dst := src
	if to != from {
		if dst, err = to.Source.Conn(txCtx); err != nil {
			return err
		}
		defer dst.Close()
	}

	if err := database.Debit(txCtx, src, req.FromAccount, req.Amount); err != nil {
		return err
	}
	if err := database.Credit(txCtx, dst, req.ToAccount, req.Amount); err != nil {
		return err
	}
	if err := s.mgr.Commit(txCtx); err != nil {
		return fmt.Errorf("commit transfer: %w", err)
	}

	log.Info("Transfer committed",
		zap.String("from", req.FromLedger+"/"+req.FromAccount),
		zap.String("to", req.ToLedger+"/"+req.ToAccount),
		zap.Stringer("amount", req.Amount))
	return nil
}
