package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrAccountNotFound   = errors.New("account not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// Account is a ledger account.
type Account struct {
	ID        string          `gorm:"type:varchar(64);primaryKey" json:"id"`
	Balance   decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"balance"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// DBTX is satisfied by *sql.DB, *sql.Conn and enlisting connections.
// Statements use $N placeholders, which both postgres and sqlite accept.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Migrate creates or updates the ledger schema.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&Account{}); err != nil {
		return fmt.Errorf("migrate accounts: %w", err)
	}
	return nil
}

// Seed upserts accounts.
func Seed(ctx context.Context, db *gorm.DB, accounts ...Account) error {
	if len(accounts) == 0 {
		return nil
	}
	err := db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&accounts).Error
	if err != nil {
		return fmt.Errorf("seed accounts: %w", err)
	}
	return nil
}

// Balances lists every account ordered by id.
func Balances(ctx context.Context, db *gorm.DB) ([]Account, error) {
	var accounts []Account
	if err := db.WithContext(ctx).Order("id").Find(&accounts).Error; err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return accounts, nil
}

// Balance returns the balance of account id.
func Balance(ctx context.Context, db *gorm.DB, id string) (decimal.Decimal, error) {
	var account Account
	err := db.WithContext(ctx).First(&account, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("read account %s: %w", id, err)
	}
	return account.Balance, nil
}

// Credit adds amount to account id through db.
func Credit(ctx context.Context, db DBTX, id string, amount decimal.Decimal) error {
	res, err := db.ExecContext(ctx,
		`UPDATE accounts SET balance = balance + $1, updated_at = $2 WHERE id = $3`,
		amount, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("credit %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("credit %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	return nil
}

// Debit takes amount from account id through db. It fails with
// ErrInsufficientFunds rather than overdraw the account.
func Debit(ctx context.Context, db DBTX, id string, amount decimal.Decimal) error {
	res, err := db.ExecContext(ctx,
		`UPDATE accounts SET balance = balance - $1, updated_at = $2 WHERE id = $3 AND balance >= $1`,
		amount, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("debit %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("debit %s: %w", id, err)
	}
	if n > 0 {
		return nil
	}
	exists, err := accountExists(ctx, db, id)
	if err != nil {
		return fmt.Errorf("debit %s: %w", id, err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	return fmt.Errorf("%w: %s", ErrInsufficientFunds, id)
}

func accountExists(ctx context.Context, db DBTX, id string) (bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT 1 FROM accounts WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	exists := rows.Next()
	return exists, rows.Err()
}
