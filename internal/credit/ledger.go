package credit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lunkerhunteruk-ctrl/vual-sub000/internal/log"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Error codes surfaced to API clients alongside a 402.
const (
	CodeInsufficientCredits = "INSUFFICIENT_CREDITS"
	CodeNoBillingAccount    = "NO_BILLING_ACCOUNT"
)

const (
	SourceSubscription = "subscription"
	SourcePayPerUse    = "pay_per_use"
)

// Request identifies who pays for one try-on job.
type Request struct {
	StoreID    *string
	CustomerID *string
	UserID     *string
}

// Decision is the outcome of CheckAndDeduct. When Allowed is false,
// ErrorCode carries the machine-readable reason.
type Decision struct {
	Allowed       bool
	ErrorCode     string
	Source        string
	TransactionID string
}

// Ledger authorizes and debits one credit per job before enqueue.
type Ledger interface {
	CheckAndDeduct(ctx context.Context, req Request) (Decision, error)
}

// NopLedger allows everything. Used when billing is disabled and in tests.
type NopLedger struct{}

func (NopLedger) CheckAndDeduct(ctx context.Context, req Request) (Decision, error) {
	return Decision{
		Allowed:       true,
		Source:        SourcePayPerUse,
		TransactionID: uuid.NewString(),
	}, nil
}

// PGLedger debits the store's subscription balance. The balance check and
// the debit happen in one transaction with the row locked, so two
// concurrent enqueues cannot both spend the last credit.
type PGLedger struct {
	db     *sql.DB
	logger *log.Logger
}

func NewPGLedger(db *sql.DB, logger *log.Logger) *PGLedger {
	return &PGLedger{db: db, logger: logger}
}

func (l *PGLedger) CheckAndDeduct(ctx context.Context, req Request) (Decision, error) {
	if req.StoreID == nil || *req.StoreID == "" {
		return Decision{Allowed: false, ErrorCode: CodeNoBillingAccount}, nil
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Decision{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var balance int
	err = tx.QueryRowContext(ctx,
		`SELECT balance FROM credits WHERE store_id = $1 FOR UPDATE`,
		*req.StoreID).Scan(&balance)
	if err == sql.ErrNoRows {
		return Decision{Allowed: false, ErrorCode: CodeNoBillingAccount}, nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("read balance: %w", err)
	}
	if balance < 1 {
		return Decision{Allowed: false, ErrorCode: CodeInsufficientCredits}, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE credits SET balance = balance - 1 WHERE store_id = $1`,
		*req.StoreID); err != nil {
		return Decision{}, fmt.Errorf("debit balance: %w", err)
	}

	txID := uuid.NewString()
	if _, err := tx.ExecContext(ctx, `
        INSERT INTO credit_transactions (id, store_id, customer_id, source, amount, created_at)
        VALUES ($1, $2, $3, $4, -1, $5)
    `, txID, req.StoreID, req.CustomerID, SourceSubscription, time.Now()); err != nil {
		return Decision{}, fmt.Errorf("record transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Decision{}, fmt.Errorf("commit debit: %w", err)
	}

	l.logger.Info("Debited try-on credit",
		zap.String("store_id", *req.StoreID), zap.String("transaction_id", txID))
	return Decision{
		Allowed:       true,
		Source:        SourceSubscription,
		TransactionID: txID,
	}, nil
}
