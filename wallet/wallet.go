// Package wallet implements the credit ledger: lazy wallet creation and
// staged debit/grant entries. Every operation participates in the caller's
// transaction and never commits on its own — grounded on original_source
// services/billing/wallet.py.
//
// Precision contract: ledger amounts are 8-dp decimals (CreditTransaction,
// CreditWallet.Balance); usage-summary display credits are 4-dp. The two are
// never normalized against each other — only FormatDecimal converts for
// display. Never round up when debiting.
package wallet

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Wallet is the minimal shape the ledger needs back from the store.
type Wallet struct {
	ID      string
	UserID  string
	Balance decimal.Decimal // 8-dp
}

// Transaction is one ledger row.
type Transaction struct {
	ID           string
	WalletID     string
	UserID       string
	Amount       decimal.Decimal // signed, 8-dp
	Kind         string          // "grant" | "debit" | "refund"
	ReferenceID  string
	InitiatedBy  string
	Note         string
}

const (
	KindGrant  = "grant"
	KindDebit  = "debit"
	KindRefund = "refund"
)

// Store is the narrow persistence contract the ledger needs, satisfied by
// package store's transaction handle. It never calls Commit/Rollback itself.
type Store interface {
	GetWalletForUpdate(ctx context.Context, userID string) (*Wallet, error)
	CreateWallet(ctx context.Context, userID string) (*Wallet, error)
	UpdateWalletBalance(ctx context.Context, walletID string, newBalance decimal.Decimal) error
	InsertTransaction(ctx context.Context, tx *Transaction) error
}

// DebitResult mirrors original_source's DebitResult dataclass.
type DebitResult struct {
	NewBalance    decimal.Decimal
	TransactionID string
}

// Ledger stages wallet mutations within the caller-supplied store handle.
type Ledger struct{}

// NewLedger constructs a Ledger. It holds no state of its own; every call
// takes the active Store (transaction handle) explicitly.
func NewLedger() *Ledger { return &Ledger{} }

// GetOrCreate returns the user's wallet, creating it with a zero balance on
// first access.
func (l *Ledger) GetOrCreate(ctx context.Context, s Store, userID string) (*Wallet, error) {
	w, err := s.GetWalletForUpdate(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("loading wallet: %w", err)
	}
	if w != nil {
		return w, nil
	}
	w, err = s.CreateWallet(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("creating wallet: %w", err)
	}
	return w, nil
}

// StageDebit always succeeds at the ledger level: negative credit inputs are
// clamped to zero. Appends one debit row with amount = -credits. Enforcement
// (refusing turns on insufficient balance) is an external policy — the
// ledger itself never blocks.
func (l *Ledger) StageDebit(ctx context.Context, s Store, userID string, credits decimal.Decimal, referenceID, note string) (DebitResult, error) {
	if credits.IsNegative() {
		credits = decimal.Zero
	}
	w, err := l.GetOrCreate(ctx, s, userID)
	if err != nil {
		return DebitResult{}, err
	}
	newBalance := w.Balance.Sub(credits)
	if err := s.UpdateWalletBalance(ctx, w.ID, newBalance); err != nil {
		return DebitResult{}, fmt.Errorf("updating wallet balance: %w", err)
	}
	txID := uuid.NewString()
	txn := &Transaction{
		ID:          txID,
		WalletID:    w.ID,
		UserID:      userID,
		Amount:      credits.Neg(),
		Kind:        KindDebit,
		ReferenceID: referenceID,
		Note:        note,
	}
	if err := s.InsertTransaction(ctx, txn); err != nil {
		return DebitResult{}, fmt.Errorf("inserting debit transaction: %w", err)
	}
	return DebitResult{NewBalance: newBalance, TransactionID: txID}, nil
}

// StageGrant is the symmetric counterpart to StageDebit: positive amount,
// kind "grant".
func (l *Ledger) StageGrant(ctx context.Context, s Store, userID string, credits decimal.Decimal, referenceID, initiatedBy, note string) (DebitResult, error) {
	if credits.IsNegative() {
		credits = decimal.Zero
	}
	w, err := l.GetOrCreate(ctx, s, userID)
	if err != nil {
		return DebitResult{}, err
	}
	newBalance := w.Balance.Add(credits)
	if err := s.UpdateWalletBalance(ctx, w.ID, newBalance); err != nil {
		return DebitResult{}, fmt.Errorf("updating wallet balance: %w", err)
	}
	txID := uuid.NewString()
	txn := &Transaction{
		ID:          txID,
		WalletID:    w.ID,
		UserID:      userID,
		Amount:      credits,
		Kind:        KindGrant,
		ReferenceID: referenceID,
		InitiatedBy: initiatedBy,
		Note:        note,
	}
	if err := s.InsertTransaction(ctx, txn); err != nil {
		return DebitResult{}, fmt.Errorf("inserting grant transaction: %w", err)
	}
	return DebitResult{NewBalance: newBalance, TransactionID: txID}, nil
}

// FormatDecimal strips trailing zeros and a bare trailing dot, matching
// original_source utils/decimal_format.py::format_decimal. Used only at the
// display boundary — never for ledger math.
func FormatDecimal(d decimal.Decimal) string {
	s := d.Normalize().String()
	if s == "" {
		return "0"
	}
	return s
}

// ParseDecimal parses a canonical balance string into a Decimal.
func ParseDecimal(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
