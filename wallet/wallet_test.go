package wallet

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type fakeStore struct {
	wallets map[string]*Wallet // keyed by userID
	txns    []*Transaction
}

func newFakeStore() *fakeStore {
	return &fakeStore{wallets: map[string]*Wallet{}}
}

func (f *fakeStore) GetWalletForUpdate(ctx context.Context, userID string) (*Wallet, error) {
	return f.wallets[userID], nil
}

func (f *fakeStore) CreateWallet(ctx context.Context, userID string) (*Wallet, error) {
	w := &Wallet{ID: uuid.NewString(), UserID: userID, Balance: decimal.Zero}
	f.wallets[userID] = w
	return w, nil
}

func (f *fakeStore) UpdateWalletBalance(ctx context.Context, walletID string, newBalance decimal.Decimal) error {
	for _, w := range f.wallets {
		if w.ID == walletID {
			w.Balance = newBalance
			return nil
		}
	}
	return nil
}

func (f *fakeStore) InsertTransaction(ctx context.Context, tx *Transaction) error {
	f.txns = append(f.txns, tx)
	return nil
}

func TestGetOrCreateLazilyCreatesZeroBalance(t *testing.T) {
	s := newFakeStore()
	l := NewLedger()
	w, err := l.GetOrCreate(context.Background(), s, "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !w.Balance.IsZero() {
		t.Fatalf("expected zero balance on creation, got %s", w.Balance)
	}
}

func TestStageDebitClampsNegativeCredits(t *testing.T) {
	s := newFakeStore()
	l := NewLedger()
	res, err := l.StageDebit(context.Background(), s, "user-1", decimal.NewFromInt(-5), "turn-1", "note")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.NewBalance.IsZero() {
		t.Fatalf("expected balance unchanged at zero, got %s", res.NewBalance)
	}
	if len(s.txns) != 1 || s.txns[0].Amount.Sign() != 0 {
		t.Fatalf("expected one zero-amount debit row, got %+v", s.txns)
	}
}

func TestStageDebitLetsBalanceGoNegative(t *testing.T) {
	s := newFakeStore()
	l := NewLedger()
	res, err := l.StageDebit(context.Background(), s, "user-1", decimal.NewFromFloat(12.5), "turn-1", "turn:turn-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := decimal.NewFromFloat(-12.5)
	if !res.NewBalance.Equal(want) {
		t.Fatalf("expected balance %s, got %s", want, res.NewBalance)
	}
	if s.txns[0].Kind != KindDebit {
		t.Fatalf("expected kind debit, got %s", s.txns[0].Kind)
	}
}

func TestStageGrantAndDebitRoundTrip(t *testing.T) {
	s := newFakeStore()
	l := NewLedger()
	ctx := context.Background()
	if _, err := l.StageGrant(ctx, s, "user-1", decimal.NewFromInt(100), "ref", "admin", "top-up"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res, err := l.StageDebit(ctx, s, "user-1", decimal.NewFromInt(30), "turn-1", "turn:turn-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := decimal.NewFromInt(70)
	if !res.NewBalance.Equal(want) {
		t.Fatalf("expected balance %s, got %s", want, res.NewBalance)
	}
}

func TestFormatDecimalRoundTrip(t *testing.T) {
	cases := []string{"0", "1.5", "100", "0.00000001", "-42.42"}
	for _, c := range cases {
		d, err := ParseDecimal(c)
		if err != nil {
			t.Fatalf("parsing %q: %v", c, err)
		}
		got := FormatDecimal(d)
		d2, err := ParseDecimal(got)
		if err != nil {
			t.Fatalf("reparsing %q: %v", got, err)
		}
		if !d.Equal(d2) {
			t.Fatalf("round-trip mismatch for %q: got %q", c, got)
		}
	}
}
