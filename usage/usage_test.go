package usage

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestComputeOETokens(t *testing.T) {
	got := ComputeOETokens(Tokens{Fresh: 100, Cached: 200, Output: 50})
	// 100*0.35 + 200*0.10 + 50*1.00 = 35 + 20 + 50 = 105
	want := decimal.NewFromInt(105)
	if !got.Equal(want) {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestComputeOETokensClampsNegative(t *testing.T) {
	got := ComputeOETokens(Tokens{Fresh: -10, Cached: -5, Output: 20})
	want := decimal.NewFromInt(20)
	if !got.Equal(want) {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestComputeCreditsBurned(t *testing.T) {
	oe := decimal.NewFromInt(10_000)
	got := ComputeCreditsBurned(oe, 2.0)
	want := decimal.NewFromInt(2)
	if !got.Equal(want) {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestComputeCreditsBurnedUnknownAliasMultiplierOne(t *testing.T) {
	oe := decimal.NewFromInt(5_000)
	got := ComputeCreditsBurned(oe, 1.0)
	want := decimal.NewFromFloat(0.5)
	if !got.Equal(want) {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestMonotoneNonDecreasing(t *testing.T) {
	base := ComputeOETokens(Tokens{Fresh: 10, Cached: 10, Output: 10})
	more := ComputeOETokens(Tokens{Fresh: 20, Cached: 10, Output: 10})
	if more.LessThan(base) {
		t.Fatalf("oe_tokens must be monotone non-decreasing in fresh tokens")
	}
}
