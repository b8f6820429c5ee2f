// Package usage converts raw token counts into output-equivalent tokens
// and credits, using model-specific multipliers supplied by package pricing.
package usage

import "github.com/shopspring/decimal"

// Tokens carries the raw per-call token breakdown reported by the gateway.
type Tokens struct {
	Fresh  int
	Cached int
	Output int
	Total  int
}

var (
	freshWeight  = decimal.NewFromFloat(0.35)
	cachedWeight = decimal.NewFromFloat(0.10)
	outputWeight = decimal.NewFromFloat(1.00)
	creditScale  = decimal.NewFromInt(10_000)
)

func nonNegative(n int) decimal.Decimal {
	if n < 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(n))
}

// ComputeOETokens returns oe_tokens = max(0,fresh)*0.35 + max(0,cached)*0.10 + max(0,output)*1.00.
func ComputeOETokens(t Tokens) decimal.Decimal {
	return nonNegative(t.Fresh).Mul(freshWeight).
		Add(nonNegative(t.Cached).Mul(cachedWeight)).
		Add(nonNegative(t.Output).Mul(outputWeight))
}

// ComputeCreditsBurned returns credits_burned = max(0, oe_tokens) * multiplier / 10_000.
// multiplier comes from PricingCache.Get(alias); unknown aliases use 1.0.
func ComputeCreditsBurned(oeTokens decimal.Decimal, multiplier float64) decimal.Decimal {
	if oeTokens.IsNegative() {
		oeTokens = decimal.Zero
	}
	m := decimal.NewFromFloat(multiplier)
	return oeTokens.Mul(m).Div(creditScale)
}

// Meter bundles the two-step computation behind a small constructible type,
// mirroring the teacher's CostEngine shape but honoring the spec's exact
// formulas instead of USD-per-1M pricing tables.
type Meter struct{}

// NewMeter constructs a usage Meter. It holds no state; multipliers are
// looked up by the caller via pricing.Cache and passed in explicitly.
func NewMeter() *Meter { return &Meter{} }

// Compute returns (oe_tokens, credits_burned) for one LLM call.
func (m *Meter) Compute(t Tokens, multiplier float64) (decimal.Decimal, decimal.Decimal) {
	oe := ComputeOETokens(t)
	return oe, ComputeCreditsBurned(oe, multiplier)
}
