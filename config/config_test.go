package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")
	cfg := Load()
	if cfg.Env != "development" {
		t.Fatalf("expected default env 'development', got %q", cfg.Env)
	}
	if !cfg.IsDevelopment() || cfg.IsProduction() {
		t.Fatalf("IsDevelopment/IsProduction mismatch for env %q", cfg.Env)
	}
	if cfg.RateLimitPerMinute <= 0 || cfg.RateLimitPerHour <= 0 {
		t.Fatalf("rate limit defaults must be positive, got %d/%d", cfg.RateLimitPerMinute, cfg.RateLimitPerHour)
	}
}

func TestDynamicDefaultsClamped(t *testing.T) {
	t.Setenv("CONTEXT_SUMMARY_TRIGGER_RATIO", "0.05")
	t.Setenv("CONTEXT_PRUNE_TRIGGER_RATIO", "0.50")
	t.Setenv("CONTEXT_MANDATORY_SUMMARY_TURN", "0")
	t.Setenv("CONTEXT_MAX_OUTPUT_TOKENS", "10")

	d := NewDynamic()
	if d.SummaryTriggerRatio() != 0.1 {
		t.Fatalf("expected summary ratio clamped to 0.1, got %v", d.SummaryTriggerRatio())
	}
	if d.PruneTriggerRatio() < d.SummaryTriggerRatio() {
		t.Fatalf("prune ratio %v must be >= summary ratio %v", d.PruneTriggerRatio(), d.SummaryTriggerRatio())
	}
	if d.MandatorySummaryTurn() < 1 {
		t.Fatalf("mandatory summary turn must be >= 1, got %d", d.MandatorySummaryTurn())
	}
	if d.MaxOutputTokens() < 256 {
		t.Fatalf("max output tokens must be clamped to >= 256, got %d", d.MaxOutputTokens())
	}
}

func TestDynamicReloadPicksUpChanges(t *testing.T) {
	t.Setenv("PRICING_VERSION_LABEL", "v1")
	d := NewDynamic()
	if d.PricingVersionLabel() != "v1" {
		t.Fatalf("expected v1, got %q", d.PricingVersionLabel())
	}
	t.Setenv("PRICING_VERSION_LABEL", "v2")
	d.Reload()
	if d.PricingVersionLabel() != "v2" {
		t.Fatalf("expected v2 after reload, got %q", d.PricingVersionLabel())
	}
}
