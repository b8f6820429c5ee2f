package pricing

import "testing"

type fakeLoader struct {
	version string
	m       map[string]float64
	err     error
}

func (f *fakeLoader) LoadActivePricing() (string, map[string]float64, error) {
	return f.version, f.m, f.err
}

func TestGetUnknownAliasDefaultsToOne(t *testing.T) {
	c, err := NewCache(&fakeLoader{version: "v1", m: map[string]float64{"claude-sonnet": 2.0}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := c.Get("unknown-alias"); got != 1.0 {
		t.Fatalf("expected 1.0 for unknown alias, got %v", got)
	}
	if got := c.Get("claude-sonnet"); got != 2.0 {
		t.Fatalf("expected 2.0, got %v", got)
	}
}

func TestReloadReplacesAtomically(t *testing.T) {
	loader := &fakeLoader{version: "v1", m: map[string]float64{"a": 1.5}}
	c, _ := NewCache(loader)
	loader.version = "v2"
	loader.m = map[string]float64{"a": 3.0}
	if err := c.Reload(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := c.Get("a"); got != 3.0 {
		t.Fatalf("expected reloaded value 3.0, got %v", got)
	}
	if c.ActiveVersion() != "v2" {
		t.Fatalf("expected v2, got %q", c.ActiveVersion())
	}
}
