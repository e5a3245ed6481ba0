package earnings

import (
	"errors"
	"math"
	"testing"

	"github.com/sight-ai/sight-depin-maas-sub007/internal/domain"
)

// ─── Calculator ─────────────────────────────────────────────────────────────

func TestCalculate_ChatScenario(t *testing.T) {
	rate := domain.Rate{Input: 0.001, Output: 0.002, Base: 0.01}
	p := Calculate(rate, 100, 50, 1500)

	if math.Abs(p.JobRewards-0.21015) > 1e-9 {
		t.Errorf("JobRewards = %v, want 0.21015", p.JobRewards)
	}
	if math.Abs(p.Breakdown.Duration-0.00015) > 1e-12 {
		t.Errorf("Duration = %v, want 0.00015", p.Breakdown.Duration)
	}
	if p.BlockRewards != 0 {
		t.Errorf("BlockRewards = %v, want 0", p.BlockRewards)
	}
	if err := Validate(p); err != nil {
		t.Errorf("Validate() error: %v", err)
	}
}

func TestDurationBonus_Bounds(t *testing.T) {
	for _, ms := range []int64{-5, 0, 999, 1000} {
		if got := DurationBonus(ms); got != 0 {
			t.Errorf("DurationBonus(%d) = %v, want 0", ms, got)
		}
	}

	prev := 0.0
	for ms := int64(1001); ms < 500_000; ms += 997 {
		got := DurationBonus(ms)
		if got < prev {
			t.Fatalf("DurationBonus decreased at %d: %v < %v", ms, got, prev)
		}
		if got > MaxDurationBonus {
			t.Fatalf("DurationBonus(%d) = %v exceeds cap", ms, got)
		}
		prev = got
	}
	if DurationBonus(math.MaxInt64) != MaxDurationBonus {
		t.Error("huge durations should hit the cap exactly")
	}
}

func TestCalculate_BreakdownSumsToJobRewards(t *testing.T) {
	rates := []domain.Rate{
		DefaultRate,
		{Input: 0.0005, Output: 0, Base: 0.005},
		{Input: 0.37, Output: 1.9, Base: 0},
	}
	for _, r := range rates {
		for _, in := range []int64{0, 1, 17, 4096} {
			for _, out := range []int64{0, 3, 900} {
				for _, ms := range []int64{0, 1001, 12_345, 3_600_000} {
					p := Calculate(r, in, out, ms)
					if math.Abs(p.Breakdown.Sum()-p.JobRewards) > 1e-4 {
						t.Fatalf("sum mismatch for %+v %d/%d/%d", r, in, out, ms)
					}
					if err := Validate(p); err != nil {
						t.Fatalf("Validate() error: %v", err)
					}
				}
			}
		}
	}
}

func TestCalculate_NegativeTokensClamped(t *testing.T) {
	p := Calculate(DefaultRate, -10, -10, 0)
	if p.Breakdown.Input != 0 || p.Breakdown.Output != 0 {
		t.Errorf("negative token counts should clamp to 0: %+v", p.Breakdown)
	}
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name string
		p    Payout
	}{
		{"negative component", Payout{JobRewards: 0, Breakdown: Breakdown{Input: -1, Base: 1}}},
		{"sum mismatch", Payout{JobRewards: 1, Breakdown: Breakdown{Base: 0.5}}},
		{"nan", Payout{JobRewards: math.NaN()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Validate(tt.p); !errors.Is(err, domain.ErrInvalidPayout) {
				t.Errorf("Validate() = %v, want ErrInvalidPayout", err)
			}
		})
	}
}

// ─── Catalog ────────────────────────────────────────────────────────────────

func TestCatalog_Defaults(t *testing.T) {
	c := NewCatalog(nil)

	r, ok := c.Lookup(FamilyOllama, KindChat)
	if !ok || r != (domain.Rate{Input: 0.001, Output: 0.002, Base: 0.01}) {
		t.Errorf("ollama/chat = (%+v, %v)", r, ok)
	}
	r, ok = c.Lookup(FamilyVLLM, KindEmbeddings)
	if !ok || r.Output != 0 || r.Base != 0.005 {
		t.Errorf("vllm/embeddings = (%+v, %v)", r, ok)
	}
}

func TestCatalog_UnknownFallsBack(t *testing.T) {
	c := NewCatalog(nil)
	r, ok := c.Lookup("llamacpp", "rerank")
	if ok {
		t.Error("unknown pair should report found=false")
	}
	if r != DefaultRate {
		t.Errorf("rate = %+v, want DefaultRate", r)
	}
}

func TestCatalog_OverridesAndSet(t *testing.T) {
	c := NewCatalog(nil, RateEntry{Family: FamilyOllama, Kind: KindChat, Input: 1, Output: 2, Base: 3})
	if r, _ := c.Lookup(FamilyOllama, KindChat); r.Base != 3 {
		t.Errorf("config override not applied: %+v", r)
	}

	c.Set("custom", "rerank", domain.Rate{Base: 0.5})
	if r, ok := c.Lookup("custom", "rerank"); !ok || r.Base != 0.5 {
		t.Errorf("Set() not visible: (%+v, %v)", r, ok)
	}

	found := false
	for _, e := range c.Entries() {
		if e.Family == "custom" && e.Kind == "rerank" {
			found = true
		}
	}
	if !found {
		t.Error("Entries() missing custom rate")
	}
}
