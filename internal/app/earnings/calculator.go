package earnings

import (
	"fmt"
	"math"

	"github.com/sight-ai/sight-depin-maas-sub007/internal/domain"
)

// ─── Payout Formula ─────────────────────────────────────────────────────────
// job = input*rate.input + output*rate.output + rate.base + durationBonus
// durationBonus = 0.0001 per second past the first, capped at 0.01.

const (
	bonusThresholdMs   = 1000
	bonusPerSecond     = 0.0001
	MaxDurationBonus   = 0.01
	breakdownTolerance = 1e-4
)

// Breakdown itemizes a payout.
type Breakdown struct {
	Input    float64 `json:"input"`
	Output   float64 `json:"output"`
	Base     float64 `json:"base"`
	Duration float64 `json:"duration"`
}

// Sum adds the components.
func (b Breakdown) Sum() float64 {
	return b.Input + b.Output + b.Base + b.Duration
}

// Payout is the result of Calculate.
type Payout struct {
	BlockRewards float64   `json:"block_rewards"`
	JobRewards   float64   `json:"job_rewards"`
	Breakdown    Breakdown `json:"breakdown"`
}

// DurationBonus returns the capped bonus for a call of durationMs.
func DurationBonus(durationMs int64) float64 {
	if durationMs <= bonusThresholdMs {
		return 0
	}
	return math.Min(float64(durationMs)/1000*bonusPerSecond, MaxDurationBonus)
}

// Calculate computes the payout for one call. Negative counts are treated
// as zero. Block rewards are paid on a separate channel and are always 0.
func Calculate(rate domain.Rate, inputTokens, outputTokens, durationMs int64) Payout {
	b := Breakdown{
		Input:    float64(max(inputTokens, 0)) * rate.Input,
		Output:   float64(max(outputTokens, 0)) * rate.Output,
		Base:     rate.Base,
		Duration: DurationBonus(durationMs),
	}
	return Payout{JobRewards: b.Sum(), Breakdown: b}
}

// Validate rejects negative components and breakdowns that do not add up
// to JobRewards.
func Validate(p Payout) error {
	b := p.Breakdown
	for name, v := range map[string]float64{
		"input": b.Input, "output": b.Output, "base": b.Base, "duration": b.Duration,
		"job_rewards": p.JobRewards, "block_rewards": p.BlockRewards,
	} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%s = %v: %w", name, v, domain.ErrInvalidPayout)
		}
	}
	if diff := math.Abs(b.Sum() - p.JobRewards); diff > breakdownTolerance {
		return fmt.Errorf("breakdown sum %v != job rewards %v: %w", b.Sum(), p.JobRewards, domain.ErrInvalidPayout)
	}
	return nil
}
