package chat

import (
	"github.com/shopspring/decimal"

	"github.com/emberai/huoyuan/internal/config"
)

// Estimator prices a turn with the fixed-point formula
// ((in · wIn) + (out · wOut) + base) · modelMultiplier · scale.
type Estimator struct {
	Base        decimal.Decimal
	WIn         decimal.Decimal
	WOut        decimal.Decimal
	Scale       decimal.Decimal
	Multipliers map[string]decimal.Decimal
	OutputCap   int
}

// NewEstimator builds an estimator from the configured coefficients.
func NewEstimator(cfg *config.Config) *Estimator {
	return &Estimator{
		Base:        cfg.FeeBase,
		WIn:         cfg.FeeWIn,
		WOut:        cfg.FeeWOut,
		Scale:       cfg.FeeScale,
		Multipliers: cfg.ModelMultipliers,
		OutputCap:   cfg.EstOutputCap,
	}
}

// Fee prices inTokens prompt tokens plus outTokens completion tokens
// for model. All arithmetic stays in decimals; no floats touch money.
func (e *Estimator) Fee(model string, inTokens, outTokens int) decimal.Decimal {
	in := decimal.NewFromInt(int64(inTokens)).Mul(e.WIn)
	out := decimal.NewFromInt(int64(outTokens)).Mul(e.WOut)
	return in.Add(out).Add(e.Base).Mul(e.multiplier(model)).Mul(e.Scale)
}

// EstOutputTokens bounds the pre-freeze output estimate by the agent's
// sampling ceiling. Agents without a ceiling estimate at the cap.
func (e *Estimator) EstOutputTokens(agentMaxTokens int) int {
	if agentMaxTokens <= 0 || agentMaxTokens > e.OutputCap {
		return e.OutputCap
	}
	return agentMaxTokens
}

func (e *Estimator) multiplier(model string) decimal.Decimal {
	if m, ok := e.Multipliers[model]; ok {
		return m
	}
	return decimal.NewFromInt(1)
}
