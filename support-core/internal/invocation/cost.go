package invocation

import (
	"github.com/ILLUVRSE/supportops/support-core/internal/models"
	"github.com/ILLUVRSE/supportops/support-core/internal/transport"
)

// Rate is the USD price per million tokens.
type Rate struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// CostTable prices replies per model. Fallback applies to models missing from Rates.
type CostTable struct {
	Rates    map[string]Rate
	Fallback Rate
}

func DefaultCostTable() CostTable {
	return CostTable{
		Rates: map[string]Rate{
			"claude-opus-4-1":   {InputPerMTok: 15, OutputPerMTok: 75},
			"claude-sonnet-4-5": {InputPerMTok: 3, OutputPerMTok: 15},
			"claude-haiku-4-5":  {InputPerMTok: 1, OutputPerMTok: 5},
		},
		Fallback: Rate{InputPerMTok: 3, OutputPerMTok: 15},
	}
}

// Cost prices a usage block. Missing usage costs nothing.
func (t CostTable) Cost(model string, usage *transport.Usage) (float64, models.TokenUsage) {
	if usage == nil {
		return 0, models.TokenUsage{}
	}
	rate, ok := t.Rates[model]
	if !ok {
		rate = t.Fallback
	}
	tokens := models.TokenUsage{Input: usage.InputTokens, Output: usage.OutputTokens}
	cost := float64(tokens.Input)*rate.InputPerMTok/1e6 + float64(tokens.Output)*rate.OutputPerMTok/1e6
	return cost, tokens
}
