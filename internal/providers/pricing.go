package providers

import "strings"

// modelRates holds per-million-token USD rates. Cache reads are billed at
// a tenth of the input rate, cache writes at 1.25x, matching the published
// Anthropic price sheet.
type modelRates struct {
	inputPerM  float64
	outputPerM float64
}

var pricing = map[string]modelRates{
	"claude-opus-4":    {inputPerM: 15.0, outputPerM: 75.0},
	"claude-sonnet-4":  {inputPerM: 3.0, outputPerM: 15.0},
	"claude-haiku-4":   {inputPerM: 1.0, outputPerM: 5.0},
	"claude-3-5-haiku": {inputPerM: 0.8, outputPerM: 4.0},
	"gpt-4o":           {inputPerM: 2.5, outputPerM: 10.0},
	"gpt-4o-mini":      {inputPerM: 0.15, outputPerM: 0.6},
}

// defaultRates apply when the model is not in the table; mid-tier pricing
// so the budget still meters unknown models instead of treating them free.
var defaultRates = modelRates{inputPerM: 3.0, outputPerM: 15.0}

// Cost computes the USD cost of a call from its usage and model.
func Cost(model string, u *Usage) float64 {
	if u == nil {
		return 0
	}
	rates := defaultRates
	for prefix, r := range pricing {
		if strings.HasPrefix(model, prefix) {
			rates = r
			break
		}
	}
	const m = 1_000_000
	cost := float64(u.InputTokens) / m * rates.inputPerM
	cost += float64(u.OutputTokens) / m * rates.outputPerM
	cost += float64(u.CacheReadTokens) / m * rates.inputPerM * 0.1
	cost += float64(u.CacheWriteTokens) / m * rates.inputPerM * 1.25
	return cost
}
