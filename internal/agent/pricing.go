package agent

import "strings"

// ModelPrice is USD per million tokens for one model family.
type ModelPrice struct {
	InputPer1M      float64
	OutputPer1M     float64
	CacheReadPer1M  float64
	CacheWritePer1M float64
}

// defaultPrices maps model id prefixes to list prices. Longest matching
// prefix wins, so dated snapshots resolve to their family.
var defaultPrices = map[string]ModelPrice{
	"claude-opus-4":     {InputPer1M: 15, OutputPer1M: 75, CacheReadPer1M: 1.5, CacheWritePer1M: 18.75},
	"claude-sonnet-4":   {InputPer1M: 3, OutputPer1M: 15, CacheReadPer1M: 0.30, CacheWritePer1M: 3.75},
	"claude-3-7-sonnet": {InputPer1M: 3, OutputPer1M: 15, CacheReadPer1M: 0.30, CacheWritePer1M: 3.75},
	"claude-3-5-sonnet": {InputPer1M: 3, OutputPer1M: 15, CacheReadPer1M: 0.30, CacheWritePer1M: 3.75},
	"claude-3-5-haiku":  {InputPer1M: 0.80, OutputPer1M: 4, CacheReadPer1M: 0.08, CacheWritePer1M: 1},
	"claude-haiku-4":    {InputPer1M: 1, OutputPer1M: 5, CacheReadPer1M: 0.10, CacheWritePer1M: 1.25},
}

// Cost estimates the USD cost of one call. Unknown models cost zero; the
// aggregate stays usable as a lower bound.
func Cost(model string, u Usage) float64 {
	price, ok := priceFor(model)
	if !ok {
		return 0
	}
	const m = 1_000_000
	return float64(u.InputTokens)/m*price.InputPer1M +
		float64(u.OutputTokens)/m*price.OutputPer1M +
		float64(u.CacheReadTokens)/m*price.CacheReadPer1M +
		float64(u.CacheCreationTokens)/m*price.CacheWritePer1M
}

func priceFor(model string) (ModelPrice, bool) {
	// Bedrock ids carry region and vendor prefixes, e.g.
	// us.anthropic.claude-sonnet-4-20250514-v1:0.
	for _, p := range []string{"us.", "eu.", "apac.", "global.", "anthropic."} {
		model = strings.TrimPrefix(model, p)
	}
	best := ""
	var found ModelPrice
	for prefix, price := range defaultPrices {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
			found = price
		}
	}
	return found, best != ""
}
