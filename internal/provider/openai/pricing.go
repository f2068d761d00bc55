package openai

import (
	"strings"

	"github.com/shopspring/decimal"
)

// modelRate is USD per 1M tokens.
type modelRate struct {
	Input  decimal.Decimal
	Output decimal.Decimal
}

func per1M(input, output string) modelRate {
	return modelRate{
		Input:  decimal.RequireFromString(input),
		Output: decimal.RequireFromString(output),
	}
}

// tokenPricing holds list prices per 1M tokens. Dated snapshot variants
// resolve through prefix matching below.
var tokenPricing = map[string]modelRate{
	"gpt-4.1":       per1M("2.00", "8.00"),
	"gpt-4.1-mini":  per1M("0.40", "1.60"),
	"gpt-4.1-nano":  per1M("0.10", "0.40"),
	"gpt-4.5-preview": per1M("75.00", "150.00"),
	"gpt-4o":        per1M("2.50", "10.00"),
	"gpt-4o-mini":   per1M("0.15", "0.60"),
	"gpt-4-turbo":   per1M("10.00", "30.00"),
	"gpt-4":         per1M("30.00", "60.00"),
	"gpt-3.5-turbo": per1M("0.50", "1.50"),
	"o1":            per1M("15.00", "60.00"),
	"o1-mini":       per1M("1.10", "4.40"),
	"o3-mini":       per1M("1.10", "4.40"),
	"text-embedding-3-small": per1M("0.02", "0.02"),
	"text-embedding-3-large": per1M("0.13", "0.13"),
	"text-embedding-ada-002": per1M("0.10", "0.10"),
}

var million = decimal.NewFromInt(1_000_000)

// rateForModel resolves pricing for a model name, tolerating dated
// suffixes like gpt-4o-2024-08-06 by longest-prefix match.
func rateForModel(model string) (modelRate, bool) {
	if rate, ok := tokenPricing[model]; ok {
		return rate, true
	}
	var best string
	for name := range tokenPricing {
		if strings.HasPrefix(model, name) && len(name) > len(best) {
			best = name
		}
	}
	if best == "" {
		return modelRate{}, false
	}
	return tokenPricing[best], true
}

// tokenCost computes the list cost of a usage bucket for one model. The
// usage API reports token counts only, so cost is derived here; unknown
// models price at zero and surface through the Other service category.
func tokenCost(model string, inputTokens, outputTokens int64) decimal.Decimal {
	rate, ok := rateForModel(model)
	if !ok {
		return decimal.Zero
	}
	in := decimal.NewFromInt(inputTokens).Mul(rate.Input).Div(million)
	out := decimal.NewFromInt(outputTokens).Mul(rate.Output).Div(million)
	return in.Add(out)
}
