package cost

import "strings"

// ModelRate holds per-model token pricing (USD per million tokens).
type ModelRate struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// Rates maps a model identifier to its pricing. Identifiers may carry an
// OpenRouter vendor prefix ("openai/gpt-4o-mini").
type Rates map[string]ModelRate

// Calculator computes costs for API usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Lookup finds the rate for model. An exact match wins; otherwise the vendor
// prefix is stripped ("openai/gpt-4o" matches "gpt-4o" and vice versa).
func (c *Calculator) Lookup(model string) (ModelRate, bool) {
	if rate, ok := c.rates[model]; ok {
		return rate, true
	}
	bare := model
	if i := strings.LastIndex(model, "/"); i >= 0 {
		bare = model[i+1:]
		if rate, ok := c.rates[bare]; ok {
			return rate, true
		}
	}
	for name, rate := range c.rates {
		if i := strings.LastIndex(name, "/"); i >= 0 && name[i+1:] == bare {
			return rate, true
		}
	}
	return ModelRate{}, false
}

// Tokens computes the USD cost of one chat completion. Unknown models cost 0.
func (c *Calculator) Tokens(model string, input, output int) float64 {
	rate, ok := c.Lookup(model)
	if !ok {
		return 0
	}
	return (float64(input)/1e6)*rate.Input + (float64(output)/1e6)*rate.Output
}

// Merge returns a copy of r with overrides applied on top.
func (r Rates) Merge(overrides Rates) Rates {
	out := make(Rates, len(r)+len(overrides))
	for k, v := range r {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		"openai/gpt-4o-mini":                {Input: 0.15, Output: 0.60},
		"openai/gpt-4o":                     {Input: 2.50, Output: 10.00},
		"openai/gpt-4.1-mini":               {Input: 0.40, Output: 1.60},
		"openai/gpt-4.1":                    {Input: 2.00, Output: 8.00},
		"openai/o4-mini":                    {Input: 1.10, Output: 4.40},
		"anthropic/claude-3.5-haiku":        {Input: 0.80, Output: 4.00},
		"anthropic/claude-sonnet-4.5":       {Input: 3.00, Output: 15.00},
		"claude-haiku-4-5-20251001":         {Input: 0.80, Output: 4.00},
		"claude-sonnet-4-5-20250929":        {Input: 3.00, Output: 15.00},
		"google/gemini-2.0-flash-001":       {Input: 0.10, Output: 0.40},
		"deepseek/deepseek-chat":            {Input: 0.27, Output: 1.10},
		"meta-llama/llama-3.3-70b-instruct": {Input: 0.13, Output: 0.40},
	}
}
