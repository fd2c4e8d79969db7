// Package budget tracks the tokens and money a search spends on its models
// and enforces per-session and global limits on them.
//
// Components:
//   - ModelPricing: per-model rates used to turn tokens into cost
//   - CostTracker: records the usage of every generation call, per session
//   - BudgetLimiter: generator middleware refusing calls once a budget is spent
package budget

import (
	"strings"
	"sync"
)

// Rate is the price of one million tokens, in dollars.
type Rate struct {
	Input  float64 `yaml:"input" json:"input"`
	Output float64 `yaml:"output" json:"output"`
}

// ModelPricing maps model identifiers to rates.
//
// Lookup is by exact identifier first, then by the longest known prefix, so
// "gpt-4o-2024-08-06" is billed as "gpt-4o". Unknown models fall back to the
// default rate, which is free: local models served by Ollama cost nothing.
//
// Example:
//
//	pricing := NewModelPricing()
//	pricing.SetRate("my-finetune", Rate{Input: 1, Output: 4})
//	cost := pricing.Cost("gpt-4o-mini", 10_000, 2_000)
type ModelPricing struct {
	mu       sync.RWMutex
	rates    map[string]Rate
	fallback Rate
}

// NewModelPricing creates a pricing table with the default hosted-model
// rates.
func NewModelPricing() *ModelPricing {
	return &ModelPricing{
		rates: map[string]Rate{
			// OpenAI
			"gpt-4o":        {Input: 2.50, Output: 10.00},
			"gpt-4o-mini":   {Input: 0.15, Output: 0.60},
			"gpt-4-turbo":   {Input: 10.00, Output: 30.00},
			"gpt-3.5-turbo": {Input: 0.50, Output: 1.50},
			"o3":            {Input: 5.00, Output: 15.00},
			"o3-mini":       {Input: 1.00, Output: 3.00},

			// Google
			"gemini-1.5-pro":   {Input: 1.25, Output: 5.00},
			"gemini-1.5-flash": {Input: 0.075, Output: 0.30},
			"gemini-pro":       {Input: 0.50, Output: 1.50},

			// Bedrock
			"anthropic.claude-3-5-sonnet": {Input: 3.00, Output: 15.00},
			"anthropic.claude-3-haiku":    {Input: 0.25, Output: 1.25},
			"meta.llama3-1-70b-instruct":  {Input: 0.72, Output: 0.72},
		},
	}
}

// SetRate sets the rate for model, replacing any existing one.
func (m *ModelPricing) SetRate(model string, rate Rate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rates[model] = rate
}

// SetDefault sets the rate used for unknown models.
func (m *ModelPricing) SetDefault(rate Rate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = rate
}

// RateFor returns the rate applied to model.
func (m *ModelPricing) RateFor(model string) Rate {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if rate, ok := m.rates[model]; ok {
		return rate
	}
	best := ""
	for known := range m.rates {
		if strings.HasPrefix(model, known) && len(known) > len(best) {
			best = known
		}
	}
	if best != "" {
		return m.rates[best]
	}
	return m.fallback
}

// Cost returns the dollar cost of a call to model.
func (m *ModelPricing) Cost(model string, promptTokens, completionTokens int) float64 {
	rate := m.RateFor(model)
	return float64(promptTokens)/1_000_000*rate.Input +
		float64(completionTokens)/1_000_000*rate.Output
}
