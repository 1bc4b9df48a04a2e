package budget

import (
	"fmt"
	"strings"
	"sync"

	kernelerrors "github.com/sentineld/kernel/pkg/errors"
)

// ModelRate holds per-million-token pricing for one model, the same
// per-million-tokens convention model providers publish their rate
// cards in.
type ModelRate struct {
	PromptPerMillion     float64 `yaml:"prompt_per_million"`
	CompletionPerMillion float64 `yaml:"completion_per_million"`
}

// TablePriceCalculator is a CostCalculator backed by a static rate
// table, one ModelRate per model id. It is the production calculator:
// no network call, no per-request pricing lookup, just the rate card
// an operator configures once.
type TablePriceCalculator struct {
	mu        sync.RWMutex
	rates     map[string]ModelRate
	fallback  ModelRate
	hasFallback bool
}

// NewTablePriceCalculator builds a calculator from a model-id to rate
// map. Model ids are matched case-insensitively.
func NewTablePriceCalculator(rates map[string]ModelRate) *TablePriceCalculator {
	normalized := make(map[string]ModelRate, len(rates))
	for id, rate := range rates {
		normalized[strings.ToLower(id)] = rate
	}
	return &TablePriceCalculator{rates: normalized}
}

// WithFallback sets the rate used for any model id not present in the
// table, instead of returning an error.
func (c *TablePriceCalculator) WithFallback(rate ModelRate) *TablePriceCalculator {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fallback = rate
	c.hasFallback = true
	return c
}

// SetRate installs or replaces the rate for a model id at runtime, so
// an operator can update pricing without restarting the daemon.
func (c *TablePriceCalculator) SetRate(modelID string, rate ModelRate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rates[strings.ToLower(modelID)] = rate
}

// CalculateCost converts token counts to a dollar cost using the rate
// table. An unknown model id without a configured fallback is a
// budget-preflight error, not a silent free pass.
func (c *TablePriceCalculator) CalculateCost(modelID string, promptTokens, completionTokens int) (float64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rate, ok := c.rates[strings.ToLower(modelID)]
	if !ok {
		if !c.hasFallback {
			return 0, kernelerrors.New(kernelerrors.CodeBudgetUnknownModel, fmt.Sprintf("no pricing configured for model %q", modelID))
		}
		rate = c.fallback
	}

	cost := float64(promptTokens)/1_000_000*rate.PromptPerMillion + float64(completionTokens)/1_000_000*rate.CompletionPerMillion
	return cost, nil
}

// DefaultModelRates is a conservative starting rate card covering the
// commonly deployed frontier models as of the kernel's initial release.
// There is no configuration setting for this table; SetRate replaces a
// rate at runtime. The table exists so the daemon has a working budget
// calculator before any tuning happens.
func DefaultModelRates() map[string]ModelRate {
	return map[string]ModelRate{
		"claude-opus-4":    {PromptPerMillion: 15.00, CompletionPerMillion: 75.00},
		"claude-sonnet-4":  {PromptPerMillion: 3.00, CompletionPerMillion: 15.00},
		"claude-haiku-4":   {PromptPerMillion: 0.80, CompletionPerMillion: 4.00},
		"gpt-4o":           {PromptPerMillion: 2.50, CompletionPerMillion: 10.00},
		"gpt-4o-mini":      {PromptPerMillion: 0.15, CompletionPerMillion: 0.60},
	}
}
