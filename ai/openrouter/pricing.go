package openrouter

// ModelPricing contains per-token pricing information for OpenRouter models.
// Prices are in USD per million tokens.
type ModelPricing struct {
	PromptPrice     float64 // USD per 1M prompt tokens
	CompletionPrice float64 // USD per 1M completion tokens
}

// modelPricing seeds the pricing_profiles table on first start. Operators
// edit the table afterwards; these values are never read at charge time.
var modelPricing = map[string]ModelPricing{
	"openai/gpt-4o":       {PromptPrice: 2.50, CompletionPrice: 10.00},
	"openai/gpt-4o-mini":  {PromptPrice: 0.15, CompletionPrice: 0.60},
	"openai/gpt-4.1":      {PromptPrice: 2.00, CompletionPrice: 8.00},
	"openai/gpt-4.1-mini": {PromptPrice: 0.40, CompletionPrice: 1.60},

	"anthropic/claude-3.5-sonnet": {PromptPrice: 3.00, CompletionPrice: 15.00},
	"anthropic/claude-3-haiku":    {PromptPrice: 0.25, CompletionPrice: 1.25},

	"google/gemini-flash-1.5": {PromptPrice: 0.075, CompletionPrice: 0.30},
	"google/gemini-pro-1.5":   {PromptPrice: 1.25, CompletionPrice: 5.00},

	"meta-llama/llama-3.1-70b-instruct": {PromptPrice: 0.52, CompletionPrice: 0.75},
	"meta-llama/llama-3.1-8b-instruct":  {PromptPrice: 0.055, CompletionPrice: 0.055},
}

// GetPricing returns pricing information for a model, if available
func GetPricing(model string) (ModelPricing, bool) {
	pricing, found := modelPricing[model]
	return pricing, found
}

// Catalog returns a copy of the known model prices keyed by model name
func Catalog() map[string]ModelPricing {
	out := make(map[string]ModelPricing, len(modelPricing))
	for k, v := range modelPricing {
		out[k] = v
	}
	return out
}
