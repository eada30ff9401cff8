package anthropic

// ModelPricing contains per-token pricing information for Anthropic models.
// Prices are in USD per million tokens.
type ModelPricing struct {
	InputPrice  float64 // USD per 1M input tokens
	OutputPrice float64 // USD per 1M output tokens
}

// Source: https://www.anthropic.com/pricing
var modelPricing = map[string]ModelPricing{
	"claude-sonnet-4-20250514":  {InputPrice: 3.00, OutputPrice: 15.00},
	"claude-opus-4-20250514":    {InputPrice: 15.00, OutputPrice: 75.00},
	"claude-3-5-sonnet-latest":  {InputPrice: 3.00, OutputPrice: 15.00},
	"claude-3-5-haiku-20241022": {InputPrice: 0.80, OutputPrice: 4.00},
	"claude-3-5-haiku-latest":   {InputPrice: 0.80, OutputPrice: 4.00},
	"claude-3-haiku-20240307":   {InputPrice: 0.25, OutputPrice: 1.25},
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
