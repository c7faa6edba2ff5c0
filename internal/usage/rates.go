package usage

// Rate holds per-token prices for one model.
type Rate struct {
	InputPerToken  float64
	OutputPerToken float64
}

// RateTable maps exact model names to their prices. Constructed once at
// startup and passed into the Recorder; never mutated afterwards.
type RateTable map[string]Rate

const perMillion = 1e-6

func perM(in, out float64) Rate {
	return Rate{InputPerToken: in * perMillion, OutputPerToken: out * perMillion}
}

// DefaultRates lists prices in USD per million tokens.
func DefaultRates() RateTable {
	return RateTable{
		"gpt-4o":               perM(2.50, 10.00),
		"gpt-4o-mini":          perM(0.15, 0.60),
		"dall-e-3":             perM(5.00, 0.00),
		"mistral-small-latest": perM(0.20, 0.60),
		"mistral-large-latest": perM(2.00, 6.00),
		"deepseek-chat":        perM(0.27, 1.10),
		"deepseek-reasoner":    perM(0.55, 2.19),
	}
}
