package llm

// Rate is the USD price per 1000 tokens for a model.
type Rate struct {
	PromptPer1K     float64
	CompletionPer1K float64
}

// RateTable maps a model name to its pricing. The table is plain data;
// callers may substitute their own.
type RateTable map[string]Rate

// Cost is the dollar cost of a single exchange, kept at full floating
// precision. Display formatting is the caller's concern.
type Cost struct {
	Prompt     float64
	Completion float64
	Total      float64
}

// DefaultRates covers the commonly routed models. Unknown models cost zero.
var DefaultRates = RateTable{
	"gpt-4":            {PromptPer1K: 0.03, CompletionPer1K: 0.06},
	"gpt-4-turbo":      {PromptPer1K: 0.01, CompletionPer1K: 0.03},
	"gpt-3.5-turbo":    {PromptPer1K: 0.0005, CompletionPer1K: 0.0015},
	"claude-3-opus":    {PromptPer1K: 0.015, CompletionPer1K: 0.075},
	"claude-3-sonnet":  {PromptPer1K: 0.003, CompletionPer1K: 0.015},
	"claude-3-haiku":   {PromptPer1K: 0.00025, CompletionPer1K: 0.00125},
	"glm-4-flash":      {PromptPer1K: 0.0001, CompletionPer1K: 0.0001},
	"glm-5":            {PromptPer1K: 0.001, CompletionPer1K: 0.003},
}

// Cost prices a usage record for the named model. An unknown model yields
// a zero cost, not an error.
func (t RateTable) Cost(model string, u Usage) Cost {
	rate, ok := t[model]
	if !ok {
		return Cost{}
	}
	prompt := float64(u.PromptTokens) / 1000 * rate.PromptPer1K
	completion := float64(u.CompletionTokens) / 1000 * rate.CompletionPer1K
	return Cost{
		Prompt:     prompt,
		Completion: completion,
		Total:      prompt + completion,
	}
}
