package credit

import "github.com/topiary-social/topiary/dispatch"

// ModelCost prices one model's consumption, in credits.
type ModelCost struct {
	InputPerMillionTokens  float64
	OutputPerMillionTokens float64
	PerImage               float64
	PerVideoSecond         float64
	PerThousandAudioChars  float64
}

// CostTable maps model identifiers to prices. Unknown models bill at the
// Default rate rather than for free.
type CostTable struct {
	Models  map[string]ModelCost
	Default ModelCost
}

// DefaultCostTable reflects current list prices with a small margin.
func DefaultCostTable() *CostTable {
	return &CostTable{
		Models: map[string]ModelCost{
			"gpt-4o": {
				InputPerMillionTokens:  3.0,
				OutputPerMillionTokens: 12.0,
				PerImage:               0.05,
			},
			"gpt-4o-mini": {
				InputPerMillionTokens:  0.2,
				OutputPerMillionTokens: 0.7,
				PerImage:               0.02,
			},
			"claude-sonnet-4-5": {
				InputPerMillionTokens:  3.5,
				OutputPerMillionTokens: 17.0,
			},
			"claude-haiku-4-5": {
				InputPerMillionTokens:  1.2,
				OutputPerMillionTokens: 6.0,
			},
		},
		Default: ModelCost{
			InputPerMillionTokens:  5.0,
			OutputPerMillionTokens: 20.0,
			PerImage:               0.08,
			PerVideoSecond:         0.5,
			PerThousandAudioChars:  0.02,
		},
	}
}

// Cost prices the given usage against a model. Custom sub-usage bills
// against its own model names, recursively.
func (t *CostTable) Cost(modelID string, u *dispatch.Usage) float64 {
	if u == nil {
		return 0
	}
	mc, ok := t.Models[modelID]
	if !ok {
		mc = t.Default
	}
	total := float64(u.PromptTokens)/1e6*mc.InputPerMillionTokens +
		float64(u.CompletionTokens)/1e6*mc.OutputPerMillionTokens +
		float64(u.ImagesCreated)*mc.PerImage +
		u.VideoSeconds*mc.PerVideoSecond +
		float64(u.AudioCharacters)/1e3*mc.PerThousandAudioChars
	for name, sub := range u.Custom {
		total += t.Cost(name, sub)
	}
	return total
}
