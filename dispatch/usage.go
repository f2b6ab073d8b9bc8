package dispatch

// Usage accumulates billing-relevant consumption for one generation or one
// full handler invocation. All fields are additive; callers combine partial
// results with Add and never overwrite.
type Usage struct {
	PromptTokens     int64             `json:"promptTokens"`
	CompletionTokens int64             `json:"completionTokens"`
	TotalTokens      int64             `json:"totalTokens"`
	ImagesCreated    int64             `json:"imagesCreated,omitempty"`
	VideoCount       int64             `json:"videoCount,omitempty"`
	VideoSeconds     float64           `json:"videoSeconds,omitempty"`
	AudioCharacters  int64             `json:"audioCharacters,omitempty"`
	Custom           map[string]*Usage `json:"custom,omitempty"`
}

// Add merges other into u field-by-field. Custom sub-usage is merged by
// model name, recursively.
func (u *Usage) Add(other *Usage) {
	if other == nil {
		return
	}
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
	u.ImagesCreated += other.ImagesCreated
	u.VideoCount += other.VideoCount
	u.VideoSeconds += other.VideoSeconds
	u.AudioCharacters += other.AudioCharacters
	for name, sub := range other.Custom {
		if u.Custom == nil {
			u.Custom = make(map[string]*Usage)
		}
		if existing, ok := u.Custom[name]; ok {
			existing.Add(sub)
		} else {
			cp := *sub
			u.Custom[name] = &cp
		}
	}
}

// IsZero reports whether no billable work was recorded at all.
func (u *Usage) IsZero() bool {
	if u == nil {
		return true
	}
	return u.PromptTokens == 0 && u.CompletionTokens == 0 && u.TotalTokens == 0 &&
		u.ImagesCreated == 0 && u.VideoCount == 0 && u.VideoSeconds == 0 &&
		u.AudioCharacters == 0 && len(u.Custom) == 0
}
