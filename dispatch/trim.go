package dispatch

import "strings"

// Tokenizer splits text into model tokens. Token strings are expected to
// carry their own leading whitespace (BPE style) so that joining a slice of
// tokens reproduces the original text.
type Tokenizer func(text string) ([]string, error)

// Rough model-agnostic estimate used when no tokenizer is configured or
// tokenization fails.
const charsPerToken = 4

// TrimContext fits text into maxInputTokens by discarding leading tokens and
// keeping the most recent ones. Recency-biased on purpose: for evolving
// media the tail of the context (latest chapters, latest audience input)
// matters more than the head.
func TrimContext(text string, maxInputTokens int, tok Tokenizer) string {
	if maxInputTokens <= 0 {
		return text
	}
	if tok != nil {
		tokens, err := tok(text)
		if err == nil {
			if len(tokens) <= maxInputTokens {
				return text
			}
			return strings.Join(tokens[len(tokens)-maxInputTokens:], "")
		}
		// tokenizer failed, fall through to the character heuristic
	}
	maxChars := maxInputTokens * charsPerToken
	if len(text) <= maxChars {
		return text
	}
	return text[len(text)-maxChars:]
}

// EstimateTokens estimates the token count of text, preferring the
// tokenizer and falling back to the character heuristic.
func EstimateTokens(text string, tok Tokenizer) int {
	if tok != nil {
		if tokens, err := tok(text); err == nil {
			return len(tokens)
		}
	}
	return (len(text) + charsPerToken - 1) / charsPerToken
}
