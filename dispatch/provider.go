package dispatch

import (
	"context"
	"errors"
)

// Provider identifiers form a closed set, resolved once at dispatcher
// construction. Callers select a provider explicitly per request or fall
// back to the configured default.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderVenice    = "venice"
)

var (
	// ErrUnknownProvider indicates a provider identifier outside the
	// configured set. Never retried.
	ErrUnknownProvider = errors.New("unknown generation provider")
	// ErrMisconfigured indicates a provider that cannot be used at all
	// (missing credential, bad endpoint). Never retried.
	ErrMisconfigured = errors.New("generation provider misconfigured")
)

// Message is one turn of a chat-shaped prompt.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the shared request shape every text adapter accepts.
type Request struct {
	// Provider selects the adapter; empty means the dispatcher default.
	Provider string
	Model    string

	// Either Prompt or Messages is set, not both.
	Prompt   string
	Messages []Message

	SystemPrompt     string
	Temperature      float64
	MaxOutputTokens  int64
	FrequencyPenalty *float64
	PresencePenalty  *float64
	StopSequences    []string
}

// TextResult is a completed text generation.
type TextResult struct {
	Text  string
	Usage Usage
}

// ImageRequest is the shared request shape every image adapter accepts.
type ImageRequest struct {
	Provider string
	Model    string
	Prompt   string
	Size     string
	// Count of images requested; adapters default to 1.
	N int
}

// ImageResult carries generated images as URLs or base64 payloads,
// whichever the provider returns.
type ImageResult struct {
	Images []Image
	Usage  Usage
}

type Image struct {
	URL    string `json:"url,omitempty"`
	Base64 string `json:"b64,omitempty"`
}

// Provider is a single text-generation backend behind the shared request
// shape. Adapters translate Request into the provider's wire format and
// normalize usage reporting into Usage.
type Provider interface {
	Name() string
	GenerateText(ctx context.Context, req *Request) (*TextResult, error)
}

// ImageProvider is a single image-generation backend.
type ImageProvider interface {
	Name() string
	GenerateImage(ctx context.Context, req *ImageRequest) (*ImageResult, error)
}
