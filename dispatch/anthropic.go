package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/topiary-social/topiary/pkg/robusthttp"
)

const anthropicAPIVersion = "2023-06-01"

// Anthropic speaks the Anthropic messages wire format.
type Anthropic struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewAnthropic(apiKey string) (*Anthropic, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: anthropic: missing API key", ErrMisconfigured)
	}
	return &Anthropic{
		baseURL: "https://api.anthropic.com/v1",
		apiKey:  apiKey,
		client: robusthttp.NewClient(
			robusthttp.WithNoRetries(),
			robusthttp.WithTimeout(120*time.Second),
		),
	}, nil
}

func (p *Anthropic) Name() string {
	return ProviderAnthropic
}

type anthropicRequest struct {
	Model         string             `json:"model"`
	MaxTokens     int64              `json:"max_tokens"`
	System        string             `json:"system,omitempty"`
	Messages      []anthropicMessage `json:"messages"`
	Temperature   float64            `json:"temperature,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *Anthropic) GenerateText(ctx context.Context, req *Request) (*TextResult, error) {
	maxTokens := req.MaxOutputTokens
	if maxTokens <= 0 {
		// the messages API requires an explicit cap
		maxTokens = 4096
	}

	msgs := make([]anthropicMessage, 0, len(req.Messages)+1)
	if len(req.Messages) > 0 {
		for _, m := range req.Messages {
			msgs = append(msgs, anthropicMessage{Role: m.Role, Content: m.Content})
		}
	} else {
		msgs = append(msgs, anthropicMessage{Role: "user", Content: req.Prompt})
	}

	body := anthropicRequest{
		Model:         req.Model,
		MaxTokens:     maxTokens,
		System:        req.SystemPrompt,
		Messages:      msgs,
		Temperature:   req.Temperature,
		StopSequences: req.StopSequences,
	}

	buf, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding anthropic request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/messages", bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("building anthropic request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<24))
	if err != nil {
		return nil, fmt.Errorf("reading anthropic response: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("%w: anthropic: status %d", ErrMisconfigured, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("anthropic returned status %d: %s", resp.StatusCode, truncateBody(raw))
	}

	var out anthropicResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decoding anthropic response: %w", err)
	}
	if out.Error != nil {
		return nil, fmt.Errorf("anthropic message failed: %s", out.Error.Message)
	}

	var text string
	for _, c := range out.Content {
		if c.Type == "text" {
			text += c.Text
		}
	}
	if text == "" {
		return nil, fmt.Errorf("anthropic message returned no text content")
	}

	return &TextResult{
		Text: text,
		Usage: Usage{
			PromptTokens:     out.Usage.InputTokens,
			CompletionTokens: out.Usage.OutputTokens,
			TotalTokens:      out.Usage.InputTokens + out.Usage.OutputTokens,
		},
	}, nil
}
