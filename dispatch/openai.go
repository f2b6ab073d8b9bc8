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

// OpenAICompat speaks the OpenAI chat-completions and image-generation wire
// format. Venice and other OpenAI-compatible backends reuse this adapter
// with a different base URL and provider name.
type OpenAICompat struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewOpenAI(apiKey string) (*OpenAICompat, error) {
	return newOpenAICompat(ProviderOpenAI, "https://api.openai.com/v1", apiKey)
}

func NewVenice(apiKey string) (*OpenAICompat, error) {
	return newOpenAICompat(ProviderVenice, "https://api.venice.ai/api/v1", apiKey)
}

func newOpenAICompat(name, baseURL, apiKey string) (*OpenAICompat, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: %s: missing API key", ErrMisconfigured, name)
	}
	return &OpenAICompat{
		name:    name,
		baseURL: baseURL,
		apiKey:  apiKey,
		client: robusthttp.NewClient(
			robusthttp.WithNoRetries(),
			robusthttp.WithTimeout(120*time.Second),
		),
	}, nil
}

func (p *OpenAICompat) Name() string {
	return p.name
}

type oaiChatRequest struct {
	Model            string       `json:"model"`
	Messages         []oaiMessage `json:"messages"`
	Temperature      float64      `json:"temperature,omitempty"`
	MaxTokens        int64        `json:"max_completion_tokens,omitempty"`
	FrequencyPenalty *float64     `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64     `json:"presence_penalty,omitempty"`
	Stop             []string     `json:"stop,omitempty"`
}

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage oaiUsage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

type oaiUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

func (p *OpenAICompat) GenerateText(ctx context.Context, req *Request) (*TextResult, error) {
	msgs := make([]oaiMessage, 0, len(req.Messages)+2)
	if req.SystemPrompt != "" {
		msgs = append(msgs, oaiMessage{Role: "system", Content: req.SystemPrompt})
	}
	if len(req.Messages) > 0 {
		for _, m := range req.Messages {
			msgs = append(msgs, oaiMessage{Role: m.Role, Content: m.Content})
		}
	} else {
		msgs = append(msgs, oaiMessage{Role: "user", Content: req.Prompt})
	}

	body := oaiChatRequest{
		Model:            req.Model,
		Messages:         msgs,
		Temperature:      req.Temperature,
		MaxTokens:        req.MaxOutputTokens,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
		Stop:             req.StopSequences,
	}

	var out oaiChatResponse
	if err := p.post(ctx, "/chat/completions", body, &out); err != nil {
		return nil, err
	}
	if out.Error != nil {
		return nil, fmt.Errorf("%s chat completion failed: %s", p.name, out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("%s chat completion returned no choices", p.name)
	}

	return &TextResult{
		Text: out.Choices[0].Message.Content,
		Usage: Usage{
			PromptTokens:     out.Usage.PromptTokens,
			CompletionTokens: out.Usage.CompletionTokens,
			TotalTokens:      out.Usage.TotalTokens,
		},
	}, nil
}

type oaiImageRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	N      int    `json:"n,omitempty"`
	Size   string `json:"size,omitempty"`
}

type oaiImageResponse struct {
	Data []struct {
		URL     string `json:"url,omitempty"`
		B64JSON string `json:"b64_json,omitempty"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (p *OpenAICompat) GenerateImage(ctx context.Context, req *ImageRequest) (*ImageResult, error) {
	n := req.N
	if n <= 0 {
		n = 1
	}
	body := oaiImageRequest{
		Model:  req.Model,
		Prompt: req.Prompt,
		N:      n,
		Size:   req.Size,
	}

	var out oaiImageResponse
	if err := p.post(ctx, "/images/generations", body, &out); err != nil {
		return nil, err
	}
	if out.Error != nil {
		return nil, fmt.Errorf("%s image generation failed: %s", p.name, out.Error.Message)
	}
	if len(out.Data) == 0 {
		return nil, fmt.Errorf("%s image generation returned no images", p.name)
	}

	res := &ImageResult{Usage: Usage{ImagesCreated: int64(len(out.Data))}}
	for _, d := range out.Data {
		res.Images = append(res.Images, Image{URL: d.URL, Base64: d.B64JSON})
	}
	return res, nil
}

func (p *OpenAICompat) post(ctx context.Context, path string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", p.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("building %s request: %w", p.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", p.name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<24))
	if err != nil {
		return fmt.Errorf("reading %s response: %w", p.name, err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: %s: status %d", ErrMisconfigured, p.name, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d: %s", p.name, resp.StatusCode, truncateBody(raw))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", p.name, err)
	}
	return nil
}

func truncateBody(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
