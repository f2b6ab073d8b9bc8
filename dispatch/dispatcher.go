package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/RussellLuo/slidingwindow"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("dispatch")

// DispatcherConfig carries the knobs resolved once at startup.
type DispatcherConfig struct {
	// DefaultTextProvider and DefaultImageProvider are used when a request
	// does not name a provider explicitly.
	DefaultTextProvider  string
	DefaultImageProvider string
	// MaxInputTokens bounds prompt context before dispatch; 0 disables
	// trimming.
	MaxInputTokens int
	// Tokenizer used for context fitting; nil falls back to the character
	// heuristic.
	Tokenizer Tokenizer
	// RetryDelay is the initial backoff between parse-checked generation
	// attempts. Defaults to DefaultRetryDelay.
	RetryDelay time.Duration
	// RequestsPerMinute rate-limits each provider; 0 disables limiting.
	RequestsPerMinute int64
}

// Dispatcher routes generation requests to a closed set of provider
// adapters resolved at construction, and owns context trimming, retry
// policy, and usage aggregation.
type Dispatcher struct {
	logger *slog.Logger
	cfg    DispatcherConfig

	text     map[string]Provider
	image    map[string]ImageProvider
	limiters map[string]*slidingwindow.Limiter
}

func NewDispatcher(logger *slog.Logger, cfg DispatcherConfig) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	return &Dispatcher{
		logger:   logger.With("component", "dispatch"),
		cfg:      cfg,
		text:     make(map[string]Provider),
		image:    make(map[string]ImageProvider),
		limiters: make(map[string]*slidingwindow.Limiter),
	}
}

// RegisterText adds a text provider to the closed set. Registration happens
// once at startup, never per call.
func (d *Dispatcher) RegisterText(p Provider) {
	d.text[p.Name()] = p
	d.ensureLimiter(p.Name())
}

// RegisterImage adds an image provider to the closed set.
func (d *Dispatcher) RegisterImage(p ImageProvider) {
	d.image[p.Name()] = p
	d.ensureLimiter(p.Name())
}

func (d *Dispatcher) ensureLimiter(name string) {
	if d.cfg.RequestsPerMinute <= 0 {
		return
	}
	if _, ok := d.limiters[name]; ok {
		return
	}
	lim, _ := slidingwindow.NewLimiter(time.Minute, d.cfg.RequestsPerMinute, func() (slidingwindow.Window, slidingwindow.StopFunc) {
		return slidingwindow.NewLocalWindow()
	})
	d.limiters[name] = lim
}

func (d *Dispatcher) resolveText(name string) (Provider, error) {
	if name == "" {
		name = d.cfg.DefaultTextProvider
	}
	p, ok := d.text[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

func (d *Dispatcher) resolveImage(name string) (ImageProvider, error) {
	if name == "" {
		name = d.cfg.DefaultImageProvider
	}
	p, ok := d.image[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

// waitLimit blocks cooperatively until the provider's rate window admits
// another request, or the context ends.
func (d *Dispatcher) waitLimit(ctx context.Context, provider string) error {
	lim, ok := d.limiters[provider]
	if !ok {
		return nil
	}
	for !lim.Allow() {
		timer := time.NewTimer(100 * time.Millisecond)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return nil
}

func (d *Dispatcher) trim(req *Request) {
	if d.cfg.MaxInputTokens <= 0 {
		return
	}
	if req.Prompt != "" {
		req.Prompt = TrimContext(req.Prompt, d.cfg.MaxInputTokens, d.cfg.Tokenizer)
		return
	}
	// trim whole leading messages until the remainder fits, keeping the
	// most recent turns intact
	total := 0
	for _, m := range req.Messages {
		total += EstimateTokens(m.Content, d.cfg.Tokenizer)
	}
	for total > d.cfg.MaxInputTokens && len(req.Messages) > 1 {
		total -= EstimateTokens(req.Messages[0].Content, d.cfg.Tokenizer)
		req.Messages = req.Messages[1:]
	}
	if total > d.cfg.MaxInputTokens && len(req.Messages) == 1 {
		req.Messages[0].Content = TrimContext(req.Messages[0].Content, d.cfg.MaxInputTokens, d.cfg.Tokenizer)
	}
}

// GenerateText runs a single text generation. No local parse check applies,
// so there is no retry loop here; provider errors surface directly.
func (d *Dispatcher) GenerateText(ctx context.Context, req *Request) (*TextResult, error) {
	ctx, span := tracer.Start(ctx, "GenerateText")
	defer span.End()

	p, err := d.resolveText(req.Provider)
	if err != nil {
		return nil, err
	}
	d.trim(req)
	if err := d.waitLimit(ctx, p.Name()); err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := p.GenerateText(ctx, req)
	generationDuration.WithLabelValues(p.Name(), "text").Observe(time.Since(start).Seconds())
	if err != nil {
		generationsFailed.WithLabelValues(p.Name(), "text").Inc()
		return nil, err
	}
	generationsProcessed.WithLabelValues(p.Name(), "text").Inc()
	tokensConsumed.WithLabelValues(p.Name()).Add(float64(res.Usage.TotalTokens))
	return res, nil
}

// GenerateObject generates JSON output and unmarshals it into out. Any
// provider error or failed local parse triggers the doubling backoff with no
// attempt bound; callers are responsible for wrapping this in a timeout or
// cancellation. Usage from every attempt is summed, since tokens were
// consumed whether or not the output parsed.
func (d *Dispatcher) GenerateObject(ctx context.Context, req *Request, out any) (*Usage, error) {
	ctx, span := tracer.Start(ctx, "GenerateObject")
	defer span.End()

	p, err := d.resolveText(req.Provider)
	if err != nil {
		return nil, err
	}
	d.trim(req)

	usage := &Usage{}
	err = backoff(ctx, d.cfg.RetryDelay, 0, func(ctx context.Context) error {
		if err := d.waitLimit(ctx, p.Name()); err != nil {
			return err
		}
		start := time.Now()
		res, err := p.GenerateText(ctx, req)
		generationDuration.WithLabelValues(p.Name(), "object").Observe(time.Since(start).Seconds())
		if err != nil {
			generationsFailed.WithLabelValues(p.Name(), "object").Inc()
			d.logger.Warn("object generation attempt failed", "provider", p.Name(), "err", err)
			return err
		}
		usage.Add(&res.Usage)
		if err := json.Unmarshal(extractJSON(res.Text), out); err != nil {
			generationsFailed.WithLabelValues(p.Name(), "object").Inc()
			d.logger.Warn("object generation failed local parse", "provider", p.Name(), "err", err)
			return fmt.Errorf("response failed local parse: %w", err)
		}
		return nil
	})
	if err != nil {
		return usage, err
	}
	generationsProcessed.WithLabelValues(p.Name(), "object").Inc()
	tokensConsumed.WithLabelValues(p.Name()).Add(float64(usage.TotalTokens))
	return usage, nil
}

// GenerateImage runs image generation with a hard bound of ImageMaxAttempts
// total attempts. Image calls are too expensive to loop on the way
// parse-checked text calls do; after the bound the failure is surfaced.
func (d *Dispatcher) GenerateImage(ctx context.Context, req *ImageRequest) (*ImageResult, error) {
	ctx, span := tracer.Start(ctx, "GenerateImage")
	defer span.End()

	p, err := d.resolveImage(req.Provider)
	if err != nil {
		return nil, err
	}

	var res *ImageResult
	usage := &Usage{}
	err = backoff(ctx, d.cfg.RetryDelay, ImageMaxAttempts, func(ctx context.Context) error {
		if err := d.waitLimit(ctx, p.Name()); err != nil {
			return err
		}
		start := time.Now()
		r, err := p.GenerateImage(ctx, req)
		generationDuration.WithLabelValues(p.Name(), "image").Observe(time.Since(start).Seconds())
		if err != nil {
			generationsFailed.WithLabelValues(p.Name(), "image").Inc()
			d.logger.Warn("image generation attempt failed", "provider", p.Name(), "err", err)
			return err
		}
		usage.Add(&r.Usage)
		res = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.Usage = *usage
	generationsProcessed.WithLabelValues(p.Name(), "image").Inc()
	imagesCreated.WithLabelValues(p.Name()).Add(float64(res.Usage.ImagesCreated))
	return res, nil
}

// extractJSON strips markdown code fences and any prose around the first
// top-level JSON value. Models wrap JSON output often enough that feeding
// raw text to json.Unmarshal would waste a retry cycle.
func extractJSON(text string) []byte {
	text = strings.TrimSpace(text)
	if idx := strings.Index(text, "```"); idx >= 0 {
		rest := text[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			return []byte(strings.TrimSpace(rest[:end]))
		}
		return []byte(strings.TrimSpace(rest))
	}
	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return []byte(text)
	}
	open := text[start]
	var close byte = '}'
	if open == '[' {
		close = ']'
	}
	if end := strings.LastIndexByte(text, close); end > start {
		return []byte(text[start : end+1])
	}
	return []byte(text[start:])
}
