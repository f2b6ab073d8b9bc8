package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/topiary-social/topiary/models"
	"github.com/topiary-social/topiary/pkg/robusthttp"
)

// HTTPClient talks to a graph gateway service over HTTP. Collector sets and
// token balances change slowly relative to update cadence, so both get a
// short-lived in-process cache to keep vote weighting from hammering the
// gateway on every sweep.
type HTTPClient struct {
	host    string
	apiKey  string
	client  *http.Client
	logger  *slog.Logger
	limiter *rate.Limiter

	collectorCache *expirable.LRU[string, []string]
	balanceCache   *expirable.LRU[string, float64]
}

var _ Client = (*HTTPClient)(nil)

type HTTPClientConfig struct {
	Host   string
	APIKey string
	// RequestsPerSecond bounds calls to the gateway; 0 means 10.
	RequestsPerSecond int
	// CacheTTL for collector sets and token balances; 0 means 1 minute.
	CacheTTL time.Duration
}

func NewHTTPClient(logger *slog.Logger, config HTTPClientConfig) (*HTTPClient, error) {
	if config.Host == "" {
		return nil, fmt.Errorf("graph gateway host must be configured")
	}
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 10
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		host:           config.Host,
		apiKey:         config.APIKey,
		client:         robusthttp.NewClient(),
		logger:         logger.With("component", "graph"),
		limiter:        rate.NewLimiter(rate.Limit(config.RequestsPerSecond), 1),
		collectorCache: expirable.NewLRU[string, []string](10_000, nil, config.CacheTTL),
		balanceCache:   expirable.NewLRU[string, float64](100_000, nil, config.CacheTTL),
	}, nil
}

func (c *HTTPClient) GetPost(ctx context.Context, postID string) (*Post, error) {
	var post Post
	if err := c.get(ctx, "/v1/posts/"+url.PathEscape(postID), &post); err != nil {
		return nil, err
	}
	return &post, nil
}

func (c *HTTPClient) GetComments(ctx context.Context, postID string) ([]*Comment, error) {
	var out struct {
		Comments []*Comment `json:"comments"`
	}
	if err := c.get(ctx, "/v1/posts/"+url.PathEscape(postID)+"/comments", &out); err != nil {
		return nil, err
	}
	return out.Comments, nil
}

func (c *HTTPClient) GetCollectors(ctx context.Context, postID string) ([]string, error) {
	if cached, ok := c.collectorCache.Get(postID); ok {
		return cached, nil
	}
	var out struct {
		Collectors []string `json:"collectors"`
	}
	if err := c.get(ctx, "/v1/posts/"+url.PathEscape(postID)+"/collectors", &out); err != nil {
		return nil, err
	}
	c.collectorCache.Add(postID, out.Collectors)
	return out.Collectors, nil
}

func (c *HTTPClient) TokenBalance(ctx context.Context, token *models.TokenRef, account string) (float64, error) {
	if token == nil {
		return 0, nil
	}
	key := token.Chain + "/" + token.Address + "/" + account
	if cached, ok := c.balanceCache.Get(key); ok {
		return cached, nil
	}
	var out struct {
		Balance float64 `json:"balance"`
	}
	path := fmt.Sprintf("/v1/tokens/%s/%s/balance/%s",
		url.PathEscape(token.Chain), url.PathEscape(token.Address), url.PathEscape(account))
	if err := c.get(ctx, path, &out); err != nil {
		return 0, err
	}
	c.balanceCache.Add(key, out.Balance)
	return out.Balance, nil
}

func (c *HTTPClient) RefreshMetadata(ctx context.Context, postID string) error {
	return c.post(ctx, "/v1/posts/"+url.PathEscape(postID)+"/refresh", nil, nil)
}

func (c *HTTPClient) ResolveContent(ctx context.Context, uri string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, "GET", c.host+"/v1/content?uri="+url.QueryEscape(uri), nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)

	start := time.Now()
	resp, err := c.client.Do(req)
	graphRequestDuration.WithLabelValues("resolve_content").Observe(time.Since(start).Seconds())
	if err != nil {
		graphRequestsFailed.WithLabelValues("resolve_content").Inc()
		return nil, fmt.Errorf("resolving content: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrPostNotFound
	}
	if resp.StatusCode != http.StatusOK {
		graphRequestsFailed.WithLabelValues("resolve_content").Inc()
		return nil, fmt.Errorf("content resolution returned status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<26))
}

func (c *HTTPClient) StoreContent(ctx context.Context, data []byte, contentType string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.host+"/v1/content", bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", contentType)
	c.authorize(req)

	start := time.Now()
	resp, err := c.client.Do(req)
	graphRequestDuration.WithLabelValues("store_content").Observe(time.Since(start).Seconds())
	if err != nil {
		graphRequestsFailed.WithLabelValues("store_content").Inc()
		return "", fmt.Errorf("storing content: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		graphRequestsFailed.WithLabelValues("store_content").Inc()
		return "", fmt.Errorf("content storage returned status %d", resp.StatusCode)
	}
	var out struct {
		URI string `json:"uri"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding storage response: %w", err)
	}
	if out.URI == "" {
		return "", fmt.Errorf("content storage returned empty URI")
	}
	return out.URI, nil
}

func (c *HTTPClient) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *HTTPClient) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, "GET", path, nil, out)
}

func (c *HTTPClient) post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, "POST", path, body, out)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.host+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	op := method + " " + path
	start := time.Now()
	resp, err := c.client.Do(req)
	graphRequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if err != nil {
		graphRequestsFailed.WithLabelValues(method).Inc()
		return fmt.Errorf("graph request failed (%s): %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrPostNotFound
	}
	if resp.StatusCode != http.StatusOK {
		graphRequestsFailed.WithLabelValues(method).Inc()
		return fmt.Errorf("graph request returned status %d (%s)", resp.StatusCode, op)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding graph response (%s): %w", op, err)
	}
	return nil
}
