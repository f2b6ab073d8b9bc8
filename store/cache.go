package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"

	"github.com/topiary-social/topiary/models"
)

// key prefixes for the two cache namespaces
var (
	mediaCachePrefix   = "media/"
	previewCachePrefix = "preview/"
)

// ErrNotCached is returned on cache misses for both namespaces.
var ErrNotCached = errors.New("not cached")

// Cache is the volatile layer: hot SmartMedia records keyed by postId, and
// ephemeral previews keyed by agentId. Previews live only here; they are
// never persisted, and the TTL is their eviction horizon.
//
// Includes an in-process LRU tier as well (provided by the redis client
// library), for hot keys.
type Cache struct {
	media      *cache.Cache
	previews   *cache.Cache
	mediaTTL   time.Duration
	previewTTL time.Duration
}

type CacheConfig struct {
	// MediaTTL bounds hot-record staleness; 0 means 10 minutes.
	MediaTTL time.Duration
	// PreviewTTL is the preview eviction horizon; 0 means 1 hour.
	PreviewTTL time.Duration
	// LocalSize is the in-process LRU size per namespace; 0 means 10000.
	LocalSize int
}

func (c *CacheConfig) setDefaults() {
	if c.MediaTTL <= 0 {
		c.MediaTTL = 10 * time.Minute
	}
	if c.PreviewTTL <= 0 {
		c.PreviewTTL = time.Hour
	}
	if c.LocalSize <= 0 {
		c.LocalSize = 10_000
	}
}

// NewCache connects to redis and layers a local LRU tier on top.
func NewCache(redisURL string, config CacheConfig) (*Cache, error) {
	config.setDefaults()
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("could not configure redis cache: %w", err)
	}
	rdb := redis.NewClient(opt)
	if _, err := rdb.Ping(context.TODO()).Result(); err != nil {
		return nil, fmt.Errorf("could not connect to redis cache: %w", err)
	}
	return &Cache{
		media: cache.New(&cache.Options{
			Redis:      rdb,
			LocalCache: cache.NewTinyLFU(config.LocalSize, config.MediaTTL),
		}),
		previews: cache.New(&cache.Options{
			Redis:      rdb,
			LocalCache: cache.NewTinyLFU(config.LocalSize, config.PreviewTTL),
		}),
		mediaTTL:   config.MediaTTL,
		previewTTL: config.PreviewTTL,
	}, nil
}

// NewLocalCache builds a process-local Cache with no redis behind it, for
// tests and single-node development.
func NewLocalCache(config CacheConfig) *Cache {
	config.setDefaults()
	return &Cache{
		media: cache.New(&cache.Options{
			LocalCache: cache.NewTinyLFU(config.LocalSize, config.MediaTTL),
		}),
		previews: cache.New(&cache.Options{
			LocalCache: cache.NewTinyLFU(config.LocalSize, config.PreviewTTL),
		}),
		mediaTTL:   config.MediaTTL,
		previewTTL: config.PreviewTTL,
	}
}

func (c *Cache) GetMedia(ctx context.Context, postID string) (*models.SmartMedia, error) {
	var m models.SmartMedia
	err := c.media.Get(ctx, mediaCachePrefix+postID, &m)
	if err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return nil, ErrNotCached
		}
		return nil, err
	}
	return &m, nil
}

func (c *Cache) SetMedia(ctx context.Context, m *models.SmartMedia) error {
	return c.media.Set(&cache.Item{
		Ctx:   ctx,
		Key:   mediaCachePrefix + m.PostID,
		Value: m,
		TTL:   c.mediaTTL,
	})
}

func (c *Cache) PurgeMedia(ctx context.Context, postID string) error {
	err := c.media.Delete(ctx, mediaCachePrefix+postID)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil
	}
	return err
}

func (c *Cache) GetPreview(ctx context.Context, agentID string) (*models.Preview, error) {
	var p models.Preview
	err := c.previews.Get(ctx, previewCachePrefix+agentID, &p)
	if err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return nil, ErrNotCached
		}
		return nil, err
	}
	return &p, nil
}

func (c *Cache) SetPreview(ctx context.Context, p *models.Preview) error {
	return c.previews.Set(&cache.Item{
		Ctx:   ctx,
		Key:   previewCachePrefix + p.AgentID,
		Value: p,
		TTL:   c.previewTTL,
	})
}

// DeletePreview removes a preview, typically on promotion into a committed
// SmartMedia.
func (c *Cache) DeletePreview(ctx context.Context, agentID string) error {
	err := c.previews.Delete(ctx, previewCachePrefix+agentID)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil
	}
	return err
}
