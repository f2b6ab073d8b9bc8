// Package store persists SmartMedia lifecycle records. The document store
// keeps one record per postId plus the full append-only version history;
// the hot path reads go through the cache layer in cache.go.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/topiary-social/topiary/models"
)

// ErrMediaNotFound is returned for postIds with no persisted record.
var ErrMediaNotFound = errors.New("smart media not found")

type Store interface {
	// GetMedia returns the record with the hot version window (most
	// recent models.HotVersionWindow prior URIs).
	GetMedia(ctx context.Context, postID string) (*models.SmartMedia, error)
	// GetMediaWithHistory returns the record with the full version
	// history.
	GetMediaWithHistory(ctx context.Context, postID string) (*models.SmartMedia, error)
	// ListDue returns up to limit ACTIVE records whose staleness horizon
	// has passed.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*models.SmartMedia, error)
	// CreateMedia persists a new record. The postId must be unused.
	CreateMedia(ctx context.Context, media *models.SmartMedia) error
	// SetStatus transitions the lifecycle status without touching
	// content, versions, or UpdatedAt.
	SetStatus(ctx context.Context, postID string, status models.MediaStatus) error
	// AppendVersion applies an accepted content update atomically: the
	// prior URI joins the version history, VersionCount increments by
	// exactly one, UpdatedAt advances, a FAILED or DISABLED status is
	// cleared back to ACTIVE. Returns the updated record.
	AppendVersion(ctx context.Context, postID, newURI string, templateData json.RawMessage, now time.Time) (*models.SmartMedia, error)
}
