package graph

import (
	"context"
	"errors"

	"github.com/topiary-social/topiary/models"
)

var (
	// ErrPostNotFound means the underlying post does not exist on the
	// social graph (never published, or deleted).
	ErrPostNotFound = errors.New("post not found on social graph")
)

// Post is the on-graph record a SmartMedia evolves. Deleted posts surface
// with Deleted set rather than an error, so callers can distinguish "gone"
// from "fetch failed".
type Post struct {
	ID        string `json:"id"`
	Author    string `json:"author"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
	Deleted   bool   `json:"deleted,omitempty"`
}

// Comment is an audience reply, with the accounts that up-voted it.
type Comment struct {
	ID        string   `json:"id"`
	Author    string   `json:"author"`
	Content   string   `json:"content"`
	Timestamp int64    `json:"timestamp"`
	Upvoters  []string `json:"upvoters,omitempty"`
}

// Client is the boundary to the social-graph and content-storage
// collaborators. The update pipeline only ever talks to these systems
// through this interface; authentication and signing happen inside the
// implementation.
type Client interface {
	// GetPost fetches the current on-graph state of a post. Returns
	// ErrPostNotFound if the post never existed.
	GetPost(ctx context.Context, postID string) (*Post, error)
	// GetComments returns all comments on a post, oldest first.
	GetComments(ctx context.Context, postID string) ([]*Comment, error)
	// GetCollectors returns the accounts that collected the post. Only
	// collectors' votes count toward narrative direction.
	GetCollectors(ctx context.Context, postID string) ([]string, error)
	// TokenBalance reports an account's balance of the given token.
	TokenBalance(ctx context.Context, token *models.TokenRef, account string) (float64, error)
	// RefreshMetadata asks the graph to re-resolve a post's metadata
	// document after its URI content changed.
	RefreshMetadata(ctx context.Context, postID string) error
	// ResolveContent fetches the document behind a content URI.
	ResolveContent(ctx context.Context, uri string) ([]byte, error)
	// StoreContent writes a document to content-addressed storage and
	// returns its URI.
	StoreContent(ctx context.Context, data []byte, contentType string) (string, error)
}
