package smartmedia

import "errors"

// Local, synchronous errors. Each maps directly to an HTTP status at the
// server boundary and is never retried.
var (
	// ErrNotFound means the referenced post does not exist.
	ErrNotFound = errors.New("smart media not found")

	// ErrPreviewNotFound means the referenced agentId has no cached draft,
	// either because it never existed or because the cache evicted it.
	ErrPreviewNotFound = errors.New("preview not found")

	// ErrNotAuthorized means the actor is not the recorded creator of the
	// post attempting a creator-only action.
	ErrNotAuthorized = errors.New("only the creator may do that")

	// ErrUnknownTemplate means the named template is not registered.
	ErrUnknownTemplate = errors.New("unknown template")

	// ErrInvalidRequest means the request payload is structurally invalid.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrInsufficientCredits means admission control rejected the request
	// before any generation work was performed.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrNoCanvas means the post's template does not render a canvas.
	ErrNoCanvas = errors.New("no canvas for this post")
)
