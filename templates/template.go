// Package templates defines the pluggable strategy that decides and
// produces the next version of a SmartMedia's content, plus the concrete
// template implementations.
package templates

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"github.com/topiary-social/topiary/dispatch"
	"github.com/topiary-social/topiary/graph"
	"github.com/topiary-social/topiary/models"
)

// PrepareRequest carries the inputs for generating a fresh draft.
type PrepareRequest struct {
	Creator string
	// Params is template-specific and opaque to the pipeline.
	Params json.RawMessage
}

// HandlerContext is everything a template sees for one update run.
type HandlerContext struct {
	Media *models.SmartMedia
	// Force bypasses the template's own staleness/engagement gate. It
	// does not bypass credit or authorization checks; those belong to
	// the orchestrator.
	Force      bool
	Graph      graph.Client
	Dispatcher *dispatch.Dispatcher
	Logger     *slog.Logger
}

// Result is a template run's verdict. A nil Result, or one carrying zero
// usage and no metadata-refresh request, is a no-op; a Result with a new
// URI and/or new template data is an accepted content update.
type Result struct {
	URI          string
	TemplateData json.RawMessage
	// RefreshMetadata asks the pipeline to tell the social graph to
	// re-resolve the post's metadata document.
	RefreshMetadata bool
	Usage           dispatch.Usage
	// Model the usage bills against.
	Model string
}

// NoOp reports whether this result leaves the post untouched.
func (r *Result) NoOp() bool {
	return r == nil || (r.Usage.IsZero() && !r.RefreshMetadata)
}

// Template is a named strategy owning one category of smart media
// evolution.
type Template interface {
	Name() string
	// Premium templates never draw from the free tier.
	Premium() bool
	// Prepare generates an uncommitted draft for preview.
	Prepare(ctx context.Context, req *PrepareRequest) (*models.Preview, *dispatch.Usage, error)
	// Handle runs one update cycle. Returning (nil, nil) means "nothing
	// to do"; errors count as pipeline failures.
	Handle(ctx context.Context, hc *HandlerContext) (*Result, error)
}

// CanvasRenderer is implemented by templates that can render an HTML canvas
// view of a post.
type CanvasRenderer interface {
	Canvas(media *models.SmartMedia) ([]byte, error)
}

// Registry resolves template names. Populated once at startup and injected
// into the orchestrator; templates are never looked up from process-global
// state.
type Registry interface {
	Get(name string) (Template, bool)
	Names() []string
}

type MapRegistry struct {
	mu sync.RWMutex
	m  map[string]Template
}

var _ Registry = (*MapRegistry)(nil)

func NewRegistry(tmpls ...Template) *MapRegistry {
	r := &MapRegistry{m: make(map[string]Template, len(tmpls))}
	for _, t := range tmpls {
		r.m[t.Name()] = t
	}
	return r
}

func (r *MapRegistry) Register(t Template) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[t.Name()] = t
}

func (r *MapRegistry) Get(name string) (Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.m[name]
	return t, ok
}

func (r *MapRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.m))
	for n := range r.m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
