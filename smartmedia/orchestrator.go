// Package smartmedia is the core domain: the lifecycle state machine that
// decides when a post is due, admits the work, runs its template, and
// persists the outcome.
package smartmedia

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/topiary-social/topiary/dispatch"
	"github.com/topiary-social/topiary/graph"
	"github.com/topiary-social/topiary/models"
	"github.com/topiary-social/topiary/smartmedia/taskqueue"
	"github.com/topiary-social/topiary/store"
	"github.com/topiary-social/topiary/templates"
)

var tracer = otel.Tracer("smartmedia")

// Ledger is the slice of credit accounting the orchestrator needs. Both
// admission calls may consume a free-tier slot; the free flag tells the
// caller to skip the post-hoc debit for that run.
type Ledger interface {
	CanAfford(ctx context.Context, creator, templateName string) (allowed, free bool, err error)
	PreviewAdmission(ctx context.Context, creator, templateName string) (allowed, free bool, err error)
	Debit(ctx context.Context, creator, modelID string, usage *dispatch.Usage) error
}

type OrchestratorConfig struct {
	// FreezeMultiplier scales a post's maxStaleTime into its freeze
	// threshold.
	FreezeMultiplier int64
	// FreezeFloor is the minimum freeze threshold regardless of how short
	// the post's staleness horizon is.
	FreezeFloor time.Duration
	// DefaultMaxStaleTime applies when a commit does not set one.
	DefaultMaxStaleTime time.Duration
}

func (c *OrchestratorConfig) setDefaults() {
	if c.FreezeMultiplier <= 0 {
		c.FreezeMultiplier = 5
	}
	if c.FreezeFloor <= 0 {
		c.FreezeFloor = 24 * time.Hour
	}
	if c.DefaultMaxStaleTime <= 0 {
		c.DefaultMaxStaleTime = 24 * time.Hour
	}
}

// Orchestrator drives the ACTIVE/FAILED/DISABLED state machine for every
// post. Concurrent updates to the same postId are prevented by the task
// queue's single-flight guarantee, so the lifecycle record itself needs no
// extra locking.
type Orchestrator struct {
	store      store.Store
	cache      *store.Cache
	ledger     Ledger
	queue      *taskqueue.Queue
	registry   templates.Registry
	graph      graph.Client
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
	cfg        OrchestratorConfig
}

func NewOrchestrator(st store.Store, cache *store.Cache, ledger Ledger, queue *taskqueue.Queue, registry templates.Registry, gc graph.Client, disp *dispatch.Dispatcher, logger *slog.Logger, cfg OrchestratorConfig) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.setDefaults()
	return &Orchestrator{
		store:      st,
		cache:      cache,
		ledger:     ledger,
		queue:      queue,
		registry:   registry,
		graph:      gc,
		dispatcher: disp,
		logger:     logger.With("component", "smartmedia"),
		cfg:        cfg,
	}
}

// freezeThreshold is how long a post may keep failing before it is frozen
// to FAILED.
func (o *Orchestrator) freezeThreshold(media *models.SmartMedia) time.Duration {
	d := time.Duration(o.cfg.FreezeMultiplier*media.MaxStaleTime) * time.Second
	if d < o.cfg.FreezeFloor {
		d = o.cfg.FreezeFloor
	}
	return d
}

// Get returns the current post state and whether an update is in flight.
// Hot reads go through the cache; history reads always hit the store.
func (o *Orchestrator) Get(ctx context.Context, postID string, withHistory bool) (*models.SmartMedia, bool, error) {
	busy := o.queue.IsBusy(postID)

	if withHistory {
		media, err := o.store.GetMediaWithHistory(ctx, postID)
		if err != nil {
			return nil, busy, o.mapStoreErr(err)
		}
		return media, busy, nil
	}

	if o.cache != nil {
		if media, err := o.cache.GetMedia(ctx, postID); err == nil {
			return media, busy, nil
		}
	}
	media, err := o.store.GetMedia(ctx, postID)
	if err != nil {
		return nil, busy, o.mapStoreErr(err)
	}
	if o.cache != nil {
		if err := o.cache.SetMedia(ctx, media); err != nil {
			o.logger.Warn("caching media failed", "post", postID, "err", err)
		}
	}
	return media, busy, nil
}

// RequestUpdate triggers a regeneration for the post. It returns true when
// a new job was admitted and false when one is already in flight. The job
// runs detached from the caller's context.
func (o *Orchestrator) RequestUpdate(ctx context.Context, postID string, force bool, actor string) (bool, error) {
	ctx, span := tracer.Start(ctx, "RequestUpdate")
	defer span.End()
	span.SetAttributes(attribute.String("post", postID), attribute.Bool("force", force))

	if o.queue.IsBusy(postID) {
		return false, nil
	}

	free, err := o.admitUpdate(ctx, postID, force, actor)
	if err != nil {
		return false, err
	}

	accepted := o.queue.Submit(ctx, postID, func(jobCtx context.Context) error {
		return o.runUpdate(jobCtx, postID, force, free)
	})
	if accepted {
		updatesAccepted.Inc()
	}
	return accepted, nil
}

// UpdateNow is RequestUpdate for callers that supply their own worker pool:
// the cycle runs on the calling goroutine and this returns when it is done.
// The single-flight guarantee still holds against concurrent triggers.
func (o *Orchestrator) UpdateNow(ctx context.Context, postID string, force bool, actor string) (bool, error) {
	if o.queue.IsBusy(postID) {
		return false, nil
	}

	free, err := o.admitUpdate(ctx, postID, force, actor)
	if err != nil {
		return false, err
	}

	accepted := o.queue.SubmitSync(ctx, postID, func(jobCtx context.Context) error {
		return o.runUpdate(jobCtx, postID, force, free)
	})
	if accepted {
		updatesAccepted.Inc()
	}
	return accepted, nil
}

// admitUpdate runs the pre-queue checks for a full update. A DISABLED post
// only admits a forced update, and forced updates are creator-only.
func (o *Orchestrator) admitUpdate(ctx context.Context, postID string, force bool, actor string) (free bool, err error) {
	media, err := o.store.GetMedia(ctx, postID)
	if err != nil {
		return false, o.mapStoreErr(err)
	}
	if force && actor != media.Creator {
		return false, fmt.Errorf("%w: forced update of %s", ErrNotAuthorized, postID)
	}
	if !force && media.IsDisabled() {
		return false, fmt.Errorf("%w: post %s is disabled", ErrInvalidRequest, postID)
	}
	allowed, free, err := o.ledger.CanAfford(ctx, media.Creator, media.Template)
	if err != nil {
		return false, fmt.Errorf("admission check: %w", err)
	}
	if !allowed {
		return false, fmt.Errorf("%w: creator %s", ErrInsufficientCredits, media.Creator)
	}
	return free, nil
}

// runUpdate is one full update cycle for a post whose queue slot is held.
func (o *Orchestrator) runUpdate(ctx context.Context, postID string, force, free bool) error {
	ctx, span := tracer.Start(ctx, "runUpdate")
	defer span.End()

	// Re-read under the queue slot: the admission snapshot may predate a
	// concurrent job for the same post that has since finished.
	media, err := o.store.GetMedia(ctx, postID)
	if err != nil {
		return o.mapStoreErr(err)
	}
	if !force && media.IsDisabled() {
		return nil
	}
	span.SetAttributes(attribute.String("post", media.PostID), attribute.String("template", media.Template))

	log := o.logger.With("post", media.PostID, "template", media.Template)

	post, err := o.graph.GetPost(ctx, media.PostID)
	if errors.Is(err, graph.ErrPostNotFound) || (err == nil && post.Deleted) {
		log.Info("underlying post deleted, disabling")
		if serr := o.store.SetStatus(ctx, media.PostID, models.StatusDisabled); serr != nil {
			return fmt.Errorf("disabling deleted post: %w", serr)
		}
		o.purge(ctx, media.PostID)
		postsFrozen.WithLabelValues(string(models.StatusDisabled)).Inc()
		return nil
	}
	if err != nil {
		return o.absorbFailure(ctx, media, fmt.Errorf("fetching post: %w", err))
	}

	tmpl, ok := o.registry.Get(media.Template)
	if !ok {
		return o.absorbFailure(ctx, media, fmt.Errorf("%w: %q", ErrUnknownTemplate, media.Template))
	}

	res, err := tmpl.Handle(ctx, &templates.HandlerContext{
		Media:      media,
		Force:      force,
		Graph:      o.graph,
		Dispatcher: o.dispatcher,
		Logger:     log,
	})
	if err != nil {
		return o.absorbFailure(ctx, media, fmt.Errorf("handler: %w", err))
	}
	if res.NoOp() {
		updatesNoop.Inc()
		return o.absorbFailure(ctx, media, nil)
	}

	updated, err := o.store.AppendVersion(ctx, media.PostID, res.URI, res.TemplateData, time.Now())
	if err != nil {
		return o.absorbFailure(ctx, media, fmt.Errorf("appending version: %w", err))
	}
	versionsAppended.Inc()

	if !free && !res.Usage.IsZero() {
		if err := o.ledger.Debit(ctx, media.Creator, res.Model, &res.Usage); err != nil {
			// Billing failure never rolls back a persisted version.
			log.Error("debit failed", "err", err)
		}
	}

	if res.RefreshMetadata {
		if err := o.graph.RefreshMetadata(ctx, media.PostID); err != nil {
			// Confirmed external failure, no grace window.
			log.Error("metadata refresh failed, freezing", "err", err)
			if serr := o.store.SetStatus(ctx, media.PostID, models.StatusFailed); serr != nil {
				log.Error("persisting FAILED status", "err", serr)
			}
			o.purge(ctx, media.PostID)
			postsFrozen.WithLabelValues(string(models.StatusFailed)).Inc()
			return fmt.Errorf("metadata refresh: %w", err)
		}
	}

	if o.cache != nil {
		if err := o.cache.SetMedia(ctx, updated); err != nil {
			log.Warn("caching updated media failed", "err", err)
		}
	}
	log.Info("version appended", "version", updated.VersionCount, "uri", updated.URI)
	return nil
}

// absorbFailure applies the circuit breaker: below the freeze threshold a
// failed or empty run changes nothing; past it, an ACTIVE post flips to
// FAILED exactly once.
func (o *Orchestrator) absorbFailure(ctx context.Context, media *models.SmartMedia, cause error) error {
	if cause != nil {
		updatesFailed.Inc()
		o.logger.Warn("update failed", "post", media.PostID, "err", cause)
	}

	sinceSuccess := time.Since(time.Unix(media.UpdatedAt, 0))
	if sinceSuccess <= o.freezeThreshold(media) {
		return cause
	}
	if media.CurrentStatus() != models.StatusActive {
		return cause
	}

	o.logger.Warn("freeze threshold exceeded, marking FAILED",
		"post", media.PostID, "sinceSuccess", sinceSuccess)
	if err := o.store.SetStatus(ctx, media.PostID, models.StatusFailed); err != nil {
		o.logger.Error("persisting FAILED status", "post", media.PostID, "err", err)
		return err
	}
	o.purge(ctx, media.PostID)
	postsFrozen.WithLabelValues(string(models.StatusFailed)).Inc()
	return cause
}

// Disable is the creator-only kill switch. A disabled post is never swept
// again; only a later explicit update that produces a version re-arms it.
func (o *Orchestrator) Disable(ctx context.Context, postID, actor string) error {
	media, err := o.store.GetMedia(ctx, postID)
	if err != nil {
		return o.mapStoreErr(err)
	}
	if actor != media.Creator {
		return fmt.Errorf("%w: disable of %s", ErrNotAuthorized, postID)
	}
	if err := o.store.SetStatus(ctx, postID, models.StatusDisabled); err != nil {
		return err
	}
	o.purge(ctx, postID)
	postsFrozen.WithLabelValues(string(models.StatusDisabled)).Inc()
	return nil
}

// CreatePreview generates an uncommitted draft under a fresh agentId. Free
// tier slots are consumed by the admission check itself; paid previews are
// debited post-hoc for the usage actually reported.
func (o *Orchestrator) CreatePreview(ctx context.Context, creator, templateName string, params json.RawMessage) (*models.Preview, error) {
	ctx, span := tracer.Start(ctx, "CreatePreview")
	defer span.End()

	tmpl, ok := o.registry.Get(templateName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTemplate, templateName)
	}

	allowed, free, err := o.ledger.PreviewAdmission(ctx, creator, templateName)
	if err != nil {
		return nil, fmt.Errorf("admission check: %w", err)
	}
	if !allowed {
		return nil, fmt.Errorf("%w: creator %s", ErrInsufficientCredits, creator)
	}

	preview, usage, err := tmpl.Prepare(ctx, &templates.PrepareRequest{
		Creator: creator,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("preparing preview: %w", err)
	}

	preview.AgentID = ulid.Make().String()
	preview.CreatedAt = time.Now().Unix()

	if !free && usage != nil && !usage.IsZero() {
		if err := o.ledger.Debit(ctx, creator, "", usage); err != nil {
			o.logger.Error("preview debit failed", "creator", creator, "err", err)
		}
	}

	if err := o.cache.SetPreview(ctx, preview); err != nil {
		return nil, fmt.Errorf("caching preview: %w", err)
	}
	previewsCreated.Inc()
	return preview, nil
}

// CommitRequest commits either a cached preview (AgentID set) or fresh
// template params into a persisted post.
type CommitRequest struct {
	Creator  string
	PostID   string
	AgentID  string
	Template string
	Params   json.RawMessage
	// Token opts the post into token-weighted voting.
	Token *models.TokenRef
	// MaxStaleTime in seconds; zero takes the configured default.
	MaxStaleTime int64
}

func (o *Orchestrator) CommitPost(ctx context.Context, req *CommitRequest) (*models.SmartMedia, error) {
	ctx, span := tracer.Start(ctx, "CommitPost")
	defer span.End()

	if req.PostID == "" {
		return nil, fmt.Errorf("%w: missing postId", ErrInvalidRequest)
	}

	var preview *models.Preview
	switch {
	case req.AgentID != "":
		p, err := o.cache.GetPreview(ctx, req.AgentID)
		if errors.Is(err, store.ErrNotCached) {
			return nil, fmt.Errorf("%w: agentId %s", ErrPreviewNotFound, req.AgentID)
		}
		if err != nil {
			return nil, fmt.Errorf("loading preview: %w", err)
		}
		if p.Creator != req.Creator {
			return nil, fmt.Errorf("%w: commit of preview %s", ErrNotAuthorized, req.AgentID)
		}
		preview = p

	case req.Template != "":
		tmpl, ok := o.registry.Get(req.Template)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownTemplate, req.Template)
		}
		allowed, free, err := o.ledger.PreviewAdmission(ctx, req.Creator, req.Template)
		if err != nil {
			return nil, fmt.Errorf("admission check: %w", err)
		}
		if !allowed {
			return nil, fmt.Errorf("%w: creator %s", ErrInsufficientCredits, req.Creator)
		}
		p, usage, err := tmpl.Prepare(ctx, &templates.PrepareRequest{
			Creator: req.Creator,
			Params:  req.Params,
		})
		if err != nil {
			return nil, fmt.Errorf("preparing post: %w", err)
		}
		if !free && usage != nil && !usage.IsZero() {
			if derr := o.ledger.Debit(ctx, req.Creator, "", usage); derr != nil {
				o.logger.Error("commit debit failed", "creator", req.Creator, "err", derr)
			}
		}
		preview = p

	default:
		return nil, fmt.Errorf("%w: need agentId or template params", ErrInvalidRequest)
	}

	if req.Token != nil {
		preview.Token = req.Token
	}
	if req.MaxStaleTime > 0 {
		preview.MaxStaleTime = req.MaxStaleTime
	}
	if preview.MaxStaleTime <= 0 {
		preview.MaxStaleTime = int64(o.cfg.DefaultMaxStaleTime / time.Second)
	}

	media := preview.Promote(req.PostID, time.Now())
	if err := o.store.CreateMedia(ctx, media); err != nil {
		return nil, fmt.Errorf("persisting post: %w", err)
	}

	if req.AgentID != "" {
		if err := o.cache.DeletePreview(ctx, req.AgentID); err != nil {
			o.logger.Warn("deleting committed preview failed", "agentId", req.AgentID, "err", err)
		}
	}
	if o.cache != nil {
		if err := o.cache.SetMedia(ctx, media); err != nil {
			o.logger.Warn("caching new media failed", "post", media.PostID, "err", err)
		}
	}
	return media, nil
}

// Canvas renders the post's HTML canvas if its template supports one.
func (o *Orchestrator) Canvas(ctx context.Context, postID string) ([]byte, error) {
	media, _, err := o.Get(ctx, postID, false)
	if err != nil {
		return nil, err
	}
	tmpl, ok := o.registry.Get(media.Template)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTemplate, media.Template)
	}
	renderer, ok := tmpl.(templates.CanvasRenderer)
	if !ok {
		return nil, fmt.Errorf("%w: template %q", ErrNoCanvas, media.Template)
	}
	return renderer.Canvas(media)
}

// Templates lists the registered template names for the metadata endpoint.
func (o *Orchestrator) Templates() []string {
	return o.registry.Names()
}

// IsProcessing reports whether an update job currently holds the post's
// queue slot.
func (o *Orchestrator) IsProcessing(postID string) bool {
	return o.queue.IsBusy(postID)
}

func (o *Orchestrator) purge(ctx context.Context, postID string) {
	if o.cache == nil {
		return
	}
	if err := o.cache.PurgeMedia(ctx, postID); err != nil {
		o.logger.Warn("purging cached media failed", "post", postID, "err", err)
	}
}

func (o *Orchestrator) mapStoreErr(err error) error {
	if errors.Is(err, store.ErrMediaNotFound) {
		return ErrNotFound
	}
	return err
}
