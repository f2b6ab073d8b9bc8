package smartmedia

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/topiary-social/topiary/dispatch"
	"github.com/topiary-social/topiary/graph"
	"github.com/topiary-social/topiary/models"
	"github.com/topiary-social/topiary/smartmedia/taskqueue"
	"github.com/topiary-social/topiary/store"
	"github.com/topiary-social/topiary/templates"
)

// stubTemplate scripts Prepare and Handle per test.
type stubTemplate struct {
	name    string
	premium bool
	prepare func(ctx context.Context, req *templates.PrepareRequest) (*models.Preview, *dispatch.Usage, error)
	handle  func(ctx context.Context, hc *templates.HandlerContext) (*templates.Result, error)
}

func (s *stubTemplate) Name() string  { return s.name }
func (s *stubTemplate) Premium() bool { return s.premium }

func (s *stubTemplate) Prepare(ctx context.Context, req *templates.PrepareRequest) (*models.Preview, *dispatch.Usage, error) {
	if s.prepare == nil {
		return &models.Preview{Creator: req.Creator, Template: s.name, Text: "draft"}, &dispatch.Usage{TotalTokens: 10}, nil
	}
	return s.prepare(ctx, req)
}

func (s *stubTemplate) Handle(ctx context.Context, hc *templates.HandlerContext) (*templates.Result, error) {
	if s.handle == nil {
		return nil, nil
	}
	return s.handle(ctx, hc)
}

// fakeLedger records debits and answers admission from fixed knobs.
type fakeLedger struct {
	mu         sync.Mutex
	canAfford  bool
	updateFree bool
	allowed    bool
	free       bool
	// gate, when set, blocks CanAfford until it is closed; entered is
	// closed as CanAfford begins waiting
	gate    chan struct{}
	entered chan struct{}
	debits  []fakeDebit
}

type fakeDebit struct {
	Creator string
	Model   string
	Usage   dispatch.Usage
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{canAfford: true, allowed: true, free: true}
}

func (f *fakeLedger) CanAfford(ctx context.Context, creator, templateName string) (bool, bool, error) {
	if f.gate != nil {
		if f.entered != nil {
			close(f.entered)
			f.entered = nil
		}
		<-f.gate
	}
	return f.canAfford, f.updateFree, nil
}

func (f *fakeLedger) PreviewAdmission(ctx context.Context, creator, templateName string) (bool, bool, error) {
	return f.allowed, f.free, nil
}

func (f *fakeLedger) Debit(ctx context.Context, creator, modelID string, usage *dispatch.Usage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.debits = append(f.debits, fakeDebit{Creator: creator, Model: modelID, Usage: *usage})
	return nil
}

type fixture struct {
	orch   *Orchestrator
	store  *store.Memstore
	cache  *store.Cache
	graph  *graph.FakeClient
	ledger *fakeLedger
	tmpl   *stubTemplate
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewMemstore()
	cache := store.NewLocalCache(store.CacheConfig{})
	gc := graph.NewFakeClient()
	ledger := newFakeLedger()
	tmpl := &stubTemplate{name: "stub"}
	orch := NewOrchestrator(st, cache, ledger, taskqueue.NewQueue(logger),
		templates.NewRegistry(tmpl), gc, nil, logger, OrchestratorConfig{
			FreezeMultiplier: 2,
			FreezeFloor:      time.Second,
		})
	return &fixture{orch: orch, store: st, cache: cache, graph: gc, ledger: ledger, tmpl: tmpl}
}

// seed persists an ACTIVE post and backs it with a live social post.
func (f *fixture) seed(t *testing.T, postID string, age time.Duration) *models.SmartMedia {
	t.Helper()
	media := &models.SmartMedia{
		PostID:       postID,
		Creator:      "alice",
		Template:     "stub",
		MaxStaleTime: 60,
		CreatedAt:    time.Now().Add(-age).Unix(),
		UpdatedAt:    time.Now().Add(-age).Unix(),
		Status:       models.StatusActive,
	}
	require.NoError(t, f.store.CreateMedia(context.Background(), media))
	f.graph.AddPost(&graph.Post{ID: postID, Author: "alice"})
	return media
}

func TestUpdateAppendsVersionAndDebits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "p1", 10*time.Minute)

	f.tmpl.handle = func(ctx context.Context, hc *templates.HandlerContext) (*templates.Result, error) {
		return &templates.Result{
			URI:             "doc://v1",
			TemplateData:    json.RawMessage(`{"chapter": 2}`),
			RefreshMetadata: true,
			Usage:           dispatch.Usage{TotalTokens: 500},
			Model:           "test-model",
		}, nil
	}

	accepted, err := f.orch.UpdateNow(ctx, "p1", false, "anyone")
	require.NoError(t, err)
	require.True(t, accepted)

	got, err := f.store.GetMedia(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.VersionCount)
	assert.Equal(t, "doc://v1", got.URI)
	assert.Equal(t, models.StatusActive, got.CurrentStatus())

	require.Len(t, f.ledger.debits, 1)
	assert.Equal(t, "alice", f.ledger.debits[0].Creator)
	assert.Equal(t, "test-model", f.ledger.debits[0].Model)
	assert.Equal(t, int64(500), f.ledger.debits[0].Usage.TotalTokens)
	assert.Equal(t, []string{"p1"}, f.graph.RefreshedPosts)
}

func TestVersionCountGrowsByAcceptedUpdatesOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "p1", 10*time.Minute)

	produce := true
	n := 0
	f.tmpl.handle = func(ctx context.Context, hc *templates.HandlerContext) (*templates.Result, error) {
		if !produce {
			return nil, nil
		}
		n++
		return &templates.Result{
			URI:   fmt.Sprintf("doc://v%d", n),
			Usage: dispatch.Usage{TotalTokens: 1},
		}, nil
	}

	for i := 0; i < 3; i++ {
		accepted, err := f.orch.UpdateNow(ctx, "p1", false, "alice")
		require.NoError(t, err)
		require.True(t, accepted)
		// interleave a no-op attempt
		produce = false
		_, err = f.orch.UpdateNow(ctx, "p1", false, "alice")
		require.NoError(t, err)
		produce = true
	}

	got, err := f.store.GetMedia(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.VersionCount)
}

func TestNoopBelowFreezeThresholdKeepsActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	before := f.seed(t, "p1", 10*time.Second)

	f.tmpl.handle = func(ctx context.Context, hc *templates.HandlerContext) (*templates.Result, error) {
		return nil, nil
	}

	accepted, err := f.orch.UpdateNow(ctx, "p1", false, "alice")
	require.NoError(t, err)
	require.True(t, accepted)

	got, err := f.store.GetMedia(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, got.CurrentStatus())
	assert.Equal(t, before.UpdatedAt, got.UpdatedAt)
	assert.Zero(t, got.VersionCount)
	assert.Empty(t, f.ledger.debits)
}

func TestFailurePastFreezeThresholdFreezes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// threshold is max(2*60s, 1s) = 120s; the post is far past it
	f.seed(t, "p1", time.Hour)

	f.tmpl.handle = func(ctx context.Context, hc *templates.HandlerContext) (*templates.Result, error) {
		return nil, assert.AnError
	}

	accepted, err := f.orch.UpdateNow(ctx, "p1", false, "alice")
	require.NoError(t, err)
	require.True(t, accepted)

	got, err := f.store.GetMedia(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.CurrentStatus())

	// repeated failures stay FAILED, and a later success re-arms
	_, err = f.orch.UpdateNow(ctx, "p1", false, "alice")
	require.NoError(t, err)
	got, err = f.store.GetMedia(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.CurrentStatus())

	f.tmpl.handle = func(ctx context.Context, hc *templates.HandlerContext) (*templates.Result, error) {
		return &templates.Result{URI: "doc://recovered", Usage: dispatch.Usage{TotalTokens: 1}}, nil
	}
	_, err = f.orch.UpdateNow(ctx, "p1", false, "alice")
	require.NoError(t, err)
	got, err = f.store.GetMedia(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, got.CurrentStatus())
	assert.Equal(t, "doc://recovered", got.URI)
}

func TestRefreshFailureFreezesImmediately(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// well below the freeze threshold
	f.seed(t, "p1", 5*time.Second)
	f.graph.RefreshErr = assert.AnError

	f.tmpl.handle = func(ctx context.Context, hc *templates.HandlerContext) (*templates.Result, error) {
		return &templates.Result{
			URI:             "doc://v1",
			RefreshMetadata: true,
			Usage:           dispatch.Usage{TotalTokens: 1},
		}, nil
	}

	accepted, err := f.orch.UpdateNow(ctx, "p1", false, "alice")
	require.NoError(t, err)
	require.True(t, accepted)

	got, err := f.store.GetMedia(ctx, "p1")
	require.NoError(t, err)
	// the version landed, but the confirmed external failure froze the post
	assert.Equal(t, int64(1), got.VersionCount)
	assert.Equal(t, models.StatusFailed, got.CurrentStatus())
}

func TestDeletedPostDisables(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	media := &models.SmartMedia{
		PostID:       "gone",
		Creator:      "alice",
		Template:     "stub",
		MaxStaleTime: 60,
		UpdatedAt:    time.Now().Unix(),
		Status:       models.StatusActive,
	}
	require.NoError(t, f.store.CreateMedia(ctx, media))
	// no matching post in the social graph

	accepted, err := f.orch.UpdateNow(ctx, "gone", false, "alice")
	require.NoError(t, err)
	require.True(t, accepted)

	got, err := f.store.GetMedia(ctx, "gone")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDisabled, got.CurrentStatus())
}

func TestForcedUpdateByNonCreator(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "p1", time.Minute)

	_, err := f.orch.RequestUpdate(context.Background(), "p1", true, "mallory")
	assert.ErrorIs(t, err, ErrNotAuthorized)

	// non-forced triggers are open to anyone
	accepted, err := f.orch.UpdateNow(context.Background(), "p1", false, "mallory")
	require.NoError(t, err)
	assert.True(t, accepted)
}

func TestDisabledPostRejectsNonForcedTrigger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "p1", time.Minute)
	require.NoError(t, f.orch.Disable(ctx, "p1", "alice"))

	runs := 0
	f.tmpl.handle = func(ctx context.Context, hc *templates.HandlerContext) (*templates.Result, error) {
		runs++
		return &templates.Result{URI: "doc://revived", Usage: dispatch.Usage{TotalTokens: 1}}, nil
	}

	// non-forced triggers never reach the handler, from anyone
	accepted, err := f.orch.UpdateNow(ctx, "p1", false, "mallory")
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.False(t, accepted)
	accepted, err = f.orch.RequestUpdate(ctx, "p1", false, "alice")
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.False(t, accepted)

	// the forced exception is still creator-only
	_, err = f.orch.UpdateNow(ctx, "p1", true, "mallory")
	assert.ErrorIs(t, err, ErrNotAuthorized)

	assert.Zero(t, runs)
	assert.Empty(t, f.ledger.debits)
	got, err := f.store.GetMedia(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDisabled, got.CurrentStatus())

	// a forced update by the creator re-arms the post
	accepted, err = f.orch.UpdateNow(ctx, "p1", true, "alice")
	require.NoError(t, err)
	require.True(t, accepted)
	assert.Equal(t, 1, runs)
	got, err = f.store.GetMedia(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, got.CurrentStatus())
	assert.Equal(t, "doc://revived", got.URI)
}

func TestFreeTierUpdateSkipsDebit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "p1", 10*time.Minute)
	f.ledger.updateFree = true

	f.tmpl.handle = func(ctx context.Context, hc *templates.HandlerContext) (*templates.Result, error) {
		return &templates.Result{URI: "doc://v1", Usage: dispatch.Usage{TotalTokens: 500}}, nil
	}

	accepted, err := f.orch.UpdateNow(ctx, "p1", false, "alice")
	require.NoError(t, err)
	require.True(t, accepted)

	got, err := f.store.GetMedia(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.VersionCount)
	// the free tier covers the run, nothing is billed
	assert.Empty(t, f.ledger.debits)
}

func TestHandlerSeesFreshStateUnderSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "p1", 10*time.Minute)

	var seen json.RawMessage
	f.tmpl.handle = func(ctx context.Context, hc *templates.HandlerContext) (*templates.Result, error) {
		seen = hc.Media.TemplateData
		return nil, nil
	}

	// hold the trigger between its admission snapshot and the queue slot
	gate := make(chan struct{})
	entered := make(chan struct{})
	f.ledger.gate = gate
	f.ledger.entered = entered
	done := make(chan struct{})
	go func() {
		defer close(done)
		accepted, err := f.orch.UpdateNow(ctx, "p1", false, "alice")
		assert.NoError(t, err)
		assert.True(t, accepted)
	}()
	<-entered

	// a concurrent job finishes in that window
	_, err := f.store.AppendVersion(ctx, "p1", "doc://other", json.RawMessage(`{"chapter":9}`), time.Now())
	require.NoError(t, err)

	close(gate)
	<-done
	assert.JSONEq(t, `{"chapter":9}`, string(seen))
}

func TestUpdateRejectedWhileBusy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "p1", time.Minute)

	release := make(chan struct{})
	started := make(chan struct{})
	f.tmpl.handle = func(ctx context.Context, hc *templates.HandlerContext) (*templates.Result, error) {
		close(started)
		<-release
		return nil, nil
	}

	accepted, err := f.orch.RequestUpdate(ctx, "p1", false, "alice")
	require.NoError(t, err)
	require.True(t, accepted)
	<-started

	accepted, err = f.orch.RequestUpdate(ctx, "p1", false, "alice")
	require.NoError(t, err)
	assert.False(t, accepted)
	assert.True(t, f.orch.IsProcessing("p1"))

	close(release)
	require.Eventually(t, func() bool { return !f.orch.IsProcessing("p1") }, 5*time.Second, 10*time.Millisecond)
}

func TestUpdateInsufficientCredits(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "p1", time.Minute)
	f.ledger.canAfford = false

	_, err := f.orch.RequestUpdate(context.Background(), "p1", false, "alice")
	assert.ErrorIs(t, err, ErrInsufficientCredits)
}

func TestUpdateUnknownPost(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.RequestUpdate(context.Background(), "nope", false, "alice")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDisableIsCreatorOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "p1", time.Minute)

	err := f.orch.Disable(ctx, "p1", "mallory")
	assert.ErrorIs(t, err, ErrNotAuthorized)

	require.NoError(t, f.orch.Disable(ctx, "p1", "alice"))
	got, _, err := f.orch.Get(ctx, "p1", false)
	require.NoError(t, err)
	assert.True(t, got.IsDisabled())
}

func TestCreatePreviewThenCommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	preview, err := f.orch.CreatePreview(ctx, "alice", "stub", json.RawMessage(`{}`))
	require.NoError(t, err)
	require.NotEmpty(t, preview.AgentID)
	assert.Equal(t, "alice", preview.Creator)
	// free-tier preview never debits
	assert.Empty(t, f.ledger.debits)

	media, err := f.orch.CommitPost(ctx, &CommitRequest{
		Creator: "alice",
		PostID:  "p-new",
		AgentID: preview.AgentID,
	})
	require.NoError(t, err)
	assert.Equal(t, "p-new", media.PostID)
	assert.Equal(t, models.StatusActive, media.CurrentStatus())
	assert.Positive(t, media.MaxStaleTime)

	got, _, err := f.orch.Get(ctx, "p-new", false)
	require.NoError(t, err)
	assert.Equal(t, "stub", got.Template)

	// the committed preview is gone
	_, err = f.orch.CommitPost(ctx, &CommitRequest{
		Creator: "alice",
		PostID:  "p-again",
		AgentID: preview.AgentID,
	})
	assert.ErrorIs(t, err, ErrPreviewNotFound)
}

func TestPaidPreviewDebits(t *testing.T) {
	f := newFixture(t)
	f.ledger.free = false

	_, err := f.orch.CreatePreview(context.Background(), "alice", "stub", nil)
	require.NoError(t, err)
	require.Len(t, f.ledger.debits, 1)
	assert.Equal(t, int64(10), f.ledger.debits[0].Usage.TotalTokens)
}

func TestCreatePreviewRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.CreatePreview(ctx, "alice", "missing", nil)
	assert.ErrorIs(t, err, ErrUnknownTemplate)

	f.ledger.allowed = false
	_, err = f.orch.CreatePreview(ctx, "alice", "stub", nil)
	assert.ErrorIs(t, err, ErrInsufficientCredits)
}

func TestCommitValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.CommitPost(ctx, &CommitRequest{Creator: "alice", AgentID: "x"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.orch.CommitPost(ctx, &CommitRequest{Creator: "alice", PostID: "p"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.orch.CommitPost(ctx, &CommitRequest{Creator: "alice", PostID: "p", Template: "missing"})
	assert.ErrorIs(t, err, ErrUnknownTemplate)
}

func TestCommitFreshParams(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	media, err := f.orch.CommitPost(ctx, &CommitRequest{
		Creator:      "alice",
		PostID:       "p-direct",
		Template:     "stub",
		Params:       json.RawMessage(`{}`),
		MaxStaleTime: 3600,
		Token:        &models.TokenRef{Chain: "base", Address: "0xabc"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3600), media.MaxStaleTime)
	require.NotNil(t, media.Token)
	assert.Equal(t, "base", media.Token.Chain)
}

func TestSweeperUpdatesDuePosts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// due: maxStaleTime 60s, last updated an hour ago
	f.seed(t, "due-1", time.Hour)
	f.seed(t, "due-2", time.Hour)
	// fresh post is left alone
	f.seed(t, "fresh", time.Second)

	var mu sync.Mutex
	handled := map[string]int{}
	f.tmpl.handle = func(ctx context.Context, hc *templates.HandlerContext) (*templates.Result, error) {
		mu.Lock()
		handled[hc.Media.PostID]++
		mu.Unlock()
		return &templates.Result{URI: "doc://swept", Usage: dispatch.Usage{TotalTokens: 1}}, nil
	}

	s := NewSweeper(f.orch, nil, SweeperConfig{Interval: time.Minute, Parallelism: 2})
	require.NoError(t, s.sweep(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, handled["due-1"])
	assert.Equal(t, 1, handled["due-2"])
	assert.Zero(t, handled["fresh"])
}
