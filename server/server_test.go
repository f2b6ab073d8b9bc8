package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/topiary-social/topiary/dispatch"
	"github.com/topiary-social/topiary/graph"
	"github.com/topiary-social/topiary/models"
	"github.com/topiary-social/topiary/smartmedia"
	"github.com/topiary-social/topiary/smartmedia/taskqueue"
	"github.com/topiary-social/topiary/store"
	"github.com/topiary-social/topiary/templates"
)

type stubLedger struct {
	canAfford bool
	allowed   bool
}

func (s *stubLedger) CanAfford(ctx context.Context, creator, templateName string) (bool, bool, error) {
	return s.canAfford, false, nil
}

func (s *stubLedger) PreviewAdmission(ctx context.Context, creator, templateName string) (bool, bool, error) {
	return s.allowed, true, nil
}

func (s *stubLedger) Debit(ctx context.Context, creator, modelID string, usage *dispatch.Usage) error {
	return nil
}

type stubTemplate struct {
	handle func(ctx context.Context, hc *templates.HandlerContext) (*templates.Result, error)
}

func (s *stubTemplate) Name() string  { return "stub" }
func (s *stubTemplate) Premium() bool { return false }

func (s *stubTemplate) Prepare(ctx context.Context, req *templates.PrepareRequest) (*models.Preview, *dispatch.Usage, error) {
	return &models.Preview{Creator: req.Creator, Template: "stub", Text: "draft"}, &dispatch.Usage{}, nil
}

func (s *stubTemplate) Handle(ctx context.Context, hc *templates.HandlerContext) (*templates.Result, error) {
	if s.handle == nil {
		return nil, nil
	}
	return s.handle(ctx, hc)
}

type env struct {
	srv    *Server
	store  *store.Memstore
	graph  *graph.FakeClient
	ledger *stubLedger
	tmpl   *stubTemplate
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewMemstore()
	gc := graph.NewFakeClient()
	ledger := &stubLedger{canAfford: true, allowed: true}
	tmpl := &stubTemplate{}
	orch := smartmedia.NewOrchestrator(st, store.NewLocalCache(store.CacheConfig{}),
		ledger, taskqueue.NewQueue(logger), templates.NewRegistry(tmpl), gc, nil, logger,
		smartmedia.OrchestratorConfig{})
	srv := NewServer(orch, logger, Config{
		Domain:     "topiary.test",
		Version:    "test",
		Registerer: prometheus.NewRegistry(),
	})
	return &env{srv: srv, store: st, graph: gc, ledger: ledger, tmpl: tmpl}
}

func (e *env) seed(t *testing.T, postID string) {
	t.Helper()
	require.NoError(t, e.store.CreateMedia(context.Background(), &models.SmartMedia{
		PostID:       postID,
		Creator:      "alice",
		Template:     "stub",
		MaxStaleTime: 60,
		UpdatedAt:    time.Now().Unix(),
		Status:       models.StatusActive,
	}))
	e.graph.AddPost(&graph.Post{ID: postID, Author: "alice"})
}

func (e *env) do(method, path, actor string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if actor != "" {
		req.Header.Set(actorHeader, actor)
	}
	rec := httptest.NewRecorder()
	e.srv.echo.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	e := newEnv(t)
	rec := e.do(http.MethodGet, "/_health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetadata(t *testing.T) {
	e := newEnv(t)
	rec := e.do(http.MethodGet, "/metadata", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp metadataResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "topiary.test", resp.Domain)
	assert.Equal(t, []string{"stub"}, resp.Templates)
}

func TestCreatePreviewValidation(t *testing.T) {
	e := newEnv(t)

	rec := e.do(http.MethodPost, "/post/create-preview", "", map[string]string{"template": "stub"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(http.MethodPost, "/post/create-preview", "alice", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(http.MethodPost, "/post/create-preview", "alice", map[string]string{"template": "missing"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreatePreviewAdmission(t *testing.T) {
	e := newEnv(t)
	e.ledger.allowed = false
	rec := e.do(http.MethodPost, "/post/create-preview", "alice", map[string]string{"template": "stub"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestPreviewThenCreateThenGet(t *testing.T) {
	e := newEnv(t)

	rec := e.do(http.MethodPost, "/post/create-preview", "alice", map[string]string{"template": "stub"})
	require.Equal(t, http.StatusOK, rec.Code)
	var pr createPreviewResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pr))
	require.NotEmpty(t, pr.AgentID)

	rec = e.do(http.MethodPost, "/post/create", "alice", map[string]string{
		"postId":  "p1",
		"agentId": pr.AgentID,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(http.MethodGet, "/post/p1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got getResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "p1", got.PostID)
	assert.False(t, got.IsProcessing)

	rec = e.do(http.MethodGet, "/post/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateWithStalePreview(t *testing.T) {
	e := newEnv(t)
	rec := e.do(http.MethodPost, "/post/create", "alice", map[string]string{
		"postId":  "p1",
		"agentId": "01EXPIRED",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateLifecycleCodes(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "p1")

	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	e.tmpl.handle = func(ctx context.Context, hc *templates.HandlerContext) (*templates.Result, error) {
		once.Do(func() { close(started) })
		<-release
		return nil, nil
	}

	rec := e.do(http.MethodPost, "/post/p1/update", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"processing"}`, rec.Body.String())
	<-started

	rec = e.do(http.MethodPost, "/post/p1/update", "bob", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	close(release)
	require.Eventually(t, func() bool {
		return e.do(http.MethodPost, "/post/p1/update", "bob", nil).Code == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)
}

func TestUpdateErrorCodes(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "p1")

	rec := e.do(http.MethodPost, "/post/missing/update", "alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(http.MethodPost, "/post/p1/update?force=true", "mallory", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	e.ledger.canAfford = false
	rec = e.do(http.MethodPost, "/post/p1/update", "alice", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDisable(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "p1")

	rec := e.do(http.MethodPost, "/post/p1/disable", "mallory", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(http.MethodPost, "/post/p1/disable", "alice", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var got getResponse
	rec = e.do(http.MethodGet, "/post/p1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, models.StatusDisabled, got.CurrentStatus())
}

func TestCanvasNotRenderable(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "p1")

	rec := e.do(http.MethodGet, "/post/p1/canvas", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(http.MethodGet, "/post/missing/canvas", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServersIsolateMetricsRegistries(t *testing.T) {
	// two servers in one process must not collide on metrics registration
	a := newEnv(t)
	b := newEnv(t)
	assert.Equal(t, http.StatusOK, a.do(http.MethodGet, "/_health", "", nil).Code)
	assert.Equal(t, http.StatusOK, b.do(http.MethodGet, "/_health", "", nil).Code)
}

func TestUpdateDisabledPost(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "p1")

	rec := e.do(http.MethodPost, "/post/p1/disable", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(http.MethodPost, "/post/p1/update", "bob", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestACLRestrictsCreation(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewMemstore()
	orch := smartmedia.NewOrchestrator(st, store.NewLocalCache(store.CacheConfig{}),
		&stubLedger{canAfford: true, allowed: true}, taskqueue.NewQueue(logger),
		templates.NewRegistry(&stubTemplate{}), graph.NewFakeClient(), nil, logger,
		smartmedia.OrchestratorConfig{})
	srv := NewServer(orch, logger, Config{ACL: []string{"alice"}, Registerer: prometheus.NewRegistry()})
	e := &env{srv: srv, store: st}

	rec := e.do(http.MethodPost, "/post/create-preview", "mallory", map[string]string{"template": "stub"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(http.MethodPost, "/post/create-preview", "alice", map[string]string{"template": "stub"})
	assert.Equal(t, http.StatusOK, rec.Code)
}
