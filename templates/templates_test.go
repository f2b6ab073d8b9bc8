package templates

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/topiary-social/topiary/dispatch"
	"github.com/topiary-social/topiary/graph"
	"github.com/topiary-social/topiary/models"
)

// scriptedProvider replays canned text responses in order, repeating the
// last one once the script runs out.
type scriptedProvider struct {
	name      string
	responses []string
	calls     int
}

func (s *scriptedProvider) Name() string { return s.name }

func (s *scriptedProvider) GenerateText(ctx context.Context, req *dispatch.Request) (*dispatch.TextResult, error) {
	i := s.calls
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	s.calls++
	return &dispatch.TextResult{
		Text:  s.responses[i],
		Usage: dispatch.Usage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150},
	}, nil
}

type scriptedImageProvider struct {
	name  string
	calls int
}

func (s *scriptedImageProvider) Name() string { return s.name }

func (s *scriptedImageProvider) GenerateImage(ctx context.Context, req *dispatch.ImageRequest) (*dispatch.ImageResult, error) {
	s.calls++
	return &dispatch.ImageResult{
		Images: []dispatch.Image{{URL: fmt.Sprintf("https://img.example/%d.png", s.calls)}},
		Usage:  dispatch.Usage{ImagesCreated: 1},
	}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testDispatcher(text dispatch.Provider, image dispatch.ImageProvider) *dispatch.Dispatcher {
	d := dispatch.NewDispatcher(testLogger(), dispatch.DispatcherConfig{
		DefaultTextProvider:  "stub",
		DefaultImageProvider: "stub-image",
	})
	if text != nil {
		d.RegisterText(text)
	}
	if image != nil {
		d.RegisterImage(image)
	}
	return d
}

func adventureMedia(t *testing.T, options []string) *models.SmartMedia {
	t.Helper()
	state := adventureState{
		Genre: "fantasy",
		Chapters: []adventureChapter{
			{Title: "The Gate", Body: "A traveler arrives at a sealed gate."},
		},
		Options: options,
	}
	data, err := json.Marshal(&state)
	require.NoError(t, err)
	return &models.SmartMedia{
		PostID:       "post-1",
		Creator:      "alice",
		Template:     "adventure",
		TemplateData: data,
		UpdatedAt:    time.Now().Add(-time.Hour).Unix(),
		MaxStaleTime: 60,
	}
}

func TestAdventureSkipsLowEngagement(t *testing.T) {
	gc := graph.NewFakeClient()
	media := adventureMedia(t, []string{"Open the gate", "Turn back", "Dig under"})

	now := time.Now().Unix()
	gc.AddComment(media.PostID, &graph.Comment{ID: "c1", Author: "bob", Content: "Open the gate", Timestamp: now})
	gc.AddComment(media.PostID, &graph.Comment{ID: "c2", Author: "carol", Content: "Turn back", Timestamp: now})
	gc.SetCollectors(media.PostID, []string{"bob", "carol"})

	stub := &scriptedProvider{name: "stub", responses: []string{`{}`}}
	adv := NewAdventure(testDispatcher(stub, nil), "stub", "test-model")

	res, err := adv.Handle(context.Background(), &HandlerContext{
		Media:      media,
		Graph:      gc,
		Dispatcher: testDispatcher(stub, nil),
		Logger:     testLogger(),
	})
	require.NoError(t, err)
	assert.True(t, res.NoOp())
	assert.Equal(t, 0, stub.calls)
}

func TestAdventureGeneratesChapter(t *testing.T) {
	gc := graph.NewFakeClient()
	media := adventureMedia(t, []string{"Open the gate", "Turn back", "Dig under"})

	now := time.Now().Unix()
	gc.AddComment(media.PostID, &graph.Comment{ID: "c1", Author: "bob", Content: "open the gate!", Timestamp: now, Upvoters: []string{"dave", "erin"}})
	gc.AddComment(media.PostID, &graph.Comment{ID: "c2", Author: "carol", Content: "Turn back", Timestamp: now})
	gc.AddComment(media.PostID, &graph.Comment{ID: "c3", Author: "frank", Content: "lol", Timestamp: now})
	gc.SetCollectors(media.PostID, []string{"bob", "carol", "dave", "erin", "frank"})

	beat := `{"title": "Beyond the Gate", "body": "The gate swings open.", "options": ["Go left", "Go right", "Wait"]}`
	stub := &scriptedProvider{name: "stub", responses: []string{beat}}
	adv := NewAdventure(testDispatcher(stub, nil), "stub", "test-model")

	res, err := adv.Handle(context.Background(), &HandlerContext{
		Media:      media,
		Graph:      gc,
		Dispatcher: nil,
		Logger:     testLogger(),
	})
	require.NoError(t, err)
	require.False(t, res.NoOp())
	assert.NotEmpty(t, res.URI)
	assert.True(t, res.RefreshMetadata)
	assert.Equal(t, "test-model", res.Model)
	assert.Equal(t, int64(150), res.Usage.TotalTokens)

	var state adventureState
	require.NoError(t, json.Unmarshal(res.TemplateData, &state))
	require.Len(t, state.Chapters, 2)
	assert.Equal(t, "Beyond the Gate", state.Chapters[1].Title)
	// "open the gate!" outranks "Turn back" on upvotes and maps onto the
	// offered option.
	assert.Equal(t, "Open the gate", state.Chapters[1].Direction)
	assert.Equal(t, []string{"Go left", "Go right", "Wait"}, state.Options)
	assert.Len(t, gc.StoredDocuments, 1)
}

func TestAdventureForcedWithSilentAudience(t *testing.T) {
	gc := graph.NewFakeClient()
	media := adventureMedia(t, []string{"Open the gate", "Turn back", "Dig under"})

	beat := `{"title": "The Gate Opens", "body": "It creaks.", "options": ["A", "B", "C"]}`
	stub := &scriptedProvider{name: "stub", responses: []string{beat}}
	adv := NewAdventure(testDispatcher(stub, nil), "stub", "test-model")

	res, err := adv.Handle(context.Background(), &HandlerContext{
		Media:  media,
		Force:  true,
		Graph:  gc,
		Logger: testLogger(),
	})
	require.NoError(t, err)
	require.False(t, res.NoOp())

	var state adventureState
	require.NoError(t, json.Unmarshal(res.TemplateData, &state))
	require.Len(t, state.Chapters, 2)
	assert.Equal(t, "Open the gate", state.Chapters[1].Direction)
}

func TestAdventurePrepare(t *testing.T) {
	beat := `{"title": "A Beginning", "body": "Once upon a time.", "options": ["X", "Y", "Z"]}`
	stub := &scriptedProvider{name: "stub", responses: []string{beat}}
	adv := NewAdventure(testDispatcher(stub, nil), "stub", "test-model")

	preview, usage, err := adv.Prepare(context.Background(), &PrepareRequest{
		Creator: "alice",
		Params:  json.RawMessage(`{"genre": "noir", "premise": "a missing cat"}`),
	})
	require.NoError(t, err)
	require.NotNil(t, preview)
	assert.Equal(t, "alice", preview.Creator)
	assert.Equal(t, "adventure", preview.Template)
	assert.Contains(t, preview.Text, "A Beginning")
	require.NotNil(t, usage)
	assert.Equal(t, int64(150), usage.TotalTokens)

	var state adventureState
	require.NoError(t, json.Unmarshal(preview.TemplateData, &state))
	assert.Equal(t, "noir", state.Genre)
	require.Len(t, state.Chapters, 1)
}

func TestAdventureCanvas(t *testing.T) {
	media := adventureMedia(t, []string{"Open the gate"})
	adv := NewAdventure(nil, "stub", "test-model")

	html, err := adv.Canvas(media)
	require.NoError(t, err)
	assert.Contains(t, string(html), "The Gate")
	assert.Contains(t, string(html), "Open the gate")
}

func TestArtEvolvePrepareRequiresPrompt(t *testing.T) {
	art := NewArtEvolve(testDispatcher(nil, &scriptedImageProvider{name: "stub-image"}), "stub", "t", "stub-image", "i")
	_, _, err := art.Prepare(context.Background(), &PrepareRequest{Creator: "alice"})
	assert.Error(t, err)
}

func TestArtEvolvePrepare(t *testing.T) {
	img := &scriptedImageProvider{name: "stub-image"}
	art := NewArtEvolve(testDispatcher(nil, img), "stub", "t", "stub-image", "i")

	preview, usage, err := art.Prepare(context.Background(), &PrepareRequest{
		Creator: "alice",
		Params:  json.RawMessage(`{"title": "Dawn", "prompt": "a city at dawn"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "art-evolve", preview.Template)
	assert.Equal(t, "https://img.example/1.png", preview.Image)
	require.NotNil(t, usage)
	assert.Equal(t, int64(1), usage.ImagesCreated)
}

func TestArtEvolveFoldsSuggestionsIntoNewGeneration(t *testing.T) {
	gc := graph.NewFakeClient()

	state := artState{Title: "Dawn", Prompt: "a city at dawn", ImageURL: "https://img.example/0.png", Generation: 1}
	data, err := json.Marshal(&state)
	require.NoError(t, err)
	media := &models.SmartMedia{
		PostID:       "post-art",
		Creator:      "alice",
		Template:     "art-evolve",
		TemplateData: data,
		UpdatedAt:    time.Now().Add(-time.Hour).Unix(),
	}

	now := time.Now().Unix()
	gc.AddComment(media.PostID, &graph.Comment{ID: "c1", Author: "bob", Content: "add rain", Timestamp: now})
	gc.SetCollectors(media.PostID, []string{"bob"})

	text := &scriptedProvider{name: "stub", responses: []string{`{"title": "Rainy Dawn", "prompt": "a rainy city at dawn"}`}}
	img := &scriptedImageProvider{name: "stub-image"}
	art := NewArtEvolve(testDispatcher(text, img), "stub", "t", "stub-image", "i")

	res, err := art.Handle(context.Background(), &HandlerContext{
		Media:  media,
		Graph:  gc,
		Logger: testLogger(),
	})
	require.NoError(t, err)
	require.False(t, res.NoOp())
	assert.Equal(t, int64(150), res.Usage.TotalTokens)
	assert.Equal(t, int64(1), res.Usage.ImagesCreated)

	var next artState
	require.NoError(t, json.Unmarshal(res.TemplateData, &next))
	assert.Equal(t, "Rainy Dawn", next.Title)
	assert.Equal(t, "a rainy city at dawn", next.Prompt)
	assert.Equal(t, 2, next.Generation)
	assert.Equal(t, "https://img.example/1.png", next.ImageURL)
}

func TestArtEvolveNoSuggestionsIsNoOp(t *testing.T) {
	gc := graph.NewFakeClient()
	media := &models.SmartMedia{PostID: "post-art", UpdatedAt: time.Now().Unix()}

	img := &scriptedImageProvider{name: "stub-image"}
	art := NewArtEvolve(testDispatcher(nil, img), "stub", "t", "stub-image", "i")

	res, err := art.Handle(context.Background(), &HandlerContext{
		Media:  media,
		Graph:  gc,
		Logger: testLogger(),
	})
	require.NoError(t, err)
	assert.True(t, res.NoOp())
	assert.Equal(t, 0, img.calls)
}

func TestRegistryResolvesByName(t *testing.T) {
	adv := NewAdventure(nil, "stub", "m")
	art := NewArtEvolve(nil, "s", "m", "si", "im")
	reg := NewRegistry(adv, art)

	got, ok := reg.Get("adventure")
	require.True(t, ok)
	assert.Equal(t, adv, got)

	_, ok = reg.Get("missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"adventure", "art-evolve"}, reg.Names())
}
