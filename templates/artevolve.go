package templates

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/topiary-social/topiary/dispatch"
	"github.com/topiary-social/topiary/models"
	"github.com/topiary-social/topiary/votes"
)

const artSynthesisPrompt = `You write prompts for an image generation model.
You are given the prompt that produced the current image and a list of
audience suggestions, strongest first. Merge the strongest suggestions into
a single revised prompt that evolves the artwork while keeping its identity.
Respond with a JSON object: {"title": string, "prompt": string}.`

// artState is the template data an art-evolution post carries between runs.
type artState struct {
	Title      string `json:"title"`
	Prompt     string `json:"prompt"`
	ImageURL   string `json:"imageUrl,omitempty"`
	Generation int    `json:"generation"`
}

type artRevision struct {
	Title  string `json:"title"`
	Prompt string `json:"prompt"`
}

// ArtEvolve is the evolving-artwork template: audience suggestions are
// folded into the image prompt and a new generation is rendered.
type ArtEvolve struct {
	disp          *dispatch.Dispatcher
	textProvider  string
	textModel     string
	imageProvider string
	imageModel    string
}

var _ Template = (*ArtEvolve)(nil)
var _ CanvasRenderer = (*ArtEvolve)(nil)

func NewArtEvolve(d *dispatch.Dispatcher, textProvider, textModel, imageProvider, imageModel string) *ArtEvolve {
	return &ArtEvolve{
		disp:          d,
		textProvider:  textProvider,
		textModel:     textModel,
		imageProvider: imageProvider,
		imageModel:    imageModel,
	}
}

func (a *ArtEvolve) Name() string  { return "art-evolve" }
func (a *ArtEvolve) Premium() bool { return true }

type artParams struct {
	Title  string `json:"title"`
	Prompt string `json:"prompt"`
}

func (a *ArtEvolve) Prepare(ctx context.Context, req *PrepareRequest) (*models.Preview, *dispatch.Usage, error) {
	var params artParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, nil, fmt.Errorf("invalid art params: %w", err)
		}
	}
	if params.Prompt == "" {
		return nil, nil, fmt.Errorf("art template requires a starting prompt")
	}
	if params.Title == "" {
		params.Title = "Untitled"
	}

	img, err := a.disp.GenerateImage(ctx, &dispatch.ImageRequest{
		Provider: a.imageProvider,
		Model:    a.imageModel,
		Prompt:   params.Prompt,
		N:        1,
	})
	usage := &dispatch.Usage{}
	if img != nil {
		usage.Add(&img.Usage)
	}
	if err != nil {
		return nil, usage, fmt.Errorf("generating initial artwork: %w", err)
	}

	state := artState{
		Title:      params.Title,
		Prompt:     params.Prompt,
		ImageURL:   firstImageURL(img),
		Generation: 1,
	}
	data, err := json.Marshal(&state)
	if err != nil {
		return nil, usage, err
	}

	return &models.Preview{
		Creator:      req.Creator,
		Template:     a.Name(),
		Category:     "art",
		Text:         params.Title,
		Image:        state.ImageURL,
		TemplateData: data,
	}, usage, nil
}

func (a *ArtEvolve) Handle(ctx context.Context, hc *HandlerContext) (*Result, error) {
	media := hc.Media

	var state artState
	if len(media.TemplateData) > 0 {
		if err := json.Unmarshal(media.TemplateData, &state); err != nil {
			return nil, fmt.Errorf("corrupt art state for %s: %w", media.PostID, err)
		}
	}

	all, err := hc.Graph.GetComments(ctx, media.PostID)
	if err != nil {
		return nil, fmt.Errorf("fetching comments: %w", err)
	}
	latest := votes.Latest(media, all)
	if !hc.Force && len(latest) == 0 {
		hc.Logger.Debug("no new suggestions", "post", media.PostID)
		return nil, nil
	}

	collectors, err := hc.Graph.GetCollectors(ctx, media.PostID)
	if err != nil {
		return nil, fmt.Errorf("fetching collectors: %w", err)
	}

	var balance votes.BalanceFn
	if media.Token != nil {
		token := media.Token
		balance = func(ctx context.Context, account string) (float64, error) {
			return hc.Graph.TokenBalance(ctx, token, account)
		}
	}

	weighted, err := votes.Weigh(ctx, latest, collectors, balance)
	if err != nil {
		return nil, fmt.Errorf("weighting votes: %w", err)
	}
	ranked := votes.Rank(weighted)

	suggestions := topSuggestions(ranked, 5)
	if len(suggestions) == 0 && !hc.Force {
		hc.Logger.Debug("no qualifying suggestions", "post", media.PostID)
		return nil, nil
	}

	usage := &dispatch.Usage{}

	prompt := state.Prompt
	title := state.Title
	if len(suggestions) > 0 {
		var rev artRevision
		u, err := a.disp.GenerateObject(ctx, &dispatch.Request{
			Provider:        a.textProvider,
			Model:           a.textModel,
			SystemPrompt:    artSynthesisPrompt,
			Prompt:          synthesisInput(&state, suggestions),
			Temperature:     0.7,
			MaxOutputTokens: 512,
		}, &rev)
		if u != nil {
			usage.Add(u)
		}
		if err != nil {
			return nil, fmt.Errorf("synthesizing prompt: %w", err)
		}
		if rev.Prompt != "" {
			prompt = rev.Prompt
		}
		if rev.Title != "" {
			title = rev.Title
		}
	}

	img, err := a.disp.GenerateImage(ctx, &dispatch.ImageRequest{
		Provider: a.imageProvider,
		Model:    a.imageModel,
		Prompt:   prompt,
		N:        1,
	})
	if img != nil {
		usage.Add(&img.Usage)
	}
	if err != nil {
		return nil, fmt.Errorf("generating artwork: %w", err)
	}

	state.Title = title
	state.Prompt = prompt
	state.ImageURL = firstImageURL(img)
	state.Generation++

	data, err := json.Marshal(&state)
	if err != nil {
		return nil, err
	}

	doc, err := json.Marshal(map[string]any{
		"name":    fmt.Sprintf("%s (gen %d)", state.Title, state.Generation),
		"image":   state.ImageURL,
		"content": state.Prompt,
		"attributes": []map[string]string{
			{"key": "template", "value": a.Name()},
			{"key": "generation", "value": fmt.Sprintf("%d", state.Generation)},
		},
	})
	if err != nil {
		return nil, err
	}
	uri, err := hc.Graph.StoreContent(ctx, doc, "application/json")
	if err != nil {
		return nil, fmt.Errorf("storing artwork document: %w", err)
	}

	return &Result{
		URI:             uri,
		TemplateData:    data,
		RefreshMetadata: true,
		Usage:           *usage,
		Model:           a.imageModel,
	}, nil
}

// topSuggestions keeps the n highest-ranked comments that carried any
// weight, normalized to plain suggestion strings.
func topSuggestions(ranked []votes.Weighted, n int) []string {
	out := make([]string, 0, n)
	for _, w := range ranked {
		if w.Votes <= 0 {
			continue
		}
		s := strings.TrimSpace(w.Comment.Content)
		if s == "" {
			continue
		}
		out = append(out, s)
		if len(out) == n {
			break
		}
	}
	return out
}

func synthesisInput(state *artState, suggestions []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Current title: %s\n", state.Title)
	fmt.Fprintf(&b, "Current prompt: %s\n\nSuggestions, strongest first:\n", state.Prompt)
	for i, s := range suggestions {
		fmt.Fprintf(&b, "%d. %s\n", i+1, s)
	}
	return b.String()
}

func firstImageURL(res *dispatch.ImageResult) string {
	if res == nil || len(res.Images) == 0 {
		return ""
	}
	img := res.Images[0]
	if img.URL != "" {
		return img.URL
	}
	if img.Base64 != "" {
		return "data:image/png;base64," + img.Base64
	}
	return ""
}
