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

// Minimum qualifying comments before a new chapter is worth writing.
// Forced updates skip this gate.
const adventureMinEngagement = 3

const adventureSystemPrompt = `You are the narrator of a serialized interactive adventure.
You write one chapter at a time. The audience votes on the direction of the
story in the comments; you are given the winning direction and must honor it.
Keep continuity with the previous chapters. End every chapter at a decision
point and offer exactly three possible directions for the next chapter.
Respond with a JSON object: {"title": string, "body": string, "options": [string, string, string]}.`

// adventureState is the template data an adventure post carries between
// runs.
type adventureState struct {
	Genre    string             `json:"genre"`
	Premise  string             `json:"premise,omitempty"`
	Chapters []adventureChapter `json:"chapters"`
	// Options offered to the audience after the latest chapter.
	Options []string `json:"options,omitempty"`
}

type adventureChapter struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	// Direction the audience chose to get here.
	Direction string `json:"direction,omitempty"`
}

type adventureBeat struct {
	Title   string   `json:"title"`
	Body    string   `json:"body"`
	Options []string `json:"options"`
}

// Adventure is the serialized-fiction template: collector votes pick the
// next story beat, and the dispatcher writes the chapter.
type Adventure struct {
	disp     *dispatch.Dispatcher
	provider string
	model    string
}

var _ Template = (*Adventure)(nil)
var _ CanvasRenderer = (*Adventure)(nil)

func NewAdventure(d *dispatch.Dispatcher, provider, model string) *Adventure {
	return &Adventure{disp: d, provider: provider, model: model}
}

func (a *Adventure) Name() string  { return "adventure" }
func (a *Adventure) Premium() bool { return false }

type adventureParams struct {
	Genre   string `json:"genre"`
	Premise string `json:"premise"`
}

func (a *Adventure) Prepare(ctx context.Context, req *PrepareRequest) (*models.Preview, *dispatch.Usage, error) {
	var params adventureParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, nil, fmt.Errorf("invalid adventure params: %w", err)
		}
	}
	if params.Genre == "" {
		params.Genre = "fantasy"
	}

	prompt := fmt.Sprintf("Write the opening chapter of a %s adventure.", params.Genre)
	if params.Premise != "" {
		prompt += " Premise: " + params.Premise
	}

	var beat adventureBeat
	usage, err := a.generateBeat(ctx, prompt, &beat)
	if err != nil {
		return nil, usage, err
	}

	state := adventureState{
		Genre:   params.Genre,
		Premise: params.Premise,
		Chapters: []adventureChapter{
			{Title: beat.Title, Body: beat.Body},
		},
		Options: beat.Options,
	}
	data, err := json.Marshal(&state)
	if err != nil {
		return nil, usage, err
	}

	return &models.Preview{
		Creator:      req.Creator,
		Template:     a.Name(),
		Category:     "fiction",
		Text:         beat.Title + "\n\n" + beat.Body,
		TemplateData: data,
	}, usage, nil
}

func (a *Adventure) Handle(ctx context.Context, hc *HandlerContext) (*Result, error) {
	media := hc.Media

	var state adventureState
	if len(media.TemplateData) > 0 {
		if err := json.Unmarshal(media.TemplateData, &state); err != nil {
			return nil, fmt.Errorf("corrupt adventure state for %s: %w", media.PostID, err)
		}
	}

	all, err := hc.Graph.GetComments(ctx, media.PostID)
	if err != nil {
		return nil, fmt.Errorf("fetching comments: %w", err)
	}
	latest := votes.Latest(media, all)
	if !hc.Force && len(latest) < adventureMinEngagement {
		hc.Logger.Debug("not enough engagement for a new chapter",
			"post", media.PostID, "comments", len(latest))
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

	direction := pickDirection(state.Options, ranked)
	if direction == "" {
		if !hc.Force {
			hc.Logger.Debug("no qualifying votes", "post", media.PostID)
			return nil, nil
		}
		// forced update with a silent audience: the narrator chooses
		if len(state.Options) > 0 {
			direction = state.Options[0]
		} else {
			direction = "continue the story"
		}
	}

	var beat adventureBeat
	usage, err := a.generateBeat(ctx, continuationPrompt(&state, direction), &beat)
	if usage == nil {
		usage = &dispatch.Usage{}
	}
	if err != nil {
		return nil, fmt.Errorf("generating chapter: %w", err)
	}

	state.Chapters = append(state.Chapters, adventureChapter{
		Title:     beat.Title,
		Body:      beat.Body,
		Direction: direction,
	})
	state.Options = beat.Options

	data, err := json.Marshal(&state)
	if err != nil {
		return nil, err
	}

	doc, err := json.Marshal(map[string]any{
		"name":    fmt.Sprintf("Chapter %d: %s", len(state.Chapters), beat.Title),
		"content": beat.Title + "\n\n" + beat.Body,
		"attributes": []map[string]string{
			{"key": "template", "value": a.Name()},
			{"key": "direction", "value": direction},
		},
	})
	if err != nil {
		return nil, err
	}
	uri, err := hc.Graph.StoreContent(ctx, doc, "application/json")
	if err != nil {
		return nil, fmt.Errorf("storing chapter document: %w", err)
	}

	return &Result{
		URI:             uri,
		TemplateData:    data,
		RefreshMetadata: true,
		Usage:           *usage,
		Model:           a.model,
	}, nil
}

func (a *Adventure) generateBeat(ctx context.Context, prompt string, out *adventureBeat) (*dispatch.Usage, error) {
	return a.disp.GenerateObject(ctx, &dispatch.Request{
		Provider:        a.provider,
		Model:           a.model,
		SystemPrompt:    adventureSystemPrompt,
		Prompt:          prompt,
		Temperature:     0.9,
		MaxOutputTokens: 2048,
	}, out)
}

// pickDirection maps the winning comment onto one of the offered options
// when possible, falling back to the raw comment text.
func pickDirection(options []string, ranked []votes.Weighted) string {
	for _, w := range ranked {
		if w.Votes <= 0 {
			continue
		}
		content := strings.TrimSpace(w.Comment.Content)
		for _, opt := range options {
			if strings.EqualFold(content, opt) || strings.Contains(strings.ToLower(content), strings.ToLower(opt)) {
				return opt
			}
		}
		return content
	}
	return ""
}

func continuationPrompt(state *adventureState, direction string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Genre: %s\n", state.Genre)
	if state.Premise != "" {
		fmt.Fprintf(&b, "Premise: %s\n", state.Premise)
	}
	b.WriteString("\nStory so far:\n")
	for i, ch := range state.Chapters {
		fmt.Fprintf(&b, "Chapter %d: %s\n%s\n\n", i+1, ch.Title, ch.Body)
	}
	fmt.Fprintf(&b, "The audience chose: %s\n\nWrite the next chapter.", direction)
	return b.String()
}
