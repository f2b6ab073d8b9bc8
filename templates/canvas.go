package templates

import (
	"encoding/json"
	"fmt"

	"github.com/flosch/pongo2/v6"

	"github.com/topiary-social/topiary/models"
)

var adventureCanvasTemplate = pongo2.Must(pongo2.FromString(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{ title }}</title>
<style>
body { font-family: Georgia, serif; max-width: 640px; margin: 2rem auto; padding: 0 1rem; background: #f8f5ef; color: #2b2b2b; }
h1 { font-size: 1.4rem; }
.chapter { margin-bottom: 2rem; }
.chapter h2 { font-size: 1.1rem; border-bottom: 1px solid #d8d2c4; padding-bottom: 0.25rem; }
.direction { font-style: italic; color: #6b6454; font-size: 0.9rem; }
.options { background: #efe9dc; padding: 1rem; border-radius: 6px; }
.options li { margin: 0.4rem 0; }
</style>
</head>
<body>
<h1>{{ title }}</h1>
{% for ch in chapters %}
<div class="chapter">
<h2>Chapter {{ forloop.Counter }}: {{ ch.Title }}</h2>
{% if ch.Direction %}<p class="direction">The audience chose: {{ ch.Direction }}</p>{% endif %}
<p>{{ ch.Body }}</p>
</div>
{% endfor %}
{% if options %}
<div class="options">
<strong>What happens next? Vote in the comments:</strong>
<ul>
{% for opt in options %}<li>{{ opt }}</li>{% endfor %}
</ul>
</div>
{% endif %}
</body>
</html>
`))

// Canvas renders the full story so far plus the open vote.
func (a *Adventure) Canvas(media *models.SmartMedia) ([]byte, error) {
	var state adventureState
	if len(media.TemplateData) > 0 {
		if err := json.Unmarshal(media.TemplateData, &state); err != nil {
			return nil, fmt.Errorf("corrupt adventure state for %s: %w", media.PostID, err)
		}
	}
	title := fmt.Sprintf("A %s adventure", state.Genre)
	if state.Genre == "" {
		title = "An adventure"
	}
	out, err := adventureCanvasTemplate.ExecuteBytes(pongo2.Context{
		"title":    title,
		"chapters": state.Chapters,
		"options":  state.Options,
	})
	if err != nil {
		return nil, fmt.Errorf("rendering adventure canvas: %w", err)
	}
	return out, nil
}

var artCanvasTemplate = pongo2.Must(pongo2.FromString(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{ title }}</title>
<style>
body { font-family: Helvetica, Arial, sans-serif; max-width: 720px; margin: 2rem auto; padding: 0 1rem; background: #111; color: #eee; }
img { width: 100%; border-radius: 8px; }
.prompt { color: #999; font-size: 0.9rem; margin-top: 0.75rem; }
.gen { color: #666; font-size: 0.8rem; }
</style>
</head>
<body>
<h1>{{ title }}</h1>
{% if imageURL %}<img src="{{ imageURL }}" alt="{{ prompt }}">{% endif %}
<p class="prompt">{{ prompt }}</p>
<p class="gen">Generation {{ generation }}</p>
</body>
</html>
`))

// Canvas renders the current generation of the artwork.
func (a *ArtEvolve) Canvas(media *models.SmartMedia) ([]byte, error) {
	var state artState
	if len(media.TemplateData) > 0 {
		if err := json.Unmarshal(media.TemplateData, &state); err != nil {
			return nil, fmt.Errorf("corrupt art state for %s: %w", media.PostID, err)
		}
	}
	out, err := artCanvasTemplate.ExecuteBytes(pongo2.Context{
		"title":      state.Title,
		"imageURL":   state.ImageURL,
		"prompt":     state.Prompt,
		"generation": state.Generation,
	})
	if err != nil {
		return nil, fmt.Errorf("rendering art canvas: %w", err)
	}
	return out, nil
}
