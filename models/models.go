package models

import (
	"encoding/json"
	"time"
)

type MediaStatus string

const (
	StatusActive   MediaStatus = "ACTIVE"
	StatusFailed   MediaStatus = "FAILED"
	StatusDisabled MediaStatus = "DISABLED"
)

// How many prior version URIs the hot path carries around. The persisted
// store keeps the full history.
const HotVersionWindow = 10

// TokenRef points at the fungible token (if any) used to weight audience
// votes for a post. Immutable once set.
type TokenRef struct {
	Chain   string `json:"chain"`
	Address string `json:"address"`
}

// SmartMedia is a post whose content is programmatically regenerated over
// time by a registered template.
type SmartMedia struct {
	// PostID is stable once the post is committed and never reused.
	PostID string `json:"postId"`
	// AgentID only identifies the draft during preview, before commit.
	AgentID  string `json:"agentId,omitempty"`
	Creator  string `json:"creator"`
	Template string `json:"template"`
	Category string `json:"category"`
	// TemplateData is opaque to everything except the named template.
	TemplateData json.RawMessage `json:"templateData,omitempty"`
	URI          string          `json:"uri"`
	Token        *TokenRef       `json:"token,omitempty"`
	// MaxStaleTime is in seconds; the post is due for re-evaluation once
	// now - UpdatedAt exceeds it.
	MaxStaleTime int64 `json:"maxStaleTime"`
	CreatedAt    int64 `json:"createdAt"`
	UpdatedAt    int64 `json:"updatedAt"`
	// Status is implicitly ACTIVE while the post only exists in cache.
	Status MediaStatus `json:"status,omitempty"`
	// Versions holds prior URI values, oldest first, truncated to
	// HotVersionWindow on the hot path.
	Versions     []string `json:"versions,omitempty"`
	VersionCount int64    `json:"versionCount"`
}

func (m *SmartMedia) CurrentStatus() MediaStatus {
	if m.Status == "" {
		return StatusActive
	}
	return m.Status
}

func (m *SmartMedia) IsDisabled() bool {
	return m.Status == StatusDisabled
}

// Stale reports whether the post is due for re-evaluation.
func (m *SmartMedia) Stale(now time.Time) bool {
	return now.Unix()-m.UpdatedAt > m.MaxStaleTime
}

// Preview is an uncommitted draft, cached only in volatile storage under a
// fresh agentId. It is deleted on promotion into a SmartMedia, or evicted.
type Preview struct {
	AgentID      string          `json:"agentId"`
	Creator      string          `json:"creator"`
	Template     string          `json:"template"`
	Category     string          `json:"category,omitempty"`
	Text         string          `json:"text,omitempty"`
	Image        string          `json:"image,omitempty"`
	URI          string          `json:"uri,omitempty"`
	TemplateData json.RawMessage `json:"templateData,omitempty"`
	Token        *TokenRef       `json:"token,omitempty"`
	MaxStaleTime int64           `json:"maxStaleTime,omitempty"`
	CreatedAt    int64           `json:"createdAt"`
}

// Promote turns a preview into a committed SmartMedia. Status starts ACTIVE
// and the version history starts empty; the first accepted update appends.
func (p *Preview) Promote(postID string, now time.Time) *SmartMedia {
	return &SmartMedia{
		PostID:       postID,
		Creator:      p.Creator,
		Template:     p.Template,
		Category:     p.Category,
		TemplateData: p.TemplateData,
		URI:          p.URI,
		Token:        p.Token,
		MaxStaleTime: p.MaxStaleTime,
		CreatedAt:    now.Unix(),
		UpdatedAt:    now.Unix(),
		Status:       StatusActive,
	}
}
