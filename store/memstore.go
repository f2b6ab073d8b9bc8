package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/topiary-social/topiary/models"
)

type memEntry struct {
	media    models.SmartMedia
	versions []string
}

// Memstore is an in-memory Store, used in tests and local development.
type Memstore struct {
	lk    sync.RWMutex
	media map[string]*memEntry
}

var _ Store = (*Memstore)(nil)

func NewMemstore() *Memstore {
	return &Memstore{media: make(map[string]*memEntry)}
}

func (s *Memstore) GetMedia(ctx context.Context, postID string) (*models.SmartMedia, error) {
	return s.get(postID, models.HotVersionWindow)
}

func (s *Memstore) GetMediaWithHistory(ctx context.Context, postID string) (*models.SmartMedia, error) {
	return s.get(postID, 0)
}

func (s *Memstore) get(postID string, window int) (*models.SmartMedia, error) {
	s.lk.RLock()
	defer s.lk.RUnlock()
	e, ok := s.media[postID]
	if !ok {
		return nil, ErrMediaNotFound
	}
	m := e.media
	vers := e.versions
	if window > 0 && len(vers) > window {
		vers = vers[len(vers)-window:]
	}
	m.Versions = append([]string(nil), vers...)
	return &m, nil
}

func (s *Memstore) ListDue(ctx context.Context, now time.Time, limit int) ([]*models.SmartMedia, error) {
	s.lk.RLock()
	defer s.lk.RUnlock()
	var out []*models.SmartMedia
	for _, e := range s.media {
		m := e.media
		if m.CurrentStatus() != models.StatusActive {
			continue
		}
		if !m.Stale(now) {
			continue
		}
		cp := m
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Memstore) CreateMedia(ctx context.Context, media *models.SmartMedia) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if _, ok := s.media[media.PostID]; ok {
		return fmt.Errorf("postId %q already exists", media.PostID)
	}
	m := *media
	m.Versions = nil
	s.media[media.PostID] = &memEntry{
		media:    m,
		versions: append([]string(nil), media.Versions...),
	}
	return nil
}

func (s *Memstore) SetStatus(ctx context.Context, postID string, status models.MediaStatus) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	e, ok := s.media[postID]
	if !ok {
		return ErrMediaNotFound
	}
	e.media.Status = status
	return nil
}

func (s *Memstore) AppendVersion(ctx context.Context, postID, newURI string, templateData json.RawMessage, now time.Time) (*models.SmartMedia, error) {
	s.lk.Lock()
	e, ok := s.media[postID]
	if !ok {
		s.lk.Unlock()
		return nil, ErrMediaNotFound
	}
	if e.media.URI != "" {
		e.versions = append(e.versions, e.media.URI)
	}
	e.media.URI = newURI
	e.media.VersionCount++
	e.media.UpdatedAt = now.Unix()
	e.media.Status = models.StatusActive
	if templateData != nil {
		e.media.TemplateData = append(json.RawMessage(nil), templateData...)
	}
	s.lk.Unlock()
	return s.get(postID, models.HotVersionWindow)
}
