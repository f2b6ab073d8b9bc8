package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/topiary-social/topiary/models"
)

// MediaRecord is the persisted row for one SmartMedia.
type MediaRecord struct {
	gorm.Model
	PostID        string `gorm:"uniqueIndex"`
	Creator       string `gorm:"index"`
	Template      string
	Category      string
	TemplateData  []byte
	URI           string
	TokenChain    string
	TokenAddress  string
	MaxStaleTime  int64
	PostCreatedAt int64
	PostUpdatedAt int64  `gorm:"index"`
	Status        string `gorm:"index"`
	VersionCount  int64
}

// MediaVersion is one entry of a post's append-only version history.
type MediaVersion struct {
	ID        uint `gorm:"primarykey"`
	CreatedAt time.Time
	PostID    string `gorm:"index:idx_media_version_seq,unique"`
	Seq       int64  `gorm:"index:idx_media_version_seq,unique"`
	URI       string
}

// Gormstore is the gorm-backed Store implementation.
type Gormstore struct {
	db *gorm.DB
}

var _ Store = (*Gormstore)(nil)

func NewGormstore(db *gorm.DB) *Gormstore {
	return &Gormstore{db: db}
}

// Migrate creates or updates the backing tables.
func (s *Gormstore) Migrate() error {
	return s.db.AutoMigrate(&MediaRecord{}, &MediaVersion{})
}

func (s *Gormstore) GetMedia(ctx context.Context, postID string) (*models.SmartMedia, error) {
	return s.getMedia(ctx, postID, models.HotVersionWindow)
}

func (s *Gormstore) GetMediaWithHistory(ctx context.Context, postID string) (*models.SmartMedia, error) {
	return s.getMedia(ctx, postID, 0)
}

func (s *Gormstore) getMedia(ctx context.Context, postID string, window int) (*models.SmartMedia, error) {
	var rec MediaRecord
	if err := s.db.WithContext(ctx).First(&rec, "post_id = ?", postID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMediaNotFound
		}
		return nil, err
	}

	q := s.db.WithContext(ctx).Where("post_id = ?", postID).Order("seq DESC")
	if window > 0 {
		q = q.Limit(window)
	}
	var vers []MediaVersion
	if err := q.Find(&vers).Error; err != nil {
		return nil, err
	}

	media := recordToMedia(&rec)
	// versions were fetched newest-first; the model carries oldest-first
	media.Versions = make([]string, len(vers))
	for i, v := range vers {
		media.Versions[len(vers)-1-i] = v.URI
	}
	return media, nil
}

func (s *Gormstore) ListDue(ctx context.Context, now time.Time, limit int) ([]*models.SmartMedia, error) {
	var recs []MediaRecord
	q := s.db.WithContext(ctx).
		Where("(status = ? OR status = ?) AND post_updated_at + max_stale_time < ?",
			"", string(models.StatusActive), now.Unix()).
		Order("post_updated_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]*models.SmartMedia, len(recs))
	for i := range recs {
		out[i] = recordToMedia(&recs[i])
	}
	return out, nil
}

func (s *Gormstore) CreateMedia(ctx context.Context, media *models.SmartMedia) error {
	rec := mediaToRecord(media)
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("postId %q already exists", media.PostID)
		}
		return err
	}
	return nil
}

func (s *Gormstore) SetStatus(ctx context.Context, postID string, status models.MediaStatus) error {
	res := s.db.WithContext(ctx).Model(&MediaRecord{}).
		Where("post_id = ?", postID).
		Update("status", string(status))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrMediaNotFound
	}
	return nil
}

func (s *Gormstore) AppendVersion(ctx context.Context, postID, newURI string, templateData json.RawMessage, now time.Time) (*models.SmartMedia, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec MediaRecord
		if err := tx.First(&rec, "post_id = ?", postID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrMediaNotFound
			}
			return err
		}

		if rec.URI != "" {
			if err := tx.Create(&MediaVersion{
				PostID: postID,
				Seq:    rec.VersionCount + 1,
				URI:    rec.URI,
			}).Error; err != nil {
				return err
			}
		}

		updates := map[string]any{
			"uri":             newURI,
			"version_count":   rec.VersionCount + 1,
			"post_updated_at": now.Unix(),
			"status":          string(models.StatusActive),
		}
		if templateData != nil {
			updates["template_data"] = []byte(templateData)
		}
		return tx.Model(&MediaRecord{}).Where("post_id = ?", postID).Updates(updates).Error
	})
	if err != nil {
		return nil, err
	}
	return s.GetMedia(ctx, postID)
}

func recordToMedia(rec *MediaRecord) *models.SmartMedia {
	m := &models.SmartMedia{
		PostID:       rec.PostID,
		Creator:      rec.Creator,
		Template:     rec.Template,
		Category:     rec.Category,
		TemplateData: json.RawMessage(rec.TemplateData),
		URI:          rec.URI,
		MaxStaleTime: rec.MaxStaleTime,
		CreatedAt:    rec.PostCreatedAt,
		UpdatedAt:    rec.PostUpdatedAt,
		Status:       models.MediaStatus(rec.Status),
		VersionCount: rec.VersionCount,
	}
	if rec.TokenAddress != "" {
		m.Token = &models.TokenRef{Chain: rec.TokenChain, Address: rec.TokenAddress}
	}
	return m
}

func mediaToRecord(m *models.SmartMedia) *MediaRecord {
	rec := &MediaRecord{
		PostID:        m.PostID,
		Creator:       m.Creator,
		Template:      m.Template,
		Category:      m.Category,
		TemplateData:  []byte(m.TemplateData),
		URI:           m.URI,
		MaxStaleTime:  m.MaxStaleTime,
		PostCreatedAt: m.CreatedAt,
		PostUpdatedAt: m.UpdatedAt,
		Status:        string(m.Status),
		VersionCount:  m.VersionCount,
	}
	if m.Token != nil {
		rec.TokenChain = m.Token.Chain
		rec.TokenAddress = m.Token.Address
	}
	return rec
}
