package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/domain"
	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/ports"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// videoRow est le modèle gorm de la table videos (même schéma que le cache sqlite).
type videoRow struct {
	ID          string `gorm:"primaryKey"`
	Title       string
	Alias       string
	Author      string
	AuthorID    string
	UploadTime  int64 `gorm:"index:idx_videos_upload_time"`
	TagsJSON    string
	Quality     string
	DownloadURL string
	Description string
	Comments    string
	State       string
	Step        string
	ExternalURL string
	MirrorURL   string
	Private     bool
	UpdatedAt   time.Time
}

func (videoRow) TableName() string { return "videos" }

// VideoCache implémente ports.VideoCache sur Postgres, pour partager le cache entre hôtes.
type VideoCache struct {
	db *gorm.DB
}

// Open se connecte avec quelques tentatives (le conteneur peut démarrer après l'agent)
// puis migre le schéma.
func Open(ctx context.Context, dsn string, attempts int) (*VideoCache, error) {
	if attempts <= 0 {
		attempts = 1
	}
	var (
		db  *gorm.DB
		err error
	)
	for i := 0; i < attempts; i++ {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
		if err == nil {
			sqlDB, derr := db.DB()
			if derr == nil {
				if err = sqlDB.PingContext(ctx); err == nil {
					break
				}
			} else {
				err = derr
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
	if err != nil {
		return nil, err
	}
	return New(ctx, db)
}

func New(ctx context.Context, db *gorm.DB) (*VideoCache, error) {
	if err := db.WithContext(ctx).AutoMigrate(&videoRow{}); err != nil {
		return nil, err
	}
	return &VideoCache{db: db}, nil
}

func (c *VideoCache) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (c *VideoCache) Get(ctx context.Context, id string) (domain.VideoDescriptor, error) {
	var row videoRow
	err := c.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.VideoDescriptor{}, ports.ErrNotFound
		}
		return domain.VideoDescriptor{}, err
	}
	return fromRow(row), nil
}

func (c *VideoCache) Put(ctx context.Context, v domain.VideoDescriptor) error {
	row := toRow(v)
	return c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&row).Error
}

func (c *VideoCache) ListByUploadTime(ctx context.Context, from, to time.Time, limit int) ([]domain.VideoDescriptor, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []videoRow
	err := c.db.WithContext(ctx).
		Where("upload_time >= ? AND upload_time < ?", from.UnixMilli(), to.UnixMilli()).
		Order("upload_time DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]domain.VideoDescriptor, 0, len(rows))
	for _, r := range rows {
		out = append(out, fromRow(r))
	}
	return out, nil
}

func toRow(v domain.VideoDescriptor) videoRow {
	tags, _ := json.Marshal(v.Tags)
	if v.Tags == nil {
		tags = []byte("[]")
	}
	row := videoRow{
		ID:          v.ID,
		Title:       v.Title,
		Alias:       v.Alias,
		Author:      v.Author,
		AuthorID:    v.AuthorID,
		TagsJSON:    string(tags),
		Quality:     v.DownloadQuality,
		DownloadURL: v.DownloadURL,
		Description: v.Description,
		Comments:    v.Comments,
		State:       string(v.State),
		Step:        string(v.Step),
		ExternalURL: v.ExternalURL,
		MirrorURL:   v.MirrorURL,
		Private:     v.Private,
		UpdatedAt:   v.UpdatedAt.UTC(),
	}
	if !v.UploadTime.IsZero() {
		row.UploadTime = v.UploadTime.UnixMilli()
	}
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = time.Now().UTC()
	}
	return row
}

func fromRow(r videoRow) domain.VideoDescriptor {
	v := domain.VideoDescriptor{
		ID:              r.ID,
		Title:           r.Title,
		Alias:           r.Alias,
		Author:          r.Author,
		AuthorID:        r.AuthorID,
		DownloadQuality: r.Quality,
		DownloadURL:     r.DownloadURL,
		Description:     r.Description,
		Comments:        r.Comments,
		State:           domain.VideoState(r.State),
		Step:            domain.ResolveStep(r.Step),
		ExternalURL:     r.ExternalURL,
		MirrorURL:       r.MirrorURL,
		Private:         r.Private,
		UpdatedAt:       r.UpdatedAt.UTC(),
	}
	if r.UploadTime != 0 {
		v.UploadTime = time.UnixMilli(r.UploadTime).UTC()
	}
	_ = json.Unmarshal([]byte(r.TagsJSON), &v.Tags)
	return v
}
