package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/domain"
	"github.com/Guilhem-Bonnet/iwara-batch-downloader/internal/ports"
)

// VideoCache implémente ports.VideoCache sur la table videos.
type VideoCache struct {
	db *sql.DB
}

func NewVideoCache(db *sql.DB) *VideoCache {
	return &VideoCache{db: db}
}

const videoColumns = `id, title, alias, author, author_id, upload_time, tags_json, quality, download_url,
	description, comments, state, step, external_url, mirror_url, private, updated_at`

func (c *VideoCache) Get(ctx context.Context, id string) (domain.VideoDescriptor, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = ?`, id)
	v, err := scanVideo(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.VideoDescriptor{}, ports.ErrNotFound
		}
		return domain.VideoDescriptor{}, err
	}
	return v, nil
}

func (c *VideoCache) Put(ctx context.Context, v domain.VideoDescriptor) error {
	tags, err := json.Marshal(v.Tags)
	if err != nil {
		return err
	}
	if v.Tags == nil {
		tags = []byte("[]")
	}
	updated := v.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	var uploaded int64
	if !v.UploadTime.IsZero() {
		uploaded = v.UploadTime.UnixMilli()
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO videos(`+videoColumns+`)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			alias = excluded.alias,
			author = excluded.author,
			author_id = excluded.author_id,
			upload_time = excluded.upload_time,
			tags_json = excluded.tags_json,
			quality = excluded.quality,
			download_url = excluded.download_url,
			description = excluded.description,
			comments = excluded.comments,
			state = excluded.state,
			step = excluded.step,
			external_url = excluded.external_url,
			mirror_url = excluded.mirror_url,
			private = excluded.private,
			updated_at = excluded.updated_at
	`,
		v.ID, v.Title, v.Alias, v.Author, v.AuthorID, uploaded, string(tags), v.DownloadQuality, v.DownloadURL,
		v.Description, v.Comments, string(v.State), string(v.Step), v.ExternalURL, v.MirrorURL, boolToInt(v.Private),
		updated.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// ListByUploadTime renvoie les vidéos avec from <= upload_time < to, plus récentes d'abord.
func (c *VideoCache) ListByUploadTime(ctx context.Context, from, to time.Time, limit int) ([]domain.VideoDescriptor, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := c.db.QueryContext(ctx, `
		SELECT `+videoColumns+`
		FROM videos
		WHERE upload_time >= ? AND upload_time < ?
		ORDER BY upload_time DESC
		LIMIT ?
	`, from.UnixMilli(), to.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.VideoDescriptor{}
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVideo(s rowScanner) (domain.VideoDescriptor, error) {
	var (
		v         domain.VideoDescriptor
		uploaded  int64
		tags      string
		state     string
		step      string
		private   int
		updatedAt string
	)
	if err := s.Scan(&v.ID, &v.Title, &v.Alias, &v.Author, &v.AuthorID, &uploaded, &tags, &v.DownloadQuality, &v.DownloadURL,
		&v.Description, &v.Comments, &state, &step, &v.ExternalURL, &v.MirrorURL, &private, &updatedAt); err != nil {
		return domain.VideoDescriptor{}, err
	}
	if uploaded != 0 {
		v.UploadTime = time.UnixMilli(uploaded).UTC()
	}
	_ = json.Unmarshal([]byte(tags), &v.Tags)
	v.State = domain.VideoState(state)
	v.Step = domain.ResolveStep(step)
	v.Private = private != 0
	v.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return v, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
