package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const videoColumns = `id, owner, title, description, tags, category, mime_type, storage_key,
	thumbnail_key, duration_s, resolution, codec, file_size, bitrate, state, views, likes,
	created_at, updated_at`

func scanVideo(row pgx.Row) (Video, error) {
	var v Video
	err := row.Scan(
		&v.ID, &v.Owner, &v.Title, &v.Description, &v.Tags, &v.Category, &v.MimeType,
		&v.StorageKey, &v.ThumbnailKey, &v.DurationS, &v.Resolution, &v.Codec, &v.FileSize,
		&v.Bitrate, &v.State, &v.Views, &v.Likes, &v.CreatedAt, &v.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Video{}, ErrNotFound
	}
	if err != nil {
		return Video{}, fmt.Errorf("scan video: %w", err)
	}
	return v, nil
}

type CreateVideoParams struct {
	ID          uuid.UUID
	Owner       uuid.UUID
	Title       string
	Description string
	Tags        []string
	Category    string
	MimeType    string
	StorageKey  string
	FileSize    int64
}

// CreateVideoIfAbsent inserts a processing-state video record. The id is
// derived deterministically from the upload session, so a redelivered
// assembly job lands on the existing row instead of a duplicate.
func (q *Queries) CreateVideoIfAbsent(ctx context.Context, arg CreateVideoParams) (Video, error) {
	if arg.Tags == nil {
		arg.Tags = []string{}
	}
	_, err := q.db.Exec(ctx, `
		INSERT INTO videos (
			id, owner, title, description, tags, category, mime_type,
			storage_key, file_size, state
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'processing')
		ON CONFLICT (id) DO NOTHING`,
		arg.ID, arg.Owner, arg.Title, arg.Description, arg.Tags, arg.Category,
		arg.MimeType, arg.StorageKey, arg.FileSize,
	)
	if err != nil {
		return Video{}, fmt.Errorf("create video: %w", err)
	}
	return q.GetVideo(ctx, arg.ID)
}

func (q *Queries) GetVideo(ctx context.Context, id uuid.UUID) (Video, error) {
	row := q.db.QueryRow(ctx, `
		SELECT `+videoColumns+` FROM videos WHERE id = $1`, id)
	return scanVideo(row)
}

func (q *Queries) GetVideoByStorageKey(ctx context.Context, storageKey string) (Video, error) {
	row := q.db.QueryRow(ctx, `
		SELECT `+videoColumns+` FROM videos WHERE storage_key = $1`, storageKey)
	return scanVideo(row)
}

type UpdateVideoMediaParams struct {
	ID           uuid.UUID
	DurationS    float64
	Resolution   string
	Codec        string
	Bitrate      int64
	ThumbnailKey string
}

// UpdateVideoMedia records probe results and flips the video to ready.
func (q *Queries) UpdateVideoMedia(ctx context.Context, arg UpdateVideoMediaParams) (Video, error) {
	row := q.db.QueryRow(ctx, `
		UPDATE videos
		SET duration_s = $2, resolution = $3, codec = $4, bitrate = $5,
			thumbnail_key = $6, state = 'ready', updated_at = now()
		WHERE id = $1
		RETURNING `+videoColumns,
		arg.ID, arg.DurationS, arg.Resolution, arg.Codec, arg.Bitrate, arg.ThumbnailKey,
	)
	return scanVideo(row)
}

func (q *Queries) SetVideoState(ctx context.Context, id uuid.UUID, state VideoState) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE videos SET state = $2, updated_at = now() WHERE id = $1`, id, state)
	if err != nil {
		return fmt.Errorf("set video state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *Queries) DeleteVideo(ctx context.Context, id uuid.UUID) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM videos WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete video: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *Queries) IncrementVideoViews(ctx context.Context, id uuid.UUID) error {
	_, err := q.db.Exec(ctx, `
		UPDATE videos SET views = views + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("increment views: %w", err)
	}
	return nil
}

func (q *Queries) IncrementVideoLikes(ctx context.Context, id uuid.UUID) (int64, error) {
	var likes int64
	err := q.db.QueryRow(ctx, `
		UPDATE videos SET likes = likes + 1 WHERE id = $1 RETURNING likes`, id).Scan(&likes)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("increment likes: %w", err)
	}
	return likes, nil
}

type ListVideosByOwnerParams struct {
	Owner  uuid.UUID
	Limit  int32
	Offset int32
}

func (q *Queries) ListVideosByOwner(ctx context.Context, arg ListVideosByOwnerParams) ([]Video, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+videoColumns+`
		FROM videos
		WHERE owner = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`,
		arg.Owner, arg.Limit, arg.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list videos: %w", err)
	}
	defer rows.Close()

	var videos []Video
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, err
		}
		videos = append(videos, v)
	}
	return videos, rows.Err()
}
