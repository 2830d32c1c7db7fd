package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/abdul-hamid-achik/vidcore/internal/apperror"
	"github.com/abdul-hamid-achik/vidcore/internal/auth"
	"github.com/abdul-hamid-achik/vidcore/internal/cache"
	"github.com/abdul-hamid-achik/vidcore/internal/db"
)

// VideoStore is the metadata surface the video endpoints need.
type VideoStore interface {
	GetVideo(ctx context.Context, id uuid.UUID) (db.Video, error)
	ListVideosByOwner(ctx context.Context, arg db.ListVideosByOwnerParams) ([]db.Video, error)
	IncrementVideoLikes(ctx context.Context, id uuid.UUID) (int64, error)
}

type videoResponse struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Description  string    `json:"description,omitempty"`
	Tags         []string  `json:"tags,omitempty"`
	Category     string    `json:"category"`
	MimeType     string    `json:"mimeType"`
	StorageKey   string    `json:"storageKey"`
	ThumbnailKey string    `json:"thumbnailKey,omitempty"`
	DurationS    float64   `json:"durationSeconds"`
	Resolution   string    `json:"resolution,omitempty"`
	State        string    `json:"state"`
	Views        int64     `json:"views"`
	Likes        int64     `json:"likes"`
	CreatedAt    time.Time `json:"createdAt"`
}

func toVideoResponse(v db.Video) videoResponse {
	return videoResponse{
		ID:           v.ID.String(),
		Title:        v.Title,
		Description:  v.Description,
		Tags:         v.Tags,
		Category:     v.Category,
		MimeType:     v.MimeType,
		StorageKey:   v.StorageKey,
		ThumbnailKey: v.ThumbnailKey,
		DurationS:    v.DurationS,
		Resolution:   v.Resolution,
		State:        string(v.State),
		Views:        v.Views,
		Likes:        v.Likes,
		CreatedAt:    v.CreatedAt,
	}
}

// GetVideoHandler returns one video record, cache-first.
func GetVideoHandler(store VideoStore, c *cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			apperror.WriteJSON(w, r, apperror.Invalid("invalid_video_id", "video id must be a UUID"))
			return
		}

		if c != nil {
			var cached videoResponse
			if c.GetJSON(r.Context(), c.VideoKey(id.String()), &cached) {
				writeJSON(w, http.StatusOK, cached)
				return
			}
		}

		video, err := store.GetVideo(r.Context(), id)
		if errors.Is(err, db.ErrNotFound) {
			apperror.WriteJSON(w, r, apperror.ErrNotFound)
			return
		}
		if err != nil {
			apperror.WriteJSON(w, r, apperror.Transient(err))
			return
		}

		resp := toVideoResponse(video)
		if c != nil {
			c.SetJSON(r.Context(), c.VideoKey(id.String()), resp)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

type videoListResponse struct {
	Videos []videoResponse `json:"videos"`
	Page   int32           `json:"page"`
	Limit  int32           `json:"limit"`
}

// ListVideosHandler pages through the caller's videos, cache-first.
func ListVideosHandler(store VideoStore, c *cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := auth.GetUserID(r.Context())
		if !ok {
			apperror.WriteJSON(w, r, apperror.ErrUnauthorized)
			return
		}

		page := parseInt32(r.URL.Query().Get("page"), 1)
		limit := parseInt32(r.URL.Query().Get("limit"), 20)
		if page < 1 {
			page = 1
		}
		if limit <= 0 || limit > 100 {
			limit = 20
		}
		offset := (page - 1) * limit

		if c != nil {
			var cached videoListResponse
			if c.GetJSON(r.Context(), c.OwnerListKey(owner.String(), limit, offset), &cached) {
				writeJSON(w, http.StatusOK, cached)
				return
			}
		}

		videos, err := store.ListVideosByOwner(r.Context(), db.ListVideosByOwnerParams{
			Owner:  owner,
			Limit:  limit,
			Offset: offset,
		})
		if err != nil {
			apperror.WriteJSON(w, r, apperror.Transient(err))
			return
		}

		resp := videoListResponse{
			Videos: make([]videoResponse, 0, len(videos)),
			Page:   page,
			Limit:  limit,
		}
		for _, v := range videos {
			resp.Videos = append(resp.Videos, toVideoResponse(v))
		}

		if c != nil {
			c.SetJSON(r.Context(), c.OwnerListKey(owner.String(), limit, offset), resp)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// LikeVideoHandler bumps the like counter and invalidates the cached record.
func LikeVideoHandler(store VideoStore, c *cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			apperror.WriteJSON(w, r, apperror.Invalid("invalid_video_id", "video id must be a UUID"))
			return
		}

		likes, err := store.IncrementVideoLikes(r.Context(), id)
		if errors.Is(err, db.ErrNotFound) {
			apperror.WriteJSON(w, r, apperror.ErrNotFound)
			return
		}
		if err != nil {
			apperror.WriteJSON(w, r, apperror.Transient(err))
			return
		}

		if c != nil {
			c.InvalidateVideo(r.Context(), id.String())
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id.String(), "likes": likes})
	}
}
