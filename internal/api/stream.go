package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/abdul-hamid-achik/vidcore/internal/apperror"
	"github.com/abdul-hamid-achik/vidcore/internal/db"
	"github.com/abdul-hamid-achik/vidcore/internal/logger"
	"github.com/abdul-hamid-achik/vidcore/internal/metrics"
	"github.com/abdul-hamid-achik/vidcore/internal/storage"
)

// ViewRecorder counts a playback start, best effort.
type ViewRecorder interface {
	IncrementVideoViews(ctx context.Context, id uuid.UUID) error
	GetVideoByStorageKey(ctx context.Context, storageKey string) (db.Video, error)
}

// StreamHandler serves assembled uploads under byte-range semantics. The
// blob is streamed straight from the store; nothing is buffered in full.
func StreamHandler(blobs storage.Storage, views ViewRecorder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := logger.FromContext(r.Context())

		filename := r.PathValue("filename")
		if !storage.ValidObjectName(filename) {
			metrics.StreamRequestsTotal.WithLabelValues("400").Inc()
			apperror.WriteJSON(w, r, apperror.Invalid("invalid_filename", "invalid stream name"))
			return
		}

		key := storage.UploadKey(filename)
		reader, size, err := blobs.Open(r.Context(), key)
		if errors.Is(err, storage.ErrNotFound) {
			metrics.StreamRequestsTotal.WithLabelValues("404").Inc()
			apperror.WriteJSON(w, r, apperror.ErrNotFound)
			return
		}
		if err != nil {
			log.Error("failed to open stream source", "key", key, "error", err)
			metrics.StreamRequestsTotal.WithLabelValues("500").Inc()
			apperror.WriteJSON(w, r, apperror.Transient(err))
			return
		}
		defer func() { _ = reader.Close() }()

		recordView(r, views, key)

		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Type", "video/mp4")

		rangeHeader := r.Header.Get("Range")
		if rangeHeader == "" {
			w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
			w.WriteHeader(http.StatusOK)
			n, err := io.Copy(w, reader)
			if err != nil {
				log.Debug("stream aborted", "key", key, "bytes_sent", n, "error", err)
			}
			metrics.StreamRequestsTotal.WithLabelValues("200").Inc()
			metrics.StreamBytesTotal.Add(float64(n))
			return
		}

		start, end, err := parseRange(rangeHeader, size)
		if err != nil {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
			metrics.StreamRequestsTotal.WithLabelValues("416").Inc()
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}

		if _, err := reader.Seek(start, io.SeekStart); err != nil {
			log.Error("failed to seek stream source", "key", key, "offset", start, "error", err)
			metrics.StreamRequestsTotal.WithLabelValues("500").Inc()
			apperror.WriteJSON(w, r, apperror.Transient(err))
			return
		}

		length := end - start + 1
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
		w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
		w.WriteHeader(http.StatusPartialContent)

		n, err := io.CopyN(w, reader, length)
		if err != nil {
			log.Debug("partial stream aborted", "key", key, "bytes_sent", n, "error", err)
		}
		metrics.StreamRequestsTotal.WithLabelValues("206").Inc()
		metrics.StreamBytesTotal.Add(float64(n))
	}
}

var errInvalidRange = errors.New("unsatisfiable range")

// parseRange interprets a single "bytes=S-E" range against a resource of
// the given length. A missing S means 0; a missing E means length-1; an E
// past the end is clamped. Anything unsatisfiable is an error.
func parseRange(header string, length int64) (start, end int64, err error) {
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return 0, 0, errInvalidRange
	}
	// Multiple ranges are not supported; take the first.
	spec, _, _ = strings.Cut(spec, ",")

	startStr, endStr, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok {
		return 0, 0, errInvalidRange
	}

	if startStr == "" {
		// Suffix form bytes=-N: last N bytes.
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, errInvalidRange
		}
		if n > length {
			n = length
		}
		return length - n, length - 1, nil
	}

	start, err = strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, errInvalidRange
	}

	if endStr == "" {
		end = length - 1
	} else {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil {
			return 0, 0, errInvalidRange
		}
		if end >= length {
			end = length - 1
		}
	}

	if start >= length || start > end {
		return 0, 0, errInvalidRange
	}
	return start, end, nil
}

func recordView(r *http.Request, views ViewRecorder, key string) {
	if views == nil {
		return
	}
	// Count only initial requests, not every seek.
	if h := r.Header.Get("Range"); h != "" && !strings.HasPrefix(h, "bytes=0-") {
		return
	}

	ctx := r.Context()
	video, err := views.GetVideoByStorageKey(ctx, key)
	if err != nil {
		return
	}
	if err := views.IncrementVideoViews(ctx, video.ID); err != nil {
		logger.FromContext(ctx).Warn("failed to record view", "video_id", video.ID, "error", err)
	}
}
