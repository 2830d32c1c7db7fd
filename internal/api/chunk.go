package api

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/abdul-hamid-achik/vidcore/internal/apperror"
	"github.com/abdul-hamid-achik/vidcore/internal/auth"
	"github.com/abdul-hamid-achik/vidcore/internal/logger"
	"github.com/abdul-hamid-achik/vidcore/internal/metrics"
	"github.com/abdul-hamid-achik/vidcore/internal/queue"
	"github.com/abdul-hamid-achik/vidcore/internal/session"
	"github.com/abdul-hamid-achik/vidcore/internal/storage"
)

type chunkResponse struct {
	SessionID  string `json:"sessionId"`
	ChunkIndex int64  `json:"chunkIndex"`
	Status     string `json:"status"`
}

// ChunkIntakeHandler accepts one multipart chunk, stages it in the blob
// store, and enqueues the commit. The 200 reply means "queued", not
// "committed": clients poll the status endpoint for durable progress.
//
// The chunk part streams straight from the wire into the temp blob; nothing
// is buffered in memory. Field parts must precede the chunk part, since the
// session is validated before the first chunk byte is read.
func ChunkIntakeHandler(manager *session.Manager, blobs storage.Storage, enqueuer queue.Enqueuer, maxChunkSize int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := logger.FromContext(r.Context())

		owner, ok := auth.GetUserID(r.Context())
		if !ok {
			apperror.WriteJSON(w, r, apperror.ErrUnauthorized)
			return
		}

		// Headroom for the form fields around the chunk part.
		r.Body = http.MaxBytesReader(w, r.Body, maxChunkSize+64*1024)

		mr, err := r.MultipartReader()
		if err != nil {
			apperror.WriteJSON(w, r, apperror.Invalid("invalid_multipart", "request must be multipart/form-data"))
			return
		}

		var (
			sessionID   uuid.UUID
			haveSession bool
			chunkIndex  int64 = -1
			tempKey     string
			chunkSize   int64
			staged      bool
		)

		// A staged blob is garbage without its commit message.
		dropStaged := func() {
			if tempKey == "" {
				return
			}
			if delErr := blobs.Delete(r.Context(), tempKey); delErr != nil {
				log.Warn("failed to delete orphaned temp chunk", "temp_key", tempKey, "error", delErr)
			}
		}

		reject := func(err error) {
			dropStaged()
			metrics.ChunksReceivedTotal.WithLabelValues("rejected").Inc()
			apperror.WriteJSON(w, r, err)
		}

		for {
			part, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				reject(apperror.Invalid("invalid_multipart", "malformed multipart stream"))
				return
			}

			switch part.FormName() {
			case "sessionId":
				v, ferr := readField(part)
				if ferr != nil {
					reject(ferr)
					return
				}
				id, perr := uuid.Parse(v)
				if perr != nil {
					reject(apperror.Invalid("invalid_session_id", "sessionId must be a UUID"))
					return
				}
				sessionID = id
				haveSession = true
			case "chunkIndex":
				v, ferr := readField(part)
				if ferr != nil {
					reject(ferr)
					return
				}
				idx, perr := strconv.ParseInt(v, 10, 64)
				if perr != nil {
					reject(apperror.Invalid("invalid_chunk_index", "chunkIndex must be an integer"))
					return
				}
				chunkIndex = idx
			case "chunk":
				if staged {
					reject(apperror.Invalid("invalid_multipart", "exactly one chunk part per request"))
					return
				}
				if !haveSession {
					reject(apperror.Invalid("missing_session_id", "sessionId field is required"))
					return
				}
				if chunkIndex < 0 {
					reject(apperror.Invalid("invalid_chunk_index", "chunkIndex field is required"))
					return
				}

				sess, gerr := manager.Get(r.Context(), sessionID, owner)
				if gerr != nil {
					apperror.WriteJSON(w, r, gerr)
					return
				}
				if sess.State.Terminal() {
					apperror.WriteJSON(w, r, apperror.ErrConflict)
					return
				}
				if chunkIndex >= int64(sess.TotalChunks) {
					reject(apperror.Invalid("chunk_out_of_range", "chunkIndex outside session bounds"))
					return
				}

				tempKey = storage.TempChunkKey()
				counted := &countingReader{r: io.LimitReader(part, maxChunkSize+1)}
				if uerr := blobs.Upload(r.Context(), tempKey, counted, "application/octet-stream", -1); uerr != nil {
					log.Error("failed to stage chunk", "temp_key", tempKey, "error", uerr)
					dropStaged()
					metrics.ChunksReceivedTotal.WithLabelValues("error").Inc()
					apperror.WriteJSON(w, r, apperror.Transient(uerr))
					return
				}
				if counted.n > maxChunkSize {
					reject(apperror.New(apperror.KindInvalidInput, "chunk_too_large",
						"chunk exceeds the maximum part size", http.StatusRequestEntityTooLarge))
					return
				}
				chunkSize = counted.n
				staged = true
			}
			_ = part.Close()
		}

		if !staged || chunkSize == 0 {
			reject(apperror.Invalid("missing_chunk", "chunk part is required"))
			return
		}

		payload := queue.CommitChunkPayload{
			SessionID:  sessionID.String(),
			ChunkIndex: chunkIndex,
			TempKey:    tempKey,
			Owner:      owner.String(),
		}
		if err := enqueuer.Enqueue(r.Context(), queue.PipelineChunkProcessing, payload); err != nil {
			dropStaged()
			log.Error("failed to enqueue chunk commit", "error", err)
			metrics.ChunksReceivedTotal.WithLabelValues("error").Inc()
			apperror.WriteJSON(w, r, apperror.Transient(err))
			return
		}

		metrics.ChunksReceivedTotal.WithLabelValues("accepted").Inc()
		metrics.ChunkBytes.Observe(float64(chunkSize))
		metrics.JobsEnqueuedTotal.WithLabelValues(queue.PipelineChunkProcessing).Inc()

		log.Debug("chunk staged",
			"session_id", sessionID,
			"chunk_index", chunkIndex,
			"size", chunkSize,
		)

		writeJSON(w, http.StatusOK, chunkResponse{
			SessionID:  sessionID.String(),
			ChunkIndex: chunkIndex,
			Status:     "queued",
		})
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func readField(part *multipart.Part) (string, error) {
	data, err := io.ReadAll(io.LimitReader(part, 256))
	if err != nil {
		return "", apperror.Invalid("invalid_multipart", "failed to read form field")
	}
	return string(data), nil
}
