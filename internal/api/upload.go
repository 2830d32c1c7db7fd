package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/abdul-hamid-achik/vidcore/internal/apperror"
	"github.com/abdul-hamid-achik/vidcore/internal/auth"
	"github.com/abdul-hamid-achik/vidcore/internal/db"
	"github.com/abdul-hamid-achik/vidcore/internal/metrics"
	"github.com/abdul-hamid-achik/vidcore/internal/session"
)

type initializeRequest struct {
	Filename  string            `json:"filename"`
	FileSize  int64             `json:"fileSize"`
	ChunkSize int64             `json:"chunkSize"`
	Metadata  map[string]string `json:"metadata"`
}

type initializeResponse struct {
	SessionID      string `json:"sessionId"`
	TotalChunks    int32  `json:"totalChunks"`
	ChunkSize      int64  `json:"chunkSize"`
	UploadedChunks int    `json:"uploadedChunks"`
}

// InitializeUploadHandler creates a pending upload session.
func InitializeUploadHandler(manager *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := auth.GetUserID(r.Context())
		if !ok {
			apperror.WriteJSON(w, r, apperror.ErrUnauthorized)
			return
		}

		var req initializeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			apperror.WriteJSON(w, r, apperror.Invalid("invalid_body", "request body must be JSON"))
			return
		}

		sess, err := manager.Init(r.Context(), session.InitParams{
			Owner:     owner,
			Filename:  req.Filename,
			FileSize:  req.FileSize,
			ChunkSize: req.ChunkSize,
			Metadata:  req.Metadata,
		})
		if err != nil {
			apperror.WriteJSON(w, r, err)
			return
		}

		metrics.SessionsCreatedTotal.Inc()
		writeJSON(w, http.StatusCreated, initializeResponse{
			SessionID:      sess.ID.String(),
			TotalChunks:    sess.TotalChunks,
			ChunkSize:      sess.ChunkSize,
			UploadedChunks: len(sess.Received),
		})
	}
}

type statusResponse struct {
	SessionID      string  `json:"sessionId"`
	UploadedChunks int     `json:"uploadedChunks"`
	TotalChunks    int32   `json:"totalChunks"`
	Status         string  `json:"status"`
	Progress       float64 `json:"progress"`
}

// UploadStatusHandler reports commit progress for one session. Clients poll
// this: a 200 from the chunk endpoint only means "queued".
func UploadStatusHandler(manager *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := auth.GetUserID(r.Context())
		if !ok {
			apperror.WriteJSON(w, r, apperror.ErrUnauthorized)
			return
		}

		sessionID, err := uuid.Parse(r.PathValue("sessionId"))
		if err != nil {
			apperror.WriteJSON(w, r, apperror.Invalid("invalid_session_id", "session id must be a UUID"))
			return
		}

		sess, err := manager.Get(r.Context(), sessionID, owner)
		if err != nil {
			apperror.WriteJSON(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, sessionStatus(sess))
	}
}

func sessionStatus(sess db.UploadSession) statusResponse {
	progress := 0.0
	if sess.TotalChunks > 0 {
		progress = float64(len(sess.Received)) / float64(sess.TotalChunks) * 100
	}
	return statusResponse{
		SessionID:      sess.ID.String(),
		UploadedChunks: len(sess.Received),
		TotalChunks:    sess.TotalChunks,
		Status:         string(sess.State),
		Progress:       progress,
	}
}

type resumeResponse struct {
	SessionID     string  `json:"sessionId"`
	MissingChunks []int64 `json:"missingChunks"`
	Status        string  `json:"status"`
}

// ResumeUploadHandler reopens an interrupted session and reports which
// chunks are still missing.
func ResumeUploadHandler(manager *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := auth.GetUserID(r.Context())
		if !ok {
			apperror.WriteJSON(w, r, apperror.ErrUnauthorized)
			return
		}

		sessionID, err := uuid.Parse(r.PathValue("sessionId"))
		if err != nil {
			apperror.WriteJSON(w, r, apperror.Invalid("invalid_session_id", "session id must be a UUID"))
			return
		}

		info, err := manager.Resume(r.Context(), sessionID, owner)
		if err != nil {
			if apperror.Is(err, apperror.ErrConflict) {
				apperror.WriteJSON(w, r, apperror.Invalid("already_complete", "upload already completed"))
				return
			}
			apperror.WriteJSON(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, resumeResponse{
			SessionID:     info.Session.ID.String(),
			MissingChunks: info.MissingChunks,
			Status:        string(info.Session.State),
		})
	}
}

// CancelUploadHandler tears down a session and its chunk blobs.
func CancelUploadHandler(manager *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := auth.GetUserID(r.Context())
		if !ok {
			apperror.WriteJSON(w, r, apperror.ErrUnauthorized)
			return
		}

		sessionID, err := uuid.Parse(r.PathValue("sessionId"))
		if err != nil {
			apperror.WriteJSON(w, r, apperror.Invalid("invalid_session_id", "session id must be a UUID"))
			return
		}

		if err := manager.Cancel(r.Context(), sessionID, owner); err != nil {
			apperror.WriteJSON(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	}
}

type sessionsResponse struct {
	Sessions []statusResponse `json:"sessions"`
	Total    int64            `json:"total"`
	Page     int32            `json:"page"`
	Limit    int32            `json:"limit"`
}

// ListSessionsHandler pages through the caller's upload sessions.
func ListSessionsHandler(manager *session.Manager) http.HandlerFunc {
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

		result, err := manager.ListByOwner(r.Context(), owner, limit, (page-1)*limit)
		if err != nil {
			apperror.WriteJSON(w, r, err)
			return
		}

		sessions := make([]statusResponse, 0, len(result.Sessions))
		for _, sess := range result.Sessions {
			sessions = append(sessions, sessionStatus(sess))
		}

		writeJSON(w, http.StatusOK, sessionsResponse{
			Sessions: sessions,
			Total:    result.Total,
			Page:     page,
			Limit:    result.Limit,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseInt32(s string, def int32) int32 {
	if s == "" {
		return def
	}
	n, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return def
	}
	return int32(n)
}
