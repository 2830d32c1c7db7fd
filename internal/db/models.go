package db

import (
	"time"

	"github.com/google/uuid"
)

type SessionState string

const (
	SessionStatePending   SessionState = "pending"
	SessionStateUploading SessionState = "uploading"
	SessionStateCompleted SessionState = "completed"
	SessionStateFailed    SessionState = "failed"
)

// Terminal reports whether the session no longer accepts chunk commits.
func (s SessionState) Terminal() bool {
	return s == SessionStateCompleted || s == SessionStateFailed
}

type VideoState string

const (
	VideoStateProcessing VideoState = "processing"
	VideoStateReady      VideoState = "ready"
	VideoStateFailed     VideoState = "failed"
)

// UploadSession tracks one client's chunked upload of one file.
type UploadSession struct {
	ID               uuid.UUID
	Owner            uuid.UUID
	TargetFilename   string
	OriginalFilename string
	FileSize         int64
	ChunkSize        int64
	TotalChunks      int32
	Received         []int64
	State            SessionState
	Metadata         map[string]string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ExpiresAt        time.Time
}

// Complete reports whether every chunk index has been committed.
func (s *UploadSession) Complete() bool {
	return int32(len(s.Received)) == s.TotalChunks
}

// MissingChunks returns [0, total_chunks) minus the received set, ascending.
func (s *UploadSession) MissingChunks() []int64 {
	have := make(map[int64]bool, len(s.Received))
	for _, idx := range s.Received {
		have[idx] = true
	}
	missing := make([]int64, 0, int(s.TotalChunks)-len(have))
	for i := int64(0); i < int64(s.TotalChunks); i++ {
		if !have[i] {
			missing = append(missing, i)
		}
	}
	return missing
}

type Video struct {
	ID           uuid.UUID
	Owner        uuid.UUID
	Title        string
	Description  string
	Tags         []string
	Category     string
	MimeType     string
	StorageKey   string
	ThumbnailKey string
	DurationS    float64
	Resolution   string
	Codec        string
	FileSize     int64
	Bitrate      int64
	State        VideoState
	Views        int64
	Likes        int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DeadLetter is a work-bus message that exhausted its retry budget, retained
// for inspection and manual requeue.
type DeadLetter struct {
	ID         uuid.UUID
	Pipeline   string
	JobType    string
	Payload    []byte
	Attempts   int32
	LastError  string
	CreatedAt  time.Time
	RequeuedAt *time.Time
}
