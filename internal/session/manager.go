// Package session implements the upload-session state machine: creation,
// chunk bookkeeping, resume, cancellation, and expiry.
package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/abdul-hamid-achik/vidcore/internal/apperror"
	"github.com/abdul-hamid-achik/vidcore/internal/db"
	"github.com/abdul-hamid-achik/vidcore/internal/logger"
	"github.com/abdul-hamid-achik/vidcore/internal/storage"
)

// MetadataStore is the Postgres surface the manager needs. *db.Store
// satisfies it; tests provide an in-memory fake.
type MetadataStore interface {
	CreateSession(ctx context.Context, arg db.CreateSessionParams) (db.UploadSession, error)
	GetSession(ctx context.Context, id uuid.UUID) (db.UploadSession, error)
	SetSessionChunks(ctx context.Context, arg db.SetSessionChunksParams) (db.UploadSession, error)
	SetSessionState(ctx context.Context, id uuid.UUID, state db.SessionState) (db.UploadSession, error)
	DeleteSession(ctx context.Context, id uuid.UUID) error
	ListSessionsByOwner(ctx context.Context, arg db.ListSessionsByOwnerParams) ([]db.UploadSession, error)
	CountSessionsByOwner(ctx context.Context, owner uuid.UUID) (int64, error)
	FindExpiredSessions(ctx context.Context, now time.Time, limit int32) ([]db.UploadSession, error)
	RecordChunkSerialized(ctx context.Context, id uuid.UUID, chunkIndex int64) (db.UploadSession, bool, error)
}

// ChunkIndex is the hot received-set accelerator. Its atomic set-add is the
// serialisation point on the fast path; when it errors, the manager restarts
// on the row-locked database path.
type ChunkIndex interface {
	Add(ctx context.Context, sessionID string, chunkIndex int64) (bool, error)
	Members(ctx context.Context, sessionID string) ([]int64, error)
	Seed(ctx context.Context, sessionID string, indices []int64) error
	Delete(ctx context.Context, sessionID string) error
}

type Manager struct {
	store      MetadataStore
	index      ChunkIndex
	storage    storage.Storage
	maxFile    int64
	maxChunk   int64
	sessionTTL time.Duration
}

func NewManager(store MetadataStore, index ChunkIndex, blobs storage.Storage, maxFile, maxChunk int64, ttl time.Duration) *Manager {
	return &Manager{
		store:      store,
		index:      index,
		storage:    blobs,
		maxFile:    maxFile,
		maxChunk:   maxChunk,
		sessionTTL: ttl,
	}
}

type InitParams struct {
	Owner     uuid.UUID
	Filename  string
	FileSize  int64
	ChunkSize int64
	Metadata  map[string]string
}

// Init validates the declared geometry and creates a pending session. The
// target filename is freshly generated so concurrent uploads of identically
// named files never collide in the blob namespace.
func (m *Manager) Init(ctx context.Context, arg InitParams) (db.UploadSession, error) {
	if !storage.ValidObjectName(arg.Filename) {
		return db.UploadSession{}, apperror.Invalid("invalid_filename", "filename is empty or contains path separators")
	}
	if arg.FileSize <= 0 {
		return db.UploadSession{}, apperror.Invalid("invalid_file_size", "file_size must be positive")
	}
	if arg.FileSize > m.maxFile {
		return db.UploadSession{}, apperror.ErrFileTooLarge
	}
	if arg.ChunkSize <= 0 {
		return db.UploadSession{}, apperror.Invalid("invalid_chunk_size", "chunk_size must be positive")
	}
	if arg.ChunkSize > m.maxChunk {
		return db.UploadSession{}, apperror.Invalid("invalid_chunk_size",
			fmt.Sprintf("chunk_size exceeds maximum of %d bytes", m.maxChunk))
	}

	totalChunks := (arg.FileSize + arg.ChunkSize - 1) / arg.ChunkSize
	// total_chunks is stored as int32; a tiny chunk size against a huge file
	// would silently truncate and corrupt the completion arithmetic.
	if totalChunks > math.MaxInt32 {
		return db.UploadSession{}, apperror.Invalid("invalid_chunk_size",
			"chunk_size too small for the declared file_size")
	}

	id := uuid.New()
	ext := strings.ToLower(filepath.Ext(arg.Filename))
	target := uuid.New().String() + ext

	sess, err := m.store.CreateSession(ctx, db.CreateSessionParams{
		ID:               id,
		Owner:            arg.Owner,
		TargetFilename:   target,
		OriginalFilename: arg.Filename,
		FileSize:         arg.FileSize,
		ChunkSize:        arg.ChunkSize,
		TotalChunks:      int32(totalChunks),
		Metadata:         arg.Metadata,
		ExpiresAt:        time.Now().Add(m.sessionTTL),
	})
	if err != nil {
		return db.UploadSession{}, apperror.Transient(err)
	}

	logger.FromContext(ctx).Info("upload session created",
		"session_id", sess.ID, "file_size", arg.FileSize, "total_chunks", totalChunks)
	return sess, nil
}

// Get loads a session and enforces ownership.
func (m *Manager) Get(ctx context.Context, id, owner uuid.UUID) (db.UploadSession, error) {
	sess, err := m.store.GetSession(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return db.UploadSession{}, apperror.ErrNotFound
	}
	if err != nil {
		return db.UploadSession{}, apperror.Transient(err)
	}
	if sess.Owner != owner {
		return db.UploadSession{}, apperror.ErrForbidden
	}
	return sess, nil
}

// RecordResult is the post-commit view handed back to the chunk pipeline.
type RecordResult struct {
	Session   db.UploadSession
	Duplicate bool
	// Completed is true only for the commit that contributed the final
	// index, so assembly is normally enqueued once per session. Duplicate
	// enqueues are harmless; assembly is idempotent.
	Completed bool
}

// RecordChunk merges one chunk index into the session: the index's atomic
// set-add serialises concurrent commits, then the full post-image set is
// persisted. The write is the whole new set, so last-writer-wins between
// racing commits is safe. Re-delivery of the same index is a no-op that
// returns the current image.
func (m *Manager) RecordChunk(ctx context.Context, sessionID uuid.UUID, chunkIndex int64) (RecordResult, error) {
	log := logger.FromContext(ctx)

	sess, err := m.store.GetSession(ctx, sessionID)
	if errors.Is(err, db.ErrNotFound) {
		return RecordResult{}, apperror.ErrNotFound
	}
	if err != nil {
		return RecordResult{}, apperror.Transient(err)
	}
	if sess.State.Terminal() {
		return RecordResult{Session: sess, Duplicate: true}, nil
	}

	added, err := m.index.Add(ctx, sessionID.String(), chunkIndex)
	if err != nil {
		log.Warn("chunk index unavailable, using serialized fallback", "error", err)
		return m.recordChunkFallback(ctx, sessionID, chunkIndex)
	}

	members, err := m.index.Members(ctx, sessionID.String())
	if err != nil {
		log.Warn("chunk index read failed, using serialized fallback", "error", err)
		return m.recordChunkFallback(ctx, sessionID, chunkIndex)
	}

	// Union with the durable set: a cold index (expired TTL) must never
	// shrink what the database already recorded.
	members = unionSorted(members, sess.Received)

	state := db.SessionStateUploading
	completed := int32(len(members)) == sess.TotalChunks
	if completed {
		state = db.SessionStateCompleted
	}

	sess, err = m.store.SetSessionChunks(ctx, db.SetSessionChunksParams{
		ID:       sessionID,
		Received: members,
		State:    state,
	})
	switch {
	case errors.Is(err, db.ErrNotFound):
		return RecordResult{}, apperror.ErrNotFound
	case errors.Is(err, db.ErrConflict):
		// Lost the race against a terminal transition; report the image.
		sess, getErr := m.store.GetSession(ctx, sessionID)
		if getErr != nil {
			return RecordResult{}, apperror.Transient(getErr)
		}
		return RecordResult{Session: sess, Duplicate: true}, nil
	case err != nil:
		return RecordResult{}, apperror.Transient(err)
	}

	if completed {
		if err := m.index.Delete(ctx, sessionID.String()); err != nil {
			log.Warn("failed to drop completed chunk index", "error", err)
		}
	}

	return RecordResult{
		Session:   sess,
		Duplicate: !added,
		Completed: added && completed,
	}, nil
}

func unionSorted(a, b []int64) []int64 {
	seen := make(map[int64]bool, len(a)+len(b))
	out := make([]int64, 0, len(a)+len(b))
	for _, idx := range a {
		if !seen[idx] {
			seen[idx] = true
			out = append(out, idx)
		}
	}
	for _, idx := range b {
		if !seen[idx] {
			seen[idx] = true
			out = append(out, idx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *Manager) recordChunkFallback(ctx context.Context, sessionID uuid.UUID, chunkIndex int64) (RecordResult, error) {
	sess, added, err := m.store.RecordChunkSerialized(ctx, sessionID, chunkIndex)
	switch {
	case errors.Is(err, db.ErrNotFound):
		return RecordResult{}, apperror.ErrNotFound
	case err != nil:
		return RecordResult{}, apperror.Transient(err)
	}
	return RecordResult{
		Session:   sess,
		Duplicate: !added,
		Completed: added && sess.State == db.SessionStateCompleted,
	}, nil
}

// MarkFailed flips a non-terminal session to failed. Completed sessions are
// left alone.
func (m *Manager) MarkFailed(ctx context.Context, id uuid.UUID) error {
	sess, err := m.store.GetSession(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return apperror.ErrNotFound
	}
	if err != nil {
		return apperror.Transient(err)
	}
	if sess.State == db.SessionStateCompleted {
		return apperror.ErrConflict
	}

	if _, err := m.store.SetSessionState(ctx, id, db.SessionStateFailed); err != nil {
		return apperror.Transient(err)
	}
	return nil
}

// ResumeInfo tells a client which chunks still need uploading.
type ResumeInfo struct {
	Session       db.UploadSession
	MissingChunks []int64
}

// Resume reopens a session after a client restart. Failed sessions move back
// to pending; completed sessions refuse with Conflict. The chunk index is
// reseeded from the durable received set in case its TTL lapsed.
func (m *Manager) Resume(ctx context.Context, id, owner uuid.UUID) (ResumeInfo, error) {
	sess, err := m.Get(ctx, id, owner)
	if err != nil {
		return ResumeInfo{}, err
	}
	if sess.State == db.SessionStateCompleted {
		return ResumeInfo{}, apperror.ErrConflict
	}

	if sess.State == db.SessionStateFailed {
		sess, err = m.store.SetSessionState(ctx, id, db.SessionStatePending)
		if err != nil {
			return ResumeInfo{}, apperror.Transient(err)
		}
	}

	if err := m.index.Seed(ctx, id.String(), sess.Received); err != nil {
		logger.FromContext(ctx).Warn("failed to reseed chunk index", "error", err)
	}

	return ResumeInfo{
		Session:       sess,
		MissingChunks: sess.MissingChunks(),
	}, nil
}

// Cancel tears a session down: chunk blobs, index entry, then the row. An
// in-flight commit arriving afterwards observes NotFound and is dropped.
func (m *Manager) Cancel(ctx context.Context, id, owner uuid.UUID) error {
	if _, err := m.Get(ctx, id, owner); err != nil {
		return err
	}
	return m.teardown(ctx, id)
}

// Remove tears a session down without an ownership check; the assembly
// worker calls this after the final blob is durable.
func (m *Manager) Remove(ctx context.Context, id uuid.UUID) error {
	return m.teardown(ctx, id)
}

func (m *Manager) teardown(ctx context.Context, id uuid.UUID) error {
	log := logger.FromContext(ctx)

	keys, err := m.storage.List(ctx, storage.SessionChunkPrefix(id.String()))
	if err != nil {
		return apperror.Transient(err)
	}
	for _, key := range keys {
		if err := m.storage.Delete(ctx, key); err != nil {
			log.Warn("failed to delete chunk blob", "key", key, "error", err)
		}
	}

	if err := m.index.Delete(ctx, id.String()); err != nil {
		log.Warn("failed to delete chunk index", "error", err)
	}

	if err := m.store.DeleteSession(ctx, id); err != nil && !errors.Is(err, db.ErrNotFound) {
		return apperror.Transient(err)
	}

	log.Info("upload session removed", "session_id", id, "chunks_deleted", len(keys))
	return nil
}

// SessionPage is one page of an owner's sessions.
type SessionPage struct {
	Sessions []db.UploadSession
	Total    int64
	Limit    int32
	Offset   int32
}

func (m *Manager) ListByOwner(ctx context.Context, owner uuid.UUID, limit, offset int32) (SessionPage, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	sessions, err := m.store.ListSessionsByOwner(ctx, db.ListSessionsByOwnerParams{
		Owner:  owner,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return SessionPage{}, apperror.Transient(err)
	}

	total, err := m.store.CountSessionsByOwner(ctx, owner)
	if err != nil {
		return SessionPage{}, apperror.Transient(err)
	}

	return SessionPage{Sessions: sessions, Total: total, Limit: limit, Offset: offset}, nil
}

// CleanupExpired sweeps sessions past their deadline: orphaned chunk blobs,
// index entries, and the rows themselves. Returns how many were removed.
func (m *Manager) CleanupExpired(ctx context.Context, batch int32) (int, error) {
	expired, err := m.store.FindExpiredSessions(ctx, time.Now(), batch)
	if err != nil {
		return 0, apperror.Transient(err)
	}

	removed := 0
	for _, sess := range expired {
		if err := m.teardown(ctx, sess.ID); err != nil {
			logger.FromContext(ctx).Error("failed to clean up expired session",
				"session_id", sess.ID, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}
