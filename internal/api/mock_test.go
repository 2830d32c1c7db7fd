package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/abdul-hamid-achik/vidcore/internal/apperror"
	"github.com/abdul-hamid-achik/vidcore/internal/auth"
	"github.com/abdul-hamid-achik/vidcore/internal/db"
	"github.com/abdul-hamid-achik/vidcore/internal/session"
	"github.com/abdul-hamid-achik/vidcore/internal/storage"
)

// memStore is an in-memory session.MetadataStore for handler tests.
type memStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]db.UploadSession
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[uuid.UUID]db.UploadSession)}
}

func (s *memStore) CreateSession(ctx context.Context, arg db.CreateSessionParams) (db.UploadSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := db.UploadSession{
		ID:               arg.ID,
		Owner:            arg.Owner,
		TargetFilename:   arg.TargetFilename,
		OriginalFilename: arg.OriginalFilename,
		FileSize:         arg.FileSize,
		ChunkSize:        arg.ChunkSize,
		TotalChunks:      arg.TotalChunks,
		Received:         []int64{},
		State:            db.SessionStatePending,
		Metadata:         arg.Metadata,
		ExpiresAt:        arg.ExpiresAt,
	}
	s.sessions[arg.ID] = sess
	return sess, nil
}

func (s *memStore) GetSession(ctx context.Context, id uuid.UUID) (db.UploadSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return db.UploadSession{}, db.ErrNotFound
	}
	return sess, nil
}

func (s *memStore) SetSessionChunks(ctx context.Context, arg db.SetSessionChunksParams) (db.UploadSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[arg.ID]
	if !ok {
		return db.UploadSession{}, db.ErrNotFound
	}
	if sess.State.Terminal() {
		return db.UploadSession{}, db.ErrConflict
	}
	sess.Received = append([]int64(nil), arg.Received...)
	sess.State = arg.State
	s.sessions[arg.ID] = sess
	return sess, nil
}

func (s *memStore) SetSessionState(ctx context.Context, id uuid.UUID, state db.SessionState) (db.UploadSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return db.UploadSession{}, db.ErrNotFound
	}
	sess.State = state
	s.sessions[id] = sess
	return sess, nil
}

func (s *memStore) DeleteSession(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return db.ErrNotFound
	}
	delete(s.sessions, id)
	return nil
}

func (s *memStore) ListSessionsByOwner(ctx context.Context, arg db.ListSessionsByOwnerParams) ([]db.UploadSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []db.UploadSession
	for _, sess := range s.sessions {
		if sess.Owner == arg.Owner {
			out = append(out, sess)
		}
	}
	return out, nil
}

func (s *memStore) CountSessionsByOwner(ctx context.Context, owner uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, sess := range s.sessions {
		if sess.Owner == owner {
			n++
		}
	}
	return n, nil
}

func (s *memStore) FindExpiredSessions(ctx context.Context, now time.Time, limit int32) ([]db.UploadSession, error) {
	return nil, nil
}

func (s *memStore) RecordChunkSerialized(ctx context.Context, id uuid.UUID, chunkIndex int64) (db.UploadSession, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return db.UploadSession{}, false, db.ErrNotFound
	}
	if sess.State.Terminal() {
		return sess, false, nil
	}
	added := true
	for _, idx := range sess.Received {
		if idx == chunkIndex {
			added = false
		}
	}
	if added {
		sess.Received = append(sess.Received, chunkIndex)
	}
	sess.State = db.SessionStateUploading
	if int32(len(sess.Received)) == sess.TotalChunks {
		sess.State = db.SessionStateCompleted
	}
	s.sessions[id] = sess
	return sess, added, nil
}

// memIndex is a map-backed session.ChunkIndex.
type memIndex struct {
	mu   sync.Mutex
	sets map[string]map[int64]bool
}

func newMemIndex() *memIndex {
	return &memIndex{sets: make(map[string]map[int64]bool)}
}

func (f *memIndex) Add(ctx context.Context, sessionID string, chunkIndex int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	set, ok := f.sets[sessionID]
	if !ok {
		set = make(map[int64]bool)
		f.sets[sessionID] = set
	}
	if set[chunkIndex] {
		return false, nil
	}
	set[chunkIndex] = true
	return true, nil
}

func (f *memIndex) Members(ctx context.Context, sessionID string) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []int64
	for idx := range f.sets[sessionID] {
		out = append(out, idx)
	}
	return out, nil
}

func (f *memIndex) Seed(ctx context.Context, sessionID string, indices []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	set := make(map[int64]bool, len(indices))
	for _, idx := range indices {
		set[idx] = true
	}
	f.sets[sessionID] = set
	return nil
}

func (f *memIndex) Delete(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.sets, sessionID)
	return nil
}

// captureEnqueuer records published jobs.
type captureEnqueuer struct {
	mu   sync.Mutex
	jobs []capturedJob
	err  error
}

type capturedJob struct {
	jobType string
	payload any
}

func (e *captureEnqueuer) Enqueue(ctx context.Context, jobType string, payload any) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.err != nil {
		return e.err
	}
	e.jobs = append(e.jobs, capturedJob{jobType: jobType, payload: payload})
	return nil
}

// fakeViews records view increments for the stream handler.
type fakeViews struct {
	mu     sync.Mutex
	videos map[string]db.Video
	views  map[uuid.UUID]int
	err    error
}

func newFakeViews() *fakeViews {
	return &fakeViews{
		videos: make(map[string]db.Video),
		views:  make(map[uuid.UUID]int),
	}
}

func (f *fakeViews) GetVideoByStorageKey(ctx context.Context, storageKey string) (db.Video, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	v, ok := f.videos[storageKey]
	if !ok {
		return db.Video{}, db.ErrNotFound
	}
	return v, nil
}

func (f *fakeViews) IncrementVideoViews(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return f.err
	}
	f.views[id]++
	return nil
}

type apiEnv struct {
	store    *memStore
	blobs    *storage.MemoryStorage
	enqueuer *captureEnqueuer
	manager  *session.Manager
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()

	store := newMemStore()
	blobs := storage.NewMemoryStorage()
	return &apiEnv{
		store:    store,
		blobs:    blobs,
		enqueuer: &captureEnqueuer{},
		manager:  session.NewManager(store, newMemIndex(), blobs, 1<<30, 10<<20, time.Hour),
	}
}

// authedRequest builds a request carrying an owner id, skipping the JWT
// middleware.
func authedRequest(t *testing.T, owner uuid.UUID, method, target string, body io.Reader) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	return req.WithContext(auth.WithUserID(req.Context(), owner))
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decodeJSON[apperror.ErrorResponse](t, rec).Code
}

func uploadTestBlob(t *testing.T, env *apiEnv, sessionID string, index int, data string) {
	t.Helper()
	key := storage.ChunkKey(sessionID, index)
	err := env.blobs.Upload(context.Background(), key, strings.NewReader(data), "application/octet-stream", int64(len(data)))
	if err != nil {
		t.Fatalf("upload %s: %v", key, err)
	}
}

// chunkRequest builds a multipart chunk upload. Empty field values are
// omitted so missing-field paths can be exercised.
func chunkRequest(t *testing.T, owner uuid.UUID, sessionID, chunkIndex string, chunk []byte) *http.Request {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if sessionID != "" {
		if err := mw.WriteField("sessionId", sessionID); err != nil {
			t.Fatalf("write sessionId: %v", err)
		}
	}
	if chunkIndex != "" {
		if err := mw.WriteField("chunkIndex", chunkIndex); err != nil {
			t.Fatalf("write chunkIndex: %v", err)
		}
	}
	if chunk != nil {
		part, err := mw.CreateFormFile("chunk", "blob")
		if err != nil {
			t.Fatalf("create chunk part: %v", err)
		}
		if _, err := part.Write(chunk); err != nil {
			t.Fatalf("write chunk part: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}

	req := authedRequest(t, owner, http.MethodPost, "/api/upload/chunk", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}
