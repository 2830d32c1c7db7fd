package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/abdul-hamid-achik/job-queue/pkg/job"
	"github.com/google/uuid"

	"github.com/abdul-hamid-achik/vidcore/internal/db"
	"github.com/abdul-hamid-achik/vidcore/internal/probe"
	"github.com/abdul-hamid-achik/vidcore/internal/queue"
	"github.com/abdul-hamid-achik/vidcore/internal/session"
	"github.com/abdul-hamid-achik/vidcore/internal/storage"
)

// testStore backs both the handlers and the session manager with one
// in-memory dataset, mirroring how production shares *db.Store.
type testStore struct {
	mu          sync.Mutex
	sessions    map[uuid.UUID]db.UploadSession
	videos      map[uuid.UUID]db.Video
	deadLetters []db.CreateDeadLetterParams
}

func newTestStore() *testStore {
	return &testStore{
		sessions: make(map[uuid.UUID]db.UploadSession),
		videos:   make(map[uuid.UUID]db.Video),
	}
}

func (s *testStore) CreateSession(ctx context.Context, arg db.CreateSessionParams) (db.UploadSession, error) {
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

func (s *testStore) GetSession(ctx context.Context, id uuid.UUID) (db.UploadSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return db.UploadSession{}, db.ErrNotFound
	}
	return sess, nil
}

func (s *testStore) SetSessionChunks(ctx context.Context, arg db.SetSessionChunksParams) (db.UploadSession, error) {
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

func (s *testStore) SetSessionState(ctx context.Context, id uuid.UUID, state db.SessionState) (db.UploadSession, error) {
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

func (s *testStore) DeleteSession(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return db.ErrNotFound
	}
	delete(s.sessions, id)
	return nil
}

func (s *testStore) ListSessionsByOwner(ctx context.Context, arg db.ListSessionsByOwnerParams) ([]db.UploadSession, error) {
	return nil, nil
}

func (s *testStore) CountSessionsByOwner(ctx context.Context, owner uuid.UUID) (int64, error) {
	return 0, nil
}

func (s *testStore) FindExpiredSessions(ctx context.Context, now time.Time, limit int32) ([]db.UploadSession, error) {
	return nil, nil
}

func (s *testStore) RecordChunkSerialized(ctx context.Context, id uuid.UUID, chunkIndex int64) (db.UploadSession, bool, error) {
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

func (s *testStore) CreateVideoIfAbsent(ctx context.Context, arg db.CreateVideoParams) (db.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.videos[arg.ID]; ok {
		return v, nil
	}
	v := db.Video{
		ID:         arg.ID,
		Owner:      arg.Owner,
		Title:      arg.Title,
		Category:   arg.Category,
		MimeType:   arg.MimeType,
		StorageKey: arg.StorageKey,
		FileSize:   arg.FileSize,
		State:      db.VideoStateProcessing,
	}
	s.videos[arg.ID] = v
	return v, nil
}

func (s *testStore) GetVideo(ctx context.Context, id uuid.UUID) (db.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.videos[id]
	if !ok {
		return db.Video{}, db.ErrNotFound
	}
	return v, nil
}

func (s *testStore) UpdateVideoMedia(ctx context.Context, arg db.UpdateVideoMediaParams) (db.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.videos[arg.ID]
	if !ok {
		return db.Video{}, db.ErrNotFound
	}
	v.DurationS = arg.DurationS
	v.Resolution = arg.Resolution
	v.Codec = arg.Codec
	v.Bitrate = arg.Bitrate
	v.ThumbnailKey = arg.ThumbnailKey
	v.State = db.VideoStateReady
	s.videos[arg.ID] = v
	return v, nil
}

func (s *testStore) SetVideoState(ctx context.Context, id uuid.UUID, state db.VideoState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.videos[id]
	if !ok {
		return db.ErrNotFound
	}
	v.State = state
	s.videos[id] = v
	return nil
}

func (s *testStore) CreateDeadLetter(ctx context.Context, arg db.CreateDeadLetterParams) (db.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deadLetters = append(s.deadLetters, arg)
	return db.DeadLetter{ID: uuid.New(), Pipeline: arg.Pipeline}, nil
}

// testIndex is a minimal in-memory chunk index.
type testIndex struct {
	mu   sync.Mutex
	sets map[string]map[int64]bool
}

func newTestIndex() *testIndex {
	return &testIndex{sets: make(map[string]map[int64]bool)}
}

func (f *testIndex) Add(ctx context.Context, sessionID string, chunkIndex int64) (bool, error) {
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

func (f *testIndex) Members(ctx context.Context, sessionID string) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []int64
	for idx := range f.sets[sessionID] {
		out = append(out, idx)
	}
	return out, nil
}

func (f *testIndex) Seed(ctx context.Context, sessionID string, indices []int64) error {
	return nil
}

func (f *testIndex) Delete(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.sets, sessionID)
	return nil
}

// recordingEnqueuer captures published jobs instead of hitting the broker.
// A non-nil err fails every Enqueue, or only the failType stream when set.
type recordingEnqueuer struct {
	mu       sync.Mutex
	jobs     []recordedJob
	err      error
	failType string
}

type recordedJob struct {
	jobType string
	payload any
}

func (e *recordingEnqueuer) Enqueue(ctx context.Context, jobType string, payload any) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.err != nil && (e.failType == "" || e.failType == jobType) {
		return e.err
	}
	e.jobs = append(e.jobs, recordedJob{jobType: jobType, payload: payload})
	return nil
}

func (e *recordingEnqueuer) byType(jobType string) []recordedJob {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []recordedJob
	for _, j := range e.jobs {
		if j.jobType == jobType {
			out = append(out, j)
		}
	}
	return out
}

// flakyStorage wraps a Storage and fails selected operations, for retry
// routing tests.
type flakyStorage struct {
	storage.Storage
	renameErr error
	existsErr error
}

func (f *flakyStorage) Rename(ctx context.Context, srcKey, dstKey string) error {
	if f.renameErr != nil {
		return f.renameErr
	}
	return f.Storage.Rename(ctx, srcKey, dstKey)
}

func (f *flakyStorage) Exists(ctx context.Context, key string) (bool, error) {
	if f.existsErr != nil {
		return false, f.existsErr
	}
	return f.Storage.Exists(ctx, key)
}

var (
	errStorageDown = errors.New("storage down")
	errBrokerDown  = errors.New("broker down")
)

type testEnv struct {
	deps     *Dependencies
	store    *testStore
	blobs    *storage.MemoryStorage
	enqueuer *recordingEnqueuer
	prober   *probe.FakeProber
	sessions *session.Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := newTestStore()
	blobs := storage.NewMemoryStorage()
	enqueuer := &recordingEnqueuer{}
	prober := &probe.FakeProber{}
	sessions := session.NewManager(store, newTestIndex(), blobs, 5<<30, 10<<20, 24*time.Hour)

	deps := &Dependencies{
		Storage:  blobs,
		Store:    store,
		Sessions: sessions,
		Enqueuer: enqueuer,
		Router:   queue.NewRouter(enqueuer, store, 3),
		Prober:   prober,
	}
	return &testEnv{
		deps:     deps,
		store:    store,
		blobs:    blobs,
		enqueuer: enqueuer,
		prober:   prober,
		sessions: sessions,
	}
}

func newJob(t *testing.T, jobType string, payload any) *job.Job {
	t.Helper()
	j, err := job.New(jobType, payload)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return j
}

func seedSession(t *testing.T, env *testEnv, totalChunks int32) db.UploadSession {
	t.Helper()
	sess, err := env.store.CreateSession(context.Background(), db.CreateSessionParams{
		ID:               uuid.New(),
		Owner:            uuid.New(),
		TargetFilename:   uuid.New().String() + ".mp4",
		OriginalFilename: "holiday.mp4",
		FileSize:         int64(totalChunks) * 10,
		ChunkSize:        10,
		TotalChunks:      totalChunks,
		ExpiresAt:        time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("seed session: %v", err)
	}
	return sess
}

func uploadBlob(t *testing.T, blobs storage.Storage, key, data string) {
	t.Helper()
	err := blobs.Upload(context.Background(), key, strings.NewReader(data), "application/octet-stream", int64(len(data)))
	if err != nil {
		t.Fatalf("upload %s: %v", key, err)
	}
}
