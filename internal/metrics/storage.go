package metrics

import (
	"context"
	"io"
	"time"

	"github.com/abdul-hamid-achik/vidcore/internal/storage"
)

// InstrumentedStorage wraps a Storage and records operation counters,
// latencies, and byte totals.
type InstrumentedStorage struct {
	storage.Storage
}

var _ storage.Storage = (*InstrumentedStorage)(nil)

func NewInstrumentedStorage(s storage.Storage) *InstrumentedStorage {
	return &InstrumentedStorage{Storage: s}
}

func observe(op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	StorageOperationsTotal.WithLabelValues(op, status).Inc()
	StorageOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (s *InstrumentedStorage) Upload(ctx context.Context, key string, reader io.Reader, contentType string, size int64) error {
	start := time.Now()
	err := s.Storage.Upload(ctx, key, reader, contentType, size)
	observe("upload", start, err)
	if err == nil && size > 0 {
		StorageBytesTotal.WithLabelValues("upload").Add(float64(size))
	}
	return err
}

func (s *InstrumentedStorage) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	reader, err := s.Storage.Download(ctx, key)
	observe("download", start, err)
	if err != nil {
		return nil, err
	}
	return &countingReadCloser{ReadCloser: reader}, nil
}

func (s *InstrumentedStorage) Open(ctx context.Context, key string) (storage.ReadSeekCloser, int64, error) {
	start := time.Now()
	reader, size, err := s.Storage.Open(ctx, key)
	observe("open", start, err)
	return reader, size, err
}

func (s *InstrumentedStorage) Rename(ctx context.Context, srcKey, dstKey string) error {
	start := time.Now()
	err := s.Storage.Rename(ctx, srcKey, dstKey)
	observe("rename", start, err)
	return err
}

func (s *InstrumentedStorage) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := s.Storage.Delete(ctx, key)
	observe("delete", start, err)
	return err
}

func (s *InstrumentedStorage) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	exists, err := s.Storage.Exists(ctx, key)
	observe("exists", start, err)
	return exists, err
}

func (s *InstrumentedStorage) List(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	keys, err := s.Storage.List(ctx, prefix)
	observe("list", start, err)
	return keys, err
}

type countingReadCloser struct {
	io.ReadCloser
}

func (r *countingReadCloser) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	if n > 0 {
		StorageBytesTotal.WithLabelValues("download").Add(float64(n))
	}
	return n, err
}
