package storage

import (
	"context"
	"errors"
	"io"
)

var (
	ErrNotFound      = errors.New("storage: object not found")
	ErrAlreadyExists = errors.New("storage: object already exists")
	ErrInvalidKey    = errors.New("storage: invalid key")
)

// ReadSeekCloser is what the range reader needs: seekable bytes with a close.
type ReadSeekCloser interface {
	io.Reader
	io.Seeker
	io.Closer
}

// Storage is the blob store contract. Written bytes are durable once Upload
// returns, and Rename is atomic with respect to concurrent readers: either
// the source key resolves or the destination does.
type Storage interface {
	Upload(ctx context.Context, key string, reader io.Reader, contentType string, size int64) error
	Download(ctx context.Context, key string) (io.ReadCloser, error)
	// Open returns a seekable reader and the object length, for range serving.
	Open(ctx context.Context, key string) (ReadSeekCloser, int64, error)
	Rename(ctx context.Context, srcKey, dstKey string) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	// List returns the keys under a prefix. Only used by GC scans, never on
	// the hot path.
	List(ctx context.Context, prefix string) ([]string, error)
	HealthCheck(ctx context.Context) error
}

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Region    string
}
