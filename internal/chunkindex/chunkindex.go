// Package chunkindex keeps the hot per-session set of committed chunk
// indices in Redis. Postgres stays the source of truth; the index exists so
// concurrent chunk commits don't serialise on a row lock for every upload.
package chunkindex

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "upload_chunks:"

type Index struct {
	client *redis.Client
	ttl    time.Duration
}

func New(client *redis.Client, ttl time.Duration) *Index {
	return &Index{client: client, ttl: ttl}
}

func key(sessionID string) string {
	return keyPrefix + sessionID
}

// Add records a chunk index and refreshes the set's TTL. The returned bool is
// false when the index was already present, which is how redeliveries are
// detected without touching Postgres.
func (i *Index) Add(ctx context.Context, sessionID string, chunkIndex int64) (bool, error) {
	pipe := i.client.TxPipeline()
	added := pipe.SAdd(ctx, key(sessionID), chunkIndex)
	pipe.Expire(ctx, key(sessionID), i.ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("chunk index add: %w", err)
	}
	return added.Val() == 1, nil
}

func (i *Index) Count(ctx context.Context, sessionID string) (int64, error) {
	n, err := i.client.SCard(ctx, key(sessionID)).Result()
	if err != nil {
		return 0, fmt.Errorf("chunk index count: %w", err)
	}
	return n, nil
}

// Members returns the committed indices in ascending order.
func (i *Index) Members(ctx context.Context, sessionID string) ([]int64, error) {
	raw, err := i.client.SMembers(ctx, key(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("chunk index members: %w", err)
	}

	indices := make([]int64, 0, len(raw))
	for _, s := range raw {
		idx, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("chunk index member %q: %w", s, err)
		}
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(a, b int) bool { return indices[a] < indices[b] })
	return indices, nil
}

// Seed populates the set from a known received list, used when resuming a
// session whose index expired.
func (i *Index) Seed(ctx context.Context, sessionID string, indices []int64) error {
	if len(indices) == 0 {
		return nil
	}
	members := make([]any, len(indices))
	for n, idx := range indices {
		members[n] = idx
	}

	pipe := i.client.TxPipeline()
	pipe.SAdd(ctx, key(sessionID), members...)
	pipe.Expire(ctx, key(sessionID), i.ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("chunk index seed: %w", err)
	}
	return nil
}

func (i *Index) Delete(ctx context.Context, sessionID string) error {
	if err := i.client.Del(ctx, key(sessionID)).Err(); err != nil {
		return fmt.Errorf("chunk index delete: %w", err)
	}
	return nil
}
