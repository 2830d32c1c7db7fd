package storage

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidObjectName(t *testing.T) {
	valid := []string{"video.mp4", "a", "clip-01_final.MOV", strings.Repeat("x", 512)}
	for _, name := range valid {
		assert.True(t, ValidObjectName(name), "expected %q to be valid", name)
	}

	invalid := []string{
		"",
		"dir/video.mp4",
		`dir\video.mp4`,
		"../escape.mp4",
		"trick..mp4",
		strings.Repeat("x", 513),
	}
	for _, name := range invalid {
		assert.False(t, ValidObjectName(name), "expected %q to be invalid", name)
	}
}

func TestSessionChunkPrefixCoversChunkKeys(t *testing.T) {
	const sessionID = "7d2c"

	for i := 0; i < 12; i++ {
		assert.True(t, strings.HasPrefix(ChunkKey(sessionID, i), SessionChunkPrefix(sessionID)))
	}
	// A prefix scan for one session must not pick up another's chunks.
	assert.False(t, strings.HasPrefix(ChunkKey("7d2d", 0), SessionChunkPrefix(sessionID)))
}

func TestTempChunkKeysAreDistinct(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		key := TempChunkKey()
		assert.True(t, strings.HasPrefix(key, ChunkPrefix))
		assert.False(t, seen[key], "duplicate temp key %s", key)
		seen[key] = true
	}
}

func TestTempChunkAge(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	key := fmt.Sprintf("%s%d_000042", TempChunkPrefix, now.Add(-30*time.Minute).UnixNano())
	age, ok := TempChunkAge(key, now)
	assert.True(t, ok)
	assert.Equal(t, 30*time.Minute, age)

	// Committed chunk keys and malformed timestamps stay out of the sweep.
	for _, key := range []string{ChunkKey("s1", 0), TempChunkPrefix + "notanumber_000001", TempChunkPrefix} {
		_, ok := TempChunkAge(key, now)
		assert.False(t, ok, key)
	}
}

func TestNamespaceLayout(t *testing.T) {
	assert.Equal(t, "uploads/abc.mp4", UploadKey("abc.mp4"))
	assert.Equal(t, "thumbnails/v1.jpg", ThumbnailKey("v1"))
	assert.Equal(t, "chunks/s1_chunk_3", ChunkKey("s1", 3))
}
