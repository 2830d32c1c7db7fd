package storage

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"
)

// Blob namespace layout:
//
//	uploads/{uuid}{ext}            assembled originals
//	chunks/{session_id}_chunk_{i}  committed in-flight chunks
//	chunks/temp_{ts}_{rand}        pre-rename scratch
//	thumbnails/{video_id}.jpg      320x240 JPEG thumbnails
const (
	ChunkPrefix     = "chunks/"
	UploadPrefix    = "uploads/"
	ThumbnailPrefix = "thumbnails/"
)

func ChunkKey(sessionID string, index int) string {
	return fmt.Sprintf("%s%s_chunk_%d", ChunkPrefix, sessionID, index)
}

// SessionChunkPrefix is the scan prefix covering every chunk of one session.
func SessionChunkPrefix(sessionID string) string {
	return fmt.Sprintf("%s%s_chunk_", ChunkPrefix, sessionID)
}

// TempChunkPrefix is the scan prefix covering pre-rename scratch blobs.
const TempChunkPrefix = ChunkPrefix + "temp_"

func TempChunkKey() string {
	return fmt.Sprintf("%s%d_%06d", TempChunkPrefix, time.Now().UnixNano(), rand.Intn(1000000))
}

// TempChunkAge reads the creation time embedded in a temp chunk key. The
// second return is false for keys outside the temp namespace.
func TempChunkAge(key string, now time.Time) (time.Duration, bool) {
	rest, ok := strings.CutPrefix(key, TempChunkPrefix)
	if !ok {
		return 0, false
	}
	tsStr, _, ok := strings.Cut(rest, "_")
	if !ok {
		return 0, false
	}
	nanos, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return 0, false
	}
	return now.Sub(time.Unix(0, nanos)), true
}

func UploadKey(targetFilename string) string {
	return UploadPrefix + targetFilename
}

func ThumbnailKey(videoID string) string {
	return fmt.Sprintf("%s%s.jpg", ThumbnailPrefix, videoID)
}

// ValidObjectName rejects names that could escape the namespace when
// interpolated into a key.
func ValidObjectName(name string) bool {
	if name == "" || len(name) > 512 {
		return false
	}
	if strings.Contains(name, "/") || strings.Contains(name, "\\") {
		return false
	}
	if strings.Contains(name, "..") {
		return false
	}
	return true
}
