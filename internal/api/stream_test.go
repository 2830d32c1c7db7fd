package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdul-hamid-achik/vidcore/internal/db"
	"github.com/abdul-hamid-achik/vidcore/internal/storage"
)

func TestParseRange(t *testing.T) {
	const length = 100

	tests := []struct {
		header    string
		wantStart int64
		wantEnd   int64
		wantErr   bool
	}{
		{"bytes=0-49", 0, 49, false},
		{"bytes=50-", 50, 99, false},
		{"bytes=0-", 0, 99, false},
		{"bytes=-10", 90, 99, false},
		{"bytes=-200", 0, 99, false},   // suffix longer than the resource
		{"bytes=40-999", 40, 99, false}, // end clamped
		{"bytes=99-99", 99, 99, false},
		{"bytes=0-49, 50-99", 0, 49, false}, // only the first range is honoured
		{"bytes=100-", 0, 0, true},          // start past the end
		{"bytes=50-40", 0, 0, true},
		{"bytes=-0", 0, 0, true},
		{"bytes=abc-", 0, 0, true},
		{"bytes=", 0, 0, true},
		{"items=0-49", 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			start, end, err := parseRange(tt.header, length)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantStart, start)
			assert.Equal(t, tt.wantEnd, end)
		})
	}
}

func streamFixture(t *testing.T) (*storage.MemoryStorage, *fakeViews, db.Video, string) {
	t.Helper()

	blobs := storage.NewMemoryStorage()
	const filename = "4f2b1c.mp4"
	uploadStreamBlob(t, blobs, storage.UploadKey(filename), "0123456789")

	views := newFakeViews()
	video := db.Video{ID: uuid.New(), StorageKey: storage.UploadKey(filename)}
	views.videos[video.StorageKey] = video
	return blobs, views, video, filename
}

func uploadStreamBlob(t *testing.T, blobs *storage.MemoryStorage, key, data string) {
	t.Helper()
	err := blobs.Upload(context.Background(), key, strings.NewReader(data), "video/mp4", int64(len(data)))
	if err != nil {
		t.Fatalf("upload %s: %v", key, err)
	}
}

func TestStreamFullRequest(t *testing.T) {
	blobs, views, video, filename := streamFixture(t)
	handler := StreamHandler(blobs, views)

	req := httptest.NewRequest(http.MethodGet, "/api/stream/"+filename, nil)
	req.SetPathValue("filename", filename)
	rec := httptest.NewRecorder()
	handler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0123456789", rec.Body.String())
	assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
	assert.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))
	assert.Equal(t, "10", rec.Header().Get("Content-Length"))
	assert.Equal(t, 1, views.views[video.ID])
}

func TestStreamPartialRequest(t *testing.T) {
	blobs, views, video, filename := streamFixture(t)
	handler := StreamHandler(blobs, views)

	req := httptest.NewRequest(http.MethodGet, "/api/stream/"+filename, nil)
	req.SetPathValue("filename", filename)
	req.Header.Set("Range", "bytes=2-5")
	rec := httptest.NewRecorder()
	handler(rec, req)

	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "2345", rec.Body.String())
	assert.Equal(t, "bytes 2-5/10", rec.Header().Get("Content-Range"))
	assert.Equal(t, "4", rec.Header().Get("Content-Length"))
	// A mid-file seek is not a new playback.
	assert.Zero(t, views.views[video.ID])
}

func TestStreamInitialRangeCountsView(t *testing.T) {
	blobs, views, video, filename := streamFixture(t)
	handler := StreamHandler(blobs, views)

	req := httptest.NewRequest(http.MethodGet, "/api/stream/"+filename, nil)
	req.SetPathValue("filename", filename)
	req.Header.Set("Range", "bytes=0-3")
	rec := httptest.NewRecorder()
	handler(rec, req)

	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "0123", rec.Body.String())
	assert.Equal(t, 1, views.views[video.ID])
}

func TestStreamSuffixRange(t *testing.T) {
	blobs, views, _, filename := streamFixture(t)
	handler := StreamHandler(blobs, views)

	req := httptest.NewRequest(http.MethodGet, "/api/stream/"+filename, nil)
	req.SetPathValue("filename", filename)
	req.Header.Set("Range", "bytes=-4")
	rec := httptest.NewRecorder()
	handler(rec, req)

	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "6789", rec.Body.String())
	assert.Equal(t, "bytes 6-9/10", rec.Header().Get("Content-Range"))
}

func TestStreamUnsatisfiableRange(t *testing.T) {
	blobs, views, _, filename := streamFixture(t)
	handler := StreamHandler(blobs, views)

	req := httptest.NewRequest(http.MethodGet, "/api/stream/"+filename, nil)
	req.SetPathValue("filename", filename)
	req.Header.Set("Range", "bytes=100-")
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, rec.Code)
	assert.Equal(t, fmt.Sprintf("bytes */%d", 10), rec.Header().Get("Content-Range"))
}

func TestStreamRejectsInvalidFilename(t *testing.T) {
	blobs, views, _, _ := streamFixture(t)
	handler := StreamHandler(blobs, views)

	req := httptest.NewRequest(http.MethodGet, "/api/stream/x", nil)
	req.SetPathValue("filename", "../secrets.mp4")
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_filename", errorCode(t, rec))
}

func TestStreamUnknownFile(t *testing.T) {
	blobs, views, _, _ := streamFixture(t)
	handler := StreamHandler(blobs, views)

	req := httptest.NewRequest(http.MethodGet, "/api/stream/nope.mp4", nil)
	req.SetPathValue("filename", "nope.mp4")
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamViewFailureIsNonFatal(t *testing.T) {
	blobs, views, _, filename := streamFixture(t)
	views.err = fmt.Errorf("views table locked")
	handler := StreamHandler(blobs, views)

	req := httptest.NewRequest(http.MethodGet, "/api/stream/"+filename, nil)
	req.SetPathValue("filename", filename)
	rec := httptest.NewRecorder()
	handler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0123456789", rec.Body.String())
}
