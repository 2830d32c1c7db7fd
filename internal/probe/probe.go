// Package probe wraps ffprobe/ffmpeg for media inspection and thumbnail
// extraction.
package probe

import "context"

// Metadata is the subset of probe output the pipeline records.
type Metadata struct {
	Duration   float64
	Width      int
	Height     int
	VideoCodec string
	Bitrate    int64
	Container  string
}

// Prober inspects media files on local disk and extracts thumbnails.
type Prober interface {
	Probe(ctx context.Context, path string) (*Metadata, error)
	// Thumbnail writes a JPEG frame grabbed at the given timestamp to
	// outPath, scaled to thumbnail dimensions.
	Thumbnail(ctx context.Context, path string, atSeconds float64, outPath string) error
}
