package probe

import (
	"context"
	"os"
)

// FakeProber returns canned results for tests.
type FakeProber struct {
	Meta      *Metadata
	ProbeErr  error
	ThumbErr  error
	ThumbData []byte

	ProbeCalls []string
	ThumbAt    []float64
}

var _ Prober = (*FakeProber)(nil)

func (f *FakeProber) Probe(ctx context.Context, path string) (*Metadata, error) {
	f.ProbeCalls = append(f.ProbeCalls, path)
	if f.ProbeErr != nil {
		return nil, f.ProbeErr
	}
	if f.Meta != nil {
		return f.Meta, nil
	}
	return &Metadata{
		Duration:   120,
		Width:      1920,
		Height:     1080,
		VideoCodec: "h264",
		Bitrate:    4_000_000,
		Container:  "mov",
	}, nil
}

func (f *FakeProber) Thumbnail(ctx context.Context, path string, atSeconds float64, outPath string) error {
	f.ThumbAt = append(f.ThumbAt, atSeconds)
	if f.ThumbErr != nil {
		return f.ThumbErr
	}
	data := f.ThumbData
	if data == nil {
		data = []byte("jpeg")
	}
	return os.WriteFile(outPath, data, 0o644)
}
