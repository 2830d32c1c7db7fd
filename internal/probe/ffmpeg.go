package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

var (
	ErrFFmpegNotFound  = errors.New("ffmpeg binary not found")
	ErrFFprobeNotFound = errors.New("ffprobe binary not found")
	ErrInvalidVideo    = errors.New("invalid or corrupt video file")
)

const (
	ThumbnailWidth  = 320
	ThumbnailHeight = 240
)

type Config struct {
	FFmpegPath  string
	FFprobePath string
	Timeout     time.Duration
}

func DefaultConfig() *Config {
	return &Config{
		FFmpegPath:  "ffmpeg",
		FFprobePath: "ffprobe",
		Timeout:     60 * time.Second,
	}
}

// FFmpegProber implements Prober by shelling out to ffprobe and ffmpeg.
type FFmpegProber struct {
	config *Config
}

var _ Prober = (*FFmpegProber)(nil)

func NewFFmpegProber(cfg *Config) (*FFmpegProber, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	if _, err := exec.LookPath(cfg.FFmpegPath); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFFmpegNotFound, err)
	}
	if _, err := exec.LookPath(cfg.FFprobePath); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFFprobeNotFound, err)
	}

	return &FFmpegProber{config: cfg}, nil
}

// ffprobeOutput represents the JSON output from ffprobe
type ffprobeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
		BitRate   string `json:"bit_rate"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
		BitRate  string `json:"bit_rate"`
		Name     string `json:"format_name"`
	} `json:"format"`
}

func (p *FFmpegProber) Probe(ctx context.Context, path string) (*Metadata, error) {
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	}

	cmd := exec.CommandContext(ctx, p.config.FFprobePath, args...)
	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("ffprobe timed out: %w", ctx.Err())
		}
		return nil, fmt.Errorf("%w: ffprobe: %v", ErrInvalidVideo, err)
	}

	var probe ffprobeOutput
	if err := json.Unmarshal(output, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	meta := &Metadata{}

	if probe.Format.Duration != "" {
		if d, err := strconv.ParseFloat(probe.Format.Duration, 64); err == nil {
			meta.Duration = d
		}
	}
	if probe.Format.BitRate != "" {
		if b, err := strconv.ParseInt(probe.Format.BitRate, 10, 64); err == nil {
			meta.Bitrate = b
		}
	}
	meta.Container = strings.Split(probe.Format.Name, ",")[0]

	for _, stream := range probe.Streams {
		if stream.CodecType == "video" {
			meta.VideoCodec = stream.CodecName
			meta.Width = stream.Width
			meta.Height = stream.Height
			break
		}
	}

	if meta.VideoCodec == "" {
		return nil, fmt.Errorf("%w: no video stream", ErrInvalidVideo)
	}

	return meta, nil
}

func (p *FFmpegProber) Thumbnail(ctx context.Context, path string, atSeconds float64, outPath string) error {
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	if atSeconds < 0 {
		atSeconds = 0
	}

	args := []string{
		"-ss", fmt.Sprintf("%.2f", atSeconds),
		"-i", path,
		"-vframes", "1",
		"-vf", fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease", ThumbnailWidth, ThumbnailHeight),
		"-q:v", "2", // High quality JPEG
		"-y",
		outPath,
	}

	cmd := exec.CommandContext(ctx, p.config.FFmpegPath, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("ffmpeg thumbnail timed out: %w", ctx.Err())
		}
		return fmt.Errorf("ffmpeg thumbnail failed: %w: %s", err, truncate(string(output), 512))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
