package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
	_ "golang.org/x/image/webp"

	"media-pipeline/internal/profiles"
	"media-pipeline/internal/scratch"
)

// ImageEngine re-encodes one image into its fixed container
type ImageEngine interface {
	Name() string
	Extension() string
	MimeType() string
	Encode(ctx context.Context, src, dst string, policy profiles.ImagePolicy) error
}

// NewImageEngine returns the engine selected by IMAGE_ENGINE
func NewImageEngine(name string, ffmpeg *FFmpeg) (ImageEngine, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "ffmpeg":
		return &FFmpegImageEngine{ffmpeg: ffmpeg}, nil
	case "native":
		return &NativeImageEngine{}, nil
	default:
		return nil, fmt.Errorf("unknown image engine %q (want ffmpeg or native)", name)
	}
}

// FFmpegImageEngine encodes WebP through ffmpeg
type FFmpegImageEngine struct {
	ffmpeg *FFmpeg
}

func (e *FFmpegImageEngine) Name() string      { return "ffmpeg" }
func (e *FFmpegImageEngine) Extension() string { return ".webp" }
func (e *FFmpegImageEngine) MimeType() string  { return "image/webp" }

func (e *FFmpegImageEngine) Encode(ctx context.Context, src, dst string, policy profiles.ImagePolicy) error {
	return e.ffmpeg.Run(ctx,
		"-i", src,
		"-frames:v", "1",
		"-vf", scaleFilter(policy),
		"-c:v", "libwebp",
		"-quality", strconv.Itoa(policy.Quality),
		dst,
	)
}

// scaleFilter mirrors ImagePolicy.TargetSize as an ffmpeg filter
func scaleFilter(p profiles.ImagePolicy) string {
	if p.Mode == profiles.FillExact {
		return fmt.Sprintf("scale=%d:%d", p.Width, p.Height)
	}
	return fmt.Sprintf("scale='min(%d,iw)':'min(%d,ih)':force_original_aspect_ratio=decrease", p.Width, p.Height)
}

// NativeImageEngine encodes JPEG in-process with imaging
type NativeImageEngine struct{}

func (e *NativeImageEngine) Name() string      { return "native" }
func (e *NativeImageEngine) Extension() string { return ".jpg" }
func (e *NativeImageEngine) MimeType() string  { return "image/jpeg" }

func (e *NativeImageEngine) Encode(ctx context.Context, src, dst string, policy profiles.ImagePolicy) error {
	img, err := imaging.Open(src, imaging.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("%w: decode image: %v", ErrProcessing, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b := img.Bounds()
	w, h := policy.TargetSize(b.Dx(), b.Dy())
	if w != b.Dx() || h != b.Dy() {
		img = imaging.Resize(img, w, h, imaging.Lanczos)
	}
	if err := imaging.Save(img, dst, imaging.JPEGQuality(policy.Quality)); err != nil {
		return fmt.Errorf("%w: encode jpeg: %v", ErrProcessing, err)
	}
	return nil
}

// ImageNormalizer applies the deployment image policy through one engine
type ImageNormalizer struct {
	statsRecorder
	engine ImageEngine
	policy profiles.ImagePolicy
	logger *zap.Logger
}

// NewImageNormalizer creates a normalizer
func NewImageNormalizer(engine ImageEngine, policy profiles.ImagePolicy, logger *zap.Logger) *ImageNormalizer {
	if policy.Quality <= 0 {
		policy.Quality = 80
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ImageNormalizer{engine: engine, policy: policy, logger: logger}
}

// Engine returns the configured engine
func (n *ImageNormalizer) Engine() ImageEngine {
	return n.engine
}

// Normalize re-encodes localPath next to itself and returns the new path.
// The source is removed on every path.
func (n *ImageNormalizer) Normalize(ctx context.Context, localPath string) (string, error) {
	start := time.Now()
	defer scratch.RemoveFile(n.logger, localPath)

	out := strings.TrimSuffix(localPath, filepath.Ext(localPath)) + "-normalized" + n.engine.Extension()
	if err := n.engine.Encode(ctx, localPath, out, n.policy); err != nil {
		n.recordFailure()
		scratch.RemoveFile(n.logger, out)
		n.logger.Warn("image normalization failed",
			zap.String("file", filepath.Base(localPath)),
			zap.String("engine", n.engine.Name()),
			zap.Error(err))
		return "", err
	}
	if info, err := os.Stat(out); err != nil || info.Size() == 0 {
		n.recordFailure()
		scratch.RemoveFile(n.logger, out)
		return "", fmt.Errorf("%w: %s produced no output", ErrProcessing, n.engine.Name())
	}

	n.recordSuccess(time.Since(start))
	return out, nil
}
