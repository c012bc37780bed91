package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// ErrProcessing marks a media engine failure for one file or variant
var ErrProcessing = errors.New("processing failed")

// FFmpeg runs the ffmpeg binary
type FFmpeg struct {
	path string
}

// NewFFmpeg creates a runner; an empty path resolves ffmpeg from PATH
func NewFFmpeg(path string) *FFmpeg {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpeg{path: path}
}

// Available reports whether the binary can be found
func (f *FFmpeg) Available() bool {
	_, err := exec.LookPath(f.path)
	return err == nil
}

// Run executes ffmpeg with args, returning stderr in the error on failure
func (f *FFmpeg) Run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, f.path, append([]string{"-hide_banner", "-loglevel", "error", "-y"}, args...)...)
	var errorBuffer bytes.Buffer
	cmd.Stderr = &errorBuffer

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: ffmpeg error: %v, stderr: %s", ErrProcessing, err, strings.TrimSpace(errorBuffer.String()))
	}
	return nil
}

// Version returns the first line of `ffmpeg -version`, or "unknown"
func (f *FFmpeg) Version(ctx context.Context) string {
	out, err := exec.CommandContext(ctx, f.path, "-version").Output()
	if err != nil {
		return "unknown"
	}
	line, _, _ := strings.Cut(string(out), "\n")
	return strings.TrimSpace(line)
}

// ConversionStats tracks conversion metrics
type ConversionStats struct {
	TotalConversions  int64
	FailedConversions int64
	AvgConversionTime time.Duration
}

type statsRecorder struct {
	mu    sync.RWMutex
	stats ConversionStats
}

func (s *statsRecorder) recordSuccess(duration time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.TotalConversions++
	s.stats.AvgConversionTime = (s.stats.AvgConversionTime*time.Duration(s.stats.TotalConversions-1) + duration) / time.Duration(s.stats.TotalConversions)
}

func (s *statsRecorder) recordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.FailedConversions++
}

// GetStats returns current statistics
func (s *statsRecorder) GetStats() ConversionStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}
