package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v3"

	"media-pipeline/internal/cache"
	"media-pipeline/internal/models"
	"media-pipeline/internal/pool"
	"media-pipeline/internal/services"
)

// HealthHandler reports runtime state of the pipeline
type HealthHandler struct {
	ffmpeg     *services.FFmpeg
	poolStats  func() pool.ConnPoolStats
	bufferPool *pool.BufferPool
	images     *services.ImageNormalizer
	videos     *services.VideoPackager
	tokens     *cache.TokenCache
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(ffmpeg *services.FFmpeg, poolStats func() pool.ConnPoolStats, bufferPool *pool.BufferPool,
	images *services.ImageNormalizer, videos *services.VideoPackager, tokens *cache.TokenCache) *HealthHandler {
	return &HealthHandler{
		ffmpeg:     ffmpeg,
		poolStats:  poolStats,
		bufferPool: bufferPool,
		images:     images,
		videos:     videos,
		tokens:     tokens,
	}
}

// Health handles GET /api/health
func (h *HealthHandler) Health(c fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp := models.HealthResponse{
		Status:        "healthy",
		Timestamp:     time.Now().Format(time.RFC3339),
		FFmpegVersion: h.ffmpeg.Version(ctx),
		Converters:    map[string]interface{}{},
		TokenCache:    h.tokens.GetGlobalStats(),
	}

	if h.poolStats != nil {
		s := h.poolStats()
		resp.RemotePool = map[string]interface{}{
			"max_size":    s.MaxSize,
			"max_ops":     s.MaxOps,
			"size":        s.Size,
			"idle":        s.Idle,
			"in_use":      s.InUse,
			"pending":     s.Pending,
			"dialed":      s.Dialed,
			"total_ops":   s.TotalOps,
			"failed_ops":  s.FailedOps,
			"avg_op_time": s.AvgOpTime.String(),
			"closed":      s.Closed,
		}
		if s.Closed {
			resp.Status = "draining"
		}
	}

	if h.bufferPool != nil {
		b := h.bufferPool.GetStats()
		resp.BufferPool = map[string]interface{}{
			"allocated":    b.Allocated,
			"in_use":       b.InUse,
			"available":    b.Available,
			"bytes_copied": b.BytesCopied,
			"hit_rate":     fmt.Sprintf("%.2f%%", b.HitRate),
		}
	}

	if h.images != nil {
		resp.Converters["image"] = converterStats(h.images.GetStats(), h.images.Engine().Name())
	}
	if h.videos != nil {
		resp.Converters["video"] = converterStats(h.videos.GetStats(), "ffmpeg-hls")
	}

	return c.JSON(resp)
}

func converterStats(s services.ConversionStats, engine string) map[string]interface{} {
	return map[string]interface{}{
		"engine":              engine,
		"total_conversions":   s.TotalConversions,
		"failed_conversions":  s.FailedConversions,
		"avg_conversion_time": s.AvgConversionTime.String(),
	}
}
