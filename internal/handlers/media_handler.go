package handlers

import (
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"go.uber.org/zap"

	"media-pipeline/internal/access"
	"media-pipeline/internal/metrics"
)

// MediaOpener resolves and opens a delivery path
type MediaOpener interface {
	Open(relPath, token string) (*access.Media, error)
}

// MediaHandler streams stored media
type MediaHandler struct {
	gateway MediaOpener
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewMediaHandler creates a new media handler
func NewMediaHandler(gateway MediaOpener, m *metrics.Metrics, logger *zap.Logger) *MediaHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MediaHandler{gateway: gateway, metrics: m, logger: logger}
}

// Serve handles GET /api/media/:project/:type/:filename
func (h *MediaHandler) Serve(c fiber.Ctx) error {
	return h.serve(c, c.Params("project"), c.Params("type"), c.Params("filename"))
}

// ServeConverted handles GET /api/media/:project/videos/converted/:folder/:filename
func (h *MediaHandler) ServeConverted(c fiber.Ctx) error {
	return h.serve(c, c.Params("project"), "videos", "converted", c.Params("folder"), c.Params("filename"))
}

func (h *MediaHandler) serve(c fiber.Ctx, params ...string) error {
	parts := make([]string, len(params))
	for i, p := range params {
		// fiber leaves params escaped; decode so %2e%2e reaches the traversal guard
		decoded, err := url.PathUnescape(p)
		if err != nil {
			return h.fail(c, fiber.StatusBadRequest, "Invalid path")
		}
		parts[i] = decoded
	}
	rel := strings.Join(parts, "/")

	media, err := h.gateway.Open(rel, c.Query("token"))
	switch {
	case errors.Is(err, access.ErrUnauthorized):
		return h.fail(c, fiber.StatusUnauthorized, err.Error())
	case errors.Is(err, access.ErrForbidden):
		return h.fail(c, fiber.StatusForbidden, err.Error())
	case errors.Is(err, access.ErrNotFound):
		return h.fail(c, fiber.StatusNotFound, err.Error())
	case err != nil:
		h.logger.Error("failed to open media", zap.String("path", rel), zap.Error(err))
		return h.fail(c, fiber.StatusInternalServerError, "Failed to serve file")
	}

	h.metrics.GatewayResponse(fiber.StatusOK)
	c.Set(fiber.HeaderContentType, media.ContentType)
	c.Set(fiber.HeaderLastModified, media.ModTime.UTC().Format(time.RFC1123))
	// the response body stream closes the file once sent
	return c.SendStream(media.File, int(media.Size))
}

func (h *MediaHandler) fail(c fiber.Ctx, status int, message string) error {
	h.metrics.GatewayResponse(status)
	return errorJSON(c, status, message, "")
}
