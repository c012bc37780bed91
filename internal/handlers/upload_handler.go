package handlers

import (
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofiber/fiber/v3"
	"go.uber.org/zap"

	"media-pipeline/internal/models"
	"media-pipeline/internal/pool"
	"media-pipeline/internal/profiles"
	"media-pipeline/internal/scratch"
	"media-pipeline/internal/services"
)

// BatchProcessor runs an intake batch
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, files []services.UploadedFile) (*services.BatchResult, error)
}

// UploadHandler accepts multipart uploads and hands them to the intake
type UploadHandler struct {
	intake         BatchProcessor
	scratch        *scratch.Manager
	bufferPool     *pool.BufferPool
	requestTimeout time.Duration
	logger         *zap.Logger
}

// NewUploadHandler creates a new upload handler
func NewUploadHandler(intake BatchProcessor, scratchMgr *scratch.Manager, bufferPool *pool.BufferPool, requestTimeout time.Duration, logger *zap.Logger) *UploadHandler {
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UploadHandler{
		intake:         intake,
		scratch:        scratchMgr,
		bufferPool:     bufferPool,
		requestTimeout: requestTimeout,
		logger:         logger,
	}
}

// Upload handles POST /api/files/upload
func (h *UploadHandler) Upload(c fiber.Ctx) error {
	form, err := c.MultipartForm()
	if err != nil {
		return badRequest(c, "Invalid multipart form", err.Error())
	}
	return h.process(c, form.File["files"], "")
}

// UploadKind handles POST /api/files/upload/:kind
func (h *UploadHandler) UploadKind(c fiber.Ctx) error {
	class := profiles.MediaClass(strings.ToLower(c.Params("kind")))
	if class != profiles.ClassImage && class != profiles.ClassVideo {
		return badRequest(c, "Unknown media kind", "expected image or video")
	}
	form, err := c.MultipartForm()
	if err != nil {
		return badRequest(c, "Invalid multipart form", err.Error())
	}
	return h.process(c, form.File["file"], class)
}

func (h *UploadHandler) process(c fiber.Ctx, headers []*multipart.FileHeader, class profiles.MediaClass) error {
	start := time.Now()
	if len(headers) == 0 {
		return badRequest(c, services.ErrEmptyBatch.Error(), "")
	}

	dir, err := h.scratch.MkdirTemp("upload")
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "Failed to prepare scratch space")
	}
	defer dir.Remove()

	files := make([]services.UploadedFile, 0, len(headers))
	for i, fh := range headers {
		local := dir.Join(fmt.Sprintf("%03d%s", i, strings.ToLower(filepath.Ext(fh.Filename))))
		n, err := h.spool(fh, local)
		if err != nil {
			h.logger.Error("failed to spool upload", zap.String("file", fh.Filename), zap.Error(err))
			return fiber.NewError(fiber.StatusInternalServerError, "Failed to read uploaded file")
		}
		files = append(files, services.UploadedFile{
			OriginalName:  fh.Filename,
			ContentType:   fh.Header.Get(fiber.HeaderContentType),
			Size:          n,
			LocalPath:     local,
			ExpectedClass: class,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.requestTimeout)
	defer cancel()

	batch, err := h.intake.ProcessBatch(ctx, files)
	switch {
	case errors.Is(err, services.ErrEmptyBatch):
		return badRequest(c, err.Error(), "")
	case err != nil && !errors.Is(err, services.ErrAllFilesFailed):
		h.logger.Error("batch failed", zap.Error(err))
		return fiber.NewError(fiber.StatusInternalServerError, "Failed to process files")
	}

	resp := toResponse(batch, len(files))
	h.logger.Info("✅ upload handled",
		zap.Int("total", resp.Total),
		zap.Int("processed", resp.Processed),
		zap.Duration("took", time.Since(start)))

	if errors.Is(err, services.ErrAllFilesFailed) {
		return c.Status(fiber.StatusBadRequest).JSON(resp)
	}
	return c.JSON(resp)
}

// spool copies one multipart file to disk through the buffer pool
func (h *UploadHandler) spool(fh *multipart.FileHeader, dst string) (int64, error) {
	src, err := fh.Open()
	if err != nil {
		return 0, err
	}
	defer src.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return 0, err
	}
	n, err := h.bufferPool.Copy(out, src)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return n, err
	}
	h.logger.Debug("upload spooled", zap.String("file", fh.Filename), zap.String("size", humanize.IBytes(uint64(n))))
	return n, nil
}

func toResponse(batch *services.BatchResult, total int) models.UploadResponse {
	resp := models.UploadResponse{
		Total:   total,
		Results: []models.ProcessedFileResult{},
		Errors:  []models.FileErrorResponse{},
	}
	if batch == nil {
		return resp
	}
	resp.Results = append(resp.Results, batch.Results...)
	for _, e := range batch.Errors {
		resp.Errors = append(resp.Errors, models.FileErrorResponse{File: e.File, Reason: e.Reason, Kind: string(e.Kind)})
	}
	resp.Processed = len(resp.Results)
	resp.Success = resp.Processed > 0
	return resp
}

func badRequest(c fiber.Ctx, message, details string) error {
	return errorJSON(c, fiber.StatusBadRequest, message, details)
}
