package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"media-pipeline/internal/access"
	"media-pipeline/internal/metrics"
	"media-pipeline/internal/models"
	"media-pipeline/internal/profiles"
	"media-pipeline/internal/remote"
	"media-pipeline/internal/scratch"
)

var (
	// ErrEmptyBatch is returned when no files were submitted
	ErrEmptyBatch = errors.New("no files provided")
	// ErrValidation marks a file rejected before any processing
	ErrValidation = errors.New("validation failed")
	// ErrAllFilesFailed is returned alongside the result when nothing succeeded
	ErrAllFilesFailed = errors.New("all files failed to process")
)

// ErrorKind classifies a per-file failure
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindProcessing ErrorKind = "processing"
	KindTransport  ErrorKind = "transport"
	KindInternal   ErrorKind = "internal"
)

// UploadedFile is one file of an intake batch, already spooled to disk
type UploadedFile struct {
	OriginalName string
	ContentType  string
	Size         int64
	LocalPath    string
	// ExpectedClass, when set, must match the class resolved from ContentType
	ExpectedClass profiles.MediaClass
}

// FileError is one rejected file
type FileError struct {
	File   string
	Reason string
	Kind   ErrorKind
}

// BatchResult holds results in input order and errors for the rest
type BatchResult struct {
	Results []models.ProcessedFileResult
	Errors  []FileError
}

// IntakeOptions describes the storage layout and naming
type IntakeOptions struct {
	StorageRoot   string // remote base path
	Project       string
	PublicBaseURL string
	NamePrefix    string
	TokenTTL      time.Duration
}

// Intake validates, converts and uploads batches of files
type Intake struct {
	table    *profiles.Table
	images   *ImageNormalizer
	videos   *VideoPackager
	uploader FileUploader
	scratch  *scratch.Manager
	signer   *access.Signer
	opts     IntakeOptions
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// IntakeDeps are the collaborators of an Intake
type IntakeDeps struct {
	Table    *profiles.Table
	Images   *ImageNormalizer
	Videos   *VideoPackager
	Uploader FileUploader
	Scratch  *scratch.Manager
	Signer   *access.Signer // optional
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// NewIntake creates an orchestrator
func NewIntake(deps IntakeDeps, opts IntakeOptions) *Intake {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if opts.NamePrefix == "" {
		opts.NamePrefix = "MEDIA"
	}
	opts.PublicBaseURL = strings.TrimRight(opts.PublicBaseURL, "/")
	return &Intake{
		table:    deps.Table,
		images:   deps.Images,
		videos:   deps.Videos,
		uploader: deps.Uploader,
		scratch:  deps.Scratch,
		signer:   deps.Signer,
		opts:     opts,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
		now:      time.Now,
	}
}

// ProcessBatch handles every file concurrently. Per-file failures never abort
// siblings; when all files fail the result is returned with ErrAllFilesFailed.
// Local temporaries of the batch are gone when it returns.
func (in *Intake) ProcessBatch(ctx context.Context, files []UploadedFile) (*BatchResult, error) {
	if len(files) == 0 {
		return nil, ErrEmptyBatch
	}
	start := time.Now()

	type outcome struct {
		result *models.ProcessedFileResult
		err    *FileError
	}
	outcomes := make([]outcome, len(files))

	var wg sync.WaitGroup
	for i, f := range files {
		i, f := i, f
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					in.logger.Error("panic while processing file",
						zap.String("file", f.OriginalName),
						zap.Any("panic", r),
						zap.ByteString("stack", debug.Stack()))
					outcomes[i] = outcome{err: &FileError{File: f.OriginalName, Reason: fmt.Sprint(r), Kind: KindInternal}}
				}
			}()
			res, err := in.processFile(ctx, f)
			if err != nil {
				outcomes[i] = outcome{err: in.fileError(f, err)}
				return
			}
			outcomes[i] = outcome{result: res}
		}()
	}
	wg.Wait()

	batch := &BatchResult{}
	for _, o := range outcomes {
		if o.result != nil {
			batch.Results = append(batch.Results, *o.result)
		} else if o.err != nil {
			batch.Errors = append(batch.Errors, *o.err)
		}
	}

	in.logger.Info("📦 batch processed",
		zap.Int("total", len(files)),
		zap.Int("processed", len(batch.Results)),
		zap.Int("failed", len(batch.Errors)),
		zap.Duration("took", time.Since(start)))

	if len(batch.Results) == 0 {
		return batch, ErrAllFilesFailed
	}
	return batch, nil
}

func (in *Intake) processFile(ctx context.Context, f UploadedFile) (*models.ProcessedFileResult, error) {
	defer scratch.RemoveFile(in.logger, f.LocalPath)

	rule, err := in.table.Classify(f.ContentType, f.Size)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if f.ExpectedClass != "" && f.ExpectedClass != rule.Class {
		return nil, fmt.Errorf("%w: expected %s file, got %s", ErrValidation, f.ExpectedClass, f.ContentType)
	}
	if _, err := os.Stat(f.LocalPath); err != nil {
		return nil, fmt.Errorf("%w: %w", remote.ErrLocalFileMissing, err)
	}

	var res *models.ProcessedFileResult
	switch rule.Class {
	case profiles.ClassImage:
		res, err = in.processImage(ctx, f, rule)
	case profiles.ClassVideo:
		res, err = in.processVideo(ctx, f, rule)
	default:
		err = fmt.Errorf("%w: unknown media class %q", ErrValidation, rule.Class)
	}
	if err != nil {
		return nil, err
	}
	in.metrics.FileProcessed(string(rule.Class), "success")
	return res, nil
}

func (in *Intake) processImage(ctx context.Context, f UploadedFile, rule profiles.ClassRule) (*models.ProcessedFileResult, error) {
	start := time.Now()
	normalized, err := in.images.Normalize(ctx, f.LocalPath)
	if err != nil {
		return nil, err
	}
	defer scratch.RemoveFile(in.logger, normalized)
	in.metrics.ObserveStage("normalize", time.Since(start))

	info, err := os.Stat(normalized)
	if err != nil {
		return nil, fmt.Errorf("stat normalized image: %w", err)
	}

	engine := in.images.Engine()
	fileName := in.generateName(f.OriginalName) + engine.Extension()
	rel := path.Join(rule.Dir, fileName)

	start = time.Now()
	if err := in.uploader.Upload(ctx, normalized, in.remotePath(rel), true); err != nil {
		return nil, err
	}
	in.metrics.ObserveStage("upload", time.Since(start))

	return in.result(f, fileName, rel, info.Size(), engine.MimeType(), nil), nil
}

func (in *Intake) processVideo(ctx context.Context, f UploadedFile, rule profiles.ClassRule) (*models.ProcessedFileResult, error) {
	base := in.generateName(f.OriginalName)
	dir, err := in.scratch.MkdirTemp("video")
	if err != nil {
		return nil, err
	}
	defer dir.Remove()

	job := NewTranscodeJob(base, dir)
	if _, err := in.videos.Package(ctx, job, f.LocalPath); err != nil {
		return nil, err
	}

	relDir := path.Join(rule.Dir, "converted", base)
	if err := in.videos.Publish(ctx, job, in.remotePath(relDir)); err != nil {
		return nil, err
	}

	versions := make([]models.VariantDescriptor, 0, len(job.Variants()))
	for _, v := range job.Variants() {
		versions = append(versions, models.VariantDescriptor{
			Quality: v.Name,
			Path:    in.publicPath(path.Join(relDir, job.IndexName(v))),
		})
	}
	fileName := job.MasterName()
	return in.result(f, fileName, path.Join(relDir, fileName), f.Size, "application/x-mpegURL", versions), nil
}

func (in *Intake) result(f UploadedFile, fileName, rel string, size int64, mime string, versions []models.VariantDescriptor) *models.ProcessedFileResult {
	res := &models.ProcessedFileResult{
		OriginalName: f.OriginalName,
		FileName:     fileName,
		Path:         in.publicPath(rel),
		Size:         size,
		MimeType:     mime,
		Versions:     versions,
	}
	if in.signer != nil && in.opts.TokenTTL > 0 {
		token, err := in.signer.Sign(path.Join(in.opts.Project, rel), in.opts.TokenTTL)
		if err != nil {
			in.logger.Warn("could not sign delivery path", zap.String("file", fileName), zap.Error(err))
		} else {
			res.SignedPath = res.Path + "?token=" + token
		}
	}
	return res
}

func (in *Intake) fileError(f UploadedFile, err error) *FileError {
	kind := KindInternal
	switch {
	case errors.Is(err, ErrValidation):
		kind = KindValidation
	case errors.Is(err, remote.ErrUploadFailed), errors.Is(err, remote.ErrLocalFileMissing):
		kind = KindTransport
	case errors.Is(err, ErrProcessing), errors.Is(err, ErrNoUsableVariant):
		kind = KindProcessing
	}

	class := "unknown"
	if rule, cerr := in.table.Classify(f.ContentType, 0); cerr == nil {
		class = string(rule.Class)
	}
	in.metrics.FileProcessed(class, string(kind))
	in.logger.Warn("file rejected",
		zap.String("file", f.OriginalName),
		zap.String("kind", string(kind)),
		zap.Error(err))
	return &FileError{File: f.OriginalName, Reason: err.Error(), Kind: kind}
}

// generateName builds {prefix}-{name}-{timestamp}_{random} without extension
func (in *Intake) generateName(original string) string {
	name := sanitizeName(strings.TrimSuffix(filepath.Base(original), filepath.Ext(original)))
	return fmt.Sprintf("%s-%s-%s_%s",
		in.opts.NamePrefix, name, in.now().UTC().Format("20060102T150405"), uuid.NewString()[:8])
}

func (in *Intake) remotePath(rel string) string {
	return path.Join(in.opts.StorageRoot, in.opts.Project, rel)
}

func (in *Intake) publicPath(rel string) string {
	return in.opts.PublicBaseURL + "/" + path.Join(in.opts.Project, rel)
}

func sanitizeName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		case r == ' ' || r == '.':
			return '_'
		default:
			return -1
		}
	}, name)
	if len(name) > 40 {
		name = name[:40]
	}
	if name == "" {
		return "file"
	}
	return name
}
