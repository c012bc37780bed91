package remote

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"media-pipeline/internal/metrics"
)

var (
	// ErrUploadFailed is returned once every attempt for a file has failed
	ErrUploadFailed = errors.New("remote upload failed")
	// ErrLocalFileMissing is returned without retrying when the source is gone
	ErrLocalFileMissing = errors.New("local file not found")
)

// Leaser hands out pooled connections; *pool.ConnPool[Conn] satisfies it
type Leaser interface {
	WithConnection(ctx context.Context, op func(conn Conn) error) error
}

// UploaderOptions tunes retries and remote permissions
type UploaderOptions struct {
	Attempts int
	Delay    time.Duration
	DirMode  os.FileMode
	FileMode os.FileMode
}

// Uploader pushes local files to the storage endpoint through the pool
type Uploader struct {
	conns   Leaser
	opts    UploaderOptions
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewUploader creates an uploader; zero options fall back to 3 attempts, 2s delay
func NewUploader(conns Leaser, opts UploaderOptions, logger *zap.Logger, m *metrics.Metrics) *Uploader {
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.Delay < 0 {
		opts.Delay = 2 * time.Second
	}
	if opts.DirMode == 0 {
		opts.DirMode = 0o755
	}
	if opts.FileMode == 0 {
		opts.FileMode = 0o644
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Uploader{conns: conns, opts: opts, logger: logger, metrics: m}
}

// Upload transfers localPath to remotePath. With ensureDir every segment of
// the remote parent directory is created first.
func (u *Uploader) Upload(ctx context.Context, localPath, remotePath string, ensureDir bool) error {
	remotePath = path.Clean(filepath.ToSlash(remotePath))
	policy := RetryPolicy{
		Attempts: u.opts.Attempts,
		Delay:    u.opts.Delay,
		OnRetry: func(attempt int, err error, next time.Duration) {
			u.logger.Warn("remote upload attempt failed",
				zap.String("remote", remotePath),
				zap.Int("attempt", attempt),
				zap.Int("retries_left", u.opts.Attempts-attempt),
				zap.Duration("next", next),
				zap.Error(err))
		},
	}

	attempts := 0
	err := Retry(ctx, policy, func(attempt int) error {
		attempts = attempt
		return u.attempt(ctx, localPath, remotePath, ensureDir)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrLocalFileMissing) || errors.Is(err, context.Canceled) {
		return err
	}
	u.logger.Error("remote upload failed", zap.String("remote", remotePath), zap.Int("attempts", attempts), zap.Error(err))
	return fmt.Errorf("%w: %s after %d attempts: %w", ErrUploadFailed, remotePath, attempts, err)
}

func (u *Uploader) attempt(ctx context.Context, localPath, remotePath string, ensureDir bool) error {
	src, err := os.Open(localPath)
	if err != nil {
		u.metrics.UploadAttempt("missing")
		if errors.Is(err, fs.ErrNotExist) {
			return Permanent(fmt.Errorf("%w: %s", ErrLocalFileMissing, localPath))
		}
		return Permanent(fmt.Errorf("open %s: %w", localPath, err))
	}
	defer src.Close()

	err = u.conns.WithConnection(ctx, func(c Conn) error {
		if ensureDir {
			if err := u.ensureDir(c, path.Dir(remotePath)); err != nil {
				return err
			}
		}
		n, err := c.Put(ctx, src, remotePath)
		if err != nil {
			return fmt.Errorf("transfer %s: %w", remotePath, err)
		}
		if err := c.Chmod(remotePath, u.opts.FileMode); err != nil {
			u.logger.Warn("could not set permissions", zap.String("remote", remotePath), zap.Error(err))
		}
		u.logger.Debug("file uploaded", zap.String("remote", remotePath), zap.String("size", humanize.IBytes(uint64(n))))
		return nil
	})
	if err != nil {
		u.metrics.UploadAttempt("failure")
		return err
	}
	u.metrics.UploadAttempt("success")
	return nil
}

// ensureDir creates dir one segment at a time, tolerating existing segments
func (u *Uploader) ensureDir(c Conn, dir string) error {
	current := ""
	if strings.HasPrefix(dir, "/") {
		current = "/"
	}
	for _, segment := range strings.Split(strings.Trim(dir, "/"), "/") {
		if segment == "" || segment == "." {
			continue
		}
		current = path.Join(current, segment)
		err := c.Mkdir(current)
		switch {
		case err == nil:
			if err := c.Chmod(current, u.opts.DirMode); err != nil {
				u.logger.Warn("could not set permissions", zap.String("remote", current), zap.Error(err))
			}
		case errors.Is(err, fs.ErrExist):
		default:
			return fmt.Errorf("create remote dir %s: %w", current, err)
		}
	}
	return nil
}

// EnsureLayout creates the given remote directories, logging instead of failing
func (u *Uploader) EnsureLayout(ctx context.Context, dirs ...string) {
	err := u.conns.WithConnection(ctx, func(c Conn) error {
		var errs []error
		for _, dir := range dirs {
			if err := u.ensureDir(c, path.Clean(dir)); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
	if err != nil {
		u.logger.Error("failed to initialize remote storage layout", zap.Error(err))
		return
	}
	u.logger.Info("📁 remote storage layout ready", zap.Strings("dirs", dirs))
}
