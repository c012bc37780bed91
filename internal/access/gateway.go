package access

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"media-pipeline/internal/cache"
)

var (
	// ErrUnauthorized means the token is missing, malformed, expired or bound elsewhere
	ErrUnauthorized = errors.New("invalid or expired token")
	// ErrForbidden means the path escapes the storage root
	ErrForbidden = errors.New("access denied")
	// ErrNotFound means no regular file exists at the path
	ErrNotFound = errors.New("file not found")
)

// Media is an opened file ready to stream. The caller owns File.
type Media struct {
	File        *os.File
	Name        string
	Size        int64
	ModTime     time.Time
	ContentType string
}

// GatewayOptions configures a Gateway
type GatewayOptions struct {
	Root         string
	Signer       *Signer
	Tokens       *cache.TokenCache
	RequireToken bool
	Logger       *zap.Logger
}

// Gateway resolves delivery requests against the local storage root
type Gateway struct {
	root         string
	signer       *Signer
	tokens       *cache.TokenCache
	requireToken bool
	logger       *zap.Logger
	now          func() time.Time
}

// NewGateway creates a gateway rooted at opts.Root
func NewGateway(opts GatewayOptions) (*Gateway, error) {
	if opts.Root == "" {
		return nil, errors.New("storage root is required")
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Gateway{
		root:         filepath.Clean(root),
		signer:       opts.Signer,
		tokens:       opts.Tokens,
		requireToken: opts.RequireToken,
		logger:       opts.Logger,
		now:          time.Now,
	}, nil
}

// Open authorizes the request, resolves relPath and opens the file
func (g *Gateway) Open(relPath, token string) (*Media, error) {
	if err := g.Authorize(relPath, token); err != nil {
		return nil, err
	}
	full, err := g.Resolve(relPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open media: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat media: %w", err)
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, ErrNotFound
	}

	return &Media{
		File:        f,
		Name:        info.Name(),
		Size:        info.Size(),
		ModTime:     info.ModTime(),
		ContentType: ContentTypeFor(full),
	}, nil
}

// Authorize checks token for relPath. An empty token passes unless tokens are required.
func (g *Gateway) Authorize(relPath, token string) error {
	if token == "" {
		if g.requireToken {
			return ErrUnauthorized
		}
		return nil
	}
	if g.signer == nil {
		g.logger.Warn("token supplied but no signing secret configured")
		return ErrUnauthorized
	}

	now := g.now()
	entry, ok := g.tokens.Get(token, now)
	if !ok {
		claims, err := g.signer.Verify(token)
		if err != nil {
			g.logger.Debug("token rejected", zap.Error(err))
			return ErrUnauthorized
		}
		entry = cache.TokenEntry{Path: claims.Path}
		if claims.ExpiresAt != nil {
			entry.ExpiresAt = claims.ExpiresAt.Time
		}
		g.tokens.Set(token, entry)
	}

	if !pathAllowed(entry.Path, normalizeRel(relPath)) {
		g.logger.Debug("token bound to another path", zap.String("claim", entry.Path), zap.String("path", relPath))
		return ErrUnauthorized
	}
	return nil
}

// Resolve maps relPath onto the storage root, refusing anything outside it
func (g *Gateway) Resolve(relPath string) (string, error) {
	if strings.ContainsRune(relPath, 0) {
		return "", ErrForbidden
	}
	full := filepath.Clean(filepath.Join(g.root, filepath.FromSlash(relPath)))
	if full == g.root {
		return "", ErrNotFound
	}
	if !strings.HasPrefix(full, g.root+string(filepath.Separator)) {
		g.logger.Warn("path traversal attempt", zap.String("path", relPath))
		return "", ErrForbidden
	}
	return full, nil
}

// ContentTypeFor returns the delivery content type for a file name
func ContentTypeFor(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".webp":
		return "image/webp"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".m3u8":
		return "application/x-mpegURL"
	case ".ts":
		return "video/MP2T"
	default:
		return "application/octet-stream"
	}
}

// pathAllowed reports whether a token bound to claim may fetch rel.
// Index claims cover their whole folder so one token plays a stream.
func pathAllowed(claim, rel string) bool {
	if claim == "" || claim == rel {
		return true
	}
	if strings.EqualFold(path.Ext(claim), ".m3u8") {
		return path.Dir(claim) == path.Dir(rel)
	}
	return false
}

func normalizeRel(rel string) string {
	if rel == "" {
		return ""
	}
	return strings.TrimPrefix(path.Clean("/"+filepath.ToSlash(rel)), "/")
}
