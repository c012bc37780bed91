package scratch

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Manager owns the local scratch root. Every directory it hands out is
// unique and must be released with Dir.Remove.
type Manager struct {
	root          string
	ttl           time.Duration
	logger        *zap.Logger
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	stopOnce      sync.Once
}

// NewManager creates the scratch root if needed
func NewManager(root string, ttl time.Duration, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve scratch root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch root %s: %w", abs, err)
	}
	return &Manager{
		root:        abs,
		ttl:         ttl,
		logger:      logger,
		stopCleanup: make(chan struct{}),
	}, nil
}

// Root returns the absolute scratch root
func (m *Manager) Root() string {
	return m.root
}

// MkdirTemp creates a fresh directory named prefix-<timestamp>-<random>
func (m *Manager) MkdirTemp(prefix string) (*Dir, error) {
	name := fmt.Sprintf("%s-%s-%s", sanitize(prefix), time.Now().UTC().Format("20060102T150405"), uuid.NewString()[:8])
	dir := filepath.Join(m.root, name)
	if err := os.Mkdir(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	return &Dir{path: dir, logger: m.logger}, nil
}

// StartJanitor removes stale entries every interval until Stop is called.
// Entries older than the TTL are leftovers from crashed runs.
func (m *Manager) StartJanitor(interval time.Duration) {
	if m.ttl <= 0 || interval <= 0 {
		return
	}
	m.cleanupTicker = time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-m.cleanupTicker.C:
				m.Sweep(time.Now())
			case <-m.stopCleanup:
				m.cleanupTicker.Stop()
				return
			}
		}
	}()
}

// Sweep removes top-level entries last modified before now-TTL and
// returns how many were removed
func (m *Manager) Sweep(now time.Time) int {
	if m.ttl <= 0 {
		return 0
	}
	entries, err := os.ReadDir(m.root)
	if err != nil {
		m.logger.Warn("scratch sweep failed", zap.Error(err))
		return 0
	}

	cutoff := now.Add(-m.ttl)
	removed := 0
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		target := filepath.Join(m.root, entry.Name())
		if err := os.RemoveAll(target); err != nil {
			m.logger.Warn("failed to remove stale scratch entry", zap.String("path", target), zap.Error(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		m.logger.Info("🧹 scratch sweep", zap.Int("removed", removed))
	}
	return removed
}

// Stop halts the janitor
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCleanup) })
}

// Dir is one scoped scratch directory
type Dir struct {
	path   string
	logger *zap.Logger
	once   sync.Once
}

// Path returns the absolute directory path
func (d *Dir) Path() string {
	return d.path
}

// Join builds a path inside the directory
func (d *Dir) Join(elem ...string) string {
	return filepath.Join(append([]string{d.path}, elem...)...)
}

// Remove deletes the directory recursively. Safe to call more than once;
// failures are logged, never returned.
func (d *Dir) Remove() {
	d.once.Do(func() {
		if err := os.RemoveAll(d.path); err != nil {
			d.logger.Warn("failed to remove scratch dir", zap.String("path", d.path), zap.Error(err))
		}
	})
}

// RemoveFile deletes a single file, ignoring absence and logging other failures
func RemoveFile(logger *zap.Logger, path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		if logger != nil {
			logger.Warn("failed to cleanup file", zap.String("path", path), zap.Error(err))
		}
	}
}

func sanitize(prefix string) string {
	prefix = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, prefix)
	if prefix == "" {
		return "job"
	}
	return prefix
}
