package scratch

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMkdirTempIsUniqueAndRemovable(t *testing.T) {
	m, err := NewManager(t.TempDir(), time.Hour, zap.NewNop())
	require.NoError(t, err)

	a, err := m.MkdirTemp("video/../x")
	require.NoError(t, err)
	b, err := m.MkdirTemp("video/../x")
	require.NoError(t, err)

	assert.NotEqual(t, a.Path(), b.Path())
	assert.Equal(t, m.Root(), filepath.Dir(a.Path()))
	assert.False(t, strings.Contains(filepath.Base(a.Path()), "/"))

	require.NoError(t, os.WriteFile(a.Join("nested.bin"), []byte("x"), 0o644))
	require.NoError(t, os.MkdirAll(a.Join("deep", "er"), 0o755))

	a.Remove()
	a.Remove()
	_, err = os.Stat(a.Path())
	assert.True(t, os.IsNotExist(err))

	_, err = os.Stat(b.Path())
	assert.NoError(t, err)
}

func TestRemoveFileIgnoresMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gone.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	RemoveFile(zap.NewNop(), path)
	RemoveFile(zap.NewNop(), path)
	RemoveFile(nil, "")

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestSweepRemovesOnlyStaleEntries(t *testing.T) {
	m, err := NewManager(t.TempDir(), time.Hour, zap.NewNop())
	require.NoError(t, err)

	stale, err := m.MkdirTemp("stale")
	require.NoError(t, err)
	fresh, err := m.MkdirTemp("fresh")
	require.NoError(t, err)

	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale.Path(), old, old))

	assert.Equal(t, 1, m.Sweep(time.Now()))

	_, err = os.Stat(stale.Path())
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh.Path())
	assert.NoError(t, err)
}

func TestSweepDisabledWithoutTTL(t *testing.T) {
	m, err := NewManager(t.TempDir(), 0, zap.NewNop())
	require.NoError(t, err)
	_, err = m.MkdirTemp("any")
	require.NoError(t, err)

	assert.Zero(t, m.Sweep(time.Now().Add(24*time.Hour)))
	m.StartJanitor(time.Millisecond)
	m.Stop()
	m.Stop()
}
