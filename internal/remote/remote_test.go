package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"media-pipeline/internal/pool"
)

type memConn struct {
	closed bool
}

type memStore struct {
	mu    sync.Mutex
	conns []*memConn
	dirs  map[string]bool
	files map[string][]byte
	// failures applied to the first Put calls across all connections
	putFails int
	putErr   error
	chmodErr error
	puts     int
}

func newMemStore() *memStore {
	return &memStore{dirs: map[string]bool{}, files: map[string][]byte{}}
}

func (s *memStore) dial(context.Context) (Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &memConn{}
	s.conns = append(s.conns, c)
	return &storeConn{store: s, conn: c}, nil
}

type storeConn struct {
	store *memStore
	conn  *memConn
}

func (c *storeConn) Mkdir(p string) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	if c.store.dirs[p] {
		return fmt.Errorf("mkdir %s: %w", p, fs.ErrExist)
	}
	c.store.dirs[p] = true
	return nil
}

func (c *storeConn) Chmod(string, os.FileMode) error {
	return c.store.chmodErr
}

func (c *storeConn) Put(_ context.Context, src io.Reader, remotePath string) (int64, error) {
	c.store.mu.Lock()
	c.store.puts++
	fail := c.store.puts <= c.store.putFails
	c.store.mu.Unlock()
	if fail {
		return 0, c.store.putErr
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return 0, err
	}
	c.store.mu.Lock()
	c.store.files[remotePath] = data
	c.store.mu.Unlock()
	return int64(len(data)), nil
}

func (c *storeConn) Close() error {
	c.conn.closed = true
	return nil
}

func writeTemp(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func newTestUploader(store *memStore) (*Uploader, *pool.ConnPool[Conn]) {
	p := pool.NewConnPool[Conn](store.dial, 2, 4, nil)
	return NewUploader(p, UploaderOptions{Attempts: 3, Delay: 0}, nil, nil), p
}

func TestRetryProperty(t *testing.T) {
	errBoom := errors.New("boom")
	for failures := 0; failures <= 5; failures++ {
		t.Run(fmt.Sprintf("failures=%d", failures), func(t *testing.T) {
			calls := 0
			err := Retry(context.Background(), RetryPolicy{Attempts: 3}, func(attempt int) error {
				calls++
				assert.Equal(t, calls, attempt)
				if calls <= failures {
					return errBoom
				}
				return nil
			})
			if failures < 3 {
				assert.NoError(t, err)
				assert.Equal(t, failures+1, calls)
			} else {
				assert.ErrorIs(t, err, errBoom)
				assert.Equal(t, 3, calls)
			}
		})
	}
}

func TestRetryPermanentStopsImmediately(t *testing.T) {
	errFatal := errors.New("fatal")
	calls := 0
	err := Retry(context.Background(), RetryPolicy{Attempts: 5}, func(int) error {
		calls++
		return Permanent(errFatal)
	})
	assert.ErrorIs(t, err, errFatal)
	assert.Equal(t, 1, calls)
}

func TestRetryNotifiesBetweenAttempts(t *testing.T) {
	var seen []int
	_ = Retry(context.Background(), RetryPolicy{
		Attempts: 3,
		Delay:    time.Millisecond,
		OnRetry:  func(attempt int, _ error, _ time.Duration) { seen = append(seen, attempt) },
	}, func(int) error { return errors.New("nope") })
	assert.Equal(t, []int{1, 2}, seen)
}

func TestRetryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, RetryPolicy{Attempts: 10, Delay: time.Hour}, func(int) error {
		calls++
		cancel()
		return errors.New("transient")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestUploadCreatesDirectoriesAndFile(t *testing.T) {
	store := newMemStore()
	store.dirs["/var"] = true
	up, p := newTestUploader(store)
	defer p.CloseAll(context.Background())

	local := writeTemp(t, "a.webp", "image-bytes")
	err := up.Upload(context.Background(), local, "/var/www/media/reel-win/images/a.webp", true)
	require.NoError(t, err)

	assert.Equal(t, []byte("image-bytes"), store.files["/var/www/media/reel-win/images/a.webp"])
	for _, dir := range []string{"/var", "/var/www", "/var/www/media", "/var/www/media/reel-win", "/var/www/media/reel-win/images"} {
		assert.True(t, store.dirs[dir], dir)
	}

	// second upload into the same folder tolerates existing directories
	require.NoError(t, up.Upload(context.Background(), local, "/var/www/media/reel-win/images/b.webp", true))
}

func TestUploadRetriesTransientFailures(t *testing.T) {
	store := newMemStore()
	store.putFails = 2
	store.putErr = errors.New("write failed")
	up, p := newTestUploader(store)
	defer p.CloseAll(context.Background())

	local := writeTemp(t, "seg.ts", "segment")
	require.NoError(t, up.Upload(context.Background(), local, "/media/seg.ts", false))
	assert.Equal(t, 3, store.puts)
	assert.Equal(t, []byte("segment"), store.files["/media/seg.ts"])
}

func TestUploadFailsAfterAllAttempts(t *testing.T) {
	store := newMemStore()
	store.putFails = 10
	store.putErr = fmt.Errorf("%w: connection lost", pool.ErrBrokenConn)
	up, p := newTestUploader(store)
	defer p.CloseAll(context.Background())

	local := writeTemp(t, "seg.ts", "segment")
	err := up.Upload(context.Background(), local, "/media/seg.ts", false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUploadFailed)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, 3, store.puts)

	// broken sessions are discarded, so each attempt dialed afresh
	assert.Len(t, store.conns, 3)
	for _, c := range store.conns {
		assert.True(t, c.closed)
	}
}

func TestUploadMissingLocalFileIsNotRetried(t *testing.T) {
	store := newMemStore()
	up, p := newTestUploader(store)
	defer p.CloseAll(context.Background())

	err := up.Upload(context.Background(), filepath.Join(t.TempDir(), "gone.ts"), "/media/gone.ts", true)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLocalFileMissing)
	assert.NotErrorIs(t, err, ErrUploadFailed)
	assert.Zero(t, store.puts)
	assert.Empty(t, store.conns)
}

func TestUploadChmodFailureIsNotFatal(t *testing.T) {
	store := newMemStore()
	store.chmodErr = errors.New("operation not permitted")
	up, p := newTestUploader(store)
	defer p.CloseAll(context.Background())

	local := writeTemp(t, "v.m3u8", "#EXTM3U")
	require.NoError(t, up.Upload(context.Background(), local, "/media/videos/converted/v/v.m3u8", true))
	assert.Equal(t, 1, store.puts)
}

func TestEnsureLayout(t *testing.T) {
	store := newMemStore()
	up, p := newTestUploader(store)
	defer p.CloseAll(context.Background())

	up.EnsureLayout(context.Background(), "/srv/media/p/images", "/srv/media/p/videos/converted")
	assert.True(t, store.dirs["/srv/media/p/images"])
	assert.True(t, store.dirs["/srv/media/p/videos/converted"])
}

func TestUploadReportsAttemptsActuallyMade(t *testing.T) {
	store := newMemStore()
	store.putFails = 10
	store.putErr = errors.New("write failed")
	p := pool.NewConnPool[Conn](store.dial, 1, 1, nil)
	defer p.CloseAll(context.Background())
	up := NewUploader(p, UploaderOptions{Attempts: 5, Delay: time.Hour}, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	local := writeTemp(t, "seg.ts", "segment")
	err := up.Upload(ctx, local, "/media/seg.ts", false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUploadFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "after 1 attempts")
	assert.Equal(t, 1, store.puts)
}
