package pool

import (
	"io"
	"sync"
	"sync/atomic"
)

// BufferPool hands out fixed-size copy buffers for spooling uploads to disk.
// Buffers are pre-allocated to keep GC pressure flat under bursts of large uploads.
type BufferPool struct {
	pool      sync.Pool
	size      int
	allocated int32
	inUse     int32
	gets      int64
	misses    int64
	copied    int64
}

// NewBufferPool creates a pool with count pre-allocated buffers of size bytes
func NewBufferPool(count, size int) *BufferPool {
	if size <= 0 {
		size = 32 * 1024
	}
	bp := &BufferPool{size: size}
	bp.pool.New = func() any {
		atomic.AddInt32(&bp.allocated, 1)
		atomic.AddInt64(&bp.misses, 1)
		buf := make([]byte, size)
		return &buf
	}

	for i := 0; i < count; i++ {
		buf := make([]byte, size)
		atomic.AddInt32(&bp.allocated, 1)
		bp.pool.Put(&buf)
	}
	return bp
}

// Get retrieves a buffer from the pool
func (bp *BufferPool) Get() *[]byte {
	atomic.AddInt32(&bp.inUse, 1)
	atomic.AddInt64(&bp.gets, 1)
	return bp.pool.Get().(*[]byte)
}

// Put returns a buffer obtained from Get
func (bp *BufferPool) Put(buf *[]byte) {
	if buf == nil || cap(*buf) < bp.size {
		return
	}
	*buf = (*buf)[:bp.size]
	atomic.AddInt32(&bp.inUse, -1)
	bp.pool.Put(buf)
}

// Copy streams src into dst through a pooled buffer
func (bp *BufferPool) Copy(dst io.Writer, src io.Reader) (int64, error) {
	buf := bp.Get()
	defer bp.Put(buf)

	// hide ReaderFrom/WriterTo so the pooled buffer is actually used
	n, err := io.CopyBuffer(struct{ io.Writer }{dst}, struct{ io.Reader }{src}, *buf)
	atomic.AddInt64(&bp.copied, n)
	return n, err
}

// BufferPoolStats is a snapshot of buffer usage
type BufferPoolStats struct {
	Allocated   int32
	InUse       int32
	Available   int32
	Gets        int64
	Misses      int64
	BytesCopied int64
	HitRate     float64
}

// GetStats returns current statistics
func (bp *BufferPool) GetStats() BufferPoolStats {
	allocated := atomic.LoadInt32(&bp.allocated)
	inUse := atomic.LoadInt32(&bp.inUse)
	gets := atomic.LoadInt64(&bp.gets)
	misses := atomic.LoadInt64(&bp.misses)

	hitRate := 0.0
	if gets > 0 {
		hitRate = float64(gets-misses) / float64(gets) * 100
	}

	return BufferPoolStats{
		Allocated:   allocated,
		InUse:       inUse,
		Available:   allocated - inUse,
		Gets:        gets,
		Misses:      misses,
		BytesCopied: atomic.LoadInt64(&bp.copied),
		HitRate:     hitRate,
	}
}
