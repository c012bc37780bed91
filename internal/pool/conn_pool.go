package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrPoolClosed is returned once CloseAll has been called
	ErrPoolClosed = errors.New("connection pool closed")
	// ErrBrokenConn marks an operation error after which the connection must not be reused
	ErrBrokenConn = errors.New("broken connection")
)

// DialFunc opens one new authenticated connection
type DialFunc[C io.Closer] func(ctx context.Context) (C, error)

// ConnPool leases connections to one caller at a time and bounds the
// number of remote operations in flight.
//
// Invariants: inUse <= size <= maxSize and pending <= maxOps.
type ConnPool[C io.Closer] struct {
	dial    DialFunc[C]
	maxSize int
	maxOps  int
	logger  *zap.Logger

	mu      sync.Mutex
	changed chan struct{} // closed and replaced on every state change
	idle    []C
	size    int
	inUse   int
	pending int
	closed  bool

	totalOps  int64
	failedOps int64
	dialed    int64
	avgOpTime int64 // nanoseconds
}

// NewConnPool creates an empty pool; connections are dialed lazily
func NewConnPool[C io.Closer](dial DialFunc[C], maxSize, maxOps int, logger *zap.Logger) *ConnPool[C] {
	if maxSize <= 0 {
		maxSize = 1
	}
	if maxOps <= 0 {
		maxOps = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConnPool[C]{
		dial:    dial,
		maxSize: maxSize,
		maxOps:  maxOps,
		logger:  logger,
		changed: make(chan struct{}),
	}
}

// WithConnection leases a connection, runs op and returns the connection.
// The slot is released on every exit path, panics included. A connection
// whose op failed with ErrBrokenConn (or panicked) is closed instead of reused.
func (p *ConnPool[C]) WithConnection(ctx context.Context, op func(conn C) error) (err error) {
	conn, err := p.acquire(ctx)
	if err != nil {
		return err
	}

	start := time.Now()
	broken, finished := true, false
	defer func() {
		// a panicking op leaves finished unset and counts as a failure
		p.release(conn, broken, err != nil || !finished, time.Since(start))
	}()

	err = op(conn)
	finished = true
	broken = errors.Is(err, ErrBrokenConn)
	return err
}

func (p *ConnPool[C]) acquire(ctx context.Context) (C, error) {
	var zero C

	p.mu.Lock()
	for {
		if p.closed {
			p.mu.Unlock()
			return zero, ErrPoolClosed
		}
		if p.pending < p.maxOps {
			if n := len(p.idle); n > 0 {
				conn := p.idle[n-1]
				p.idle = p.idle[:n-1]
				p.pending++
				p.inUse++
				p.mu.Unlock()
				return conn, nil
			}
			if p.size < p.maxSize {
				// reserve the slot before dialing so concurrent callers cannot overshoot
				p.pending++
				p.inUse++
				p.size++
				p.mu.Unlock()
				return p.dialReserved(ctx)
			}
		}

		wait := p.changed
		p.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
		p.mu.Lock()
	}
}

func (p *ConnPool[C]) dialReserved(ctx context.Context) (C, error) {
	conn, err := p.dial(ctx)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.pending--
		p.inUse--
		p.size--
		p.failedOps++
		p.notifyLocked()
		var zero C
		return zero, fmt.Errorf("dial remote: %w", err)
	}
	p.dialed++
	p.logger.Debug("remote connection opened", zap.Int("size", p.size), zap.Int("max_size", p.maxSize))
	return conn, nil
}

func (p *ConnPool[C]) release(conn C, broken, failed bool, elapsed time.Duration) {
	p.mu.Lock()
	p.pending--
	p.inUse--
	p.totalOps++
	if failed {
		p.failedOps++
	}
	p.avgOpTime = (p.avgOpTime*9 + elapsed.Nanoseconds()) / 10
	// after CloseAll nothing goes back to idle, even when the drain timed out
	discard := broken || p.closed
	if discard {
		p.size--
	} else {
		p.idle = append(p.idle, conn)
	}
	p.notifyLocked()
	p.mu.Unlock()

	if discard {
		if err := conn.Close(); err != nil {
			p.logger.Warn("failed to close connection", zap.Bool("broken", broken), zap.Error(err))
		}
	}
}

func (p *ConnPool[C]) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// CloseAll refuses new leases, waits until every in-flight operation has
// finished, then closes all pooled connections
func (p *ConnPool[C]) CloseAll(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		p.notifyLocked()
	}
	for p.pending > 0 {
		wait := p.changed
		p.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return fmt.Errorf("drain connection pool: %w", ctx.Err())
		}
		p.mu.Lock()
	}
	idle := p.idle
	p.idle = nil
	p.size -= len(idle)
	p.mu.Unlock()

	var errs []error
	for _, conn := range idle {
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.logger.Info("connection pool drained", zap.Int("closed", len(idle)))
	return errors.Join(errs...)
}

// ConnPoolStats is a snapshot of pool bookkeeping
type ConnPoolStats struct {
	MaxSize   int
	MaxOps    int
	Size      int
	Idle      int
	InUse     int
	Pending   int
	Dialed    int64
	TotalOps  int64
	FailedOps int64
	AvgOpTime time.Duration
	Closed    bool
}

// Stats returns current statistics
func (p *ConnPool[C]) Stats() ConnPoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ConnPoolStats{
		MaxSize:   p.maxSize,
		MaxOps:    p.maxOps,
		Size:      p.size,
		Idle:      len(p.idle),
		InUse:     p.inUse,
		Pending:   p.pending,
		Dialed:    p.dialed,
		TotalOps:  p.totalOps,
		FailedOps: p.failedOps,
		AvgOpTime: time.Duration(p.avgOpTime),
		Closed:    p.closed,
	}
}
