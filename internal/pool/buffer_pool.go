package pool

import (
	"sync"
	"sync/atomic"
)

// CopyBufferSize is the default buffer size for tunnel copies
const CopyBufferSize = 32 * 1024

// BufferPool hands out fixed-size byte slices for the tunnel copy loop
type BufferPool struct {
	pool sync.Pool
	size int

	// Statistics
	stats BufferPoolStats
}

// BufferPoolStats tracks buffer pool performance
type BufferPoolStats struct {
	Gets        int64
	Puts        int64
	Allocations int64
	Rejected    int64
}

// NewBufferPool creates a pool of buffers of the given size
func NewBufferPool(size int) *BufferPool {
	if size <= 0 {
		size = CopyBufferSize
	}

	bp := &BufferPool{size: size}
	bp.pool.New = func() interface{} {
		atomic.AddInt64(&bp.stats.Allocations, 1)
		buf := make([]byte, size)
		return &buf
	}
	return bp
}

// Size returns the length of buffers handed out by the pool
func (bp *BufferPool) Size() int {
	return bp.size
}

// Get retrieves a buffer
func (bp *BufferPool) Get() []byte {
	atomic.AddInt64(&bp.stats.Gets, 1)
	return *bp.pool.Get().(*[]byte)
}

// Put returns a buffer to the pool. Buffers of another size are dropped.
func (bp *BufferPool) Put(buf []byte) {
	if len(buf) != bp.size {
		atomic.AddInt64(&bp.stats.Rejected, 1)
		return
	}
	atomic.AddInt64(&bp.stats.Puts, 1)
	bp.pool.Put(&buf)
}

// GetStats returns current buffer pool statistics
func (bp *BufferPool) GetStats() BufferPoolStats {
	return BufferPoolStats{
		Gets:        atomic.LoadInt64(&bp.stats.Gets),
		Puts:        atomic.LoadInt64(&bp.stats.Puts),
		Allocations: atomic.LoadInt64(&bp.stats.Allocations),
		Rejected:    atomic.LoadInt64(&bp.stats.Rejected),
	}
}
