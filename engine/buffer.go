package engine

import (
	"sync"
)

// DefaultBufferSize is the default chunk size for streamed transfers.
// 1MB keeps SFTP request pipelines full without large per-worker memory.
const DefaultBufferSize = 1 * 1024 * 1024

// BufferPool manages reusable chunk buffers shared by the stream path, the
// relay pipe and streamed hashing.
type BufferPool struct {
	size int
	pool sync.Pool
}

// NewBufferPool creates a new BufferPool that allocates buffers of the specified size.
// If size is <= 0, DefaultBufferSize is used.
func NewBufferPool(size int) *BufferPool {
	if size <= 0 {
		size = DefaultBufferSize
	}
	bp := &BufferPool{size: size}
	bp.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return bp
}

// Size returns the length of every buffer handed out by the pool.
func (bp *BufferPool) Size() int {
	return bp.size
}

// Get retrieves a buffer. The caller must Put it back once finished.
func (bp *BufferPool) Get() *[]byte {
	return bp.pool.Get().(*[]byte)
}

// Put returns the buffer to the pool. Buffers of a foreign size are dropped.
func (bp *BufferPool) Put(b *[]byte) {
	if b != nil && len(*b) == bp.size {
		bp.pool.Put(b)
	}
}
