package pool

import (
	"fmt"
	"sync"

	"github.com/mcpwire/mcpwire"
	"github.com/rs/zerolog"
)

// block is the pool's bookkeeping for one buffer. The payload slice is handed
// to callers as-is; identity of its first byte is how a released buffer finds
// its way back to this record.
type block struct {
	data []byte
	free bool
}

// BufferPool hands out fixed-size byte buffers and recycles them. The free
// list is LIFO so recently used buffers (warm cache lines) go out first.
//
// Payload bytes are unsynchronized and owned by whoever holds the slice; the
// mutex guards only the free list, the membership table, and the counters.
type BufferPool struct {
	mu         sync.Mutex
	bufferSize int
	freeList   []*block
	// minted indexes every block this pool ever created by the identity of
	// its first payload byte. Membership replaces the magic/owner header a
	// manual allocator would prepend: a foreign or double release fails the
	// lookup or the free check, never corrupting the list.
	minted    map[*byte]*block
	total     int
	allocated int
	destroyed bool
	log       zerolog.Logger
}

// BufferPoolStats is a point-in-time snapshot of pool occupancy.
type BufferPoolStats struct {
	Total     int
	Allocated int
	Free      int
}

// NewBufferPool creates a pool of initialCount buffers, each bufferSize
// bytes. The pool grows on demand; initialCount only sets the pre-allocated
// floor.
func NewBufferPool(bufferSize, initialCount int, logger zerolog.Logger) (*BufferPool, error) {
	if bufferSize < 1 || initialCount < 0 {
		return nil, fmt.Errorf("%w: bufferSize=%d initialCount=%d",
			mcpwire.ErrInvalidArgument, bufferSize, initialCount)
	}

	p := &BufferPool{
		bufferSize: bufferSize,
		freeList:   make([]*block, 0, initialCount),
		minted:     make(map[*byte]*block, initialCount),
		log:        logger.With().Str("component", "buffer_pool").Logger(),
	}
	for i := 0; i < initialCount; i++ {
		p.freeList = append(p.freeList, p.mint())
	}

	p.log.Debug().
		Int("buffer_size", bufferSize).
		Int("initial_count", initialCount).
		Msg("Buffer pool created")
	return p, nil
}

// mint allocates a new block and registers it. Caller holds the mutex (or is
// the constructor).
func (p *BufferPool) mint() *block {
	b := &block{
		data: make([]byte, p.bufferSize),
		free: true,
	}
	p.minted[&b.data[0]] = b
	p.total++
	return b
}

// BufferSize returns the fixed size of every buffer in this pool.
func (p *BufferPool) BufferSize() int {
	return p.bufferSize
}

// Acquire pops a buffer off the free list, minting a fresh block when the
// list is empty (the pool grows, it never fails while memory holds out).
// The returned slice is always exactly BufferSize bytes.
func (p *BufferPool) Acquire() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.destroyed {
		return nil, fmt.Errorf("%w: pool destroyed", mcpwire.ErrAllocFailure)
	}

	var b *block
	if n := len(p.freeList); n > 0 {
		b = p.freeList[n-1]
		p.freeList = p.freeList[:n-1]
	} else {
		b = p.mint()
	}
	b.free = false
	p.allocated++
	return b.data, nil
}

// Release returns a buffer to the free list. Validation failures — a slice
// the pool never minted, a foreign pool's buffer, a second release of the
// same buffer — log an error and leave the pool untouched.
func (p *BufferPool) Release(buf []byte) {
	if len(buf) == 0 {
		p.log.Error().Msg("Release of empty buffer refused")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.minted[&buf[0]]
	if !ok {
		p.log.Error().Msg("Release of buffer not minted by this pool refused")
		return
	}
	if b.free {
		p.log.Error().Msg("Double release of pool buffer refused")
		return
	}

	b.free = true
	p.freeList = append(p.freeList, b)
	p.allocated--
}

// Stats returns a snapshot of the pool counters.
func (p *BufferPool) Stats() BufferPoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return BufferPoolStats{
		Total:     p.total,
		Allocated: p.allocated,
		Free:      len(p.freeList),
	}
}

// Destroy tears the pool down. Outstanding buffers are warned about but not
// chased; they become plain garbage-collected slices. Destroy is idempotent.
func (p *BufferPool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.destroyed {
		return
	}
	if p.allocated > 0 {
		p.log.Warn().
			Int("outstanding", p.allocated).
			Msg("Destroying buffer pool with outstanding buffers")
	}

	p.freeList = nil
	p.minted = nil
	p.destroyed = true
}
