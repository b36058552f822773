package buffer

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrEnded reports that the buffer is closed and the requested sequence
	// is past the retained tail.
	ErrEnded = errors.New("stream ended")
	// ErrClosed reports an append on a closed buffer.
	ErrClosed = errors.New("buffer closed")
)

// Ring is the bounded chunk window for one content id: a FIFO of at most
// maxChunks entries, none older than ttl. One writer appends; any number of
// readers fetch by sequence or snapshot. Readers blocked on the tail are
// woken through a broadcast channel that is swapped on every append.
type Ring struct {
	mu        sync.Mutex
	chunks    []*Chunk
	maxChunks int
	ttl       time.Duration
	closed    bool
	broadcast chan struct{}
	evicted   int64

	onEvict func(n int)
}

type RingOption func(*Ring)

// WithEvictionHook registers a callback invoked (outside the lock) with the
// number of chunks dropped by an append or sweep.
func WithEvictionHook(hook func(n int)) RingOption {
	return func(r *Ring) {
		r.onEvict = hook
	}
}

func NewRing(maxChunks int, ttl time.Duration, opts ...RingOption) *Ring {
	if maxChunks < 1 {
		maxChunks = 1
	}
	ring := &Ring{
		chunks:    make([]*Chunk, 0, maxChunks),
		maxChunks: maxChunks,
		ttl:       ttl,
		broadcast: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(ring)
	}
	return ring
}

// Append stores the chunk, evicting expired and overflow chunks first.
func (r *Ring) Append(chunk *Chunk) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}

	dropped := r.evictLocked(time.Now())
	r.chunks = append(r.chunks, chunk)

	ch := r.broadcast
	r.broadcast = make(chan struct{})
	r.mu.Unlock()

	close(ch)
	if dropped > 0 && r.onEvict != nil {
		r.onEvict(dropped)
	}
	return nil
}

// evictLocked drops chunks past the TTL and makes room for one append.
func (r *Ring) evictLocked(now time.Time) int {
	dropped := 0
	for len(r.chunks) > 0 && r.ttl > 0 && now.Sub(r.chunks[0].ReceivedAt) > r.ttl {
		r.chunks[0] = nil
		r.chunks = r.chunks[1:]
		dropped++
	}
	for len(r.chunks) >= r.maxChunks {
		r.chunks[0] = nil
		r.chunks = r.chunks[1:]
		dropped++
	}
	r.evicted += int64(dropped)
	return dropped
}

// SweepExpired applies the TTL outside the append path; the cleanup sweeper
// calls it so a stalled stream does not retain stale chunks.
func (r *Ring) SweepExpired(now time.Time) {
	r.mu.Lock()
	dropped := 0
	for len(r.chunks) > 0 && r.ttl > 0 && now.Sub(r.chunks[0].ReceivedAt) > r.ttl {
		r.chunks[0] = nil
		r.chunks = r.chunks[1:]
		dropped++
	}
	r.evicted += int64(dropped)
	r.mu.Unlock()

	if dropped > 0 && r.onEvict != nil {
		r.onEvict(dropped)
	}
}

// TryGet returns the chunk with the given sequence without blocking.
// When seq fell off the tail it returns the oldest retained chunk and
// skipped=true. When seq is ahead of the head it returns (nil, false, nil);
// on a closed buffer past the head it returns ErrEnded.
func (r *Ring) TryGet(seq int64) (chunk *Chunk, skipped bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getLocked(seq)
}

func (r *Ring) getLocked(seq int64) (*Chunk, bool, error) {
	if len(r.chunks) == 0 {
		if r.closed {
			return nil, false, ErrEnded
		}
		return nil, false, nil
	}

	first := r.chunks[0].Sequence
	last := r.chunks[len(r.chunks)-1].Sequence

	switch {
	case seq < first:
		return r.chunks[0], true, nil
	case seq <= last:
		return r.chunks[seq-first], false, nil
	case r.closed:
		return nil, false, ErrEnded
	default:
		return nil, false, nil
	}
}

// GetFrom blocks until the chunk with the given sequence (or, after an
// eviction, the oldest retained successor) is available. It honors the
// §4.4 contract: exact hit, catch-up with skipped=true, wait when ahead of
// the head, ErrEnded once closed and drained.
func (r *Ring) GetFrom(ctx context.Context, seq int64) (*Chunk, bool, error) {
	for {
		r.mu.Lock()
		chunk, skipped, err := r.getLocked(seq)
		if chunk != nil || err != nil {
			r.mu.Unlock()
			return chunk, skipped, err
		}
		wait := r.broadcast
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-wait:
		}
	}
}

// Snapshot copies the current contents in sequence order.
func (r *Ring) Snapshot() []*Chunk {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Chunk, len(r.chunks))
	copy(out, r.chunks)
	return out
}

// Close marks the buffer final and wakes every waiter.
func (r *Ring) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	ch := r.broadcast
	r.broadcast = make(chan struct{})
	r.mu.Unlock()

	close(ch)
}

func (r *Ring) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chunks)
}

// Bounds reports the first and last retained sequences; ok is false while
// the buffer is empty.
func (r *Ring) Bounds() (first, last int64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.chunks) == 0 {
		return 0, 0, false
	}
	return r.chunks[0].Sequence, r.chunks[len(r.chunks)-1].Sequence, true
}

func (r *Ring) Evicted() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evicted
}
