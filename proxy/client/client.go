package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"acestream-mux/proxy/buffer"
)

var (
	// ErrQueueFull reports that an enqueue did not complete within the
	// bounded wait; the owner treats the client as slow and drops it.
	ErrQueueFull = errors.New("client queue full")
	// ErrClientGone reports a receive or enqueue on a closed client.
	ErrClientGone = errors.New("client closed")
)

// Client is one connected HTTP consumer of a stream. Its queue has exactly
// one producer (the broadcaster, after seeding completes) and one consumer
// (the response task). The queue channel is never closed; cancellation is
// signalled through the one-shot cancel channel instead, so a concurrent
// producer can never hit a send-on-closed panic.
type Client struct {
	ID        string
	CID       string
	CreatedAt time.Time

	queue  chan *buffer.Chunk
	cancel chan struct{}
	once   sync.Once

	lastHeartbeat atomic.Int64
	nextSequence  atomic.Int64
}

func New(cid string, queueCapacity int) *Client {
	if queueCapacity < 1 {
		queueCapacity = 1
	}
	now := time.Now()
	c := &Client{
		ID:        uuid.NewString(),
		CID:       cid,
		CreatedAt: now,
		queue:     make(chan *buffer.Chunk, queueCapacity),
		cancel:    make(chan struct{}),
	}
	c.lastHeartbeat.Store(now.UnixNano())
	return c
}

// Enqueue delivers a chunk, first with a non-blocking send and then with a
// bounded wait. ErrQueueFull after the wait marks the client slow.
func (c *Client) Enqueue(chunk *buffer.Chunk, wait time.Duration) error {
	if c.Closed() {
		return ErrClientGone
	}

	select {
	case <-c.cancel:
		return ErrClientGone
	case c.queue <- chunk:
		return nil
	default:
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case c.queue <- chunk:
		return nil
	case <-c.cancel:
		return ErrClientGone
	case <-timer.C:
		return ErrQueueFull
	}
}

// Recv returns the next chunk for the response task. After Close, queued
// chunks are still drained before ErrClientGone is reported so a clean
// stream end delivers every byte.
func (c *Client) Recv(ctx context.Context) (*buffer.Chunk, error) {
	select {
	case chunk := <-c.queue:
		return chunk, nil
	default:
	}

	select {
	case chunk := <-c.queue:
		return chunk, nil
	case <-c.cancel:
		select {
		case chunk := <-c.queue:
			return chunk, nil
		default:
			return nil, ErrClientGone
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryRecv drains without blocking; ok is false when the queue is empty.
func (c *Client) TryRecv() (*buffer.Chunk, bool) {
	select {
	case chunk := <-c.queue:
		return chunk, true
	default:
		return nil, false
	}
}

// Close fires the cancel signal. Idempotent.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.cancel)
	})
}

func (c *Client) Done() <-chan struct{} {
	return c.cancel
}

func (c *Client) Closed() bool {
	select {
	case <-c.cancel:
		return true
	default:
		return false
	}
}

func (c *Client) Heartbeat(now time.Time) {
	c.lastHeartbeat.Store(now.UnixNano())
}

func (c *Client) LastHeartbeat() time.Time {
	return time.Unix(0, c.lastHeartbeat.Load())
}

// NextSequence is the sequence of the next chunk the client expects.
func (c *Client) NextSequence() int64 {
	return c.nextSequence.Load()
}

func (c *Client) SetNextSequence(seq int64) {
	c.nextSequence.Store(seq)
}
