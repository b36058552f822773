package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"acestream-mux/logger"
	"acestream-mux/metrics"
	"acestream-mux/proxy/buffer"
	"acestream-mux/proxy/client"
)

// enqueueWait bounds how long a delivery waits on a full client queue before
// the client is declared slow; roughly one chunk time at typical bitrates.
const enqueueWait = 500 * time.Millisecond

// ChunkSource is the upstream side of a broadcaster: a finite,
// non-restartable chunk sequence.
type ChunkSource interface {
	Next(ctx context.Context) (*buffer.Chunk, error)
	Close(reason string)
}

// Broadcaster pumps chunks from the source into the ring and pushes them to
// every live client queue. Deliveries run on a registry snapshot, one
// goroutine per client, so a slow queue never blocks the registry or the
// other clients.
type Broadcaster struct {
	cid     string
	ring    *buffer.Ring
	clients *client.Registry
	logger  logger.Logger
	sink    *metrics.Sink

	// onChunk fires after each append; the manager uses it to leave the
	// initializing state. onSlow hands a dropped client back to the manager.
	onChunk func(*buffer.Chunk)
	onSlow  func(*client.Client)
}

func NewBroadcaster(
	cid string,
	ring *buffer.Ring,
	clients *client.Registry,
	log logger.Logger,
	sink *metrics.Sink,
	onChunk func(*buffer.Chunk),
	onSlow func(*client.Client),
) *Broadcaster {
	return &Broadcaster{
		cid:     cid,
		ring:    ring,
		clients: clients,
		logger:  log,
		sink:    sink,
		onChunk: onChunk,
		onSlow:  onSlow,
	}
}

// Run loops until the source ends, the context is cancelled, or the ring is
// closed underneath it. The source's terminal error is returned as-is;
// a clean upstream end is io.EOF.
func (b *Broadcaster) Run(ctx context.Context, src ChunkSource) error {
	for {
		chunk, err := src.Next(ctx)
		if err != nil {
			return err
		}

		if err := b.ring.Append(chunk); err != nil {
			return err
		}
		b.sink.ChunksProduced.WithLabelValues(b.cid).Inc()
		if b.onChunk != nil {
			b.onChunk(chunk)
		}

		snapshot := b.clients.ListSnapshot()
		if len(snapshot) == 0 {
			continue
		}

		var wg sync.WaitGroup
		for _, c := range snapshot {
			wg.Add(1)
			go func(c *client.Client) {
				defer wg.Done()
				b.deliver(c, chunk)
			}(c)
		}
		wg.Wait()
	}
}

// deliver brings one client up to date with the just-appended chunk. A
// client that was seeded ahead of this chunk is skipped; one that fell
// behind is caught up from the ring. Falling off the retained window or
// overrunning the bounded wait makes the client slow.
func (b *Broadcaster) deliver(c *client.Client, latest *buffer.Chunk) {
	for {
		next := c.NextSequence()
		if next > latest.Sequence {
			return
		}

		chunk := latest
		if next < latest.Sequence {
			missed, skipped, err := b.ring.TryGet(next)
			if err != nil || missed == nil {
				return
			}
			if skipped {
				b.dropSlow(c, "fell behind the retained buffer window")
				return
			}
			chunk = missed
		}

		if err := c.Enqueue(chunk, enqueueWait); err != nil {
			if errors.Is(err, client.ErrQueueFull) {
				b.dropSlow(c, "queue full past the bounded wait")
			}
			return
		}
		c.SetNextSequence(chunk.Sequence + 1)
	}
}

func (b *Broadcaster) dropSlow(c *client.Client, why string) {
	b.logger.Warnf("Dropping slow client %s on %s: %s", c.ID, b.cid, why)
	b.sink.ChunksDroppedSlow.WithLabelValues(b.cid).Inc()
	if b.onSlow != nil {
		b.onSlow(c)
	}
}
