package reader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/valyala/bytebufferpool"

	"acestream-mux/logger"
	"acestream-mux/proxy/buffer"
	"acestream-mux/proxy/engine"
	"acestream-mux/utils"
)

// Config carries the reader tunables captured from the settings snapshot.
type Config struct {
	ChunkSize      int
	ConnectTimeout time.Duration
	CheckInterval  time.Duration
	MaxStallChecks int
}

// Reader owns the single upstream HTTP session for one content id. It
// produces a finite, non-restartable sequence of TS-aligned chunks via Next.
type Reader struct {
	cid       string
	session   *PlaybackSession
	resp      *http.Response
	client    utils.HTTPClient
	cfg       Config
	logger    logger.Logger
	alignSize int

	readCh  chan readResult
	done    chan struct{}
	staging *bytebufferpool.ByteBuffer
	seq     int64

	terminal    error
	stallChecks int

	closeOnce sync.Once
}

type readResult struct {
	data []byte
	err  error
}

// Open negotiates a playback session with the engine and starts consuming
// the MPEG-TS body. The context bounds the whole reader lifetime; cancelling
// it cancels the body reads.
func Open(
	ctx context.Context,
	cid string,
	eng *engine.Descriptor,
	cfg Config,
	httpClient utils.HTTPClient,
	log logger.Logger,
) (*Reader, error) {
	if log == nil {
		log = logger.Default
	}

	session, err := StartSession(ctx, httpClient, eng, cid, cfg.ConnectTimeout, log)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, session.PlaybackURL, nil)
	if err != nil {
		session.Stop(httpClient, log)
		return nil, err
	}
	// The stream is dense binary; any negotiated compression stalls it.
	req.Header.Set("Accept-Encoding", "identity")
	req.Header.Set("User-Agent", utils.GetEnv("USER_AGENT"))

	resp, err := httpClient.Do(req)
	if err != nil {
		session.Stop(httpClient, log)
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		session.Stop(httpClient, log)
		return nil, &RejectedError{StatusCode: resp.StatusCode}
	}

	alignSize := cfg.ChunkSize - cfg.ChunkSize%buffer.TSPacketSize
	if alignSize < buffer.TSPacketSize {
		alignSize = buffer.TSPacketSize
	}

	r := &Reader{
		cid:       cid,
		session:   session,
		resp:      resp,
		client:    httpClient,
		cfg:       cfg,
		logger:    log,
		alignSize: alignSize,
		readCh:    make(chan readResult, 1),
		done:      make(chan struct{}),
		staging:   bytebufferpool.Get(),
	}
	go r.readLoop()
	return r, nil
}

// Session exposes the negotiated playback session.
func (r *Reader) Session() *PlaybackSession {
	return r.session
}

// readLoop pulls raw bytes off the body and hands copies to Next. It exits
// on the first body error or once the reader is closed.
func (r *Reader) readLoop() {
	buf := make([]byte, r.cfg.ChunkSize)
	for {
		n, err := r.resp.Body.Read(buf)

		var data []byte
		if n > 0 {
			data = make([]byte, n)
			copy(data, buf[:n])
		}

		select {
		case r.readCh <- readResult{data: data, err: err}:
		case <-r.done:
			return
		}

		if err != nil {
			return
		}
	}
}

// Next blocks until a TS-aligned chunk is ready, then returns it. The final
// chunk before a clean shutdown may be shorter than one packet multiple. A
// clean upstream end surfaces as io.EOF after the remainder is flushed; a
// stall surfaces as ErrUpstreamStalled and a cancellation as
// ErrReaderCanceled. Any other body error is returned as it came.
func (r *Reader) Next(ctx context.Context) (*buffer.Chunk, error) {
	for {
		if r.staging.Len() >= buffer.TSPacketSize {
			return r.cutChunk(false), nil
		}

		if r.terminal != nil {
			if r.staging.Len() > 0 {
				return r.cutChunk(true), nil
			}
			return nil, r.terminal
		}

		timer := time.NewTimer(r.cfg.CheckInterval)
		select {
		case res := <-r.readCh:
			timer.Stop()
			r.stallChecks = 0
			if len(res.data) > 0 {
				r.staging.Write(res.data)
			}
			if res.err != nil {
				r.terminal = classifyBodyError(res.err)
			}

		case <-timer.C:
			r.stallChecks++
			if r.stallChecks >= r.cfg.MaxStallChecks {
				r.logger.Warnf("Upstream stalled for %s after %d checks", r.cid, r.stallChecks)
				return nil, ErrUpstreamStalled
			}

		case <-ctx.Done():
			timer.Stop()
			return nil, ErrReaderCanceled
		}
	}
}

// cutChunk slices the next chunk out of the staging buffer. Aligned cuts
// take the largest packet multiple up to the configured chunk size; the
// final flush takes whatever remains.
func (r *Reader) cutChunk(final bool) *buffer.Chunk {
	size := r.staging.Len()
	if !final {
		size -= size % buffer.TSPacketSize
		if size > r.alignSize {
			size = r.alignSize
		}
	}

	payload := make([]byte, size)
	copy(payload, r.staging.B[:size])
	r.staging.B = append(r.staging.B[:0], r.staging.B[size:]...)

	chunk := &buffer.Chunk{
		Sequence:   r.seq,
		Payload:    payload,
		ReceivedAt: time.Now(),
	}
	r.seq++
	return chunk
}

// Close stops the body, signals the engine to tear the session down and
// releases the staging buffer. Idempotent.
func (r *Reader) Close(reason string) {
	r.closeOnce.Do(func() {
		r.logger.Debugf("Closing reader for %s: %s", r.cid, reason)
		close(r.done)
		r.resp.Body.Close()
		r.session.Stop(r.client, r.logger)
		bytebufferpool.Put(r.staging)
	})
}

func classifyBodyError(err error) error {
	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrReaderCanceled
	}
	return err
}
