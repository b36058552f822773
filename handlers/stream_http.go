package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/valyala/bytebufferpool"

	"acestream-mux/logger"
	"acestream-mux/proxy/client"
	"acestream-mux/proxy/engine"
	"acestream-mux/proxy/reader"
	"acestream-mux/proxy/stream"
)

// StreamHandler serves GET /ace/getstream?id=<cid>: admission checks, then a
// chunked video/mp2t body fed from the client's queue until the stream ends
// or the client goes away.
type StreamHandler struct {
	server *ProxyServer
	logger logger.Logger
}

func NewStreamHandler(server *ProxyServer, log logger.Logger) *StreamHandler {
	if log == nil {
		log = logger.Default
	}
	return &StreamHandler{
		server: server,
		logger: log,
	}
}

func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cid := r.URL.Query().Get("id")
	if cid == "" {
		http.Error(w, "missing id parameter", http.StatusBadRequest)
		return
	}

	h.logger.Logf("Stream request for %s from %s", cid, r.RemoteAddr)

	detector := h.server.LoopDetector()
	if detector.IsLooping(cid) {
		h.logger.Warnf("Refusing looping content id %s", cid)
		http.Error(w, "content id is looping", http.StatusConflict)
		return
	}
	detector.RecordStart(cid)

	m, err := h.server.AcquireManager(cid)
	if err != nil {
		h.writeAdmissionError(w, cid, err)
		return
	}

	c, err := m.Subscribe(r.Context())
	if err != nil {
		h.writeAdmissionError(w, cid, err)
		return
	}
	defer m.Unsubscribe(c.ID)

	h.streamToClient(r.Context(), w, m, c, cid)
}

func (h *StreamHandler) writeAdmissionError(w http.ResponseWriter, cid string, err error) {
	var rejected *reader.RejectedError

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrNoEngineAvailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, client.ErrAtCapacity):
		status = http.StatusTooManyRequests
	case errors.Is(err, stream.ErrStreamUnavailable):
		status = http.StatusGatewayTimeout
	case errors.As(err, &rejected):
		status = http.StatusBadGateway
	case errors.Is(err, reader.ErrUpstreamUnreachable), errors.Is(err, reader.ErrUpstreamStalled):
		status = http.StatusBadGateway
	case errors.Is(err, stream.ErrManagerStopped):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled):
		// The requester is already gone; nothing to write.
		return
	}

	h.logger.Warnf("Refusing stream %s: %v", cid, err)
	http.Error(w, err.Error(), status)
}

func (h *StreamHandler) streamToClient(
	ctx context.Context,
	w http.ResponseWriter,
	m *stream.Manager,
	c *client.Client,
	cid string,
) {
	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	detector := h.server.LoopDetector()
	bytesSeen := false

	batch := bytebufferpool.Get()
	defer bytebufferpool.Put(batch)

	heartbeatEvery := heartbeatInterval(m)
	lastBeat := time.Now()

	for {
		chunk, err := c.Recv(ctx)
		if err != nil {
			if errors.Is(err, client.ErrClientGone) {
				h.logger.Logf("Stream %s finished for client %s", cid, c.ID)
			} else {
				h.logger.Debugf("Client %s left %s: %v", c.ID, cid, err)
			}
			return
		}

		// Coalesce whatever else is already queued into one write.
		batch.Reset()
		batch.Write(chunk.Payload)
		for drained := 0; drained < 16; drained++ {
			more, ok := c.TryRecv()
			if !ok {
				break
			}
			batch.Write(more.Payload)
		}

		if err := h.safeWrite(w, batch.B); err != nil {
			h.logger.Debugf("Write to client %s failed on %s: %v", c.ID, cid, err)
			return
		}
		if flusher != nil {
			h.safeFlush(flusher)
		}

		if !bytesSeen {
			bytesSeen = true
			detector.RecordBytes(cid)
		}
		if now := time.Now(); now.Sub(lastBeat) >= heartbeatEvery {
			m.Heartbeat(c.ID)
			lastBeat = now
		}
	}
}

// safeWrite guards against a transport-level panic tearing down the process.
func (h *StreamHandler) safeWrite(w http.ResponseWriter, data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("write failed: %v", r)
		}
	}()

	_, err = w.Write(data)
	return err
}

func (h *StreamHandler) safeFlush(flusher http.Flusher) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Debugf("Flush panic: %v", r)
		}
	}()

	flusher.Flush()
}

func heartbeatInterval(m *stream.Manager) time.Duration {
	if interval := m.HeartbeatInterval(); interval > 0 {
		return interval
	}
	return 10 * time.Second
}
