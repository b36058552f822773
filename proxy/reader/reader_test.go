package reader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"acestream-mux/logger"
	"acestream-mux/proxy/buffer"
)

// tsEngine is a fake engine that answers the handshake and serves body from
// its playback endpoint.
func tsEngine(t *testing.T, body []byte, neverWrite bool, release <-chan struct{}) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	var server *httptest.Server

	mux.HandleFunc("/ace/getstream", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"response": {
			"playback_url": %q,
			"command_url": %q,
			"playback_session_id": "sess"
		}, "error": ""}`, server.URL+"/play", server.URL+"/cmd")
	})
	mux.HandleFunc("/play", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Accept-Encoding"); got != "identity" {
			t.Errorf("Accept-Encoding = %q, want identity", got)
		}
		if neverWrite {
			w.WriteHeader(http.StatusOK)
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
			<-release
			return
		}
		w.Write(body)
	})
	mux.HandleFunc("/cmd", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"response": "ok", "error": ""}`)
	})

	server = httptest.NewServer(mux)
	return server
}

func collectChunks(t *testing.T, r *Reader) ([]*buffer.Chunk, error) {
	t.Helper()
	var chunks []*buffer.Chunk
	for {
		chunk, err := r.Next(context.Background())
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, chunk)
	}
}

func TestReader_AlignedChunks(t *testing.T) {
	// Ten full TS packets plus a ragged tail that only the final flush may
	// emit unaligned.
	body := bytes.Repeat([]byte{0x47, 0x1f, 0xff, 0x10}, 47*10) // 188*10 bytes
	body = append(body, bytes.Repeat([]byte{0xab}, 50)...)

	server := tsEngine(t, body, false, nil)
	defer server.Close()

	cfg := Config{
		ChunkSize:      1024,
		ConnectTimeout: time.Second,
		CheckInterval:  50 * time.Millisecond,
		MaxStallChecks: 20,
	}
	r, err := Open(context.Background(), "cid-1", engineFor(t, server), cfg,
		http.DefaultClient, logger.Default)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer r.Close("test done")

	chunks, termErr := collectChunks(t, r)
	if !errors.Is(termErr, io.EOF) {
		t.Fatalf("terminal error = %v, want io.EOF", termErr)
	}

	var rebuilt []byte
	for i, chunk := range chunks {
		if chunk.Sequence != int64(i) {
			t.Fatalf("chunk %d has sequence %d", i, chunk.Sequence)
		}
		if i < len(chunks)-1 && chunk.Len()%buffer.TSPacketSize != 0 {
			t.Fatalf("chunk %d length %d not packet aligned", i, chunk.Len())
		}
		if chunk.Len() > cfg.ChunkSize {
			t.Fatalf("chunk %d length %d exceeds chunk size", i, chunk.Len())
		}
		rebuilt = append(rebuilt, chunk.Payload...)
	}

	if !bytes.Equal(rebuilt, body) {
		t.Fatalf("reassembled stream differs: got %d bytes, want %d", len(rebuilt), len(body))
	}
}

func TestReader_StallDetection(t *testing.T) {
	release := make(chan struct{})
	server := tsEngine(t, nil, true, release)
	defer func() {
		close(release)
		server.Close()
	}()

	cfg := Config{
		ChunkSize:      1024,
		ConnectTimeout: time.Second,
		CheckInterval:  10 * time.Millisecond,
		MaxStallChecks: 3,
	}
	r, err := Open(context.Background(), "cid-1", engineFor(t, server), cfg,
		http.DefaultClient, logger.Default)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer r.Close("test done")

	start := time.Now()
	_, err = r.Next(context.Background())
	if !errors.Is(err, ErrUpstreamStalled) {
		t.Fatalf("Next error = %v, want ErrUpstreamStalled", err)
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Fatalf("stalled after %v, want at least checks x interval", elapsed)
	}
}

func TestReader_Cancel(t *testing.T) {
	release := make(chan struct{})
	server := tsEngine(t, nil, true, release)
	defer func() {
		close(release)
		server.Close()
	}()

	cfg := Config{
		ChunkSize:      1024,
		ConnectTimeout: time.Second,
		CheckInterval:  100 * time.Millisecond,
		MaxStallChecks: 100,
	}
	r, err := Open(context.Background(), "cid-1", engineFor(t, server), cfg,
		http.DefaultClient, logger.Default)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer r.Close("test done")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	if _, err := r.Next(ctx); !errors.Is(err, ErrReaderCanceled) {
		t.Fatalf("Next error = %v, want ErrReaderCanceled", err)
	}
}

func TestReader_CloseSignalsStop(t *testing.T) {
	body := bytes.Repeat([]byte{0x47}, buffer.TSPacketSize)
	server := tsEngine(t, body, false, nil)
	defer server.Close()

	cfg := Config{
		ChunkSize:      1024,
		ConnectTimeout: time.Second,
		CheckInterval:  50 * time.Millisecond,
		MaxStallChecks: 10,
	}
	r, err := Open(context.Background(), "cid-1", engineFor(t, server), cfg,
		http.DefaultClient, logger.Default)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}

	r.Close("stopping")
	r.Close("stopping again") // idempotent
}

func TestReader_RejectedPlayback(t *testing.T) {
	mux := http.NewServeMux()
	var server *httptest.Server
	mux.HandleFunc("/ace/getstream", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"response": {"playback_url": %q}, "error": ""}`, server.URL+"/play")
	})
	mux.HandleFunc("/play", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	})
	server = httptest.NewServer(mux)
	defer server.Close()

	cfg := Config{
		ChunkSize:      1024,
		ConnectTimeout: time.Second,
		CheckInterval:  50 * time.Millisecond,
		MaxStallChecks: 10,
	}
	_, err := Open(context.Background(), "cid-1", engineFor(t, server), cfg,
		http.DefaultClient, logger.Default)

	var rejected *RejectedError
	if !errors.As(err, &rejected) || rejected.StatusCode != http.StatusNotFound {
		t.Fatalf("Open error = %v, want RejectedError 404", err)
	}
}
