package reader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"acestream-mux/logger"
	"acestream-mux/proxy/engine"
	"acestream-mux/utils"
)

var (
	// ErrUpstreamUnreachable covers connect and timeout failures before any
	// stream body is open.
	ErrUpstreamUnreachable = errors.New("upstream engine unreachable")
	// ErrUpstreamStalled fires when the stall counter reaches its limit.
	ErrUpstreamStalled = errors.New("upstream stream stalled")
	// ErrReaderCanceled reports a locally requested cancellation.
	ErrReaderCanceled = errors.New("reader canceled")
)

// RejectedError carries the HTTP status (or engine-reported error) of an
// upstream refusal at either protocol step.
type RejectedError struct {
	StatusCode int
	Reason     string
}

func (e *RejectedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("upstream rejected stream: %s", e.Reason)
	}
	return fmt.Sprintf("upstream rejected stream: status %d", e.StatusCode)
}

// PlaybackSession is the engine's answer to a getstream handshake. Immutable
// after construction.
type PlaybackSession struct {
	PlaybackURL string
	StatURL     string
	CommandURL  string
	SessionID   string
}

// The engine wraps its payload in a response envelope; the error field is
// set instead of an HTTP error status for engine-level refusals.
type middlewareEnvelope struct {
	Response struct {
		PlaybackURL       string `json:"playback_url"`
		StatURL           string `json:"stat_url"`
		CommandURL        string `json:"command_url"`
		PlaybackSessionID string `json:"playback_session_id"`
	} `json:"response"`
	Error string `json:"error"`
}

// StartSession negotiates a playback session for the content id with the
// engine. Each handshake uses a fresh uuid pid so concurrent sessions on the
// same engine never collide.
func StartSession(
	ctx context.Context,
	httpClient utils.HTTPClient,
	eng *engine.Descriptor,
	cid string,
	connectTimeout time.Duration,
	log logger.Logger,
) (*PlaybackSession, error) {
	handshakeCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	endpoint := fmt.Sprintf("http://%s/ace/getstream", eng.Addr())
	req, err := http.NewRequestWithContext(handshakeCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	pid := uuid.NewString()
	query := req.URL.Query()
	query.Set("id", cid)
	query.Set("format", "json")
	query.Set("pid", pid)
	req.URL.RawQuery = query.Encode()
	req.Header.Set("User-Agent", utils.GetEnv("USER_AGENT"))

	log.Debugf("Engine handshake for %s on %s (pid %s)", cid, eng.ID, pid)

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return nil, &RejectedError{StatusCode: resp.StatusCode}
	}

	var envelope middlewareEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decoding engine handshake: %w", err)
	}
	if envelope.Error != "" {
		return nil, &RejectedError{StatusCode: resp.StatusCode, Reason: envelope.Error}
	}
	if envelope.Response.PlaybackURL == "" {
		return nil, &RejectedError{StatusCode: resp.StatusCode, Reason: "handshake returned no playback_url"}
	}

	return &PlaybackSession{
		PlaybackURL: envelope.Response.PlaybackURL,
		StatURL:     envelope.Response.StatURL,
		CommandURL:  envelope.Response.CommandURL,
		SessionID:   envelope.Response.PlaybackSessionID,
	}, nil
}

// Stop tells the engine to tear the session down. Best effort: failures are
// logged at debug level and swallowed.
func (s *PlaybackSession) Stop(httpClient utils.HTTPClient, log logger.Logger) {
	if s.CommandURL == "" {
		return
	}

	commandURL, err := url.Parse(s.CommandURL)
	if err != nil {
		log.Debugf("Unparseable command url: %v", err)
		return
	}
	query := commandURL.Query()
	query.Set("method", "stop")
	query.Set("event", "stop")
	commandURL.RawQuery = query.Encode()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, commandURL.String(), nil)
	if err != nil {
		return
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		log.Debugf("Stop command failed: %v", err)
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
