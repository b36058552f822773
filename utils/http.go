package utils

import (
	"net/http"
	"time"
)

// HTTPClient is the interface the engine-facing code depends on so tests can
// substitute a fake transport.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// NewEngineHTTPClient builds the client used to talk to AceStream engines.
// Compression stays disabled on the transport: the MPEG-TS body is dense
// binary and intermediaries negotiating gzip have been observed to stall it.
func NewEngineHTTPClient(connectTimeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DisableCompression:    true,
			MaxIdleConns:          10,
			MaxConnsPerHost:       10,
			IdleConnTimeout:       30 * time.Second,
			ResponseHeaderTimeout: connectTimeout,
			ExpectContinueTimeout: 1 * time.Second,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			req.Header.Set("User-Agent", GetEnv("USER_AGENT"))
			return nil
		},
	}
}
