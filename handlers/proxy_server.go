package handlers

import (
	"errors"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"acestream-mux/config"
	"acestream-mux/logger"
	"acestream-mux/metrics"
	"acestream-mux/proxy/engine"
	"acestream-mux/proxy/stream"
	"acestream-mux/store"
	"acestream-mux/utils"
)

// ProxyServer is the process-wide owner of the CID→manager map. Manager
// creation is single-flight per CID; the periodic sweeper reaps stale
// clients, drained managers and stopped map entries.
type ProxyServer struct {
	settings *config.Store
	engines  *engine.Registry
	loop     store.LoopDetector
	logger   logger.Logger
	sink     *metrics.Sink

	httpClient    utils.HTTPClient
	readerFactory stream.ReaderFactory

	managers *xsync.MapOf[string, *stream.Manager]
	done     chan struct{}
}

type ProxyServerOption func(*ProxyServer)

func WithLogger(log logger.Logger) ProxyServerOption {
	return func(s *ProxyServer) {
		s.logger = log
	}
}

func WithMetrics(sink *metrics.Sink) ProxyServerOption {
	return func(s *ProxyServer) {
		s.sink = sink
	}
}

func WithLoopDetector(detector store.LoopDetector) ProxyServerOption {
	return func(s *ProxyServer) {
		s.loop = detector
	}
}

func WithHTTPClient(client utils.HTTPClient) ProxyServerOption {
	return func(s *ProxyServer) {
		s.httpClient = client
	}
}

func WithReaderFactory(factory stream.ReaderFactory) ProxyServerOption {
	return func(s *ProxyServer) {
		s.readerFactory = factory
	}
}

func NewProxyServer(settings *config.Store, engines *engine.Registry, opts ...ProxyServerOption) *ProxyServer {
	server := &ProxyServer{
		settings: settings,
		engines:  engines,
		logger:   logger.Default,
		sink:     metrics.Default,
		managers: xsync.NewMapOf[string, *stream.Manager](),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(server)
	}
	if server.loop == nil {
		server.loop = store.NewMemoryLoopDetector(store.NewDefaultLoopConfig(), server.logger)
	}
	return server
}

// AcquireManager returns the live manager for the content id, creating and
// starting one when none exists. Stopped leftovers are replaced so a retry
// after a failed stream always gets a fresh manager.
func (s *ProxyServer) AcquireManager(cid string) (*stream.Manager, error) {
	for attempt := 0; attempt < 3; attempt++ {
		m, _ := s.managers.LoadOrCompute(cid, func() *stream.Manager {
			return s.newManager(cid)
		})

		if err := m.Start(); err != nil {
			s.forget(cid, m)
			return nil, err
		}
		if m.State() == stream.StateStopped {
			// A terminal manager still in the map; replace it.
			if reason := m.StopReason(); reason != nil && errors.Is(reason, engine.ErrNoEngineAvailable) {
				s.forget(cid, m)
				return nil, reason
			}
			s.forget(cid, m)
			continue
		}
		return m, nil
	}
	return nil, errors.New("stream manager kept stopping; giving up")
}

func (s *ProxyServer) newManager(cid string) *stream.Manager {
	settings := s.settings.Snapshot()
	selector := engine.NewSelector(s.engines, settings.MaxStreamsPerEngine,
		engine.WithSelectorLogger(s.logger), engine.WithMetrics(s.sink))

	opts := []stream.ManagerOption{
		stream.WithLogger(s.logger),
		stream.WithMetrics(s.sink),
	}
	if s.httpClient != nil {
		opts = append(opts, stream.WithHTTPClient(s.httpClient))
	}
	if s.readerFactory != nil {
		opts = append(opts, stream.WithReaderFactory(s.readerFactory))
	}
	return stream.NewManager(cid, settings, selector, s.engines, opts...)
}

// forget removes the entry only while it still maps to this manager, so a
// racing recreation is never clobbered.
func (s *ProxyServer) forget(cid string, m *stream.Manager) {
	s.managers.Compute(cid, func(current *stream.Manager, loaded bool) (*stream.Manager, bool) {
		if loaded && current == m {
			return nil, true
		}
		return current, !loaded
	})
	s.sink.ForgetStream(cid)
}

// LoopDetector exposes the admission collaborator to the HTTP handlers.
func (s *ProxyServer) LoopDetector() store.LoopDetector {
	return s.loop
}

// ManagerCount reports live map entries (monitoring only).
func (s *ProxyServer) ManagerCount() int {
	return s.managers.Size()
}

// RangeManagers iterates a snapshot of the live managers.
func (s *ProxyServer) RangeManagers(fn func(cid string, m *stream.Manager) bool) {
	s.managers.Range(func(cid string, m *stream.Manager) bool {
		return fn(cid, m)
	})
}

// StartSweeper runs the periodic cleanup loop until Shutdown.
func (s *ProxyServer) StartSweeper() {
	interval := s.settings.Snapshot().ChannelShutdownDelay
	if interval <= 0 {
		interval = 5 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.done:
				return
			case now := <-ticker.C:
				s.sweep(now)
			}
		}
	}()
}

func (s *ProxyServer) sweep(now time.Time) {
	s.managers.Range(func(cid string, m *stream.Manager) bool {
		m.Sweep(now)
		if m.State() == stream.StateStopped {
			s.logger.Debugf("Sweeper removing stopped manager for %s", cid)
			s.forget(cid, m)
		}
		return true
	})
}

// Shutdown stops the sweeper and every live manager.
func (s *ProxyServer) Shutdown() {
	close(s.done)
	s.managers.Range(func(cid string, m *stream.Manager) bool {
		m.Stop(errors.New("server shutting down"))
		s.forget(cid, m)
		return true
	})
}
