package stream

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"acestream-mux/config"
	"acestream-mux/logger"
	"acestream-mux/metrics"
	"acestream-mux/proxy"
	"acestream-mux/proxy/buffer"
	"acestream-mux/proxy/client"
	"acestream-mux/proxy/engine"
	"acestream-mux/proxy/reader"
	"acestream-mux/utils"
)

// maxReselections bounds engine retries before the first chunk. Once any
// chunk reached a client the manager never reselects; the stream ends and
// clients observe EOF, keeping their output monotonic.
const maxReselections = 2

// Reselection waits start here and double per attempt, so a flapping engine
// pool is not hammered with back-to-back handshakes.
const (
	reselectInitialBackoff = 200 * time.Millisecond
	reselectMaxBackoff     = 2 * time.Second
)

var (
	// ErrStreamUnavailable means the stream produced no data in time or ran
	// out of engines before the first chunk.
	ErrStreamUnavailable = errors.New("stream unavailable")
	// ErrManagerStopped rejects subscriptions on a terminal manager.
	ErrManagerStopped = errors.New("stream manager stopped")
)

type State int32

const (
	StateInitializing State = iota
	StateServing
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateServing:
		return "serving"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ReaderFactory opens the chunk source for an engine; tests substitute it.
type ReaderFactory func(
	ctx context.Context,
	cid string,
	eng *engine.Descriptor,
	cfg reader.Config,
	httpClient utils.HTTPClient,
	log logger.Logger,
) (ChunkSource, error)

func defaultReaderFactory(
	ctx context.Context,
	cid string,
	eng *engine.Descriptor,
	cfg reader.Config,
	httpClient utils.HTTPClient,
	log logger.Logger,
) (ChunkSource, error) {
	return reader.Open(ctx, cid, eng, cfg, httpClient, log)
}

// Manager owns everything for one content id: the resolved engine, the
// upstream reader, the ring buffer, the broadcaster and the client records
// it issued. At most one non-stopped manager exists per content id.
type Manager struct {
	CID string

	settings   *config.Settings
	selector   *engine.Selector
	engines    *engine.Registry
	httpClient utils.HTTPClient
	logger     logger.Logger
	sink       *metrics.Sink
	factory    ReaderFactory

	ring        *buffer.Ring
	clients     *client.Registry
	broadcaster *Broadcaster

	mu               sync.Mutex
	state            State
	eng              *engine.Descriptor
	shutdownDeadline time.Time
	idleSince        time.Time
	stopReason       error

	readerCancel context.CancelFunc
	firstChunk   atomic.Bool
	firstChunkCh chan struct{}
	chunksSeen   atomic.Int64
	startOnce    sync.Once
}

type ManagerOption func(*Manager)

func WithLogger(log logger.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = log
	}
}

func WithMetrics(sink *metrics.Sink) ManagerOption {
	return func(m *Manager) {
		m.sink = sink
	}
}

func WithHTTPClient(httpClient utils.HTTPClient) ManagerOption {
	return func(m *Manager) {
		m.httpClient = httpClient
	}
}

func WithReaderFactory(factory ReaderFactory) ManagerOption {
	return func(m *Manager) {
		m.factory = factory
	}
}

func NewManager(
	cid string,
	settings *config.Settings,
	selector *engine.Selector,
	engines *engine.Registry,
	opts ...ManagerOption,
) *Manager {
	m := &Manager{
		CID:          cid,
		settings:     settings,
		selector:     selector,
		engines:      engines,
		logger:       logger.Default,
		sink:         metrics.Default,
		factory:      defaultReaderFactory,
		state:        StateInitializing,
		firstChunkCh: make(chan struct{}),
		idleSince:    time.Now(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.httpClient == nil {
		m.httpClient = utils.NewEngineHTTPClient(settings.ConnectionTimeout)
	}

	m.ring = buffer.NewRing(settings.BufferMaxChunks, settings.BufferTTL,
		buffer.WithEvictionHook(func(n int) {
			m.sink.BufferEvictions.WithLabelValues(cid).Add(float64(n))
		}))
	m.clients = client.NewRegistry(settings.MaxClientsPerStream)
	m.broadcaster = NewBroadcaster(cid, m.ring, m.clients, m.logger, m.sink,
		m.noteChunk, m.dropSlowClient)
	return m
}

// Start resolves the first engine and launches the reader and broadcaster.
// It fails synchronously with ErrNoEngineAvailable so admission can answer
// 503 before any background state exists. Idempotent after first success.
func (m *Manager) Start() error {
	var startErr error
	m.startOnce.Do(func() {
		eng, err := m.selector.Select(m.CID, nil)
		if err != nil {
			m.mu.Lock()
			m.state = StateStopped
			m.stopReason = err
			m.mu.Unlock()
			startErr = err
			return
		}

		ctx, cancel := context.WithCancel(context.Background())

		m.mu.Lock()
		m.eng = eng
		m.readerCancel = cancel
		m.mu.Unlock()

		m.engines.Acquire(eng.ID)
		m.sink.StreamsActive.Inc()

		go m.run(ctx, eng)
		go m.watchInitialData(ctx)
	})
	return startErr
}

// run drives the reader/broadcaster loop, reselecting engines on transient
// pre-first-chunk failures.
func (m *Manager) run(ctx context.Context, eng *engine.Descriptor) {
	readerCfg := reader.Config{
		ChunkSize:      m.settings.ChunkSize,
		ConnectTimeout: m.settings.ConnectionTimeout,
		CheckInterval:  m.settings.NoDataCheckInterval,
		MaxStallChecks: m.settings.NoDataTimeoutChecks,
	}

	excluded := []string{eng.ID}
	reselections := 0
	backoff := proxy.NewBackoffStrategy(reselectInitialBackoff, reselectMaxBackoff)

	var terminal error
	for {
		src, err := m.factory(ctx, m.CID, eng, readerCfg, m.httpClient, m.logger)
		if err == nil {
			err = m.broadcaster.Run(ctx, src)
			src.Close(reasonText(err))
		}

		if errors.Is(err, io.EOF) {
			m.logger.Logf("Upstream ended cleanly for %s", m.CID)
			m.sink.UpstreamErrors.WithLabelValues("closed").Inc()
			terminal = nil
			break
		}
		if ctx.Err() != nil || errors.Is(err, reader.ErrReaderCanceled) || errors.Is(err, buffer.ErrClosed) {
			terminal = m.currentStopReason()
			break
		}

		m.sink.UpstreamErrors.WithLabelValues(errorKind(err)).Inc()

		if !m.firstChunk.Load() && isTransient(err) && reselections < maxReselections {
			reselections++
			m.logger.Warnf("Engine %s failed for %s before first chunk (%v); reselecting (%d/%d)",
				eng.ID, m.CID, err, reselections, maxReselections)

			next, serr := m.selector.Select(m.CID, excluded)
			if serr != nil {
				terminal = ErrStreamUnavailable
				break
			}

			backoff.Sleep(ctx)
			if ctx.Err() != nil {
				terminal = m.currentStopReason()
				break
			}

			m.mu.Lock()
			if m.state == StateStopped {
				m.mu.Unlock()
				return
			}
			m.engines.Release(eng.ID)
			m.engines.Acquire(next.ID)
			m.eng = next
			m.mu.Unlock()

			eng = next
			excluded = append(excluded, next.ID)
			continue
		}

		if !m.firstChunk.Load() && isTransient(err) {
			// Reselections exhausted before any byte reached a client.
			terminal = ErrStreamUnavailable
		} else {
			terminal = err
		}
		m.logger.Errorf("Stream %s ended: %v", m.CID, err)
		break
	}

	m.finishReading(terminal)
}

// finishReading closes the ring and moves the manager into draining with an
// immediate deadline; clients drain their queues and observe EOF.
func (m *Manager) finishReading(reason error) {
	m.ring.Close()

	m.mu.Lock()
	if m.state != StateStopped {
		m.state = StateDraining
		m.shutdownDeadline = time.Now()
		if reason != nil && m.stopReason == nil {
			m.stopReason = reason
		}
	}
	m.mu.Unlock()

	// Response tasks drain their queues to the last delivered chunk and
	// then observe the cancel signal as EOF.
	for _, c := range m.clients.ListSnapshot() {
		c.Close()
	}
}

// watchInitialData stops the manager when nothing was appended within the
// initial data wait.
func (m *Manager) watchInitialData(ctx context.Context) {
	timer := time.NewTimer(m.settings.InitialDataWaitTimeout)
	defer timer.Stop()

	select {
	case <-m.firstChunkCh:
	case <-ctx.Done():
	case <-timer.C:
		m.logger.Warnf("No data for %s within %v", m.CID, m.settings.InitialDataWaitTimeout)
		m.sink.InitialDataTimeout.Inc()
		m.Stop(ErrStreamUnavailable)
	}
}

func (m *Manager) noteChunk(*buffer.Chunk) {
	m.chunksSeen.Add(1)
	if m.firstChunk.CompareAndSwap(false, true) {
		close(m.firstChunkCh)
		m.mu.Lock()
		if m.state == StateInitializing {
			m.state = StateServing
		}
		m.mu.Unlock()
	}
}

func (m *Manager) dropSlowClient(c *client.Client) {
	m.Unsubscribe(c.ID)
}

// Subscribe waits for the buffer to hold data, seeds the new client with the
// retained window and registers it for live delivery.
func (m *Manager) Subscribe(ctx context.Context) (*client.Client, error) {
	if err := m.awaitFirstChunk(ctx); err != nil {
		return nil, err
	}

	c := client.New(m.CID, m.settings.BufferMaxChunks)

	// Seed from a buffer snapshot taken outside any registry lock; the
	// broadcaster only sees this client after seeding, so its queue stays
	// single-producer and gapless.
	snapshot := m.ring.Snapshot()
	if len(snapshot) > 0 {
		c.SetNextSequence(snapshot[len(snapshot)-1].Sequence + 1)
		for _, chunk := range snapshot {
			if err := c.Enqueue(chunk, enqueueWait); err != nil {
				c.Close()
				return nil, err
			}
		}
	}

	if err := m.clients.Add(c); err != nil {
		c.Close()
		return nil, err
	}
	if m.ring.Closed() {
		// The stream already ended, so no broadcaster delivery follows: hand
		// over what the window gained after the seed snapshot, then close.
		for _, chunk := range m.ring.Snapshot() {
			if chunk.Sequence < c.NextSequence() {
				continue
			}
			if chunk.Sequence != c.NextSequence() || c.Enqueue(chunk, enqueueWait) != nil {
				break
			}
			c.SetNextSequence(chunk.Sequence + 1)
		}
		c.Close()
	}

	m.mu.Lock()
	m.idleSince = time.Time{}
	if m.state == StateDraining && !m.ring.Closed() {
		// A joiner during the shutdown grace keeps the stream alive.
		m.state = StateServing
		m.shutdownDeadline = time.Time{}
		m.logger.Logf("Draining cancelled for %s by new subscriber", m.CID)
	}
	m.mu.Unlock()

	m.sink.ClientsConnected.WithLabelValues(m.CID).Inc()
	m.logger.Logf("Client %s subscribed to %s (%d connected)", c.ID, m.CID, m.clients.Count())
	return c, nil
}

func (m *Manager) awaitFirstChunk(ctx context.Context) error {
	deadline := time.Now().Add(m.settings.InitialDataWaitTimeout)
	for {
		if m.State() == StateStopped {
			if reason := m.StopReason(); reason != nil {
				return reason
			}
			return ErrManagerStopped
		}
		if m.ring.Len() > 0 {
			return nil
		}
		if m.ring.Closed() {
			// The reader ended before producing anything this client can
			// still read; surface why instead of an instant empty stream.
			if reason := m.StopReason(); reason != nil {
				return reason
			}
			if m.firstChunk.Load() {
				return ErrManagerStopped
			}
			return ErrStreamUnavailable
		}
		if time.Now().After(deadline) {
			return ErrStreamUnavailable
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.settings.InitialDataCheckInterval):
		}
	}
}

// Unsubscribe removes the client; when the last one leaves the manager
// enters draining with the configured shutdown grace.
func (m *Manager) Unsubscribe(clientID string) {
	if m.clients.Remove(clientID) {
		m.sink.ClientsConnected.WithLabelValues(m.CID).Dec()
	}

	if m.clients.Count() == 0 {
		m.mu.Lock()
		m.idleSince = time.Now()
		if m.state == StateServing {
			m.state = StateDraining
			m.shutdownDeadline = time.Now().Add(m.settings.ChannelShutdownDelay)
			m.logger.Logf("Last client left %s; draining in %v", m.CID, m.settings.ChannelShutdownDelay)
		}
		m.mu.Unlock()
	}
}

func (m *Manager) Heartbeat(clientID string) {
	m.clients.Heartbeat(clientID, time.Now())
}

// Stop forces the manager into its terminal state. Idempotent.
func (m *Manager) Stop(reason error) {
	m.mu.Lock()
	if m.state == StateStopped {
		m.mu.Unlock()
		return
	}
	m.state = StateStopped
	if m.stopReason == nil {
		m.stopReason = reason
	}
	cancel := m.readerCancel
	eng := m.eng
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.ring.Close()
	m.clients.CloseAll()
	if eng != nil {
		m.engines.Release(eng.ID)
	}
	m.sink.StreamsActive.Dec()
	m.logger.Logf("Stream %s stopped: %v", m.CID, reason)
}

// Sweep reaps stale clients, applies the buffer TTL and enforces the
// draining deadline and the idle stream timeout. The proxy server calls it
// periodically.
func (m *Manager) Sweep(now time.Time) {
	stale := m.clients.Sweep(now, m.settings.ClientStaleAfter)
	for _, c := range stale {
		m.sink.ClientsConnected.WithLabelValues(m.CID).Dec()
		m.logger.Warnf("Reaped stale client %s on %s", c.ID, m.CID)
	}
	if len(stale) > 0 && m.clients.Count() == 0 {
		m.mu.Lock()
		m.idleSince = now
		if m.state == StateServing {
			m.state = StateDraining
			m.shutdownDeadline = now.Add(m.settings.ChannelShutdownDelay)
		}
		m.mu.Unlock()
	}

	m.ring.SweepExpired(now)

	if m.clients.Count() > 0 {
		return
	}

	m.mu.Lock()
	state := m.state
	deadline := m.shutdownDeadline
	idleSince := m.idleSince
	m.mu.Unlock()

	switch state {
	case StateDraining:
		if !deadline.IsZero() && now.After(deadline) {
			m.Stop(nil)
		}
	case StateServing, StateInitializing:
		if !idleSince.IsZero() && now.Sub(idleSince) > m.settings.StreamTimeout {
			m.Stop(errors.New("idle timeout with no clients"))
		}
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) StopReason() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopReason
}

func (m *Manager) ClientCount() int {
	return m.clients.Count()
}

func (m *Manager) ChunksProduced() int64 {
	return m.chunksSeen.Load()
}

// HeartbeatInterval exposes the snapshot value the response tasks pace
// their heartbeats with.
func (m *Manager) HeartbeatInterval() time.Duration {
	return m.settings.ClientHeartbeatInterval
}

// Engine reports the currently resolved engine id.
func (m *Manager) Engine() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.eng == nil {
		return ""
	}
	return m.eng.ID
}

func (m *Manager) currentStopReason() error {
	if reason := m.StopReason(); reason != nil {
		return reason
	}
	return reader.ErrReaderCanceled
}

func isTransient(err error) bool {
	return errors.Is(err, reader.ErrUpstreamUnreachable) ||
		errors.Is(err, reader.ErrUpstreamStalled)
}

func errorKind(err error) string {
	var rejected *reader.RejectedError
	switch {
	case errors.Is(err, reader.ErrUpstreamUnreachable):
		return "unreachable"
	case errors.Is(err, reader.ErrUpstreamStalled):
		return "stalled"
	case errors.As(err, &rejected):
		return "rejected"
	default:
		return "other"
	}
}

func reasonText(err error) string {
	if err == nil {
		return "done"
	}
	return err.Error()
}
