package engine

import (
	"errors"
	"sort"

	"acestream-mux/logger"
	"acestream-mux/metrics"
)

// ErrNoEngineAvailable means no usable engine remains after filtering.
var ErrNoEngineAvailable = errors.New("no engine available")

// Provisioner is the collaborator that can bring up additional engines. The
// selector only signals; it never provisions.
type Provisioner interface {
	RequestEngine(cid string)
}

type Selector struct {
	registry    *Registry
	maxStreams  int
	provisioner Provisioner
	logger      logger.Logger
	sink        *metrics.Sink
}

type SelectorOption func(*Selector)

func WithSelectorLogger(log logger.Logger) SelectorOption {
	return func(s *Selector) {
		s.logger = log
	}
}

func WithProvisioner(p Provisioner) SelectorOption {
	return func(s *Selector) {
		s.provisioner = p
	}
}

func WithMetrics(sink *metrics.Sink) SelectorOption {
	return func(s *Selector) {
		s.sink = sink
	}
}

func NewSelector(registry *Registry, maxStreams int, opts ...SelectorOption) *Selector {
	selector := &Selector{
		registry:   registry,
		maxStreams: maxStreams,
		logger:     logger.Default,
		sink:       metrics.Default,
	}
	for _, opt := range opts {
		opt(selector)
	}
	return selector
}

// Select picks an engine for the content id. Engines whose id appears in
// exclude are skipped for this attempt (used during reselection after a
// transient failure).
func (s *Selector) Select(cid string, exclude []string) (*Descriptor, error) {
	engines, err := s.registry.List()
	if err != nil {
		return nil, err
	}

	excluded := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}

	candidates := make([]Descriptor, 0, len(engines))
	saturated := 0
	for _, e := range engines {
		if excluded[e.ID] || !e.Usable() {
			continue
		}
		if e.ActiveStreams >= s.maxStreams {
			saturated++
			continue
		}
		candidates = append(candidates, e)
	}

	if len(candidates) == 0 {
		s.logger.Warnf("No engine available for %s (%d listed, %d saturated)",
			cid, len(engines), saturated)
		return nil, ErrNoEngineAvailable
	}

	// Forwarded engines win; within a class the least-loaded engine wins,
	// with stable id ordering as the tiebreak.
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Forwarded != b.Forwarded {
			return a.Forwarded
		}
		if a.ActiveStreams != b.ActiveStreams {
			return a.ActiveStreams < b.ActiveStreams
		}
		return a.ID < b.ID
	})

	best := candidates[0]
	if best.ActiveStreams >= s.maxStreams-1 && !s.hasForwardedAlternative(candidates, best.ID) {
		s.logger.Logf("Engine pool nearly saturated; signalling provisioning for %s", cid)
		if s.provisioner != nil {
			s.provisioner.RequestEngine(cid)
		}
	}

	s.logger.Debugf("Selected engine %s (%s) for %s: %d active, forwarded=%t",
		best.ID, best.Addr(), cid, best.ActiveStreams, best.Forwarded)
	s.sink.EngineSelections.WithLabelValues(best.ID).Inc()
	return &best, nil
}

func (s *Selector) hasForwardedAlternative(candidates []Descriptor, bestID string) bool {
	for _, c := range candidates {
		if c.ID != bestID && c.Forwarded && c.ActiveStreams < s.maxStreams-1 {
			return true
		}
	}
	return false
}
