package engine

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"acestream-mux/metrics"
)

type recordingProvisioner struct {
	requests []string
}

func (p *recordingProvisioner) RequestEngine(cid string) {
	p.requests = append(p.requests, cid)
}

func newTestRegistry(t *testing.T, descriptors []Descriptor) *Registry {
	t.Helper()
	registry, err := NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry error: %v", err)
	}
	if err := registry.Replace(descriptors); err != nil {
		t.Fatalf("Replace error: %v", err)
	}
	return registry
}

func testSink() *metrics.Sink {
	return metrics.NewSink(prometheus.NewRegistry())
}

func TestSelector_Policy(t *testing.T) {
	tests := []struct {
		name    string
		engines []Descriptor
		exclude []string
		wantID  string
		wantErr error
	}{
		{
			name:    "no engines at all",
			engines: nil,
			wantErr: ErrNoEngineAvailable,
		},
		{
			name: "unhealthy engines are excluded",
			engines: []Descriptor{
				{ID: "a", Health: HealthUnhealthy},
				{ID: "b", Health: HealthHealthy},
			},
			wantID: "b",
		},
		{
			name: "saturated engines are excluded",
			engines: []Descriptor{
				{ID: "a", Health: HealthHealthy, ActiveStreams: 3},
				{ID: "b", Health: HealthHealthy, ActiveStreams: 1},
			},
			wantID: "b",
		},
		{
			name: "forwarded beats lower load",
			engines: []Descriptor{
				{ID: "a", Health: HealthHealthy, ActiveStreams: 0},
				{ID: "b", Health: HealthHealthy, ActiveStreams: 2, Forwarded: true},
			},
			wantID: "b",
		},
		{
			name: "least loaded within forwarded class",
			engines: []Descriptor{
				{ID: "a", Health: HealthHealthy, ActiveStreams: 2, Forwarded: true},
				{ID: "b", Health: HealthHealthy, ActiveStreams: 1, Forwarded: true},
			},
			wantID: "b",
		},
		{
			name: "stable id ordering breaks ties",
			engines: []Descriptor{
				{ID: "zeta", Health: HealthHealthy, ActiveStreams: 1},
				{ID: "alpha", Health: HealthHealthy, ActiveStreams: 1},
			},
			wantID: "alpha",
		},
		{
			name: "degraded engines remain selectable",
			engines: []Descriptor{
				{ID: "a", Health: HealthDegraded},
			},
			wantID: "a",
		},
		{
			name: "excluded engine is skipped for this attempt",
			engines: []Descriptor{
				{ID: "a", Health: HealthHealthy},
				{ID: "b", Health: HealthHealthy, ActiveStreams: 2},
			},
			exclude: []string{"a"},
			wantID:  "b",
		},
		{
			name: "all excluded",
			engines: []Descriptor{
				{ID: "a", Health: HealthHealthy},
			},
			exclude: []string{"a"},
			wantErr: ErrNoEngineAvailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := newTestRegistry(t, tt.engines)
			selector := NewSelector(registry, 3, WithMetrics(testSink()))

			got, err := selector.Select("cid-1", tt.exclude)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Select error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Select error: %v", err)
			}
			if got.ID != tt.wantID {
				t.Fatalf("Select = %s, want %s", got.ID, tt.wantID)
			}
		})
	}
}

func TestSelector_ProvisioningSignal(t *testing.T) {
	tests := []struct {
		name        string
		engines     []Descriptor
		wantRequest bool
	}{
		{
			name: "near saturation with no forwarded alternative",
			engines: []Descriptor{
				{ID: "a", Health: HealthHealthy, ActiveStreams: 2},
			},
			wantRequest: true,
		},
		{
			name: "forwarded alternative with headroom",
			engines: []Descriptor{
				{ID: "a", Health: HealthHealthy, ActiveStreams: 2, Forwarded: true},
				{ID: "b", Health: HealthHealthy, ActiveStreams: 0, Forwarded: true},
			},
			wantRequest: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := newTestRegistry(t, tt.engines)
			provisioner := &recordingProvisioner{}
			selector := NewSelector(registry, 3,
				WithProvisioner(provisioner), WithMetrics(testSink()))

			if _, err := selector.Select("cid-1", nil); err != nil {
				t.Fatalf("Select error: %v", err)
			}
			if got := len(provisioner.requests) > 0; got != tt.wantRequest {
				t.Fatalf("provisioning requested = %t, want %t", got, tt.wantRequest)
			}
		})
	}
}

func TestSelector_LocalStreamsCountAgainstCapacity(t *testing.T) {
	registry := newTestRegistry(t, []Descriptor{
		{ID: "a", Health: HealthHealthy, ActiveStreams: 2},
		{ID: "b", Health: HealthHealthy, ActiveStreams: 2},
	})
	registry.Acquire("a")

	selector := NewSelector(registry, 3, WithMetrics(testSink()))

	// "a" reaches the cap once the local stream is folded in.
	got, err := selector.Select("cid-1", nil)
	if err != nil {
		t.Fatalf("Select error: %v", err)
	}
	if got.ID != "b" {
		t.Fatalf("Select = %s, want b", got.ID)
	}
}
