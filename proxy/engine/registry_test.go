package engine

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRegistry_ReplaceAndList(t *testing.T) {
	registry, err := NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry error: %v", err)
	}

	if err := registry.Replace([]Descriptor{
		{ID: "b", Host: "10.0.0.2", Port: 6879, Health: HealthHealthy},
		{ID: "a", Host: "10.0.0.1", Port: 6878, Health: HealthDegraded},
	}); err != nil {
		t.Fatalf("Replace error: %v", err)
	}

	engines, err := registry.List()
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(engines) != 2 {
		t.Fatalf("List returned %d engines, want 2", len(engines))
	}

	// A second Replace fully swaps the set.
	if err := registry.Replace([]Descriptor{
		{ID: "c", Host: "10.0.0.3", Port: 6880, Health: HealthHealthy},
	}); err != nil {
		t.Fatalf("second Replace error: %v", err)
	}
	engines, _ = registry.List()
	if len(engines) != 1 || engines[0].ID != "c" {
		t.Fatalf("List after swap = %+v, want only c", engines)
	}
}

func TestRegistry_AcquireReleaseFoldIn(t *testing.T) {
	registry, _ := NewRegistry()
	registry.Replace([]Descriptor{
		{ID: "a", Health: HealthHealthy, ActiveStreams: 1},
	})

	registry.Acquire("a")
	registry.Acquire("a")

	engines, _ := registry.List()
	if engines[0].ActiveStreams != 3 {
		t.Fatalf("ActiveStreams = %d, want reported 1 + local 2", engines[0].ActiveStreams)
	}

	registry.Release("a")
	registry.Release("a")
	registry.Release("a") // floor at zero

	engines, _ = registry.List()
	if engines[0].ActiveStreams != 1 {
		t.Fatalf("ActiveStreams = %d after releases, want 1", engines[0].ActiveStreams)
	}
	if registry.LocalStreams("a") != 0 {
		t.Fatalf("LocalStreams = %d, want 0", registry.LocalStreams("a"))
	}
}

func TestRegistry_RefreshFromOrchestrator(t *testing.T) {
	listing := []Descriptor{
		{ID: "eng-1", Host: "engine-1", Port: 6878, Health: HealthHealthy, Forwarded: true},
		{ID: "eng-2", Host: "engine-2", Port: 6878, Health: HealthUnhealthy},
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/engines" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(listing)
	}))
	defer server.Close()

	registry, err := NewRegistry(WithOrchestrator(server.URL))
	if err != nil {
		t.Fatalf("NewRegistry error: %v", err)
	}

	if err := registry.Refresh(); err != nil {
		t.Fatalf("Refresh error: %v", err)
	}

	engines, _ := registry.List()
	if len(engines) != 2 {
		t.Fatalf("List returned %d engines, want 2", len(engines))
	}
	byID := map[string]Descriptor{}
	for _, e := range engines {
		byID[e.ID] = e
	}
	eng1 := byID["eng-1"]
	if !eng1.Forwarded || eng1.Addr() != "engine-1:6878" {
		t.Fatalf("eng-1 descriptor mismatch: %+v", eng1)
	}
	eng2 := byID["eng-2"]
	if eng2.Usable() {
		t.Fatal("eng-2 should be unusable")
	}
}

func TestRegistry_RefreshErrorKeepsCache(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	registry, _ := NewRegistry(WithOrchestrator(server.URL))
	registry.Replace([]Descriptor{{ID: "cached", Health: HealthHealthy}})

	if err := registry.Refresh(); err == nil {
		t.Fatal("Refresh should fail on a 500 listing")
	}

	engines, _ := registry.List()
	if len(engines) != 1 || engines[0].ID != "cached" {
		t.Fatal("failed refresh must not clobber the cached set")
	}
}

func TestRegistry_RefreshWithoutOrchestrator(t *testing.T) {
	registry, _ := NewRegistry()
	registry.Replace([]Descriptor{{ID: "static", Health: HealthHealthy}})

	if err := registry.Refresh(); err != nil {
		t.Fatalf("Refresh without orchestrator should be a no-op, got %v", err)
	}
	engines, _ := registry.List()
	if len(engines) != 1 {
		t.Fatal("static seed should survive a no-op refresh")
	}
}
