package engine

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/hashicorp/go-memdb"
	"github.com/robfig/cron/v3"

	"acestream-mux/logger"
)

const enginesTable = "engines"

// Registry caches engine descriptors in an in-memory database and keeps a
// local tally of streams this process has placed on each engine. Descriptors
// come from an orchestrator listing or a static seed; the registry itself
// never creates or destroys engines.
type Registry struct {
	db     *memdb.MemDB
	logger logger.Logger

	countMu sync.Mutex
	counts  map[string]int

	httpClient      HTTPClient
	orchestratorURL string
	cron            *cron.Cron
}

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type RegistryOption func(*Registry)

func WithLogger(log logger.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = log
	}
}

func WithHTTPClient(client HTTPClient) RegistryOption {
	return func(r *Registry) {
		r.httpClient = client
	}
}

func WithOrchestrator(url string) RegistryOption {
	return func(r *Registry) {
		r.orchestratorURL = url
	}
}

func NewRegistry(opts ...RegistryOption) (*Registry, error) {
	schema := &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			enginesTable: {
				Name: enginesTable,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
				},
			},
		},
	}

	db, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, err
	}

	registry := &Registry{
		db:         db,
		logger:     logger.Default,
		counts:     make(map[string]int),
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(registry)
	}
	return registry, nil
}

// Replace swaps the cached descriptor set for the given one.
func (r *Registry) Replace(descriptors []Descriptor) error {
	txn := r.db.Txn(true)
	if _, err := txn.DeleteAll(enginesTable, "id_prefix", ""); err != nil {
		txn.Abort()
		return err
	}
	for i := range descriptors {
		d := descriptors[i]
		if err := txn.Insert(enginesTable, &d); err != nil {
			txn.Abort()
			return err
		}
	}
	txn.Commit()
	return nil
}

// List returns descriptor copies with this process's in-flight streams folded
// into ActiveStreams.
func (r *Registry) List() ([]Descriptor, error) {
	txn := r.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(enginesTable, "id")
	if err != nil {
		return nil, err
	}

	r.countMu.Lock()
	defer r.countMu.Unlock()

	var out []Descriptor
	for raw := it.Next(); raw != nil; raw = it.Next() {
		d := *raw.(*Descriptor)
		d.ActiveStreams += r.counts[d.ID]
		out = append(out, d)
	}
	return out, nil
}

// Acquire records that this process placed a stream on the engine.
func (r *Registry) Acquire(engineID string) {
	r.countMu.Lock()
	defer r.countMu.Unlock()
	r.counts[engineID]++
}

// Release undoes a prior Acquire. Releasing below zero is a no-op.
func (r *Registry) Release(engineID string) {
	r.countMu.Lock()
	defer r.countMu.Unlock()
	if r.counts[engineID] > 0 {
		r.counts[engineID]--
	}
}

func (r *Registry) LocalStreams(engineID string) int {
	r.countMu.Lock()
	defer r.countMu.Unlock()
	return r.counts[engineID]
}

// Refresh pulls the current engine listing from the orchestrator. Without an
// orchestrator URL the cached (seeded) set stays as-is.
func (r *Registry) Refresh() error {
	if r.orchestratorURL == "" {
		return nil
	}

	req, err := http.NewRequest(http.MethodGet, r.orchestratorURL+"/engines", nil)
	if err != nil {
		return err
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetching engine listing: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("engine listing returned status %d", resp.StatusCode)
	}

	var descriptors []Descriptor
	if err := json.NewDecoder(resp.Body).Decode(&descriptors); err != nil {
		return fmt.Errorf("decoding engine listing: %w", err)
	}

	return r.Replace(descriptors)
}

// StartRefresh schedules periodic Refresh calls until StopRefresh.
func (r *Registry) StartRefresh(spec string) error {
	if r.orchestratorURL == "" {
		return nil
	}

	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		if err := r.Refresh(); err != nil {
			r.logger.Errorf("Engine registry refresh failed: %v", err)
		}
	})
	if err != nil {
		return err
	}

	c.Start()
	r.cron = c

	if err := r.Refresh(); err != nil {
		r.logger.Warnf("Initial engine registry refresh failed: %v", err)
	}
	return nil
}

func (r *Registry) StopRefresh() {
	if r.cron != nil {
		r.cron.Stop()
	}
}
