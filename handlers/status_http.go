package handlers

import (
	"encoding/json"
	"net/http"

	"acestream-mux/proxy/stream"
)

type streamStatus struct {
	CID      string `json:"cid"`
	State    string `json:"state"`
	Clients  int    `json:"clients"`
	Chunks   int64  `json:"chunks_produced"`
	EngineID string `json:"engine_id,omitempty"`
}

// StatusHandler answers GET /status with a snapshot of the live managers.
type StatusHandler struct {
	server *ProxyServer
}

func NewStatusHandler(server *ProxyServer) *StatusHandler {
	return &StatusHandler{server: server}
}

func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	streams := make([]streamStatus, 0)
	h.server.RangeManagers(func(cid string, m *stream.Manager) bool {
		streams = append(streams, streamStatus{
			CID:      cid,
			State:    m.State().String(),
			Clients:  m.ClientCount(),
			Chunks:   m.ChunksProduced(),
			EngineID: m.Engine(),
		})
		return true
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"streams": streams})
}
