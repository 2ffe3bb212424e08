// Package admin exposes operational HTTP endpoints for a client
// instance: liveness, node and health snapshots, key routing lookups,
// and Prometheus metrics.
package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fedkv/redfed"
)

// Server serves the ops endpoints for one client instance.
type Server struct {
	client *redfed.Client
	router *mux.Router
	logger *zap.Logger
}

// Status is the liveness response.
type Status struct {
	Status    string `json:"status"`
	ClientID  string `json:"client_id"`
	Timestamp int64  `json:"timestamp"`
}

// RouteInfo describes where a key would be dispatched.
type RouteInfo struct {
	Key     string `json:"key"`
	Node    string `json:"node"`
	Address string `json:"address"`
	Down    bool   `json:"down"`
}

// New creates an ops server for client.
func New(client *redfed.Client, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		client: client,
		logger: logger,
	}

	r := mux.NewRouter()
	r.HandleFunc("/health/live", s.LivenessHandler).Methods(http.MethodGet)
	r.HandleFunc("/nodes", s.NodesHandler).Methods(http.MethodGet)
	r.HandleFunc("/ring/{key}", s.RingHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(client.MetricsGatherer(), promhttp.HandlerOpts{}))
	s.router = r
	return s
}

// Router returns the HTTP handler for embedding in another server.
func (s *Server) Router() http.Handler {
	return s.router
}

// LivenessHandler handles liveness probe requests.
func (s *Server) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Status{
		Status:    "alive",
		ClientID:  s.client.ID(),
		Timestamp: time.Now().Unix(),
	})
}

// NodesHandler returns the node topology and down-server snapshot.
func (s *Server) NodesHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"nodes":        s.client.Nodes(),
		"down_servers": s.client.DownServers(),
	})
}

// RingHandler resolves which node and address a key routes to.
func (s *Server) RingHandler(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	node := s.client.KeyToNode(key)
	if node == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no node configured"})
		return
	}
	addr := s.client.NodeToHost(node)
	writeJSON(w, http.StatusOK, RouteInfo{
		Key:     key,
		Node:    node,
		Address: addr,
		Down:    s.client.IsServerDown(addr),
	})
}

// Start runs the ops server on port until it fails.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.logger.Info("starting ops server", zap.String("address", addr))

	server := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return server.ListenAndServe()
}

// writeJSON encodes v as the response body.
func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
