package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthResponse is the /health payload
type HealthResponse struct {
	Status    string  `json:"status"`
	Instances []Stats `json:"instances"`
}

// HealthHandler reports whether every instance is listening, with its
// session counts. It answers 503 when any instance is down.
func HealthHandler(servers []*Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{Status: "ok", Instances: make([]Stats, 0, len(servers))}
		code := http.StatusOK
		for _, srv := range servers {
			select {
			case <-srv.shutdown:
				resp.Status = "unavailable"
				code = http.StatusServiceUnavailable
			default:
				if srv.Addr() == nil {
					resp.Status = "unavailable"
					code = http.StatusServiceUnavailable
				}
			}
			resp.Instances = append(resp.Instances, srv.Stats())
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(resp)
	}
}

// NewMonitorServer builds the internal HTTP server exposing /metrics and
// /health. It is meant for a private interface only.
func NewMonitorServer(addr string, gatherer prometheus.Gatherer, servers []*Server) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", HealthHandler(servers))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
