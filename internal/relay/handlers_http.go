package relay

import (
	"encoding/json"
	"net/http"
)

type livenessResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

type readinessResponse struct {
	Status  string            `json:"status"`
	Checks  map[string]string `json:"checks"`
	Clients int64             `json:"clients"`
}

// handleLiveness reports process liveness. Always 200 while the process can
// serve requests; upstream health is the readiness probe's business.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(livenessResponse{
		Status:  "ok",
		Service: s.config.ServiceName,
	})
}

// handleReadiness reports whether the relay can do useful work: the bus
// connection must be up. Degraded readiness still reports the client count
// so operators can see what a restart would shed.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	resp := readinessResponse{
		Status:  "ok",
		Checks:  map[string]string{"bus": "ok"},
		Clients: s.ClientCount(),
	}

	code := http.StatusOK
	if !s.busConn.Connected() {
		resp.Status = "degraded"
		resp.Checks["bus"] = "error"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}
