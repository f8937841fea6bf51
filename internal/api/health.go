package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/medscribe/scribe-engine/internal/database"
	"github.com/medscribe/scribe-engine/internal/stt"
)

type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks"`
}

type HealthHandler struct {
	db        *database.DB
	failover  *stt.Failover
	version   string
	startTime time.Time
}

func NewHealthHandler(db *database.DB, failover *stt.Failover, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{
		db:        db,
		failover:  failover,
		version:   version,
		startTime: startTime,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.HealthCheck(r.Context()); err != nil {
		checks["database"] = "error"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	// Per-provider health from the failover manager
	if h.failover != nil {
		configured := 0
		for _, p := range h.failover.Providers() {
			name := "stt_" + p.Name()
			switch {
			case !p.Configured():
				checks[name] = "not_configured"
			case h.failover.Skipped(p.Name()):
				checks[name] = "benched"
			default:
				checks[name] = "ok"
				configured++
			}
		}
		if configured == 0 && status == "healthy" {
			status = "degraded"
		}
	}

	resp := HealthResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Checks:        checks,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(resp)
}
