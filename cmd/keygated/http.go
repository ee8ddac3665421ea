package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mirkobrombin/go-keygate/v1/broker"
)

type server struct {
	broker *broker.Broker
}

func newHandler(b *broker.Broker, reg *prometheus.Registry) http.Handler {
	s := &server{broker: b}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/locks/acquire", s.handleAcquire)
	mux.HandleFunc("POST /v1/locks/release", s.handleRelease)
	mux.HandleFunc("POST /v1/locks/force-release", s.handleForceRelease)
	mux.HandleFunc("POST /v1/locks/cleanup", s.handleCleanup)
	mux.HandleFunc("GET /v1/locks", s.handleActiveLocks)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}

type acquireRequest struct {
	ServiceName       string            `json:"service_name"`
	ResourceType      string            `json:"resource_type"`
	EstimatedDuration int               `json:"estimated_duration"`
	RequestID         string            `json:"request_id"`
	Context           map[string]string `json:"context,omitempty"`
}

type acquireResponse struct {
	Success    bool               `json:"success"`
	Lock       *broker.LockRecord `json:"lock_info,omitempty"`
	Error      string             `json:"error,omitempty"`
	RetryAfter int                `json:"retry_after,omitempty"`
}

func (s *server) handleAcquire(w http.ResponseWriter, r *http.Request) {
	var req acquireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, acquireResponse{Error: "invalid request body"})
		return
	}
	if req.ServiceName == "" || req.RequestID == "" {
		writeJSON(w, http.StatusBadRequest, acquireResponse{Error: "service_name and request_id are required"})
		return
	}
	if req.ResourceType == "" {
		req.ResourceType = "api"
	}

	rec, err := s.broker.Acquire(r.Context(), req.ServiceName, req.ResourceType,
		time.Duration(req.EstimatedDuration)*time.Second, req.RequestID, req.Context)
	if err != nil {
		resp := acquireResponse{Error: err.Error()}
		status := http.StatusServiceUnavailable
		var aerr *broker.AcquisitionError
		if errors.As(err, &aerr) && errors.Is(err, broker.ErrContended) {
			status = http.StatusConflict
			resp.RetryAfter = int(aerr.RetryAfter.Seconds())
		}
		writeJSON(w, status, resp)
		return
	}
	writeJSON(w, http.StatusOK, acquireResponse{Success: true, Lock: rec})
}

type releaseRequest struct {
	LockID      string         `json:"lock_id"`
	ServiceName string         `json:"service_name"`
	UsageStats  map[string]any `json:"usage_stats,omitempty"`
}

type releaseResponse struct {
	Success bool   `json:"success"`
	LockID  string `json:"lock_id"`
	Error   string `json:"error,omitempty"`
}

func (s *server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.LockID == "" {
		writeJSON(w, http.StatusBadRequest, releaseResponse{Error: "lock_id is required"})
		return
	}
	released, err := s.broker.Release(r.Context(), req.LockID, req.ServiceName, req.UsageStats)
	resp := releaseResponse{Success: released, LockID: req.LockID}
	if err != nil {
		// The local record is gone either way; surface the store failure
		// as advisory.
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

type forceReleaseRequest struct {
	LockID string `json:"lock_id"`
	Reason string `json:"reason"`
}

func (s *server) handleForceRelease(w http.ResponseWriter, r *http.Request) {
	var req forceReleaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.LockID == "" {
		writeJSON(w, http.StatusBadRequest, releaseResponse{Error: "lock_id is required"})
		return
	}
	if req.Reason == "" {
		req.Reason = "manual release"
	}
	released := s.broker.ForceRelease(r.Context(), req.LockID, req.Reason)
	writeJSON(w, http.StatusOK, releaseResponse{Success: released, LockID: req.LockID})
}

func (s *server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	n := s.broker.CleanupExpired()
	writeJSON(w, http.StatusOK, map[string]int{"expired": n})
}

func (s *server) handleActiveLocks(w http.ResponseWriter, r *http.Request) {
	locks := s.broker.ActiveLocks()
	writeJSON(w, http.StatusOK, map[string]any{"locks": locks, "count": len(locks)})
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.broker.Health(r.Context())
	status := http.StatusOK
	if !h.StoreReachable {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("keygate: failed to encode response", "error", err)
	}
}
