package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const probeTimeout = 2 * time.Second

// Probe reports whether a dependency (Postgres, NATS) is reachable.
type Probe func(ctx context.Context) error

// HealthChecker backs /healthz and /readyz. Readiness needs both the
// startup flag and every registered probe to pass.
type HealthChecker struct {
	ready     atomic.Bool
	stage     atomic.Value
	startTime time.Time

	mu     sync.RWMutex
	probes map[string]Probe
}

type healthResponse struct {
	Status string            `json:"status"`
	Stage  string            `json:"stage,omitempty"`
	Uptime string            `json:"uptime,omitempty"`
	Failed map[string]string `json:"failed,omitempty"`
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		startTime: time.Now(),
		probes:    make(map[string]Probe),
	}
}

// SetReady flips readiness once recovery finished, and back on shutdown.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

// SetStage records the startup stage reported while not ready.
func (h *HealthChecker) SetStage(stage string) {
	h.stage.Store(stage)
}

// AddProbe registers a dependency check run on every readiness request.
func (h *HealthChecker) AddProbe(name string, p Probe) {
	h.mu.Lock()
	h.probes[name] = p
	h.mu.Unlock()
}

// Check runs the probes in name order and returns the failures by name.
func (h *HealthChecker) Check(ctx context.Context) (ready bool, failed map[string]string) {
	if !h.ready.Load() {
		return false, nil
	}
	h.mu.RLock()
	names := make([]string, 0, len(h.probes))
	for name := range h.probes {
		names = append(names, name)
	}
	h.mu.RUnlock()
	sort.Strings(names)

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	for _, name := range names {
		h.mu.RLock()
		p := h.probes[name]
		h.mu.RUnlock()
		if err := p(ctx); err != nil {
			if failed == nil {
				failed = make(map[string]string)
			}
			failed[name] = err.Error()
		}
	}
	return failed == nil, failed
}

func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, http.StatusOK, healthResponse{
		Status: "alive",
		Uptime: time.Since(h.startTime).Truncate(time.Second).String(),
	})
}

func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ready, failed := h.Check(r.Context())
	if ready {
		writeHealth(w, http.StatusOK, healthResponse{Status: "ready"})
		return
	}
	stage, _ := h.stage.Load().(string)
	writeHealth(w, http.StatusServiceUnavailable, healthResponse{
		Status: "not_ready",
		Stage:  stage,
		Failed: failed,
	})
}

func writeHealth(w http.ResponseWriter, code int, resp healthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
