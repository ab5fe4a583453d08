package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// HealthStatus is the body of /health and /ready.
type HealthStatus struct {
	Status     string            `json:"status"` // healthy, unhealthy, ready, not_ready
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

// ComponentHealth is the last report for one component.
type ComponentHealth struct {
	Healthy bool
	Message string
	Updated time.Time
}

// HealthTable holds component health for one server. The critical set is
// fixed at construction: the server is ready once every critical
// component has reported healthy.
type HealthTable struct {
	version  string
	started  time.Time
	critical []string

	mu         sync.RWMutex
	components map[string]ComponentHealth
}

// NewHealthTable creates an empty table.
func NewHealthTable(version string, critical ...string) *HealthTable {
	critical = append([]string(nil), critical...)
	sort.Strings(critical)
	return &HealthTable{
		version:    version,
		started:    time.Now(),
		critical:   critical,
		components: make(map[string]ComponentHealth),
	}
}

// Update records a report for name. Its signature matches
// health.ReportFunc.
func (t *HealthTable) Update(name string, healthy bool, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.components[name] = ComponentHealth{Healthy: healthy, Message: message, Updated: time.Now()}
}

// Component returns the last report for name.
func (t *HealthTable) Component(name string) (ComponentHealth, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.components[name]
	return c, ok
}

// Critical returns the components readiness waits for.
func (t *HealthTable) Critical() []string {
	return append([]string(nil), t.critical...)
}

// Health is unhealthy as soon as any reported component is.
func (t *HealthTable) Health() HealthStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	st := t.status("healthy")
	for name, c := range t.components {
		if c.Healthy {
			st.Components[name] = "healthy"
			continue
		}
		st.Status = "unhealthy"
		st.Components[name] = "unhealthy: " + c.Message
	}
	return st
}

// Readiness looks at the critical components only. A critical component
// that never reported keeps the server not ready.
func (t *HealthTable) Readiness() HealthStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	st := t.status("ready")
	for _, name := range t.critical {
		c, ok := t.components[name]
		switch {
		case !ok:
			st.Components[name] = "not registered"
		case !c.Healthy:
			st.Components[name] = "not ready: " + c.Message
		default:
			st.Components[name] = "ready"
			continue
		}
		if st.Status == "ready" {
			st.Status = "not_ready"
			st.Message = "waiting for " + name
		}
	}
	return st
}

func (t *HealthTable) status(initial string) HealthStatus {
	return HealthStatus{
		Status:     initial,
		Timestamp:  time.Now(),
		Components: make(map[string]string),
		Version:    t.version,
		Uptime:     time.Since(t.started).String(),
	}
}

// HealthHandler serves Health, with 503 when unhealthy.
func (t *HealthTable) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := t.Health()
		writeStatus(w, st, st.Status == "healthy")
	}
}

// ReadyHandler serves Readiness, with 503 until ready.
func (t *HealthTable) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := t.Readiness()
		writeStatus(w, st, st.Status == "ready")
	}
}

// LivenessHandler answers 200 for as long as the process serves HTTP.
func (t *HealthTable) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, map[string]string{
			"status": "alive",
			"uptime": time.Since(t.started).String(),
		}, true)
	}
}

func writeStatus(w http.ResponseWriter, body interface{}, ok bool) {
	w.Header().Set("Content-Type", "application/json")
	if ok {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(body)
}
