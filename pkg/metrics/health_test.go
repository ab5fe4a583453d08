package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type report struct {
	name    string
	healthy bool
	message string
}

func TestHealthTableHealth(t *testing.T) {
	tests := []struct {
		name       string
		reports    []report
		wantStatus string
		wantCode   int
		wantComps  map[string]string
	}{
		{
			name:       "empty table is healthy",
			wantStatus: "healthy",
			wantCode:   http.StatusOK,
			wantComps:  map[string]string{},
		},
		{
			name:       "all healthy",
			reports:    []report{{"listener", true, ""}, {"pool", true, ""}},
			wantStatus: "healthy",
			wantCode:   http.StatusOK,
			wantComps:  map[string]string{"listener": "healthy", "pool": "healthy"},
		},
		{
			name:       "one unhealthy",
			reports:    []report{{"listener", true, ""}, {"pool", false, "no live stream worker"}},
			wantStatus: "unhealthy",
			wantCode:   http.StatusServiceUnavailable,
			wantComps:  map[string]string{"listener": "healthy", "pool": "unhealthy: no live stream worker"},
		},
		{
			name:       "last report wins",
			reports:    []report{{"resolve", false, "starting"}, {"resolve", true, ""}},
			wantStatus: "healthy",
			wantCode:   http.StatusOK,
			wantComps:  map[string]string{"resolve": "healthy"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table := NewHealthTable("1.2.3", "pool")
			for _, r := range tt.reports {
				table.Update(r.name, r.healthy, r.message)
			}

			st := table.Health()
			assert.Equal(t, tt.wantStatus, st.Status)
			assert.Equal(t, tt.wantComps, st.Components)
			assert.Equal(t, "1.2.3", st.Version)

			w := httptest.NewRecorder()
			table.HealthHandler()(w, httptest.NewRequest(http.MethodGet, "/health", nil))
			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

			var body HealthStatus
			require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
			assert.Equal(t, tt.wantStatus, body.Status)
		})
	}
}

func TestHealthTableReadiness(t *testing.T) {
	tests := []struct {
		name       string
		critical   []string
		reports    []report
		wantStatus string
		wantComps  map[string]string
	}{
		{
			name:       "no critical components",
			reports:    []report{{"pool", false, "starting"}},
			wantStatus: "ready",
			wantComps:  map[string]string{},
		},
		{
			name:       "critical not registered",
			critical:   []string{"listener", "pool"},
			reports:    []report{{"listener", true, ""}},
			wantStatus: "not_ready",
			wantComps:  map[string]string{"listener": "ready", "pool": "not registered"},
		},
		{
			name:       "critical unhealthy",
			critical:   []string{"listener", "resolve"},
			reports:    []report{{"listener", true, ""}, {"resolve", false, "resolve worker not running"}},
			wantStatus: "not_ready",
			wantComps:  map[string]string{"listener": "ready", "resolve": "not ready: resolve worker not running"},
		},
		{
			name:       "non-critical failure does not block readiness",
			critical:   []string{"listener"},
			reports:    []report{{"listener", true, ""}, {"ident", false, "ident worker not running"}},
			wantStatus: "ready",
			wantComps:  map[string]string{"listener": "ready"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table := NewHealthTable("", tt.critical...)
			for _, r := range tt.reports {
				table.Update(r.name, r.healthy, r.message)
			}

			st := table.Readiness()
			assert.Equal(t, tt.wantStatus, st.Status)
			assert.Equal(t, tt.wantComps, st.Components)
			if tt.wantStatus == "ready" {
				assert.Empty(t, st.Message)
			} else {
				assert.Contains(t, st.Message, "waiting for ")
			}

			want := http.StatusOK
			if tt.wantStatus != "ready" {
				want = http.StatusServiceUnavailable
			}
			w := httptest.NewRecorder()
			table.ReadyHandler()(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
			assert.Equal(t, want, w.Code)
		})
	}
}

func TestHealthTablesAreIndependent(t *testing.T) {
	a := NewHealthTable("a", "pool")
	b := NewHealthTable("b", "pool")

	a.Update("pool", true, "")
	assert.Equal(t, "ready", a.Readiness().Status)
	assert.Equal(t, "not_ready", b.Readiness().Status)

	_, ok := b.Component("pool")
	assert.False(t, ok)
	assert.Equal(t, []string{"pool"}, b.Critical())
}

func TestLivenessHandler(t *testing.T) {
	table := NewHealthTable("", "pool")
	table.Update("pool", false, "down")

	w := httptest.NewRecorder()
	table.LivenessHandler()(w, httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "alive", body["status"])
	assert.NotEmpty(t, body["uptime"])
}
