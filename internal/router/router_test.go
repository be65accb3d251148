package router

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/psds-microservice/helpy/paths"

	"github.com/psds-microservice/appeal-service/internal/handler"
)

type fakeStore struct{ healthy bool }

func (f *fakeStore) Healthy() bool { return f.healthy }

func (f *fakeStore) State() string {
	if f.healthy {
		return "closed"
	}
	return "open"
}

func init() {
	gin.SetMode(gin.TestMode)
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthAndReady(t *testing.T) {
	store := &fakeStore{healthy: true}
	h := New(handler.NewHealthHandler("appeal-service", store))

	rec := get(t, h, paths.PathHealth)
	if rec.Code != http.StatusOK {
		t.Fatalf("health: %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["service"] != "appeal-service" {
		t.Fatalf("health body: %s", rec.Body.String())
	}

	if rec := get(t, h, paths.PathReady); rec.Code != http.StatusOK {
		t.Fatalf("ready: %d", rec.Code)
	}
	store.healthy = false
	rec = get(t, h, paths.PathReady)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready with open breaker: %d", rec.Code)
	}
	// Liveness does not depend on the store.
	if rec := get(t, h, paths.PathHealth); rec.Code != http.StatusOK {
		t.Fatalf("health with open breaker: %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := New(handler.NewHealthHandler("appeal-service", &fakeStore{healthy: true}))
	if rec := get(t, h, PathMetrics); rec.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rec.Code)
	}
}
