package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouterLiteralMatch(t *testing.T) {
	rt := NewRouter()
	called := false
	rt.Handle(http.MethodGet, "/api/fleet/machines", func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		called = true
		assert.Empty(t, params)
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/fleet/machines", nil))
	assert.True(t, called)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouterParamCapture(t *testing.T) {
	rt := NewRouter()
	var got map[string]string
	rt.Handle(http.MethodPost, "/api/fleet/command/{machine_id}/ack", func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		got = params
	})

	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/fleet/command/M1/ack", nil))
	assert.Equal(t, map[string]string{"machine_id": "M1"}, got)
}

func TestRouterNotFound(t *testing.T) {
	rt := NewRouter()
	rt.Handle(http.MethodGet, "/api/fleet/machines", func(http.ResponseWriter, *http.Request, map[string]string) {})

	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/fleet/nope", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, errNotFound, body["error"])
}

func TestRouterMethodNotAllowed(t *testing.T) {
	rt := NewRouter()
	rt.Handle(http.MethodGet, "/api/fleet/machines", func(http.ResponseWriter, *http.Request, map[string]string) {})

	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/fleet/machines", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, errMethodNotAllowed, body["error"])
}

func TestRouterEmptyParamSegmentDoesNotMatch(t *testing.T) {
	rt := NewRouter()
	rt.Handle(http.MethodGet, "/api/fleet/machine/{id}", func(http.ResponseWriter, *http.Request, map[string]string) {})

	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/fleet/machine/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouterSameMethodDistinctPatterns(t *testing.T) {
	rt := NewRouter()
	var hit string
	rt.Handle(http.MethodGet, "/api/fleet/cluster/status", func(http.ResponseWriter, *http.Request, map[string]string) {
		hit = "status"
	})
	rt.Handle(http.MethodGet, "/api/fleet/cluster/health", func(http.ResponseWriter, *http.Request, map[string]string) {
		hit = "health"
	})

	rec := httptest.NewRecorder()
	rt.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/fleet/cluster/health", nil))
	assert.Equal(t, "health", hit)
}
