package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisshield/realtime-sync/internal/models"
)

func writeEnvelope(t *testing.T, w http.ResponseWriter, status int, data interface{}, apiErr *APIError) {
	raw, err := json.Marshal(data)
	assert.NoError(t, err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	assert.NoError(t, json.NewEncoder(w).Encode(Response{
		Success:   apiErr == nil,
		Data:      raw,
		Error:     apiErr,
		Timestamp: time.Now().UTC(),
	}))
}

func newBackend(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/properties", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		writeEnvelope(t, w, http.StatusOK, []models.PropertySyncData{
			{ID: "PROP-1", Name: "Warehouse", Version: 2},
			{ID: "PROP-2", Name: "Depot", Version: 1},
		}, nil)
	})
	mux.HandleFunc("/api/v1/incidents/INC-1", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(t, w, http.StatusOK, models.IncidentSyncData{ID: "INC-1", Status: "open", Version: 3}, nil)
	})
	mux.HandleFunc("/api/v1/incidents/INC-404", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/api/v1/system/health", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(t, w, http.StatusBadGateway, nil, &APIError{Code: "UPSTREAM_DOWN", Message: "health probe unavailable"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient(t *testing.T) {
	srv := newBackend(t)
	c, err := NewClient(Config{BaseURL: srv.URL + "/", Token: "secret"}, srv.Client(), nil)
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("List properties", func(t *testing.T) {
		props, err := c.ListProperties(ctx)
		require.NoError(t, err)
		require.Len(t, props, 2)
		assert.Equal(t, "PROP-1", props[0].ID)
		assert.Equal(t, int64(2), props[0].Version)
	})

	t.Run("Get incident", func(t *testing.T) {
		inc, err := c.GetIncident(ctx, "INC-1")
		require.NoError(t, err)
		assert.Equal(t, "open", inc.Status)
	})

	t.Run("Not found", func(t *testing.T) {
		_, err := c.GetIncident(ctx, "INC-404")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Error envelope", func(t *testing.T) {
		_, err := c.GetSystemHealth(ctx)
		var reqErr *RequestError
		require.ErrorAs(t, err, &reqErr)
		assert.Equal(t, "UPSTREAM_DOWN", reqErr.Code)
		assert.Equal(t, http.StatusBadGateway, reqErr.StatusCode)
		assert.True(t, reqErr.Temporary())
	})
}

func TestClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c, err := NewClient(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond}, srv.Client(), nil)
	require.NoError(t, err)

	start := time.Now()
	_, err = c.ListIncidents(context.Background())
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestNewClient_InvalidURL(t *testing.T) {
	_, err := NewClient(Config{BaseURL: "not a url"}, nil, nil)
	assert.Error(t, err)
}
