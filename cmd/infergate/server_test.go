package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/infergate/infergate/config"
	"github.com/infergate/infergate/gateway"
	"github.com/infergate/infergate/gateway/adapters"
	"github.com/infergate/infergate/internal/telemetry"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Providers = map[string]*gateway.ProviderConfig{
		"openai": {
			Type:    adapters.KindOpenAICompat,
			Enabled: true,
			Models:  map[string]string{"gpt-4o": ""},
		},
	}
	cfg.Models = []gateway.CanonicalModel{{ID: "gpt-4o", Family: "openai"}}

	srv, err := NewServer(cfg, "", zap.NewNop(), &telemetry.Providers{})
	require.NoError(t, err)
	return srv
}

func TestRouteTableHealthSurface(t *testing.T) {
	handler := newTestServer(t).buildHandler()

	tests := []struct {
		path string
		want int
	}{
		{"/health/live", http.StatusOK},
		{"/health/ready", http.StatusOK},
		{"/healthz", http.StatusOK},
		{"/livez", http.StatusOK},
		{"/readyz", http.StatusOK},
		{"/version", http.StatusOK},
		{"/v1/models", http.StatusOK},
		{"/v1/providers", http.StatusOK},
		{"/metrics", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestRouteTableAuthCoversOnlyV1(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Auth.Enabled = true
	cfg.Auth.MasterKeys = []string{"sk-master"}

	srv, err := NewServer(cfg, "", zap.NewNop(), &telemetry.Providers{})
	require.NoError(t, err)
	handler := srv.buildHandler()

	// Operational surface stays open.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	// The API requires credentials.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("Authorization", "Bearer sk-master")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
