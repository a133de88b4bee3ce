package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"im-gateway/cmd/gateway/middlewares"
	"im-gateway/internal/clients/redisdir"
	"im-gateway/internal/config"
	"im-gateway/internal/gateway"
	"im-gateway/internal/logger"

	wsHandlers "im-gateway/cmd/gateway/handlers/ws"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRouterConfig() config.Config {
	return config.Config{
		BrokerID:            "node-router-test",
		LogLevel:            "info",
		LogFormat:           "text",
		RouteMetricsEnabled: true,
		Websocket:           config.WebsocketConfig{Ports: []int{0}, Path: "/ws"},
		JWT:                 config.JWTConfig{Secret: "test-secret-key-with-32-characters", Algorithm: "HS256"},
		Heartbeat:           config.HeartbeatConfig{Interval: time.Second, Timeout: 3 * time.Second},
		Handshake:           config.HandshakeConfig{Timeout: 5 * time.Second},
		Outbound:            config.OutboundConfig{QueueCapacity: 16, DrainTimeout: 200 * time.Millisecond},
		// Nothing listens on port 1: the directory reports down, which must
		// not fail the health probe.
		Directory: config.DirectoryConfig{Endpoint: "127.0.0.1:1", TTL: 300 * time.Second},
	}
}

func buildTestRouter(t *testing.T) *fiber.App {
	t.Helper()
	cfg := testRouterConfig()
	_, err := logger.Init(cfg)
	require.NoError(t, err)

	registry := gateway.NewRegistry()
	metrics := gateway.NewMetrics()
	httpMetrics := middlewares.NewHTTPMetrics(metrics.Registry)
	directory := redisdir.New(cfg.Directory)
	t.Cleanup(func() { _ = directory.Close() })
	h := wsHandlers.NewHandlers(cfg, registry, metrics, directory, logger.L())

	return setupRouter(cfg, registry, metrics, httpMetrics, directory, h)
}

func TestHealthzDegradedDirectoryStillOK(t *testing.T) {
	app := buildTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	resp, err := app.Test(req, 10000)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status    string `json:"status"`
		BrokerID  string `json:"broker_id"`
		Sessions  int    `json:"sessions"`
		Directory string `json:"directory"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "node-router-test", body.BrokerID)
	assert.Zero(t, body.Sessions)
	assert.Equal(t, "down", body.Directory)
}

func TestMetricsEndpointExposed(t *testing.T) {
	app := buildTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWSPathRequiresToken(t *testing.T) {
	app := buildTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUnknownRouteIs404(t *testing.T) {
	app := buildTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
