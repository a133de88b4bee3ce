package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// baseValidConfig returns a fully-valid configuration object that callers
// can tweak inside table tests.
func baseValidConfig() Config {
	return Config{
		BrokerID:  "im-gateway-test-1",
		LogLevel:  "info",
		LogFormat: "json",
		Websocket: WebsocketConfig{Ports: []int{19000}, Path: "/ws"},
		JWT: JWTConfig{
			Secret:    "this-is-a-super-secret-jwt-key-with-32-plus-chars",
			Algorithm: "HS256",
		},
		Heartbeat: HeartbeatConfig{Interval: 30 * time.Second, Timeout: 90 * time.Second},
		Handshake: HandshakeConfig{Timeout: 10 * time.Second},
		Outbound:  OutboundConfig{QueueCapacity: 256, DrainTimeout: time.Second},
		Consumer:  ConsumerConfig{Prefetch: 64},
		Directory: DirectoryConfig{Endpoint: "localhost:6379", TTL: 300 * time.Second},
		Broker: BrokerConfig{
			Endpoint:   "amqp://localhost:5672/",
			Exchange:   "IM-SERVER",
			ErrorQueue: "IM-ERROR",
		},
	}
}

// clearConfigEnvVars removes every environment variable the loader consumes
// so each test starts with a clean slate.
func clearConfigEnvVars(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"IMGW__BROKER_ID",
		"IMGW__LOG_LEVEL",
		"IMGW__LOG_FORMAT",
		"IMGW__WEBSOCKET__PORTS",
		"IMGW__WEBSOCKET__PATH",
		"IMGW__JWT__SECRET",
		"IMGW__JWT__ALGORITHM",
		"IMGW__HEARTBEAT__INTERVAL",
		"IMGW__HEARTBEAT__TIMEOUT",
		"IMGW__HANDSHAKE__TIMEOUT",
		"IMGW__OUTBOUND__QUEUE_CAPACITY",
		"IMGW__CONSUMER__PREFETCH",
		"IMGW__DIRECTORY__ENDPOINT",
		"IMGW__DIRECTORY__TTL",
		"IMGW__BROKER__ENDPOINT",
		"IMGW__DISCOVERY__ENABLED",
		"IMGW__DISCOVERY__ENDPOINT",
	} {
		if err := os.Unsetenv(k); err != nil {
			t.Logf("warning: failed to unset %s: %v", k, err)
		}
	}
}

func TestLoadDefaultsWithSecret(t *testing.T) {
	clearConfigEnvVars(t)
	ResetCache()
	t.Setenv("IMGW__JWT__SECRET", "this-is-a-super-secret-jwt-key-with-32-plus-chars")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []int{19000}, cfg.Websocket.Ports)
	assert.Equal(t, "/ws", cfg.Websocket.Path)
	assert.Equal(t, 30*time.Second, cfg.Heartbeat.Interval)
	assert.Equal(t, 90*time.Second, cfg.Heartbeat.Timeout)
	assert.Equal(t, 10*time.Second, cfg.Handshake.Timeout)
	assert.Equal(t, 256, cfg.Outbound.QueueCapacity)
	assert.Equal(t, 64, cfg.Consumer.Prefetch)
	assert.Equal(t, "IM-SERVER", cfg.Broker.Exchange)
	assert.NotEmpty(t, cfg.BrokerID, "broker_id should be generated when unset")

	ResetCache()
}

func TestLoadEnvOverrides(t *testing.T) {
	clearConfigEnvVars(t)
	ResetCache()
	t.Setenv("IMGW__JWT__SECRET", "this-is-a-super-secret-jwt-key-with-32-plus-chars")
	t.Setenv("IMGW__BROKER_ID", "im-gateway-node-7")
	t.Setenv("IMGW__WEBSOCKET__PORTS", "19000,19001")
	t.Setenv("IMGW__WEBSOCKET__PATH", "/im/ws")
	t.Setenv("IMGW__HEARTBEAT__INTERVAL", "10s")
	t.Setenv("IMGW__HEARTBEAT__TIMEOUT", "45s")
	t.Setenv("IMGW__DIRECTORY__TTL", "60s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "im-gateway-node-7", cfg.BrokerID)
	assert.Equal(t, []int{19000, 19001}, cfg.Websocket.Ports)
	assert.Equal(t, "/im/ws", cfg.Websocket.Path)
	assert.Equal(t, 10*time.Second, cfg.Heartbeat.Interval)
	assert.Equal(t, 45*time.Second, cfg.Heartbeat.Timeout)
	assert.Equal(t, 60*time.Second, cfg.Directory.TTL)

	ResetCache()
}

func TestLoadCachesResult(t *testing.T) {
	clearConfigEnvVars(t)
	ResetCache()
	t.Setenv("IMGW__JWT__SECRET", "this-is-a-super-secret-jwt-key-with-32-plus-chars")

	first, err := Load()
	require.NoError(t, err)

	// A changed env must not affect the cached config.
	t.Setenv("IMGW__WEBSOCKET__PATH", "/other")
	second, err := Load()
	require.NoError(t, err)
	assert.Equal(t, first.Websocket.Path, second.Websocket.Path)

	ResetCache()
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(*Config) {},
		},
		{
			name:    "empty ports",
			mutate:  func(c *Config) { c.Websocket.Ports = nil },
			wantErr: "websocket.ports",
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Websocket.Ports = []int{70000} },
			wantErr: "out of range",
		},
		{
			name:    "path without slash",
			mutate:  func(c *Config) { c.Websocket.Path = "ws" },
			wantErr: "websocket.path",
		},
		{
			name:    "empty secret",
			mutate:  func(c *Config) { c.JWT.Secret = "" },
			wantErr: "jwt.secret",
		},
		{
			name:    "short HS256 secret",
			mutate:  func(c *Config) { c.JWT.Secret = "short" },
			wantErr: "32 characters",
		},
		{
			name:    "unsupported algorithm",
			mutate:  func(c *Config) { c.JWT.Algorithm = "RS256" },
			wantErr: "jwt.algorithm",
		},
		{
			name:    "heartbeat timeout below interval",
			mutate:  func(c *Config) { c.Heartbeat.Timeout = 10 * time.Second },
			wantErr: "heartbeat.timeout",
		},
		{
			name:    "zero handshake timeout",
			mutate:  func(c *Config) { c.Handshake.Timeout = 0 },
			wantErr: "handshake.timeout",
		},
		{
			name:    "zero queue capacity",
			mutate:  func(c *Config) { c.Outbound.QueueCapacity = 0 },
			wantErr: "outbound.queue_capacity",
		},
		{
			name:    "zero prefetch",
			mutate:  func(c *Config) { c.Consumer.Prefetch = 0 },
			wantErr: "consumer.prefetch",
		},
		{
			name:    "directory ttl below 3x interval",
			mutate:  func(c *Config) { c.Directory.TTL = 45 * time.Second },
			wantErr: "directory.ttl",
		},
		{
			name:    "discovery enabled without endpoint",
			mutate:  func(c *Config) { c.Discovery.Enabled = true },
			wantErr: "discovery.endpoint",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := baseValidConfig()
			tc.mutate(&cfg)

			err := cfg.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestGenerateBrokerID(t *testing.T) {
	a := GenerateBrokerID()
	b := GenerateBrokerID()

	assert.True(t, len(a) > len("im-gateway-"))
	assert.NotEqual(t, a, b, "random suffix should differ per call")
	assert.Contains(t, a, "im-gateway-")
}
