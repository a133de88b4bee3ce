package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config holds all gateway configuration. Keys are nested; environment
// overrides follow IMGW__SECTION__KEY (e.g. IMGW__WEBSOCKET__PATH).
type Config struct {
	BrokerID  string `mapstructure:"broker_id"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	Websocket WebsocketConfig `mapstructure:"websocket"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Handshake HandshakeConfig `mapstructure:"handshake"`
	Outbound  OutboundConfig  `mapstructure:"outbound"`
	Consumer  ConsumerConfig  `mapstructure:"consumer"`
	Directory DirectoryConfig `mapstructure:"directory"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`

	RouteMetricsEnabled bool `mapstructure:"route_metrics_enabled"`
}

// WebsocketConfig controls the listening surface.
type WebsocketConfig struct {
	Ports []int  `mapstructure:"ports"`
	Path  string `mapstructure:"path"`
}

// JWTConfig is the token verification material.
type JWTConfig struct {
	Secret    string `mapstructure:"secret"`
	Algorithm string `mapstructure:"algorithm"`
}

// HeartbeatConfig bounds session liveness.
type HeartbeatConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// HandshakeConfig bounds the Pending state.
type HandshakeConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// OutboundConfig sizes the per-session write queue.
type OutboundConfig struct {
	QueueCapacity int           `mapstructure:"queue_capacity"`
	DrainTimeout  time.Duration `mapstructure:"drain_timeout"`
}

// ConsumerConfig caps broker in-flight deliveries.
type ConsumerConfig struct {
	Prefetch int `mapstructure:"prefetch"`
}

// DirectoryConfig points at the routing directory (Redis).
type DirectoryConfig struct {
	Endpoint    string        `mapstructure:"endpoint"`
	Credentials string        `mapstructure:"credentials"`
	DB          int           `mapstructure:"db"`
	TTL         time.Duration `mapstructure:"ttl"`
}

// BrokerConfig points at the message broker (AMQP).
type BrokerConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	Credentials string `mapstructure:"credentials"`
	Exchange    string `mapstructure:"exchange"`
	ErrorQueue  string `mapstructure:"error_queue"`
}

// DiscoveryConfig controls the optional port announcement.
type DiscoveryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
	Group       string `mapstructure:"group"`
}

var (
	cachedConfig *Config
	configMutex  sync.RWMutex
)

// Load reads configuration from an optional gateway.toml plus IMGW__*
// environment variables. The first successful result is cached.
func Load() (Config, error) {
	configMutex.RLock()
	if cachedConfig != nil {
		defer configMutex.RUnlock()
		return *cachedConfig, nil
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	// Double-check in case another goroutine loaded it while we waited.
	if cachedConfig != nil {
		return *cachedConfig, nil
	}

	v := viper.New()

	v.SetDefault("broker_id", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("route_metrics_enabled", true)

	v.SetDefault("websocket.ports", []int{19000})
	v.SetDefault("websocket.path", "/ws")

	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.algorithm", "HS256")

	v.SetDefault("heartbeat.interval", "30s")
	v.SetDefault("heartbeat.timeout", "90s")
	v.SetDefault("handshake.timeout", "10s")

	v.SetDefault("outbound.queue_capacity", 256)
	v.SetDefault("outbound.drain_timeout", "1s")
	v.SetDefault("consumer.prefetch", 64)

	v.SetDefault("directory.endpoint", "localhost:6379")
	v.SetDefault("directory.credentials", "")
	v.SetDefault("directory.db", 0)
	v.SetDefault("directory.ttl", "300s")

	v.SetDefault("broker.endpoint", "amqp://localhost:5672/")
	v.SetDefault("broker.credentials", "guest:guest")
	v.SetDefault("broker.exchange", "IM-SERVER")
	v.SetDefault("broker.error_queue", "IM-ERROR")

	v.SetDefault("discovery.enabled", false)
	v.SetDefault("discovery.endpoint", "")
	v.SetDefault("discovery.service_name", "im-gateway")
	v.SetDefault("discovery.group", "DEFAULT_GROUP")

	v.SetConfigName("gateway")
	v.SetConfigType("toml")
	v.AddConfigPath(".")

	// The config file is optional; env-only deployments are fine.
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, err
		}
	}

	// Viper joins the prefix with a single underscore; the trailing one here
	// yields the documented IMGW__SECTION__KEY form.
	v.SetEnvPrefix("IMGW_")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg, weaklyTyped); err != nil {
		return Config{}, err
	}

	if cfg.BrokerID == "" {
		cfg.BrokerID = GenerateBrokerID()
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	cachedConfig = &cfg
	return cfg, nil
}

// weaklyTyped lets comma-separated env values ("19000,19001") decode into
// the []int ports slice.
func weaklyTyped(dc *mapstructure.DecoderConfig) {
	dc.WeaklyTypedInput = true
}

// ResetCache clears the cached configuration (for testing purposes).
func ResetCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	cachedConfig = nil
}

// Validate checks required fields and cross-field constraints.
func (c Config) Validate() error {
	if c.BrokerID == "" {
		return errors.New("broker_id cannot be empty")
	}
	if c.LogLevel == "" {
		return errors.New("log_level cannot be empty")
	}
	if c.LogFormat == "" {
		return errors.New("log_format cannot be empty")
	}
	if len(c.Websocket.Ports) == 0 {
		return errors.New("websocket.ports cannot be empty")
	}
	for _, p := range c.Websocket.Ports {
		if p <= 0 || p > 65535 {
			return fmt.Errorf("websocket.ports entry %d out of range", p)
		}
	}
	if !strings.HasPrefix(c.Websocket.Path, "/") {
		return errors.New("websocket.path must start with /")
	}
	if c.JWT.Secret == "" {
		return errors.New("jwt.secret cannot be empty")
	}
	switch strings.ToUpper(c.JWT.Algorithm) {
	case "HS256":
		if len(c.JWT.Secret) < 32 {
			return errors.New("jwt.secret must be at least 32 characters for HS256")
		}
	case "HS384", "HS512":
	default:
		return errors.New("jwt.algorithm must be one of HS256, HS384, HS512")
	}
	if c.Heartbeat.Interval <= 0 {
		return errors.New("heartbeat.interval must be greater than 0")
	}
	if c.Heartbeat.Timeout <= c.Heartbeat.Interval {
		return errors.New("heartbeat.timeout must exceed heartbeat.interval")
	}
	if c.Handshake.Timeout <= 0 {
		return errors.New("handshake.timeout must be greater than 0")
	}
	if c.Outbound.QueueCapacity <= 0 {
		return errors.New("outbound.queue_capacity must be greater than 0")
	}
	if c.Outbound.DrainTimeout <= 0 {
		return errors.New("outbound.drain_timeout must be greater than 0")
	}
	if c.Consumer.Prefetch <= 0 {
		return errors.New("consumer.prefetch must be greater than 0")
	}
	if c.Directory.Endpoint == "" {
		return errors.New("directory.endpoint cannot be empty")
	}
	if c.Directory.TTL < 3*c.Heartbeat.Interval {
		return errors.New("directory.ttl must be at least 3x heartbeat.interval")
	}
	if c.Broker.Endpoint == "" {
		return errors.New("broker.endpoint cannot be empty")
	}
	if c.Discovery.Enabled && c.Discovery.Endpoint == "" {
		return errors.New("discovery.endpoint required when discovery.enabled")
	}
	return nil
}

// GenerateBrokerID builds a node identity from the hostname plus a random
// suffix, so two gateways on one host never share a queue.
func GenerateBrokerID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "unknown"
	}
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		default:
			return '-'
		}
	}, hostname)

	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		return "im-gateway-" + clean
	}
	return fmt.Sprintf("im-gateway-%s-%s", clean, hex.EncodeToString(suffix))
}
