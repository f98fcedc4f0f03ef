// Package config handles climate-node configuration loading.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/climate-node/config.yaml, /etc/climate-node/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "climate-node", "config.yaml"))
	}

	paths = append(paths, "/etc/climate-node/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all climate-node configuration.
type Config struct {
	Network   NetworkConfig  `yaml:"network"`
	MQTT      MQTTConfig     `yaml:"mqtt"`
	Sensor    SensorConfig   `yaml:"sensor"`
	Sampling  SamplingConfig `yaml:"sampling"`
	Listen    ListenConfig   `yaml:"listen"`
	Update    UpdateConfig   `yaml:"update"`
	Influx    InfluxConfig   `yaml:"influx"`
	State     StateConfig    `yaml:"state"`
	DataDir   string         `yaml:"data_dir"`
	LogLevel  string         `yaml:"log_level"`
	LogFormat string         `yaml:"log_format"` // text (default) or json
}

// NetworkConfig describes the station-mode link the node waits for
// before doing anything useful. Association is handled by the OS
// (wpa_supplicant, NetworkManager); SSID and password are passed
// through for logging and for platforms that need them.
type NetworkConfig struct {
	// Interface is the network interface to watch (e.g. "wlan0").
	Interface string `yaml:"interface"`
	SSID      string `yaml:"ssid"`
	Password  string `yaml:"password"`
	// PollInterval is how often the link is re-checked while waiting.
	PollInterval time.Duration `yaml:"poll_interval"`
	// SkipWait starts without waiting for, or watching, the interface.
	// For bench hosts on wired or loopback networking.
	SkipWait bool `yaml:"skip_wait"`
}

// MQTTConfig defines the broker connection and publish topics.
type MQTTConfig struct {
	// Broker is the broker URL, e.g. mqtt://192.168.1.10:1883.
	Broker string `yaml:"broker"`
	// Protocol selects the wire version: "5" or "3.1.1".
	Protocol string `yaml:"protocol"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// ClientPrefix is prepended to the random per-attempt client ID.
	ClientPrefix string `yaml:"client_prefix"`
	// Topic receives the reading payload.
	Topic string `yaml:"topic"`
	// DeviceName names the node in Home Assistant and in the
	// availability topic.
	DeviceName      string `yaml:"device_name"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	// Discovery enables Home Assistant MQTT discovery messages.
	Discovery bool   `yaml:"discovery"`
	KeepAlive uint16 `yaml:"keep_alive"` // seconds
	// ConnectTimeout bounds a single handshake attempt.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// ReconnectBackoff is the fixed wait between failed attempts.
	ReconnectBackoff time.Duration        `yaml:"reconnect_backoff"`
	Subscriptions    []SubscriptionConfig `yaml:"subscriptions"`
	// RateLimitPerMinute caps inbound messages handed to the handler.
	RateLimitPerMinute int64 `yaml:"rate_limit_per_minute"`
}

// SubscriptionConfig is a single inbound topic filter.
type SubscriptionConfig struct {
	Topic string `yaml:"topic"`
	QoS   byte   `yaml:"qos"`
}

// Configured reports whether enough is set to attempt a connection.
func (c MQTTConfig) Configured() bool {
	return c.Broker != "" && c.DeviceName != ""
}

// Address returns host:port from the broker URL. The port defaults to
// 1883, or 8883 for TLS schemes.
func (c MQTTConfig) Address() (string, error) {
	u, err := url.Parse(c.Broker)
	if err != nil {
		return "", fmt.Errorf("parse mqtt broker URL: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("mqtt broker URL %q has no host", c.Broker)
	}
	if u.Port() == "" {
		if c.TLS() {
			return u.Host + ":8883", nil
		}
		return u.Host + ":1883", nil
	}
	return u.Host, nil
}

// TLS reports whether the broker URL asks for a TLS connection.
func (c MQTTConfig) TLS() bool {
	return strings.HasPrefix(c.Broker, "mqtts://") || strings.HasPrefix(c.Broker, "ssl://")
}

// SensorConfig selects and tunes the sensor driver.
type SensorConfig struct {
	// Driver is "iio" (Linux kernel dht11 driver) or "sim".
	Driver string `yaml:"driver"`
	// Device is the IIO device directory, e.g.
	// /sys/bus/iio/devices/iio:device0.
	Device string `yaml:"device"`
	// MinInterval is the sensor's minimum time between acquisitions.
	MinInterval time.Duration `yaml:"min_interval"`
	// SimFailureRate is the probability that a simulated acquisition
	// fails (sim driver only).
	SimFailureRate float64 `yaml:"sim_failure_rate"`
}

// SamplingConfig controls the sample loop cadence.
type SamplingConfig struct {
	// CycleDelay is slept after every iteration regardless of outcome.
	CycleDelay time.Duration `yaml:"cycle_delay"`
	// MinPublishInterval is the shortest gap between two publishes.
	MinPublishInterval time.Duration `yaml:"min_publish_interval"`
}

// ListenConfig defines the status server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
	// MaxConns caps concurrent HTTP connections.
	MaxConns int `yaml:"max_conns"`
}

// UpdateConfig defines the firmware upload endpoint.
type UpdateConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Username string `yaml:"username"`
	// PasswordHash is a bcrypt hash. Auth is off when empty.
	PasswordHash string `yaml:"password_hash"`
	MaxBytes     int64  `yaml:"max_bytes"`
}

// AuthEnabled reports whether uploads require basic auth.
func (c UpdateConfig) AuthEnabled() bool {
	return c.Username != "" && c.PasswordHash != ""
}

// InfluxConfig defines the optional reading history sink.
type InfluxConfig struct {
	URL         string        `yaml:"url"`
	Token       string        `yaml:"token"`
	Org         string        `yaml:"org"`
	Bucket      string        `yaml:"bucket"`
	Measurement string        `yaml:"measurement"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Configured reports whether the history sink should be enabled.
func (c InfluxConfig) Configured() bool {
	return c.URL != "" && c.Bucket != ""
}

// StateConfig selects the SQLite driver for operational state.
type StateConfig struct {
	// Driver is "sqlite" (pure Go, default) or "sqlite3" (cgo).
	Driver string `yaml:"driver"`
}

// Load reads configuration from a YAML file. A .env file sitting next
// to the config is loaded into the environment first so ${VAR}
// references can be satisfied without exporting secrets in the shell.
// Variables already set in the environment win.
func Load(path string) (*Config, error) {
	envPath := filepath.Join(filepath.Dir(path), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("load %s: %w", envPath, err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := expandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envRef matches ${VAR}. Bare $VAR is left alone so bcrypt hashes
// ($2a$10$...) survive.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func expandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(m string) string {
		return os.Getenv(m[2 : len(m)-1])
	})
}

// applyDefaults fills zero values. The timing defaults reproduce the
// original firmware: 2s sensor gate, 5s trailing delay, 2s publish
// gap, 5s reconnect backoff.
func (c *Config) applyDefaults() {
	if c.Network.Interface == "" {
		c.Network.Interface = "wlan0"
	}
	if c.Network.PollInterval <= 0 {
		c.Network.PollInterval = 500 * time.Millisecond
	}

	if c.MQTT.Protocol == "" {
		c.MQTT.Protocol = "5"
	}
	if c.MQTT.ClientPrefix == "" {
		c.MQTT.ClientPrefix = "ESP32Client-"
	}
	if c.MQTT.Topic == "" {
		c.MQTT.Topic = "DHT11/01"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.KeepAlive == 0 {
		c.MQTT.KeepAlive = 15
	}
	if c.MQTT.ConnectTimeout <= 0 {
		c.MQTT.ConnectTimeout = 10 * time.Second
	}
	if c.MQTT.ReconnectBackoff <= 0 {
		c.MQTT.ReconnectBackoff = 5 * time.Second
	}
	if c.MQTT.RateLimitPerMinute <= 0 {
		c.MQTT.RateLimitPerMinute = 600
	}

	if c.Sensor.Driver == "" {
		c.Sensor.Driver = "iio"
	}
	if c.Sensor.Device == "" {
		c.Sensor.Device = "/sys/bus/iio/devices/iio:device0"
	}
	if c.Sensor.MinInterval <= 0 {
		c.Sensor.MinInterval = 2 * time.Second
	}

	if c.Sampling.CycleDelay <= 0 {
		c.Sampling.CycleDelay = 5 * time.Second
	}
	if c.Sampling.MinPublishInterval <= 0 {
		c.Sampling.MinPublishInterval = 2 * time.Second
	}

	if c.Listen.Port == 0 {
		c.Listen.Port = 80
	}
	if c.Listen.MaxConns <= 0 {
		c.Listen.MaxConns = 16
	}

	if c.Update.MaxBytes <= 0 {
		c.Update.MaxBytes = 16 << 20
	}

	if c.Influx.Measurement == "" {
		c.Influx.Measurement = "climate"
	}
	if c.Influx.Timeout <= 0 {
		c.Influx.Timeout = 3 * time.Second
	}

	if c.State.Driver == "" {
		c.State.Driver = "sqlite"
	}

	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// Validate checks the configuration for values that would fail later
// at runtime. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format: %q (expected text or json)", c.LogFormat))
	}

	if !c.MQTT.Configured() {
		errs = append(errs, errors.New("mqtt: broker and device_name are required"))
	} else {
		u, err := url.Parse(c.MQTT.Broker)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("mqtt.broker: %w", err))
		case u.Scheme != "mqtt" && u.Scheme != "tcp" && u.Scheme != "mqtts" && u.Scheme != "ssl":
			errs = append(errs, fmt.Errorf("mqtt.broker: unsupported scheme %q", u.Scheme))
		case u.Host == "":
			errs = append(errs, fmt.Errorf("mqtt.broker: %q has no host", c.MQTT.Broker))
		}
	}
	if c.MQTT.Protocol != "5" && c.MQTT.Protocol != "3.1.1" {
		errs = append(errs, fmt.Errorf("mqtt.protocol: %q (expected 5 or 3.1.1)", c.MQTT.Protocol))
	}
	if strings.ContainsAny(c.MQTT.Topic, "+#") {
		errs = append(errs, fmt.Errorf("mqtt.topic: %q must not contain wildcards", c.MQTT.Topic))
	}
	for i, s := range c.MQTT.Subscriptions {
		if strings.TrimSpace(s.Topic) == "" {
			errs = append(errs, fmt.Errorf("mqtt.subscriptions[%d]: empty topic", i))
		}
		if s.QoS > 2 {
			errs = append(errs, fmt.Errorf("mqtt.subscriptions[%d]: qos %d out of range", i, s.QoS))
		}
	}

	if c.Sensor.Driver != "iio" && c.Sensor.Driver != "sim" {
		errs = append(errs, fmt.Errorf("sensor.driver: %q (expected iio or sim)", c.Sensor.Driver))
	}
	if c.Sensor.SimFailureRate < 0 || c.Sensor.SimFailureRate > 1 {
		errs = append(errs, fmt.Errorf("sensor.sim_failure_rate: %v out of range 0..1", c.Sensor.SimFailureRate))
	}

	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port: %d out of range", c.Listen.Port))
	}

	if (c.Update.Username == "") != (c.Update.PasswordHash == "") {
		errs = append(errs, errors.New("update: username and password_hash must be set together"))
	}

	if c.State.Driver != "sqlite" && c.State.Driver != "sqlite3" {
		errs = append(errs, fmt.Errorf("state.driver: %q (expected sqlite or sqlite3)", c.State.Driver))
	}

	return errors.Join(errs...)
}
