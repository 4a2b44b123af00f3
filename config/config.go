package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
// The coordinator and kiosk roles read the same file; each uses the sections it needs.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Log         LogConfig         `yaml:"log"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Kiosk       KioskConfig       `yaml:"kiosk"`
	Hardware    HardwareConfig    `yaml:"hardware"`
	Push        PushConfig        `yaml:"push"`
	WorkerPool  WorkerPoolConfig  `yaml:"worker_pool"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
}

// ServerConfig holds the HTTP server configuration.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// DatabaseConfig holds the database connection configuration.
// A DSN starting with "sqlite:" or "file:" selects the sqlite driver.
type DatabaseConfig struct {
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
	LogSQL                 bool   `yaml:"log_sql"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// CoordinatorConfig holds the central coordinator timings.
type CoordinatorConfig struct {
	ReservationTTLSeconds   int           `yaml:"reservation_ttl_seconds"`
	ReservationTTL          time.Duration `yaml:"-"`
	SweepIntervalSeconds    int           `yaml:"sweep_interval_seconds"`
	SweepInterval           time.Duration `yaml:"-"`
	OfflineThresholdSeconds int           `yaml:"offline_threshold_seconds"`
	OfflineThreshold        time.Duration `yaml:"-"`
	MonitorIntervalSeconds  int           `yaml:"monitor_interval_seconds"`
	MonitorInterval         time.Duration `yaml:"-"`
	// ExecutionTimeoutSeconds bounds how long a command may stay executing
	// without an outcome report before it is failed.
	ExecutionTimeoutSeconds int           `yaml:"execution_timeout_seconds"`
	ExecutionTimeout        time.Duration `yaml:"-"`
}

// KioskConfig holds the configuration of a single kiosk node.
type KioskConfig struct {
	ID                       string        `yaml:"id"`
	Zone                     string        `yaml:"zone"`
	Version                  string        `yaml:"version"`
	CoordinatorURL           string        `yaml:"coordinator_url"`
	ListenAddr               string        `yaml:"listen_addr"`
	PollIntervalSeconds      int           `yaml:"poll_interval_seconds"`
	PollInterval             time.Duration `yaml:"-"`
	HeartbeatIntervalSeconds int           `yaml:"heartbeat_interval_seconds"`
	HeartbeatInterval        time.Duration `yaml:"-"`
	MaxAttempts              int           `yaml:"max_attempts"`
	RetryBaseMs              int           `yaml:"retry_base_ms"`
	RetryBase                time.Duration `yaml:"-"`
	RetryMaxMs               int           `yaml:"retry_max_ms"`
	RetryMax                 time.Duration `yaml:"-"`
}

// HardwareConfig describes the relay bus of a kiosk.
type HardwareConfig struct {
	Driver            string        `yaml:"driver"` // modbus or simulated
	Port              string        `yaml:"port"`
	BaudRate          int           `yaml:"baud_rate"`
	ChannelsPerBoard  int           `yaml:"channels_per_board"`
	Boards            int           `yaml:"boards"`
	TimeoutMs         int           `yaml:"timeout_ms"`
	Timeout           time.Duration `yaml:"-"`
	PulseMs           int           `yaml:"pulse_ms"`
	Pulse             time.Duration `yaml:"-"`
	MinSpacingMs      int           `yaml:"min_spacing_ms"`
	MinSpacing        time.Duration `yaml:"-"`
	BurstDurationMs   int           `yaml:"burst_duration_ms"`
	BurstDuration     time.Duration `yaml:"-"`
	BurstIntervalMs   int           `yaml:"burst_interval_ms"`
	BurstInterval     time.Duration `yaml:"-"`
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
	ReconnectBaseMs   int           `yaml:"reconnect_base_ms"`
	ReconnectBase     time.Duration `yaml:"-"`
	ReconnectMaxMs    int           `yaml:"reconnect_max_ms"`
	ReconnectMax      time.Duration `yaml:"-"`
}

// WorkerPoolConfig holds the configuration for the alert worker pool.
type WorkerPoolConfig struct {
	Size int `yaml:"size"`
}

// PushConfig holds the VAPID keys for operator web push alerts.
type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key"`
	PrivateKey string `yaml:"vapid_private_key"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
}

// MQTTConfig enables publishing of locker events to a broker.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`
}

// Load reads the configuration from the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset values and derives the duration fields.
func (cfg *Config) ApplyDefaults() {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = "sqlite:lockers.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}

	c := &cfg.Coordinator
	c.ReservationTTL = seconds(&c.ReservationTTLSeconds, 90)
	c.SweepInterval = seconds(&c.SweepIntervalSeconds, 10)
	c.OfflineThreshold = seconds(&c.OfflineThresholdSeconds, 30)
	c.MonitorInterval = seconds(&c.MonitorIntervalSeconds, 10)
	c.ExecutionTimeout = seconds(&c.ExecutionTimeoutSeconds, 120)

	k := &cfg.Kiosk
	if k.ListenAddr == "" {
		k.ListenAddr = "127.0.0.1:3003"
	}
	k.PollInterval = seconds(&k.PollIntervalSeconds, 2)
	k.HeartbeatInterval = seconds(&k.HeartbeatIntervalSeconds, 10)
	if k.MaxAttempts <= 0 {
		k.MaxAttempts = 3
	}
	k.RetryBase = millis(&k.RetryBaseMs, 500)
	k.RetryMax = millis(&k.RetryMaxMs, 5000)

	h := &cfg.Hardware
	if h.Driver == "" {
		h.Driver = "modbus"
	}
	if h.BaudRate <= 0 {
		h.BaudRate = 9600
	}
	if h.ChannelsPerBoard <= 0 {
		h.ChannelsPerBoard = 16
	}
	if h.Boards <= 0 {
		h.Boards = 2
	}
	h.Timeout = millis(&h.TimeoutMs, 1000)
	h.Pulse = millis(&h.PulseMs, 400)
	h.MinSpacing = millis(&h.MinSpacingMs, 300)
	h.BurstDuration = millis(&h.BurstDurationMs, 10000)
	h.BurstInterval = millis(&h.BurstIntervalMs, 2000)
	if h.ReconnectAttempts <= 0 {
		h.ReconnectAttempts = 3
	}
	h.ReconnectBase = millis(&h.ReconnectBaseMs, 500)
	h.ReconnectMax = millis(&h.ReconnectMaxMs, 8000)

	if cfg.Push.TTL <= 0 {
		cfg.Push.TTL = 3600
	}
	if cfg.WorkerPool.Size <= 0 {
		cfg.WorkerPool.Size = 1
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "lockers"
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "lockerd"
	}
}

func seconds(v *int, def int) time.Duration {
	if *v <= 0 {
		*v = def
	}
	return time.Duration(*v) * time.Second
}

func millis(v *int, def int) time.Duration {
	if *v <= 0 {
		*v = def
	}
	return time.Duration(*v) * time.Millisecond
}
