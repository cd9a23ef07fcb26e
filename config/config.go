package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Push       PushConfig       `yaml:"push"`
	WorkerPool WorkerPoolConfig `yaml:"worker_pool"`
	Broker     BrokerConfig     `yaml:"broker"`
	Sessions   SessionConfig    `yaml:"sessions"`
	Queue      QueueConfig      `yaml:"queue"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Kiosks     []KioskConfig    `yaml:"kiosks"`
}

// WorkerPoolConfig holds the configuration for the notification worker pool.
type WorkerPoolConfig struct {
	Size int `yaml:"size"`
}

// PushConfig holds the VAPID keys for web push alerts.
type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key"`
	PrivateKey string `yaml:"vapid_private_key"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
}

// Enabled reports whether both VAPID keys are configured.
func (p PushConfig) Enabled() bool {
	return p.PublicKey != "" && p.PrivateKey != ""
}

// ServerConfig holds the server-related configuration.
type ServerConfig struct {
	Port            int     `yaml:"port"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds"`
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	Driver                 string `yaml:"driver"` // sqlite | postgres
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
	LogLevel               string `yaml:"log_level"`
}

// BrokerConfig points at the optional outbound event sinks.
// An empty URL/address disables the corresponding publisher.
type BrokerConfig struct {
	AMQPURL       string `yaml:"amqp_url"`
	AuditQueue    string `yaml:"audit_queue"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisChannel  string `yaml:"redis_channel"`
}

// SessionConfig controls the card-scan interaction window.
type SessionConfig struct {
	TimeoutSeconds int           `yaml:"timeout_seconds"`
	Timeout        time.Duration `yaml:"-"`
}

// QueueConfig controls the command worker.
type QueueConfig struct {
	StaleAfterSeconds  int           `yaml:"stale_after_seconds"`
	StaleAfter         time.Duration `yaml:"-"`
	PollIntervalMs     int           `yaml:"poll_interval_ms"`
	PollInterval       time.Duration `yaml:"-"`
	ErrorAfterFailures int           `yaml:"error_after_failures"`
}

// MonitorConfig controls the periodic relay-card probe.
type MonitorConfig struct {
	Enabled         *bool         `yaml:"enabled"` // nil means enabled
	IntervalSeconds int           `yaml:"interval_seconds"`
	Interval        time.Duration `yaml:"-"`
}

// IsEnabled reports whether the monitor should run.
func (m MonitorConfig) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// KioskConfig describes one kiosk and the relay bus it owns.
type KioskConfig struct {
	ID         string            `yaml:"id"`
	Zone       string            `yaml:"zone"`
	Serial     SerialConfig      `yaml:"serial"`
	RelayCards []RelayCardConfig `yaml:"relay_cards"`
	Hardware   HardwareConfig    `yaml:"hardware"`
}

// LockerCount is the number of lockers addressable through the configured cards.
func (k KioskConfig) LockerCount() int {
	n := 0
	for _, c := range k.RelayCards {
		n += c.Channels
	}
	return n
}

// SerialConfig holds the RS-485 port parameters.
type SerialConfig struct {
	Port      string `yaml:"port"`
	BaudRate  int    `yaml:"baud_rate"`
	DataBits  int    `yaml:"data_bits"`
	Parity    string `yaml:"parity"`
	StopBits  int    `yaml:"stop_bits"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

// RelayCardConfig is one addressable relay card on the bus.
type RelayCardConfig struct {
	SlaveAddress int   `yaml:"slave_address"`
	Channels     int   `yaml:"channels"`
	Enabled      *bool `yaml:"enabled"` // nil means enabled
}

// IsEnabled reports whether the card takes part in locker actuation.
func (c RelayCardConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// HardwareConfig holds the relay controller tunables.
type HardwareConfig struct {
	PulseDurationMs      int         `yaml:"pulse_duration_ms"`
	CommandIntervalMs    int         `yaml:"command_interval_ms"`
	MaxRetries           int         `yaml:"max_retries"`
	RetryDelayBaseMs     int         `yaml:"retry_delay_base_ms"`
	RetryDelayMaxMs      int         `yaml:"retry_delay_max_ms"`
	VerifyWrites         bool        `yaml:"verify_writes"`
	HealthWindow         int         `yaml:"health_window"`
	DegradedErrorRate    float64     `yaml:"degraded_error_rate"`
	UnavailableErrorRate float64     `yaml:"unavailable_error_rate"`
	Burst                BurstConfig `yaml:"burst"`
}

// BurstConfig bounds bulk open requests.
type BurstConfig struct {
	MinIntervalMs int `yaml:"min_interval_ms"`
	MaxLockers    int `yaml:"max_lockers"`
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
		return nil, err
	}

	applyEnv(&cfg)
	ApplyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv lets deployment secrets and endpoints override the file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.Broker.AMQPURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Broker.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Broker.RedisPassword = v
	}
	if v := os.Getenv("VAPID_PUBLIC_KEY"); v != "" {
		cfg.Push.PublicKey = v
	}
	if v := os.Getenv("VAPID_PRIVATE_KEY"); v != "" {
		cfg.Push.PrivateKey = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		} else {
			log.Printf("ignoring invalid SERVER_PORT %q: %v", v, err)
		}
	}
}

// ApplyDefaults fills every unset tunable. It is exported so tests and tools
// can build a Config in code and get the same defaults as a loaded file.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 3000
	}
	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 10
	}
	if cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = 5
	}
	if cfg.Server.CacheTTLSeconds <= 0 {
		cfg.Server.CacheTTLSeconds = 5
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = "file:lockers.db?_busy_timeout=5000"
	}
	if cfg.Database.MaxIdleConns <= 0 {
		cfg.Database.MaxIdleConns = 2
	}
	if cfg.Database.LogLevel == "" {
		cfg.Database.LogLevel = "warn"
	}

	if cfg.Push.TTL <= 0 {
		cfg.Push.TTL = 3600
	}

	if cfg.WorkerPool.Size <= 0 {
		log.Printf("worker_pool.size is not set or invalid; defaulting to 1")
		cfg.WorkerPool.Size = 1
	}

	if cfg.Broker.AuditQueue == "" {
		cfg.Broker.AuditQueue = "locker.commands"
	}
	if cfg.Broker.RedisChannel == "" {
		cfg.Broker.RedisChannel = "locker.events"
	}

	if cfg.Sessions.TimeoutSeconds <= 0 {
		cfg.Sessions.TimeoutSeconds = 30
	}
	cfg.Sessions.Timeout = time.Duration(cfg.Sessions.TimeoutSeconds) * time.Second

	if cfg.Queue.StaleAfterSeconds <= 0 {
		cfg.Queue.StaleAfterSeconds = 120
	}
	cfg.Queue.StaleAfter = time.Duration(cfg.Queue.StaleAfterSeconds) * time.Second
	if cfg.Queue.PollIntervalMs <= 0 {
		cfg.Queue.PollIntervalMs = 1000
	}
	cfg.Queue.PollInterval = time.Duration(cfg.Queue.PollIntervalMs) * time.Millisecond
	if cfg.Queue.ErrorAfterFailures <= 0 {
		cfg.Queue.ErrorAfterFailures = 3
	}

	if cfg.Monitor.IntervalSeconds <= 0 {
		cfg.Monitor.IntervalSeconds = 60
	}
	cfg.Monitor.Interval = time.Duration(cfg.Monitor.IntervalSeconds) * time.Second

	for i := range cfg.Kiosks {
		applyKioskDefaults(&cfg.Kiosks[i])
	}
}

func applyKioskDefaults(k *KioskConfig) {
	s := &k.Serial
	if s.BaudRate <= 0 {
		s.BaudRate = 9600
	}
	if s.DataBits <= 0 {
		s.DataBits = 8
	}
	if s.Parity == "" {
		s.Parity = "N"
	}
	if s.StopBits <= 0 {
		s.StopBits = 1
	}
	if s.TimeoutMs <= 0 {
		s.TimeoutMs = 2000
	}

	for i := range k.RelayCards {
		if k.RelayCards[i].Channels <= 0 {
			k.RelayCards[i].Channels = 16
		}
	}

	h := &k.Hardware
	if h.PulseDurationMs <= 0 {
		h.PulseDurationMs = 400
	}
	if h.CommandIntervalMs <= 0 {
		h.CommandIntervalMs = 300
	}
	// A negative max_retries disables retries; zero means "not set".
	if h.MaxRetries < 0 {
		h.MaxRetries = 0
	} else if h.MaxRetries == 0 {
		h.MaxRetries = 3
	}
	if h.RetryDelayBaseMs <= 0 {
		h.RetryDelayBaseMs = 100
	}
	if h.RetryDelayMaxMs <= 0 {
		h.RetryDelayMaxMs = 1000
	}
	if h.HealthWindow <= 0 {
		h.HealthWindow = 20
	}
	if h.DegradedErrorRate <= 0 {
		h.DegradedErrorRate = 20
	}
	if h.UnavailableErrorRate <= 0 {
		h.UnavailableErrorRate = 50
	}
	if h.Burst.MinIntervalMs <= 0 {
		h.Burst.MinIntervalMs = h.CommandIntervalMs
	}
	if h.Burst.MaxLockers <= 0 {
		h.Burst.MaxLockers = 64
	}
}

// Validate checks the kiosk topology for values the hardware cannot honour.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Kiosks))
	for _, k := range c.Kiosks {
		if k.ID == "" {
			return fmt.Errorf("kiosk id must not be empty")
		}
		if seen[k.ID] {
			return fmt.Errorf("duplicate kiosk id %q", k.ID)
		}
		seen[k.ID] = true

		if k.Serial.Port == "" {
			return fmt.Errorf("kiosk %s: serial.port is required", k.ID)
		}
		if len(k.RelayCards) == 0 {
			return fmt.Errorf("kiosk %s: at least one relay card is required", k.ID)
		}
		addrs := make(map[int]bool, len(k.RelayCards))
		low, high := 248, 0
		for _, card := range k.RelayCards {
			if card.SlaveAddress < 1 || card.SlaveAddress > 247 {
				return fmt.Errorf("kiosk %s: slave_address %d out of range [1,247]", k.ID, card.SlaveAddress)
			}
			if card.Channels < 1 || card.Channels > 32 {
				return fmt.Errorf("kiosk %s: card %d has %d channels, want 1..32", k.ID, card.SlaveAddress, card.Channels)
			}
			if addrs[card.SlaveAddress] {
				return fmt.Errorf("kiosk %s: duplicate slave_address %d", k.ID, card.SlaveAddress)
			}
			addrs[card.SlaveAddress] = true
			if card.Channels != k.RelayCards[0].Channels {
				return fmt.Errorf("kiosk %s: every relay card must have the same channel count", k.ID)
			}
			low, high = min(low, card.SlaveAddress), max(high, card.SlaveAddress)
		}
		// Locker ids map onto consecutive addresses starting at the lowest one.
		if high-low+1 != len(k.RelayCards) {
			return fmt.Errorf("kiosk %s: relay card addresses must be consecutive", k.ID)
		}
		switch k.Serial.Parity {
		case "N", "E", "O":
		default:
			return fmt.Errorf("kiosk %s: parity %q must be N, E or O", k.ID, k.Serial.Parity)
		}
	}
	return nil
}

// Kiosk returns the configuration of the kiosk with the given id.
func (c *Config) Kiosk(id string) (KioskConfig, bool) {
	for _, k := range c.Kiosks {
		if k.ID == id {
			return k, true
		}
	}
	return KioskConfig{}, false
}
