// Package config handles God-Kaiser configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./kaiser.yaml, ~/.config/kaiser/kaiser.yaml, /etc/kaiser/kaiser.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"kaiser.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "kaiser", "kaiser.yaml"))
	}

	paths = append(paths, "/etc/kaiser/kaiser.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must
// exist. Otherwise the search paths are tried in order and the first
// that exists wins.
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

// Config holds all God-Kaiser configuration.
type Config struct {
	KaiserID   string           `yaml:"kaiser_id"`
	DataDir    string           `yaml:"data_dir"`
	LogLevel   string           `yaml:"log_level"`
	LogFormat  string           `yaml:"log_format"` // "text" (default) or "json"
	Listen     ListenConfig     `yaml:"listen"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Subscriber SubscriberConfig `yaml:"subscriber"`
	Health     HealthConfig     `yaml:"health"`
	Logic      LogicConfig      `yaml:"logic"`
	Breakers   BreakerConfig    `yaml:"breakers"`
	WebSocket  WebSocketConfig  `yaml:"websocket"`
	Retention  RetentionConfig  `yaml:"retention"`
}

// ListenConfig defines the HTTP surface hosting /ws, /healthz and
// /metrics.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address ("" = all interfaces)
	Port    int    `yaml:"port"`
}

// MQTTConfig defines the broker connection.
type MQTTConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	ClientIDPrefix string `yaml:"client_id_prefix"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	TLS            bool   `yaml:"tls"`
	CACert         string `yaml:"ca_cert"`
	ClientCert     string `yaml:"client_cert"`
	ClientKey      string `yaml:"client_key"`
	// AllowInsecureTLS permits TLS without a CA certificate. Logged
	// loudly at startup; never the default.
	AllowInsecureTLS  bool `yaml:"allow_insecure_tls"`
	BufferCapacity    int  `yaml:"buffer_capacity"`
	PublishTimeoutSec int  `yaml:"publish_timeout_sec"`
}

// SubscriberConfig tunes the inbound dispatcher.
type SubscriberConfig struct {
	MaxWorkers int `yaml:"max_workers"`
}

// HealthConfig defines device liveness thresholds.
type HealthConfig struct {
	HeartbeatIntervalSec int `yaml:"heartbeat_interval_sec"`
	OfflineThresholdSec  int `yaml:"offline_threshold_sec"`
	SweepIntervalSec     int `yaml:"sweep_interval_sec"`
}

// LogicConfig tunes the rule engine.
type LogicConfig struct {
	TimerIntervalSec   int `yaml:"timer_interval_sec"`
	GlobalRatePerSec   int `yaml:"global_rate_per_sec"`
	DeviceRatePerSec   int `yaml:"device_rate_per_sec"`
	RuleTimeoutSec     int `yaml:"rule_timeout_sec"`
	ResponseTimeoutSec int `yaml:"response_timeout_sec"`
	LockTTLSec         int `yaml:"lock_ttl_sec"`
}

// BreakerConfig defines shared circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	ResetTimeoutSec  int `yaml:"reset_timeout_sec"`
	HalfOpenMaxCalls int `yaml:"half_open_max_calls"`
}

// WebSocketConfig tunes the browser-facing fan-out.
type WebSocketConfig struct {
	ClientRatePerSec int `yaml:"client_rate_per_sec"`
}

// RetentionConfig gates data-deleting maintenance jobs. Everything
// defaults to false: the stock build never deletes user data.
type RetentionConfig struct {
	PruneReadings      bool `yaml:"prune_readings"`
	PruneExecutions    bool `yaml:"prune_executions"`
	PruneAudit         bool `yaml:"prune_audit"`
	ReadingMaxAgeDays  int  `yaml:"reading_max_age_days"`
	HistoryMaxAgeDays  int  `yaml:"history_max_age_days"`
	AuditMaxAgeDays    int  `yaml:"audit_max_age_days"`
	SweepIntervalHours int  `yaml:"sweep_interval_hours"`
}

// Load reads configuration from a YAML file. ${ENV} references are
// expanded before parsing so secrets can stay out of the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		KaiserID: "god",
		DataDir:  ".",
		Listen:   ListenConfig{Port: 8420},
		MQTT: MQTTConfig{
			Host:              "localhost",
			Port:              1883,
			ClientIDPrefix:    "god-kaiser",
			BufferCapacity:    1000,
			PublishTimeoutSec: 5,
		},
		Subscriber: SubscriberConfig{MaxWorkers: 10},
		Health: HealthConfig{
			HeartbeatIntervalSec: 60,
			OfflineThresholdSec:  180,
			SweepIntervalSec:     180,
		},
		Logic: LogicConfig{
			TimerIntervalSec:   60,
			GlobalRatePerSec:   100,
			DeviceRatePerSec:   20,
			RuleTimeoutSec:     30,
			ResponseTimeoutSec: 5,
			LockTTLSec:         60,
		},
		Breakers: BreakerConfig{
			FailureThreshold: 5,
			ResetTimeoutSec:  30,
			HalfOpenMaxCalls: 2,
		},
		WebSocket: WebSocketConfig{ClientRatePerSec: 10},
		Retention: RetentionConfig{
			ReadingMaxAgeDays:  90,
			HistoryMaxAgeDays:  90,
			AuditMaxAgeDays:    180,
			SweepIntervalHours: 24,
		},
	}
}

// Validate rejects configurations the server cannot start with.
// A validation failure here is the only fatal startup error class.
func (c *Config) Validate() error {
	if c.KaiserID == "" {
		return fmt.Errorf("kaiser_id must not be empty")
	}
	if c.MQTT.Host == "" {
		return fmt.Errorf("mqtt.host must not be empty")
	}
	if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
		return fmt.Errorf("mqtt.port %d out of range", c.MQTT.Port)
	}
	if c.MQTT.TLS && c.MQTT.CACert == "" && !c.MQTT.AllowInsecureTLS {
		return fmt.Errorf("mqtt.tls requires ca_cert (or allow_insecure_tls to opt in to unverified TLS)")
	}
	if (c.MQTT.ClientCert == "") != (c.MQTT.ClientKey == "") {
		return fmt.Errorf("mqtt client_cert and client_key must be set together")
	}
	if c.Subscriber.MaxWorkers <= 0 {
		return fmt.Errorf("subscriber.max_workers must be positive")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format %q (valid: text, json)", c.LogFormat)
	}
	if c.Health.OfflineThresholdSec <= c.Health.HeartbeatIntervalSec {
		return fmt.Errorf("health.offline_threshold_sec must exceed heartbeat_interval_sec")
	}
	return nil
}

// HeartbeatInterval returns the heartbeat interval as a duration.
func (c HealthConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSec) * time.Second
}

// OfflineThreshold returns the offline threshold as a duration.
func (c HealthConfig) OfflineThreshold() time.Duration {
	return time.Duration(c.OfflineThresholdSec) * time.Second
}
