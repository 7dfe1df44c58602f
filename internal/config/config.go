package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the orchestrator's ambient configuration. Fields map
// directly onto the typed configuration named in the design notes:
// MaxStep, TaskTimeout, CriticalTaskTimeout, ModificationTimeout,
// DeviceHeartbeatInterval and MaxConcurrentTasks, plus the bootstrap
// fields (logging, event bus, p2p transport) needed to wire the system.
type Config struct {
	Scheduler SchedulerConfig `json:"scheduler" yaml:"scheduler"`
	EventBus  EventBusConfig  `json:"event_bus" yaml:"event_bus"`
	P2P       P2PConfig       `json:"p2p" yaml:"p2p"`
	LogLevel  string          `json:"log_level" yaml:"log_level"`
}

// SchedulerConfig holds the orchestrator/agent/barrier timing knobs.
type SchedulerConfig struct {
	MaxStep                 int           `json:"max_step" yaml:"max_step"`
	TaskTimeout             time.Duration `json:"task_timeout" yaml:"task_timeout"`
	CriticalTaskTimeout     time.Duration `json:"critical_task_timeout" yaml:"critical_task_timeout"`
	ModificationTimeout     time.Duration `json:"modification_timeout" yaml:"modification_timeout"`
	DeviceHeartbeatInterval time.Duration `json:"device_heartbeat_interval" yaml:"device_heartbeat_interval"`
	MaxConcurrentTasks      int           `json:"max_concurrent_tasks" yaml:"max_concurrent_tasks"`
	IdlePollInterval        time.Duration `json:"idle_poll_interval" yaml:"idle_poll_interval"`
}

// EventBusConfig controls the per-observer dispatch buffering.
type EventBusConfig struct {
	ObserverBufferSize int `json:"observer_buffer_size" yaml:"observer_buffer_size"`
}

// P2PConfig holds the device-transport networking configuration.
type P2PConfig struct {
	ListenAddr     string   `json:"listen_addr" yaml:"listen_addr"`
	BootstrapPeers []string `json:"bootstrap_peers" yaml:"bootstrap_peers"`
	DialTimeout    time.Duration `json:"dial_timeout" yaml:"dial_timeout"`
}

// Default returns the baseline configuration, overridable by environment
// variables and, via Load, an optional YAML file.
func Default() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			MaxStep:                 getEnvIntOrDefault("ORION_MAX_STEP", 200),
			TaskTimeout:             getEnvDurationOrDefault("ORION_TASK_TIMEOUT", 2*time.Minute),
			CriticalTaskTimeout:     getEnvDurationOrDefault("ORION_CRITICAL_TASK_TIMEOUT", 5*time.Minute),
			ModificationTimeout:     getEnvDurationOrDefault("ORION_MODIFICATION_TIMEOUT", 600*time.Second),
			DeviceHeartbeatInterval: getEnvDurationOrDefault("ORION_DEVICE_HEARTBEAT_INTERVAL", 30*time.Second),
			MaxConcurrentTasks:      getEnvIntOrDefault("ORION_MAX_CONCURRENT_TASKS", 16),
			IdlePollInterval:        getEnvDurationOrDefault("ORION_IDLE_POLL_INTERVAL", 100*time.Millisecond),
		},
		EventBus: EventBusConfig{
			ObserverBufferSize: getEnvIntOrDefault("ORION_EVENT_BUFFER_SIZE", 256),
		},
		P2P: P2PConfig{
			ListenAddr:     getEnvOrDefault("ORION_P2P_LISTEN_ADDR", "/ip4/0.0.0.0/tcp/0"),
			BootstrapPeers: []string{},
			DialTimeout:    getEnvDurationOrDefault("ORION_P2P_DIAL_TIMEOUT", 30*time.Second),
		},
		LogLevel: getEnvOrDefault("ORION_LOG_LEVEL", "info"),
	}
}

// Load returns Default() overlaid with an optional YAML file at path (if
// path is non-empty and the file exists). Every non-zero value in the
// file replaces the field Default() produced, whether that came from an
// environment variable or from the in-code default; environment
// variables do not take precedence over the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config file %q: %w", path, err)
	}

	var overlay Config
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, fmt.Errorf("parse config file %q: %w", path, err)
	}
	mergeNonZero(cfg, &overlay)
	return cfg, nil
}

func mergeNonZero(base, overlay *Config) {
	if overlay.LogLevel != "" {
		base.LogLevel = overlay.LogLevel
	}
	s, o := &base.Scheduler, &overlay.Scheduler
	if o.MaxStep != 0 {
		s.MaxStep = o.MaxStep
	}
	if o.TaskTimeout != 0 {
		s.TaskTimeout = o.TaskTimeout
	}
	if o.CriticalTaskTimeout != 0 {
		s.CriticalTaskTimeout = o.CriticalTaskTimeout
	}
	if o.ModificationTimeout != 0 {
		s.ModificationTimeout = o.ModificationTimeout
	}
	if o.DeviceHeartbeatInterval != 0 {
		s.DeviceHeartbeatInterval = o.DeviceHeartbeatInterval
	}
	if o.MaxConcurrentTasks != 0 {
		s.MaxConcurrentTasks = o.MaxConcurrentTasks
	}
	if o.IdlePollInterval != 0 {
		s.IdlePollInterval = o.IdlePollInterval
	}
	if overlay.EventBus.ObserverBufferSize != 0 {
		base.EventBus.ObserverBufferSize = overlay.EventBus.ObserverBufferSize
	}
	if overlay.P2P.ListenAddr != "" {
		base.P2P.ListenAddr = overlay.P2P.ListenAddr
	}
	if len(overlay.P2P.BootstrapPeers) > 0 {
		base.P2P.BootstrapPeers = overlay.P2P.BootstrapPeers
	}
	if overlay.P2P.DialTimeout != 0 {
		base.P2P.DialTimeout = overlay.P2P.DialTimeout
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
