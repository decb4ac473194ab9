// Package config loads daemon configuration from a JSON file or, absent
// one, from QDESK_-prefixed environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the top-level qdeskd configuration.
type Config struct {
	DataDir string         `json:"data_dir"`
	API     APIConfig      `json:"api"`
	Queue   QueueConfig    `json:"queue"`
	Windows []WindowConfig `json:"windows"`
}

// APIConfig holds HTTP server settings.
type APIConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	Key  string `json:"api_key"`
}

// QueueConfig holds dispatch and sweep policy. Durations are seconds;
// schedules are cron expressions or @every forms.
type QueueConfig struct {
	RetryBudget       int    `json:"retry_budget,omitempty"`        // default 3
	HeartbeatCoalesce int    `json:"heartbeat_coalesce,omitempty"`  // default 30
	LivenessTimeout   int    `json:"liveness_timeout,omitempty"`    // default 180
	LivenessSchedule  string `json:"liveness_schedule,omitempty"`   // default @every 1m
	SkipThreshold     int    `json:"skip_threshold,omitempty"`      // default 3600
	SkipSchedule      string `json:"skip_schedule,omitempty"`       // default @every 15m
	EndOfDaySchedule  string `json:"end_of_day_schedule,omitempty"` // default 55 23 * * *
}

// WindowConfig seeds a service window at startup.
type WindowConfig struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	CanPriority bool   `json:"can_priority"`
	CanRegular  bool   `json:"can_regular"`
}

// Load reads configuration from a JSON file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromEnv builds a config from QDESK_-prefixed environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		DataDir: getenv("QDESK_DATA_DIR", "/data"),
		API: APIConfig{
			Host: getenv("QDESK_API_HOST", "0.0.0.0"),
			Port: getenvInt("QDESK_API_PORT", 8080),
			Key:  os.Getenv("QDESK_API_KEY"),
		},
		Queue: QueueConfig{
			RetryBudget:       getenvInt("QDESK_RETRY_BUDGET", 0),
			HeartbeatCoalesce: getenvInt("QDESK_HEARTBEAT_COALESCE", 0),
			LivenessTimeout:   getenvInt("QDESK_LIVENESS_TIMEOUT", 0),
			SkipThreshold:     getenvInt("QDESK_SKIP_THRESHOLD", 0),
		},
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Queue.RetryBudget == 0 {
		c.Queue.RetryBudget = 3
	}
	if c.Queue.HeartbeatCoalesce == 0 {
		c.Queue.HeartbeatCoalesce = 30
	}
	if c.Queue.LivenessTimeout == 0 {
		c.Queue.LivenessTimeout = 180
	}
	if c.Queue.LivenessSchedule == "" {
		c.Queue.LivenessSchedule = "@every 1m"
	}
	if c.Queue.SkipThreshold == 0 {
		c.Queue.SkipThreshold = 3600
	}
	if c.Queue.SkipSchedule == "" {
		c.Queue.SkipSchedule = "@every 15m"
	}
	if c.Queue.EndOfDaySchedule == "" {
		c.Queue.EndOfDaySchedule = "55 23 * * *"
	}
}

// Validate checks for required fields, collecting all failures.
func (c *Config) Validate() error {
	var errs []string

	if c.DataDir == "" {
		errs = append(errs, "data_dir is required")
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		errs = append(errs, fmt.Sprintf("api.port %d out of range", c.API.Port))
	}
	if c.Queue.RetryBudget < 1 {
		errs = append(errs, "queue.retry_budget must be at least 1")
	}
	if c.Queue.LivenessTimeout <= c.Queue.HeartbeatCoalesce {
		errs = append(errs, "queue.liveness_timeout must exceed queue.heartbeat_coalesce")
	}
	seen := make(map[string]bool)
	for i, w := range c.Windows {
		if w.ID == "" {
			errs = append(errs, fmt.Sprintf("windows[%d].id is required", i))
			continue
		}
		if seen[w.ID] {
			errs = append(errs, fmt.Sprintf("windows[%d].id %q duplicated", i, w.ID))
		}
		seen[w.ID] = true
		if !w.CanPriority && !w.CanRegular {
			errs = append(errs, fmt.Sprintf("windows[%d] %q serves no ticket type", i, w.ID))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// HeartbeatCoalesceDuration returns the coalescing interval.
func (c *Config) HeartbeatCoalesceDuration() time.Duration {
	return time.Duration(c.Queue.HeartbeatCoalesce) * time.Second
}

// LivenessTimeoutDuration returns the heartbeat timeout.
func (c *Config) LivenessTimeoutDuration() time.Duration {
	return time.Duration(c.Queue.LivenessTimeout) * time.Second
}

// SkipThresholdDuration returns the skip-to-cancel threshold.
func (c *Config) SkipThresholdDuration() time.Duration {
	return time.Duration(c.Queue.SkipThreshold) * time.Second
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
