package config

import (
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	HTTP       HTTPConfig       `yaml:"http"`
	Database   DatabaseConfig   `yaml:"database"`
	Cache      CacheConfig      `yaml:"cache"`
	Separation SeparationConfig `yaml:"separation"`
	Storage    StorageConfig    `yaml:"storage"`
	Jobs       JobsConfig       `yaml:"jobs"`
	Quota      QuotaConfig      `yaml:"quota"`
	Warmup     WarmupConfig     `yaml:"warmup"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	// PublicBaseURL is the externally reachable base used when building
	// download links for processed artifacts, e.g. "https://api.example.com".
	PublicBaseURL string `yaml:"public_base_url"`
}

// DatabaseConfig contains the sqlite account/usage store configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// CacheConfig contains the Redis result cache configuration
type CacheConfig struct {
	// URL is a redis connection URL ("redis://host:port/db"). Empty disables
	// caching entirely; the service then behaves as always-miss.
	URL        string `yaml:"url"`
	TTLSeconds int    `yaml:"ttl_seconds"`
}

// SeparationConfig contains the external vocal separation API configuration
type SeparationConfig struct {
	Endpoint      string `yaml:"endpoint"`
	APIToken      string `yaml:"api_token"`
	ModelVersion  string `yaml:"model_version"`
	Timeout       int    `yaml:"timeout"` // seconds, per attempt
	MaxAttempts   int    `yaml:"max_attempts"`
	RetryDelay    int    `yaml:"retry_delay"` // seconds between attempts
	MaxConcurrent int    `yaml:"max_concurrent"`
	MinInputBytes int    `yaml:"min_input_bytes"`
}

// StorageConfig contains durable artifact storage configuration
type StorageConfig struct {
	UploadsDir string `yaml:"uploads_dir"`
}

// JobsConfig contains the in-memory job status table configuration
type JobsConfig struct {
	MaxAge        int `yaml:"max_age"`        // seconds before a record is swept
	SweepInterval int `yaml:"sweep_interval"` // seconds between sweeps
}

// QuotaConfig contains quota reset scheduling configuration
type QuotaConfig struct {
	ResetCron string `yaml:"reset_cron"`
}

// WarmupConfig contains model warm-up pinger configuration
type WarmupConfig struct {
	Enabled        bool `yaml:"enabled"`
	Interval       int  `yaml:"interval"`         // seconds between pings
	SleepStartHour int  `yaml:"sleep_start_hour"` // UTC
	SleepEndHour   int  `yaml:"sleep_end_hour"`   // UTC
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file. Secrets may be supplied via
// the environment instead of the file: SEPARATION_API_TOKEN, REDIS_URL and
// DATABASE_PATH override their yaml counterparts when set.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	config.applyEnvOverrides()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SEPARATION_API_TOKEN"); v != "" {
		c.Separation.APIToken = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Cache.URL = v
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		c.Database.Path = v
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database config: %w", err)
	}

	if err := c.Cache.Validate(); err != nil {
		return fmt.Errorf("cache config: %w", err)
	}

	if err := c.Separation.Validate(); err != nil {
		return fmt.Errorf("separation config: %w", err)
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage config: %w", err)
	}

	if err := c.Jobs.Validate(); err != nil {
		return fmt.Errorf("jobs config: %w", err)
	}

	if err := c.Quota.Validate(); err != nil {
		return fmt.Errorf("quota config: %w", err)
	}

	if err := c.Warmup.Validate(); err != nil {
		return fmt.Errorf("warmup config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Port < 1 || h.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", h.Port)
	}

	if h.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	if h.PublicBaseURL == "" {
		return fmt.Errorf("public_base_url cannot be empty")
	}

	return nil
}

// Validate validates database configuration
func (d *DatabaseConfig) Validate() error {
	if d.Path == "" {
		return fmt.Errorf("path cannot be empty")
	}

	return nil
}

// Validate validates cache configuration
func (c *CacheConfig) Validate() error {
	if c.TTLSeconds < 1 {
		return fmt.Errorf("ttl_seconds must be at least 1, got %d", c.TTLSeconds)
	}

	return nil
}

// Validate validates separation API configuration
func (s *SeparationConfig) Validate() error {
	if s.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	if s.APIToken == "" {
		return fmt.Errorf("api_token cannot be empty")
	}

	if s.ModelVersion == "" {
		return fmt.Errorf("model_version cannot be empty")
	}

	if s.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", s.Timeout)
	}

	if s.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", s.MaxAttempts)
	}

	if s.RetryDelay < 0 {
		return fmt.Errorf("retry_delay cannot be negative, got %d", s.RetryDelay)
	}

	if s.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", s.MaxConcurrent)
	}

	if s.MinInputBytes < 1 {
		return fmt.Errorf("min_input_bytes must be at least 1, got %d", s.MinInputBytes)
	}

	return nil
}

// Validate validates storage configuration
func (s *StorageConfig) Validate() error {
	if s.UploadsDir == "" {
		return fmt.Errorf("uploads_dir cannot be empty")
	}

	return nil
}

// Validate validates jobs table configuration
func (j *JobsConfig) Validate() error {
	if j.MaxAge < 1 {
		return fmt.Errorf("max_age must be at least 1 second, got %d", j.MaxAge)
	}

	if j.SweepInterval < 1 {
		return fmt.Errorf("sweep_interval must be at least 1 second, got %d", j.SweepInterval)
	}

	return nil
}

// Validate validates quota configuration
func (q *QuotaConfig) Validate() error {
	if q.ResetCron == "" {
		return fmt.Errorf("reset_cron cannot be empty")
	}

	if _, err := cron.ParseStandard(q.ResetCron); err != nil {
		return fmt.Errorf("invalid reset_cron: %w", err)
	}

	return nil
}

// Validate validates warmup configuration
func (w *WarmupConfig) Validate() error {
	if !w.Enabled {
		return nil
	}

	if w.Interval < 1 {
		return fmt.Errorf("interval must be at least 1 second, got %d", w.Interval)
	}

	if w.SleepStartHour < 0 || w.SleepStartHour > 23 {
		return fmt.Errorf("sleep_start_hour must be between 0 and 23, got %d", w.SleepStartHour)
	}

	if w.SleepEndHour < 0 || w.SleepEndHour > 23 {
		return fmt.Errorf("sleep_end_hour must be between 0 and 23, got %d", w.SleepEndHour)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	return nil
}

// GetTimeoutDuration returns the per-attempt separation timeout as a time.Duration
func (s *SeparationConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(s.Timeout) * time.Second
}

// GetRetryDelayDuration returns the delay between separation attempts as a time.Duration
func (s *SeparationConfig) GetRetryDelayDuration() time.Duration {
	return time.Duration(s.RetryDelay) * time.Second
}

// GetTTLDuration returns the cache entry TTL as a time.Duration
func (c *CacheConfig) GetTTLDuration() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// GetMaxAgeDuration returns the job record maximum age as a time.Duration
func (j *JobsConfig) GetMaxAgeDuration() time.Duration {
	return time.Duration(j.MaxAge) * time.Second
}

// GetSweepIntervalDuration returns the sweep interval as a time.Duration
func (j *JobsConfig) GetSweepIntervalDuration() time.Duration {
	return time.Duration(j.SweepInterval) * time.Second
}

// GetIntervalDuration returns the warm-up ping interval as a time.Duration
func (w *WarmupConfig) GetIntervalDuration() time.Duration {
	return time.Duration(w.Interval) * time.Second
}
