package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// validConfig returns a fully populated configuration that passes validation.
// Individual tests mutate a copy to trigger specific failures.
func validConfig() Config {
	return Config{
		HTTP: HTTPConfig{
			Port:          8080,
			Address:       "0.0.0.0",
			PublicBaseURL: "http://localhost:8080",
		},
		Database: DatabaseConfig{
			Path: "data/accounts.db",
		},
		Cache: CacheConfig{
			URL:        "redis://localhost:6379/0",
			TTLSeconds: 86400,
		},
		Separation: SeparationConfig{
			Endpoint:      "https://api.example.com/v1",
			APIToken:      "test-token",
			ModelVersion:  "v1",
			Timeout:       60,
			MaxAttempts:   3,
			RetryDelay:    1,
			MaxConcurrent: 10,
			MinInputBytes: 1024,
		},
		Storage: StorageConfig{
			UploadsDir: "data/uploads",
		},
		Jobs: JobsConfig{
			MaxAge:        600,
			SweepInterval: 300,
		},
		Quota: QuotaConfig{
			ResetCron: "0 0 1 * *",
		},
		Warmup: WarmupConfig{
			Enabled:        true,
			Interval:       180,
			SleepStartHour: 1,
			SleepEndHour:   5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Config)
		expectError bool
		errorMsg    string
	}{
		{
			name:        "valid configuration",
			mutate:      func(c *Config) {},
			expectError: false,
		},
		{
			name: "invalid http port",
			mutate: func(c *Config) {
				c.HTTP.Port = 70000
			},
			expectError: true,
			errorMsg:    "port must be between 1 and 65535",
		},
		{
			name: "missing public base url",
			mutate: func(c *Config) {
				c.HTTP.PublicBaseURL = ""
			},
			expectError: true,
			errorMsg:    "public_base_url cannot be empty",
		},
		{
			name: "missing database path",
			mutate: func(c *Config) {
				c.Database.Path = ""
			},
			expectError: true,
			errorMsg:    "path cannot be empty",
		},
		{
			name: "missing separation token",
			mutate: func(c *Config) {
				c.Separation.APIToken = ""
			},
			expectError: true,
			errorMsg:    "api_token cannot be empty",
		},
		{
			name: "invalid separation timeout",
			mutate: func(c *Config) {
				c.Separation.Timeout = 0
			},
			expectError: true,
			errorMsg:    "timeout must be at least 1 second",
		},
		{
			name: "invalid quota cron expression",
			mutate: func(c *Config) {
				c.Quota.ResetCron = "not a cron"
			},
			expectError: true,
			errorMsg:    "reset_cron",
		},
		{
			name: "invalid warmup sleep hour",
			mutate: func(c *Config) {
				c.Warmup.SleepStartHour = 25
			},
			expectError: true,
			errorMsg:    "sleep_start_hour must be between 0 and 23",
		},
		{
			name: "disabled warmup skips validation",
			mutate: func(c *Config) {
				c.Warmup.Enabled = false
				c.Warmup.Interval = 0
			},
			expectError: false,
		},
		{
			name: "invalid log level",
			mutate: func(c *Config) {
				c.Logging.Level = "trace"
			},
			expectError: true,
			errorMsg:    "level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig()
			tt.mutate(&config)

			err := config.Validate()
			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if tt.errorMsg != "" && !contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
			} else {
				if err != nil {
					t.Errorf("Expected no error but got: %v", err)
				}
			}
		})
	}
}

func TestConfigLoad(t *testing.T) {
	// Create a temporary directory for test files
	tempDir := t.TempDir()

	tests := []struct {
		name        string
		configYAML  string
		expectError bool
		errorMsg    string
	}{
		{
			name: "valid config file",
			configYAML: `
http:
  port: 8080
  address: "0.0.0.0"
  public_base_url: "http://localhost:8080"
database:
  path: "data/accounts.db"
cache:
  url: "redis://localhost:6379/0"
  ttl_seconds: 86400
separation:
  endpoint: "https://api.example.com/v1"
  api_token: "test-token"
  model_version: "v1"
  timeout: 60
  max_attempts: 3
  retry_delay: 1
  max_concurrent: 10
  min_input_bytes: 1024
storage:
  uploads_dir: "data/uploads"
jobs:
  max_age: 600
  sweep_interval: 300
quota:
  reset_cron: "0 0 1 * *"
warmup:
  enabled: false
logging:
  level: "info"
  format: "json"
  output: "stdout"
`,
			expectError: false,
		},
		{
			name: "invalid YAML syntax",
			configYAML: `
http:
  port: not_a_number
`,
			expectError: true,
			errorMsg:    "failed to parse",
		},
		{
			name: "missing required fields",
			configYAML: `
http:
  port: 8080
  # missing address
`,
			expectError: true,
			errorMsg:    "address cannot be empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Create temporary config file
			configPath := filepath.Join(tempDir, "config.yaml")
			err := os.WriteFile(configPath, []byte(tt.configYAML), 0644)
			if err != nil {
				t.Fatalf("Failed to create test config file: %v", err)
			}

			// Load configuration
			config, err := Load(configPath)

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if tt.errorMsg != "" && !contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
			} else {
				if err != nil {
					t.Errorf("Expected no error but got: %v", err)
				} else if config == nil {
					t.Errorf("Expected config to be loaded but got nil")
				}
			}
		})
	}
}

func TestConfigLoadNonexistentFile(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	if err == nil {
		t.Errorf("Expected error for nonexistent file but got none")
	}
	if !contains(err.Error(), "failed to read config file") {
		t.Errorf("Expected error about reading file, got: %v", err)
	}
}

func TestConfigEnvOverrides(t *testing.T) {
	t.Setenv("SEPARATION_API_TOKEN", "env-token")
	t.Setenv("REDIS_URL", "redis://override:6379/1")
	t.Setenv("DATABASE_PATH", "/var/lib/pipeline/accounts.db")

	configYAML := `
http:
  port: 8080
  address: "0.0.0.0"
  public_base_url: "http://localhost:8080"
database:
  path: "data/accounts.db"
cache:
  url: "redis://localhost:6379/0"
  ttl_seconds: 86400
separation:
  endpoint: "https://api.example.com/v1"
  model_version: "v1"
  timeout: 60
  max_attempts: 3
  retry_delay: 1
  max_concurrent: 10
  min_input_bytes: 1024
storage:
  uploads_dir: "data/uploads"
jobs:
  max_age: 600
  sweep_interval: 300
quota:
  reset_cron: "0 0 1 * *"
warmup:
  enabled: false
logging:
  level: "info"
  format: "json"
  output: "stdout"
`
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(configYAML), 0644); err != nil {
		t.Fatalf("Failed to create test config file: %v", err)
	}

	config, err := Load(configPath)
	if err != nil {
		t.Fatalf("Expected no error but got: %v", err)
	}

	if config.Separation.APIToken != "env-token" {
		t.Errorf("Expected API token from environment, got '%s'", config.Separation.APIToken)
	}
	if config.Cache.URL != "redis://override:6379/1" {
		t.Errorf("Expected cache URL from environment, got '%s'", config.Cache.URL)
	}
	if config.Database.Path != "/var/lib/pipeline/accounts.db" {
		t.Errorf("Expected database path from environment, got '%s'", config.Database.Path)
	}
}

func TestDurationHelpers(t *testing.T) {
	separation := SeparationConfig{
		Timeout:    60,
		RetryDelay: 1,
	}

	if separation.GetTimeoutDuration() != 60*time.Second {
		t.Errorf("Expected 60 seconds, got %v", separation.GetTimeoutDuration())
	}

	if separation.GetRetryDelayDuration() != time.Second {
		t.Errorf("Expected 1 second, got %v", separation.GetRetryDelayDuration())
	}

	cache := CacheConfig{TTLSeconds: 86400}
	if cache.GetTTLDuration() != 24*time.Hour {
		t.Errorf("Expected 24 hours, got %v", cache.GetTTLDuration())
	}

	jobs := JobsConfig{MaxAge: 600, SweepInterval: 300}
	if jobs.GetMaxAgeDuration() != 10*time.Minute {
		t.Errorf("Expected 10 minutes, got %v", jobs.GetMaxAgeDuration())
	}
	if jobs.GetSweepIntervalDuration() != 5*time.Minute {
		t.Errorf("Expected 5 minutes, got %v", jobs.GetSweepIntervalDuration())
	}

	warmup := WarmupConfig{Interval: 180}
	if warmup.GetIntervalDuration() != 3*time.Minute {
		t.Errorf("Expected 3 minutes, got %v", warmup.GetIntervalDuration())
	}
}

func TestHTTPConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		config HTTPConfig
		valid  bool
	}{
		{
			name: "valid config",
			config: HTTPConfig{
				Port:          8080,
				Address:       "0.0.0.0",
				PublicBaseURL: "http://localhost:8080",
			},
			valid: true,
		},
		{
			name: "port too low",
			config: HTTPConfig{
				Port:          0,
				Address:       "0.0.0.0",
				PublicBaseURL: "http://localhost:8080",
			},
			valid: false,
		},
		{
			name: "port too high",
			config: HTTPConfig{
				Port:          70000,
				Address:       "0.0.0.0",
				PublicBaseURL: "http://localhost:8080",
			},
			valid: false,
		},
		{
			name: "empty address",
			config: HTTPConfig{
				Port:          8080,
				Address:       "",
				PublicBaseURL: "http://localhost:8080",
			},
			valid: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.valid && err != nil {
				t.Errorf("Expected valid config but got error: %v", err)
			}
			if !tt.valid && err == nil {
				t.Errorf("Expected invalid config but got no error")
			}
		})
	}
}

func TestLoggingConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		config LoggingConfig
		valid  bool
	}{
		{
			name: "valid json to stdout",
			config: LoggingConfig{
				Level:  "info",
				Format: "json",
				Output: "stdout",
			},
			valid: true,
		},
		{
			name: "valid text to stderr",
			config: LoggingConfig{
				Level:  "debug",
				Format: "text",
				Output: "stderr",
			},
			valid: true,
		},
		{
			name: "invalid log level",
			config: LoggingConfig{
				Level:  "trace",
				Format: "json",
				Output: "stdout",
			},
			valid: false,
		},
		{
			name: "invalid format",
			config: LoggingConfig{
				Level:  "info",
				Format: "xml",
				Output: "stdout",
			},
			valid: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.valid && err != nil {
				t.Errorf("Expected valid config but got error: %v", err)
			}
			if !tt.valid && err == nil {
				t.Errorf("Expected invalid config but got no error")
			}
		})
	}
}

// Helper function to check if a string contains a substring
func contains(s, substr string) bool {
	return len(s) >= len(substr) && (s == substr || len(substr) == 0 ||
		(len(s) > len(substr) && findSubstring(s, substr)))
}

func findSubstring(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
