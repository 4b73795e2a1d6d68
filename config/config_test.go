package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	// Check defaults
	if cfg.ChunkBytes != 16*MiB {
		t.Errorf("Expected chunk bytes 16 MiB, got %d", cfg.ChunkBytes)
	}
	if cfg.LargeFileThreshold != 2*GiB {
		t.Errorf("Expected large file threshold 2 GiB, got %d", cfg.LargeFileThreshold)
	}
	if cfg.Workers != 0 {
		t.Errorf("Expected workers 0 (auto-detect), got %d", cfg.Workers)
	}
	if cfg.Substrate != "local" {
		t.Errorf("Expected substrate 'local', got %s", cfg.Substrate)
	}
	if cfg.Telemetry.Backend != "memory" {
		t.Errorf("Expected telemetry backend 'memory', got %s", cfg.Telemetry.Backend)
	}
	if cfg.Telemetry.Redis.TTL != 30*24*time.Hour {
		t.Errorf("Expected redis ttl 720h, got %s", cfg.Telemetry.Redis.TTL)
	}
	if cfg.Telemetry.Redis.Password != "" {
		t.Error("Expected no default redis password")
	}
	if cfg.FFmpeg.VideoCodec != "libx264" {
		t.Errorf("Expected video codec 'libx264', got %s", cfg.FFmpeg.VideoCodec)
	}
}

func validConfig(t *testing.T) *Config {
	cfg := DefaultConfig()
	cfg.Jobs = createTempFile(t)
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name        string
		config      func() *Config
		expectError bool
		errorText   string
	}{
		{
			name:        "valid config",
			config:      func() *Config { return validConfig(t) },
			expectError: false,
		},
		{
			name:        "missing job list",
			config:      DefaultConfig,
			expectError: true,
			errorText:   "job list file is required",
		},
		{
			name: "job list does not exist",
			config: func() *Config {
				cfg := DefaultConfig()
				cfg.Jobs = "/nonexistent/jobs.yaml"
				return cfg
			},
			expectError: true,
			errorText:   "job list file does not exist",
		},
		{
			name: "timings mode needs no job list",
			config: func() *Config {
				cfg := DefaultConfig()
				cfg.Timings = "run-1"
				return cfg
			},
			expectError: false,
		},
		{
			name: "invalid substrate",
			config: func() *Config {
				cfg := validConfig(t)
				cfg.Substrate = "hadoop"
				return cfg
			},
			expectError: true,
			errorText:   "invalid substrate",
		},
		{
			name: "zero partitions",
			config: func() *Config {
				cfg := validConfig(t)
				cfg.Partitions = 0
				return cfg
			},
			expectError: true,
			errorText:   "partitions must be positive",
		},
		{
			name: "negative workers",
			config: func() *Config {
				cfg := validConfig(t)
				cfg.Workers = -1
				return cfg
			},
			expectError: true,
			errorText:   "workers cannot be negative",
		},
		{
			name: "non-positive chunk bytes",
			config: func() *Config {
				cfg := validConfig(t)
				cfg.ChunkBytes = 0
				return cfg
			},
			expectError: true,
			errorText:   "chunk bytes must be positive",
		},
		{
			name: "kafka without brokers",
			config: func() *Config {
				cfg := validConfig(t)
				cfg.Substrate = "kafka"
				cfg.Kafka.Brokers = nil
				return cfg
			},
			expectError: true,
			errorText:   "at least one broker is required",
		},
		{
			name: "worker mode checks kafka",
			config: func() *Config {
				cfg := DefaultConfig()
				cfg.Worker = true
				cfg.Kafka.StatusTopic = cfg.Kafka.WorkTopic
				return cfg
			},
			expectError: true,
			errorText:   "topics must differ",
		},
		{
			name: "redis without address",
			config: func() *Config {
				cfg := validConfig(t)
				cfg.Telemetry.Backend = "redis"
				cfg.Telemetry.Redis.Addr = ""
				return cfg
			},
			expectError: true,
			errorText:   "redis address is required",
		},
		{
			name: "invalid log level",
			config: func() *Config {
				cfg := validConfig(t)
				cfg.Log.Level = "loud"
				return cfg
			},
			expectError: true,
			errorText:   "invalid level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.config()
			err := cfg.Validate()

			if tt.expectError && err == nil {
				t.Error("Expected error but got none")
			}
			if !tt.expectError && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
			if tt.expectError && err != nil && tt.errorText != "" {
				if !strings.Contains(err.Error(), tt.errorText) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorText, err.Error())
				}
			}
		})
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Partitions = 0
	cfg.Retries = -1
	cfg.Log.Format = "xml"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Expected error but got none")
	}
	for _, want := range []string{"job list", "partitions", "retries", "invalid format"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Expected error to mention %q, got: %v", want, err)
		}
	}
}

func TestConfigCopy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Jobs = "jobs.yaml"
	cfg.Workers = 8

	copy := cfg.Copy()

	// Modify original
	cfg.Jobs = "modified.yaml"
	cfg.Workers = 16
	cfg.Kafka.Brokers[0] = "changed:9092"

	// Copy should be unchanged
	if copy.Jobs != "jobs.yaml" {
		t.Errorf("Copy jobs was modified: expected 'jobs.yaml', got '%s'", copy.Jobs)
	}
	if copy.Workers != 8 {
		t.Errorf("Copy workers was modified: expected 8, got %d", copy.Workers)
	}
	if copy.Kafka.Brokers[0] != "localhost:9092" {
		t.Errorf("Copy brokers were modified: got %v", copy.Kafka.Brokers)
	}
}

// Helper functions

func createTempFile(t *testing.T) string {
	f, err := os.CreateTemp(t.TempDir(), "jobs-*.yaml")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	defer f.Close()
	return f.Name()
}
