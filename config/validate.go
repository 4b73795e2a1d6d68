package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errors []string

	// A job list is required unless another mode was selected
	if c.Timings == "" && !c.Worker {
		if c.Jobs == "" {
			errors = append(errors, "job list file is required")
		} else if _, err := os.Stat(c.Jobs); os.IsNotExist(err) {
			errors = append(errors, fmt.Sprintf("job list file does not exist: %s", c.Jobs))
		}
	}

	if c.StagingDir == "" {
		errors = append(errors, "staging directory is required")
	}
	if c.ChunkBytes <= 0 {
		errors = append(errors, "chunk bytes must be positive")
	}
	if c.LargeFileThreshold < 0 {
		errors = append(errors, "large file threshold cannot be negative")
	}

	// Validate execution settings
	if !oneOf(c.Substrate, SubstrateValues()) {
		errors = append(errors, fmt.Sprintf("invalid substrate '%s', must be one of: %s",
			c.Substrate, strings.Join(SubstrateValues(), ", ")))
	}
	if c.Partitions <= 0 {
		errors = append(errors, "partitions must be positive")
	}
	// Workers 0 is valid, means auto-detect
	if c.Workers < 0 {
		errors = append(errors, "workers cannot be negative (use 0 for auto-detect)")
	}
	if c.Retries < 0 {
		errors = append(errors, "retries cannot be negative")
	}
	if c.Worker && c.Timings != "" {
		errors = append(errors, "-worker and -timings cannot be combined")
	}
	if c.Substrate == "kafka" || c.Worker {
		if err := c.Kafka.Validate(); err != nil {
			errors = append(errors, fmt.Sprintf("kafka config: %v", err))
		}
	}

	// Validate telemetry
	if err := c.Telemetry.Validate(); err != nil {
		errors = append(errors, fmt.Sprintf("telemetry config: %v", err))
	}

	if err := c.FFmpeg.Validate(); err != nil {
		errors = append(errors, fmt.Sprintf("ffmpeg config: %v", err))
	}

	if err := c.Log.Validate(); err != nil {
		errors = append(errors, fmt.Sprintf("log config: %v", err))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	return nil
}

// Validate checks if kafka configuration is valid
func (kc *KafkaConfig) Validate() error {
	var errors []string

	if len(kc.Brokers) == 0 {
		errors = append(errors, "at least one broker is required")
	}
	if kc.WorkTopic == "" {
		errors = append(errors, "work topic is required")
	}
	if kc.StatusTopic == "" {
		errors = append(errors, "status topic is required")
	}
	if kc.WorkTopic != "" && kc.WorkTopic == kc.StatusTopic {
		errors = append(errors, "work and status topics must differ")
	}
	if kc.GroupID == "" {
		errors = append(errors, "group id is required")
	}

	if len(errors) > 0 {
		return fmt.Errorf("%s", strings.Join(errors, ", "))
	}

	return nil
}

// Validate checks if telemetry configuration is valid
func (tc *TelemetryConfig) Validate() error {
	var errors []string

	if !oneOf(tc.Backend, TelemetryBackends()) {
		errors = append(errors, fmt.Sprintf("invalid backend '%s', must be one of: %s",
			tc.Backend, strings.Join(TelemetryBackends(), ", ")))
	}
	if tc.Backend == "redis" {
		if tc.Redis.Addr == "" {
			errors = append(errors, "redis address is required")
		}
		if tc.Redis.DB < 0 {
			errors = append(errors, "redis db cannot be negative")
		}
		if tc.Redis.TTL < 0 {
			errors = append(errors, "redis ttl cannot be negative")
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("%s", strings.Join(errors, ", "))
	}

	return nil
}

// Validate checks if codec engine configuration is valid
func (fc *FFmpegConfig) Validate() error {
	var errors []string

	if fc.Binary == "" {
		errors = append(errors, "binary is required")
	}
	if fc.ProbeBinary == "" {
		errors = append(errors, "probe binary is required")
	}
	if fc.OutputFormat == "" {
		errors = append(errors, "output format is required")
	}
	if fc.VideoCodec == "" || fc.AudioCodec == "" {
		errors = append(errors, "video and audio codecs are required")
	}

	if len(errors) > 0 {
		return fmt.Errorf("%s", strings.Join(errors, ", "))
	}

	return nil
}

// Validate checks if log configuration is valid
func (lc *LogConfig) Validate() error {
	var errors []string

	if _, err := zerolog.ParseLevel(lc.Level); err != nil || lc.Level == "" {
		errors = append(errors, fmt.Sprintf("invalid level '%s'", lc.Level))
	}
	if !oneOf(lc.Format, LogFormats()) {
		errors = append(errors, fmt.Sprintf("invalid format '%s', must be one of: %s",
			lc.Format, strings.Join(LogFormats(), ", ")))
	}

	if len(errors) > 0 {
		return fmt.Errorf("%s", strings.Join(errors, ", "))
	}

	return nil
}
