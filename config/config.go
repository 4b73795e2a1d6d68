package config

import "time"

// Config holds all distcoder configuration options
type Config struct {
	// Job list file (YAML or JSON)
	Jobs string `yaml:"jobs"`

	// Run identity; empty means a random UUID per invocation
	RunID string `yaml:"run_id"`

	// Staging settings
	StagingDir         string `yaml:"staging_dir"`          // local copies and chunk stores
	ChunkBytes         int64  `yaml:"chunk_bytes"`          // default chunk-size threshold for jobs without one
	LargeFileThreshold int64  `yaml:"large_file_threshold"` // remote inputs above this log a slow-demux warning

	// Execution settings
	Substrate  string `yaml:"substrate"`  // "local" or "kafka"
	Partitions int    `yaml:"partitions"` // parallel execution partitions per job
	Workers    int    `yaml:"workers"`    // local worker slots, 0 = auto-detect
	Retries    int    `yaml:"retries"`    // per-chunk retry attempts

	Kafka     KafkaConfig     `yaml:"kafka"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	FFmpeg    FFmpegConfig    `yaml:"ffmpeg"`
	Log       LogConfig       `yaml:"log"`

	// Ledger database path, empty disables the ledger
	Ledger string `yaml:"ledger"`

	// Behavioral flags
	DryRun bool `yaml:"dry_run"` // Show config and jobs without running

	// Modes selected on the command line only
	Timings string `yaml:"-"` // print the timing report of this run ID and exit
	Worker  bool   `yaml:"-"` // consume kafka work instead of running jobs
}

// KafkaConfig holds the kafka substrate settings
type KafkaConfig struct {
	Brokers     []string `yaml:"brokers"`
	WorkTopic   string   `yaml:"work_topic"`
	StatusTopic string   `yaml:"status_topic"`
	GroupID     string   `yaml:"group_id"`
}

// TelemetryConfig selects where timing records are written
type TelemetryConfig struct {
	Backend string      `yaml:"backend"` // "memory" or "redis"
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig holds the redis attribute store settings.
// The password is never read from files, only from PasswordEnv.
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
	Password  string        `yaml:"-"`
}

// FFmpegConfig holds the codec engine settings
type FFmpegConfig struct {
	Binary       string `yaml:"binary"`
	ProbeBinary  string `yaml:"probe_binary"`
	OutputFormat string `yaml:"output_format"` // container written by each chunk transcode, e.g. "mpegts"
	VideoCodec   string `yaml:"video_codec"`   // e.g., "libx264", "copy"
	AudioCodec   string `yaml:"audio_codec"`   // e.g., "aac", "copy"
	Preset       string `yaml:"preset"`        // e.g., "ultrafast", "medium", "slow"
}

// LogConfig holds logging settings
type LogConfig struct {
	Level  string `yaml:"level"`  // trace, debug, info, warn, error
	Format string `yaml:"format"` // console or json
	File   string `yaml:"file"`   // optional, also log to this file
}

// PasswordEnv is the environment variable holding the redis password.
const PasswordEnv = "DISTCODER_REDIS_PASSWORD"

const (
	MiB = int64(1) << 20
	GiB = int64(1) << 30
)

// DefaultConfig returns configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Jobs:  "",
		RunID: "",

		StagingDir:         "/tmp/distcoder",
		ChunkBytes:         16 * MiB,
		LargeFileThreshold: 2 * GiB,

		Substrate:  "local",
		Partitions: 4,
		Workers:    0, // Auto-detect CPU count
		Retries:    2,

		Kafka: KafkaConfig{
			Brokers:     []string{"localhost:9092"},
			WorkTopic:   "distcoder-work",
			StatusTopic: "distcoder-status",
			GroupID:     "distcoder-workers",
		},

		Telemetry: TelemetryConfig{
			Backend: "memory",
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				DB:        0,
				KeyPrefix: "distcoder:timing:",
				TTL:       30 * 24 * time.Hour,
			},
		},

		FFmpeg: FFmpegConfig{
			Binary:       "ffmpeg",
			ProbeBinary:  "ffprobe",
			OutputFormat: "mpegts",
			VideoCodec:   "libx264",
			AudioCodec:   "aac",
			Preset:       "medium",
		},

		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},

		Ledger: "",
		DryRun: false,
	}
}

// Copy creates a deep copy of the config
func (c *Config) Copy() *Config {
	copy := *c
	copy.Kafka.Brokers = append([]string(nil), c.Kafka.Brokers...)
	return &copy
}

// SubstrateValues returns valid substrate values
func SubstrateValues() []string {
	return []string{"local", "kafka"}
}

// TelemetryBackends returns valid telemetry backend values
func TelemetryBackends() []string {
	return []string{"memory", "redis"}
}

// LogFormats returns valid log format values
func LogFormats() []string {
	return []string{"console", "json"}
}

func oneOf(v string, valid []string) bool {
	for _, s := range valid {
		if v == s {
			return true
		}
	}
	return false
}
