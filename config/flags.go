package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
)

// MergeFromFlags parses command-line flags and overrides config values
func (c *Config) MergeFromFlags(args []string) error {
	// Define flags
	fs := flag.NewFlagSet("distcoder", flag.ContinueOnError)
	fs.Usage = printUsage

	jobs := fs.String("jobs", "", "Job list file, YAML or JSON (required)")
	runID := fs.String("run-id", "", "Run ID (default: random UUID)")

	// Config file override (handled by LoadConfig before this function is called)
	_ = fs.String("config", "", "Path to config file (default: search standard locations)")

	// Staging settings
	stagingDir := fs.String("staging-dir", "", "Local staging directory (default: from config)")
	chunkBytes := fs.Int64("chunk-bytes", -1, "Default chunk-size threshold in bytes (default: from config)")
	largeFile := fs.Int64("large-file-threshold", -1, "Remote input size that triggers a slow-demux warning (default: from config)")

	// Execution settings
	substrate := fs.String("substrate", "", "Execution substrate: local, kafka (default: from config)")
	partitions := fs.Int("partitions", -1, "Execution partitions per job (default: from config)")
	workers := fs.Int("workers", -1, "Number of local workers (0 = auto-detect, default: from config)")
	retries := fs.Int("retries", -1, "Per-chunk retry attempts (default: from config)")
	brokers := fs.String("kafka-brokers", "", "Comma-separated kafka brokers (default: from config)")
	workTopic := fs.String("kafka-work-topic", "", "Kafka work topic (default: from config)")
	statusTopic := fs.String("kafka-status-topic", "", "Kafka status topic (default: from config)")
	groupID := fs.String("kafka-group", "", "Kafka consumer group of workers (default: from config)")

	// Telemetry settings
	telemetry := fs.String("telemetry", "", "Telemetry backend: memory, redis (default: from config)")
	redisAddr := fs.String("redis-addr", "", "Redis address (default: from config)")
	redisDB := fs.Int("redis-db", -1, "Redis database (default: from config)")
	redisPrefix := fs.String("redis-prefix", "", "Redis key prefix (default: from config)")
	redisTTL := fs.Duration("redis-ttl", -1, "Timing record TTL, 0 keeps forever (default: from config)")
	ledger := fs.String("ledger", "", "Run ledger sqlite database (default: disabled)")

	// Codec engine settings
	ffmpegBin := fs.String("ffmpeg", "", "ffmpeg binary (default: from config)")
	ffprobeBin := fs.String("ffprobe", "", "ffprobe binary (default: from config)")
	outputFormat := fs.String("output-format", "", "Container of transcoded chunks (default: from config)")
	videoCodec := fs.String("video-codec", "", "Video codec (default: from config)")
	audioCodec := fs.String("audio-codec", "", "Audio codec (default: from config)")
	preset := fs.String("preset", "", "Encoder preset (default: from config)")

	// Logging
	logLevel := fs.String("log-level", "", "Log level: trace, debug, info, warn, error (default: from config)")
	logFormat := fs.String("log-format", "", "Log format: console, json (default: from config)")
	logFile := fs.String("log-file", "", "Also write logs to this file")
	verbose := fs.Bool("verbose", false, "Shortcut for -log-level debug")

	// Modes
	dryRun := fs.Bool("dry-run", false, "Show configuration and jobs without running")
	timings := fs.String("timings", "", "Print the timing report of a run ID and exit")
	worker := fs.Bool("worker", false, "Run as a kafka substrate worker")

	// Parse flags
	if err := fs.Parse(args); err != nil {
		return err
	}

	// Override with flag values (only if explicitly set)
	if *jobs != "" {
		c.Jobs = *jobs
	}
	if *runID != "" {
		c.RunID = *runID
	}

	if *stagingDir != "" {
		c.StagingDir = *stagingDir
	}
	if *chunkBytes > 0 {
		c.ChunkBytes = *chunkBytes
	}
	if *largeFile >= 0 {
		c.LargeFileThreshold = *largeFile
	}

	// Execution settings (only override if explicitly set, -1 means not set)
	if *substrate != "" {
		c.Substrate = *substrate
	}
	if *partitions >= 0 {
		c.Partitions = *partitions
	}
	if *workers >= 0 {
		c.Workers = *workers
	}
	if *retries >= 0 {
		c.Retries = *retries
	}
	if *brokers != "" {
		c.Kafka.Brokers = splitList(*brokers)
	}
	if *workTopic != "" {
		c.Kafka.WorkTopic = *workTopic
	}
	if *statusTopic != "" {
		c.Kafka.StatusTopic = *statusTopic
	}
	if *groupID != "" {
		c.Kafka.GroupID = *groupID
	}

	if *telemetry != "" {
		c.Telemetry.Backend = *telemetry
	}
	if *redisAddr != "" {
		c.Telemetry.Redis.Addr = *redisAddr
	}
	if *redisDB >= 0 {
		c.Telemetry.Redis.DB = *redisDB
	}
	if *redisPrefix != "" {
		c.Telemetry.Redis.KeyPrefix = *redisPrefix
	}
	if *redisTTL >= 0 {
		c.Telemetry.Redis.TTL = *redisTTL
	}
	if *ledger != "" {
		c.Ledger = *ledger
	}

	if *ffmpegBin != "" {
		c.FFmpeg.Binary = *ffmpegBin
	}
	if *ffprobeBin != "" {
		c.FFmpeg.ProbeBinary = *ffprobeBin
	}
	if *outputFormat != "" {
		c.FFmpeg.OutputFormat = *outputFormat
	}
	if *videoCodec != "" {
		c.FFmpeg.VideoCodec = *videoCodec
	}
	if *audioCodec != "" {
		c.FFmpeg.AudioCodec = *audioCodec
	}
	if *preset != "" {
		c.FFmpeg.Preset = *preset
	}

	if *logLevel != "" {
		c.Log.Level = *logLevel
	}
	if *verbose {
		c.Log.Level = "debug"
	}
	if *logFormat != "" {
		c.Log.Format = *logFormat
	}
	if *logFile != "" {
		c.Log.File = *logFile
	}

	if *dryRun {
		c.DryRun = true
	}
	if *timings != "" {
		c.Timings = *timings
	}
	if *worker {
		c.Worker = true
	}

	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// printUsage prints help text
func printUsage() {
	fmt.Fprintf(os.Stderr, `distcoder - Chunked distributed transcoding of job lists

USAGE:
  distcoder -jobs FILE [OPTIONS]
  distcoder -timings RUN_ID [OPTIONS]
  distcoder -worker [OPTIONS]

REQUIRED FLAGS:
  -jobs string
        Job list file, YAML or JSON

CONFIGURATION:
  -config string
        Path to config file (default: search ./distcoder.yaml, ~/.distcoder/config.yaml, /etc/distcoder/config.yaml)
  -run-id string
        Run ID (default: random UUID)

STAGING:
  -staging-dir string
        Local staging directory (default: /tmp/distcoder)
  -chunk-bytes int
        Default chunk-size threshold in bytes (default: 16777216)
  -large-file-threshold int
        Remote input size that triggers a slow-demux warning (default: 2147483648)

EXECUTION:
  -substrate string
        Execution substrate: local, kafka (default: local)
  -partitions int
        Execution partitions per job (default: 4)
  -workers int
        Number of local workers (0 = auto-detect CPU count) (default: 0)
  -retries int
        Per-chunk retry attempts (default: 2)
  -kafka-brokers string
        Comma-separated kafka brokers (default: localhost:9092)
  -kafka-work-topic string, -kafka-status-topic string, -kafka-group string
        Kafka topics and worker consumer group

TELEMETRY:
  -telemetry string
        Telemetry backend: memory, redis (default: memory)
  -redis-addr string
        Redis address (default: localhost:6379)
  -redis-db int, -redis-prefix string, -redis-ttl duration
        Redis database, key prefix and record TTL
  -ledger string
        Run ledger sqlite database (default: disabled)

  The redis password is read from $%s.

CODEC ENGINE:
  -ffmpeg string, -ffprobe string
        Binaries (default: ffmpeg, ffprobe from PATH)
  -output-format string
        Container of transcoded chunks (default: mpegts)
  -video-codec string, -audio-codec string, -preset string
        Codec settings (default: libx264, aac, medium)

LOGGING:
  -log-level string
        trace, debug, info, warn, error (default: info)
  -log-format string
        console, json (default: console)
  -log-file string
        Also write logs to this file
  --verbose
        Shortcut for -log-level debug

MODES:
  --dry-run
        Show effective configuration and jobs without running
  -timings string
        Print the timing report of a run ID and exit
  --worker
        Consume work from the kafka work topic

EXAMPLES:
  # Run a job list on the local worker pool
  distcoder -jobs jobs.yaml

  # Distribute chunks over kafka workers, record timings in redis
  distcoder -jobs jobs.yaml -substrate kafka -telemetry redis

  # Start a kafka worker
  distcoder --worker -kafka-brokers kafka1:9092,kafka2:9092

  # Timing report of an earlier run
  distcoder -telemetry redis -timings 0b6c4a8e-2f1d-4c51-9d7e-5f1a3a0c9e21

CONFIGURATION FILES:
  Config files are searched in order:
    1. ./distcoder.yaml
    2. ~/.distcoder/config.yaml
    3. /etc/distcoder/config.yaml

  Priority: CLI flags > Config file > Defaults

`, PasswordEnv)
}

// PrintConfig prints the effective configuration
func (c *Config) PrintConfig() {
	fmt.Println("═══════════════════════════════════════════════════════════")
	fmt.Println("                 Effective Configuration                  ")
	fmt.Println("═══════════════════════════════════════════════════════════")
	fmt.Printf("Jobs:           %s\n", c.Jobs)
	fmt.Printf("Run ID:         %s\n", c.RunID)
	fmt.Printf("Staging Dir:    %s\n", c.StagingDir)
	fmt.Printf("Chunk Bytes:    %d\n", c.ChunkBytes)
	fmt.Printf("Large File:     %d bytes\n", c.LargeFileThreshold)

	fmt.Println("\nExecution:")
	fmt.Printf("  Substrate:    %s\n", c.Substrate)
	fmt.Printf("  Partitions:   %d\n", c.Partitions)
	fmt.Printf("  Workers:      %d\n", c.Workers)
	fmt.Printf("  Retries:      %d\n", c.Retries)
	if c.Substrate == "kafka" || c.Worker {
		fmt.Printf("  Brokers:      %s\n", strings.Join(c.Kafka.Brokers, ","))
		fmt.Printf("  Topics:       %s -> %s\n", c.Kafka.WorkTopic, c.Kafka.StatusTopic)
		fmt.Printf("  Group:        %s\n", c.Kafka.GroupID)
	}

	fmt.Println("\nTelemetry:")
	fmt.Printf("  Backend:      %s\n", c.Telemetry.Backend)
	if c.Telemetry.Backend == "redis" {
		fmt.Printf("  Redis:        %s/%d (prefix %q, ttl %s)\n",
			c.Telemetry.Redis.Addr, c.Telemetry.Redis.DB, c.Telemetry.Redis.KeyPrefix, c.Telemetry.Redis.TTL)
		fmt.Printf("  Password:     %v\n", c.Telemetry.Redis.Password != "")
	}
	if c.Ledger != "" {
		fmt.Printf("  Ledger:       %s\n", c.Ledger)
	}

	fmt.Println("\nCodec Engine:")
	fmt.Printf("  ffmpeg:       %s\n", c.FFmpeg.Binary)
	fmt.Printf("  ffprobe:      %s\n", c.FFmpeg.ProbeBinary)
	fmt.Printf("  Container:    mpegts -> %s\n", c.FFmpeg.OutputFormat)
	fmt.Printf("  Video:        %s (%s)\n", c.FFmpeg.VideoCodec, c.FFmpeg.Preset)
	fmt.Printf("  Audio:        %s\n", c.FFmpeg.AudioCodec)

	fmt.Println("\nLogging:")
	fmt.Printf("  Level:        %s\n", c.Log.Level)
	fmt.Printf("  Format:       %s\n", c.Log.Format)
	if c.Log.File != "" {
		fmt.Printf("  File:         %s\n", c.Log.File)
	}
	fmt.Println("═══════════════════════════════════════════════════════════")
}
