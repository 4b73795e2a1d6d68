package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"distcoder/config"
	"distcoder/ffmpeg"
	"distcoder/ffprobe"
	"distcoder/internal/logging"
	"distcoder/internal/timeutil"
	"distcoder/ledger"
	"distcoder/merger"
	"distcoder/models"
	"distcoder/orchestrator"
	"distcoder/staging"
	"distcoder/substrate"
	"distcoder/telemetry"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	// Step 1: Load configuration (CLI flags > config file > defaults)
	cfg, err := config.LoadConfig(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration error: %v\n", err)
		return 2
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}

	// Step 2: Handle dry-run mode
	if cfg.DryRun {
		return dryRun(cfg)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Logging setup failed: %v\n", err)
		return 1
	}
	defer logger.Close()
	log := logger.Logger

	// Step 3: Cancel on Ctrl+C or SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case cfg.Timings != "":
		err = printTimings(ctx, cfg, os.Stdout, log)
	case cfg.Worker:
		err = runWorker(ctx, cfg, log)
	default:
		var report *models.RunReport
		report, err = runJobs(ctx, cfg, log)
		if report != nil {
			printReport(report)
		}
		if err == nil && report.PartialFailure() {
			return 1
		}
	}

	if err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Println("\n⚠️  Run cancelled by user")
			return 130 // Standard exit code for SIGINT
		}
		fmt.Fprintf(os.Stderr, "\n❌ %v\n", err)
		return 1
	}
	return 0
}

func dryRun(cfg *config.Config) int {
	fmt.Println("═══════════════════════════════════════════════════════════")
	fmt.Println("                      DRY RUN MODE")
	fmt.Println("═══════════════════════════════════════════════════════════")
	cfg.PrintConfig()

	if cfg.Jobs != "" {
		defs, err := config.LoadJobs(cfg.Jobs)
		if err != nil {
			fmt.Fprintf(os.Stderr, "❌ Job list error: %v\n", err)
			return 2
		}
		fmt.Printf("\nJobs (%d):\n", len(defs))
		for i, def := range defs {
			def, err := cfg.ApplyJobDefaults(def)
			if err != nil {
				fmt.Printf("  %3d  ✗ %v\n", i, err)
				continue
			}
			fmt.Printf("  %3d  %s  [%s -> %s]  %s -> %s\n",
				i, def.DisplayName(), def.InputClass, def.OutputClass, def.Input, def.Output)
		}
	}
	fmt.Println("\n✓ Configuration is valid. No jobs will be run.")
	return 0
}

// runJobs executes the job list of cfg as one run.
func runJobs(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*models.RunReport, error) {
	fmt.Println("╔════════════════════════════════════════════════════════════════╗")
	fmt.Println("║                  DISTCODER - RUN START                         ║")
	fmt.Println("╚════════════════════════════════════════════════════════════════╝")
	fmt.Printf("Run ID:     %s\n", cfg.RunID)
	fmt.Printf("Jobs:       %s\n", cfg.Jobs)
	fmt.Printf("Substrate:  %s (%d partitions)\n", cfg.Substrate, cfg.Partitions)
	fmt.Println()

	transcoder := ffmpeg.NewTranscoder(transcoderConfig(cfg), log)

	store, closeStore, err := openTelemetry(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer closeStore()

	sub, closeSub := buildSubstrate(cfg, transcoder, log)
	defer closeSub()

	deps := orchestrator.Deps{
		Engine: &ffprobe.PacketEngine{
			Prober:       ffprobe.Prober{Binary: cfg.FFmpeg.ProbeBinary},
			FFmpegBinary: cfg.FFmpeg.Binary,
		},
		Substrate: sub,
		Stager:    staging.New(nil, log),
		Merger:    merger.New(log).SetRemuxer(transcoder.Executor()),
		Telemetry: store,
		Log:       log,
	}
	if cfg.Ledger != "" {
		ldg, err := ledger.Open(cfg.Ledger)
		if err != nil {
			return nil, err
		}
		defer ldg.Close()
		deps.Ledger = ldg
	}

	orch := orchestrator.New(deps, orchestrator.Options{
		StagingDir:         cfg.StagingDir,
		Partitions:         cfg.Partitions,
		Workers:            cfg.Workers,
		SubstrateName:      cfg.Substrate,
		LargeFileThreshold: cfg.LargeFileThreshold,
		SegmentExt:         segmentExt(cfg.FFmpeg.OutputFormat),
		Prepare:            cfg.ApplyJobDefaults,
	})
	return orch.Execute(ctx, cfg.RunID, func(ctx context.Context) ([]models.JobDefinition, error) {
		return config.LoadJobs(cfg.Jobs)
	})
}

func transcoderConfig(cfg *config.Config) ffmpeg.TranscoderConfig {
	return ffmpeg.TranscoderConfig{
		Binary:       cfg.FFmpeg.Binary,
		OutputFormat: cfg.FFmpeg.OutputFormat,
		VideoCodec:   cfg.FFmpeg.VideoCodec,
		AudioCodec:   cfg.FFmpeg.AudioCodec,
		Preset:       cfg.FFmpeg.Preset,
	}
}

// buildSubstrate returns the configured substrate and a function releasing
// its connections.
func buildSubstrate(cfg *config.Config, t substrate.Transcoder, log zerolog.Logger) (substrate.Substrate, func()) {
	if cfg.Substrate != "kafka" {
		return substrate.NewLocal(t, cfg.Workers, cfg.Retries, log), func() {}
	}

	bal := &substrate.RouteBalancer{}
	work := substrate.NewWorkWriter(cfg.Kafka.Brokers, cfg.Kafka.WorkTopic, bal)
	status := substrate.NewReader(cfg.Kafka.Brokers, cfg.Kafka.StatusTopic, cfg.Kafka.GroupID+"-coordinator")
	return substrate.NewKafka(work, status, bal, log), func() {
		if err := work.Close(); err != nil {
			log.Warn().Err(err).Msg("closing work writer")
		}
		if err := status.Close(); err != nil {
			log.Warn().Err(err).Msg("closing status reader")
		}
	}
}

// openTelemetry connects the configured timing store.
func openTelemetry(ctx context.Context, cfg *config.Config) (telemetry.Store, func(), error) {
	if cfg.Telemetry.Backend != "redis" {
		return telemetry.NewMemoryStore(), func() {}, nil
	}
	rc := cfg.Telemetry.Redis
	client, err := telemetry.DialRedis(ctx, rc.Addr, rc.Password, rc.DB)
	if err != nil {
		return nil, nil, err
	}
	return telemetry.NewRedisStore(client, rc.KeyPrefix, rc.TTL), func() { client.Close() }, nil
}

// segmentExt maps an ffmpeg container name to a file extension.
func segmentExt(format string) string {
	switch format {
	case "matroska":
		return ".mkv"
	case "", "mpegts":
		return ".ts"
	default:
		return "." + format
	}
}

// runWorker consumes kafka work until interrupted.
func runWorker(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	fmt.Println("╔════════════════════════════════════════════════════════════════╗")
	fmt.Println("║                 DISTCODER - WORKER START                       ║")
	fmt.Println("╚════════════════════════════════════════════════════════════════╝")
	fmt.Printf("Brokers:    %s\n", strings.Join(cfg.Kafka.Brokers, ","))
	fmt.Printf("Work:       %s (group %s)\n", cfg.Kafka.WorkTopic, cfg.Kafka.GroupID)
	fmt.Printf("Status:     %s\n", cfg.Kafka.StatusTopic)
	fmt.Println()

	reader := substrate.NewReader(cfg.Kafka.Brokers, cfg.Kafka.WorkTopic, cfg.Kafka.GroupID)
	defer reader.Close()
	writer := substrate.NewStatusWriter(cfg.Kafka.Brokers, cfg.Kafka.StatusTopic)
	defer writer.Close()

	w := substrate.NewWorker(reader, writer, ffmpeg.NewTranscoder(transcoderConfig(cfg), log), cfg.Retries, log)
	if err := w.Run(ctx); err != nil {
		return err
	}
	return ctx.Err()
}

// printTimings writes the timing report of run cfg.Timings to w.
func printTimings(ctx context.Context, cfg *config.Config, w io.Writer, log zerolog.Logger) error {
	store, closeStore, err := openTelemetry(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	entries, err := telemetry.Entries(ctx, store, cfg.Timings)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return fmt.Errorf("no timing records for run %s", cfg.Timings)
	}
	log.Debug().Str("run_id", cfg.Timings).Int("items", len(entries)).Msg("loaded timings")

	fmt.Fprintf(w, "Timings of run %s\n\n", cfg.Timings)
	return telemetry.WriteReport(w, entries)
}

func printReport(report *models.RunReport) {
	elapsed := report.FinishedAt.Sub(report.StartedAt)

	fmt.Println()
	fmt.Println("═══════════════════════════════════════════════════════════")
	if report.PartialFailure() {
		fmt.Println("                 ⚠️  RUN FINISHED WITH FAILURES")
	} else {
		fmt.Println("                     ✅ RUN COMPLETE")
	}
	fmt.Println("═══════════════════════════════════════════════════════════")
	for _, j := range report.Jobs {
		mark := "✓"
		switch j.Status {
		case models.JobFailed:
			mark = "✗"
		case models.JobSkipped:
			mark = "-"
		}
		fmt.Printf("  %s %3d  %-24s %-9s %s", mark, j.Index, j.Name, j.Status, timeutil.FormatSeconds(j.Duration.Seconds()))
		if j.Stage != "" {
			fmt.Printf("  [%s]", j.Stage)
		}
		fmt.Println()
		if j.Err != nil && j.Status == models.JobFailed {
			fmt.Printf("          %s\n", j.ErrorString())
		}
	}
	fmt.Println("───────────────────────────────────────────────────────────")
	fmt.Printf("  Run ID:      %s\n", report.RunID)
	fmt.Printf("  Summary:     %s\n", report.Summary())
	fmt.Printf("  Total time:  %s\n", elapsed.Round(time.Millisecond))
	fmt.Println("═══════════════════════════════════════════════════════════")
}
