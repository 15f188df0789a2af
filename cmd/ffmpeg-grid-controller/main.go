// Package main provides the ffmpeg-grid-controller CLI entry point.
//
// ffmpeg-grid-controller watches an RTMP ingest server's statistics page and
// keeps a single ffmpeg process composing every live camera into one grid
// stream, relaunching it whenever the set of cameras changes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/randomizedcoder/go-ffmpeg-grid-controller/internal/config"
	"github.com/randomizedcoder/go-ffmpeg-grid-controller/internal/logging"
	"github.com/randomizedcoder/go-ffmpeg-grid-controller/internal/orchestrator"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0" ./cmd/ffmpeg-grid-controller
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// Handle version flag early (before flag parsing)
	if len(os.Args) > 1 {
		arg := os.Args[1]
		if arg == "-version" || arg == "--version" || arg == "version" {
			fmt.Printf("ffmpeg-grid-controller %s\n", version)
			return 0
		}
	}

	cfg, err := config.ParseFlags()
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		return 1
	}
	if cfg.ShowVersion {
		fmt.Printf("ffmpeg-grid-controller %s\n", version)
		return 0
	}

	// When TUI is enabled, suppress logs to avoid interfering with TUI rendering
	var logger *slog.Logger
	if cfg.TUIEnabled {
		logger = logging.NewLoggerWithWriter(io.Discard, "json", "info")
	} else {
		logger = logging.NewLogger(cfg.LogFormat, "info", cfg.Verbose)
	}
	slog.SetDefault(logger)

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error:\n%v\n", err)
		return 1
	}

	if cfg.PrintCmd != "" {
		return printFFmpegCommand(cfg)
	}

	logger.Info("starting",
		"version", version,
		"stats_url", cfg.StatsURL,
		"ingest_url", cfg.IngestURL,
		"egress_url", cfg.EgressURL,
		"interval", cfg.Interval.String(),
		"max_cameras", cfg.MaxCameras,
		"metrics_addr", cfg.MetricsAddr,
	)

	if !cfg.TUIEnabled {
		printBanner(cfg)
	}

	orch := orchestrator.New(cfg, logger, version)
	if err := orch.Run(context.Background()); err != nil {
		logger.Error("orchestrator_failed", "error", err)
		if errors.Is(err, orchestrator.ErrPreflight) {
			fmt.Fprintf(os.Stderr, "%v\n", err)
		}
		return 1
	}

	return 0
}

// printBanner prints the startup banner.
func printBanner(cfg *config.Config) {
	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════════════╗")
	fmt.Println("║                     ffmpeg-grid-controller                        ║")
	fmt.Println("║        Live camera grid composition with FFmpeg                   ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Stats:       %s (every %s)\n", cfg.StatsURL, cfg.Interval)
	fmt.Printf("  Ingest:      %s/<camN>\n", cfg.IngestURL)
	fmt.Printf("  Egress:      %s\n", cfg.EgressURL)
	fmt.Printf("  Cameras:     up to %d\n", cfg.MaxCameras)
	if len(cfg.Labels) > 0 {
		fmt.Printf("  Labels:      %d configured\n", len(cfg.Labels))
	}
	if cfg.MetricsAddr != "" {
		fmt.Printf("  Metrics:     http://%s/metrics\n", cfg.MetricsAddr)
	}
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop.")
	fmt.Println()
}

// printFFmpegCommand prints the command that would run for the -print-cmd set.
func printFFmpegCommand(cfg *config.Config) int {
	set, err := cfg.PrintCmdSet()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: -print-cmd: %v\n", err)
		return 1
	}

	runner, _ := orchestrator.NewRunner(cfg)
	cmd, err := runner.CommandString(set)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Printf("# FFmpeg command that would be run for %s:\n", set)
	fmt.Println()
	fmt.Println(cmd)
	return 0
}
