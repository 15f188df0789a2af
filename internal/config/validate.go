package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/randomizedcoder/go-ffmpeg-grid-controller/internal/ingest"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// MinInterval is the shortest accepted poll interval.
const MinInterval = 500 * time.Millisecond

var (
	validLogFormats = map[string]bool{"json": true, "text": true}

	validFFmpegLogLevels = map[string]bool{
		"quiet": true, "panic": true, "fatal": true, "error": true,
		"warning": true, "info": true, "verbose": true, "debug": true, "trace": true,
	}
)

// Validate checks the configuration and returns every problem found,
// joined with errors.Join. Returns nil if valid.
func Validate(cfg *Config) error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if err := validateURL(cfg.StatsURL, "http", "https"); err != nil {
		add("stats_url", "%v", err)
	}
	if err := validateURL(cfg.IngestURL); err != nil {
		add("ingest_url", "%v", err)
	}
	if err := validateURL(cfg.EgressURL); err != nil {
		add("egress_url", "%v", err)
	}
	if cfg.IngestHostMetricsURL != "" {
		if err := validateURL(cfg.IngestHostMetricsURL, "http", "https"); err != nil {
			add("ingest_host_metrics", "%v", err)
		}
	}

	if cfg.Interval < MinInterval {
		add("interval", "must be at least %v (got %v)", MinInterval, cfg.Interval)
	}
	if cfg.FetchTimeout <= 0 {
		add("fetch_timeout", "must be positive")
	} else if cfg.FetchTimeout > cfg.Interval {
		add("fetch_timeout", "must not exceed interval %v (got %v)", cfg.Interval, cfg.FetchTimeout)
	}
	if cfg.MaxCameras < 1 || cfg.MaxCameras > ingest.MaxCameras {
		add("max_cameras", "must be between 1 and %d (got %d)", ingest.MaxCameras, cfg.MaxCameras)
	}
	for key := range cfg.Labels {
		if _, ok := ingest.ParseStreamID(key); !ok {
			add("labels", "unknown camera %q (want cam1..cam%d)", key, ingest.MaxCameras)
		}
	}

	if strings.TrimSpace(cfg.FFmpegPath) == "" {
		add("ffmpeg_path", "must not be empty")
	}
	if !validFFmpegLogLevels[cfg.FFmpegLogLevel] {
		add("ffmpeg_log_level", "unknown level %q", cfg.FFmpegLogLevel)
	}
	if cfg.VideoCodec == "" {
		add("video_codec", "must not be empty")
	}
	if strings.ContainsAny(cfg.FontFile, "'\n") {
		add("font_file", "must not contain quotes or newlines")
	}
	if cfg.FontSize < 8 || cfg.FontSize > 200 {
		add("font_size", "must be between 8 and 200 (got %d)", cfg.FontSize)
	}

	if cfg.StopTimeout <= 0 {
		add("stop_timeout", "must be positive")
	}
	if cfg.RetryInitial <= 0 {
		add("retry_initial", "must be positive")
	}
	if cfg.RetryMax < 0 || (cfg.RetryMax > 0 && cfg.RetryMax < cfg.RetryInitial) {
		add("retry_max", "must be 0 or >= retry_initial")
	}

	if !validLogFormats[cfg.LogFormat] {
		add("log_format", "must be 'json' or 'text' (got %q)", cfg.LogFormat)
	}
	if cfg.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(cfg.MetricsAddr); err != nil {
			add("metrics_addr", "%v", err)
		}
	}

	if cfg.PrintCmd != "" {
		if _, err := cfg.PrintCmdSet(); err != nil {
			add("print_cmd", "%v", err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// validateURL checks that rawURL has a host and, when schemes are given,
// one of those schemes.
func validateURL(rawURL string, schemes ...string) error {
	if rawURL == "" {
		return errors.New("must not be empty")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme == "" {
		return errors.New("URL must have a scheme")
	}
	if len(schemes) > 0 {
		ok := false
		for _, s := range schemes {
			if u.Scheme == s {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("URL scheme must be %s (got %q)", strings.Join(schemes, " or "), u.Scheme)
		}
	}
	if u.Host == "" {
		return errors.New("URL must have a host")
	}
	return nil
}
