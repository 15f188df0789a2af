package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
)

// labelList is a custom flag type for repeatable -label camN=Text flags.
type labelList []string

func (l *labelList) String() string {
	return strings.Join(*l, ", ")
}

func (l *labelList) Set(value string) error {
	key, text, ok := strings.Cut(value, "=")
	if !ok || strings.TrimSpace(key) == "" {
		return fmt.Errorf("label must be camN=Text (got %q)", value)
	}
	*l = append(*l, strings.TrimSpace(key)+"="+text)
	return nil
}

// apply copies the parsed labels into m, overriding existing keys.
func (l labelList) apply(m map[string]string) {
	for _, kv := range l {
		key, text, _ := strings.Cut(kv, "=")
		m[key] = text
	}
}

// ParseFlags parses os.Args.
func ParseFlags() (*Config, error) {
	return ParseArgs(os.Args[1:], os.Stderr)
}

// ParseArgs parses command-line arguments into a Config. When -config
// names a YAML file it is loaded first and flags given explicitly on the
// command line override it. Usage and parse errors go to output.
func ParseArgs(args []string, output io.Writer) (*Config, error) {
	if output == nil {
		output = io.Discard
	}

	cfg := DefaultConfig()
	fs, labels := newFlagSet(cfg, output)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.ConfigFile != "" {
		fileCfg := DefaultConfig()
		if err := LoadFile(cfg.ConfigFile, fileCfg); err != nil {
			return nil, err
		}
		cfg = fileCfg
		fs, labels = newFlagSet(cfg, io.Discard)
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
	}

	labels.apply(cfg.Labels)

	if fs.NArg() > 0 {
		return nil, errors.New("unexpected arguments: " + strings.Join(fs.Args(), " "))
	}
	return cfg, nil
}

// newFlagSet binds every flag to cfg.
func newFlagSet(cfg *Config, output io.Writer) (*flag.FlagSet, *labelList) {
	fs := flag.NewFlagSet("ffmpeg-grid-controller", flag.ContinueOnError)
	fs.SetOutput(output)
	labels := &labelList{}

	fs.Usage = func() {
		fmt.Fprintf(output, `ffmpeg-grid-controller - compose live RTMP cameras into one grid stream

Usage:
  ffmpeg-grid-controller [flags]

Ingest:
`)
		printFlagCategory(fs, output, []string{"stats-url", "ingest-url", "egress-url", "interval", "fetch-timeout", "max-cameras", "label", "config"})

		fmt.Fprintf(output, "\nFFmpeg:\n")
		printFlagCategory(fs, output, []string{"ffmpeg", "ffmpeg-loglevel", "vcodec", "preset", "font-file", "font-size"})

		fmt.Fprintf(output, "\nProcess Lifecycle:\n")
		printFlagCategory(fs, output, []string{"stop-timeout", "retry-initial", "retry-max"})

		fmt.Fprintf(output, "\nObservability:\n")
		printFlagCategory(fs, output, []string{"progress", "metrics", "ingest-host-metrics", "v", "log-format", "tui"})

		fmt.Fprintf(output, "\nDiagnostics:\n")
		printFlagCategory(fs, output, []string{"print-cmd", "skip-preflight", "version"})

		fmt.Fprintf(output, `
Examples:
  # Poll the local nginx-rtmp stat page every 5s
  ffmpeg-grid-controller -label cam1="Front Door" -label cam2=Garage

  # Show the ffmpeg command for two cameras and exit
  ffmpeg-grid-controller -print-cmd cam1,cam3

`)
	}

	// Ingest
	fs.StringVar(&cfg.StatsURL, "stats-url", cfg.StatsURL, "Ingest server statistics URL")
	fs.StringVar(&cfg.IngestURL, "ingest-url", cfg.IngestURL, "Ingest base URL; /<camera> is appended")
	fs.StringVar(&cfg.EgressURL, "egress-url", cfg.EgressURL, "Destination of the composed stream")
	fs.DurationVar(&cfg.Interval, "interval", cfg.Interval, "Poll interval")
	fs.DurationVar(&cfg.FetchTimeout, "fetch-timeout", cfg.FetchTimeout, "Statistics request timeout")
	fs.IntVar(&cfg.MaxCameras, "max-cameras", cfg.MaxCameras, "Maximum cameras in the grid (1-6)")
	fs.Var(labels, "label", "Display label camN=Text (can repeat)")
	fs.StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "YAML config file; explicit flags override it")

	// FFmpeg
	fs.StringVar(&cfg.FFmpegPath, "ffmpeg", cfg.FFmpegPath, "Path to FFmpeg binary")
	fs.StringVar(&cfg.FFmpegLogLevel, "ffmpeg-loglevel", cfg.FFmpegLogLevel, "FFmpeg -loglevel")
	fs.StringVar(&cfg.VideoCodec, "vcodec", cfg.VideoCodec, "Output video codec")
	fs.StringVar(&cfg.Preset, "preset", cfg.Preset, "Encoder preset")
	fs.StringVar(&cfg.FontFile, "font-file", cfg.FontFile, "Font for camera labels (empty = fontconfig default)")
	fs.IntVar(&cfg.FontSize, "font-size", cfg.FontSize, "Label font size")

	// Process lifecycle
	fs.DurationVar(&cfg.StopTimeout, "stop-timeout", cfg.StopTimeout, "Wait after SIGTERM before SIGKILL")
	fs.DurationVar(&cfg.RetryInitial, "retry-initial", cfg.RetryInitial, "First relaunch delay after a crash")
	fs.DurationVar(&cfg.RetryMax, "retry-max", cfg.RetryMax, "Maximum relaunch delay (0 = poll interval)")

	// Observability
	fs.BoolVar(&cfg.Progress, "progress", cfg.Progress, "Parse FFmpeg -progress output for encode stats")
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Metrics and status API address (empty = disabled)")
	fs.StringVar(&cfg.IngestHostMetricsURL, "ingest-host-metrics", cfg.IngestHostMetricsURL,
		"Ingest host node_exporter URL (e.g., http://10.0.0.5:9100/metrics). Empty = disabled.")
	fs.BoolVar(&cfg.Verbose, "v", cfg.Verbose, "Verbose logging")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, `Log format: "json" or "text"`)
	fs.BoolVar(&cfg.TUIEnabled, "tui", cfg.TUIEnabled, "Enable live terminal dashboard")

	// Diagnostics
	fs.StringVar(&cfg.PrintCmd, "print-cmd", cfg.PrintCmd, `Print the FFmpeg command for cameras (e.g. "cam1,cam3") and exit`)
	fs.BoolVar(&cfg.SkipPreflight, "skip-preflight", cfg.SkipPreflight, "Skip preflight checks")
	fs.BoolVar(&cfg.ShowVersion, "version", cfg.ShowVersion, "Print version and exit")

	return fs, labels
}

// printFlagCategory prints flags matching the given names (helper for usage).
func printFlagCategory(fs *flag.FlagSet, w io.Writer, names []string) {
	for _, name := range names {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		fmt.Fprintf(w, "  -%s %s\n    \t%s", f.Name, flagType(f), f.Usage)
		switch f.DefValue {
		case "", "false", "0", "0s":
		default:
			fmt.Fprintf(w, " (default %s)", f.DefValue)
		}
		fmt.Fprintln(w)
	}
}

// flagType returns a type hint for the flag value.
func flagType(f *flag.Flag) string {
	type boolFlag interface{ IsBoolFlag() bool }
	if b, ok := f.Value.(boolFlag); ok && b.IsBoolFlag() {
		return ""
	}
	if _, ok := f.Value.(*labelList); ok {
		return "camN=Text"
	}
	if g, ok := f.Value.(flag.Getter); ok {
		switch g.Get().(type) {
		case int:
			return "int"
		case interface{ Seconds() float64 }:
			return "duration"
		}
	}
	return "string"
}
