package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/pb33f/harcap/config"
	"github.com/pb33f/harcap/motor"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	verbose bool
	logFile string
	envFile string
	cfg     *config.Config
	Logger  *slog.Logger

	// rotating log file, nil when logging only to stderr
	logSink io.Writer
	logOpts *slog.HandlerOptions

	rootCmd = &cobra.Command{
		Use:   "harcap",
		Short: "Capture HTTP traffic into HAR archives and replay it as virtual users",
		Long: `harcap sits between a browser and a web application, decodes every exchange
(including url-encoded and multipart form posts with file uploads) and writes
them to a HAR archive. Archives can then be replayed against the same or another
host by a pool of virtual users that carry their own cookies and hidden form
fields from page to page.`,
		Example: `  harcap capture --target http://localhost:8080 --output login.har
  harcap replay login.har --target http://staging:8080 --tui
  harcap inspect login.har --json`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(envFiles()...)
			if err != nil {
				return err
			}
			cfg = loaded
			return setupLogger()
		},
	}
)

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Also write logs to this file, rotated (defaults to HARCAP_LOG_FILE)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Load HARCAP_* defaults from this file instead of .env")
	rootCmd.SetHelpTemplate(RenderBanner() + "\n" + rootCmd.HelpTemplate())

	// will be reconfigured in PersistentPreRunE based on flags
	Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func envFiles() []string {
	if envFile != "" {
		return []string{envFile}
	}
	return nil
}

// setupLogger configures the global slog logger from the verbose flag and the configured
// level. A log file, when set, receives a copy of everything through a rotating writer.
func setupLogger() error {
	level := cfg.Level()
	opts := &slog.HandlerOptions{Level: level}
	if verbose {
		opts.Level = slog.LevelDebug
		opts.AddSource = true
	}

	var out io.Writer = os.Stderr
	path := logFile
	if path == "" {
		path = cfg.LogFile
	}
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create log directory: %w", err)
		}
		logSink = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    25,
			MaxBackups: 10,
			MaxAge:     14,
			Compress:   true,
		}
		out = io.MultiWriter(os.Stderr, logSink)
	}

	logOpts = opts
	Logger = slog.New(slog.NewTextHandler(out, opts))
	slog.SetDefault(Logger)

	if verbose {
		Logger.Debug("verbose logging enabled",
			"level", slog.LevelDebug.String(),
			"pid", os.Getpid())
	}
	return nil
}

// fileOnlyLogger logs to the log file alone, or nowhere. Used while a full screen TUI owns the
// terminal.
func fileOnlyLogger() *slog.Logger {
	if logSink == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return slog.New(slog.NewTextHandler(logSink, logOpts))
}

// GetLogger returns the global logger instance
func GetLogger() *slog.Logger {
	return Logger
}

// ValidateHARFile checks that the archive exists and is not a directory.
func ValidateHARFile(harFile string) error {
	if harFile == "" {
		return fmt.Errorf("HAR file path is required")
	}

	info, err := os.Stat(harFile)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("HAR file does not exist: %s", harFile)
		}
		return fmt.Errorf("error accessing HAR file: %w", err)
	}

	if info.IsDir() {
		return fmt.Errorf("provided path is a directory, not a file: %s", harFile)
	}

	return nil
}

// InitializeStreamer opens and indexes an archive.
func InitializeStreamer(ctx context.Context, harFile string, logger *slog.Logger) (motor.HARStreamer, error) {
	streamer, err := motor.NewHARStreamer(harFile, motor.DefaultStreamerOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to create HAR streamer: %w", err)
	}

	logger.Debug("building HAR file index...")
	if err := streamer.Initialize(ctx); err != nil {
		if closeErr := streamer.Close(); closeErr != nil {
			logger.Debug("error closing streamer after initialization failure", "error", closeErr)
		}
		return nil, fmt.Errorf("failed to initialize HAR streamer: %w", err)
	}

	index := streamer.GetIndex()
	logger.Info("HAR file loaded",
		"entries", index.TotalEntries,
		"file_size_kb", index.FileSize/1024,
		"unique_urls", index.UniqueURLs,
		"build_time", index.BuildTime)

	if index.Creator != nil {
		logger.Debug("HAR creator", "name", index.Creator.Name, "version", index.Creator.Version)
	}

	return streamer, nil
}
