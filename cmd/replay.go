package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea/v2"
	"github.com/pb33f/harcap/config"
	"github.com/pb33f/harcap/control"
	"github.com/pb33f/harcap/motor"
	"github.com/pb33f/harcap/replay"
	"github.com/pb33f/harcap/tui"
	"github.com/pb33f/harcap/writer"
	"github.com/spf13/cobra"
)

const resultBuffer = 1024

var replayFlags struct {
	target         string
	workers        int
	persistent     bool
	blocking       bool
	sessionCookie  string
	latchTimeout   time.Duration
	requestTimeout time.Duration
	uploads        string
	control        string
	pattern        string
	mode           string
	methods        []string
	hosts          []string
	tui            bool
	json           bool
}

var replayCmd = &cobra.Command{
	Use:   "replay <har-file>",
	Short: "Replay a captured archive as a pool of virtual users",
	Long: `Replay every entry of a HAR archive against the target. Entries that share a
session cookie in the capture are replayed by the same virtual user, which keeps
its own cookies and copies hidden form fields from the pages it receives into
the forms it submits. Responses are compared with the captured status codes.`,
	Args: cobra.ExactArgs(1),
	Example: `  harcap replay login.har
  harcap replay login.har --target http://staging:8080 --workers 16 --tui
  harcap replay login.har --methods POST --pattern /checkout --json`,
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)
	f := replayCmd.Flags()
	f.StringVarP(&replayFlags.target, "target", "t", "", "Replace the captured scheme and host (defaults to HARCAP_TARGET)")
	f.IntVarP(&replayFlags.workers, "workers", "w", 0, "Concurrent exchanges (defaults to HARCAP_WORKERS)")
	f.BoolVar(&replayFlags.persistent, "persistent", true, "Carry cookies and hidden fields between requests of a virtual user")
	f.BoolVar(&replayFlags.blocking, "blocking", true, "Replay the requests of a virtual user one at a time")
	f.StringVar(&replayFlags.sessionCookie, "session-cookie", "", "Cookie that identifies a virtual user in the capture")
	f.DurationVar(&replayFlags.latchTimeout, "latch-timeout", 0, "Longest wait for the previous request of a virtual user")
	f.DurationVar(&replayFlags.requestTimeout, "request-timeout", 0, "Timeout of a single replayed exchange")
	f.StringVar(&replayFlags.uploads, "upload-dir", "", "Directory holding the captured uploads")
	f.StringVar(&replayFlags.control, "control", "-", "Control API address, \"-\" disables it")
	f.StringVarP(&replayFlags.pattern, "pattern", "p", "", "Only replay entries whose \"METHOD URL\" matches")
	f.StringVar(&replayFlags.mode, "mode", "plaintext", "Pattern mode: plaintext or regex")
	f.StringSliceVar(&replayFlags.methods, "methods", nil, "Only replay these methods")
	f.StringSliceVar(&replayFlags.hosts, "hosts", nil, "Only replay entries captured from these hosts")
	f.BoolVar(&replayFlags.tui, "tui", false, "Watch the replay in a terminal dashboard")
	f.BoolVar(&replayFlags.json, "json", false, "Print the final statistics as JSON")
}

func runReplay(cmd *cobra.Command, args []string) error {
	harFile := args[0]
	logger := GetLogger()
	if replayFlags.tui {
		logger = fileOnlyLogger()
		slog.SetDefault(logger)
	}

	if err := ValidateHARFile(harFile); err != nil {
		return err
	}

	opts, err := replayOptions(cmd, harFile, logger)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	streamer, err := InitializeStreamer(ctx, harFile, logger)
	if err != nil {
		return err
	}
	defer streamer.Close()

	collector := replay.NewCollector(resultBuffer, logger)
	replayer := replay.NewReplayer(streamer, collector, opts)

	var controlSrv *http.Server
	if addr := firstNonEmpty(replayFlags.control, cfg.ControlAddr); addr != "-" {
		ctl := &control.Controller{Replayer: replayer, Collector: collector}
		controlSrv = &http.Server{Addr: addr, Handler: control.NewServer(ctl, logger, Version)}
		go func() {
			logger.Info("control API listening", "addr", addr)
			if err := controlSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("control API failed", "addr", addr, "error", err)
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer shutdownCancel()
			if err := controlSrv.Shutdown(shutdownCtx); err != nil {
				logger.Debug("control API shutdown failed", "error", err)
			}
		}()
	}

	logger.Info("replay starting",
		"archive", harFile,
		"target", targetName(opts.Target),
		"workers", opts.Workers,
		"persistent", opts.Persistent,
		"blocking", opts.Blocking)

	start := time.Now()
	if replayFlags.tui {
		err = runReplayDashboard(ctx, cancel, harFile, opts, replayer, collector)
	} else {
		err = runHeadless(ctx, replayer, collector)
	}
	if errors.Is(err, context.Canceled) {
		logger.Warn("replay interrupted")
		err = nil
	}

	stats := collector.Stats()
	logger.Info("replay finished",
		"total", stats.Total,
		"succeeded", stats.Succeeded,
		"mismatched", stats.Mismatched,
		"failed", stats.Failed,
		"sessions", replayer.Sessions().Len(),
		"elapsed", time.Since(start).Round(time.Millisecond))

	if replayFlags.json {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(control.ReplayStatus{
			Stats:    stats,
			Sessions: replayer.Sessions().Len(),
		}); encErr != nil {
			return errors.Join(err, encErr)
		}
	}
	return err
}

func runHeadless(ctx context.Context, replayer *replay.Replayer, collector *replay.Collector) error {
	// nobody reads the results channel, counters are enough
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for range collector.Results() {
		}
	}()

	err := replayer.Run(ctx)
	collector.Close()
	<-drained
	return err
}

func runReplayDashboard(ctx context.Context, cancel context.CancelFunc, harFile string, opts replay.Options,
	replayer *replay.Replayer, collector *replay.Collector) error {

	target := ""
	if opts.Target != nil {
		target = opts.Target.String()
	}
	model := tui.NewReplayDashboard(tui.DashboardOptions{
		Archive: harFile,
		Target:  target,
		Results: collector.Results(),
		Stats:   collector.Stats,
		Cancel:  cancel,
	})

	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))

	runErr := make(chan error, 1)
	go func() {
		err := replayer.Run(ctx)
		collector.Close()
		p.Send(tui.RunFinishedMsg{Err: err})
		runErr <- err
	}()

	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		cancel()
		<-runErr
		return fmt.Errorf("error running TUI: %w", err)
	}

	// the dashboard can be closed before the replay has finished
	cancel()
	return <-runErr
}

func replayOptions(cmd *cobra.Command, harFile string, logger *slog.Logger) (replay.Options, error) {
	target, err := config.ParseTarget(firstNonEmpty(replayFlags.target, cfg.Target))
	if err != nil {
		return replay.Options{}, err
	}

	mode, err := motor.ParseSearchMode(replayFlags.mode)
	if err != nil {
		return replay.Options{}, err
	}
	var filter *motor.EntryFilter
	if replayFlags.pattern != "" || len(replayFlags.methods) > 0 || len(replayFlags.hosts) > 0 {
		filter, err = motor.NewEntryFilter(motor.FilterOptions{
			Pattern: replayFlags.pattern,
			Mode:    mode,
			Methods: replayFlags.methods,
			Hosts:   replayFlags.hosts,
		})
		if err != nil {
			return replay.Options{}, fmt.Errorf("invalid filter: %w", err)
		}
	}

	opts := replay.Options{
		Target:        target,
		Workers:       cfg.Workers,
		Persistent:    cfg.Persistent,
		Blocking:      cfg.Blocking,
		SessionCookie: firstNonEmpty(replayFlags.sessionCookie, cfg.SessionCookie),
		LatchTimeout:  cfg.LatchTimeout,
		Filter:        filter,
		Uploads:       replay.DirUploads(firstNonEmpty(replayFlags.uploads, cfg.UploadDir, writer.DefaultUploadDir(harFile))),
		Logger:        logger,
	}

	requestTimeout := cfg.RequestTimeout
	flags := cmd.Flags()
	if flags.Changed("workers") {
		opts.Workers = replayFlags.workers
	}
	if flags.Changed("persistent") {
		opts.Persistent = replayFlags.persistent
	}
	if flags.Changed("blocking") {
		opts.Blocking = replayFlags.blocking
	}
	if flags.Changed("latch-timeout") {
		opts.LatchTimeout = replayFlags.latchTimeout
	}
	if flags.Changed("request-timeout") {
		requestTimeout = replayFlags.requestTimeout
	}

	opts.Client = &http.Client{
		Timeout: requestTimeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return opts, nil
}
