package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pb33f/harcap/config"
	"github.com/pb33f/harcap/control"
	"github.com/pb33f/harcap/proxy"
	"github.com/pb33f/harcap/writer"
	"github.com/pb33f/harhar"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

var captureFlags struct {
	listen  string
	target  string
	output  string
	uploads string
	spool   string
	control string
	paused  bool
}

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Run a recording proxy that writes every exchange to a HAR archive",
	Long: `Start an HTTP proxy that forwards traffic to the target and records every
request and response into a HAR archive. Uploaded files are stored next to the
archive so the exchange can be replayed later. Capture failures are logged and
never interrupt the proxied traffic.`,
	Args: cobra.NoArgs,
	Example: `  harcap capture --target http://localhost:8080
  harcap capture --target http://localhost:8080 --output login.har --listen :9000
  harcap capture --control - --paused`,
	RunE: runCapture,
}

func init() {
	rootCmd.AddCommand(captureCmd)
	f := captureCmd.Flags()
	f.StringVarP(&captureFlags.listen, "listen", "l", "", "Proxy listen address (defaults to HARCAP_LISTEN_ADDR)")
	f.StringVarP(&captureFlags.target, "target", "t", "", "Upstream base URL (defaults to HARCAP_TARGET)")
	f.StringVarP(&captureFlags.output, "output", "o", "", "HAR archive to write (defaults to HARCAP_OUTPUT)")
	f.StringVar(&captureFlags.uploads, "upload-dir", "", "Directory for uploaded files")
	f.StringVar(&captureFlags.spool, "spool-dir", "", "Directory for uploads while they are decoded")
	f.StringVar(&captureFlags.control, "control", "", "Control API address, \"-\" disables it")
	f.BoolVar(&captureFlags.paused, "paused", false, "Start with capturing paused")
}

func runCapture(cmd *cobra.Command, args []string) error {
	logger := GetLogger()

	listen := firstNonEmpty(captureFlags.listen, cfg.ListenAddr)
	output := firstNonEmpty(captureFlags.output, cfg.Output)
	controlAddr := firstNonEmpty(captureFlags.control, cfg.ControlAddr)

	// no target forwards absolute-form requests to their own host
	target, err := config.ParseTarget(firstNonEmpty(captureFlags.target, cfg.Target))
	if err != nil {
		return err
	}

	archive, err := writer.NewHARWriter(writer.Options{
		Path:      output,
		UploadDir: firstNonEmpty(captureFlags.uploads, cfg.UploadDir),
		Creator:   harhar.Creator{Name: "harcap", Version: Version},
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	p, err := proxy.New(proxy.Options{
		Target:   target,
		Writer:   archive,
		SpoolDir: firstNonEmpty(captureFlags.spool, cfg.SpoolDir),
		Logger:   logger,
	})
	if err != nil {
		return errors.Join(err, archive.Close())
	}
	if captureFlags.paused {
		p.Pause()
	}

	servers := []*http.Server{{Addr: listen, Handler: p}}
	if controlAddr != "-" {
		ctl := &control.Controller{Proxy: p, Archive: archive}
		servers = append(servers, &http.Server{Addr: controlAddr, Handler: control.NewServer(ctl, logger, Version)})
	}

	logger.Info("capture proxy starting",
		"listen", listen,
		"target", targetName(target),
		"output", archive.Path(),
		"uploads", archive.UploadDir(),
		"control", controlAddr,
		"paused", p.Paused())

	serveErr := serve(logger, servers...)

	stats := p.Stats()
	closeErr := archive.Close()
	written := archive.Stats()
	logger.Info("capture finished",
		"exchanges", stats.Exchanges,
		"captured", stats.Captured,
		"capture_errors", stats.CaptureErrors,
		"upstream_errors", stats.UpstreamErrors,
		"entries", written.Entries,
		"uploads", written.Uploads)

	return errors.Join(serveErr, closeErr)
}

// serve runs the servers until SIGINT/SIGTERM or the first server failure, then shuts all of
// them down.
func serve(logger *slog.Logger, servers ...*http.Server) error {
	serverErr := make(chan error, len(servers))
	for _, srv := range servers {
		go func() {
			logger.Info("listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("server failed", "addr", srv.Addr, "error", err)
				serverErr <- fmt.Errorf("listen on %s: %w", srv.Addr, err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var err error
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err = <-serverErr:
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if shutdownErr := srv.Shutdown(ctx); shutdownErr != nil {
			logger.Error("shutdown failed", "addr", srv.Addr, "error", shutdownErr)
		}
	}
	return err
}

func targetName(u *url.URL) string {
	if u == nil {
		return "(request host)"
	}
	return u.String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
