package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"imcontext/internal/config"
	"imcontext/internal/health"
	"imcontext/internal/ime"
	"imcontext/internal/logging"
	"imcontext/internal/metrics"
	"imcontext/internal/transport"
)

func runCmd() *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Drive an input context from stdin",
		Long: "Connects to the configured input method server and reads line commands\n" +
			"from stdin. Server callbacks are printed to stdout.\n\n" + consoleHelp,
		RunE: func(cmd *cobra.Command, args []string) error {
			if metricsAddr != "" {
				cfg.Metrics.Enabled = true
				cfg.Metrics.ListenAddr = metricsAddr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSession(ctx, cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve metrics on this address")
	return cmd
}

func runSession(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer) error {
	id := uuid.NewString()
	ctx = logging.ContextWithSessionID(ctx, id)
	logger := logging.Default().WithContext(ctx)

	handle, err := transport.New(cfg.Transport, transport.Options{
		Logger:    logger.WithComponent("transport").Logger,
		SessionID: id,
	})
	if err != nil {
		return err
	}

	orientation, err := ime.ParseOrientation(cfg.Session.InitialOrientation)
	if err != nil {
		return err
	}

	registry := metrics.Default()
	host := newConsoleHost(out)
	ctrl := ime.NewController(handle, host,
		ime.WithSessionID(id),
		ime.WithLogger(logger.WithComponent("inputcontext").Logger),
		ime.WithObserver(metrics.NewSessionMetrics(registry)),
		ime.WithAckMode(ime.ParseAckMode(cfg.Session.ResetAck)),
		ime.WithOrientation(orientation),
	)

	crash := logging.NewCrashHandler(&logging.CrashHandlerConfig{
		Version:   Version,
		Component: "imctl",
	})
	crash.SetInputContext(id)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.Metrics.Enabled {
		checker := health.NewChecker(func() bool { return ctrl.Snapshot().Connected })
		checker.Register(&health.Component{Name: "connection", Critical: true, Check: health.ConnectionCheck(ctrl.Snapshot)})
		checker.Register(&health.Component{Name: "resets", Check: health.ResetBacklogCheck(ctrl.Snapshot, maxPendingResets)})
		stopMetrics := serveMetrics(ctx, cfg.Metrics.ListenAddr, registry, checker, logger)
		defer stopMetrics()
	}

	if loader := watchConfig(ctx, ctrl, logger); loader != nil {
		defer loader.Close()
	}

	errs := make(chan error, 2)
	go func() {
		errs <- handle.Run(ctx)
	}()
	go func() {
		errs <- crash.Guard(map[string]any{"loop": "events"}, func() error {
			return ctrl.Run(ctx)
		})
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	logger.Info("input context started", "transport", cfg.Transport.Kind, "reset_ack", ctrl.AckMode().String())

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errs:
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			err := crash.Guard(map[string]any{"command": line}, func() error {
				return execLine(ctrl, host, out, line)
			})
			switch {
			case errors.Is(err, errQuit):
				return nil
			case errors.Is(err, logging.ErrCrashed):
				return err
			case err != nil:
				fmt.Fprintf(out, "error: %v\n", err)
			}
		}
	}
}

// maxPendingResets is the reset backlog above which health reports degraded.
const maxPendingResets = 3

func serveMetrics(ctx context.Context, addr string, registry *metrics.Registry, checker *health.Checker, logger *logging.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", registry.HTTPHandler())
	checker.Mount(mux)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}
}

// watchConfig applies orientation changes from the config file while
// running. Other sections take effect on restart.
func watchConfig(ctx context.Context, ctrl *ime.Controller, logger *logging.Logger) *config.Loader {
	loader := config.NewLoader(configPath)
	if _, err := loader.Load(); err != nil {
		logger.Warn("config watch disabled", "error", err)
		return nil
	}
	if err := loader.Watch(); err != nil {
		logger.Debug("config watch disabled", "error", err)
		return nil
	}

	loader.OnChange(func(prev, next *config.Config) {
		if prev.Transport != next.Transport || prev.Logging != next.Logging || prev.Metrics != next.Metrics {
			logger.Info("configuration changed; restart to apply transport, logging or metrics settings")
		}
		if prev.Session.InitialOrientation != next.Session.InitialOrientation {
			if err := ctrl.SetOrientation(ime.Orientation(next.Session.InitialOrientation)); err != nil {
				logger.Warn("ignoring orientation from config", "error", err)
			}
		}
	})
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-loader.Errors():
				logger.Warn("config reload failed", "error", err)
			}
		}
	}()
	return loader
}
