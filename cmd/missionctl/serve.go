package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kingrea/missionctl/internal/config"
	"github.com/kingrea/missionctl/internal/eventbridge"
	"github.com/kingrea/missionctl/internal/logging"
	"github.com/kingrea/missionctl/internal/session"
	"github.com/kingrea/missionctl/internal/snapshot"
	"github.com/kingrea/missionctl/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

func serveCmd(opts *rootOptions) *cobra.Command {
	var host string
	var port int
	var console bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Host mission sessions over HTTP",
		Long: `Start the mission server.

Examples:
  missionctl serve
  missionctl serve --port 9000
  MISSIONCTL_PERSISTENCE=sqlite missionctl serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts, host, port, console)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "bind host (overrides config)")
	cmd.Flags().IntVar(&port, "port", 0, "bind port (overrides config)")
	cmd.Flags().BoolVar(&console, "console", false, "log to stderr instead of .missionctl/logs")
	return cmd
}

func runServe(cmd *cobra.Command, opts *rootOptions, host string, port int, console bool) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if err := config.InitDir(cfg.WorkspaceDir); err != nil {
		return err
	}
	logger := logging.NewConsole(cmd.ErrOrStderr())
	if !console {
		if logger, err = logging.New(cfg.WorkspaceDir); err != nil {
			return err
		}
	}
	defer logger.Close()

	store, err := snapshot.Open(ctx, cfg.File.Persistence.Driver, cfg.PersistencePath())
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
		if missions, err := store.List(ctx); err != nil {
			logger.Warn().Err(err).Msg("listing persisted missions")
		} else {
			logger.Info().Int("missions", len(missions)).Str("driver", cfg.File.Persistence.Driver).Msg("snapshot store ready")
		}
	}

	router := eventbridge.NewRouter(eventbridge.RouterWithLogger(logger))
	sink, err := buildSink(ctx, cfg, logger, router)
	if err != nil {
		return err
	}
	manager := session.NewManager(session.Options{
		TenantID:    cfg.Tenant(),
		Sink:        sink,
		Snapshots:   store,
		Logger:      logger,
		EmitTimeout: cfg.EmitTimeout(),
	})

	settings, err := eventbridge.SettingsFromConfig(cfg)
	if err != nil {
		return err
	}
	if host != "" {
		settings.Host = host
	}
	if port > 0 {
		settings.Port = port
	}
	if !settings.Enabled {
		return errors.New("server is disabled in the workspace config")
	}
	srv := eventbridge.NewServer(settings,
		eventbridge.WithSessions(manager),
		eventbridge.WithRouter(router),
		eventbridge.WithLogger(logger),
	)
	// Request contexts derive from base; cancelling it ends open event streams.
	base, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	if err := srv.Start(base); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "missionctl listening on %s\n", srv.BaseURL())

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	cancelBase()
	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown: %w", err))
	}
	if err := manager.CloseAll(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("closing sessions: %w", err))
	}
	telemetry.ShutdownOTel(shutdownCtx)
	return errors.Join(errs...)
}

// buildSink assembles the telemetry sinks listed in the config.
func buildSink(ctx context.Context, cfg *config.Config, logger *logging.Logger, router *eventbridge.Router) (telemetry.Sink, error) {
	var sinks []telemetry.Sink
	if cfg.SinkEnabled(config.SinkLog) {
		sinks = append(sinks, telemetry.NewLogSink(logger.Zerolog()))
	}
	if cfg.SinkEnabled(config.SinkLogbook) {
		sinks = append(sinks, telemetry.NewLogbookSink(cfg.LogbooksDir()))
	}
	if cfg.SinkEnabled(config.SinkOTel) {
		otelCfg := cfg.File.Telemetry.OTel
		err := telemetry.InitOTel(ctx, telemetry.OTelSettings{
			Enabled:  true,
			Stdout:   otelCfg.Stdout,
			Endpoint: otelCfg.Endpoint,
			Version:  Version,
		})
		if err != nil {
			return nil, err
		}
		otelSink, err := telemetry.NewOTelSink(nil, nil)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, otelSink)
	}
	if cfg.SinkEnabled(config.SinkHTTP) {
		httpSink, err := telemetry.NewHTTPSink(cfg.File.Telemetry.Endpoint, &http.Client{Timeout: cfg.EmitTimeout()})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, httpSink)
	}
	if cfg.SinkEnabled(config.SinkBridge) {
		sinks = append(sinks, router)
	}
	logger.Info().Strs("sinks", cfg.File.Telemetry.Sinks).Msg("telemetry sinks configured")
	return telemetry.Multi(sinks...), nil
}
