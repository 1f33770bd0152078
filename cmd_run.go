package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	go2tvadapters "go2tv.app/loopcast/internal/adapters/go2tv"
	"go2tv.app/loopcast/internal/buildinfo"
	"go2tv.app/loopcast/internal/config"
	"go2tv.app/loopcast/internal/discovery"
	"go2tv.app/loopcast/internal/domain"
	"go2tv.app/loopcast/internal/lifecycle"
	"go2tv.app/loopcast/internal/log"
	"go2tv.app/loopcast/internal/manager"
	"go2tv.app/loopcast/internal/renderer"
	"go2tv.app/loopcast/internal/sessions"
	"go2tv.app/loopcast/internal/store"
	"go2tv.app/loopcast/internal/streaming"
)

const shutdownTimeout = 10 * time.Second

func newRunCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the orchestrator until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("LOOPCAST_CONFIG"), "path to a YAML config file")
	return cmd
}

func runDaemon(parent context.Context, configPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, warnings, err := config.NewLoader(configPath).Load()
	if err != nil {
		return err
	}

	log.Configure(log.Config{Level: cfg.LogLevel, Service: "loopcast"})
	// Loading the config may already have configured the base logger.
	log.SetLevel(cfg.LogLevel)
	logger := log.WithComponent("daemon")
	for _, w := range warnings {
		logger.Warn().Str("warning", w).Msg("config_warning")
	}
	logger.Info().
		Str("version", buildinfo.Version).
		Str("serve_ip", cfg.ServeIP).
		Int("port_min", cfg.PortMin).
		Int("port_max", cfg.PortMax).
		Str("monitor_variant", cfg.Monitor.Variant).
		Msg("loopcast_start")

	ctx, stopSignals := lifecycle.SignalContext(parent)
	defer stopSignals()

	bundle := go2tvadapters.NewBundle()

	sessionsLogger := log.WithComponent("sessions")
	registry := sessions.NewRegistry(sessions.Options{
		StallAfter:    cfg.Sessions.StallAfter,
		CheckInterval: cfg.Sessions.CheckInterval,
		Logger:        &sessionsLogger,
	})

	streamingLogger := log.WithComponent("streaming")
	mediaServer := streaming.NewServer(streaming.Options{
		Registry:    registry,
		StagingRoot: cfg.StagingRoot,
		PortMin:     cfg.PortMin,
		PortMax:     cfg.PortMax,
		Logger:      &streamingLogger,
	})

	rendererLogger := log.WithComponent("renderer")
	renderers := renderer.Factory{
		DLNA: bundle.DLNAFactory,
		Monitor: renderer.MonitorConfig{
			Variant:           cfg.Monitor.Variant,
			PollInterval:      cfg.Monitor.PollInterval,
			InactivityTimeout: cfg.Monitor.InactivityTimeout,
			EndMargin:         cfg.Monitor.EndMargin,
			StopWait:          cfg.Monitor.StopWait,
		},
		Logger: &rendererLogger,
	}

	managerLogger := log.WithComponent("manager")
	mgr := manager.New(manager.Options{
		Publisher:   mediaServer,
		Controllers: controllerFactory(renderers),
		Videos:      store.Videos{},
		Discoverer:  discovery.NewService(bundle.Discovery, discovery.Options{Timeout: cfg.Discovery.Timeout}),
		ServeIP:     cfg.ServeIP,
		ResolveServeIP: func(info domain.DeviceInfo) (string, error) {
			return bundle.ListenResolver.ListenIP(info.ActionEndpoint)
		},
		PortMin:           cfg.PortMin,
		PortMax:           cfg.PortMax,
		DiscoveryInterval: cfg.Discovery.Interval,
		SweepInterval:     cfg.Scheduler.SweepInterval,
		Logger:            &managerLogger,
	})
	registry.SetStallHandler(mgr.HandleStalledSession)

	registryDone := make(chan struct{})
	go func() {
		defer close(registryDone)
		registry.Run(ctx)
	}()

	applyStaticConfig(ctx, mgr, cfg)
	if cfg.Discovery.Enabled {
		mgr.StartDiscovery()
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = startMetricsServer(cfg.MetricsAddr)
	}

	<-ctx.Done()
	logger.Info().Str("reason", context.Cause(ctx).Error()).Msg("loopcast_stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := mgr.Close(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err := mediaServer.StopAllServers(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}
	<-registryDone

	if err := errors.Join(errs...); err != nil {
		logger.Error().Err(err).Msg("loopcast_shutdown_failed")
		return err
	}
	logger.Info().Msg("loopcast_stopped")
	return nil
}

// controllerFactory adapts the renderer factory to the manager. The error
// check keeps a nil *renderer.Client out of the interface.
func controllerFactory(f renderer.Factory) manager.ControllerFactory {
	return func(info domain.DeviceInfo, onProgress func(domain.PlaybackProgress)) (manager.Controller, error) {
		c, err := f.New(info, onProgress)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// applyStaticConfig registers configured devices, records configured
// assignments for the discovery loop and starts those whose device is known.
func applyStaticConfig(ctx context.Context, mgr *manager.Manager, cfg config.Config) {
	logger := log.WithComponent("daemon")

	for _, info := range cfg.Devices {
		info.Source = domain.SourceConfig
		if _, err := mgr.RegisterDevice(ctx, info); err != nil {
			logger.Warn().Err(err).Str("device", info.Name).Msg("config_device_register_failed")
		}
	}

	for _, a := range cfg.Assignments {
		priority := a.EffectivePriority()
		mgr.SetConfiguredVideo(a.Device, a.Video, priority)
		if _, ok := mgr.GetDevice(a.Device); !ok {
			continue
		}
		ok, err := mgr.Assign(ctx, domain.AssignRequest{Device: a.Device, VideoPath: a.Video, Priority: priority})
		if err != nil {
			logger.Warn().Err(err).Str("device", a.Device).Str("video", a.Video).Msg("config_assignment_failed")
			continue
		}
		logger.Info().Str("device", a.Device).Str("video", a.Video).Bool("playing", ok).Msg("config_assignment_applied")
	}
}

func startMetricsServer(addr string) *http.Server {
	logger := log.WithComponent("metrics")

	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info().Str("addr", addr).Msg("metrics_listen")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", addr).Msg("metrics_listen_failed")
		}
	}()
	return srv
}
