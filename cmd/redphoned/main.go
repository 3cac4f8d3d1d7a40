package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/redphone/redphoned/internal/api"
	"github.com/redphone/redphoned/internal/call"
	"github.com/redphone/redphoned/internal/config"
	"github.com/redphone/redphoned/internal/directory"
	"github.com/redphone/redphoned/internal/discovery"
	"github.com/redphone/redphoned/internal/hook"
	"github.com/redphone/redphoned/internal/metrics"
	"github.com/redphone/redphoned/internal/pbx"
	"github.com/redphone/redphoned/internal/presence"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	startTime := time.Now()

	// Load the appliance settings file and start watching it for edits.
	store, err := config.NewStore(cfg.SettingsFile, logger)
	if err != nil {
		slog.Error("failed to load settings", "file", cfg.SettingsFile, "error", err)
		os.Exit(1)
	}
	settings := store.Settings()

	slog.Info("starting redphoned",
		"identity", settings.Identity(),
		"extension", settings.Extension,
		"http_port", cfg.HTTPPort,
	)

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	if err := store.Watch(appCtx); err != nil {
		slog.Error("failed to watch settings file", "error", err)
		os.Exit(1)
	}

	self := discovery.SelfInfo{
		Identity:  settings.Identity(),
		Name:      settings.PhoneName,
		Extension: settings.Extension,
	}

	// Assemble the discovery sources the settings enable.
	registry := presence.NewRegistry(settings.StaleAfter, settings.EvictAfter, logger)

	var sources []discovery.Source
	var announcers []metrics.AnnounceStatsProvider

	if settings.LocalBroadcast {
		src := discovery.NewUDPSource(discovery.UDPSourceConfig{
			ListenAddr:    fmt.Sprintf(":%d", settings.UDPPort),
			BroadcastAddr: fmt.Sprintf("255.255.255.255:%d", settings.UDPPort),
			Interval:      settings.AnnounceInterval,
			Tier:          presence.TierLocalSegment,
		}, self, logger)
		sources = append(sources, src)
		announcers = append(announcers, src)
	}

	if settings.VPNBroadcast {
		src := discovery.NewUDPSource(discovery.UDPSourceConfig{
			// Bind the VPN subnet's broadcast address so this listener
			// does not collide with the wildcard LAN listener on the
			// same port.
			ListenAddr:    settings.VPNBroadcastAddr,
			BroadcastAddr: settings.VPNBroadcastAddr,
			Interval:      settings.AnnounceInterval,
			Tier:          presence.TierVPNBroadcast,
		}, self, logger)
		sources = append(sources, src)
		announcers = append(announcers, src)
	}

	var dirSource *discovery.DirectorySource
	if settings.Directory {
		client := directory.NewTailscaleClient(settings.DirectoryTag, cfg.HTTPPort, logger)
		dirSource = discovery.NewDirectorySource(client, self, settings.PollInterval, logger)
		sources = append(sources, dirSource)
	}

	engine := discovery.NewEngine(registry, self, sources, settings.SweepInterval, logger)
	engine.Start(appCtx)
	defer engine.Stop()

	// PBX link. The client reconnects on its own; a dead PBX only surfaces
	// when a call is attempted.
	ami := pbx.NewAMIClient(pbx.AMIConfig{
		Addr:     settings.AMIAddr,
		Username: settings.AMIUser,
		Secret:   settings.AMISecret,
	}, logger)
	ami.Start(appCtx)
	defer ami.Stop()

	machine := call.NewMachine(call.Config{
		SelfIdentity:  settings.Identity(),
		SelfExtension: settings.Extension,
	}, ami, engine, store.Window, logger)
	go machine.Run(appCtx, ami.Events())

	// Physical handset switch, if this build of the appliance has one.
	if settings.GPIOEnabled {
		gpio := hook.NewGPIOSource(hook.GPIOConfig{
			ValuePath:  settings.GPIOValuePath,
			HighOnLift: settings.GPIOHighOnLift,
		}, logger)
		if err := gpio.Start(appCtx); err != nil {
			slog.Error("failed to start hook switch", "error", err)
			os.Exit(1)
		}
		defer gpio.Stop()
		go runHookEvents(gpio.Events(), machine)
	}

	// Metrics.
	var pollCounter metrics.PollFailureCounter
	if dirSource != nil {
		pollCounter = dirSource
	}
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(metrics.NewCollector(engine, machine, pollCounter, announcers, startTime))
	metricsHandler := promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})

	// HTTP server using the api package.
	hub := api.NewHub(logger)
	apiSrv := api.NewServer(logger, engine, machine, store, hub, metricsHandler)
	defer apiSrv.Close()

	machine.OnStateChange(apiSrv.BroadcastCallStatus)
	go runPresenceEvents(appCtx, engine, apiSrv)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      apiSrv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // the events websocket stays open indefinitely
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	slog.Info("redphoned stopped")
}

// runHookEvents routes handset switch transitions into the call state
// machine until the source closes its channel.
func runHookEvents(events <-chan hook.Event, machine *call.Machine) {
	for ev := range events {
		if ev.Lifted {
			machine.HandsetLifted()
		} else {
			machine.HandsetReplaced()
		}
	}
}

// runPresenceEvents forwards registry changes to websocket subscribers.
func runPresenceEvents(ctx context.Context, engine *discovery.Engine, apiSrv *api.Server) {
	sub, cancel := engine.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-sub:
			if !ok {
				return
			}
			apiSrv.BroadcastPresence(n.Identity, n.Kind)
		}
	}
}
