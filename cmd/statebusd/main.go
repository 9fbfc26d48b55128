// Package main implements the entry point for statebusd, the device state
// bus daemon: it owns the pipe catalog, routes bus traffic, tracks peer
// identities and persists device settings.
package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/sailfishos/statebus/busio"
	"github.com/sailfishos/statebus/config"
	"github.com/sailfishos/statebus/datapipe"
	"github.com/sailfishos/statebus/eventloop"
	"github.com/sailfishos/statebus/metric"
	"github.com/sailfishos/statebus/peertrack"
	"github.com/sailfishos/statebus/service"
	"github.com/sailfishos/statebus/setting"
	"github.com/sailfishos/statebus/wakelock"
)

// Build information constants
const (
	Version = "1.0.0"
	appName = "statebusd"
)

// Well-known services mirrored into service-state pipes.
const (
	compositorService = "org.nemomobile.lipstick"
	devicelockService = "org.nemomobile.devicelock"
	usbModedService   = "com.meego.usb_moded"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Daemon failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return err
	}
	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	// The CLI level wins over the config file level.
	level := cfg.Verbosity
	if cliCfg.LogLevel != "" {
		level = cliCfg.LogLevel
	}
	logger, levelVar := setupLogger(level, cliCfg.LogFormat)
	slog.SetDefault(logger)
	service.Version = Version

	logger.Info("Starting statebusd",
		"bus_name", cfg.BusName,
		"config_path", cliCfg.ConfigPath)

	metrics := metric.New()
	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = serveMetrics(cfg.MetricsAddr, metrics, logger)
		defer func() { _ = metricsServer.Close() }()
	}

	loop := eventloop.New(logger)
	if err := loop.Start(); err != nil {
		return err
	}
	defer func() { _ = loop.Stop() }()

	locks := wakelock.NewManager(cfg.WakeLockPath, cfg.WakeUnlockPath, logger, metrics)

	// Hold a lock through startup so the device cannot suspend while the
	// daemon is half wired.
	startupDone := locks.Scoped("statebus_startup")
	defer startupDone()

	transport, err := busio.ConnectSystemBus(loop)
	if err != nil {
		return err
	}
	defer func() { _ = transport.Close() }()

	registry := busio.NewRegistry(transport, logger)
	router := busio.NewRouter(registry, nil, locks, logger, metrics)
	transport.SetRouter(router)

	catalog := datapipe.NewCatalog(loop, logger, metrics)

	tracker := peertrack.New(peertrack.Config{
		PrivilegedUID: cfg.PrivilegedUID,
		PrivilegedGID: cfg.PrivilegedGID,
		ProxyExecPath: cfg.ProxyExecPath,
		IdentifyIface: cfg.IdentifyService,
		IdentifyPath:  "/",
		DeleteDelay:   time.Duration(cfg.PeerDeleteDelay),
	}, loop, transport, router, nil, logger, metrics)
	router.SetArbiter(tracker)

	store, err := setting.NewStore(cfg.SettingsPath, setting.DefaultSpecs(), loop, logger)
	if err != nil {
		return err
	}

	svc := service.New(cfg, transport, store, locks, catalog, levelVar, logger)

	// Everything from here on is loop-confined state; wire it on the loop.
	if err := onLoop(loop, func() error {
		if err := tracker.Start(registry); err != nil {
			return err
		}
		tracker.BindServicePipe(compositorService, catalog.CompositorService)
		tracker.BindServicePipe(devicelockService, catalog.DevicelockService)
		tracker.BindServicePipe(usbModedService, catalog.USBModedService)

		if err := svc.Register(registry); err != nil {
			return err
		}
		wireSettings(store, catalog, logger)

		if err := store.Watch(); err != nil {
			// Reload-on-edit is a convenience, not a requirement.
			logger.Warn("settings file watch unavailable", "error", err)
		}
		return nil
	}); err != nil {
		return err
	}
	defer func() {
		_ = onLoop(loop, func() error {
			tracker.Close()
			return store.Close()
		})
	}()

	// Claim the name last: methods must be routable the moment clients
	// can find us.
	if err := transport.ClaimName(cfg.BusName); err != nil {
		return err
	}

	if err := onLoop(loop, func() error {
		catalog.InitDone.Write(datapipe.Bool(true))
		return nil
	}); err != nil {
		return err
	}
	startupDone()
	logger.Info("statebusd ready", "unique_name", transport.UniqueName())

	// Block until asked to stop.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	got := <-sig
	logger.Info("shutting down", "signal", got.String())
	return nil
}

// wireSettings keeps pipes that mirror persisted settings in sync.
func wireSettings(store *setting.Store, catalog *datapipe.Catalog, logger *slog.Logger) {
	mirror := func(key string, pipe *datapipe.Pipe) {
		if _, err := store.Subscribe(key, func(_ string, value any) {
			if n, ok := value.(int); ok {
				pipe.Write(datapipe.Int(n))
			}
		}); err != nil {
			logger.Warn("settings mirror unavailable", "key", key, "error", err)
			return
		}
		if n, err := store.GetInt(key); err == nil {
			pipe.Write(datapipe.Int(n))
		}
	}
	mirror(setting.KeyDisplayBrightness, catalog.DisplayBrightness)
	mirror(setting.KeyInactivityDelay, catalog.InactivityDelay)
}

// onLoop runs fn on the event loop and waits for its result.
func onLoop(loop *eventloop.Loop, fn func() error) error {
	done := make(chan error, 1)
	if err := loop.Post(func() { done <- fn() }); err != nil {
		return err
	}
	return <-done
}

// serveMetrics exposes the Prometheus registry on its own listener.
func serveMetrics(addr string, metrics *metric.Metrics, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics listener started", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics listener failed", "error", err)
		}
	}()
	return srv
}
