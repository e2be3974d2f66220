package fhemgateway

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kradalby/kra/web"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/kradalby/fhem-gateway/bus"
	appconfig "github.com/kradalby/fhem-gateway/config"
	"github.com/kradalby/fhem-gateway/devices"
	"github.com/kradalby/fhem-gateway/events"
	"github.com/kradalby/fhem-gateway/fhem"
	"github.com/kradalby/fhem-gateway/fhemhttp"
	"github.com/kradalby/fhem-gateway/gateway"
	"github.com/kradalby/fhem-gateway/hosts"
	"github.com/kradalby/fhem-gateway/logging"
	"github.com/kradalby/fhem-gateway/metrics"
)

var version = "dev"

// Controllers holds the per-host components built from the hosts file.
type Controllers struct {
	Engines     []*fhem.Engine
	HTTPClients []*fhemhttp.Client
	// Executors maps every host to the executor commands run on. An HTTP
	// entry replaces the telnet executor of the same host.
	Executors map[string]fhem.Executor
}

// Sources returns the engines as reading sources.
func (c *Controllers) Sources() []fhem.Source {
	out := make([]fhem.Source, 0, len(c.Engines))
	for _, e := range c.Engines {
		out = append(out, e)
	}
	return out
}

// Readers returns the HTTP clients as on-demand reading lookups.
func (c *Controllers) Readers() []ReadingsReader {
	out := make([]ReadingsReader, 0, len(c.HTTPClients))
	for _, h := range c.HTTPClients {
		out = append(out, h)
	}
	return out
}

// BuildControllers creates an engine and a telnet executor for every telnet
// host and an HTTP client for every HTTP host.
func BuildControllers(hostsCfg *hosts.Config, cfg *appconfig.Config, status *events.Bus, logger *slog.Logger) (*Controllers, error) {
	base, maxDelay, multiplier := cfg.BackoffSettings()
	backoff := fhem.Backoff{Base: base, Max: maxDelay, Multiplier: multiplier}

	c := &Controllers{Executors: make(map[string]fhem.Executor)}

	for _, h := range hostsCfg.Telnet {
		engine, err := fhem.NewEngine(fhem.EngineConfig{
			Host:     h.Host,
			Port:     h.Port,
			Password: h.Password,
			Backoff:  backoff,
		}, status, logger)
		if err != nil {
			return nil, fmt.Errorf("engine for %s: %w", h.Host, err)
		}
		c.Engines = append(c.Engines, engine)

		exec, err := fhem.NewTelnetExecutor(fhem.TelnetExecutorConfig{
			Host:     h.Host,
			Port:     h.Port,
			Password: h.Password,
			Timeout:  cfg.CommandTimeoutDuration(),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("telnet executor for %s: %w", h.Host, err)
		}
		c.Executors[h.Host] = exec
	}

	for _, h := range hostsCfg.HTTP {
		client, err := fhemhttp.New(fhemhttp.Config{
			URL:      h.URL,
			Username: h.Username,
			Password: h.Password,
			CSRF:     h.CSRF,
			Location: h.Location(),
			CacheTTL: cfg.CacheTTLDuration(),
			Timeout:  cfg.CommandTimeoutDuration(),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("http executor for %s: %w", h.URL, err)
		}
		c.HTTPClients = append(c.HTTPClients, client)

		if _, ok := c.Executors[client.Host()]; ok {
			logger.Info("http executor replaces telnet executor", "host", client.Host())
		}
		c.Executors[client.Host()] = client
	}

	return c, nil
}

// BusConfig maps the environment configuration onto the bus backends.
func BusConfig(cfg *appconfig.Config) bus.Config {
	return bus.Config{
		Backend:  cfg.Bus,
		QueueTTL: cfg.QueueTTLDuration(),
		Embedded: bus.EmbeddedConfig{
			Address: cfg.MQTTAddrPort().String(),
		},
		MQTT: bus.MQTTConfig{
			Broker:   cfg.MQTTBroker,
			ClientID: cfg.MQTTClientID,
			Username: cfg.MQTTUsername,
			Password: cfg.MQTTPassword,
		},
		NATS: bus.NATSConfig{
			URL:  cfg.NATSURL,
			Name: cfg.TailscaleHostname,
		},
	}
}

// Main is the entry point used by cmd/fhem-gateway.
func Main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := appconfig.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to configure logger: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	slog.Info("Starting fhem-gateway",
		"version", version,
		"log_level", cfg.LogLevel,
		"log_format", cfg.LogFormat,
	)

	slog.Info("Configuration loaded",
		"bus", cfg.Bus,
		"prefix", cfg.Prefix,
		"queue", cfg.Queue,
		"web_addr", cfg.WebAddrPort().String(),
		"hosts_config", cfg.HostsConfigPath,
	)

	hostsCfg, err := hosts.LoadConfig(cfg.HostsConfigPath)
	if err != nil {
		slog.Error("Failed to load hosts configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Loaded hosts",
		"telnet", len(hostsCfg.Telnet),
		"http", len(hostsCfg.HTTP),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, hostsCfg, logger); err != nil {
		slog.Error("Gateway stopped with error", "error", err)
		os.Exit(1)
	}

	slog.Info("Shutdown complete")
}

func run(ctx context.Context, cfg *appconfig.Config, hostsCfg *hosts.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eventBus, err := events.New(logger)
	if err != nil {
		return fmt.Errorf("initializing eventbus: %w", err)
	}
	defer func() {
		if err := eventBus.Close(); err != nil {
			slog.Warn("Error closing eventbus", "error", err)
		}
	}()

	metricsCollector, err := metrics.NewCollector(ctx, logger, eventBus, nil)
	if err != nil {
		return fmt.Errorf("initializing metrics collector: %w", err)
	}
	defer metricsCollector.Close()

	deviceManager, err := devices.NewManager(eventBus, logger)
	if err != nil {
		return fmt.Errorf("initializing device manager: %w", err)
	}
	go deviceManager.ProcessReadings(ctx)

	controllers, err := BuildControllers(hostsCfg, cfg, eventBus, logger)
	if err != nil {
		return err
	}

	msgBus, err := bus.Open(ctx, BusConfig(cfg), eventBus, logger)
	if err != nil {
		return fmt.Errorf("opening %s bus: %w", cfg.Bus, err)
	}
	defer func() {
		slog.Info("Closing message bus...")
		if err := msgBus.Close(); err != nil {
			slog.Error("Error closing message bus", "error", err)
		}
	}()

	if _, err := gateway.NewPublisher(msgBus, controllers.Sources(), gateway.PublisherConfig{
		Prefix:          cfg.Prefix,
		TimestampPrefix: cfg.TimestampPrefix,
	}, eventBus, logger); err != nil {
		return fmt.Errorf("initializing publisher: %w", err)
	}

	router, err := gateway.NewRouter(msgBus, controllers.Executors, gateway.RouterConfig{
		Prefix:         cfg.Prefix,
		Queue:          cfg.Queue,
		QueueDepth:     cfg.QueueDepth,
		CommandTimeout: cfg.CommandTimeoutDuration(),
	}, eventBus, logger)
	if err != nil {
		return fmt.Errorf("initializing router: %w", err)
	}
	if err := router.Start(ctx); err != nil {
		return err
	}
	defer func() {
		cancel()
		router.Wait()
	}()

	kraOpts := []web.Option{
		web.WithStdLogger(log.New(os.Stdout, "kraweb: ", log.LstdFlags)),
		web.WithLogger(logger),
		web.WithTailscaleStateDir(cfg.TailscaleStateDir),
	}

	kraConfig := web.ServerConfig{
		Hostname:        cfg.TailscaleHostname,
		LocalAddr:       cfg.WebAddrPort().String(),
		AuthKey:         cfg.TailscaleAuthKey,
		EnableTailscale: cfg.TailscaleEnabled(),
	}

	kraWeb, err := web.NewServer(kraConfig, kraOpts...)
	if err != nil {
		return fmt.Errorf("configuring web server: %w", err)
	}

	webServer, err := NewWebServer(logger, deviceManager, controllers.Executors, controllers.Readers(), eventBus, kraWeb, cfg.CommandTimeoutDuration())
	if err != nil {
		return fmt.Errorf("initializing web server: %w", err)
	}
	webServer.LogEvent("Server starting...")
	webServer.Start(ctx)
	defer func() {
		cancel()
		webServer.Close()
	}()

	kraWeb.Handle("/", http.HandlerFunc(webServer.HandleIndex))
	kraWeb.Handle("/events", http.HandlerFunc(webServer.HandleSSE))
	kraWeb.Handle("/health", http.HandlerFunc(webServer.HandleHealth))
	kraWeb.Handle("/fhem/", http.HandlerFunc(webServer.HandleREST))
	kraWeb.Handle("/metrics", promhttp.Handler())

	SetupDebugHandlers(kraWeb, &HostDebug{
		Engines:     controllers.Engines,
		Executors:   controllers.Executors,
		HTTPClients: controllers.HTTPClients,
		Router:      router,
		Status:      eventBus,
	})

	webURL := fmt.Sprintf("http://%s", cfg.WebAddrPort().String())
	if cfg.TailscaleEnabled() {
		webURL = fmt.Sprintf("https://%s (and http://%s)", cfg.TailscaleHostname, cfg.WebAddrPort().String())
	}
	slog.Info("Web UI available", "url", webURL)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	for _, engine := range controllers.Engines {
		g.Go(func() error {
			return engine.Run(gctx)
		})
	}
	for _, client := range controllers.HTTPClients {
		g.Go(func() error {
			purgeCache(gctx, client, cfg.CacheTTLDuration(), logger)
			return nil
		})
	}

	slog.Info("Gateway running, press Ctrl+C to stop",
		"engines", len(controllers.Engines),
		"executors", len(controllers.Executors),
	)

	err = g.Wait()
	slog.Info("Shutting down...")
	cancel()

	return err
}

// purgeCache drops expired readings of client every ttl until ctx is done.
func purgeCache(ctx context.Context, client *fhemhttp.Client, ttl time.Duration, logger *slog.Logger) {
	if ttl <= 0 {
		return
	}

	ticker := time.NewTicker(ttl)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := client.PurgeCache(); n > 0 {
				logger.Debug("purged cached readings", "host", client.Host(), "devices", n)
			}
		}
	}
}
