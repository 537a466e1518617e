package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gocomet/ride-dispatch/internal/api/handlers"
	"github.com/gocomet/ride-dispatch/internal/api/routes"
	"github.com/gocomet/ride-dispatch/internal/config"
	"github.com/gocomet/ride-dispatch/internal/events"
	"github.com/gocomet/ride-dispatch/internal/notify"
	"github.com/gocomet/ride-dispatch/internal/routing"
	"github.com/gocomet/ride-dispatch/internal/service/dispatch"
	"github.com/gocomet/ride-dispatch/internal/service/inbound"
	"github.com/gocomet/ride-dispatch/internal/service/matching"
	"github.com/gocomet/ride-dispatch/internal/service/pricing"
	"github.com/gocomet/ride-dispatch/internal/service/rides"
	sessionsvc "github.com/gocomet/ride-dispatch/internal/service/session"
	"github.com/gocomet/ride-dispatch/pkg/logger"
	"github.com/gocomet/ride-dispatch/pkg/metrics"
	"github.com/gocomet/ride-dispatch/pkg/monitoring"
	"github.com/gocomet/ride-dispatch/pkg/retry"
	"github.com/gocomet/ride-dispatch/pkg/websocket"
	gorilla "github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	appLogger, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer appLogger.Sync()

	if err := run(cfg, appLogger); err != nil {
		appLogger.Error("Dispatch service stopped with error", logger.Err(err))
		appLogger.Sync()
		os.Exit(1)
	}
	appLogger.Info("Dispatch service stopped gracefully")
}

func run(cfg *config.Config, appLogger *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appLogger.Info("Starting ride dispatch service",
		logger.String("env", cfg.Server.Env),
		logger.String("port", cfg.Server.Port),
		logger.String("storage", cfg.Storage.Driver),
	)

	// Initialize New Relic
	nrApp, err := monitoring.New(monitoring.Config{
		LicenseKey: cfg.NewRelic.LicenseKey,
		AppName:    cfg.NewRelic.AppName,
		Enabled:    cfg.NewRelic.Enabled,
	})
	if err != nil {
		appLogger.Warn("Failed to initialize New Relic", logger.Err(err))
		nrApp, _ = monitoring.New(monitoring.Config{})
	} else if nrApp.IsEnabled() {
		appLogger.Info("New Relic APM initialized", logger.String("app_name", cfg.NewRelic.AppName))
	} else {
		appLogger.Info("New Relic APM disabled")
	}
	defer nrApp.Shutdown(10 * time.Second)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	stores, err := openStores(ctx, cfg, nrApp, appLogger)
	if err != nil {
		return err
	}
	defer stores.close()

	retryPolicy := retry.DefaultPolicy()
	retryPolicy.Attempts = cfg.Dispatch.RetryAttempts
	retryPolicy.InitialDelay = cfg.Dispatch.RetryDelay

	// Events. The Kafka writer is closed after the bus has drained.
	var kafkaPublisher *events.KafkaPublisher
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaPublisher = events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, appLogger.Named("kafka"))
		defer kafkaPublisher.Close()
		appLogger.Info("Publishing ride events to Kafka", logger.String("topic", cfg.Kafka.Topic))
	}
	bus := events.NewBus(appLogger.Named("events"))
	defer bus.Close()

	rideService := rides.NewService(stores.rides, bus, appLogger.Named("rides"), rides.WithRetryPolicy(retryPolicy))

	// Notifications
	wsHub := websocket.NewHub(appLogger.Named("websocket"))
	notifier := notify.NewHubNotifier(wsHub)

	// Pricing and routing
	surge := pricing.DefaultSurgeRule()
	surge.Multiplier = cfg.Pricing.SurgeMultiplier
	if surge.Windows, err = pricing.ParseWindows(cfg.Pricing.PeakWindows); err != nil {
		return err
	}
	if surge.Location, err = cfg.Pricing.SurgeLocation(); err != nil {
		return fmt.Errorf("surge time zone: %w", err)
	}
	fares := pricing.NewService(pricing.Config{
		BaseFare:      cfg.Pricing.BaseFare,
		PerKMRate:     cfg.Pricing.PerKMRate,
		PerMinuteRate: cfg.Pricing.PerMinuteRate,
		MinimumFare:   cfg.Pricing.MinimumFare,
	}, surge, appLogger.Named("pricing"))

	var routeProvider routing.Provider = routing.NewStraightLine(cfg.Routing.AverageSpeedKPH, cfg.Routing.DetourFactor)
	if cfg.Routing.GoogleMapsAPIKey != "" {
		gm, err := routing.NewGoogleMaps(cfg.Routing.GoogleMapsAPIKey)
		if err != nil {
			return err
		}
		routeProvider = gm
		appLogger.Info("Using Google Maps routing")
	}

	// Dispatch
	matcher := matching.NewService(stores.index, appLogger.Named("matching"), matching.Config{
		SearchRadiusKM: cfg.Dispatch.SearchRadiusKM,
		MinRating:      cfg.Dispatch.MinRating,
		MaxCandidates:  cfg.Dispatch.MaxCandidates,
	})
	scheduler := dispatch.NewScheduler(dispatch.Deps{
		Rides:    rideService,
		Users:    stores.users,
		Index:    stores.index,
		Matcher:  matcher,
		Notifier: notifier,
		Offers:   stores.offers,
		Metrics:  metrics.NewDispatch(registry),
		Logger:   appLogger,
	}, dispatch.Config{
		OfferTimeout:  cfg.Dispatch.OfferTimeout,
		PollInterval:  cfg.Dispatch.PollInterval,
		PollRadiusKM:  cfg.Dispatch.PollRadiusKM,
		SweepInterval: cfg.Dispatch.SweepInterval,
		Retry:         retryPolicy,
	})

	bus.Subscribe("dispatch", scheduler.HandleEvent)
	bus.Subscribe("announcer", notify.NewAnnouncer(notifier, appLogger.Named("announcer")).Handle)
	bus.Subscribe("telemetry", events.TelemetryHandler(nrApp))
	if kafkaPublisher != nil {
		bus.Subscribe("kafka", kafkaPublisher.Handle)
	}

	// Inbound
	machine := sessionsvc.NewMachine(stores.sessions, stores.users, rideService, routeProvider, fares, appLogger.Named("session"))
	router := inbound.NewRouter(machine, rideService, scheduler, notifier, inbound.RateLimit{
		PerSecond: cfg.RateLimit.EventsPerSecond,
		Burst:     cfg.RateLimit.Burst,
	}, appLogger)

	// HTTP
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())

	h := handlers.NewHandlers(router, wsHub, gorilla.Upgrader{
		ReadBufferSize:  cfg.WebSocket.ReadBufferSize,
		WriteBufferSize: cfg.WebSocket.WriteBufferSize,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}, appLogger)
	routes.SetupRoutes(engine, h, nrApp.Application, metrics.NewHTTP(registry))

	srv := &http.Server{
		Addr:           fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:        engine,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		wsHub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return scheduler.Run(gctx)
	})
	g.Go(func() error {
		appLogger.Info("Server starting", logger.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if cfg.Metrics.Addr != "" {
		metricsSrv := &http.Server{
			Addr:    cfg.Metrics.Addr,
			Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		}
		g.Go(func() error {
			appLogger.Info("Metrics listening", logger.String("address", metricsSrv.Addr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return metricsSrv.Close()
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		appLogger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
