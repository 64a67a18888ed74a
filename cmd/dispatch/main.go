package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/joao-fontenele/orderflow-dispatch/internal/auth"
	"github.com/joao-fontenele/orderflow-dispatch/internal/claim"
	"github.com/joao-fontenele/orderflow-dispatch/internal/config"
	"github.com/joao-fontenele/orderflow-dispatch/internal/health"
	"github.com/joao-fontenele/orderflow-dispatch/internal/messaging"
	"github.com/joao-fontenele/orderflow-dispatch/internal/notify"
	"github.com/joao-fontenele/orderflow-dispatch/internal/orders"
	"github.com/joao-fontenele/orderflow-dispatch/internal/realtime"
	"github.com/joao-fontenele/orderflow-dispatch/internal/relay"
	"github.com/joao-fontenele/orderflow-dispatch/internal/store"
	"github.com/joao-fontenele/orderflow-dispatch/internal/telemetry"
)

// orderStore is what both the service and the claim engine need.
type orderStore interface {
	orders.OrderStore
	claim.Store
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		fallback := telemetry.NewLogger("info", "dispatch")
		fallback.Error().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}
	logger := telemetry.NewLogger(cfg.LogLevel, cfg.ServiceName)
	logger.Info().Str("config", cfg.String()).Msg("configuration loaded")

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, cfg.ServiceName, cfg.ServiceVersion, cfg.OTLPEndpoint, cfg.TracingEnabled)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialize tracer")
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	metricsHandler, shutdownMeter, err := telemetry.InitMeterProvider(cfg.ServiceName, cfg.ServiceVersion)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialize meter")
		os.Exit(1)
	}
	defer func() { _ = shutdownMeter(context.Background()) }()

	checker := health.NewChecker(cfg.ServiceName, logger)

	var (
		orderRepo   orderStore
		profileRepo orders.ProfileStore
		db          *sql.DB
	)
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		logger.Warn().Msg("using in-memory store, state is lost on restart and not shared between instances")
		orderRepo = store.NewMemoryOrderStore()
		profileRepo = store.NewMemoryProfileStore()
	default:
		db, err = telemetry.OpenPostgres(ctx, cfg.PostgresURL)
		if err != nil {
			logger.Error().Err(err).Msg("failed to connect to database")
			os.Exit(1)
		}
		defer func() { _ = db.Close() }()
		orderRepo = store.NewOrderRepository(db)
		profileRepo = store.NewProfileRepository(db)
		checker.Add("postgres", db.PingContext)
	}

	hub := notify.NewHub(notify.NewRegistry(), logger)
	var publisher notify.Publisher = hub

	relayCtx, stopRelay := context.WithCancel(ctx)
	relayDone := make(chan struct{})
	close(relayDone)
	if cfg.KafkaEnabled() {
		producer := messaging.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer func() { _ = producer.Close() }()
		kafkaPublisher := relay.NewKafkaPublisher(producer, hub)
		publisher = kafkaPublisher

		// Each instance reads every event, so the group id is unique per process.
		groupID := "dispatch-relay-" + uuid.NewString()
		consumer := messaging.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, groupID,
			messaging.WithStartOffset(kafka.LastOffset))
		defer func() { _ = consumer.Close() }()

		relayDone = make(chan struct{})
		go func() {
			defer close(relayDone)
			err := relay.Run(relayCtx, consumer, relay.NewHandler(hub, logger), logger.With().Str("group_id", groupID).Logger(),
				relay.WithStateListener(kafkaPublisher.SetRelayUp))
			if err != nil {
				// The reader is gone for good; keep local subscribers served.
				kafkaPublisher.SetRelayUp(false)
				logger.Error().Err(err).Msg("notification relay exited, delivering locally")
			}
		}()

		brokers := cfg.KafkaBrokers
		checker.Add("kafka", func(ctx context.Context) error { return messaging.Ping(ctx, brokers) })
	}

	engine := claim.NewEngine(orderRepo, logger, claim.WithLeaseTTL(cfg.ClaimLeaseTTL))
	service := orders.NewService(orderRepo, profileRepo, engine, publisher, logger,
		orders.WithDeliveryETA(cfg.DeliveryETA))
	handler := orders.NewHandler(service, logger)
	ws := realtime.NewServer(hub, service, logger, realtime.WithSendBuffer(cfg.WSSendBuffer))

	router := chi.NewRouter()
	router.Use(telemetry.RouteTagger)
	router.Handle("/metrics", metricsHandler)
	router.Get("/healthz", checker.ServeHTTP)
	router.Group(func(r chi.Router) {
		r.Use(auth.Middleware(cfg.JWTSecret, logger))
		handler.Register(r)
		r.Get("/ws", ws.ServeHTTP)
	})

	server := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: otelhttp.NewHandler(router, cfg.ServiceName,
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
			otelhttp.WithFilter(func(r *http.Request) bool {
				return r.URL.Path != "/metrics" && r.URL.Path != "/healthz"
			}),
		),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	shutdownHealth, err := checker.Serve(cfg.GRPCHealthAddr)
	if err != nil {
		logger.Error().Err(err).Str("addr", cfg.GRPCHealthAddr).Msg("failed to start grpc health server")
		os.Exit(1)
	}
	go checker.Run(ctx)

	go func() {
		logger.Info().Str("port", cfg.Port).Str("store", cfg.StoreDriver).Bool("relay", cfg.KafkaEnabled()).Msg("starting dispatch service")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server error")
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info().Msg("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()

	checker.Shutdown()
	ws.Shutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown error")
	}
	stopRelay()
	select {
	case <-relayDone:
	case <-shutdownCtx.Done():
		logger.Warn().Msg("relay did not stop before shutdown deadline")
	}
	if err := shutdownHealth(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("grpc health shutdown error")
	}
}
