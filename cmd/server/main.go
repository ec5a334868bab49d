package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"itinero/cmd/server/config"
	"itinero/internal/booking"
	bookingdb "itinero/internal/db/booking"
	"itinero/internal/events"
	"itinero/internal/httpapi"
	"itinero/internal/idempotency"
	"itinero/internal/observability"
	"itinero/internal/realtime"
	"itinero/internal/remote"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	httpCfg, err := config.LoadHTTP()
	if err != nil {
		return err
	}
	redisCfg, err := config.LoadRedis()
	if err != nil {
		return err
	}
	remoteCfg, err := config.LoadRemote()
	if err != nil {
		return err
	}
	relCfg, err := config.LoadReliability()
	if err != nil {
		return err
	}
	sagaCfg, err := config.LoadSaga()
	if err != nil {
		return err
	}
	obsCfg, err := config.LoadObservability()
	if err != nil {
		return err
	}

	metrics := observability.NewMetrics()

	stores, cleanupStores := buildStores(ctx, config.LoadPostgres().DSN, logger)
	defer cleanupStores()

	outcomes, bus, cleanupRedis := buildRedis(redisCfg, logger)
	defer cleanupRedis()

	hub := realtime.NewHub(logger)
	go hub.Run()
	defer hub.Close()

	reservations, payments, billing := buildClients(stores, remoteCfg, relCfg, metrics)

	orchestrator := booking.NewOrchestrator(booking.OrchestratorConfig{
		Store:        stores.sagas,
		Reservations: reservations,
		Payments:     payments,
		Billing:      billing,
		Outcomes:     outcomes,
		Publisher:    events.NewFanoutPublisher(bus, hub),
		Metrics:      metrics,
		Retry: booking.RetryPolicy{
			MaxAttempts: relCfg.RetryMaxAttempts,
			BaseDelay:   relCfg.RetryBaseDelay,
			MaxDelay:    relCfg.RetryMaxDelay,
		},
		StepTimeout:   sagaCfg.StepTimeout,
		HoldTTL:       sagaCfg.HoldTTL,
		MaxConcurrent: sagaCfg.MaxConcurrent,
		Logger:        logger,
	})

	if err := orchestrator.Recover(ctx); err != nil {
		logger.Error("recovery failed", "error", err)
	}

	if stores.sweeper != nil {
		go runSweeper(ctx, stores.sweeper, sagaCfg.SweepInterval, logger)
	}

	obsSrv := startObservabilityServer(obsCfg.Addr, metrics, logger)

	apiSrv := &http.Server{
		Addr:    httpCfg.Addr,
		Handler: httpapi.NewRouter(httpapi.NewHandler(orchestrator, logger), hub),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", httpCfg.Addr)
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpCfg.ShutdownTimeout)
	defer cancel()

	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api shutdown", "error", err)
	}
	if err := orchestrator.Drain(shutdownCtx); err != nil {
		logger.Warn("saga drain incomplete", "error", err)
	}
	metrics.MarkShutdown(0)
	if obsSrv != nil {
		_ = obsSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// stores bundles the persistence layer. Postgres when a DSN is configured,
// in-memory otherwise; the in-memory fallback keeps local development and
// tests free of external services.
type storeSet struct {
	sagas        booking.SagaStore
	reservations booking.ReservationClient
	billing      booking.BillingClient
	sweeper      booking.ReservationSweeper
}

func buildStores(ctx context.Context, dsn string, logger *slog.Logger) (storeSet, func()) {
	memRes := booking.NewMemoryReservationClient()
	set := storeSet{
		sagas:        booking.NewMemorySagaStore(),
		reservations: memRes,
		billing:      booking.NewMemoryBillingClient(),
		sweeper:      memRes,
	}
	cleanup := func() {}

	if dsn == "" {
		logger.Info("no DATABASE_URL, using in-memory stores")
		return set, cleanup
	}

	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		logger.Warn("postgres open failed, using in-memory stores", "error", err)
		return set, cleanup
	}

	setupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	sagas, err := bookingdb.NewSagaStoreWithSchema(setupCtx, sqlDB)
	if err != nil {
		logger.Warn("postgres init failed, using in-memory stores", "error", err)
		_ = sqlDB.Close()
		return set, cleanup
	}
	reservations, err := bookingdb.NewReservationStoreWithSchema(setupCtx, sqlDB)
	if err != nil {
		logger.Warn("postgres init failed, using in-memory stores", "error", err)
		_ = sqlDB.Close()
		return set, cleanup
	}
	billing, err := bookingdb.NewBillingStoreWithSchema(setupCtx, sqlDB)
	if err != nil {
		logger.Warn("postgres init failed, using in-memory stores", "error", err)
		_ = sqlDB.Close()
		return set, cleanup
	}

	logger.Info("postgres stores enabled")
	set.sagas = sagas
	set.reservations = reservations
	set.billing = billing
	set.sweeper = reservations
	cleanup = func() {
		if err := sqlDB.Close(); err != nil {
			logger.Warn("close postgres", "error", err)
		}
	}
	return set, cleanup
}

func buildRedis(cfg config.RedisConfig, logger *slog.Logger) (booking.OutcomeCache, events.Publisher, func()) {
	if cfg.Addr == "" {
		logger.Info("no REDIS_ADDR, outcome cache and event stream disabled")
		return nil, nil, func() {}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	outcomes := idempotency.NewRedisOutcomeStore(client, cfg.OutcomeTTL)
	bus := events.NewRedisStreamPublisher(client, cfg.Stream, cfg.StreamMaxLen)
	cleanup := func() {
		if err := client.Close(); err != nil {
			logger.Warn("close redis", "error", err)
		}
	}
	logger.Info("redis enabled", "addr", cfg.Addr, "stream", cfg.Stream)
	return outcomes, bus, cleanup
}

// buildClients swaps in REST clients for capabilities with a configured URL
// and wraps the payment path in the reliability stack.
func buildClients(stores storeSet, remoteCfg config.RemoteConfig, relCfg config.ReliabilityConfig, metrics *observability.Metrics) (booking.ReservationClient, booking.PaymentClient, booking.BillingClient) {
	reservations := stores.reservations
	if remoteCfg.ReservationURL != "" {
		reservations = remote.NewReservationClient(remoteCfg.ReservationURL, remoteCfg.Timeout)
	}

	billing := stores.billing
	if remoteCfg.BillingURL != "" {
		billing = remote.NewBillingClient(remoteCfg.BillingURL, remoteCfg.Timeout)
	}

	var payments booking.PaymentClient = booking.NewMemoryPaymentClient()
	if remoteCfg.PaymentURL != "" {
		payments = remote.NewPaymentClient(remoteCfg.PaymentURL, remoteCfg.Timeout)
	}
	limiter := booking.NewRateLimiter(relCfg.RateLimitInterval, relCfg.RateLimitBurst)
	breaker := booking.NewCircuitBreaker(booking.CircuitBreakerConfig{
		MaxFailures:  relCfg.BreakerMaxFailures,
		ResetTimeout: relCfg.BreakerResetTimeout,
	})
	payments = booking.NewReliablePaymentClient(payments, limiter, breaker, metrics.AddPaymentWait)

	return reservations, payments, billing
}

func runSweeper(ctx context.Context, sweeper booking.ReservationSweeper, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			released, err := sweeper.SweepExpired(ctx)
			if err != nil {
				logger.Warn("hold sweep failed", "error", err)
				continue
			}
			if released > 0 {
				logger.Info("released expired holds", "count", released)
			}
		}
	}
}

func startObservabilityServer(addr string, metrics *observability.Metrics, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler(metrics))

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("observability server error", "error", err)
		}
	}()
	return srv
}
