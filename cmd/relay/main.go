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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/vots-relay/internal/api"
	"github.com/xela07ax/vots-relay/internal/audit"
	"github.com/xela07ax/vots-relay/internal/events"
	"github.com/xela07ax/vots-relay/internal/infra"
	"github.com/xela07ax/vots-relay/internal/infra/auth"
	"github.com/xela07ax/vots-relay/internal/infra/redislock"
	"github.com/xela07ax/vots-relay/internal/market"
	"github.com/xela07ax/vots-relay/internal/registry"
	"github.com/xela07ax/vots-relay/internal/relay"
	"github.com/xela07ax/vots-relay/internal/repository/memory"
	"github.com/xela07ax/vots-relay/internal/repository/sqlstore"
	"github.com/xela07ax/vots-relay/internal/settlement"
)

// store — то, что процессу нужно от хранилища; реализуют memory.Store и sqlstore.Store.
type store interface {
	registry.AgentRepository
	relay.TransactionRepository
	market.ListingRepository
	audit.Storage
	api.AttemptReader
	api.Pinger
}

func main() {
	cfg, err := infra.LoadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("relay stopped with error", zap.Error(err))
	}
	logger.Info("relay exited properly")
}

func run(cfg *infra.Config, logger *zap.Logger) error {
	// Контекст жизни процесса: SIGINT/SIGTERM останавливают фоновые задачи и сервер
	appCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Хранилище
	st, closeStore, err := openStore(appCtx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// 2. Redis (опционально): аренда транзакций, события, ledger-рельс
	var rdb *redis.Client
	if cfg.Redis.Enabled() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(appCtx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
	}

	// 3. Метрики
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := relay.NewMetrics(reg)

	// 4. Рельс + надежность (лимит, Circuit Breaker, один повтор)
	rail, closeRail, err := newRail(cfg, rdb)
	if err != nil {
		return err
	}
	defer closeRail()
	sc := cfg.Settlement
	settler := settlement.NewReliable(rail, settlement.ReliabilityConfig{
		Name:           sc.Rail,
		AttemptTimeout: sc.AttemptTimeout,
		RetryDelay:     sc.RetryDelay,
		RateLimit:      sc.RateLimit,
		RateBurst:      sc.RateBurst,
		CBMaxRequests:  sc.CBMaxRequests,
		CBInterval:     sc.CBInterval,
		CBTimeout:      sc.CBTimeout,
		CBMaxFailures:  sc.CBMaxFailures,
		OnStateChange:  metrics.OnBreakerStateChange,
	})

	// 5. Журнал попыток
	journal := audit.NewJournal(st, audit.Config{
		BufferSize:    cfg.Audit.BufferSize,
		BatchSize:     cfg.Audit.BatchSize,
		FlushInterval: cfg.Audit.FlushInterval,
	}, logger)
	journal.Start()
	defer journal.Stop()
	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "vots_audit_buffer_len",
		Help: "Settlement attempts waiting to be flushed.",
	}, func() float64 { return float64(journal.Len()) })

	// 6. Ядро
	var (
		publisher events.Publisher = events.Nop{}
		lease     *redislock.Locker
	)
	if rdb != nil {
		publisher = events.NewRedisPublisher(rdb, logger)
		lease = redislock.New(rdb, cfg.Relay.LeaseTTL)
	}

	agents := registry.New(st, publisher, logger)
	payments := relay.New(relay.Deps{
		Transactions: st,
		Agents:       agents,
		Listings:     st,
		Settler:      settler,
		Locks:        relay.NewTxLocks(lease, logger),
		Journal:      journal,
		Events:       publisher,
		Metrics:      metrics,
	}, relay.Config{
		Rail: sc.Rail,
		// То же окно, под которое Validate проверил lease_ttl и stale_after
		SettleTimeout: sc.Window(),
	}, logger)
	services := market.New(st, agents, payments, logger)

	sweeper := relay.NewSweeper(payments, cfg.Relay.SweepInterval, cfg.Relay.StaleAfter)
	sweeper.Start(appCtx)
	defer sweeper.Stop()

	// 7. HTTP
	var validator auth.TokenValidator
	if cfg.Auth.Enabled() {
		pub, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
		if err != nil {
			return err
		}
		validator = auth.NewBaseValidator(pub)
		logger.Info("agent token authentication enabled")
	}

	handler := api.NewServer(api.Services{
		Registry: agents,
		Relay:    payments,
		Market:   services,
		Attempts: st,
		Health:   st,
	}, validator, cfg.Server.BodyLimit, logger)

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics listener failed", zap.Error(err))
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("relay started",
			zap.String("addr", srv.Addr),
			zap.String("store", cfg.Database.Driver),
			zap.String("rail", sc.Rail),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-appCtx.Done():
		logger.Info("relay stopping...")
	case err := <-serveErr:
		return fmt.Errorf("listen: %w", err)
	}

	// 8. Graceful Shutdown: дожидаемся текущих платежей, затем defer'ы
	// останавливают sweeper и сбрасывают журнал
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

func openStore(ctx context.Context, cfg infra.DatabaseConfig, logger *zap.Logger) (store, func(), error) {
	if cfg.Driver == "memory" {
		logger.Warn("using in-memory store, data is lost on restart")
		return memory.NewStore(), func() {}, nil
	}
	s, err := sqlstore.Open(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return s, func() { _ = s.Close() }, nil
}

func newRail(cfg *infra.Config, rdb *redis.Client) (settlement.Backend, func(), error) {
	nop := func() {}
	sc := cfg.Settlement
	switch sc.Rail {
	case "ledger":
		return settlement.NewLedger(rdb), nop, nil
	case "grpc":
		conn, err := settlement.DialGRPCRail(sc.GRPC.Target, sc.GRPC.Insecure)
		if err != nil {
			return nil, nil, err
		}
		return settlement.NewGRPCRail(conn), func() { _ = conn.Close() }, nil
	case "evm":
		rail, err := settlement.NewEVMRail(settlement.EVMConfig{
			RPCURL:        sc.EVM.RPCURL,
			TokenContract: sc.EVM.TokenContract,
			Decimals:      sc.EVM.Decimals,
			PollInterval:  sc.EVM.PollInterval,
		})
		if err != nil {
			return nil, nil, err
		}
		return rail, nop, nil
	}
	return settlement.NewSimulated(sc.Simulated.Latency, sc.Simulated.FailAddresses), nop, nil
}
