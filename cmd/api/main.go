package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/punchamoorthee/exactlyonce/internal/api"
	"github.com/punchamoorthee/exactlyonce/internal/clock"
	"github.com/punchamoorthee/exactlyonce/internal/config"
	"github.com/punchamoorthee/exactlyonce/internal/domain"
	"github.com/punchamoorthee/exactlyonce/internal/idgen"
	"github.com/punchamoorthee/exactlyonce/internal/lock"
	"github.com/punchamoorthee/exactlyonce/internal/metrics"
	"github.com/punchamoorthee/exactlyonce/internal/observability"
	"github.com/punchamoorthee/exactlyonce/internal/service"
	"github.com/punchamoorthee/exactlyonce/internal/store"
	"github.com/punchamoorthee/exactlyonce/internal/versionguard"
	"github.com/punchamoorthee/exactlyonce/internal/webhook"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger := observability.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(prometheus.DefaultRegisterer)

	db, err := store.New(ctx, cfg.DBSource, logger, m)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer db.Close()
	if err := store.Migrate(ctx, db); err != nil {
		log.Fatalf("Unable to apply schema: %v", err)
	}

	gormDB, err := gorm.Open(postgres.Open(cfg.DBSource), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		log.Fatalf("Unable to open gorm connection: %v", err)
	}

	ids, err := idgen.New(cfg.IDGen, idgen.NewPgRegistry(db), idgen.NewPgCounter(db), clock.RealClock{}, logger, m)
	if err != nil {
		log.Fatalf("Invalid id generator config: %v", err)
	}

	ledgerOpts := []webhook.Option{
		webhook.WithLogger(logger),
		webhook.WithMetrics(m),
		webhook.WithInFlightWait(cfg.Webhook.InFlightWait, cfg.Webhook.InFlightPoll),
	}
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("Invalid REDIS_URL: %v", err)
		}
		rdb := redis.NewClient(opt)
		defer rdb.Close()
		ledgerOpts = append(ledgerOpts, webhook.WithCache(webhook.NewRedisResultCache(rdb, "", cfg.Webhook.CacheTTL)))
	}
	ledger := webhook.NewLedger(webhook.NewPgStore(db), ledgerOpts...)

	cashoutLocks := lock.NewService(db, lockConfig(cfg.Lock, lock.NamespaceCashout), logger, m)
	escrowLocks := lock.NewService(db, lockConfig(cfg.Lock, lock.NamespaceEscrow), logger, m)

	deposits := service.NewDepositConfirmer(ledger, service.NewPgWalletCrediter(db), ids, logger)
	cashouts := service.NewCashoutProcessor(
		versionguard.New[domain.Cashout]("cashout", service.NewCashoutStore(db), cfg.CAS.Policy(), logger, m),
		cashoutLocks, ids, service.SandboxPayoutProvider{Logger: logger}, workerID(), logger)
	escrows := service.NewEscrowService(
		versionguard.New[domain.Escrow]("escrow", service.NewEscrowStore(gormDB), cfg.CAS.Policy(), logger, m),
		escrowLocks, logger)

	handler := api.NewHandler(deposits, cashouts, escrows, ledger, store.NewWallets(db), logger)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(handler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown", "error", err)
		}
	}()

	logger.Info("server starting", "port", cfg.Port, "env", cfg.Env)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
	if held := cashoutLocks.Held(); len(held) > 0 {
		logger.Warn("shutting down with cashout locks held", "keys", held)
	}
}

// lockConfig gives each subsystem its own advisory keyspace unless
// LOCK_NAMESPACE pins a shared one.
func lockConfig(base lock.Config, ns int32) lock.Config {
	if base.Namespace == 0 {
		base.Namespace = ns
	}
	return base
}

func workerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
