package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"ms-ledger/internal/api"
	"ms-ledger/internal/authz"
	"ms-ledger/internal/config"
	"ms-ledger/internal/escrow"
	"ms-ledger/internal/events"
	"ms-ledger/internal/funds"
	"ms-ledger/internal/journal"
	"ms-ledger/internal/ledger"
	"ms-ledger/internal/ledger/pass"
	"ms-ledger/internal/ledger/redislock"
	"ms-ledger/internal/logger"
	"ms-ledger/internal/occasion"
	"ms-ledger/internal/registry"
)

func main() {
	_ = godotenv.Load() // Loads .env file if present

	ctx := context.Background()
	cfg := config.Load()
	log := logger.NewLogger()
	defer log.Close()

	// --- Journal (PostgreSQL) ---
	connector := pgdriver.NewConnector(pgdriver.WithDSN(cfg.Database.DSN))
	sqldb := sql.OpenDB(connector)
	sqldb.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqldb.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqldb.SetConnMaxLifetime(cfg.Database.MaxLifetime)
	defer sqldb.Close()

	var ledgerJournal *journal.Journal
	if err := sqldb.Ping(); err != nil {
		log.Warn("DATABASE", "Postgres unavailable, journal disabled: "+err.Error())
	} else {
		bunDB := bun.NewDB(sqldb, pgdialect.New())
		ledgerJournal = journal.New(bunDB)
		if err := ledgerJournal.Migrate(ctx); err != nil {
			log.Fatal("DATABASE", "journal migration failed: "+err.Error())
		}
		log.Info("DATABASE", "Postgres connection successful")
	}

	// --- Kafka ---
	var producer *events.Producer
	switch {
	case !cfg.Kafka.Enabled || cfg.Kafka.MockMode:
		producer = events.NewMockProducer(log)
	default:
		if err := events.EnsureTopicsExist(cfg.Kafka.Brokers, []string{cfg.Kafka.Topic}); err != nil {
			log.Warn("KAFKA", "topic setup failed: "+err.Error())
		}
		producer = events.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
	}
	defer producer.Close()

	// --- Redis occasion lock ---
	var lock *redislock.Redis
	if cfg.Redis.Enabled {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatal("REDIS", "failed to connect: "+err.Error())
		}
		lock = redislock.NewRedis(redisClient, log)
	}

	// --- Funds mover ---
	var mover funds.Mover
	if cfg.Ledger.UseStripe {
		funds.InitStripe()
		mover = funds.NewStripeMover(cfg.Ledger.LedgerAccount, log)
	} else {
		mover = funds.NewBank()
	}

	// --- Core wiring ---
	store := occasion.NewStore()
	store.Logger = log
	store.Kafka = producer

	oracle := authz.NewStoreOracle(store)
	store.Authz = oracle

	book := escrow.New(store, mover, cfg.Ledger.LedgerAccount)
	book.Logger = log
	book.Kafka = producer
	book.Cooldown = cfg.Ledger.PayoutCooldown

	ledgerSvc := ledger.New(store, registry.NewMemory(), mover, book, oracle)
	ledgerSvc.Logger = log
	ledgerSvc.Kafka = producer
	ledgerSvc.FeePercent = cfg.Ledger.FeePercent
	ledgerSvc.PlatformAccount = cfg.Ledger.PlatformAccount
	ledgerSvc.LedgerAccount = cfg.Ledger.LedgerAccount

	store.Refunder = ledgerSvc

	if ledgerJournal != nil {
		ledgerSvc.Journal = ledgerJournal
		book.Journal = ledgerJournal
	}

	handler := &api.Handler{
		Store:   store,
		Ledger:  ledgerSvc,
		Escrow:  book,
		Journal: ledgerJournal,
		Pass:    pass.NewGenerator(cfg.Ledger.PassSecret),
		Lock:    lock,
		Logger:  log,
	}

	// --- Router ---
	r := chi.NewRouter()
	r.Mount("/api/v1", handler.Routes())
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("SERVER", "Ledger service on "+cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("SERVER", "HTTP error: "+err.Error())
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctxShutdown, cancel := context.WithTimeout(ctx, cfg.Server.WriteTimeout)
	defer cancel()
	_ = server.Shutdown(ctxShutdown)
	log.Info("SERVER", "Ledger service shutdown complete")
}
