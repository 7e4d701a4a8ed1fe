/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the loyalty engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env + environment), parse flags
  2. Initialize logging
  3. Open the SQL store (sqlite3 or postgres)
  4. Connect Redis when REDIS_URL is set; the ledger becomes remote-first.
     An unreachable Redis is not fatal: the ledger starts degraded and
     catches up through the outbox once Redis answers
  5. Load the catalog, seed coupons
  6. Wire program, referrals, coupons, storefront
  7. Start the expiry scheduler and the resync loop
  8. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides PORT)
  -db      Database DSN (overrides DATABASE_URL)
           Use ":memory:" for an in-memory SQLite database

ENVIRONMENT:
  See config/config.go. Most used:
    DB_DRIVER, DATABASE_URL, REDIS_URL, CATALOG_PATH,
    EXPIRY_SWEEP_INTERVAL, REFERRAL_PAYOUT, ALLOWED_ORIGINS, LOG_LEVEL

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler, flush queued remote writes
  4. Close connections
  5. Exit

SEE ALSO:
  - api/server.go: Router configuration
  - store/replicated/replicated.go: Remote-first ledger
*/
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/prayan/loyalty-engine/api"
	"github.com/prayan/loyalty-engine/config"
	"github.com/prayan/loyalty-engine/coupon"
	"github.com/prayan/loyalty-engine/factory"
	"github.com/prayan/loyalty-engine/ledger"
	"github.com/prayan/loyalty-engine/logging"
	"github.com/prayan/loyalty-engine/loyalty"
	"github.com/prayan/loyalty-engine/referral"
	"github.com/prayan/loyalty-engine/store/redisstore"
	"github.com/prayan/loyalty-engine/store/replicated"
	"github.com/prayan/loyalty-engine/store/sqlstore"
	"github.com/prayan/loyalty-engine/storefront"
)

const resyncInterval = 30 * time.Second

// ledgerBackend is what the program and the scheduler need from the ledger store.
type ledgerBackend interface {
	ledger.Store
	ledger.UserLister
}

func main() {
	cfg := config.Load()

	// Flags
	port := flag.String("port", cfg.Port, "HTTP server port")
	dsn := flag.String("db", cfg.DatabaseURL, "Database DSN")
	flag.Parse()

	logging.Init(logging.Config{Level: cfg.LogLevel, Environment: cfg.Env})

	// Initialize SQL store
	db, err := sqlstore.Open(cfg.DBDriver, *dsn)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.DBDriver).Msg("failed to initialize database")
	}
	defer db.Close()

	// Remote ledger
	var backend ledgerBackend = db
	var repl *replicated.Store
	client, err := redisstore.Connect(cfg.RedisURL)
	if err != nil && client == nil {
		log.Fatal().Err(err).Msg("invalid redis configuration")
	}
	if err != nil {
		log.Warn().Err(err).Msg("redis unreachable, starting with the local ledger")
	}
	if client != nil {
		defer client.Close()
		repl = replicated.New(redisstore.New(client, ""), db, db)
		if err := repl.Restore(context.Background()); err != nil {
			log.Error().Err(err).Msg("failed to restore ledger outbox")
		}
		backend = repl
	}

	// Catalog
	catalog, err := factory.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.CatalogPath).Msg("failed to load catalog")
	}
	seedCoupons(db, catalog.Coupons)

	// Domain
	program := loyalty.NewProgram(ledger.New(backend), db)
	catalog.Apply(program)

	payout, err := referral.PolicyFor(cfg.ReferralPayout, program, cfg.ReferralBonusPoints)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid referral payout")
	}
	referrals := referral.NewService(db, db, payout)
	svc := storefront.New(program, referrals, coupon.NewEvaluator(db))

	// Background work
	scheduler := api.NewExpiryScheduler(program, backend)
	scheduler.Interval = cfg.ExpirySweepInterval
	scheduler.Start()
	defer scheduler.Stop()

	stopResync := make(chan struct{})
	if repl != nil {
		go resyncLoop(repl, stopResync)
	}

	// Handler and router
	handler := api.NewHandler(svc, scheduler)
	handler.DB = db
	if repl != nil {
		handler.Sync = repl
	}
	router := api.NewRouter(handler, cfg.AllowedOrigins)

	server := &http.Server{
		Addr:         ":" + *port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("port", *port).Str("env", cfg.Env).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	close(stopResync)
	if repl != nil && repl.SyncPending() > 0 {
		if err := repl.Resync(ctx); err != nil {
			log.Warn().Err(err).Int("pending", repl.SyncPending()).Msg("exiting with unsynced ledger writes")
		}
	}

	log.Info().Msg("server stopped")
}

// seedCoupons creates the catalog's coupons that do not exist yet. Usage
// counters of existing coupons are left alone.
func seedCoupons(store coupon.Store, coupons []coupon.Coupon) {
	ctx := context.Background()
	created := 0
	for _, c := range coupons {
		err := store.CreateCoupon(ctx, c)
		switch {
		case err == nil:
			created++
		case errors.Is(err, coupon.ErrCouponExists):
		default:
			log.Error().Err(err).Str("code", c.Code).Msg("failed to seed coupon")
		}
	}
	log.Info().Int("created", created).Int("catalog", len(coupons)).Msg("coupons seeded")
}

// resyncLoop pushes writes queued while the remote ledger was down.
func resyncLoop(repl *replicated.Store, stop <-chan struct{}) {
	ticker := time.NewTicker(resyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pending := repl.SyncPending()
			if pending == 0 {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := repl.Resync(ctx)
			cancel()
			if err != nil {
				log.Warn().Err(err).Int("pending", pending).Msg("ledger resync failed")
				continue
			}
			log.Info().Int("synced", pending).Msg("ledger resync completed")
		case <-stop:
			return
		}
	}
}
