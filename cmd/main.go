package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/amirphl/bridge-trader/internal/config"
	"github.com/amirphl/bridge-trader/internal/db"
	"github.com/amirphl/bridge-trader/internal/db/conf"
	"github.com/amirphl/bridge-trader/internal/exchange"
	"github.com/amirphl/bridge-trader/internal/market"
	"github.com/amirphl/bridge-trader/internal/metrics"
	"github.com/amirphl/bridge-trader/internal/notifier"
	"github.com/amirphl/bridge-trader/internal/reconcile"
	"github.com/amirphl/bridge-trader/internal/settlement"
	"github.com/amirphl/bridge-trader/internal/task"
	"github.com/amirphl/bridge-trader/internal/utils"
	"github.com/lib/pq"
)

func main() {
	// Load configuration
	cfg := config.MustLoadConfig()
	if err := utils.InitLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer utils.SyncLogger()
	logger := utils.GetLogger()
	logger.Infof("Starting Bridge Trader for %s in mode: %s", cfg.Pair, cfg.Mode)

	// Set up context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Infof("Received signal %v, shutting down...", sig)
		cancel()
	}()

	// Run migrations if enabled
	if cfg.RunMigration && cfg.DBConnStr != "" {
		if err := runMigrations(ctx, cfg.DBConnStr); err != nil {
			logger.Fatalf("Failed to run migrations: %v", err)
		}
	}

	store, err := openStorage(cfg)
	if err != nil {
		logger.Fatalf("Failed to initialize storage: %v", err)
	}

	// Set up notification system
	telegramNotifier := notifier.NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChatID, cfg.NotificationRetries, cfg.NotificationDelay)

	local, err := exchange.NewLocalClient(exchange.LocalOptions{
		BaseURL:    cfg.LocalAPIURL,
		APIKey:     cfg.LocalAPIKey,
		APISecret:  cfg.LocalAPISecret,
		APIVersion: cfg.LocalAPIVersion,
		Timeout:    cfg.LocalAPITimeout,
	})
	if err != nil {
		logger.Fatalf("Failed to create local venue client: %v", err)
	}
	remote := newRemoteVenue(cfg, telegramNotifier)
	if wx, ok := remote.(*exchange.WallexExchange); ok {
		logRemoteBalances(ctx, wx, market.Pair(cfg.Pair))
	}

	pair := market.Pair(cfg.Pair)
	book := market.NewBook(pair, cfg.Depth)
	watchers := startFeed(ctx, cfg, book, remote)
	defer func() {
		for _, w := range watchers {
			w.Close()
		}
	}()

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr); err != nil {
				logger.Errorf("Metrics server stopped: %v", err)
			}
		}()
	}

	// Settlement tasks outlive ctx so an in-flight step can commit during shutdown.
	runner := task.NewRunner(context.Background(), task.Options{MaxRetries: cfg.MaxRetries, RetryDelay: cfg.RetryDelay})
	transferer := settlement.NewTransferer(store, local, remote, counterpartyAddresses(cfg))
	machine := settlement.NewMachine(store, local, remote, transferer, telegramNotifier)
	creator := settlement.NewCreator(store, runner, machine)
	if _, err := creator.Resume(ctx); err != nil {
		logger.Errorf("Failed to resume redirects: %v", err)
	}

	reconciler := reconcile.NewReconciler(reconcile.Options{
		Pair:         pair,
		PollInterval: cfg.PollInterval,
		BudgetCurrency: map[market.Side]string{
			market.Buy:  cfg.BudgetCurrency(market.Buy),
			market.Sell: cfg.BudgetCurrency(market.Sell),
		},
	}, book, local, creator)

	// Blocks until a signal cancels ctx
	reconciler.Run(ctx)
	logger.Info("Graceful shutdown initiated...")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer drainCancel()
	report := reconciler.Drain(drainCtx)
	if report.Aborted || report.Skipped > 0 || report.Rejected > 0 {
		telegramNotifier.SendWithRetry(fmt.Sprintf("Shutdown drain incomplete for %s: %s", pair, report))
	}

	if err := runner.Wait(drainCtx); err != nil {
		logger.Warnf("Settlement tasks still running at exit, they resume on next start: %v", err)
	}
	logger.Info("Shutdown complete")
}

// openStorage connects to Postgres, or falls back to memory in paper mode without a database.
func openStorage(cfg config.Config) (db.Storage, error) {
	if cfg.DBConnStr == "" {
		utils.GetLogger().Warn("No database configured, settlement state is kept in memory")
		return db.NewMemory(), nil
	}
	dbConfig, err := conf.NewConfig(cfg.DBConnStr, cfg.DBMaxOpen, cfg.DBMaxIdle)
	if err != nil {
		return nil, fmt.Errorf("failed to create DB config: %w", err)
	}
	store, err := db.New(*dbConfig)
	if err != nil {
		return nil, err
	}
	utils.GetLogger().Info("Connected to Postgres")
	return store, nil
}

func newRemoteVenue(cfg config.Config, n notifier.Notifier) exchange.RemoteVenue {
	var live exchange.RemoteVenue
	if cfg.WallexAPIKey != "" {
		live = exchange.NewWallexExchange(exchange.WallexOptions{
			APIKey:      cfg.WallexAPIKey,
			WithdrawURL: cfg.WallexWithdrawURL,
		}, n)
	}
	if cfg.Mode == config.ModePaper {
		return exchange.NewPaperExchange(live, n)
	}
	return live
}

// logRemoteBalances reports the remote funds backing the transfer legs of the pair.
func logRemoteBalances(ctx context.Context, wx *exchange.WallexExchange, pair market.Pair) {
	logger := utils.GetLogger()
	balances, err := wx.Balances(ctx)
	if err != nil {
		logger.Warnf("Failed to fetch remote balances: %v", err)
		return
	}
	for _, currency := range []string{pair.Quote(), pair.Base()} {
		b := balances[currency]
		logger.Infof("Remote balance %s: available %s, locked %s", currency, b.Available, b.Locked)
	}
}

func counterpartyAddresses(cfg config.Config) map[exchange.System]string {
	addresses := map[exchange.System]string{
		exchange.SystemLocal:  cfg.LocalAddress,
		exchange.SystemRemote: cfg.RemoteAddress,
	}
	if cfg.Mode == config.ModePaper {
		for system, addr := range addresses {
			if addr == "" {
				addresses[system] = "paper-" + string(system)
			}
		}
	}
	return addresses
}

// startFeed seeds both windows from a snapshot and starts one depth watcher per side.
func startFeed(ctx context.Context, cfg config.Config, book *market.Book, remote exchange.RemoteVenue) []*exchange.DepthWatcher {
	logger := utils.GetLogger()

	snapCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	snapshot, err := remote.OrderBook(snapCtx, book.Pair(), cfg.Depth)
	if err != nil {
		logger.Warnf("Failed to fetch order book snapshot, windows start empty: %v", err)
	} else {
		book.Seed(snapshot)
		logger.Infof("Seeded windows from snapshot: %d bids, %d asks", len(snapshot.Bids), len(snapshot.Asks))
	}

	watchers := make([]*exchange.DepthWatcher, 0, len(market.Sides))
	for _, side := range market.Sides {
		w := exchange.NewDepthWatcher(book, book.Pair(), side, cfg.SocketURL)
		if err == nil {
			w.Prime(snapshot.Levels(side))
		}
		w.Start(ctx)
		watchers = append(watchers, w)
	}
	return watchers
}

// runMigrations creates the database if it doesn't exist and runs the schema.sql script
func runMigrations(ctx context.Context, connStr string) error {
	logger := utils.GetLogger()
	logger.Info("Running database migrations...")

	// Parse connection string to extract database name
	u, err := url.Parse(connStr)
	if err != nil {
		return fmt.Errorf("failed to parse connection string: %w", err)
	}

	dbName := strings.TrimPrefix(u.Path, "/")
	if dbName == "" {
		return fmt.Errorf("database name not found in connection string")
	}

	// Same server, maintenance database
	base := *u
	base.Path = "/postgres"
	baseDB, err := sql.Open("postgres", base.String())
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer baseDB.Close()

	var exists bool
	err = baseDB.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)", dbName).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check if database exists: %w", err)
	}

	if !exists {
		logger.Infof("Creating database %s...", dbName)
		_, err = baseDB.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE %s", pq.QuoteIdentifier(dbName)))
		if err != nil {
			return fmt.Errorf("failed to create database: %w", err)
		}
	}

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	schemaPath, err := conf.FindSchema()
	if err != nil {
		return err
	}
	schemaSQL, err := os.ReadFile(schemaPath)
	if err != nil {
		return fmt.Errorf("failed to read schema.sql: %w", err)
	}

	for _, stmt := range conf.SchemaStatements(string(schemaSQL)) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	logger.Info("Database migrations completed successfully")
	return nil
}
