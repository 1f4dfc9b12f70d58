package routes

import (
	"fmt"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/kivupay/kivupay/internal/audit"
	"github.com/kivupay/kivupay/internal/config"
	"github.com/kivupay/kivupay/internal/ledger"
	"github.com/kivupay/kivupay/internal/middleware"
	"github.com/kivupay/kivupay/internal/provider"
	"github.com/kivupay/kivupay/internal/rates"
	"github.com/kivupay/kivupay/internal/transactions"
	"github.com/kivupay/kivupay/internal/wallet"
	"github.com/kivupay/kivupay/internal/webhooks"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg    config.Config
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Logger *slog.Logger
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) error {
	// Enforce DB/Redis presence outside of dev, even though main also checks.
	if !d.Cfg.IsDev() {
		if d.DB == nil {
			return fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}

	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(middleware.AccessLog(d.Logger))

	RegisterHealthRoutes(app, d)

	// Storage backends. Dev without a database runs fully in memory.
	var store ledger.Store
	var auditRepo audit.Repository
	var walletRepo wallet.Repository
	if d.DB != nil {
		store = ledger.NewPostgresStore(d.DB)
		auditRepo = audit.NewPostgresRepository(d.DB)
		walletRepo = wallet.NewPostgresRepository(d.DB)
	} else {
		store = ledger.NewMemory()
		auditRepo = audit.NewMemoryRepository()
		walletRepo = wallet.NewMemoryRepository()
	}

	resolver := buildResolver(d)
	engine := ledger.NewEngine(store, resolver, d.Cfg.AmountToleranceMinor, d.Cfg.ApplyMaxRetries, d.Logger)

	registry := provider.NewRegistry(
		provider.NewCardAdapter(d.Cfg.CardProcessor.WebhookSecret, d.Cfg.SignatureTolerance),
		provider.NewRegionalAdapter(d.Cfg.RegionalAggregator.WebhookSecret, d.Cfg.SignatureTolerance),
		provider.NewWalletNetAdapter(d.Cfg.WalletNetwork.WebhookSecret, d.Cfg.SignatureTolerance),
	)

	walletSvc := wallet.NewService(walletRepo, store, auditRepo, d.Logger)
	walletHandler := wallet.NewHandler(walletSvc)
	webhookHandler := webhooks.NewHandler(registry, engine, auditRepo, d.Logger)
	transactionHandler := transactions.NewHandler(store)
	auditHandler := audit.NewHandler(auditRepo)

	RegisterWebhookRoutes(app, webhookHandler)

	api := app.Group("/api/v1")
	RegisterWalletRoutes(api, walletHandler)
	RegisterTransactionRoutes(api, transactionHandler)
	RegisterAuditRoutes(api, auditHandler)

	return nil
}

// buildResolver picks the rate resolution strategy. Production uses the
// Redis-cached upstream source; dev without Redis falls back to a static
// table that only resolves same-currency pairs.
func buildResolver(d Deps) rates.Resolver {
	if d.Cache != nil && d.Cfg.RateAPIURL != "" {
		source := rates.NewHTTPSource(d.Cfg.RateAPIURL, d.Cfg.RateFetchTimeout)
		return rates.NewCachedResolver(d.Cache, source, d.Cfg.RateCacheTTL, d.Cfg.RateStaleTolerance, d.Logger)
	}
	d.Logger.Warn("exchange rate api not configured, cross-currency events will be rejected")
	return rates.Static{}
}
