// Package app wires every component of the service: storage, feature
// services, the HTTP API, the optional Telegram bot and the cron jobs.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"serotonyl.ru/s2a/internal/api"
	"serotonyl.ru/s2a/internal/bot"
	"serotonyl.ru/s2a/internal/bot/filters"
	"serotonyl.ru/s2a/internal/common"
	"serotonyl.ru/s2a/internal/config"
	"serotonyl.ru/s2a/internal/db/postgres"
	"serotonyl.ru/s2a/internal/db/sqlite"
	"serotonyl.ru/s2a/internal/features/dashboard"
	"serotonyl.ru/s2a/internal/features/family"
	"serotonyl.ru/s2a/internal/features/plans"
	"serotonyl.ru/s2a/internal/features/rewards"
	"serotonyl.ru/s2a/internal/features/rules"
	"serotonyl.ru/s2a/internal/features/tasks"
	"serotonyl.ru/s2a/internal/features/wallet"
	"serotonyl.ru/s2a/internal/jobs"
	"serotonyl.ru/s2a/internal/ratelimit"
	"serotonyl.ru/s2a/internal/store"
)

// botRequestSlack is added to the long polling timeout to bound every
// Telegram API request, including sends from notifications.
const botRequestSlack = 10 * time.Second

// Services are the feature services, shared by every binding.
type Services struct {
	Family    *family.Service
	Plans     *plans.Service
	Tasks     *tasks.Service
	Rules     *rules.Service
	Wallet    *wallet.Service
	Dashboard *dashboard.Service
}

// App holds all components of the application.
type App struct {
	cfg       *config.Config
	Store     store.Store
	Services  *Services
	Server    *api.Server
	Bot       *bot.Bot // nil when TELEGRAM_BOT_TOKEN is empty
	Scheduler *jobs.Scheduler

	apiLimiter *ratelimit.Limiter[string]
	botLimiter *ratelimit.Limiter[int64]
}

// OpenStore connects to the configured database and applies migrations.
func OpenStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.DBDriver {
	case config.DriverSQLite:
		// Open migrates.
		return sqlite.Open(cfg.SQLitePath)
	case config.DriverPostgres:
		st, err := postgres.Open(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			st.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		return st, nil
	}
	return nil, fmt.Errorf("unknown DB_DRIVER %q", cfg.DBDriver)
}

// NewServices builds the feature services on st.
func NewServices(st store.Store, cfg *config.Config, clock common.Clock) *Services {
	locks := common.NewChildLocks()

	walletService := wallet.NewService(st, clock, locks, wallet.Options{
		DefaultDailyLimit: cfg.WalletDefaultDailyLimit,
		DefaultCarryOver:  cfg.WalletDefaultCarryOver,
		MaxRetries:        cfg.ConflictMaxRetries,
	})
	engine := rewards.NewEngine(walletService)

	return &Services{
		Family: family.NewService(st, clock, family.Options{
			DefaultDailyLimit: cfg.WalletDefaultDailyLimit,
			DefaultCarryOver:  cfg.WalletDefaultCarryOver,
		}),
		Plans:     plans.NewService(st, clock),
		Tasks:     tasks.NewService(st, clock, locks, engine, cfg.ConflictMaxRetries),
		Rules:     rules.NewService(st, clock),
		Wallet:    walletService,
		Dashboard: dashboard.NewService(st, clock, cfg.WalletDefaultDailyLimit),
	}
}

// New creates and initializes the application.
// Initialization order matters: components depend on each other.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	// === 1. Database ===
	st, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}

	// === 2. Services ===
	clock := common.NewSystemClock(cfg.Location())
	svc := NewServices(st, cfg, clock)

	a := &App{cfg: cfg, Store: st, Services: svc}

	// === 3. HTTP API ===
	a.apiLimiter = ratelimit.New[string](cfg.RateLimitRPS, cfg.RateLimitBurst)
	srv := api.NewServer(st, a.apiLimiter)
	srv.SetCORSOrigins(cfg.HTTPCORSOrigins)
	if cfg.FeatureMetricsEnabled {
		srv.EnableMetrics()
	}
	srv.Mount("auth", family.NewHandler(svc.Family))
	srv.Mount("plans", plans.NewHandler(svc.Plans))
	srv.Mount("tasks", tasks.NewHandler(svc.Tasks))
	srv.Mount("rules", rules.NewHandler(svc.Rules))
	srv.Mount("wallet", wallet.NewHandler(svc.Wallet))
	srv.Mount("dashboard", dashboard.NewHandler(svc.Dashboard))
	a.Server = srv

	// === 4. Telegram bot ===
	var digester jobs.Digester
	if cfg.BotEnabled() {
		// Long polling holds a request open for the update timeout.
		client := &http.Client{Timeout: time.Duration(cfg.BotUpdateTimeoutSecs)*time.Second + botRequestSlack}
		botAPI, err := tgbotapi.NewBotAPIWithClient(cfg.TelegramBotToken, tgbotapi.APIEndpoint, client)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("telegram API: %w", err)
		}
		botAPI.Debug = cfg.AppEnv == "development"
		log.Infof("Authorized on Telegram as @%s", botAPI.Self.UserName)

		a.botLimiter = ratelimit.New[int64](cfg.RateLimitRPS, cfg.RateLimitBurst)
		a.Bot = bot.New(botAPI, botAPI, bot.Options{
			ParentChatID:  cfg.TelegramParentChatID,
			ApproverID:    cfg.TelegramParentUserID,
			MaxInflight:   cfg.BotMaxInflight,
			UpdateTimeout: cfg.BotUpdateTimeoutSecs,
		}, filters.NewChatFilter(cfg.TelegramParentChatID), a.botLimiter, svc.Tasks, svc.Wallet, svc.Family)
		svc.Tasks.SetNotifier(a.Bot)
		digester = a.Bot
	}

	// === 5. Scheduler ===
	if cfg.JobsEnabled {
		a.Scheduler = jobs.NewScheduler(cfg.Location(), clock, svc.Wallet, digester, cfg.JobsDigestSpec)
	}

	return a, nil
}

// Run serves until ctx is cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	if a.Scheduler != nil {
		if err := a.Scheduler.Start(ctx); err != nil {
			return err
		}
		defer a.Scheduler.Stop()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Server.Run(ctx, a.cfg.HTTPAddr)
	})
	if a.Bot != nil {
		g.Go(func() error {
			a.Bot.Start(ctx)
			return nil
		})
	}
	return g.Wait()
}

// Close releases the store and background goroutines.
func (a *App) Close() {
	if a.apiLimiter != nil {
		a.apiLimiter.Close()
	}
	if a.botLimiter != nil {
		a.botLimiter.Close()
	}
	a.Store.Close()
}
