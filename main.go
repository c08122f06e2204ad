package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crypto-trading-agent/config"
	"crypto-trading-agent/internal/alerts"
	"crypto-trading-agent/internal/api"
	"crypto-trading-agent/internal/auth"
	"crypto-trading-agent/internal/cache"
	"crypto-trading-agent/internal/database"
	"crypto-trading-agent/internal/events"
	"crypto-trading-agent/internal/exchange"
	"crypto-trading-agent/internal/expectedtp"
	"crypto-trading-agent/internal/guardrails"
	"crypto-trading-agent/internal/logging"
	"crypto-trading-agent/internal/monitor"
	"crypto-trading-agent/internal/notification"
	"crypto-trading-agent/internal/orders"
	"crypto-trading-agent/internal/ordersync"
	"crypto-trading-agent/internal/portfolio"
	"crypto-trading-agent/internal/pricefeed"
	"crypto-trading-agent/internal/protect"
	"crypto-trading-agent/internal/vault"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "generate-config" {
		if err := config.GenerateSampleConfig("config.json"); err != nil {
			log.Fatalf("Failed to write config.json: %v", err)
		}
		log.Println("Wrote config.json")
		return
	}

	// Load .env if present; deployments set real environment variables.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		Output:     cfg.Logging.Output,
		Pretty:     cfg.Logging.Pretty,
		WithCaller: cfg.Logging.WithCaller,
	})
	logger.Info().Msg("Structured logging initialized")

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("Invalid configuration")
	}

	// Database
	db, err := database.NewDB(database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
		SSLMode:  cfg.Database.SSLMode,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 30*time.Second)
	if err := db.RunMigrations(migrateCtx); err != nil {
		cancelMigrate()
		logger.Fatal().Err(err).Msg("Failed to run database migrations")
	}
	cancelMigrate()
	logger.Info().Msg("Database ready")

	repo := database.NewRepository(db)

	// Redis quote cache backend. Nil keeps the price cache memory-only.
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	// Exchange credentials: Vault wins over the environment when enabled.
	apiKey, secretKey := cfg.Exchange.APIKey, cfg.Exchange.SecretKey
	if cfg.Vault.Enabled {
		vaultClient, err := vault.NewClient(cfg.Vault)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to initialize Vault client")
		}
		credCtx, cancelCred := context.WithTimeout(context.Background(), 10*time.Second)
		creds, err := vaultClient.FetchCredentials(credCtx)
		cancelCred()
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to fetch exchange credentials from Vault")
		}
		apiKey, secretKey = creds.APIKey, creds.SecretKey
		logger.Info().Str("path", cfg.Vault.SecretPath).Msg("Exchange credentials loaded from Vault")
	}

	// Exchange client and instrument metadata
	exClient := exchange.NewClient(exchange.Config{
		BaseURL:     cfg.Exchange.BaseURL,
		APIKey:      apiKey,
		SecretKey:   secretKey,
		Timeout:     cfg.Exchange.Timeout,
		LiveTrading: cfg.Trading.LiveTrading,
	}, logger)
	meta := exchange.NewMetadataCache(exClient, logger)
	logger.Info().Bool("live_trading", cfg.Trading.LiveTrading).Msg("Exchange client initialized")

	// Notifications
	notifier := notification.NewManager()
	if cfg.Notification.Enabled {
		if cfg.Notification.Telegram.Enabled {
			tg := notification.NewTelegramNotifier(notification.TelegramConfig{
				BotToken: cfg.Notification.Telegram.BotToken,
				ChatID:   cfg.Notification.Telegram.ChatID,
				Enabled:  true,
			})
			tg.SetMessageLog(&telegramLog{repo: repo})
			notifier.AddNotifier(tg)
			logger.Info().Msg("Telegram notifications enabled")
		}
		if cfg.Notification.Discord.Enabled {
			notifier.AddNotifier(notification.NewDiscordNotifier(notification.DiscordConfig{
				WebhookURL: cfg.Notification.Discord.WebhookURL,
				Enabled:    true,
			}))
			logger.Info().Msg("Discord notifications enabled")
		}
	}

	// Event bus and order store
	bus := events.NewEventBus()
	store := orders.NewStore(repo, logger)

	// Portfolio reader; prime the equity snapshot so the first monitor
	// cycle has a balance to gate against.
	reader := portfolio.NewReader(exClient, cfg.Trading.EquityFieldOverride, logger)
	primeCtx, cancelPrime := context.WithTimeout(context.Background(), 10*time.Second)
	if _, err := reader.Snapshot(primeCtx); err != nil {
		logger.Warn().Err(err).Msg("Initial portfolio snapshot failed")
	}
	cancelPrime()

	// Price feed
	priceCache := cache.NewPriceCache(redisClient, logger)
	feed := pricefeed.NewFetcher(exClient, priceCache, pricefeed.Config{
		IndicatorURL: cfg.PriceFeed.IndicatorURL,
		FallbackURL:  cfg.PriceFeed.FallbackURL,
		Timeout:      cfg.PriceFeed.Timeout,
	}, logger)

	throttler := alerts.NewThrottler(time.Duration(cfg.Trading.AlertCooldownMinutes) * time.Minute)

	// Protection engine, sweep checker, expected-TP reporting
	protector := protect.NewEngine(exClient, meta, store, notifier, bus, logger)
	checker := protect.NewChecker(exClient, meta, feed, repo, store, notifier, logger)
	expected := expectedtp.NewEngine(store, feed, reader, logger)

	// Exchange reconciler
	syncer := ordersync.NewSyncer(exClient, store, protector, repo, bus, ordersync.Config{
		Interval: time.Duration(cfg.Trading.SyncIntervalSeconds) * time.Second,
	}, logger)

	// Signal monitor
	limits := guardrails.DefaultLimits()
	limits.MaxOpenPerSymbol = cfg.Trading.MaxOpenPerSymbol
	limits.MaxOpenGlobal = cfg.Trading.MaxOpenGlobal
	limits.EnforceGlobalCap = cfg.Trading.EnforceGlobalCap
	limits.MinPriceChangePct = decimal.NewFromFloat(cfg.Trading.MinPriceChangePct)

	mon := monitor.NewMonitor(repo, feed, store, throttler, protector, reader, notifier, bus, exClient,
		monitor.Config{
			Interval:        time.Duration(cfg.Trading.MonitorIntervalSeconds) * time.Second,
			CandleInterval:  cfg.Trading.CandleInterval,
			Limits:          limits,
			DefaultLeverage: cfg.Trading.DefaultLeverage,
			LiveTrading:     cfg.Trading.LiveTrading,
		}, logger)

	// API authentication
	var authService *auth.Service
	var jwtManager *auth.JWTManager
	if cfg.Auth.Enabled {
		jwtManager = auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.TokenDuration)
		authService = auth.NewService(cfg.Auth.OperatorUser, cfg.Auth.OperatorPassHash, jwtManager)
		logger.Info().Str("operator", cfg.Auth.OperatorUser).Msg("API authentication enabled")
	} else {
		logger.Warn().Msg("API authentication disabled")
	}

	// Web server
	server := api.NewServer(cfg.Server, api.Deps{
		Repo:        repo,
		Store:       store,
		Exchange:    exClient,
		Portfolio:   reader,
		Monitor:     mon,
		Syncer:      syncer,
		Throttler:   throttler,
		Protector:   protector,
		Checker:     checker,
		Expected:    expected,
		EventBus:    bus,
		AuthService: authService,
		JWTManager:  jwtManager,
	}, logger)

	go func() {
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("API server failed")
		}
	}()
	logger.Info().Str("host", cfg.Server.Host).Int("port", cfg.Server.Port).Msg("API server starting")

	// Background loops
	if err := syncer.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start order syncer")
	}
	if err := mon.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start signal monitor")
	}
	stopSweeps := startProtectionSweeps(checker,
		time.Duration(cfg.Trading.CheckIntervalMinutes)*time.Minute, logger)

	bus.Publish(events.Event{
		Type: events.EventAgentStarted,
		Data: map[string]interface{}{
			"live_trading": cfg.Trading.LiveTrading,
		},
	})
	logger.Info().Bool("live_trading", cfg.Trading.LiveTrading).Msg("Trading agent started")

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("Shutting down...")

	bus.Publish(events.Event{
		Type: events.EventAgentStopped,
		Data: map[string]interface{}{},
	})

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("API server shutdown error")
	}

	if err := mon.Stop(); err != nil {
		logger.Error().Err(err).Msg("Signal monitor stop error")
	}
	stopSweeps()
	if err := syncer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Order syncer stop error")
	}

	logger.Info().Msg("Shutdown complete")
}

// startProtectionSweeps runs the unprotected-balance sweep immediately and
// then on a fixed interval. The returned function stops the loop and waits
// for an in-flight sweep to finish.
func startProtectionSweeps(checker *protect.Checker, interval time.Duration, logger zerolog.Logger) func() {
	stop := make(chan struct{})
	var wg sync.WaitGroup

	run := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		report, err := checker.Run(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("Protection sweep failed")
			return
		}
		if len(report.Unprotected) > 0 {
			logger.Warn().Int("unprotected", len(report.Unprotected)).
				Msg("Protection sweep found uncovered balances")
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		run()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				run()
			case <-stop:
				return
			}
		}
	}()

	return func() {
		close(stop)
		wg.Wait()
	}
}

// telegramLog adapts the repository to the notifier's outbound message log.
type telegramLog struct {
	repo *database.Repository
}

func (l *telegramLog) LogOutbound(ctx context.Context, chatID, kind, body string, buttons []notification.Button) (int64, error) {
	msg := &database.TelegramMessage{ChatID: chatID, Kind: kind, Body: body}
	if len(buttons) > 0 {
		raw, err := json.Marshal(buttons)
		if err != nil {
			return 0, err
		}
		msg.Buttons = raw
	}
	if err := l.repo.InsertTelegramMessage(ctx, msg); err != nil {
		return 0, err
	}
	return msg.ID, nil
}

func (l *telegramLog) MarkDelivered(ctx context.Context, id int64, delivered bool, errText string) error {
	return l.repo.MarkTelegramDelivered(ctx, id, delivered, errText)
}
