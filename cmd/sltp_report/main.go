// Command sltp_report runs one SL/TP protection sweep and prints the result
// as a table. With --notify the unprotected-balance alerts also go out
// through the configured notifiers, exactly as the daemon's periodic sweep
// would send them.
//
// Exit codes: 0 all balances protected, 1 unprotected balances found,
// 2 configuration or sweep error.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"

	"crypto-trading-agent/config"
	"crypto-trading-agent/internal/cache"
	"crypto-trading-agent/internal/database"
	"crypto-trading-agent/internal/exchange"
	"crypto-trading-agent/internal/logging"
	"crypto-trading-agent/internal/notification"
	"crypto-trading-agent/internal/orders"
	"crypto-trading-agent/internal/pricefeed"
	"crypto-trading-agent/internal/protect"
	"crypto-trading-agent/internal/vault"
)

func main() {
	notify := flag.Bool("notify", false, "send the report through the configured notifiers")
	timeout := flag.Duration("timeout", 2*time.Minute, "overall sweep timeout")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		fail("failed to load configuration: %v", err)
	}

	// Logs go to stderr at warn level so the table stays readable.
	if os.Getenv("LOG_LEVEL") == "" {
		cfg.Logging.Level = "warn"
	}
	logger := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Output: "stderr",
		Pretty: true,
	})

	db, err := database.NewDB(database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
		SSLMode:  cfg.Database.SSLMode,
	})
	if err != nil {
		fail("failed to connect to database: %v", err)
	}
	defer db.Close()
	repo := database.NewRepository(db)

	apiKey, secretKey := cfg.Exchange.APIKey, cfg.Exchange.SecretKey
	if cfg.Vault.Enabled {
		vaultClient, err := vault.NewClient(cfg.Vault)
		if err != nil {
			fail("failed to initialize Vault client: %v", err)
		}
		credCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		creds, err := vaultClient.FetchCredentials(credCtx)
		cancel()
		if err != nil {
			fail("failed to fetch exchange credentials from Vault: %v", err)
		}
		apiKey, secretKey = creds.APIKey, creds.SecretKey
	}

	// The sweep only reads from the exchange, so the placement gate stays off.
	exClient := exchange.NewClient(exchange.Config{
		BaseURL:     cfg.Exchange.BaseURL,
		APIKey:      apiKey,
		SecretKey:   secretKey,
		Timeout:     cfg.Exchange.Timeout,
		LiveTrading: false,
	}, logger)
	meta := exchange.NewMetadataCache(exClient, logger)

	priceCache := cache.NewPriceCache(nil, logger)
	feed := pricefeed.NewFetcher(exClient, priceCache, pricefeed.Config{
		IndicatorURL: cfg.PriceFeed.IndicatorURL,
		FallbackURL:  cfg.PriceFeed.FallbackURL,
		Timeout:      cfg.PriceFeed.Timeout,
	}, logger)

	store := orders.NewStore(repo, logger)

	notifier := notification.NewManager()
	if *notify {
		if cfg.Notification.Telegram.Enabled {
			notifier.AddNotifier(notification.NewTelegramNotifier(notification.TelegramConfig{
				BotToken: cfg.Notification.Telegram.BotToken,
				ChatID:   cfg.Notification.Telegram.ChatID,
				Enabled:  true,
			}))
		}
		if cfg.Notification.Discord.Enabled {
			notifier.AddNotifier(notification.NewDiscordNotifier(notification.DiscordConfig{
				WebhookURL: cfg.Notification.Discord.WebhookURL,
				Enabled:    true,
			}))
		}
	}

	checker := protect.NewChecker(exClient, meta, feed, repo, store, notifier, logger)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	report, err := checker.Run(ctx)
	if err != nil {
		fail("sweep failed: %v", err)
	}

	printReport(report)

	if len(report.Unprotected) > 0 {
		os.Exit(1)
	}
}

func printReport(report *protect.CheckReport) {
	fmt.Printf("SL/TP protection sweep at %s\n", report.At.Format(time.RFC3339))
	fmt.Printf("Checked balances: %d\n\n", report.CheckedBases)

	if len(report.Unprotected) == 0 {
		fmt.Println("All balances protected.")
	} else {
		fmt.Printf("Unprotected balances: %d\n\n", len(report.Unprotected))

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SYMBOL\tBALANCE\tPRICE\tSL\tTP\tSUGGESTED SL\tSUGGESTED TP")
		for _, pos := range report.Unprotected {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				pos.Symbol,
				pos.Balance.String(),
				pos.CurrentPrice.String(),
				mark(pos.HasSL),
				mark(pos.HasTP),
				orDash(pos.SuggestedSL),
				orDash(pos.SuggestedTP),
			)
		}
		w.Flush()
	}

	if len(report.Integrity) > 0 {
		fmt.Printf("\nIntegrity issues: %d\n", len(report.Integrity))
		for _, issue := range report.Integrity {
			fmt.Printf("  %s %s: %s\n", issue.Symbol, issue.OrderID, issue.Problem)
		}
	}
}

func mark(ok bool) string {
	if ok {
		return "ok"
	}
	return "MISSING"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func fail(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(2)
}
