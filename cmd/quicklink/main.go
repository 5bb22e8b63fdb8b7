package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lukeed/quicklink/packages/config"
	"github.com/lukeed/quicklink/packages/crawler"
	"github.com/lukeed/quicklink/packages/db"
	"github.com/lukeed/quicklink/packages/document"
	"github.com/lukeed/quicklink/packages/filter"
	"github.com/lukeed/quicklink/packages/idle"
	"github.com/lukeed/quicklink/packages/logging"
	"github.com/lukeed/quicklink/packages/metrics"
	"github.com/lukeed/quicklink/packages/prefetch"
	"github.com/lukeed/quicklink/packages/quicklink"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file loaded", "error", err)
	}

	tempCfg, err := config.Load()
	if err != nil {
		slog.Error("FATAL: Failed to load configuration for logger setup", "error", err)
		os.Exit(1)
	}
	logging.Setup(tempCfg.LogLevel, tempCfg.LogFile, "quicklink")

	// Loaded again so configuration warnings reach the configured handler.
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("--- Starting quicklink ---")
	if err := run(ctx, cfg); err != nil {
		slog.Error("quicklink failed", "error", err)
		stop()
		os.Exit(1)
	}
	slog.Info("quicklink finished")
}

func run(ctx context.Context, cfg config.Config) error {
	go metrics.ExposeMetrics(cfg.MetricsAddr)

	observers := []quicklink.Observer{metrics.Observer{}, logging.Observer{}}

	var seen prefetch.Seen = prefetch.NewMemorySeen()
	if cfg.RedisAddr != "" {
		client, err := prefetch.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return err
		}
		defer client.Close()
		if seen, err = prefetch.NewRedisSeen(client, cfg.SeenKey, cfg.SeenTTL); err != nil {
			return err
		}
		slog.Info("Using Redis seen set", "addr", cfg.RedisAddr, "key", cfg.SeenKey)
	}

	if cfg.DatabaseURL != "" {
		storage, err := db.New(ctx, cfg.DatabaseURL, db.Config{
			BatchWriteInterval:  cfg.BatchWriteInterval,
			BatchWriteQueueSize: cfg.BatchWriteQueueSize,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer storage.Close()
		if err := storage.EnsureSchema(ctx); err != nil {
			return err
		}
		observers = append(observers, storage)
	}

	fetcher := prefetch.New(prefetch.Config{
		Timeout:       cfg.FetchTimeout,
		MaxWorkers:    cfg.MaxWorkers,
		QueueSize:     cfg.QueueSize,
		SaveData:      cfg.SaveData,
		EffectiveType: cfg.EffectiveType,
		UserAgent:     cfg.UserAgent,
	}, seen)
	runErr := make(chan error, 1)
	go func() { runErr <- fetcher.Run(ctx) }()

	var err error
	if len(cfg.PrefetchURLs) > 0 {
		err = runBulk(cfg, fetcher, observers)
	} else {
		err = runPage(ctx, cfg, fetcher, observers)
	}

	fetcher.Close()
	if werr := <-runErr; werr != nil && !errors.Is(werr, context.Canceled) {
		slog.Error("Prefetch workers stopped with error", "error", werr)
	}
	return err
}

// runBulk hands the configured URLs to an idle scheduler that is released
// as soon as the prefetch workers are running, or after the idle timeout.
func runBulk(cfg config.Config, fetcher *prefetch.Fetcher, observers []quicklink.Observer) error {
	sched := idle.NewScheduler()
	_, err := quicklink.Listen(nil, fetcher, quicklink.Options{
		URLs:      cfg.PrefetchURLs,
		Priority:  cfg.Priority,
		Timeout:   cfg.IdleTimeout,
		TimeoutFn: sched.Request,
		Observers: observers,
	})
	if err != nil {
		return err
	}
	n := sched.Idle()
	slog.Info("Bulk prefetch requested", "urls", len(cfg.PrefetchURLs), "callbacks", n)
	return nil
}

func runPage(ctx context.Context, cfg config.Config, fetcher *prefetch.Fetcher, observers []quicklink.Observer) error {
	page, err := crawler.New(cfg.FetchTimeout, cfg.UserAgent).FetchPage(ctx, cfg.PageURL)
	if err != nil {
		return fmt.Errorf("fetch page %s: %w", cfg.PageURL, err)
	}

	host, err := document.New(page.FinalURL, page.GoqueryDoc, document.Options{
		ViewportHeight: cfg.ViewportHeight,
		Layout:         document.FlowLayout(cfg.LineHeight),
	})
	if err != nil {
		return err
	}
	slog.Info("Page loaded", "url", page.FinalURL, "title", page.Title, "height", host.Height())

	opts := quicklink.Options{
		Root:       cfg.RootSelector,
		Priority:   cfg.Priority,
		Origins:    cfg.Origins,
		AllOrigins: cfg.AllOrigins,
		Ignores:    ignoreSpecs(cfg),
		Timeout:    cfg.IdleTimeout,
		Observers:  observers,
		PageURL:    page.FinalURL,
	}
	listener, err := quicklink.Listen(host, fetcher, opts)
	if err != nil {
		return err
	}
	defer listener.Stop()

	interval := cfg.ScrollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for step := 0; step < cfg.ScrollSteps && !host.AtEnd(); step++ {
		select {
		case <-ctx.Done():
			slog.Info("Shutdown signal received. Exiting...")
			return nil
		case <-ticker.C:
			host.ScrollBy(cfg.ScrollStep)
			slog.Debug("Scrolled", "scroll_y", host.ScrollY(), "processed", listener.Processed())
		}
	}
	slog.Info("Scrolling finished", "scroll_y", host.ScrollY(), "processed", listener.Processed())
	return nil
}

func ignoreSpecs(cfg config.Config) []any {
	specs := make([]any, 0, len(cfg.IgnorePatterns)+2)
	for _, p := range cfg.IgnorePatterns {
		specs = append(specs, p)
	}
	if len(cfg.IgnoreExtensions) > 0 {
		specs = append(specs, filter.Extensions(cfg.IgnoreExtensions...))
	}
	if len(cfg.AllowedLanguages) > 0 {
		specs = append(specs, filter.Language(cfg.AllowedLanguages...))
	}
	return specs
}
