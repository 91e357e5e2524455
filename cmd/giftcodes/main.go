// Package main запускает сервис активации подарочных кодов.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/giftcode-redeemer/internal/config"
	"github.com/mmeshcher/giftcode-redeemer/internal/feed"
	"github.com/mmeshcher/giftcode-redeemer/internal/gameapi"
	"github.com/mmeshcher/giftcode-redeemer/internal/handler"
	"github.com/mmeshcher/giftcode-redeemer/internal/metrics"
	"github.com/mmeshcher/giftcode-redeemer/internal/middleware"
	"github.com/mmeshcher/giftcode-redeemer/internal/notify"
	"github.com/mmeshcher/giftcode-redeemer/internal/repository"
	"github.com/mmeshcher/giftcode-redeemer/internal/service"
)

const (
	feedRetryMax   = 3
	notifyRetryMax = 3
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}

	m := metrics.New()

	api := gameapi.NewClient(gameapi.Options{
		BaseURL:          cfg.GameAPIURL,
		Secret:           cfg.GameAPISecret,
		Cooldown:         cfg.RateLimitCooldown,
		LookupMaxRetries: cfg.LookupMaxRetries,
		RedeemMaxRetries: cfg.RedeemMaxRetries,
		RequestInterval:  cfg.RequestInterval,
		Timeout:          cfg.RequestTimeout,
		Metrics:          m,
	})

	// Без адреса списка обнаружение отключено, активация доступна через API.
	var codeFeed service.CodeFeed
	if cfg.CodeFeedURL != "" {
		codeFeed = feed.NewFetcher(feed.Options{
			URL:      cfg.CodeFeedURL,
			RetryMax: feedRetryMax,
			Timeout:  cfg.RequestTimeout,
		}, logger)
	}

	notifiers := notify.Multi{notify.NewLogNotifier(logger)}
	if cfg.NotifyWebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhookNotifier(cfg.NotifyWebhookURL, notifyRetryMax, cfg.RequestTimeout))
	}

	svc := service.NewService(repo, api, codeFeed, notifiers, logger, service.Options{
		DiscoveryInterval: cfg.DiscoveryInterval,
		MaxParallelRuns:   cfg.MaxParallelRuns,
		AccountTimeout:    cfg.AccountTimeout,
		AutoRedeem:        cfg.AutoRedeem,
		Metrics:           m,
	})
	defer svc.Close()

	if cfg.AuthSecret == "" {
		sugar.Warn("AUTH_SECRET is empty, issued tokens will not survive restart")
	}
	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware, m.Handler())

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Фоновое обнаружение новых кодов
	g.Go(func() error {
		svc.StartDiscovery(ctx)
		return nil
	})

	g.Go(func() error {
		sugar.Infow("starting giftcode server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
