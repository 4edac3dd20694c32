// Package main запускает HTTP-сервер приёма заказов.
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

	"github.com/mmeshcher/orderdesk/internal/config"
	"github.com/mmeshcher/orderdesk/internal/customer"
	"github.com/mmeshcher/orderdesk/internal/handler"
	"github.com/mmeshcher/orderdesk/internal/metrics"
	"github.com/mmeshcher/orderdesk/internal/middleware"
	"github.com/mmeshcher/orderdesk/internal/notify"
	"github.com/mmeshcher/orderdesk/internal/repository"
	"github.com/mmeshcher/orderdesk/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	var repo service.Repository
	if cfg.DatabaseURI != "" {
		pg, err := repository.NewPostgresRepository(cfg.DatabaseURI)
		if err != nil {
			sugar.Fatalw("database initialization error", "error", err.Error())
		}
		repo = pg
	} else {
		sugar.Warn("DATABASE_URI is not set, orders are kept in memory")
		repo = repository.NewMemoryRepository()
	}

	m := metrics.New()
	hub := notify.NewHub(logger, m)

	var publisher notify.Publisher = hub
	var relay *notify.Relay
	if cfg.RabbitMQURL != "" {
		relay, err = notify.NewRelay(cfg.RabbitMQURL, hub, logger)
		if err != nil {
			sugar.Fatalw("rabbitmq initialization error", "error", err.Error())
		}
		defer relay.Close()
		publisher = relay
	}

	var customers service.CustomerDirectory
	if cfg.CustomerServiceAddress != "" {
		customers = customer.NewClient(cfg.CustomerServiceAddress)
	}

	svc := service.NewService(repo, publisher, customers, m, logger)
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.SessionSecret)
	h := handler.NewHandler(svc, logger, authMiddleware, handler.Options{
		TerminalKey: cfg.TerminalKey,
		Realtime:    notify.NewWSHandler(hub, logger),
		Metrics:     m.Handler(),
	})

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: h.SetupRouter(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Приём событий от других экземпляров
	if relay != nil {
		g.Go(func() error {
			return relay.Run(ctx)
		})
	}

	g.Go(func() error {
		sugar.Infow("starting order intake server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		// Websocket-соединения не закрываются через Shutdown, их завершает hub.
		hub.Close()

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
