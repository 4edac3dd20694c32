// Package main запускает консольный терминал кассира: канал уведомлений,
// оповещения о web-заказах и печать тикетов.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/mmeshcher/orderdesk/internal/config"
	"github.com/mmeshcher/orderdesk/internal/terminal"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.ParseTerminal()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	token := cfg.Token
	if token == "" {
		token, err = terminal.Enroll(ctx, cfg.ServerAddress, cfg.TerminalKey, cfg.OperatorID, cfg.BranchID)
		if err != nil {
			sugar.Fatalw("terminal enrollment error", "error", err.Error())
		}
	}

	// Пустой филиал означает общий терминал: списки и канал уведомлений без фильтра.
	branchID := cfg.BranchID

	session := terminal.NewSession(
		terminal.NewHTTPClient(cfg.ServerAddress, token),
		terminal.NewWSFeed(cfg.ServerAddress, token, branchID),
		terminal.Options{
			BranchID:   branchID,
			AutoAccept: cfg.AutoAccept,
			Logger:     logger,
		},
	)

	sugar.Infow("terminal started", "server", cfg.ServerAddress, "branch", branchID, "auto_accept", cfg.AutoAccept)
	if err := session.Run(ctx); err != nil {
		sugar.Fatalw("terminal terminated with error", "error", err)
	}
	sugar.Info("terminal stopped")
}
