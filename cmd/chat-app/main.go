package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"

	"github.com/Mak2503/chat-app/internal/server"
	"github.com/Mak2503/chat-app/internal/store/memstore"
	"github.com/Mak2503/chat-app/pkg/config"
	"github.com/Mak2503/chat-app/pkg/logging"
)

func main() {
	logger := logging.New(logging.LevelInfo)
	slog.SetDefault(logger)

	cfg, err := config.Load(logger, "config")
	if err != nil {
		logger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}
	logger = logging.New(logging.ParseLevel(cfg.Log.Level))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// The realtime core consumes the stores through interfaces; the
	// in-memory implementation backs a standalone deployment.
	st := memstore.New()
	stores := server.Stores{
		Identities: st.Identities(),
		Groups:     st.Groups(),
		Messages:   st.Messages(),
	}

	app := server.NewApp(logger, ctx, cfg, stores)
	if err := app.Run(); err != nil {
		logger.Error("application run failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("application shut down successfully")
}
