package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/MarvelSK/Isegoria/internal/server"
	"github.com/MarvelSK/Isegoria/pkg/config"
	"github.com/MarvelSK/Isegoria/pkg/logging"
	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/gin-gonic/gin"
)

func main() {
	logger := logging.New(logging.LevelInfo, "text")
	slog.SetDefault(logger)

	cfg, err := config.Load(logger, "config")
	if err != nil {
		logger.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	// rebuild the logger now that level and format are known
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		logger.Error("Invalid log level", slog.Any("error", err))
		os.Exit(1)
	}
	logger = logging.New(level, cfg.Log.Format)
	slog.SetDefault(logger)
	if level > logging.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}

	app, err := server.NewApp(logger, context.Background(), cfg)
	if err != nil {
		logger.Error("Failed to build application", slog.Any("error", err))
		os.Exit(1)
	}
	if err := app.Start(); err != nil {
		logger.Error("Failed to start server", slog.Any("error", err))
		os.Exit(1)
	}

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.Server.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"http-server": app.Shutdown,
		},
	)
	exitCode := <-wait
	logger.Info("Application exited", slog.Int("code", exitCode))
	os.Exit(exitCode)
}
