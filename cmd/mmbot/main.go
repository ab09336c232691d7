package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Aidin1998/mmbot/internal/config"
	"github.com/Aidin1998/mmbot/internal/database"
	"github.com/Aidin1998/mmbot/internal/server"
	"github.com/Aidin1998/mmbot/internal/settlement"
	"github.com/Aidin1998/mmbot/pkg/logger"
	"github.com/Aidin1998/mmbot/pkg/tracing"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	var paths []string
	if path := os.Getenv("MMBOT_CONFIG_FILE"); path != "" {
		paths = append(paths, path)
	}
	cfg, err := config.Load(paths...)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	shutdownTracing, err := tracing.Setup(cfg.Tracing.Enabled, os.Stdout)
	if err != nil {
		zapLogger.Fatal("Failed to set up tracing", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg.Database, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to open database", zap.Error(err))
	}

	var redisClient *redis.Client
	opts := settlement.ModuleOptions{
		Config:   cfg,
		Logger:   zapLogger,
		Database: db,
	}
	if cfg.Redis.Enabled {
		redisClient, err = database.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			zapLogger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		opts.Redis = redisClient
	}

	module, err := settlement.NewModule(opts)
	if err != nil {
		zapLogger.Fatal("Failed to create settlement module", zap.Error(err))
	}
	if err := module.Start(ctx); err != nil {
		zapLogger.Fatal("Failed to start settlement module", zap.Error(err))
	}

	var opsServer *server.Server
	if cfg.Server.Enabled {
		opsServer = server.NewServer(zapLogger, module.Repository(), module.Orchestrator(), module)
		if err := opsServer.Start(cfg.Server.Address); err != nil {
			zapLogger.Fatal("Failed to start ops server", zap.Error(err))
		}
	}

	zapLogger.Info("mmbot running",
		zap.String("mode", cfg.Settlement.Mode),
		zap.String("database", cfg.Database.Driver),
		zap.Bool("redis_guard", cfg.Redis.Enabled),
		zap.Bool("kafka_events", cfg.Kafka.Enabled))

	<-ctx.Done()
	zapLogger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if opsServer != nil {
		if err := opsServer.Shutdown(shutdownCtx); err != nil {
			zapLogger.Error("Failed to stop ops server", zap.Error(err))
		}
	}
	if err := module.Stop(shutdownCtx); err != nil {
		zapLogger.Error("Failed to stop settlement module", zap.Error(err))
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		zapLogger.Error("Failed to flush traces", zap.Error(err))
	}
	zapLogger.Info("mmbot exited properly")
}
