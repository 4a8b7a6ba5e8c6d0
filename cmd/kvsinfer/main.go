package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/warpcomdev/kvsinfer/internal/infer/app"
	"github.com/warpcomdev/kvsinfer/internal/infer/config"
)

func buildLogger() (*zap.Logger, error) {
	level := zap.InfoLevel
	if name := os.Getenv("LOG_LEVEL"); name != "" {
		if err := level.Set(name); err != nil {
			return nil, err
		}
	}
	encoder := zap.NewProductionEncoderConfig()
	encoder.TimeKey = "timestamp"
	encoder.LevelKey = "level"
	encoder.MessageKey = "message"
	encoder.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder.EncodeLevel = zapcore.CapitalLevelEncoder
	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Encoding:         "json",
		EncoderConfig:    encoder,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
	return zapConfig.Build(zap.AddStacktrace(zap.DPanicLevel))
}

func main() {
	var configPath, httpAddr string
	flag.StringVar(&configPath, "config", "", "path to configuration file")
	flag.StringVar(&httpAddr, "http", "0.0.0.0:8080", "address for health and metrics")
	flag.Parse()
	if configPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	logger, err := buildLogger()
	if err != nil {
		log.Fatalf("can't initialize zap logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("loading configuration", zap.Error(err))
	}

	service, err := app.New(cfg, httpAddr, logger)
	if err != nil {
		logger.Fatal("starting service", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := service.Run(ctx); err != nil {
		logger.Fatal("service failed", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
