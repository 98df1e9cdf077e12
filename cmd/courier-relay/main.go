package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/courier-im/courier/internal/relay"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	addr := os.Getenv("RELAY_ADDR")
	if addr == "" {
		addr = ":9480"
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	hub := relay.NewHub(logger)
	srv := relay.NewServer(hub, logger)

	logger.Info("relay listening", zap.String("addr", addr))
	if err := srv.Router().Run(addr); err != nil {
		logger.Fatal("relay server exited", zap.Error(err))
	}
}
