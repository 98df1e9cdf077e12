package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/courier-im/courier/internal/config"
	"github.com/courier-im/courier/internal/daemon"
	"github.com/courier-im/courier/internal/engine"
	"github.com/courier-im/courier/internal/home"
)

func main() {
	configFlag := flag.String("config", "", "config file path (default ~/.courier/config.toml)")
	userFlag := flag.String("user", "", "user ID (overrides config)")
	flag.Parse()

	path := *configFlag
	if path == "" {
		path = home.ConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: load config %s: %v\n", path, err)
		os.Exit(1)
	}
	if *userFlag != "" {
		cfg.UserID = *userFlag
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{Config: cfg}),
		fx.Invoke(watchVisibilitySignals),
	)

	app.Run()
}

// watchVisibilitySignals maps SIGUSR1 to background and SIGUSR2 to
// foreground, the client's way of telling the daemon it went hidden.
func watchVisibilitySignals(lc fx.Lifecycle, e *engine.Engine, logger *zap.Logger) {
	sigs := make(chan os.Signal, 1)
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			signal.Notify(sigs, syscall.SIGUSR1, syscall.SIGUSR2)
			go func() {
				for {
					select {
					case sig := <-sigs:
						var err error
						if sig == syscall.SIGUSR1 {
							err = e.Background(context.Background())
						} else {
							err = e.Foreground(context.Background())
						}
						if err != nil {
							logger.Warn("visibility change failed", zap.Error(err))
						}
					case <-done:
						return
					}
				}
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			signal.Stop(sigs)
			close(done)
			return nil
		},
	})
}
