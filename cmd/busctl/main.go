package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/hermes/internal/auth"
	"github.com/danmuck/hermes/internal/bus"
	"github.com/danmuck/hermes/internal/observability"
	"github.com/danmuck/hermes/internal/server"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

const defaultConfigPath = "/etc/hermes/bus.toml"

func main() {
	observability.InitLogger("busctl")
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "busctl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("busctl", pflag.ContinueOnError)
	configPath := flags.String("config", defaultConfigPath, "bus config file (toml)")
	listen := flags.String("listen", "", "listen address, overrides config")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := loadBusConfig(*configPath, !flags.Changed("config"))
	if err != nil {
		return err
	}
	if flags.Changed("listen") {
		cfg.Listen = *listen
	}
	if cfg.Token != "" {
		cfg.Hub.Validator = auth.StaticToken{Token: cfg.Token}
	} else {
		log.Warn().Msg("no bus token configured; any peer may join rooms")
	}

	gin.SetMode(gin.ReleaseMode)
	hub := bus.NewHub(cfg.Hub)
	defer hub.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return server.Run(ctx, "bus", cfg.Listen, bus.NewRouter(hub, cfg.ID, cfg.CorsOrigins), server.DefaultConfig())
}
