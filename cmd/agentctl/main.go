package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/hermes/internal/agent"
	"github.com/danmuck/hermes/internal/auth"
	"github.com/danmuck/hermes/internal/catalog"
	"github.com/danmuck/hermes/internal/observability"
	"github.com/danmuck/hermes/internal/server"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

const defaultConfigPath = "/etc/hermes/agent.toml"

func main() {
	observability.InitLogger("agentctl")
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "agentctl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("agentctl", pflag.ContinueOnError)
	configPath := flags.String("config", defaultConfigPath, "agent config file (toml)")
	listen := flags.String("listen", "", "listen address, overrides config")
	scriptDir := flags.String("script-dir", "", "predefined command directory, overrides config")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := loadAgentConfig(*configPath, !flags.Changed("config"))
	if err != nil {
		return err
	}
	if flags.Changed("listen") {
		cfg.Listen = *listen
	}
	if flags.Changed("script-dir") {
		cfg.Exec.ScriptDir = *scriptDir
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	var cat *catalog.Catalog
	if cfg.CatalogPath != "" {
		if cat, err = catalog.Load(cfg.CatalogPath); err != nil {
			return err
		}
	}
	exec, err := agent.NewExecutor(cfg.Exec, cat)
	if err != nil {
		return err
	}
	var validator auth.Validator
	if cfg.Token != "" {
		validator = auth.StaticToken{Token: cfg.Token}
	} else {
		log.Warn().Msg("no agent token configured; /execute is unauthenticated")
	}

	if scripts, err := exec.Scripts(); err != nil {
		log.Warn().Err(err).Str("dir", cfg.Exec.ScriptDir).Msg("script directory unreadable")
	} else {
		log.Info().Strs("scripts", scripts).Str("dir", cfg.Exec.ScriptDir).Msg("available scripts")
	}

	gin.SetMode(gin.ReleaseMode)
	srv := agent.NewServer(cfg.ID, exec, validator, cfg.CorsOrigins)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return server.Run(ctx, "agent", cfg.Listen, srv.Handler(), server.DefaultConfig())
}
