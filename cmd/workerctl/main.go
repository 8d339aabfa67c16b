package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/danmuck/hermes/internal/bus"
	"github.com/danmuck/hermes/internal/observability"
	"github.com/danmuck/hermes/internal/orchestrator"
	"github.com/danmuck/hermes/internal/queue"
	"github.com/danmuck/hermes/internal/record"
	"github.com/danmuck/hermes/internal/server"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

const defaultConfigPath = "/etc/hermes/worker.toml"

func main() {
	observability.InitLogger("workerctl")
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "workerctl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("workerctl", pflag.ContinueOnError)
	configPath := flags.String("config", defaultConfigPath, "worker config file (toml)")
	dataDir := flags.String("data-dir", "", "record and queue directory, overrides config")
	concurrency := flags.IntP("concurrency", "c", 0, "worker slots, overrides config")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := loadWorkerConfig(*configPath, !flags.Changed("config"))
	if err != nil {
		return err
	}
	if flags.Changed("data-dir") {
		cfg.DataDir = *dataDir
	}
	if flags.Changed("concurrency") {
		cfg.Pool.Concurrency = *concurrency
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	store, err := record.OpenSQLiteStore(filepath.Join(cfg.DataDir, "records.db"), cfg.PoolSize)
	if err != nil {
		return err
	}
	defer store.Close()
	jobs, err := queue.OpenSQLiteQueue(filepath.Join(cfg.DataDir, "queue.db"), cfg.PoolSize, cfg.Queue)
	if err != nil {
		return err
	}
	defer jobs.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var publisher bus.Publisher
	if cfg.BusURL != "" {
		cc := bus.DefaultClientConfig()
		cc.URL = cfg.BusURL
		cc.Token = cfg.BusToken
		client := bus.NewClient(cc)
		defer client.Close()
		connectCtx, cancel := context.WithTimeout(ctx, cfg.BusConnectTimeout)
		if err := client.Connect(connectCtx); err != nil {
			log.Warn().Err(err).Str("url", cfg.BusURL).Msg("bus not reachable; live output degraded until it returns")
		}
		cancel()
		publisher = client
	} else {
		log.Warn().Msg("no bus configured; output is persisted only")
	}

	dispatcher := orchestrator.Router{
		Default: orchestrator.NewHTTPDispatcher(cfg.AgentPort, cfg.AgentToken),
		ByScheme: map[string]orchestrator.Dispatcher{
			"ssh": orchestrator.NewSSHDispatcher(cfg.SSH),
		},
	}
	handler := orchestrator.NewHandler(store, dispatcher, publisher, cfg.Pool)
	pool := orchestrator.NewPool(jobs, handler, cfg.Pool)

	var wg sync.WaitGroup
	if cfg.MetricsListen != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.Run(ctx, "worker-metrics", cfg.MetricsListen, metricsRouter(cfg.ID), server.DefaultConfig()); err != nil {
				log.Error().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	log.Info().
		Str("id", cfg.ID).
		Str("data_dir", cfg.DataDir).
		Int("concurrency", cfg.Pool.Concurrency).
		Msg("worker started")
	err = pool.Run(ctx)
	stop()
	wg.Wait()
	return err
}

func metricsRouter(id string) http.Handler {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger, id))
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "worker": id})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}
