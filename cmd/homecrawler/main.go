package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"homecrawler/internal/api"
	"homecrawler/internal/config"
	"homecrawler/internal/crawler"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "Path to crawler configuration file")
	flag.Parse()
	os.Exit(run(*cfgPath))
}

func run(cfgPath string) int {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	engine, err := crawler.NewEngine(ctx, *cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise engine: %v\n", err)
		return 1
	}

	if cfg.API.Listen != "" {
		logger := engine.Logger()
		httpServer := &http.Server{
			Addr:    cfg.API.Listen,
			Handler: api.NewServer(engine, logger),
		}
		go func() {
			logger.Info("status server listening", "addr", cfg.API.Listen)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(shutdownCtx)
		}()
	}

	err = engine.Run(ctx)
	if errors.Is(err, context.Canceled) {
		engine.Logger().Info("crawl interrupted; progress is saved for the next run")
	} else if err != nil {
		fmt.Fprintf(os.Stderr, "crawler stopped with error: %v\n", err)
	}
	return exitCode(err)
}

// exitCode maps the crawl result to the process status. An interrupted crawl is a clean stop.
func exitCode(err error) int {
	if err == nil || errors.Is(err, context.Canceled) {
		return 0
	}
	return 1
}
