package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/spf13/cobra"

	"github.com/mfloren/nzbstream/internal/api"
	"github.com/mfloren/nzbstream/internal/app"
	"github.com/mfloren/nzbstream/internal/events"
	"github.com/mfloren/nzbstream/internal/infra/config"
	"github.com/mfloren/nzbstream/internal/infra/logger"
	"github.com/mfloren/nzbstream/internal/store"
	"github.com/mfloren/nzbstream/internal/streamer"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "nzbstream",
		Short: "Multi-provider NNTP streaming service",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file")

	root.AddCommand(serveCmd(), checkCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the streaming service and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfgMgr, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	cfg := cfgMgr.Config()

	log, err := logger.New(cfg.Log.Path, logger.ParseLevel(cfg.Log.Level), cfg.Log.IncludeStdout)
	if err != nil {
		return fmt.Errorf("logger error: %w", err)
	}

	bus := events.NewBus()

	// Setup signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	settings, err := store.Open(cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("settings store error: %w", err)
	}
	defer settings.Close()

	// Providers edited through the API win over the config file
	providers, err := settings.LoadProviders(ctx)
	if err != nil {
		return fmt.Errorf("failed to load providers: %w", err)
	}
	if len(providers) == 0 {
		providers = cfgMgr.Providers()
	}

	strm, err := streamer.New(providers, bus, log)
	if err != nil {
		return fmt.Errorf("streamer error: %w", err)
	}
	defer strm.Close()

	log.Info("Connection pool ready: %d providers, %d max connections",
		len(providers), strm.ConnectionStats().Max)

	// React to config file edits and API provider updates
	cfgMgr.WatchFile()
	go strm.Watch(ctx, cfgMgr.Subscribe())

	appCtx := app.NewContext(cfgMgr, log, bus)
	appCtx.Streamer = strm
	appCtx.Settings = settings

	e := echo.New()
	api.RegisterRoutes(e, appCtx)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: e}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("Listening on :%s", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	log.Info("Shutdown complete")
	return nil
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Test connectivity to every configured provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgMgr, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}

			log, err := logger.New("", logger.LevelInfo, false)
			if err != nil {
				return err
			}

			strm, err := streamer.New(cfgMgr.Providers(), events.NewBus(), log)
			if err != nil {
				return err
			}
			defer strm.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			failed := 0
			for _, p := range cfgMgr.Providers() {
				fmt.Printf("Testing %s (%s)... ", p.Name, p.Addr())
				if err := strm.TestProvider(ctx, p); err != nil {
					fmt.Printf("FAILED: %v\n", err)
					failed++
					continue
				}
				fmt.Println("ok")
			}

			if failed > 0 {
				return fmt.Errorf("%d provider(s) unreachable", failed)
			}

			// One end-to-end probe through the pool itself
			if err := strm.WaitUntilReady(ctx); err != nil {
				return fmt.Errorf("pool probe failed: %w", err)
			}

			fmt.Println("All providers reachable")
			return nil
		},
	}
}
