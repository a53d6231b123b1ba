package main

import (
	"os"
	"os/signal"
	"syscall"

	"basketbatch/internal/api"
	"basketbatch/internal/config"
	"basketbatch/internal/logging"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// serveCmd runs the API server
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and event feed",
	Long: `Restores the engine from the configured store and serves the JSON API
and the /ws/events websocket feed until interrupted.

Edits to the config file are picked up while running: fee rates, the fee
recipient and batch parameters are applied through governance as the
configured governor. Other settings take effect on restart.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	n, err := buildNode(ctx, cfg, st, nil)
	if err != nil {
		_ = st.Close()
		return err
	}
	defer n.engine.Close()

	if err := reconcile(ctx, n.engine, cfg); err != nil {
		logging.Get(logging.CategoryConfig).Warn("config not applied: %v", err)
	}

	srv := api.New(n.engine, api.Config{
		Addr:            cfg.Server.Listen,
		ReadTimeout:     cfg.GetReadTimeout(),
		WriteTimeout:    cfg.GetWriteTimeout(),
		ShutdownTimeout: cfg.GetShutdownTimeout(),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	if _, err := os.Stat(configPath); err == nil {
		g.Go(func() error {
			return config.Watch(gctx, configPath, func(next *config.Config) {
				if err := reconcile(gctx, n.engine, next); err != nil {
					logging.Get(logging.CategoryConfig).Warn("reloaded config not applied: %v", err)
				}
			})
		})
	}

	logging.Boot("basketd serving on %s (store %s, seq %d)", cfg.Server.Listen, cfg.Store.Driver, n.engine.Seq())
	return g.Wait()
}
