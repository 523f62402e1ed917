package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	appLog "icsync/internal/log"
	"icsync/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and the HTTP API until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		noWatch, _ := cmd.Flags().GetBool("no-watch")

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
		go func() {
			select {
			case sig := <-sigCh:
				appLog.Info("signal received, shutting down", "signal", sig.String())
				cancel()
			case <-ctx.Done():
			}
		}()

		appLog.Info("effective config",
			"config_path", configPath(),
			"listen", cfg.Listen,
			"database", cfg.DatabasePath(configPath()),
			"tick", cfg.Tick,
			"max_parallel", cfg.MaxParallel,
			"trusted_certificates", len(cfg.TrustedCertificates),
			"basic_auth", cfg.BasicAuth != nil,
		)

		eng, err := openEngine(ctx, !noWatch)
		if err != nil {
			return err
		}
		defer func() {
			if err := eng.Close(); err != nil {
				appLog.Error("close engine", err)
			}
			appLog.Info("icsync exiting")
		}()

		if err := eng.Start(ctx); err != nil {
			return err
		}

		return web.StartServer(ctx, cfg, eng)
	},
}

func init() {
	serveCmd.Flags().String("listen", "", "HTTP listen address (overrides config)")
	serveCmd.Flags().Bool("no-watch", false, "do not re-sync content:// feeds when their file changes")
	_ = v.BindPFlag("listen", serveCmd.Flags().Lookup("listen"))
}
