package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"icsync/internal/config"
	"icsync/internal/engine"
	appLog "icsync/internal/log"
)

var (
	// v overlays ICSYNC_* environment variables and command-line flags on
	// top of the YAML config file.
	v   = viper.New()
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "icsync",
	Short:         "Keep local copies of ICS calendar subscriptions in sync",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadConfig()
		if err != nil {
			return err
		}
		cfg = c
		return appLog.Configure(appLog.Options{
			Level:      appLog.ParseLevel(cfg.Log.Level),
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
		})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = appLog.Close()
	},
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("config", defaultConfigPath(), "path to the YAML config file")
	pf.String("database", "", "SQLite database path (overrides config)")
	pf.String("log-level", "", "log level: debug, info, warn or error")

	v.SetEnvPrefix("ICSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for _, name := range []string{"config", "database", "log-level"} {
		_ = v.BindPFlag(name, pf.Lookup(name))
	}

	rootCmd.AddCommand(serveCmd, validateCmd, addCmd, listCmd, editCmd, deleteCmd,
		syncCmd, intervalCmd, trustCmd, networkAvailableCmd, occurrencesCmd)
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "icsync.yaml"
	}
	return filepath.Join(dir, "icsync", "config.yaml")
}

func configPath() string {
	return v.GetString("config")
}

// loadConfig reads the config file, creating it with defaults when missing,
// then applies environment and flag overrides.
func loadConfig() (*config.Config, error) {
	path := configPath()
	c, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}

	if s := v.GetString("listen"); s != "" {
		c.Listen = s
	}
	if s := v.GetString("database"); s != "" {
		c.Database = s
	}
	if s := v.GetString("log-level"); s != "" {
		c.Log.Level = s
	}
	if s := v.GetString("tick"); s != "" {
		c.Tick = s
	}
	if s := v.GetString("credential-key"); s != "" {
		c.CredentialKey = s
	}
	c.Normalize()
	return c, nil
}

func openEngine(ctx context.Context, watchFiles bool) (*engine.Engine, error) {
	path := configPath()
	return engine.Open(ctx, cfg, engine.Options{
		DatabasePath: cfg.DatabasePath(path),
		ConfigPath:   path,
		WatchFiles:   watchFiles,
	})
}

// withEngine opens the engine for a one-shot command and closes it after
// background syncs started by fn have finished.
func withEngine(cmd *cobra.Command, fn func(ctx context.Context, eng *engine.Engine) error) error {
	ctx := cmd.Context()
	eng, err := openEngine(ctx, false)
	if err != nil {
		return err
	}
	defer func() {
		eng.Wait()
		if err := eng.Close(); err != nil {
			appLog.Error("close engine", err)
		}
	}()
	return fn(ctx, eng)
}
