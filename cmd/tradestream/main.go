// cmd/tradestream/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/YaganovValera/tradestream/internal/app"
	"github.com/YaganovValera/tradestream/internal/config"
	"github.com/YaganovValera/tradestream/pkg/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		cfgFile     string
		envFile     string
		printTrades bool
		maxTrades   uint64
		printConfig bool
	)

	root := &cobra.Command{
		Use:           "tradestream",
		Short:         "Streams exchange trades over WebSocket into a bounded in-memory sink",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if envFile != "" {
				if err := godotenv.Load(envFile); err != nil {
					return fmt.Errorf("load env file %q: %w", envFile, err)
				}
			}

			cfg, err := config.Load(cfgFile, cmd.Flags())
			if err != nil {
				return err
			}
			if printConfig {
				fmt.Fprintln(cmd.OutOrStdout(), cfg.Print())
				return nil
			}

			log, err := logger.New(logger.Config{
				Level:   cfg.Logging.Level,
				DevMode: cfg.Logging.DevMode,
				File: logger.FileConfig{
					Path:       cfg.Logging.File.Path,
					MaxSizeMB:  cfg.Logging.File.MaxSizeMB,
					MaxBackups: cfg.Logging.File.MaxBackups,
					MaxAgeDays: cfg.Logging.File.MaxAgeDays,
					Compress:   cfg.Logging.File.Compress,
				},
			})
			if err != nil {
				return fmt.Errorf("logger init: %w", err)
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log.Info("tradestream starting",
				zap.String("version", cfg.ServiceVersion),
				zap.Int("feeds", len(cfg.Feeds)),
			)
			return app.Run(ctx, cfg, log, app.Options{Print: printTrades, MaxTrades: maxTrades})
		},
	}

	fs := root.Flags()
	fs.StringVarP(&cfgFile, "config", "c", "", "path to YAML config file (defaults + TRADESTREAM_* env when empty)")
	fs.StringVar(&envFile, "env-file", "", "load environment variables from this .env file first")
	fs.BoolVar(&printTrades, "print", false, "log every trade through the display logger")
	fs.Uint64Var(&maxTrades, "max-trades", 0, "stop after N trades were delivered (0 = unbounded)")
	fs.BoolVar(&printConfig, "print-config", false, "print the resolved config and exit")
	config.Flags(fs)

	root.SetContext(context.Background())
	return root
}
