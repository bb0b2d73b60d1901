package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/burrowlabs/burrow/internal/server"
	"github.com/burrowlabs/burrow/internal/server/config"
	"github.com/burrowlabs/burrow/pkg/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the tunnel server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		if err := logger.Setup(logger.Config{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
			Output: cfg.Logging.Output,
			File:   cfg.Logging.File,
		}); err != nil {
			return err
		}

		srv, err := server.New(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger.InfoEvent().
			Int("port", cfg.Server.Port).
			Int("api_port", cfg.Server.APIPort).
			Str("base_url", cfg.Server.BaseURL).
			Msg("Starting burrow server")

		return srv.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
