package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"hotpatch/internal/config"
	"hotpatch/internal/logging"
	"hotpatch/internal/server"
)

func newServeCommand(root *rootOptions) *cobra.Command {
	var autoload string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the hot-patch server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(root.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if autoload != "" {
				cfg.AutoloadDir = autoload
			}

			logger, err := logging.New(logging.Options{
				Level:  cfg.LogLevel,
				Format: cfg.LogFormat,
				Output: cmd.ErrOrStderr(),
			})
			if err != nil {
				return fmt.Errorf("initialize logging: %w", err)
			}

			srv, err := server.New(cfg, server.Options{Version: Version, Logger: logger})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&autoload, "autoload", "", "directory of patch scripts to apply and watch")
	return cmd
}
