package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-node/engine"
	"github.com/wippyai/wasm-node/logging"
	"github.com/wippyai/wasm-node/node"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the node",
		Long: `Run opens the data directory, commits the genesis file on first start,
serves JSON-RPC and, with --dev, authors a block every --dev-interval.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			defer logger.Sync()
			engine.SetLogger(logger.Named("engine"))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			n, err := node.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, n.Close()) }()

			if err := n.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			logger.Info("node stopped", zap.String("data_dir", cfg.DataDir))
			return nil
		},
	}
}
