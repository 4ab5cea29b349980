// Command wasmnode runs a development chain whose state transition
// function is a WebAssembly runtime that upgrades itself on chain.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/wippyai/wasm-node/config"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "wasmnode",
		Short:         "Upgradable WebAssembly runtime node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	config.AddFlags(root.PersistentFlags())

	root.AddCommand(
		newRunCmd(),
		newInitCmd(),
		newInspectCmd(),
		newTxCmd(),
		newVersionCmd(),
	)
	return root
}

// loadConfig merges defaults, config file, environment and the flags of
// cmd.
func loadConfig(cmd *cobra.Command) (*config.Config, *viper.Viper, error) {
	v := config.NewViper()
	if err := config.BindFlags(v, cmd.Flags()); err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
