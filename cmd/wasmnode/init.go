package main

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/wippyai/wasm-node/chain"
	"github.com/wippyai/wasm-node/config"
	"github.com/wippyai/wasm-node/devrt"
	"github.com/wippyai/wasm-node/executive"
)

func newInitCmd() *cobra.Command {
	var (
		out         string
		specVersion uint32
		dispatch    string
		endow       []string
		force       bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a development genesis and node key",
		Long: `Init writes a genesis file holding the built-in balances runtime and the
given endowments, and creates the node key if it does not exist.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if out == "" {
				out = cfg.GenesisPath()
			}
			if _, err := os.Stat(out); err == nil && !force {
				return fmt.Errorf("%s exists; use --force to overwrite", out)
			}

			balances := make(map[uint64]uint64)
			for _, e := range endow {
				name, amount, ok := strings.Cut(e, "=")
				if !ok {
					return fmt.Errorf("endowment %q: want name=amount", e)
				}
				v, err := strconv.ParseUint(amount, 10, 64)
				if err != nil {
					return fmt.Errorf("endowment %q: %w", e, err)
				}
				balances[devrt.Account(name)] = v
			}

			if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
				return err
			}
			// The node key doubles as the runtime's sudo key.
			key, created, err := config.LoadOrCreateKey(cfg.KeyPath())
			if err != nil {
				return err
			}
			code := devrt.Balances(devrt.Options{
				SpecVersion: specVersion,
				Dispatch:    dispatch,
				Sudo:        key.Public().(ed25519.PublicKey),
			})
			g := chain.NewGenesis(uint64(time.Now().UnixMilli()), code, devrt.Endow(balances))
			if err := g.Save(out); err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "genesis: %s (%d accounts, spec version %d, %s)\n", out, len(balances), specVersion, dispatch)
			state := "existing"
			if created {
				state = "new"
			}
			fmt.Fprintf(w, "node key: %s (%s, public 0x%x)\n", cfg.KeyPath(), state, []byte(key.Public().(ed25519.PublicKey)))
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "genesis output (default <data-dir>/genesis.json; .cbor for CBOR)")
	cmd.Flags().Uint32Var(&specVersion, "spec-version", 1, "runtime spec version")
	cmd.Flags().StringVar(&dispatch, "dispatch", executive.PolicySkipAndRecord, "dispatch failure policy")
	cmd.Flags().StringSliceVar(&endow, "endow", []string{"alice=1000000", "bob=1000000"}, "account endowments name=amount")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing genesis")
	return cmd
}
