package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/wippyai/wasm-node/bytecode"
	"github.com/wippyai/wasm-node/chain"
	"github.com/wippyai/wasm-node/errors"
	"github.com/wippyai/wasm-node/hashing"
	"github.com/wippyai/wasm-node/state"
)

type chainSummary struct {
	Head     chain.Head       `json:"head"`
	Runtime  bytecode.Version `json:"runtime"`
	CodeHash hashing.Hash     `json:"codeHash"`
}

type blockDetail struct {
	Hash    hashing.Hash   `json:"hash"`
	Header  chain.Header   `json:"header"`
	Count   int            `json:"extrinsics"`
	Receipt *chain.Receipt `json:"receipt"`
}

func newInspectCmd() *cobra.Command {
	var number int64
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print the stored chain head or a block",
		Long:  `Inspect reads the data directory directly; stop the node first.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			db, err := state.Open(state.Options{Path: cfg.DBPath()})
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, db.Close()) }()
			blocks, err := chain.NewBlockStore(db, 0)
			if err != nil {
				return err
			}

			var out any
			if number >= 0 {
				b, err := blocks.ByNumber(uint64(number))
				if err != nil {
					return err
				}
				r, err := blocks.Receipt(b.Hash())
				if err != nil {
					return err
				}
				out = blockDetail{Hash: b.Hash(), Header: b.Header, Count: len(b.Extrinsics), Receipt: r}
			} else {
				head, ok := blocks.Head()
				if !ok {
					return errors.NotFound(errors.PhaseStorage, "chain", cfg.DBPath())
				}
				code, ok, err := db.Get([]byte(bytecode.CodeKey))
				if err != nil {
					return err
				}
				if !ok {
					return errors.NotFound(errors.PhaseStorage, "runtime code", bytecode.CodeKey)
				}
				v, err := bytecode.ReadVersion(code)
				if err != nil {
					return err
				}
				out = chainSummary{Head: head, Runtime: v, CodeHash: hashing.Sum(code)}
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				return fmt.Errorf("encode: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&number, "block", -1, "block number to print instead of the head")
	return cmd
}
