package main

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/gorilla/rpc/v2/json2"
	"github.com/spf13/cobra"

	"github.com/wippyai/wasm-node/config"
	"github.com/wippyai/wasm-node/devrt"
	"github.com/wippyai/wasm-node/extrinsic"
	"github.com/wippyai/wasm-node/rpc"
)

func newTxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tx",
		Short: "Build and submit extrinsics for the balances runtime",
	}
	cmd.AddCommand(newTransferCmd(), newSetCodeCmd())
	return cmd
}

type txFlags struct {
	key      string
	nonce    uint64
	unsigned bool
	submit   bool
}

func (f *txFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.key, "key", "", "sign with this ed25519 key file")
	cmd.Flags().Uint64Var(&f.nonce, "nonce", 0, "signer nonce")
	cmd.Flags().BoolVar(&f.unsigned, "unsigned", false, "send an unsigned envelope (test chains only)")
	cmd.Flags().BoolVar(&f.submit, "submit", false, "submit to the node at --rpc-addr instead of printing")
}

// emit signs call with --key, or with fallback when no key file is given,
// then prints or submits it. A nil fallback leaves the envelope unsigned.
func (f *txFlags) emit(cmd *cobra.Command, call []byte, fallback ed25519.PrivateKey) error {
	key := fallback
	if f.key != "" {
		k, err := config.LoadKey(f.key)
		if err != nil {
			return err
		}
		key = k
	}
	raw := extrinsic.NewUnsigned(call).Encode()
	if key != nil && !f.unsigned {
		raw = extrinsic.Sign(key, f.nonce, call).Encode()
	}
	if !f.submit {
		fmt.Fprintf(cmd.OutOrStdout(), "0x%s\n", hex.EncodeToString(raw))
		return nil
	}

	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	hash, err := submit(cfg.RPC.Addr, raw)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "submitted %s\n", hash)
	return nil
}

func submit(addr string, raw []byte) (string, error) {
	body, err := json2.EncodeClientRequest(rpc.ServiceName+".SubmitExtrinsic", &rpc.SubmitArgs{Extrinsic: raw})
	if err != nil {
		return "", err
	}
	url := addr
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	var reply rpc.SubmitReply
	if err := json2.DecodeClientResponse(resp.Body, &reply); err != nil {
		return "", err
	}
	return reply.Hash.String(), nil
}

func newTransferCmd() *cobra.Command {
	var (
		f        txFlags
		from, to string
		amount   uint64
	)
	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "Move balance between two named accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if from == "" || to == "" {
				return fmt.Errorf("--from and --to are required")
			}
			// Development accounts sign with their well-known key.
			return f.emit(cmd, devrt.TransferCall(devrt.Account(from), devrt.Account(to), amount), devrt.Key(from))
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&from, "from", "", "sender account name")
	cmd.Flags().StringVar(&to, "to", "", "recipient account name")
	cmd.Flags().Uint64Var(&amount, "amount", 0, "amount to move")
	return cmd
}

func newSetCodeCmd() *cobra.Command {
	var (
		f    txFlags
		wasm string
	)
	cmd := &cobra.Command{
		Use:   "set-code",
		Short: "Replace the runtime with a new module",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			code, err := os.ReadFile(wasm)
			if err != nil {
				return err
			}
			return f.emit(cmd, devrt.SetCodeCall(code), nil)
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&wasm, "wasm", "", "runtime module file")
	cmd.MarkFlagRequired("wasm")
	return cmd
}
