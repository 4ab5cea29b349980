package main

import (
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wippyai/wasm-node/bytecode"
	"github.com/wippyai/wasm-node/executive"
	"github.com/wippyai/wasm-node/hostapi"
)

// version is set with -ldflags "-X main.version=...".
var version = "dev"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and supported runtime interface",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			w := cmd.OutOrStdout()
			v := version
			if info, ok := debug.ReadBuildInfo(); ok && v == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
				v = info.Main.Version
			}
			fmt.Fprintf(w, "wasmnode %s\n", v)
			fmt.Fprintf(w, "host api:          %d (module %q)\n", hostapi.Version, hostapi.Module)
			fmt.Fprintf(w, "entry points:      %s\n", strings.Join([]string{
				bytecode.EntryInitialize, bytecode.EntryApplyExtrinsic, bytecode.EntryFinalize, bytecode.EntryOffchainQuery,
			}, ", "))
			fmt.Fprintf(w, "dispatch policies: %s\n", strings.Join(executive.Policies(), ", "))
		},
	}
}
