// Command rtinspect prints runtime metadata and runs entry points against
// a scratch copy of genesis state.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"golang.org/x/term"

	"github.com/wippyai/wasm-node/bytecode"
	"github.com/wippyai/wasm-node/engine"
)

func main() {
	var (
		file        = flag.String("file", "", "Runtime .wasm or genesis file")
		entry       = flag.String("entry", bytecode.EntryOffchainQuery, "Entry point to call")
		input       = flag.String("input", "", "Input: 0x hex, decimal u64 or text")
		kind        = flag.String("engine", string(engine.KindCompiler), "Engine: compiler or interpreter")
		weight      = flag.Uint64("weight", 2_000_000_000, "Call weight limit")
		list        = flag.Bool("list", false, "Print metadata and exit")
		interactive = flag.Bool("i", false, "Interactive mode with TUI")
	)
	flag.Parse()

	if *file == "" {
		fmt.Fprintln(os.Stderr, "Usage: rtinspect -file <runtime.wasm|genesis.json> [-entry name] [-input value]")
		fmt.Fprintln(os.Stderr, "       rtinspect -file <file> -list")
		fmt.Fprintln(os.Stderr, "       rtinspect -file <file> -i  (interactive mode)")
		os.Exit(1)
	}
	cfg := engine.Config{Kind: engine.Kind(*kind), CallWeightLimit: *weight}

	if *interactive {
		if !term.IsTerminal(int(os.Stdout.Fd())) {
			fmt.Fprintln(os.Stderr, "Error: interactive mode needs a terminal")
			os.Exit(1)
		}
		if err := runInteractive(*file, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(*file, cfg, *entry, *input, *list); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(file string, cfg engine.Config, entry, input string, listOnly bool) error {
	ctx := context.Background()

	in, err := openInspector(ctx, file, cfg)
	if err != nil {
		return err
	}
	defer in.Close(ctx)

	for _, line := range in.metadata() {
		fmt.Println(line)
	}
	if listOnly {
		return nil
	}

	data, err := parseInput(input)
	if err != nil {
		return fmt.Errorf("input: %w", err)
	}
	fmt.Printf("\nCalling %s (%d byte input)...\n", entry, len(data))
	res, err := in.call(ctx, entry, data)
	if err != nil {
		return err
	}
	fmt.Print(formatResult(res))
	return nil
}
