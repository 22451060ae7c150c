package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/apex/log"

	"ropsmith/internal/chain"
	"ropsmith/internal/elfx"
	"ropsmith/internal/output"
	"ropsmith/internal/scan"
)

// parseArg turns a command-line token into a chain argument: numbers
// (decimal or 0x-prefixed) become register values, everything else is
// appended as a byte blob.
func parseArg(s string) any {
	if n, err := strconv.ParseUint(s, 0, 64); err == nil {
		return n
	}
	return s
}

func cmdCall(args []string) error {
	fs := flag.NewFlagSet("call", flag.ExitOnError)
	bin := fs.String("bin", "", "path to the target ELF binary")
	baseStr := fs.String("base", "0", "stack address the chain will run at")
	out := fs.String("out", "", "write raw chain bytes to file")
	verbose := fs.Bool("verbose", false, "enable debug logging")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *bin == "" {
		return fmt.Errorf("--bin is required")
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("a call target is required")
	}
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	base, err := strconv.ParseUint(*baseStr, 0, 64)
	if err != nil {
		return fmt.Errorf("parse --base %q: %w", *baseStr, err)
	}

	ef, err := elfx.Open(*bin)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer ef.Close()

	set, err := scan.File(ef, scan.Options{})
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}

	b := chain.NewBuilder(ef.Arch(), set, ef)

	rest := fs.Args()
	target := parseArg(rest[0])
	callArgs := make([]any, 0, len(rest)-1)
	for _, s := range rest[1:] {
		callArgs = append(callArgs, parseArg(s))
	}
	if err := b.Call(target, callArgs...); err != nil {
		return fmt.Errorf("call %v: %w", rest[0], err)
	}

	st, err := b.Build(base)
	if err != nil {
		return fmt.Errorf("build: %w", err)
	}

	if *out != "" {
		raw := st.Bytes()
		if err := output.WriteRaw(*out, raw); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "wrote %s (%d bytes)\n", *out, len(raw))
		return nil
	}
	fmt.Print(st.Dump())
	return nil
}
