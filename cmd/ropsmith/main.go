package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "gadgets":
		err = cmdGadgets(os.Args[2:])
	case "graph":
		err = cmdGraph(os.Args[2:])
	case "call":
		err = cmdCall(os.Args[2:])
	case "frame":
		err = cmdFrame(os.Args[2:])
	case "help", "-h", "--help":
		usage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `ropsmith — ROP chain synthesis for ELF binaries

Usage:
  ropsmith gadgets --bin <path> [--json]            Scan ELF and print gadget inventory
  ropsmith graph   --bin <path> [--out <file>]      Export gadget dependency graph as DOT
  ropsmith call    --bin <path> [--base <addr>] [--out <file>] TARGET [ARG...]
                                                    Build a call chain and dump it
  ropsmith frame   [--arch <name>] [--out <file>] [REG=VALUE...]
                                                    Synthesize a sigreturn frame

Flags:
  --bin <path>       Path to the target ELF binary
  --json             Emit JSONL records instead of text
  --out <file>       Output file (default stdout)
  --base <addr>      Stack address the chain will run at (default 0)
  --arch <name>      Frame architecture: i386, amd64, arm (default amd64)
  --blocks <list>    Comma-separated coprocessor blocks to append (arm frames)
  --max-insns <n>    Instructions per gadget cap (default 8)
  --verbose          Enable debug logging
`)
}
