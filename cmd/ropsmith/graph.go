package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/apex/log"
	"github.com/zboralski/lattice/render"

	"ropsmith/internal/chain"
	"ropsmith/internal/elfx"
	"ropsmith/internal/output"
	"ropsmith/internal/scan"
)

func cmdGraph(args []string) error {
	fs := flag.NewFlagSet("graph", flag.ExitOnError)
	bin := fs.String("bin", "", "path to the target ELF binary")
	out := fs.String("out", "", "output DOT file (default stdout)")
	verbose := fs.Bool("verbose", false, "enable debug logging")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *bin == "" {
		return fmt.Errorf("--bin is required")
	}
	if *verbose {
		log.SetLevel(log.DebugLevel)
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

	g := chain.NewBuilder(ef.Arch(), set, ef).DependencyGraph()
	dot := render.DOT(g, "gadgets")

	if *out == "" {
		fmt.Print(dot)
		return nil
	}
	if err := output.WriteDOT(*out, dot); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "wrote %s (%d nodes, %d edges)\n", *out, len(g.Nodes), len(g.Edges))
	return nil
}
