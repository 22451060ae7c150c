package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/apex/log"

	"ropsmith/internal/elfx"
	"ropsmith/internal/output"
	"ropsmith/internal/scan"
)

func cmdGadgets(args []string) error {
	fs := flag.NewFlagSet("gadgets", flag.ExitOnError)
	bin := fs.String("bin", "", "path to the target ELF binary")
	asJSON := fs.Bool("json", false, "emit JSONL records")
	maxInsns := fs.Int("max-insns", 0, "instructions per gadget cap")
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

	set, err := scan.File(ef, scan.Options{MaxInsns: *maxInsns})
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}

	if *asJSON {
		if err := output.WriteGadgetsJSONL(os.Stdout, set); err != nil {
			return err
		}
	} else {
		if err := output.WriteGadgetsText(os.Stdout, set); err != nil {
			return err
		}
	}
	fmt.Fprintf(os.Stderr, "%d gadgets in %s\n", set.Len(), *bin)
	return nil
}
