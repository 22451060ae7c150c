package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"ropsmith/internal/arch"
	"ropsmith/internal/output"
	"ropsmith/internal/srop"
)

func cmdFrame(args []string) error {
	fs := flag.NewFlagSet("frame", flag.ExitOnError)
	archName := fs.String("arch", "amd64", "frame architecture: i386, amd64, arm")
	blocks := fs.String("blocks", "", "comma-separated coprocessor blocks to append")
	out := fs.String("out", "", "write raw frame bytes to file")

	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := arch.Lookup(*archName)
	if err != nil {
		return err
	}
	f, err := srop.New(a)
	if err != nil {
		return err
	}

	for _, assign := range fs.Args() {
		reg, val, ok := strings.Cut(assign, "=")
		if !ok {
			return fmt.Errorf("bad assignment %q, want REG=VALUE", assign)
		}
		v, err := strconv.ParseUint(val, 0, 64)
		if err != nil {
			return fmt.Errorf("parse %q: %w", assign, err)
		}
		if err := f.Set(reg, v); err != nil {
			return err
		}
	}

	var raw []byte
	if *blocks != "" {
		raw, err = f.BytesWithBlocks(strings.Split(*blocks, ",")...)
		if err != nil {
			return err
		}
	} else {
		raw = f.Bytes()
	}

	if *out != "" {
		if err := output.WriteRaw(*out, raw); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "wrote %s (%d bytes)\n", *out, len(raw))
		return nil
	}
	fmt.Printf("%x\n", raw)
	return nil
}
