// Package main is the entry point for drpd.
package main

import (
	"fmt"
	"os"
)

// Version information set via ldflags at build time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "drpd:", err)
		os.Exit(1)
	}
}
