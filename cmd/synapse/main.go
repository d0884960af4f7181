// Package main is the entry point for the synapse CLI.
package main

import (
	"os"

	"github.com/KafClaw/synapse/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
