// Package main is the entry point for the authsession CLI
package main

import (
	"os"

	"github.com/fatih/color"

	"github.com/wadahiro/authsession/internal/cli"
)

// version is set at build time via ldflags
var version = "dev"

func main() {
	cli.SetVersion(version)
	if err := cli.Execute(); err != nil {
		color.New(color.FgRed).Fprintln(os.Stderr, "✗ Error: "+err.Error())
		os.Exit(1)
	}
}
