// Package main is the entry point for the persistd sync server.
// This is a thin wrapper around the cli package.
package main

import (
	"os"

	"github.com/parcelview/persist/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
