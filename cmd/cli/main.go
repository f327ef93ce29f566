// Package main is the entry point for the extractplane CLI.
// The CLI is the operator terminal tool for the extractplane API.
package main

import (
	"os"

	"extractplane/cmd/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
