// Package main is the entry point for flowctl, the clinicflow CLI.
package main

import (
	"os"

	"clinicflow/cmd/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
