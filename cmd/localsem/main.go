// Package main provides the entry point for the localsem CLI.
package main

import (
	"os"

	"github.com/localsem/localsem/cmd/localsem/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
