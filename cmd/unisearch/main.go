// Package main provides the entry point for the unisearch CLI.
package main

import (
	"fmt"
	"os"

	"github.com/Aman-CERP/unisearch/cmd/unisearch/cmd"
	"github.com/Aman-CERP/unisearch/internal/errors"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprint(os.Stderr, errors.FormatForCLI(err, os.Getenv("UNISEARCH_DEBUG") != ""))
		os.Exit(1)
	}
}
