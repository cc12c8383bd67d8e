// Package main — cmd/appopsctl/main.go
//
// appopsctl is the operator command-line client for appopsd. Each
// subcommand dials the operator Unix socket and round-trips one JSON
// request/response.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
