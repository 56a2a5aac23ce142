package main

// ============================================================================
// mindist entry point
// ============================================================================
//
// All logic lives in internal/cli; main only recovers from panics and maps
// errors to the exit code.
//
// Build:
//   go build -o bin/mindist ./cmd/mindist
//   go build -ldflags "-X github.com/ChuLiYu/mindist/internal/cli.Version=1.2.0" ./cmd/mindist
//
// Run:
//   ./bin/mindist run -c configs/default.yaml
//   ./bin/mindist coordinator 1abc.cif.gz 2xyz.pdb.gz
//   ./bin/mindist plan 5000 8
//
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/mindist/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	if err := cli.BuildCLI().Execute(); err != nil {
		os.Exit(1)
	}
}
