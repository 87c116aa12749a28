// Copyright Memory Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/memgw/memgw/internal/version"
)

type (
	// cmd corresponds to the top-level `memgw` command.
	cmd struct {
		// Version is the sub-command to show the version.
		Version struct{} `cmd:"" help:"Show version."`
		// Run is the sub-command parsed by the `cmdRun` struct.
		Run cmdRun `cmd:"" help:"Run the memory gateway for the given configuration."`
		// Healthcheck is the sub-command to check if the memgw server is healthy.
		Healthcheck cmdHealthcheck `cmd:"" help:"Docker HEALTHCHECK command."`
	}
	// cmdRun corresponds to `memgw run` command.
	cmdRun struct {
		Debug     bool   `help:"Enable debug logging emitted to stderr."`
		Path      string `arg:"" name:"path" help:"Path to the gateway configuration yaml file." type:"path"`
		AdminPort int    `help:"HTTP port for the admin server (serves /metrics and /health endpoints). Overrides the configuration file." default:"0"`
	}
	// cmdHealthcheck corresponds to `memgw healthcheck` command.
	cmdHealthcheck struct {
		AdminPort int `help:"HTTP port of the admin server to probe." default:"1064"`
	}
)

type (
	runFn         func(context.Context, cmdRun, io.Writer, io.Writer) error
	healthcheckFn func(context.Context, int, io.Writer, io.Writer) error
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	doMain(ctx, os.Stdout, os.Stderr, os.Args[1:], os.Exit, run, healthcheck)
}

// doMain is the main entry point for the CLI. It parses the command line arguments and executes the appropriate command.
//
//   - stdout is the writer to use for standard output. Mainly for testing.
//   - stderr is the writer to use for standard error. Mainly for testing.
//   - `args` are the command line arguments without the program name.
//   - exitFn is the function to call to exit the program during the parsing of the command line arguments. Mainly for testing.
//   - rf is the function to call to run the gateway. Mainly for testing.
func doMain(ctx context.Context, stdout, stderr io.Writer, args []string, exitFn func(int),
	rf runFn,
	hf healthcheckFn,
) {
	var c cmd
	parser, err := kong.New(&c,
		kong.Name("memgw"),
		kong.Description("Memory Gateway CLI"),
		kong.Writers(stdout, stderr),
		kong.Exit(exitFn),
	)
	if err != nil {
		log.Fatalf("Error creating parser: %v", err)
	}
	parsed, err := parser.Parse(args)
	parser.FatalIfErrorf(err)
	switch parsed.Command() {
	case "version":
		_, _ = fmt.Fprintf(stdout, "Memory Gateway CLI: %s\n", version.Version())
	case "run <path>":
		err = rf(ctx, c.Run, stdout, stderr)
		if err != nil {
			log.Fatalf("Error running: %v", err)
		}
	case "healthcheck":
		err = hf(ctx, c.Healthcheck.AdminPort, stdout, stderr)
		if err != nil {
			log.Fatalf("Health check failed: %v", err)
		}
	default:
		panic("unreachable")
	}
}
