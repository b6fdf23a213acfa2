// Package main provides the bridge CLI entrypoint.
//
// Usage:
//
//	bridge <command> [subcommand] [options]
//
// serve is the only long-running command. send is a producer-side test
// client; inspect and version are read-only.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/bridge/cli/cmd"
	"github.com/pithecene-io/bridge/types"
)

// commit is set via ldflags at build time (-X main.commit=...).
var commit = "unknown"

func newApp() *cli.App {
	return &cli.App{
		Name:           "bridge",
		Usage:          "Render bridge between a 3D producer and a node-graph engine",
		Version:        fmt.Sprintf("%s (commit: %s)", types.Version, commit),
		ExitErrHandler: exitErrHandler,
		Commands: []*cli.Command{
			cmd.ServeCommand(),
			cmd.SendCommand(),
			cmd.InspectCommand(),
			cmd.VersionCommand(commit),
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		os.Exit(1)
	}
}

// exitErrHandler preserves exit codes from cli.Exit.
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}
	os.Exit(report(os.Stderr, err))
}

// report prints err when it carries a real message and returns the exit code.
func report(w io.Writer, err error) int {
	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()
		// cli.Exit("", N).Error() is "exit status N"
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(w, msg)
		}
		return code
	}
	fmt.Fprintf(w, "Error: %v\n", err)
	return 1
}
