// Package cmd provides CLI commands for the bridge binary.
package cmd

import (
	"time"

	"github.com/urfave/cli/v2"
)

// Shared flags for read-only commands.
var (
	// FormatFlag selects output format: json, table, yaml.
	FormatFlag = &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "Output format: json, table, yaml",
	}
)

// ReadOnlyFlags returns the shared flags for all read-only commands.
func ReadOnlyFlags() []cli.Flag {
	return []cli.Flag{FormatFlag}
}

// resolveString returns the CLI value when the flag was set explicitly,
// then the config value, then the flag default.
func resolveString(c *cli.Context, name, cfgVal string) string {
	if c.IsSet(name) {
		return c.String(name)
	}
	if cfgVal != "" {
		return cfgVal
	}
	return c.String(name)
}

// resolveDuration follows the same precedence as resolveString.
// A zero config value counts as unset.
func resolveDuration(c *cli.Context, name string, cfgVal time.Duration) time.Duration {
	if c.IsSet(name) {
		return c.Duration(name)
	}
	if cfgVal > 0 {
		return cfgVal
	}
	return c.Duration(name)
}
