package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/bridge/cli/render"
	"github.com/pithecene-io/bridge/types"
)

// VersionResponse is the response for the version command.
type VersionResponse struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// VersionCommand returns the version command.
// It never touches the network or the host directories.
func VersionCommand(commit string) *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Flags: ReadOnlyFlags(),
		Action: func(c *cli.Context) error {
			r, err := render.NewRenderer(c)
			if err != nil {
				return err
			}
			return r.Render(VersionResponse{Version: types.Version, Commit: commit})
		},
	}
}
