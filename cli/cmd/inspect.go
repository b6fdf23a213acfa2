package cmd

import (
	"fmt"
	"sort"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/bridge/cli/render"
	"github.com/pithecene-io/bridge/exr"
	"github.com/pithecene-io/bridge/extract"
	"github.com/pithecene-io/bridge/log"
)

// ChannelInfo describes one container channel.
type ChannelInfo struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	XSampling int32  `json:"x_sampling"`
	YSampling int32  `json:"y_sampling"`
}

// EXRResponse is the header summary of a multilayer container.
type EXRResponse struct {
	Path        string        `json:"path"`
	Width       int           `json:"width"`
	Height      int           `json:"height"`
	Compression string        `json:"compression"`
	Channels    []ChannelInfo `json:"channels"`
	Attributes  []string      `json:"attributes"`
}

// PlaneInfo summarizes one extracted plane.
type PlaneInfo struct {
	Output string  `json:"output"`
	Min    float32 `json:"min"`
	Max    float32 `json:"max"`
	Mean   float64 `json:"mean"`
}

// ExtractResponse reports which outputs a channel map yields.
type ExtractResponse struct {
	Path    string      `json:"path"`
	Width   int         `json:"width"`
	Height  int         `json:"height"`
	Planes  []PlaneInfo `json:"planes"`
	Missing []string    `json:"missing"`
}

// MaskResponse reports Cryptomatte coverage for one object.
type MaskResponse struct {
	Path     string  `json:"path"`
	Object   string  `json:"object"`
	Width    int     `json:"width"`
	Height   int     `json:"height"`
	Coverage float64 `json:"coverage"`
}

// InspectCommand returns the inspect command with subcommands.
// Inspect is read-only and works on local files.
func InspectCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect",
		Usage: "Inspect a multilayer render (header, extraction, cryptomatte)",
		Subcommands: []*cli.Command{
			{
				Name:      "exr",
				Usage:     "Show channels and header attributes",
				ArgsUsage: "<file.exr>",
				Flags:     ReadOnlyFlags(),
				Action:    inspectEXRAction,
			},
			{
				Name:      "extract",
				Usage:     "Preview channel extraction for a channel map",
				ArgsUsage: "<file.exr>",
				Flags: append(ReadOnlyFlags(), &cli.StringSliceFlag{
					Name:     "channel",
					Usage:    "Channel map entry output=base (repeatable)",
					Required: true,
				}),
				Action: inspectExtractAction,
			},
			{
				Name:      "mask",
				Usage:     "Compute Cryptomatte coverage for an object",
				ArgsUsage: "<file.exr>",
				Flags: append(ReadOnlyFlags(), &cli.StringFlag{
					Name:     "object",
					Usage:    "Object name in the Cryptomatte manifest",
					Required: true,
				}),
				Action: inspectMaskAction,
			},
		},
	}
}

func requirePath(c *cli.Context) (string, error) {
	if c.NArg() < 1 {
		return "", cli.Exit("file path required", 1)
	}
	return c.Args().First(), nil
}

func inspectEXRAction(c *cli.Context) error {
	path, err := requirePath(c)
	if err != nil {
		return err
	}
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	resp, err := describeEXR(path)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	return r.Render(resp)
}

func describeEXR(path string) (*EXRResponse, error) {
	f, err := exr.Open(path)
	if err != nil {
		return nil, err
	}
	dw := f.DataWindow()
	resp := &EXRResponse{
		Path:        path,
		Width:       dw.Width(),
		Height:      dw.Height(),
		Compression: f.Compression().String(),
		Attributes:  f.AttributeNames(),
	}
	for _, ch := range f.Channels() {
		resp.Channels = append(resp.Channels, ChannelInfo{
			Name:      ch.Name,
			Type:      ch.Type.String(),
			XSampling: ch.XSampling,
			YSampling: ch.YSampling,
		})
	}
	return resp, nil
}

func inspectExtractAction(c *cli.Context) error {
	path, err := requirePath(c)
	if err != nil {
		return err
	}
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	cm, err := parseChannelMap(c.StringSlice("channel"))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	logger := log.NewLoggerWithLevel("inspect", "warn")
	return r.Render(previewExtract(extract.New(logger), path, cm))
}

func previewExtract(ex *extract.Extractor, path string, cm map[string]string) *ExtractResponse {
	metadata := map[string]any{extract.MetadataKey: cm}
	res := ex.Extract(path, metadata)

	resp := &ExtractResponse{Path: path, Width: res.Width, Height: res.Height, Missing: []string{}}
	for _, name := range res.Names() {
		resp.Planes = append(resp.Planes, planeStats(name, res.Planes[name].Pix))
	}
	for output := range extract.ChannelMap(cm).Normalize() {
		if _, ok := res.Planes[output]; !ok {
			resp.Missing = append(resp.Missing, output)
		}
	}
	sort.Strings(resp.Missing)
	return resp
}

func planeStats(name string, pix []float32) PlaneInfo {
	info := PlaneInfo{Output: name}
	if len(pix) == 0 {
		return info
	}
	info.Min, info.Max = pix[0], pix[0]
	var sum float64
	for _, v := range pix {
		info.Min = min(info.Min, v)
		info.Max = max(info.Max, v)
		sum += float64(v)
	}
	info.Mean = sum / float64(len(pix))
	return info
}

func inspectMaskAction(c *cli.Context) error {
	path, err := requirePath(c)
	if err != nil {
		return err
	}
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	object := c.String("object")
	m, err := extract.CryptomatteMask(path, object)
	if err != nil {
		return cli.Exit(fmt.Sprintf("mask: %v", err), 1)
	}
	return r.Render(MaskResponse{
		Path:     path,
		Object:   object,
		Width:    m.Width,
		Height:   m.Height,
		Coverage: m.Coverage(),
	})
}
