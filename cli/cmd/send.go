package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/bridge/cli/render"
	"github.com/pithecene-io/bridge/exr"
	"github.com/pithecene-io/bridge/ipc"
	"github.com/pithecene-io/bridge/types"
)

// syntheticLayer is the view layer name used by --synthetic renders.
const syntheticLayer = "ViewLayer"

// SendResponse is the rendered outcome of a send.
type SendResponse struct {
	Endpoint string `json:"endpoint"`
	Kind     string `json:"kind"`
	Filename string `json:"filename,omitempty"`
	Bytes    int    `json:"bytes,omitempty"`
	Status   string `json:"status"`
	Message  string `json:"message"`
}

// SendCommand returns the send command, a producer-side client for
// exercising a running bridge.
func SendCommand() *cli.Command {
	return &cli.Command{
		Name:      "send",
		Usage:     "Send a ping or an image to a running bridge",
		ArgsUsage: "[image-file]",
		Flags: append(ReadOnlyFlags(),
			&cli.StringFlag{
				Name:  "endpoint",
				Usage: "Bridge control channel endpoint",
				Value: ipc.DefaultEndpoint,
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Give up waiting for the reply after this long",
				Value: 10 * time.Second,
			},
			&cli.BoolFlag{
				Name:  "ping",
				Usage: "Only perform the handshake",
			},
			&cli.StringFlag{
				Name:  "synthetic",
				Usage: "Send a generated multilayer EXR of the given size (e.g. 64x48) instead of a file",
			},
			&cli.StringFlag{
				Name:  "filename",
				Usage: "Filename reported in the header (default: the file's base name)",
			},
			&cli.StringFlag{
				Name:  "render-type",
				Usage: "render_type header value (standard, multilayer_exr)",
			},
			&cli.StringFlag{
				Name:  "target",
				Usage: "return_info target address (producer HTTP base URL)",
			},
			&cli.StringFlag{
				Name:  "result-name",
				Usage: "return_info result name",
			},
			&cli.StringFlag{
				Name:  "workflow",
				Usage: "Path to a workflow JSON file; switches to automatic mode",
			},
			&cli.StringSliceFlag{
				Name:  "channel",
				Usage: "Channel map entry output=base (repeatable)",
			},
			&cli.StringFlag{
				Name:  "mask-object",
				Usage: "Object name for a Cryptomatte mask",
			},
		),
		Action: sendAction,
	}
}

func sendAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	endpoint := c.String("endpoint")
	resp := SendResponse{Endpoint: endpoint}

	var (
		req  *ipc.Request
		data []byte
	)
	if !c.Bool("ping") {
		req, data, err = buildRequest(c)
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}
		resp.Filename = req.Filename
		resp.Bytes = len(data)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
	defer cancel()

	client, err := ipc.Dial(ctx, endpoint)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer func() { _ = client.Close() }()

	var reply ipc.Reply
	switch {
	case req == nil:
		resp.Kind = string(ipc.KindPing)
		reply, err = client.Ping()
	case req.Workflow != nil:
		resp.Kind = string(ipc.KindAutomatic)
		reply, err = client.Send(req, data)
	default:
		resp.Kind = string(ipc.KindInteractive)
		reply, err = client.Send(req, data)
	}
	if err != nil {
		return cli.Exit(fmt.Sprintf("%s: %v", endpoint, err), 1)
	}

	resp.Status, resp.Message = reply.Status, reply.Message
	if err := r.Render(resp); err != nil {
		return err
	}
	if !reply.IsOK() {
		return cli.Exit("", 1)
	}
	return nil
}

// buildRequest assembles the header and image part from flags.
func buildRequest(c *cli.Context) (*ipc.Request, []byte, error) {
	req := &ipc.Request{
		RenderType: c.String("render-type"),
		MaskObject: c.String("mask-object"),
	}

	var data []byte
	switch {
	case c.String("synthetic") != "":
		w, h, err := parseSize(c.String("synthetic"))
		if err != nil {
			return nil, nil, err
		}
		var buf bytes.Buffer
		if err := exr.Write(&buf, syntheticRender(w, h), exr.WriteOptions{
			Compression: exr.CompressionZIP,
			PixelType:   exr.PixelHalf,
		}); err != nil {
			return nil, nil, fmt.Errorf("encode synthetic render: %w", err)
		}
		data = buf.Bytes()
		req.Filename = "synthetic.exr"
		if req.RenderType == "" {
			req.RenderType = types.RenderTypeMultilayerEXR
		}
		req.ChannelMap = map[string]string{
			"image":  syntheticLayer + ".Combined",
			"depth":  syntheticLayer + ".Depth",
			"normal": syntheticLayer + ".Normal",
		}
	case c.Args().Len() > 0:
		path := c.Args().First()
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, fmt.Errorf("read image: %w", err)
		}
		data = b
		req.Filename = filepath.Base(path)
		if req.RenderType == "" {
			req.RenderType = renderTypeFor(path)
		}
	default:
		return nil, nil, fmt.Errorf("an image file, --synthetic or --ping is required")
	}

	if name := c.String("filename"); name != "" {
		req.Filename = name
	}

	entries, err := parseChannelMap(c.StringSlice("channel"))
	if err != nil {
		return nil, nil, err
	}
	if len(entries) > 0 {
		req.ChannelMap = entries
	}

	target, result := c.String("target"), c.String("result-name")
	if (target == "") != (result == "") {
		return nil, nil, fmt.Errorf("--target and --result-name must be set together")
	}
	if target != "" {
		req.ReturnInfo = &types.ReturnInfo{TargetAddress: target, ResultName: result}
	}

	if path := c.String("workflow"); path != "" {
		wf, err := loadWorkflow(path)
		if err != nil {
			return nil, nil, err
		}
		req.Workflow = wf
	}
	return req, data, nil
}

func renderTypeFor(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".exr") {
		return types.RenderTypeMultilayerEXR
	}
	return types.RenderTypeStandard
}

func loadWorkflow(path string) (map[string]any, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}
	var wf map[string]any
	if err := json.Unmarshal(b, &wf); err != nil {
		return nil, fmt.Errorf("parse workflow %s: %w", path, err)
	}
	if wf == nil {
		return nil, fmt.Errorf("workflow %s is empty", path)
	}
	return wf, nil
}

func parseChannelMap(entries []string) (map[string]string, error) {
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		output, base, ok := strings.Cut(e, "=")
		if !ok || output == "" || base == "" {
			return nil, fmt.Errorf("invalid --channel %q (want output=base)", e)
		}
		out[output] = base
	}
	return out, nil
}

func parseSize(s string) (int, int, error) {
	ws, hs, ok := strings.Cut(strings.ToLower(s), "x")
	if !ok {
		return 0, 0, fmt.Errorf("invalid size %q (want WxH)", s)
	}
	w, errW := strconv.Atoi(ws)
	h, errH := strconv.Atoi(hs)
	if errW != nil || errH != nil || w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("invalid size %q (want WxH)", s)
	}
	return w, h, nil
}

// syntheticRender builds a small multilayer render: a horizontal color
// ramp in Combined, a vertical ramp in Depth and a constant +Z normal.
func syntheticRender(w, h int) *exr.Image {
	n := w * h
	ch := map[string][]float32{}
	for _, name := range []string{
		"Combined.R", "Combined.G", "Combined.B", "Combined.A",
		"Depth.Z", "Normal.X", "Normal.Y", "Normal.Z",
	} {
		ch[syntheticLayer+"."+name] = make([]float32, n)
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			u := float32(x) / float32(max(w-1, 1))
			v := float32(y) / float32(max(h-1, 1))
			ch[syntheticLayer+".Combined.R"][i] = u
			ch[syntheticLayer+".Combined.G"][i] = 1 - u
			ch[syntheticLayer+".Combined.B"][i] = 0.5
			ch[syntheticLayer+".Combined.A"][i] = 1
			ch[syntheticLayer+".Depth.Z"][i] = v
			ch[syntheticLayer+".Normal.Z"][i] = 1
		}
	}
	return &exr.Image{Width: w, Height: h, Channels: ch}
}
