package runtime

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pithecene-io/bridge/adapter"
	"github.com/pithecene-io/bridge/metrics"
	"github.com/pithecene-io/bridge/pipe"
	"github.com/pithecene-io/bridge/store"
	"github.com/pithecene-io/bridge/types"
)

type recordingAdapter struct {
	mu     sync.Mutex
	events []*adapter.ResultEvent
	err    error
}

func (r *recordingAdapter) Publish(_ context.Context, ev *adapter.ResultEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *recordingAdapter) Close() error { return nil }

func (r *recordingAdapter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func writePNG(t *testing.T, dir string) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 8, 6))
	img.SetNRGBA(0, 0, color.NRGBA{R: 255, A: 255})
	path := filepath.Join(dir, "in.png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
	return path
}

func standardPayload(path string, ri *types.ReturnInfo) types.Payload {
	return types.Payload{
		Files: []types.FileDescriptor{{
			Path:       path,
			Kind:       types.FileKindStandard,
			RenderType: types.RenderTypeStandard,
		}},
		Metadata:   map[string]any{},
		ReturnInfo: ri,
	}
}

var fixedNow = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

func TestStep_DeliversToAllAdapters(t *testing.T) {
	s := store.New()
	ok := &recordingAdapter{}
	failing := &recordingAdapter{err: errors.New("503")}
	c := metrics.NewCollector("test", "webhook")
	p, err := NewPipeline(PipelineConfig{
		Consumer:  pipe.NewConsumer(s),
		Adapters:  []adapter.Adapter{ok, failing},
		Collector: c,
		Now:       func() time.Time { return fixedNow },
	})
	if err != nil {
		t.Fatal(err)
	}

	path := writePNG(t, t.TempDir())
	s.Publish(standardPayload(path, &types.ReturnInfo{TargetAddress: "http://127.0.0.1:9", ResultName: "Out"}))

	res, err := p.Step(t.Context())
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if res.Delivered != 1 || len(res.Errors) != 1 {
		t.Errorf("delivered %d, errors %v", res.Delivered, res.Errors)
	}
	ev := ok.events[0]
	if ev.ResultName != "Out" || ev.Width != 8 || ev.Height != 6 || ev.SourcePath != path {
		t.Errorf("event = %+v", ev)
	}
	if ev.Timestamp != "2026-03-01T09:30:00Z" {
		t.Errorf("timestamp = %q", ev.Timestamp)
	}
	if r, _, _ := ev.Image.At(0, 0); r != 1 {
		t.Errorf("image pixel r = %v", r)
	}
	snap := c.Snapshot()
	if snap.PayloadsConsumed != 1 || snap.ResultsSent != 1 || snap.ResultFailures != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
	if _, err := os.Stat(path); err != nil {
		t.Error("file should be kept without RemoveConsumed")
	}
}

func TestStep_SkipsDeliveryWithoutReturnInfo(t *testing.T) {
	s := store.New()
	a := &recordingAdapter{}
	p, _ := NewPipeline(PipelineConfig{Consumer: pipe.NewConsumer(s), Adapters: []adapter.Adapter{a}})

	s.Publish(standardPayload(writePNG(t, t.TempDir()), nil))
	if _, err := p.Step(t.Context()); err != nil {
		t.Fatal(err)
	}

	s.Publish(standardPayload(writePNG(t, t.TempDir()), &types.ReturnInfo{TargetAddress: "http://x"}))
	if _, err := p.Step(t.Context()); err != nil {
		t.Fatal(err)
	}

	if a.count() != 0 {
		t.Errorf("adapter called %d times", a.count())
	}
}

func TestStep_RemoveConsumed(t *testing.T) {
	s := store.New()
	p, _ := NewPipeline(PipelineConfig{Consumer: pipe.NewConsumer(s), RemoveConsumed: true})
	path := writePNG(t, t.TempDir())
	s.Publish(standardPayload(path, nil))

	res, err := p.Step(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Outputs.Extracted) != 1 {
		t.Errorf("extracted = %v", res.Outputs.Extracted)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("consumed file should be removed")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	s := store.New()
	a := &recordingAdapter{}
	p, _ := NewPipeline(PipelineConfig{Consumer: pipe.NewConsumer(s), Adapters: []adapter.Adapter{a}})

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	ri := &types.ReturnInfo{TargetAddress: "http://127.0.0.1:9", ResultName: "R"}
	s.Publish(standardPayload(writePNG(t, t.TempDir()), ri))

	deadline := time.Now().Add(2 * time.Second)
	for a.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("payload was never processed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewPipeline_RequiresConsumer(t *testing.T) {
	if _, err := NewPipeline(PipelineConfig{}); err == nil {
		t.Fatal("expected error")
	}
}
