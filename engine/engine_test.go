package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pithecene-io/bridge/metrics"
)

// fakeEngine serves /prompt and /ws. Events queued on its channel are
// written to every connected websocket client.
type fakeEngine struct {
	t        *testing.T
	status   int
	promptID string

	mu       sync.Mutex
	received []map[string]any
	clientID string

	events    chan string
	connected chan struct{}
}

func newFakeEngine(t *testing.T) (*fakeEngine, *httptest.Server) {
	t.Helper()
	fe := &fakeEngine{
		t:         t,
		status:    http.StatusOK,
		promptID:  "p-123",
		events:    make(chan string, 8),
		connected: make(chan struct{}, 1),
	}
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/prompt", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode prompt body: %v", err)
		}
		fe.mu.Lock()
		fe.received = append(fe.received, body)
		fe.mu.Unlock()
		if fe.status != http.StatusOK {
			http.Error(w, "node errors", fe.status)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"prompt_id": fe.promptID, "number": 1})
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		fe.mu.Lock()
		fe.clientID = r.URL.Query().Get("clientId")
		fe.mu.Unlock()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		fe.connected <- struct{}{}
		for msg := range fe.events {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(fe.events) })
	return fe, srv
}

func newTestClient(t *testing.T, url string, c *metrics.Collector) *Client {
	t.Helper()
	client, err := NewClient(Config{URL: url, Timeout: 2 * time.Second}, nil, c)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestSubmit_ReturnsPromptID(t *testing.T) {
	fe, srv := newFakeEngine(t)
	client := newTestClient(t, srv.URL, nil)

	workflow := map[string]any{"3": map[string]any{"class_type": "KSampler"}}
	id, err := client.Submit(context.Background(), workflow)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id != "p-123" {
		t.Errorf("id = %q", id)
	}

	fe.mu.Lock()
	defer fe.mu.Unlock()
	if len(fe.received) != 1 {
		t.Fatalf("received %d submissions", len(fe.received))
	}
	body := fe.received[0]
	if _, ok := body["prompt"].(map[string]any)["3"]; !ok {
		t.Errorf("prompt = %v", body["prompt"])
	}
	if cid, _ := body["client_id"].(string); cid == "" {
		t.Error("client_id should be set")
	}
}

func TestSubmit_StatusError(t *testing.T) {
	fe, srv := newFakeEngine(t)
	fe.status = http.StatusBadRequest
	client := newTestClient(t, srv.URL, nil)

	_, err := client.Submit(context.Background(), map[string]any{})

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if se.Code != http.StatusBadRequest || !strings.Contains(se.Body, "node errors") {
		t.Errorf("StatusError = %+v", se)
	}
}

func TestSubmit_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := newTestClient(t, url, nil)
	_, err := client.Submit(context.Background(), map[string]any{})
	if err == nil {
		t.Fatal("expected error")
	}
	var se *StatusError
	if errors.As(err, &se) {
		t.Errorf("network failure should not be a StatusError: %v", err)
	}
}

func tempFiles(t *testing.T, n int) []string {
	t.Helper()
	dir := t.TempDir()
	paths := make([]string, n)
	for i := range paths {
		paths[i] = filepath.Join(dir, "f"+string(rune('a'+i))+".png")
		if err := os.WriteFile(paths[i], []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return paths
}

func waitConnected(t *testing.T, fe *fakeEngine) {
	t.Helper()
	select {
	case <-fe.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("watch never connected")
	}
}

func TestWatch_CleansUpOnExecuted(t *testing.T) {
	fe, srv := newFakeEngine(t)
	c := metrics.NewCollector("test", "")
	client := newTestClient(t, srv.URL, c)
	paths := tempFiles(t, 2)

	w := client.Watch(context.Background(), "p-9", paths)
	waitConnected(t, fe)

	fe.events <- `{"type":"status","data":{}}`
	fe.events <- `{"type":"executed","data":{"prompt_id":"other"}}`
	fe.events <- `not json`
	fe.events <- `{"type":"executed","data":{"prompt_id":"p-9"}}`

	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not finish")
	}
	removed, err := w.Wait()
	if err != nil || removed != 2 {
		t.Errorf("Wait = %d, %v", removed, err)
	}
	for _, p := range paths {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("%s still exists", p)
		}
	}

	fe.mu.Lock()
	if fe.clientID == "" {
		t.Error("clientId query parameter missing")
	}
	fe.mu.Unlock()

	snap := c.Snapshot()
	if snap.WatchesStarted != 1 || snap.FilesCleaned != 2 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestWatch_MissingFileContinues(t *testing.T) {
	fe, srv := newFakeEngine(t)
	c := metrics.NewCollector("test", "")
	client := newTestClient(t, srv.URL, c)
	paths := tempFiles(t, 2)
	paths = append([]string{filepath.Join(t.TempDir(), "gone.png")}, paths...)

	w := client.Watch(context.Background(), "p-1", paths)
	waitConnected(t, fe)
	fe.events <- `{"type":"executed","data":{"prompt_id":"p-1"}}`

	removed, err := w.Wait()
	if err != nil || removed != 2 {
		t.Errorf("Wait = %d, %v", removed, err)
	}
	if c.Snapshot().CleanupFailures != 1 {
		t.Errorf("cleanup failures = %d", c.Snapshot().CleanupFailures)
	}
}

func TestWatch_DialFailureEnds(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	client := newTestClient(t, srv.URL, nil)
	paths := tempFiles(t, 1)

	removed, err := client.Watch(context.Background(), "p", paths).Wait()
	if err == nil || removed != 0 {
		t.Errorf("Wait = %d, %v", removed, err)
	}
	if _, statErr := os.Stat(paths[0]); statErr != nil {
		t.Error("file should be left in place when the watch fails")
	}
	srv.Close()
}

func TestWatch_ContextCancel(t *testing.T) {
	fe, srv := newFakeEngine(t)
	client := newTestClient(t, srv.URL, nil)

	ctx, cancel := context.WithCancel(context.Background())
	w := client.Watch(ctx, "p", nil)
	waitConnected(t, fe)
	cancel()

	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not end on cancel")
	}
	if _, err := w.Wait(); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestNewClient_DerivesWebsocketURL(t *testing.T) {
	c, err := NewClient(Config{URL: "https://engine.local:8443/"}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if c.wsBase != "wss://engine.local:8443" {
		t.Errorf("wsBase = %q", c.wsBase)
	}
	if _, err := NewClient(Config{URL: "ftp://x"}, nil, nil); err == nil {
		t.Error("expected error for unsupported scheme")
	}
	d, _ := NewClient(Config{}, nil, nil)
	if d.base != DefaultURL || d.wsBase != "ws://127.0.0.1:8188" {
		t.Errorf("defaults = %q, %q", d.base, d.wsBase)
	}
}

func TestPatchLoadImage(t *testing.T) {
	wf := map[string]any{
		"9": map[string]any{"class_type": "LoadImage", "inputs": map[string]any{"image": "old.png"}},
		"2": map[string]any{"class_type": "LoadImage"},
		"1": map[string]any{"class_type": "KSampler", "inputs": map[string]any{}},
		"x": "not a node",
	}

	id, ok := PatchLoadImage(wf, DefaultLoadImageClass, "bridge_input/a.png")
	if !ok || id != "2" {
		t.Fatalf("PatchLoadImage = %q, %v", id, ok)
	}
	if got := wf["2"].(map[string]any)["inputs"].(map[string]any)["image"]; got != "bridge_input/a.png" {
		t.Errorf("node 2 image = %v", got)
	}
	if got := wf["9"].(map[string]any)["inputs"].(map[string]any)["image"]; got != "old.png" {
		t.Errorf("only the first match should change, node 9 = %v", got)
	}

	if _, ok := PatchLoadImage(map[string]any{"1": map[string]any{"class_type": "KSampler"}}, "LoadImage", "a"); ok {
		t.Error("expected no match")
	}
}

func TestPatchLoadImage_NumericOrder(t *testing.T) {
	wf := map[string]any{
		"10":  map[string]any{"class_type": "LoadImage"},
		"9":   map[string]any{"class_type": "LoadImage"},
		"abc": map[string]any{"class_type": "LoadImage"},
	}
	if id, ok := PatchLoadImage(wf, DefaultLoadImageClass, "a.png"); !ok || id != "9" {
		t.Fatalf("PatchLoadImage = %q, %v, want node 9", id, ok)
	}
	if _, ok := wf["10"].(map[string]any)["inputs"]; ok {
		t.Error("node 10 should be untouched")
	}

	delete(wf, "9")
	delete(wf, "10")
	if id, _ := PatchLoadImage(wf, DefaultLoadImageClass, "a.png"); id != "abc" {
		t.Errorf("non-numeric fallback = %q", id)
	}
}

func TestCompareNodeIDs(t *testing.T) {
	ids := []string{"b", "10", "a", "2", "01", "9"}
	slices.SortFunc(ids, compareNodeIDs)
	want := []string{"01", "2", "9", "10", "a", "b"}
	if !slices.Equal(ids, want) {
		t.Errorf("sorted = %v, want %v", ids, want)
	}
}
