// Package host resolves the engine host's working directories: where
// interactive payloads land, where automatic-mode inputs are staged, and
// where results are saved.
package host

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
)

// Paths is the directory contract the bridge needs from its host.
// Every returned directory exists when the call succeeds.
type Paths interface {
	TempDir() (string, error)
	InputDir() (string, error)
	// SavePath returns a fresh numbered file path for prefix in the output dir.
	SavePath(prefix string) (string, error)
}

// Dirs is a filesystem-backed Paths.
type Dirs struct {
	Temp   string
	Input  string
	Output string

	mu sync.Mutex // serializes SavePath numbering
}

// NewDirs returns Dirs rooted at base/{temp,input,output}.
func NewDirs(base string) *Dirs {
	return &Dirs{
		Temp:   filepath.Join(base, "temp"),
		Input:  filepath.Join(base, "input"),
		Output: filepath.Join(base, "output"),
	}
}

// TempDir returns the temp directory, creating it if needed.
func (d *Dirs) TempDir() (string, error) {
	return ensureDir(d.Temp, "temp")
}

// InputDir returns the input directory, creating it if needed.
func (d *Dirs) InputDir() (string, error) {
	return ensureDir(d.Input, "input")
}

// OutputDir returns the output directory, creating it if needed.
func (d *Dirs) OutputDir() (string, error) {
	return ensureDir(d.Output, "output")
}

// SavePath returns <output>/<prefix>_<NNNNN>.png where NNNNN is one past the
// highest counter already present for prefix.
func (d *Dirs) SavePath(prefix string) (string, error) {
	if prefix == "" || filepath.Base(prefix) != prefix {
		return "", fmt.Errorf("invalid save prefix %q", prefix)
	}
	out, err := d.OutputDir()
	if err != nil {
		return "", err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	entries, err := os.ReadDir(out)
	if err != nil {
		return "", fmt.Errorf("list output dir: %w", err)
	}
	pattern := regexp.MustCompile(`^` + regexp.QuoteMeta(prefix) + `_(\d{5,})\.png$`)
	counter := 0
	for _, e := range entries {
		m := pattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		if n, err := strconv.Atoi(m[1]); err == nil && n > counter {
			counter = n
		}
	}
	return filepath.Join(out, fmt.Sprintf("%s_%05d.png", prefix, counter+1)), nil
}

func ensureDir(dir, name string) (string, error) {
	if dir == "" {
		return "", errors.New(name + " directory is not configured")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s directory: %w", name, err)
	}
	return dir, nil
}

// Verify Dirs implements Paths.
var _ Paths = (*Dirs)(nil)
