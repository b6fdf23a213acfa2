// Package iox provides I/O helpers for resource cleanup and file handoff.
package iox

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// DiscardClose closes c and discards the error.
// Use in defer statements where close errors are unactionable:
//
//	defer iox.DiscardClose(f)
func DiscardClose(c io.Closer) { _ = c.Close() }

// CloseFunc returns a cleanup function that closes c.
// Designed for t.Cleanup registration:
//
//	t.Cleanup(iox.CloseFunc(client))
func CloseFunc(c io.Closer) func() {
	return func() { _ = c.Close() }
}

// WriteFile writes data to path, creating parent directories as needed.
// The file must not already exist; generated names are expected to be unique.
func WriteFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	return finishWrite(path, f, data)
}

// finishWrite writes data to the freshly created file at path and closes it.
// On failure the partial file is removed.
func finishWrite(path string, f io.WriteCloser, data []byte) error {
	if _, err := f.Write(data); err != nil {
		DiscardClose(f)
		_ = os.Remove(path)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

// RemoveEach removes every path, calling onErr for each failure and
// continuing with the rest. Returns the number of paths removed.
func RemoveEach(paths []string, onErr func(path string, err error)) int {
	removed := 0
	for _, p := range paths {
		if err := os.Remove(p); err != nil {
			if onErr != nil {
				onErr(p, err)
			}
			continue
		}
		removed++
	}
	return removed
}
