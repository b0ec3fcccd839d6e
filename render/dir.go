package render

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// DirStore writes artifacts under a local directory. Used when no object
// store is configured.
type DirStore struct {
	Root string
}

func (d DirStore) Put(_ context.Context, key string, body []byte) (string, error) {
	path := filepath.Join(d.Root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("render: create artifact dir: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("render: write artifact: %w", err)
	}
	return "file://" + path, nil
}
