// Package artifact publishes composed outputs and resolves them for download.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned when a reference no longer resolves to an output.
var ErrNotFound = errors.New("artifact not found")

// Location is where a client can fetch an output: a local file to stream or a
// URL to redirect to.
type Location struct {
	Path string
	URL  string
}

// Store publishes composed files and later resolves or removes them by the
// returned reference.
type Store interface {
	Publish(ctx context.Context, localPath string) (string, error)
	Locate(ctx context.Context, ref string) (Location, error)
	Remove(ctx context.Context, ref string) error
}

// LocalStore serves outputs straight from the output directory.
type LocalStore struct {
	dir string
}

func NewLocalStore(dir string) (*LocalStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	return &LocalStore{dir: abs}, nil
}

// Publish keeps the file where it is; its path is the reference.
func (l *LocalStore) Publish(_ context.Context, localPath string) (string, error) {
	path, err := l.resolve(localPath)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("output missing: %w", err)
	}
	return localPath, nil
}

func (l *LocalStore) Locate(_ context.Context, ref string) (Location, error) {
	path, err := l.resolve(ref)
	if err != nil {
		return Location{}, err
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Location{}, ErrNotFound
	} else if err != nil {
		return Location{}, err
	}
	return Location{Path: path}, nil
}

func (l *LocalStore) Remove(_ context.Context, ref string) error {
	path, err := l.resolve(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// resolve maps ref to an absolute path and refuses anything outside the
// output directory.
func (l *LocalStore) resolve(ref string) (string, error) {
	abs, err := filepath.Abs(ref)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(l.dir, abs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid artifact reference %q", ref)
	}
	return abs, nil
}
