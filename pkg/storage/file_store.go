package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrPresignUnsupported is returned by stores that cannot sign URLs.
var ErrPresignUnsupported = errors.New("presigned urls not supported")

// FileStore keeps objects on local disk under a base directory. It is meant
// for single-node deployments and tests; URLs are built from a public base URL.
type FileStore struct {
	basePath   string
	publicBase string
}

// NewFileStore creates the base directory if missing.
func NewFileStore(basePath, publicBaseURL string) (*FileStore, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, fmt.Errorf("storage base path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &FileStore{basePath: basePath, publicBase: strings.TrimRight(strings.TrimSpace(publicBaseURL), "/")}, nil
}

// Put writes an object, creating parent folders.
func (f *FileStore) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	target, err := f.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create object dir: %w", err)
	}
	out, err := os.Create(target)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, r); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

// Get reads an object.
func (f *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	target, err := f.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return data, err
}

// PresignGet always fails; callers fall back to PublicURL.
func (f *FileStore) PresignGet(context.Context, string, time.Duration) (string, error) {
	return "", ErrPresignUnsupported
}

// PublicURL joins the public base URL and key, or returns a file:// URL.
func (f *FileStore) PublicURL(key string) string {
	if f.publicBase != "" {
		return f.publicBase + "/" + key
	}
	target, err := f.path(key)
	if err != nil {
		return ""
	}
	return "file://" + filepath.ToSlash(target)
}

// Delete removes one object; missing objects are ignored.
func (f *FileStore) Delete(_ context.Context, key string) error {
	target, err := f.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete file: %w", err)
	}
	return nil
}

// DeletePrefix removes the folder named by a prefix ending in "/".
func (f *FileStore) DeletePrefix(_ context.Context, prefix string) error {
	target, err := f.path(strings.TrimSuffix(prefix, "/"))
	if err != nil {
		return err
	}
	return os.RemoveAll(target)
}

// path maps a key under basePath, rejecting keys that escape it.
func (f *FileStore) path(key string) (string, error) {
	clean := filepath.Clean("/" + filepath.FromSlash(key))
	if clean == string(filepath.Separator) || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(f.basePath, clean), nil
}
