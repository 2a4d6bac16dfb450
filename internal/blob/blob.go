// Package blob is the binary-storage capability used for generated images.
package blob

import (
	"context"
	"os"
	"path/filepath"
	"strings"
)

// Store persists a binary payload and returns a URL the API serves it under.
type Store interface {
	Put(ctx context.Context, name string, data []byte, mime string) (string, error)
}

// DiskStore writes blobs to a local directory served at baseURL.
type DiskStore struct {
	dir     string
	baseURL string
}

// NewDiskStore creates the directory if needed.
func NewDiskStore(dir, baseURL string) (*DiskStore, error) {
	if dir == "" {
		dir = "./data/files"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	if baseURL == "" {
		baseURL = "/files"
	}
	return &DiskStore{dir: dir, baseURL: strings.TrimSuffix(baseURL, "/")}, nil
}

// Dir returns the backing directory, for the router's file server.
func (s *DiskStore) Dir() string { return s.dir }

// Put writes the blob and returns its public URL.
func (s *DiskStore) Put(ctx context.Context, name string, data []byte, mime string) (string, error) {
	name = filepath.Base(name) + extensionFor(mime)
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", err
	}
	return s.baseURL + "/" + name, nil
}

func extensionFor(mime string) string {
	switch mime {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	}
	return ""
}
