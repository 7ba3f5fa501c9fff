package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// objectMeta is written next to every object as <key>.meta.json.
type objectMeta struct {
	ContentType string    `json:"content_type"`
	Size        int       `json:"size"`
	Checksum    uint32    `json:"crc32"`
	StoredAt    time.Time `json:"stored_at"`
}

// FS stores objects as files under a root directory. Each write goes to a
// .tmp file that is synced and renamed into place, so readers never observe
// a partial object.
type FS struct {
	root string
}

func NewFS(root string) (*FS, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating object directory: %w", err)
	}
	return &FS{root: root}, nil
}

func (s *FS) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(s.root, clean), nil
}

func (s *FS) Exists(_ context.Context, key string) (bool, error) {
	p, err := s.path(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("stat object: %w", err)
	}
}

func (s *FS) Put(_ context.Context, key string, content []byte, contentType string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return fmt.Errorf("creating object directory: %w", err)
	}
	meta, err := json.Marshal(objectMeta{
		ContentType: contentType,
		Size:        len(content),
		Checksum:    crc32.ChecksumIEEE(content),
		StoredAt:    time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshaling object metadata: %w", err)
	}
	// Metadata first: an object file without metadata is never visible.
	if err := writeAtomic(p+".meta.json", meta); err != nil {
		return err
	}
	return writeAtomic(p, content)
}

func (s *FS) Get(_ context.Context, key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound(key)
	}
	if err != nil {
		return nil, fmt.Errorf("reading object: %w", err)
	}
	rawMeta, err := os.ReadFile(p + ".meta.json")
	if err != nil {
		return nil, fmt.Errorf("reading object metadata: %w", err)
	}
	var meta objectMeta
	if err := json.Unmarshal(rawMeta, &meta); err != nil {
		return nil, fmt.Errorf("parsing object metadata: %w", err)
	}
	if sum := crc32.ChecksumIEEE(data); sum != meta.Checksum {
		return nil, fmt.Errorf("object %s checksum mismatch: stored %08x, read %08x", key, meta.Checksum, sum)
	}
	return data, nil
}

// Ping checks that the root directory is still reachable.
func (s *FS) Ping(context.Context) error {
	_, err := os.Stat(s.root)
	return err
}

func writeAtomic(finalPath string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(finalPath), filepath.Base(finalPath)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp object file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing object: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing object file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing object file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("renaming object file: %w", err)
	}
	return nil
}
