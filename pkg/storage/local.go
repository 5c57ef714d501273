package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/uplinkd/uplink/pkg/apperrors"
)

// Local stores blobs as files under a base directory.
type Local struct {
	basePath string
}

func NewLocal(basePath string) (*Local, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &Local{basePath: basePath}, nil
}

func (l *Local) resolve(p string) string {
	return filepath.Join(l.basePath, filepath.FromSlash(SanitizePath(p)))
}

// Write lands bytes via a temp file and rename so readers never observe
// a partial blob.
func (l *Local) Write(ctx context.Context, p string, data []byte) error {
	target := l.resolve(p)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("create blob directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".write-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename blob: %w", err)
	}
	return nil
}

func (l *Local) Read(ctx context.Context, p string) ([]byte, error) {
	data, err := os.ReadFile(l.resolve(p))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, apperrors.ErrFileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

func (l *Local) Exists(ctx context.Context, p string) (bool, error) {
	_, err := os.Stat(l.resolve(p))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat blob: %w", err)
	}
	return true, nil
}

func (l *Local) Delete(ctx context.Context, p string) error {
	err := os.Remove(l.resolve(p))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

func (l *Local) Metadata(ctx context.Context, p string) (Metadata, error) {
	info, err := os.Stat(l.resolve(p))
	if errors.Is(err, fs.ErrNotExist) {
		return Metadata{}, apperrors.ErrFileNotFound
	}
	if err != nil {
		return Metadata{}, fmt.Errorf("stat blob: %w", err)
	}
	return Metadata{Size: info.Size(), LastModified: info.ModTime()}, nil
}

func (l *Local) CreateContainer(ctx context.Context, p string) error {
	if err := os.MkdirAll(l.resolve(p), 0755); err != nil {
		return fmt.Errorf("create container: %w", err)
	}
	return nil
}

func (l *Local) DeleteAll(ctx context.Context, prefix string) error {
	err := os.RemoveAll(l.resolve(prefix))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete prefix: %w", err)
	}
	return nil
}
