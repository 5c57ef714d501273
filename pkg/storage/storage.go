package storage

import (
	"context"
	"path"
	"strings"
	"time"
)

// Metadata describes a stored blob.
type Metadata struct {
	Size         int64
	LastModified time.Time
}

// Backend is durable byte storage keyed by opaque slash-separated
// paths. The local disk implementation is the default; the S3 one is a
// drop-in replacement for object-store deployments.
type Backend interface {
	Write(ctx context.Context, path string, data []byte) error
	Read(ctx context.Context, path string) ([]byte, error)
	Exists(ctx context.Context, path string) (bool, error)
	// Delete of a missing path succeeds silently.
	Delete(ctx context.Context, path string) error
	Metadata(ctx context.Context, path string) (Metadata, error)
	CreateContainer(ctx context.Context, path string) error
	// DeleteAll removes every blob under prefix, missing prefixes
	// included.
	DeleteAll(ctx context.Context, prefix string) error
}

// SanitizePath normalizes a storage key, stripping any ".." segment or
// absolute-path escape so resolution can never leave the configured
// root.
func SanitizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	segments := strings.Split(p, "/")
	clean := make([]string, 0, len(segments))
	for _, seg := range segments {
		if seg == "" || seg == "." || seg == ".." {
			continue
		}
		clean = append(clean, seg)
	}
	return path.Join(clean...)
}
