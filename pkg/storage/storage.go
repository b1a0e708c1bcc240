// Package storage defines the object-store operations the agent needs. The
// drivers live in the s3, minio and memory subpackages.
package storage

import (
	"context"
	"errors"

	"github.com/andres-nav/actual-budget-agent/pkg/types"
)

// ErrNotFound is returned when a key does not exist in the bucket.
var ErrNotFound = errors.New("object not found")

// Store is a single bucket.
type Store interface {
	// List returns every object whose key starts with prefix, in no
	// particular order.
	List(ctx context.Context, prefix string) ([]types.ObjectInfo, error)
	// Download writes the object to destPath. On failure no file is left at
	// destPath.
	Download(ctx context.Context, key, destPath string) error
	// Upload sends the local file at srcPath under key.
	Upload(ctx context.Context, srcPath, key string) error
	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)
}
