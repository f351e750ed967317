package storage

import (
	"context"
	"io"
)

// BundleStore defines the object storage operations used for staging
// encrypted installer bundles between the packager workers and the content
// uploader.
type BundleStore interface {
	// Upload stores a bundle under the given key
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error

	// Download opens a stored bundle for reading
	Download(ctx context.Context, key string) (io.ReadCloser, error)

	// DownloadToFile copies a stored bundle to a local path and returns its size
	DownloadToFile(ctx context.Context, key, path string) (int64, error)

	// Delete removes a stored bundle
	Delete(ctx context.Context, key string) error

	// Exists checks if a bundle exists
	Exists(ctx context.Context, key string) (bool, error)
}
