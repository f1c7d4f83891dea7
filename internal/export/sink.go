// Package export materializes resolved documents into a Sink: one file per
// page plus a manifest.json describing the export.
package export

import (
	"context"
	"io"
)

// Sink is the interface for export destinations.
// Keys are slash-separated relative paths.
type Sink interface {
	// GetObject opens an object. A missing key yields an error matching
	// fs.ErrNotExist.
	GetObject(ctx context.Context, key string) (io.ReadCloser, error)

	// PutObject writes content to the given key, replacing any previous object.
	PutObject(ctx context.Context, key string, body io.Reader, size int64) error

	// DeleteObject removes an object. Deleting a missing key is not an error.
	DeleteObject(ctx context.Context, key string) error

	// Type returns the sink type identifier ("local", "s3").
	Type() string

	// Close releases any resources held by the sink.
	Close() error
}
