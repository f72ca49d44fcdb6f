// Package archive stores raw sample sheet text keyed by content checksum.
// Keys are content-addressed ("sha256/<hex>"), so storing the same sheet
// twice is a no-op rather than an error.
package archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"
)

// Driver identifies a concrete archive backend implementation.
type Driver string

const (
	// DriverFilesystem represents the local filesystem implementation.
	DriverFilesystem Driver = "fs" // local filesystem (default, dev)
	// DriverS3 represents an S3 / MinIO compatible implementation.
	DriverS3 Driver = "s3" // S3 / MinIO compatible
	// DriverMemory represents an in-memory implementation typically used in tests.
	DriverMemory Driver = "memory" // in-memory (tests)
)

// Info describes an archived sheet.
type Info struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size_bytes"`
	ETag         string    `json:"etag,omitempty"`
	LastModified time.Time `json:"last_modified"`
}

// Store provides a thin object-store abstraction for archived sheets. Put is
// idempotent on key: a second write under an existing key keeps the stored
// object and returns its info.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader) (Info, error)
	Get(ctx context.Context, key string) (Info, io.ReadCloser, error)
	Head(ctx context.Context, key string) (Info, error)
	Delete(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]Info, error)
	Driver() Driver
}

// ErrNotExist is returned when the requested key holds no archived sheet.
var ErrNotExist = errors.New("archive: sheet not found")

// SheetWriter adapts a Store to the write-only surface the ingestion path
// needs.
type SheetWriter struct {
	store Store
}

// NewSheetWriter wraps a store for use as an ingestion archive.
func NewSheetWriter(store Store) *SheetWriter {
	return &SheetWriter{store: store}
}

// Put archives one sheet body under the given content key.
func (w *SheetWriter) Put(ctx context.Context, key string, data []byte) error {
	_, err := w.store.Put(ctx, key, bytes.NewReader(data))
	return err
}
