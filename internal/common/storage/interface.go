package storage

import (
	"context"
	"io"
	"time"
)

// ObjectStorage defines the interface for object storage operations.
// Evidence archives and probe bundles are stored as immutable objects,
// so the surface is write-once read-many: no append, no in-place update.
type ObjectStorage interface {
	// PutObject uploads an object in a single request.
	// sizeBytes must match the number of bytes readable from reader.
	PutObject(ctx context.Context, bucket, objectKey string, reader io.Reader, sizeBytes int64, contentType string) error

	// GetObject retrieves an object as a stream.
	// The caller must close the returned reader.
	GetObject(ctx context.Context, bucket, objectKey string) (ObjectReader, error)

	// StatObject returns object metadata without fetching the body
	StatObject(ctx context.Context, bucket, objectKey string) (ObjectStat, error)

	// RemoveObjects deletes the given objects, continuing past per-object failures
	RemoveObjects(ctx context.Context, bucket string, objectKeys []string) error

	// ListObjects lists objects under a prefix.
	// The returned channel is closed when listing completes; entries with a
	// non-nil Err indicate a listing failure and carry no key.
	ListObjects(ctx context.Context, bucket, prefix string) <-chan ObjectInfo

	// PresignGetObject returns a time-limited URL for downloading an object
	// without credentials. ttl <= 0 selects the configured default.
	PresignGetObject(ctx context.Context, bucket, objectKey string, ttl time.Duration) (string, error)
}

// ObjectReader is a readable object stream
type ObjectReader interface {
	io.Reader
	io.Closer
}

// ObjectStat holds object metadata
type ObjectStat struct {
	SizeBytes   int64
	ETag        string
	ContentType string
}

// ObjectInfo is a single entry from ListObjects
type ObjectInfo struct {
	Key       string
	SizeBytes int64
	Err       error
}
