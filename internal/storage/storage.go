package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// Package storage contains the object storage abstraction consumed by the
// coordination layer. The backend is treated as an external capability with
// no cross-key transactions; list results may lag writes (callers must not
// assume immediate list-after-put visibility).

var (
	// ErrUnavailable marks a connection-level backend failure.
	ErrUnavailable = errors.New("storage backend unavailable")
	// ErrTimeout marks a backend call that exceeded its deadline. Kept
	// distinct from ErrUnavailable so callers can decide whether to retry.
	ErrTimeout = errors.New("storage operation timed out")
)

// PutObjectOptions define optional parameters for uploading objects.
// Size should be the exact number of bytes if known; if unknown, set to -1
// and the implementation will buffer/chunk as supported by the backend.
type PutObjectOptions struct {
	Size        int64
	ContentType string
	Metadata    map[string]string
}

// ObjectInfo contains basic information about an object in storage.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
	Metadata     map[string]string
}

// Storage is a reusable, S3-compatible object storage client interface.
// Every call is bounded by a per-operation timeout (except streaming reads,
// which run on the caller's context); exceeded deadlines surface as
// ErrTimeout, other backend failures as ErrUnavailable.
type Storage interface {
	// Put uploads an object under the given key from the provided reader.
	Put(ctx context.Context, key string, r io.Reader, opt PutObjectOptions) (ObjectInfo, error)
	// Get retrieves an object's content as a streaming reader alongside its info.
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)
	// FPut uploads a local file under the given key.
	FPut(ctx context.Context, key, path string, opt PutObjectOptions) (ObjectInfo, error)
	// FGet downloads an object to a local file, leaving no partial file on failure.
	FGet(ctx context.Context, key, path string) error
	// Delete removes an object by key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns the objects under the given key prefix.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	// PresignGet returns a time-limited URL granting direct read access.
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}
