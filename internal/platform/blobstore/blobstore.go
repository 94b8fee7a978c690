// Package blobstore stores generated report files. MinIO backs it in
// deployments; the in-memory store serves development and tests.
package blobstore

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"
)

var (
	ErrNotFound           = errors.New("object not found")
	ErrPresignUnsupported = errors.New("store cannot presign URLs")
	ErrInvalidKey         = errors.New("invalid object key")
)

type Object struct {
	Key         string    `json:"key"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	ETag        string    `json:"etag,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type BlobStore interface {
	Put(ctx context.Context, key, contentType string, r io.Reader, size int64) (*Object, error)
	Get(ctx context.Context, key string) (io.ReadCloser, *Object, error)
	// PresignedURL returns a time-limited download URL or ErrPresignUnsupported.
	PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// ValidKey rejects empty keys, absolute keys and path traversal.
func ValidKey(key string) bool {
	if key == "" || len(key) > 512 || key[0] == '/' {
		return false
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return false
		}
	}
	return true
}
