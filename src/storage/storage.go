// Package storage archives binary objects (recorded speech segments) into
// named buckets.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrBucketNotFound is returned when the destination bucket does not exist.
// Callers treat it as permanent for the lifetime of a call.
var ErrBucketNotFound = errors.New("bucket not found")

// BlobStore uploads objects. It returns the stored object path.
type BlobStore interface {
	Upload(ctx context.Context, bucket, objectPath string, data []byte, contentType string) (string, error)
}

// Disabled is a BlobStore that has no destination.
type Disabled struct{}

func (Disabled) Upload(context.Context, string, string, []byte, string) (string, error) {
	return "", ErrBucketNotFound
}

func cleanObjectPath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", fmt.Errorf("empty object path")
	}
	cleaned := path.Clean("/" + p)[1:]
	if cleaned == "" || cleaned == "." {
		return "", fmt.Errorf("invalid object path %q", p)
	}
	return cleaned, nil
}

func validBucket(bucket string) error {
	if strings.TrimSpace(bucket) == "" {
		return fmt.Errorf("empty bucket name")
	}
	if strings.ContainsAny(bucket, `/\`) || bucket == "." || bucket == ".." {
		return fmt.Errorf("invalid bucket name %q", bucket)
	}
	return nil
}
