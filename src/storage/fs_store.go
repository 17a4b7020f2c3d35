package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FSStore keeps each bucket as a directory under Root. Buckets are not
// created on demand: a missing directory is ErrBucketNotFound.
type FSStore struct {
	Root string
}

func NewFSStore(root string) *FSStore {
	return &FSStore{Root: root}
}

// CreateBucket creates the directory for bucket.
func (s *FSStore) CreateBucket(bucket string) error {
	if err := validBucket(bucket); err != nil {
		return err
	}
	return os.MkdirAll(filepath.Join(s.Root, bucket), 0o755)
}

func (s *FSStore) Upload(ctx context.Context, bucket, objectPath string, data []byte, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := validBucket(bucket); err != nil {
		return "", err
	}
	key, err := cleanObjectPath(objectPath)
	if err != nil {
		return "", err
	}

	bucketDir := filepath.Join(s.Root, bucket)
	info, err := os.Stat(bucketDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%s: %w", bucket, ErrBucketNotFound)
		}
		return "", fmt.Errorf("stat bucket: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s: %w", bucket, ErrBucketNotFound)
	}

	dst := filepath.Join(bucketDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create object dir: %w", err)
	}
	tmp := dst + ".part"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("commit object: %w", err)
	}
	return key, nil
}
