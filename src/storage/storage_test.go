package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

func TestFSStoreUpload(t *testing.T) {
	root := t.TempDir()
	s := NewFSStore(root)
	if err := s.CreateBucket("audio"); err != nil {
		t.Fatalf("create bucket: %v", err)
	}

	key, err := s.Upload(context.Background(), "audio", "call_1/1700000000000-abc.wav", []byte("RIFF"), "audio/wav")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if key != "call_1/1700000000000-abc.wav" {
		t.Fatalf("unexpected key %q", key)
	}
	got, err := os.ReadFile(filepath.Join(root, "audio", "call_1", "1700000000000-abc.wav"))
	if err != nil {
		t.Fatalf("read object: %v", err)
	}
	if string(got) != "RIFF" {
		t.Fatalf("unexpected content %q", got)
	}
}

func TestFSStoreMissingBucket(t *testing.T) {
	s := NewFSStore(t.TempDir())
	_, err := s.Upload(context.Background(), "audio", "c/x.wav", []byte("x"), "audio/wav")
	if !errors.Is(err, ErrBucketNotFound) {
		t.Fatalf("expected ErrBucketNotFound, got %v", err)
	}
}

func TestFSStoreRejectsTraversal(t *testing.T) {
	root := t.TempDir()
	s := NewFSStore(root)
	if err := s.CreateBucket("audio"); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	key, err := s.Upload(context.Background(), "audio", "../../escape.wav", []byte("x"), "")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if key != "escape.wav" {
		t.Fatalf("expected path to be confined, got %q", key)
	}
	if _, err := s.Upload(context.Background(), "../x", "a.wav", nil, ""); err == nil {
		t.Fatalf("expected invalid bucket error")
	}
}

type fakePutter struct {
	err   error
	calls int
	input *s3.PutObjectInput
}

func (f *fakePutter) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.calls++
	f.input = params
	if f.err != nil {
		return nil, f.err
	}
	return &s3.PutObjectOutput{}, nil
}

func TestS3StoreUpload(t *testing.T) {
	fake := &fakePutter{}
	s := &S3Store{client: fake}

	key, err := s.Upload(context.Background(), "audio", "/call_1/seg.wav", []byte("abc"), "audio/wav")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if key != "call_1/seg.wav" {
		t.Fatalf("unexpected key %q", key)
	}
	if *fake.input.Bucket != "audio" || *fake.input.ContentType != "audio/wav" || *fake.input.ContentLength != 3 {
		t.Fatalf("unexpected put input: %+v", fake.input)
	}
}

func TestS3StoreNoSuchBucket(t *testing.T) {
	cases := []error{
		&types.NoSuchBucket{},
		&smithy.GenericAPIError{Code: "NoSuchBucket", Message: "The specified bucket does not exist"},
	}
	for _, apiErr := range cases {
		s := &S3Store{client: &fakePutter{err: apiErr}}
		_, err := s.Upload(context.Background(), "audio", "c/x.wav", []byte("x"), "audio/wav")
		if !errors.Is(err, ErrBucketNotFound) {
			t.Fatalf("expected ErrBucketNotFound for %T, got %v", apiErr, err)
		}
	}

	s := &S3Store{client: &fakePutter{err: &smithy.GenericAPIError{Code: "AccessDenied"}}}
	_, err := s.Upload(context.Background(), "audio", "c/x.wav", []byte("x"), "audio/wav")
	if err == nil || errors.Is(err, ErrBucketNotFound) {
		t.Fatalf("expected a plain error, got %v", err)
	}
}

func TestDisabledStore(t *testing.T) {
	if _, err := (Disabled{}).Upload(context.Background(), "audio", "x", nil, ""); !errors.Is(err, ErrBucketNotFound) {
		t.Fatalf("expected ErrBucketNotFound, got %v", err)
	}
}
