package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"testing"

	"github.com/watzon/herald/internal/config"
)

func TestS3Backend(t *testing.T) {
	endpoint := os.Getenv("S3_ENDPOINT")
	if endpoint == "" {
		t.Skip("S3_ENDPOINT not set, skipping S3 integration tests")
	}

	b, err := NewS3Backend(context.Background(), config.S3Config{
		Endpoint:        endpoint,
		Region:          os.Getenv("S3_REGION"),
		AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
		BucketPrefix:    "herald-test-",
		ForcePathStyle:  true,
	})
	if err != nil {
		t.Fatalf("Failed to create S3 backend: %v", err)
	}

	ctx := context.Background()
	const bucket, key = "media", "tenants/t1/content/e1/images/test.png"
	content := []byte("not really a png")

	if err := b.Put(ctx, bucket, key, bytes.NewReader(content), int64(len(content))); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	exists, err := b.Exists(ctx, bucket, key)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if !exists {
		t.Fatal("Object should exist after Put")
	}

	rc, err := b.Get(ctx, bucket, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	got, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if !bytes.Equal(content, got) {
		t.Errorf("Retrieved data doesn't match. Got %q, want %q", got, content)
	}

	if err := b.Delete(ctx, bucket, key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	exists, err = b.Exists(ctx, bucket, key)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if exists {
		t.Error("Object should not exist after Delete")
	}

	if _, err := b.Get(ctx, bucket, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
