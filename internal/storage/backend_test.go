package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/watzon/herald/internal/config"
)

// memoryBackend is an in-memory Backend used by media tests.
type memoryBackend struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{files: make(map[string][]byte)}
}

func (m *memoryBackend) Put(ctx context.Context, bucket, key string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[bucket+"/"+key] = data
	return nil
}

func (m *memoryBackend) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[bucket+"/"+key]
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memoryBackend) Delete(ctx context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, bucket+"/"+key)
	return nil
}

func (m *memoryBackend) Exists(ctx context.Context, bucket, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[bucket+"/"+key]
	return ok, nil
}

func (m *memoryBackend) Location(bucket, key string) string {
	return "mem://" + bucket + "/" + key
}

func TestNewBackend(t *testing.T) {
	ctx := context.Background()

	b, err := NewBackend(ctx, config.StorageConfig{
		Type:       "filesystem",
		Filesystem: config.FilesystemConfig{Path: t.TempDir()},
	})
	if err != nil {
		t.Fatalf("NewBackend(filesystem) failed: %v", err)
	}
	if _, ok := b.(*FilesystemBackend); !ok {
		t.Errorf("expected *FilesystemBackend, got %T", b)
	}

	invalid := []struct {
		name string
		cfg  config.StorageConfig
	}{
		{"filesystem without path", config.StorageConfig{Type: "filesystem"}},
		{"s3 without region", config.StorageConfig{Type: "s3"}},
		{"s3 with half a key pair", config.StorageConfig{
			Type: "s3",
			S3:   config.S3Config{Region: "us-east-1", AccessKeyID: "id"},
		}},
		{"unknown", config.StorageConfig{Type: "ftp"}},
	}

	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewBackend(ctx, tt.cfg); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestS3Backend_Location(t *testing.T) {
	b, err := NewS3Backend(context.Background(), config.S3Config{
		Region:          "us-east-1",
		AccessKeyID:     "id",
		SecretAccessKey: "secret",
		BucketPrefix:    "herald-",
	})
	if err != nil {
		t.Fatalf("NewS3Backend failed: %v", err)
	}

	want := "s3://herald-media/tenants/t1/a.png"
	if got := b.Location("media", "tenants/t1/a.png"); got != want {
		t.Errorf("Location = %q, want %q", got, want)
	}
}
