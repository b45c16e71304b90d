package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestFilesystemBackend_PutGetDelete(t *testing.T) {
	root := t.TempDir()
	b := NewFilesystemBackend(root)
	ctx := context.Background()
	const key = "tenants/t1/a.png"

	data := []byte("image bytes")
	if err := b.Put(ctx, "media", key, bytes.NewReader(data), int64(len(data))); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(root, "media", "tenants", "t1", "a.png")); err != nil {
		t.Fatalf("File not created at expected path: %v", err)
	}

	rc, err := b.Get(ctx, "media", key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	got, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if !bytes.Equal(data, got) {
		t.Errorf("Retrieved data doesn't match. Got %q, want %q", got, data)
	}

	exists, err := b.Exists(ctx, "media", key)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if !exists {
		t.Fatal("File should exist before delete")
	}

	// Deleting twice is not an error.
	for i := 0; i < 2; i++ {
		if err := b.Delete(ctx, "media", key); err != nil {
			t.Fatalf("Delete #%d failed: %v", i+1, err)
		}
	}

	exists, err = b.Exists(ctx, "media", key)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if exists {
		t.Error("File should not exist after delete")
	}

	if _, err := b.Get(ctx, "media", key); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFilesystemBackend_Overwrite(t *testing.T) {
	b := NewFilesystemBackend(t.TempDir())
	ctx := context.Background()

	if err := b.Put(ctx, "media", "k", strings.NewReader("first"), 5); err != nil {
		t.Fatalf("first Put failed: %v", err)
	}
	if err := b.Put(ctx, "media", "k", strings.NewReader("second"), 6); err != nil {
		t.Fatalf("second Put failed: %v", err)
	}

	rc, err := b.Get(ctx, "media", "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if string(got) != "second" {
		t.Errorf("expected the second write to win, got %q", got)
	}

	entries, err := os.ReadDir(filepath.Join(b.root, "media"))
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("temp files must not be left behind, found %d entries", len(entries))
	}
}

func TestFilesystemBackend_PathTraversal(t *testing.T) {
	b := NewFilesystemBackend(t.TempDir())
	ctx := context.Background()

	cases := []struct {
		name   string
		bucket string
		key    string
	}{
		{"parent key", "media", "../escape"},
		{"nested parent key", "media", "a/../../escape"},
		{"parent bucket", "..", "key"},
		{"absolute key", "media", "/etc/passwd"},
		{"windows drive", "media", "C:\\evil"},
		{"null byte", "media", "a\x00b"},
		{"empty key", "media", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := b.Put(ctx, tc.bucket, tc.key, strings.NewReader("x"), 1)
			if !errors.Is(err, errInvalidPath) {
				t.Errorf("expected errInvalidPath, got %v", err)
			}
		})
	}
}

func TestFilesystemBackend_ConcurrentPuts(t *testing.T) {
	b := NewFilesystemBackend(t.TempDir())
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := fmt.Sprintf("file-%d", i)
			if err := b.Put(ctx, "media", key, strings.NewReader(key), int64(len(key))); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent Put failed: %v", err)
	}

	for i := range 10 {
		exists, err := b.Exists(ctx, "media", fmt.Sprintf("file-%d", i))
		if err != nil {
			t.Fatalf("Exists failed: %v", err)
		}
		if !exists {
			t.Errorf("file-%d missing", i)
		}
	}
}

func TestFilesystemBackend_Location(t *testing.T) {
	b := NewFilesystemBackend(t.TempDir())

	loc := b.Location("media", "tenants/t1/a.png")
	if !strings.HasPrefix(loc, "file://") || !strings.HasSuffix(loc, "/media/tenants/t1/a.png") {
		t.Errorf("unexpected location %q", loc)
	}
	if loc := b.Location("media", "../x"); loc != "" {
		t.Errorf("expected no location for an escaping key, got %q", loc)
	}
}
