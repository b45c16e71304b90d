package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

var errInvalidPath = errors.New("invalid path")

// FilesystemBackend stores objects under {root}/{bucket}/{key}.
type FilesystemBackend struct {
	root string
}

func NewFilesystemBackend(root string) *FilesystemBackend {
	return &FilesystemBackend{root: root}
}

// resolve maps bucket and key to a path inside root. Absolute paths, NUL
// bytes and any ".." element are rejected.
func (f *FilesystemBackend) resolve(bucket, key string) (string, error) {
	for _, part := range []string{bucket, key} {
		if part == "" {
			return "", fmt.Errorf("%w: empty bucket or key", errInvalidPath)
		}
		if strings.ContainsRune(part, 0) {
			return "", fmt.Errorf("%w: null byte not allowed", errInvalidPath)
		}
		if filepath.IsAbs(part) || strings.HasPrefix(part, "/") || (len(part) >= 2 && part[1] == ':') {
			return "", fmt.Errorf("%w: absolute paths not allowed", errInvalidPath)
		}
		for _, elem := range strings.FieldsFunc(part, func(r rune) bool { return r == '/' || r == '\\' }) {
			if elem == ".." {
				return "", fmt.Errorf("%w: path traversal not allowed", errInvalidPath)
			}
		}
	}

	root := filepath.Clean(f.root)
	full := filepath.Join(root, bucket, filepath.FromSlash(key))
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path escapes storage root", errInvalidPath)
	}
	return full, nil
}

// Put writes r to a temp file next to the target and renames it into place,
// so readers never observe a partial object.
func (f *FilesystemBackend) Put(ctx context.Context, bucket, key string, r io.Reader, size int64) error {
	path, err := f.resolve(bucket, key)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return fmt.Errorf("creating file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("writing file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("moving file into place: %w", err)
	}
	return nil
}

// Get opens the object. The caller closes the returned reader.
func (f *FilesystemBackend) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	path, err := f.resolve(bucket, key)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("opening file: %w", err)
	}
	return file, nil
}

// Delete removes the object. Missing objects are not an error.
func (f *FilesystemBackend) Delete(ctx context.Context, bucket, key string) error {
	path, err := f.resolve(bucket, key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing file: %w", err)
	}
	return nil
}

func (f *FilesystemBackend) Exists(ctx context.Context, bucket, key string) (bool, error) {
	path, err := f.resolve(bucket, key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("checking file: %w", err)
	}
}

// Location returns a file:// URL for the object.
func (f *FilesystemBackend) Location(bucket, key string) string {
	path, err := f.resolve(bucket, key)
	if err != nil {
		return ""
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return "file://" + filepath.ToSlash(path)
}
