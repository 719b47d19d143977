package workspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// ObjectStore mirrors workspace snapshots to durable blob storage.
// Get must return an error satisfying errors.Is(err, fs.ErrNotExist) when
// the key does not exist. Implementations must be safe for concurrent use.
type ObjectStore interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Put(ctx context.Context, key string, r io.Reader) error
	Delete(ctx context.Context, key string) error
}

// SnapshotLocation is a parsed snapshot URL. For the file scheme Bucket
// holds the root directory and Prefix is empty.
type SnapshotLocation struct {
	Scheme string
	Bucket string
	Prefix string
}

// ParseSnapshotURL splits s3://bucket/prefix, gs://bucket/prefix and
// file:///path into a SnapshotLocation.
func ParseSnapshotURL(raw string) (SnapshotLocation, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return SnapshotLocation{}, fmt.Errorf("invalid snapshot url %q: %w", raw, err)
	}
	switch u.Scheme {
	case "s3", "gs":
		if u.Host == "" {
			return SnapshotLocation{}, fmt.Errorf("snapshot url %q is missing a bucket", raw)
		}
		return SnapshotLocation{Scheme: u.Scheme, Bucket: u.Host, Prefix: strings.Trim(u.Path, "/")}, nil
	case "file":
		dir := u.Path
		if u.Host != "" {
			dir = filepath.Join(u.Host, u.Path)
		}
		if dir == "" {
			return SnapshotLocation{}, fmt.Errorf("snapshot url %q is missing a path", raw)
		}
		return SnapshotLocation{Scheme: "file", Bucket: dir}, nil
	default:
		return SnapshotLocation{}, fmt.Errorf("unsupported snapshot scheme %q", u.Scheme)
	}
}

// NewObjectStoreFromURL builds the object store for a snapshot URL, or nil
// when raw is empty (mirroring disabled). Only the file scheme has a
// built-in driver.
func NewObjectStoreFromURL(raw string) (ObjectStore, error) {
	if raw == "" {
		return nil, nil
	}
	loc, err := ParseSnapshotURL(raw)
	if err != nil {
		return nil, err
	}
	switch loc.Scheme {
	case "file":
		return NewFileObjectStore(loc.Bucket)
	default:
		return nil, fmt.Errorf("no %s object store driver built into this binary", loc.Scheme)
	}
}

// FileObjectStore keeps objects as plain files under a root directory. It
// backs snapshot mirroring in single-host deployments and in tests.
type FileObjectStore struct {
	root string
}

func NewFileObjectStore(root string) (*FileObjectStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create object store root %s: %w", root, err)
	}
	return &FileObjectStore{root: root}, nil
}

func (f *FileObjectStore) path(key string) string {
	return filepath.Join(f.root, filepath.FromSlash(key))
}

func (f *FileObjectStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	return os.Open(f.path(key))
}

// Put writes to a temp file and renames so readers never observe a partial
// object.
func (f *FileObjectStore) Put(ctx context.Context, key string, r io.Reader) error {
	p := f.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("failed to create object directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".put-*")
	if err != nil {
		return fmt.Errorf("failed to create temp object: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write object %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), p)
}

func (f *FileObjectStore) Delete(ctx context.Context, key string) error {
	err := os.Remove(f.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
