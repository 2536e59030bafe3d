package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/semmidev/dbvault/internal/domain"
)

type LocalStorage struct {
	name     string
	basePath string
}

func NewLocal(name, basePath string) (*LocalStorage, error) {
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, domain.ConfigError("invalid backup directory %s: %v", basePath, err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, domain.PermanentStorageError("failed to create backup directory "+abs, err)
	}
	return &LocalStorage{name: name, basePath: abs}, nil
}

func (l *LocalStorage) Name() string {
	return l.name
}

// Put writes <key>.tmp next to the destination, syncs it and renames it into place.
func (l *LocalStorage) Put(ctx context.Context, key string, r io.Reader) (domain.Location, error) {
	dest, err := l.path(key)
	if err != nil {
		return domain.Location{}, err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return domain.Location{}, l.classify("put", err)
	}

	tmp := dest + domain.TempSuffix
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return domain.Location{}, l.classify("put", err)
	}

	src := newSourceReader(&ctxReader{ctx: ctx, r: r})
	_, err = io.Copy(f, src)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, dest)
	}
	if err != nil {
		_ = os.Remove(tmp)
		return domain.Location{}, putError(src, err, func(err error) error { return l.classify("put", err) })
	}

	return l.location(key, dest), nil
}

// Promote hard-links the staging file to its final name, which fails if the name is taken.
func (l *LocalStorage) Promote(ctx context.Context, stagingKey, key string) (domain.Location, error) {
	src, err := l.path(stagingKey)
	if err != nil {
		return domain.Location{}, err
	}
	dest, err := l.path(key)
	if err != nil {
		return domain.Location{}, err
	}

	if _, err := os.Stat(src); err != nil {
		return domain.Location{}, l.classify("promote", err)
	}

	if err := os.Link(src, dest); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return domain.Location{}, domain.ConflictError("artifact %s already exists in %s", key, l.name)
		}
		// Filesystems without hard links.
		if _, statErr := os.Stat(dest); statErr == nil {
			return domain.Location{}, domain.ConflictError("artifact %s already exists in %s", key, l.name)
		}
		if err := os.Rename(src, dest); err != nil {
			return domain.Location{}, l.classify("promote", err)
		}
		return l.location(key, dest), nil
	}

	if err := os.Remove(src); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return domain.Location{}, l.classify("promote", err)
	}
	return l.location(key, dest), nil
}

func (l *LocalStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	p, err := l.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, l.classify("get "+key, err)
	}
	return f, nil
}

func (l *LocalStorage) Stat(ctx context.Context, key string) (domain.ObjectInfo, error) {
	p, err := l.path(key)
	if err != nil {
		return domain.ObjectInfo{}, err
	}
	info, err := os.Stat(p)
	if err != nil {
		return domain.ObjectInfo{}, l.classify("stat "+key, err)
	}
	if info.IsDir() {
		return domain.ObjectInfo{}, domain.NotFoundError("%s is a directory in %s", key, l.name)
	}
	return domain.ObjectInfo{Key: key, Size: info.Size(), LastModified: info.ModTime()}, nil
}

func (l *LocalStorage) List(ctx context.Context) ([]domain.ObjectInfo, error) {
	var objects []domain.ObjectInfo
	err := filepath.WalkDir(l.basePath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(l.basePath, p)
		if err != nil {
			return err
		}
		objects = append(objects, domain.ObjectInfo{
			Key:          filepath.ToSlash(rel),
			Size:         info.Size(),
			LastModified: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, l.classify("list", err)
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

func (l *LocalStorage) Delete(ctx context.Context, key string) error {
	p, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return l.classify("delete "+key, err)
	}
	return nil
}

// Ping checks the directory is writable.
func (l *LocalStorage) Ping(ctx context.Context) error {
	if err := os.MkdirAll(l.basePath, 0755); err != nil {
		return l.classify("ping", err)
	}
	f, err := os.CreateTemp(l.basePath, ".dbvault-ping-*")
	if err != nil {
		return l.classify("ping", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

func (l *LocalStorage) GetPath(key string) string {
	return filepath.Join(l.basePath, filepath.FromSlash(key))
}

// path resolves key inside the base directory and refuses anything that escapes it.
func (l *LocalStorage) path(key string) (string, error) {
	if key == "" || filepath.IsAbs(key) {
		return "", domain.PermanentStorageError(fmt.Sprintf("invalid key %q", key), nil)
	}
	p := l.GetPath(key)
	rel, err := filepath.Rel(l.basePath, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", domain.PermanentStorageError(fmt.Sprintf("key %q escapes %s", key, l.basePath), nil)
	}
	return p, nil
}

func (l *LocalStorage) location(key, path string) domain.Location {
	return domain.Location{Kind: domain.LocationLocal, Path: path, Key: key}
}

func (l *LocalStorage) classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, fs.ErrNotExist) {
		return domain.NotFoundError("local %s: no such object in %s", op, l.basePath)
	}
	return domain.PermanentStorageError(fmt.Sprintf("local %s failed", op), err)
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
