package usecase

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/semmidev/dbvault/internal/adapter/catalog"
	"github.com/semmidev/dbvault/internal/adapter/compressor"
	"github.com/semmidev/dbvault/internal/adapter/storage"
	"github.com/semmidev/dbvault/internal/domain"
	"github.com/semmidev/dbvault/internal/infrastructure/logger"
)

type fakeDB struct {
	name string
	typ  domain.DatabaseType

	dump      []byte
	dumpErr   error // returned by Read after dump
	openErr   error
	blockDump bool // Read blocks until the context ends

	testErr error
	size    int64

	mu           sync.Mutex
	dumps        int
	restoreCalls int
	restored     bytes.Buffer
	restoreErr   error
}

func (f *fakeDB) Name() string               { return f.name }
func (f *fakeDB) Type() domain.DatabaseType { return f.typ }

func (f *fakeDB) TestConnection(ctx context.Context, timeout time.Duration) error {
	return f.testErr
}

func (f *fakeDB) Dump(ctx context.Context) (io.ReadCloser, error) {
	f.mu.Lock()
	f.dumps++
	f.mu.Unlock()

	if f.openErr != nil {
		return nil, f.openErr
	}
	if f.blockDump {
		return io.NopCloser(&blockingReader{ctx: ctx}), nil
	}
	var r io.Reader = bytes.NewReader(f.dump)
	if f.dumpErr != nil {
		r = io.MultiReader(r, iotest.ErrReader(f.dumpErr))
	}
	return io.NopCloser(r), nil
}

func (f *fakeDB) Restore(ctx context.Context, r io.Reader) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restoreCalls++
	if _, err := io.Copy(&f.restored, r); err != nil {
		return err
	}
	return f.restoreErr
}

func (f *fakeDB) Size(ctx context.Context) (int64, error) {
	return f.size, nil
}

type blockingReader struct {
	ctx context.Context
}

func (b *blockingReader) Read(p []byte) (int, error) {
	<-b.ctx.Done()
	return 0, domain.DumpFailedError("pg_dump", -1, "", b.ctx.Err())
}

// faultyStorage injects failures in front of a real backend.
type faultyStorage struct {
	domain.Storage
	putErr     error
	promoteErr error

	mu      sync.Mutex
	deleted []string
}

func (f *faultyStorage) Put(ctx context.Context, key string, r io.Reader) (domain.Location, error) {
	if f.putErr != nil {
		_, _ = io.CopyN(io.Discard, r, 16)
		return domain.Location{}, f.putErr
	}
	return f.Storage.Put(ctx, key, r)
}

func (f *faultyStorage) Promote(ctx context.Context, stagingKey, key string) (domain.Location, error) {
	if f.promoteErr != nil {
		return domain.Location{}, f.promoteErr
	}
	return f.Storage.Promote(ctx, stagingKey, key)
}

func (f *faultyStorage) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, key)
	f.mu.Unlock()
	return f.Storage.Delete(ctx, key)
}

type faultyCatalog struct {
	Catalog
	appendErr error
}

func (f *faultyCatalog) Append(ctx context.Context, a domain.Artifact) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	return f.Catalog.Append(ctx, a)
}

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) Notify(ctx context.Context, e domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) Observe(e domain.Event) {
	_ = r.Notify(context.Background(), e)
}

// env is a backend, catalog and compressor rooted in a temporary directory.
type env struct {
	dir        string
	local      *storage.LocalStorage
	storage    *faultyStorage
	catalog    *catalog.Catalog
	compressor domain.Compressor
	logger     *logger.Logger
}

func newEnv(t *testing.T) *env {
	dir := t.TempDir()
	local, err := storage.NewLocal("local", dir)
	So(err, ShouldBeNil)

	fs := &faultyStorage{Storage: local}
	return &env{
		dir:        dir,
		local:      local,
		storage:    fs,
		catalog:    catalog.New(fs, logger.Nop()),
		compressor: compressor.NewGzip(6),
		logger:     logger.Nop(),
	}
}

func (e *env) keys(ctx context.Context) []string {
	objects, err := e.local.List(ctx)
	So(err, ShouldBeNil)
	keys := make([]string, 0, len(objects))
	for _, o := range objects {
		keys = append(keys, o.Key)
	}
	return keys
}

func fixedClock(t time.Time) Option {
	return WithClock(func() time.Time { return t })
}

func bytesReader(b []byte) io.Reader {
	return bytes.NewReader(b)
}
