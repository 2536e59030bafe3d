package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	appconfig "github.com/semmidev/dbvault/internal/config"
	"github.com/semmidev/dbvault/internal/domain"
	"github.com/semmidev/dbvault/internal/infrastructure/retry"
)

type GCSStorage struct {
	name   string
	client *storage.Client
	bucket string
	prefix string
	retry  retrier
}

// NewGCS uses the credentials file when configured and application default credentials otherwise.
func NewGCS(ctx context.Context, cfg appconfig.TargetConfig, ro retry.Options) (*GCSStorage, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, domain.ConfigError("failed to create GCS client: %v", err)
	}

	return &GCSStorage{
		name:   cfg.Name,
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		retry:  retrier{opts: ro},
	}, nil
}

func (g *GCSStorage) Name() string {
	return g.name
}

// Put streams r into a resumable upload. Cancelling the writer's context on
// failure discards the upload, so the object is never created.
func (g *GCSStorage) Put(ctx context.Context, key string, r io.Reader) (domain.Location, error) {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	objectName := g.objectName(key)
	w := g.client.Bucket(g.bucket).Object(objectName).NewWriter(wctx)
	w.ContentType = contentType(key)

	src := newSourceReader(r)
	if _, err := io.Copy(w, src); err != nil {
		cancel()
		_ = w.Close()
		return domain.Location{}, putError(src, err, func(err error) error { return g.classify("upload", err) })
	}
	if err := w.Close(); err != nil {
		return domain.Location{}, putError(src, err, func(err error) error { return g.classify("upload", err) })
	}

	return g.location(objectName), nil
}

func (g *GCSStorage) Promote(ctx context.Context, stagingKey, key string) (domain.Location, error) {
	bucket := g.client.Bucket(g.bucket)
	src := bucket.Object(g.objectName(stagingKey))
	dst := bucket.Object(g.objectName(key)).If(storage.Conditions{DoesNotExist: true})

	err := g.retry.do(ctx, func(ctx context.Context) error {
		_, err := dst.CopierFrom(src).Run(ctx)
		if err != nil {
			return g.classify("copy", err)
		}
		return nil
	})
	if err != nil {
		if domain.IsType(err, domain.ErrorTypeConflict) {
			return domain.Location{}, domain.ConflictError("artifact %s already exists in gs://%s", key, g.bucket)
		}
		return domain.Location{}, err
	}

	if err := g.Delete(ctx, stagingKey); err != nil {
		return domain.Location{}, err
	}
	return g.location(g.objectName(key)), nil
}

func (g *GCSStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	var rc io.ReadCloser
	err := g.retry.do(ctx, func(ctx context.Context) error {
		r, err := g.client.Bucket(g.bucket).Object(g.objectName(key)).NewReader(ctx)
		if err != nil {
			return g.classify("get "+key, err)
		}
		rc = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rc, nil
}

func (g *GCSStorage) Stat(ctx context.Context, key string) (domain.ObjectInfo, error) {
	var info domain.ObjectInfo
	err := g.retry.do(ctx, func(ctx context.Context) error {
		attrs, err := g.client.Bucket(g.bucket).Object(g.objectName(key)).Attrs(ctx)
		if err != nil {
			return g.classify("stat "+key, err)
		}
		info = domain.ObjectInfo{Key: key, Size: attrs.Size, LastModified: attrs.Updated}
		return nil
	})
	return info, err
}

func (g *GCSStorage) List(ctx context.Context) ([]domain.ObjectInfo, error) {
	var objects []domain.ObjectInfo
	err := g.retry.do(ctx, func(ctx context.Context) error {
		objects = objects[:0]
		query := &storage.Query{}
		if g.prefix != "" {
			query.Prefix = g.prefix + "/"
		}

		it := g.client.Bucket(g.bucket).Objects(ctx, query)
		for {
			attrs, err := it.Next()
			if err == iterator.Done {
				return nil
			}
			if err != nil {
				return g.classify("list", err)
			}
			name := strings.TrimPrefix(attrs.Name, query.Prefix)
			if name == "" {
				continue
			}
			objects = append(objects, domain.ObjectInfo{Key: name, Size: attrs.Size, LastModified: attrs.Updated})
		}
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

func (g *GCSStorage) Delete(ctx context.Context, key string) error {
	return g.retry.do(ctx, func(ctx context.Context) error {
		err := g.client.Bucket(g.bucket).Object(g.objectName(key)).Delete(ctx)
		if err == nil || errors.Is(err, storage.ErrObjectNotExist) {
			return nil
		}
		return g.classify("delete "+key, err)
	})
}

func (g *GCSStorage) Ping(ctx context.Context) error {
	return g.retry.do(ctx, func(ctx context.Context) error {
		_, err := g.client.Bucket(g.bucket).Attrs(ctx)
		if err != nil {
			return g.classify("bucket attrs", err)
		}
		return nil
	})
}

// PresignGet needs credentials able to sign, such as a service account key.
func (g *GCSStorage) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	u, err := g.client.Bucket(g.bucket).SignedURL(g.objectName(key), &storage.SignedURLOptions{
		Method:  http.MethodGet,
		Expires: time.Now().Add(ttl),
		Scheme:  storage.SigningSchemeV4,
	})
	if err != nil {
		return "", domain.PermanentStorageError("failed to sign gcs url", err)
	}
	return u, nil
}

func (g *GCSStorage) Close() error {
	return g.client.Close()
}

func (g *GCSStorage) objectName(key string) string {
	if g.prefix == "" {
		return key
	}
	return path.Join(g.prefix, key)
}

func (g *GCSStorage) location(objectName string) domain.Location {
	return domain.Location{Kind: domain.LocationGCS, Bucket: g.bucket, Key: objectName}
}

func (g *GCSStorage) classify(op string, err error) error {
	return classifyGCS(op, err)
}

func classifyGCS(op string, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return domain.NotFoundError("gcs %s: no such object", op)
	}
	if errors.Is(err, storage.ErrBucketNotExist) {
		return domain.PermanentStorageError("gcs "+op+": bucket does not exist", err)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusNotFound:
			return domain.NotFoundError("gcs %s: no such object", op)
		case apiErr.Code == http.StatusPreconditionFailed:
			return domain.ConflictError("gcs %s: precondition failed", op)
		case isStatusTransient(apiErr.Code):
			return domain.TransientStorageError(fmt.Sprintf("gcs %s failed with status %d", op, apiErr.Code), err)
		default:
			return domain.PermanentStorageError(fmt.Sprintf("gcs %s failed with status %d", op, apiErr.Code), err)
		}
	}

	if classified, ok := classifyCommon("gcs", op, err); ok {
		return classified
	}
	return domain.PermanentStorageError("gcs "+op+" failed", err)
}
