package domain

import (
	"context"
	"fmt"
	"io"
	"time"
)

type LocationKind string

const (
	LocationLocal  LocationKind = "local"
	LocationS3     LocationKind = "s3"
	LocationGCS    LocationKind = "gcs"
	LocationAzure  LocationKind = "azure"
	LocationGDrive LocationKind = "gdrive"
)

// Location points at a stored object. Callers treat it as opaque.
type Location struct {
	Kind   LocationKind `json:"kind" yaml:"kind"`
	Path   string       `json:"path,omitempty" yaml:"path,omitempty"`
	Bucket string       `json:"bucket,omitempty" yaml:"bucket,omitempty"`
	Key    string       `json:"key,omitempty" yaml:"key,omitempty"`
	Region string       `json:"region,omitempty" yaml:"region,omitempty"`
}

func (l Location) String() string {
	switch l.Kind {
	case LocationLocal:
		return "file://" + l.Path
	case LocationS3:
		return fmt.Sprintf("s3://%s/%s", l.Bucket, l.Key)
	case LocationGCS:
		return fmt.Sprintf("gs://%s/%s", l.Bucket, l.Key)
	case LocationAzure:
		return fmt.Sprintf("azblob://%s/%s", l.Bucket, l.Key)
	case LocationGDrive:
		return fmt.Sprintf("gdrive://%s/%s", l.Bucket, l.Key)
	default:
		return l.Key
	}
}

type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Storage persists named blobs. Keys are relative to the backend's root or prefix.
type Storage interface {
	Name() string
	// Put writes r under key. Either the whole stream becomes visible or nothing does.
	Put(ctx context.Context, key string, r io.Reader) (Location, error)
	// Promote moves a finished staging object to its final key without overwriting.
	Promote(ctx context.Context, stagingKey, key string) (Location, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	List(ctx context.Context) ([]ObjectInfo, error)
	// Delete removes key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

// Presigner is implemented by backends that can hand out time-limited download URLs.
type Presigner interface {
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// SpaceReporter is implemented by backends that know their free capacity.
type SpaceReporter interface {
	FreeSpace(ctx context.Context) (uint64, error)
}
