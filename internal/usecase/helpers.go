package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"time"

	"github.com/semmidev/dbvault/internal/domain"
)

// cleanupTimeout bounds best-effort removal of leftovers after a failed job.
const cleanupTimeout = 30 * time.Second

type Logger interface {
	Infof(template string, args ...interface{})
	Errorf(template string, args ...interface{})
	Warnf(template string, args ...interface{})
	Debugf(template string, args ...interface{})
}

// Catalog is the artifact index of one storage target.
type Catalog interface {
	Append(ctx context.Context, a domain.Artifact) error
	Lookup(ctx context.Context, id string) (domain.Artifact, error)
	Exists(ctx context.Context, id string) (bool, error)
	List(ctx context.Context) ([]domain.Artifact, error)
	Remove(ctx context.Context, id string) error
	Uncataloged(ctx context.Context) ([]domain.ObjectInfo, error)
}

// Observer receives every finished job, e.g. for metrics.
type Observer interface {
	Observe(e domain.Event)
}

type options struct {
	now      func() time.Time
	timeout  time.Duration
	notifier domain.Notifier
	observer Observer
}

type Option func(*options)

// WithClock replaces time.Now, which names artifacts and stamps them.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithTimeout bounds a whole job.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

func WithNotifier(n domain.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

func newOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// jobContext derives the cancellable context a job runs under.
func (o options) jobContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.timeout > 0 {
		return context.WithTimeout(ctx, o.timeout)
	}
	return context.WithCancel(ctx)
}

// report hands a finished job to the observer and notifier. Notification
// failures are logged and never change the job result.
func (o options) report(ctx context.Context, logger Logger, e domain.Event) {
	if o.observer != nil {
		o.observer.Observe(e)
	}
	if o.notifier == nil {
		return
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := o.notifier.Notify(nctx, e); err != nil {
		logger.Warnf("[%s] Failed to send notification: %v", e.Database, err)
	}
}

// digestReader hashes and counts the bytes read through it.
type digestReader struct {
	r    io.Reader
	hash hash.Hash
	n    int64
}

func newDigestReader(r io.Reader) *digestReader {
	return &digestReader{r: r, hash: sha256.New()}
}

func (d *digestReader) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	if n > 0 {
		d.hash.Write(p[:n])
		d.n += int64(n)
	}
	return n, err
}

func (d *digestReader) Sum() string {
	return hex.EncodeToString(d.hash.Sum(nil))
}

// FormatSize renders bytes the way the logs and the CLI show them.
func FormatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
