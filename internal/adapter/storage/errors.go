package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/semmidev/dbvault/internal/domain"
	"github.com/semmidev/dbvault/internal/infrastructure/retry"
)

// sourceReader records read errors coming from the stream being stored, so a
// failing dump is reported as itself rather than as a storage failure.
type sourceReader struct {
	r   io.Reader
	err error
}

func newSourceReader(r io.Reader) *sourceReader {
	return &sourceReader{r: r}
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && err != io.EOF {
		s.err = err
	}
	return n, err
}

// putError prefers the source's own error over whatever the backend made of it.
func putError(src *sourceReader, err error, classify func(error) error) error {
	if src.err != nil {
		return src.err
	}
	return classify(err)
}

// retrier runs idempotent backend calls with backoff; only transient failures are retried.
type retrier struct {
	opts retry.Options
}

func (r retrier) do(ctx context.Context, fn func(context.Context) error) error {
	return retry.Do(ctx, r.opts, domain.IsTransient, fn)
}

// classifyCommon handles failures every backend treats the same way. ok is false
// when the backend has to decide.
func classifyCommon(backend, op string, err error) (error, bool) {
	var dErr *domain.Error
	if errors.As(err, &dErr) {
		return err, true
	}
	if errors.Is(err, context.Canceled) {
		return err, true
	}
	msg := fmt.Sprintf("%s %s", backend, op)
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.TransientStorageError(msg+" timed out", err), true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return domain.TransientStorageError(msg+" failed", err), true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || isConnReset(err) {
		return domain.TransientStorageError(msg+" interrupted", err), true
	}
	return nil, false
}

func isConnReset(err error) bool {
	s := err.Error()
	return strings.Contains(s, "connection reset") || strings.Contains(s, "broken pipe")
}

func isStatusTransient(status int) bool {
	return status == 408 || status == 429 || status >= 500
}

// contentType picks the object content type from the key suffix.
func contentType(key string) string {
	if strings.HasSuffix(key, domain.ManifestSuffix) {
		return "application/json"
	}
	return "application/gzip"
}
