package compressor

import (
	"errors"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/semmidev/dbvault/internal/domain"
)

type GzipCompressor struct {
	level int
}

// NewGzip returns a gzip compressor. Levels outside gzip's range fall back to the default level.
func NewGzip(level int) *GzipCompressor {
	if level < gzip.DefaultCompression || level > gzip.BestCompression {
		level = gzip.DefaultCompression
	}
	return &GzipCompressor{level: level}
}

func (g *GzipCompressor) Extension() string { return ".gz" }

func (g *GzipCompressor) Algorithm() string { return "gzip" }

// Compress encodes src on a goroutine and returns the read side of the pipe.
func (g *GzipCompressor) Compress(src io.Reader) io.ReadCloser {
	pr, pw := io.Pipe()

	go func() {
		gzipWriter, err := gzip.NewWriterLevel(pw, g.level)
		if err != nil {
			pw.CloseWithError(domain.CompressionError("failed to create gzip writer", err))
			return
		}

		if _, err := io.Copy(gzipWriter, src); err != nil {
			// src errors (a failed dump) and reader-side closes pass through untouched.
			pw.CloseWithError(err)
			return
		}
		if err := gzipWriter.Close(); err != nil {
			pw.CloseWithError(domain.CompressionError("failed to finish gzip stream", err))
			return
		}
		pw.Close()
	}()

	return pr
}

// Decompress reads the gzip header from src right away so that foreign data fails early.
func (g *GzipCompressor) Decompress(src io.Reader) (io.ReadCloser, error) {
	source := &sourceReader{r: src}

	gzipReader, err := gzip.NewReader(source)
	if err != nil {
		if source.err != nil {
			return nil, source.err
		}
		return nil, domain.CompressionError("failed to create gzip reader", err)
	}

	return &decompressReader{zr: gzipReader, source: source}, nil
}

// sourceReader remembers the last non-EOF error of the wrapped reader so it
// can be told apart from a corrupt stream.
type sourceReader struct {
	r   io.Reader
	err error
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && err != io.EOF {
		s.err = err
	}
	return n, err
}

type decompressReader struct {
	zr     *gzip.Reader
	source *sourceReader
}

func (d *decompressReader) Read(p []byte) (int, error) {
	n, err := d.zr.Read(p)
	if err == nil || err == io.EOF {
		return n, err
	}
	if d.source.err != nil {
		return n, d.source.err
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return n, domain.CompressionError("truncated gzip stream", err)
	}
	return n, domain.CompressionError("corrupt gzip stream", err)
}

func (d *decompressReader) Close() error {
	return d.zr.Close()
}
