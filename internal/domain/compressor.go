package domain

import "io"

type Compressor interface {
	// Compress returns a stream of the encoded bytes of src. Errors from src
	// are returned unchanged from Read.
	Compress(src io.Reader) io.ReadCloser
	Decompress(src io.Reader) (io.ReadCloser, error)
	Extension() string
	Algorithm() string
}
