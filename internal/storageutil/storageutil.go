package storageutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/goccy/go-json"
	"github.com/pierrec/lz4/v4"
)

// ErrObjectNotFound indicates an object was not found.
var ErrObjectNotFound = errors.New("object not found")

// ObjectTimeout bounds a single read or write of a stored object.
const ObjectTimeout = 5 * time.Second

type ReadSizeCloser interface {
	io.Reader
	io.Closer
	Size() int64
}

// ObjectHandler provides common interface for multiple storage providers.
type ObjectHandler interface {
	// Put writes a file to the storage provider with name being the path.
	Put(ctx context.Context, name string) (io.WriteCloser, error)
	// Get reads a file from the storage provider with name being the path.
	// If a key was not found, it will return ErrObjectNotFound.
	Get(ctx context.Context, name string) (ReadSizeCloser, error)
}

// Encoding is the compression applied to a stored JSON document. It is
// derived from the object name so readers never need side metadata.
type Encoding string

const (
	EncodingNone   Encoding = ""
	EncodingLZ4    Encoding = "lz4"
	EncodingBrotli Encoding = "br"
)

// EncodingOf returns the encoding implied by name's extension.
func EncodingOf(name string) Encoding {
	switch path.Ext(name) {
	case ".lz4":
		return EncodingLZ4
	case ".br":
		return EncodingBrotli
	default:
		return EncodingNone
	}
}

// ObjectName joins prefix and base and appends the extension for enc.
func ObjectName(prefix, base string, enc Encoding) string {
	name := path.Join(prefix, base)
	if enc != EncodingNone {
		name += "." + string(enc)
	}
	return name
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func encoder(w io.Writer, enc Encoding) io.WriteCloser {
	switch enc {
	case EncodingLZ4:
		zw := lz4.NewWriter(w)
		_ = zw.Apply(lz4.CompressionLevelOption(lz4.Level9))
		return zw
	case EncodingBrotli:
		return brotli.NewWriterLevel(w, brotli.DefaultCompression)
	default:
		return nopWriteCloser{w}
	}
}

func decoder(r io.Reader, enc Encoding) io.Reader {
	switch enc {
	case EncodingLZ4:
		return lz4.NewReader(r)
	case EncodingBrotli:
		return brotli.NewReader(r)
	default:
		return r
	}
}

// WriteObject encodes d as JSON and stores it under name, compressed
// according to the name's extension.
func WriteObject(ctx context.Context, b ObjectHandler, name string, d interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, ObjectTimeout)
	defer cancel()

	ow, err := b.Put(ctx, name)
	if err != nil {
		return err
	}
	zw := encoder(ow, EncodingOf(name))
	if err := json.NewEncoder(zw).Encode(d); err != nil {
		_ = ow.Close()
		return fmt.Errorf("encode %s: %w", name, err)
	}
	if err := zw.Close(); err != nil {
		_ = ow.Close()
		return err
	}
	return ow.Close()
}

// ReadObject reads the object stored under name, decompressing it
// according to the name's extension, and unmarshals it into d.
func ReadObject(ctx context.Context, b ObjectHandler, name string, d interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, ObjectTimeout)
	defer cancel()

	or, err := b.Get(ctx, name)
	if err != nil {
		return err
	}
	defer or.Close()
	if err := json.NewDecoder(decoder(or, EncodingOf(name))).Decode(d); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}
