package storageprovider

import (
	"context"
	"errors"
	"io"

	"cloud.google.com/go/storage"

	"github.com/getsentry/apmcore/internal/storageutil"
)

// Gcs implements storageutil.ObjectHandler for a Google Cloud Storage bucket.
type Gcs struct {
	BucketHandle *storage.BucketHandle
}

// Put writes a file to the storage provider with name being the path.
// Objects are lz4 framed JSON, so the content type is set accordingly.
func (g *Gcs) Put(ctx context.Context, name string) (io.WriteCloser, error) {
	w := g.BucketHandle.Object(name).NewWriter(ctx)
	w.ContentType = "application/x-lz4"
	return w, nil
}

// Get reads a file from the storage provider with name being the path.
// If a key was not found, it will return ErrObjectNotFound.
func (g *Gcs) Get(ctx context.Context, name string) (storageutil.ReadSizeCloser, error) {
	r, err := g.BucketHandle.Object(name).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, storageutil.ErrObjectNotFound
		}
		return nil, err
	}
	return r, nil
}
