package advice

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"gocloud.dev/blob"

	"github.com/getsentry/apmcore/internal/errorutil"
)

// BundlePrefix starts the name of every bundle written by a BlobLoader.
const BundlePrefix = "config-pointcuts"

var ErrAlreadyDefined = fmt.Errorf("%w: artifact already defined with different content", errorutil.ErrMisuse)

type (
	// Loader installs artifacts into the loading context of the process.
	Loader interface {
		Install(ctx context.Context, artifacts []Artifact) error
	}

	// BundleLoader installs artifacts from a named bundle file into the
	// privileged global loading context.
	BundleLoader interface {
		InstallBundle(ctx context.Context, bundle string, artifacts []Artifact) error
		// PurgeStale removes bundles left by earlier runs.
		PurgeStale(ctx context.Context) error
	}

	// Registry is an in-process loading context. Once defined, an artifact
	// name is bound to its content for the life of the registry.
	Registry struct {
		mu      sync.RWMutex
		defined map[string][]byte
	}

	// ContextLoader installs artifacts straight into a registry.
	ContextLoader struct {
		Registry *Registry
	}

	// BlobLoader writes artifacts as a zip bundle to a bucket and installs
	// them from there.
	BlobLoader struct {
		Bucket   *blob.Bucket
		Registry *Registry
	}
)

func NewRegistry() *Registry {
	return &Registry{defined: make(map[string][]byte)}
}

// Define binds every artifact, or none of them if one conflicts with an
// existing definition. Redefining a name with identical content is a no-op.
func (r *Registry) Define(artifacts []Artifact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range artifacts {
		if existing, ok := r.defined[a.Name]; ok && !bytes.Equal(existing, a.Content) {
			return fmt.Errorf("advice: %w: %s", ErrAlreadyDefined, a.Name)
		}
	}
	for _, a := range artifacts {
		r.defined[a.Name] = append([]byte(nil), a.Content...)
	}
	return nil
}

func (r *Registry) Lookup(name string) ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.defined[name]
	return b, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defined)
}

func (l ContextLoader) Install(_ context.Context, artifacts []Artifact) error {
	return l.Registry.Define(artifacts)
}

func (l *BlobLoader) InstallBundle(ctx context.Context, bundle string, artifacts []Artifact) error {
	if err := l.writeBundle(ctx, bundle, artifacts); err != nil {
		return fmt.Errorf("advice: writing bundle %s: %w", bundle, err)
	}
	loaded, err := l.readBundle(ctx, bundle)
	if err != nil {
		return fmt.Errorf("advice: reading bundle %s: %w", bundle, err)
	}
	return l.Registry.Define(loaded)
}

func (l *BlobLoader) PurgeStale(ctx context.Context) error {
	iter := l.Bucket.List(&blob.ListOptions{Prefix: BundlePrefix})
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if obj.IsDir {
			continue
		}
		if err := l.Bucket.Delete(ctx, obj.Key); err != nil {
			return fmt.Errorf("advice: deleting stale bundle %s: %w", obj.Key, err)
		}
	}
}

func (l *BlobLoader) writeBundle(ctx context.Context, bundle string, artifacts []Artifact) error {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, a := range artifacts {
		w, err := zw.Create(a.Name)
		if err != nil {
			return err
		}
		if _, err := w.Write(a.Content); err != nil {
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return l.Bucket.WriteAll(ctx, bundle, buf.Bytes(), &blob.WriterOptions{
		ContentType: "application/java-archive",
	})
}

func (l *BlobLoader) readBundle(ctx context.Context, bundle string) ([]Artifact, error) {
	b, err := l.Bucket.ReadAll(ctx, bundle)
	if err != nil {
		return nil, err
	}
	zr, err := zip.NewReader(bytes.NewReader(b), int64(len(b)))
	if err != nil {
		return nil, err
	}
	artifacts := make([]Artifact, 0, len(zr.File))
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, Artifact{Name: f.Name, Content: content})
	}
	return artifacts, nil
}
