package advice

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/getsentry/apmcore/internal/config"
)

// bundleCounter is shared by every cache of the process so bundle names
// never repeat within a process lifetime.
var bundleCounter atomic.Int64

type (
	// Cache holds the advice in effect: the fixed advice of statically
	// loaded extensions followed by the advice generated from the current
	// pointcut configuration.
	Cache struct {
		fixed        []*Advice
		generator    Generator
		loader       Loader
		bundleLoader BundleLoader

		// serializes Refresh
		mu      sync.Mutex
		current atomic.Pointer[snapshot]
	}

	// snapshot is never modified once published.
	snapshot struct {
		advisors   []*Advice
		reweavable []*Advice
		versions   map[string]struct{}
	}

	Option func(*Cache)
)

// WithLoader installs generated artifacts in-process.
func WithLoader(l Loader) Option {
	return func(c *Cache) {
		c.loader = l
	}
}

// WithBundleLoader installs generated artifacts through a bundle file.
// It takes precedence over WithLoader.
func WithBundleLoader(l BundleLoader) Option {
	return func(c *Cache) {
		c.bundleLoader = l
	}
}

// New builds the cache and installs the advice generated from pointcuts,
// purging bundles left by earlier runs.
func New(
	ctx context.Context,
	fixed []*Advice,
	pointcuts []config.PointcutConfig,
	generator Generator,
	opts ...Option,
) (*Cache, error) {
	c := &Cache{
		fixed:     append([]*Advice(nil), fixed...),
		generator: generator,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.generator == nil {
		return nil, errors.New("advice: a generator is required")
	}
	if c.loader == nil && c.bundleLoader == nil {
		return nil, errors.New("advice: a loader is required")
	}
	if err := c.Refresh(ctx, pointcuts, true); err != nil {
		return nil, err
	}
	return c, nil
}

// Refresh regenerates and installs the advice for pointcuts, then publishes
// the new set. On error the previous set stays in effect.
func (c *Cache) Refresh(ctx context.Context, pointcuts []config.PointcutConfig, cleanStale bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	generated, err := c.generator.Generate(ctx, pointcuts)
	if err != nil {
		return fmt.Errorf("advice: generating: %w", err)
	}
	reweavable := make([]*Advice, 0, len(generated))
	artifacts := make([]Artifact, 0, len(generated))
	for _, g := range generated {
		reweavable = append(reweavable, g.Advice)
		artifacts = append(artifacts, g.Artifact)
	}

	if err := c.install(ctx, artifacts, cleanStale); err != nil {
		return err
	}

	advisors := make([]*Advice, 0, len(c.fixed)+len(reweavable))
	advisors = append(advisors, c.fixed...)
	advisors = append(advisors, reweavable...)
	c.current.Store(&snapshot{
		advisors:   advisors,
		reweavable: reweavable,
		versions:   versions(pointcuts),
	})
	log.Info().
		Int("fixed", len(c.fixed)).
		Int("reweavable", len(reweavable)).
		Msg("advice refreshed")
	return nil
}

func (c *Cache) install(ctx context.Context, artifacts []Artifact, cleanStale bool) error {
	if c.bundleLoader == nil {
		if err := c.loader.Install(ctx, artifacts); err != nil {
			return fmt.Errorf("advice: installing: %w", err)
		}
		return nil
	}
	if cleanStale {
		if err := c.bundleLoader.PurgeStale(ctx); err != nil {
			return fmt.Errorf("advice: purging stale bundles: %w", err)
		}
	}
	if len(artifacts) == 0 {
		return nil
	}
	bundle := bundleName(bundleCounter.Add(1))
	if err := c.bundleLoader.InstallBundle(ctx, bundle, artifacts); err != nil {
		return fmt.Errorf("advice: installing %s: %w", bundle, err)
	}
	return nil
}

func bundleName(n int64) string {
	if n > 1 {
		return BundlePrefix + "-" + strconv.FormatInt(n, 10) + ".jar"
	}
	return BundlePrefix + ".jar"
}

// IsStale reports whether pointcuts differ from the configuration the
// current advice was generated from. Order and duplicates are ignored.
func (c *Cache) IsStale(pointcuts []config.PointcutConfig) bool {
	current := c.current.Load().versions
	next := versions(pointcuts)
	if len(current) != len(next) {
		return true
	}
	for v := range next {
		if _, ok := current[v]; !ok {
			return true
		}
	}
	return false
}

// Current returns the advice in effect, fixed advice first.
func (c *Cache) Current() []*Advice {
	return append([]*Advice(nil), c.current.Load().advisors...)
}

// Reweavable returns only the advice generated from configuration.
func (c *Cache) Reweavable() []*Advice {
	return append([]*Advice(nil), c.current.Load().reweavable...)
}

// AdvisorsSupplier returns a function reading the advice in effect at the
// time it is called.
func (c *Cache) AdvisorsSupplier() func() []*Advice {
	return c.Current
}

func versions(pointcuts []config.PointcutConfig) map[string]struct{} {
	v := make(map[string]struct{}, len(pointcuts))
	for _, p := range pointcuts {
		v[p.Version()] = struct{}{}
	}
	return v
}
