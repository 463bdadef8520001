package main

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"

	"github.com/getsentry/apmcore/internal/advice"
	"github.com/getsentry/apmcore/internal/config"
)

// refresher polls a configuration source and regenerates advice when the
// pointcuts changed. A failed poll is retried on the next tick only.
type refresher struct {
	source config.Source
	cache  *advice.Cache
	hub    *sentry.Hub
}

// poll reports whether the advice was regenerated.
func (r *refresher) poll(ctx context.Context) (bool, error) {
	pointcuts, err := r.source.Pointcuts(ctx)
	if err != nil {
		return false, err
	}
	if !r.cache.IsStale(pointcuts) {
		return false, nil
	}
	if err := r.cache.Refresh(ctx, pointcuts, false); err != nil {
		return false, err
	}
	return true, nil
}

func (r *refresher) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refreshed, err := r.poll(ctx)
			if err != nil {
				log.Err(err).Msg("can't refresh advice")
				if r.hub != nil {
					r.hub.CaptureException(err)
				}
				continue
			}
			if refreshed {
				log.Info().Int("advisors", len(r.cache.Current())).Msg("pointcut configuration changed")
			}
		}
	}
}
