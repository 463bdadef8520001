package aggregate

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"

	"github.com/getsentry/apmcore/internal/errorutil"
	"github.com/getsentry/apmcore/internal/timer"
	"github.com/getsentry/apmcore/internal/timeutil"
	"github.com/getsentry/apmcore/internal/trace"
)

type (
	// Window is a closed aggregation window: one aggregated timer tree per
	// transaction type, plus the async tree of the types that had async
	// entries.
	Window struct {
		Start           timeutil.Time          `json:"start"`
		End             timeutil.Time          `json:"end"`
		Aggregates      map[string]*timer.Node `json:"aggregates"`
		AsyncAggregates map[string]*timer.Node `json:"async_aggregates,omitempty"`
	}

	// Sink receives every closed window.
	Sink interface {
		Write(ctx context.Context, w Window) error
	}

	// Collector keeps the aggregates of the current window, one per
	// transaction type, and hands closed windows to its sinks.
	Collector struct {
		sinks []Sink
		hub   *sentry.Hub
		now   func() time.Time

		// held for reading while merging, for writing while swapping windows
		mu         sync.RWMutex
		start      time.Time
		aggregates map[string]*Aggregate
		// guards creation of new entries in aggregates under mu.RLock
		createMu sync.Mutex
	}
)

func NewCollector(hub *sentry.Hub, sinks ...Sink) *Collector {
	c := &Collector{
		sinks: sinks,
		hub:   hub,
		now:   time.Now,
	}
	c.start = c.now()
	c.aggregates = make(map[string]*Aggregate)
	return c
}

// Complete implements trace.Completer.
func (c *Collector) Complete(tx *trace.Transaction) {
	err := c.Add(tx.TransactionType(), tx.MainTimer(), tx.AsyncTimers()...)
	if err != nil {
		log.Err(err).Str("transaction_id", tx.ID()).Str("transaction_type", tx.TransactionType()).Msg("dropping transaction timers")
		if c.hub != nil {
			c.hub.CaptureException(err)
		}
	}
}

// Add folds the timers of one completed trace into the aggregate of its
// transaction type in the current window. A rejected trace doesn't open an
// aggregate for its type.
func (c *Collector) Add(transactionType string, main timer.View, async ...timer.View) error {
	if err := validateTrace(main, async); err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	c.aggregateLocked(transactionType).add(main, async)
	return nil
}

func (c *Collector) aggregateLocked(transactionType string) *Aggregate {
	c.createMu.Lock()
	defer c.createMu.Unlock()
	a, ok := c.aggregates[transactionType]
	if !ok {
		a = New(transactionType)
		c.aggregates[transactionType] = a
	}
	return a
}

// Current returns a snapshot of the current window's aggregate for
// transactionType.
func (c *Collector) Current(transactionType string) (*timer.Node, error) {
	a, err := c.lookup(transactionType)
	if err != nil {
		return nil, err
	}
	return a.Snapshot(), nil
}

// CurrentAsync returns a snapshot of the async tree of the current window's
// aggregate for transactionType.
func (c *Collector) CurrentAsync(transactionType string) (*timer.Node, error) {
	a, err := c.lookup(transactionType)
	if err != nil {
		return nil, err
	}
	return a.AsyncSnapshot(), nil
}

func (c *Collector) lookup(transactionType string) (*Aggregate, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	c.createMu.Lock()
	a, ok := c.aggregates[transactionType]
	c.createMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("aggregate: %w: transaction type %q", errorutil.ErrNoResults, transactionType)
	}
	return a, nil
}

// TransactionTypes lists the transaction types seen in the current window.
func (c *Collector) TransactionTypes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	c.createMu.Lock()
	defer c.createMu.Unlock()
	types := make([]string, 0, len(c.aggregates))
	for t := range c.aggregates {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Flush closes the current window and writes it to every sink. An empty
// window is not written. Every sink is tried; the first error is returned.
func (c *Collector) Flush(ctx context.Context) error {
	c.mu.Lock()
	aggregates := c.aggregates
	w := Window{
		Start:      timeutil.Time(c.start),
		End:        timeutil.Time(c.now()),
		Aggregates: make(map[string]*timer.Node, len(aggregates)),
	}
	c.aggregates = make(map[string]*Aggregate)
	c.start = w.End.Time()
	c.mu.Unlock()

	if len(aggregates) == 0 {
		return nil
	}
	// no merge can be in flight against the swapped out aggregates anymore
	for t, a := range aggregates {
		w.Aggregates[t] = a.root
		if len(a.asyncRoot.Children) > 0 {
			if w.AsyncAggregates == nil {
				w.AsyncAggregates = make(map[string]*timer.Node)
			}
			w.AsyncAggregates[t] = a.asyncRoot
		}
	}

	var firstErr error
	for _, s := range c.sinks {
		if err := s.Write(ctx, w); err != nil {
			log.Err(err).Str("sink", fmt.Sprintf("%T", s)).Msg("can't write aggregation window")
			if c.hub != nil {
				c.hub.CaptureException(err)
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Run flushes the current window every interval until ctx is done, then
// flushes one last time.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_ = c.Flush(shutdownCtx)
			cancel()
			return
		case <-ticker.C:
			_ = c.Flush(ctx)
		}
	}
}
