package trace

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/getsentry/apmcore/internal/timer"
)

type (
	// Clock supplies monotonic ticks in nanoseconds.
	Clock interface {
		Nanotime() int64
	}

	// Completer receives a transaction once all of its entries and timer
	// extensions have ended.
	Completer interface {
		Complete(tx *Transaction)
	}

	// CompleterFunc adapts a function to a Completer.
	CompleterFunc func(tx *Transaction)

	// MessageSupplier lazily renders the description of a trace entry.
	MessageSupplier func() string

	// Option configures a Transaction.
	Option func(*Transaction)
)

func (f CompleterFunc) Complete(tx *Transaction) {
	f(tx)
}

type monotonicClock struct {
	origin time.Time
}

func (c monotonicClock) Nanotime() int64 {
	return int64(time.Since(c.origin))
}

// WithClock overrides the clock used for every timer of the transaction.
func WithClock(c Clock) Option {
	return func(tx *Transaction) {
		tx.clock = c
	}
}

// Transaction is one trace: the root entry, its nested entries and the
// timer tree they produce. A transaction is owned by the goroutine that
// started it, plus whichever goroutines continue its async entries.
type Transaction struct {
	id              uuid.UUID
	transactionType string
	name            string
	completer       Completer

	mu         sync.Mutex
	clock      Clock
	root       *Timer
	current    *Timer
	asyncRoots []*Timer
	rootEntry  *entry
	// entries and timer extensions not yet ended, the root entry included
	pending   int
	completed bool
	startTick int64
	endTick   int64
}

// Start begins a transaction and returns its root trace entry. Ending the
// root entry stops every timer still running on the synchronous path.
func Start(completer Completer, transactionType, name string, message MessageSupplier, timerName string, opts ...Option) (*Transaction, TraceEntry) {
	tx := &Transaction{
		id:              uuid.New(),
		transactionType: transactionType,
		name:            name,
		completer:       completer,
		clock:           monotonicClock{origin: time.Now()},
	}
	for _, opt := range opts {
		opt(tx)
	}
	tx.startTick = tx.clock.Nanotime()
	tx.root = &Timer{tx: tx, name: timerName}
	tx.root.start(tx.startTick)
	tx.current = tx.root
	tx.rootEntry = &entry{
		tx:        tx,
		message:   message,
		timer:     tx.root,
		startTick: tx.startTick,
	}
	tx.pending = 1
	return tx, tx.rootEntry
}

func (tx *Transaction) ID() string {
	return tx.id.String()
}

func (tx *Transaction) TransactionType() string {
	return tx.transactionType
}

func (tx *Transaction) Name() string {
	return tx.name
}

// Completed reports whether the transaction was handed to its completer.
func (tx *Transaction) Completed() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.completed
}

// DurationNanos is the elapsed time between the start of the transaction
// and the end of its root entry.
func (tx *Transaction) DurationNanos() int64 {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.rootEntry.state != stateClosed {
		return tx.clock.Nanotime() - tx.startTick
	}
	return tx.endTick - tx.startTick
}

// MainTimer returns the root timer of the synchronous path. It stands for
// the whole transaction.
func (tx *Transaction) MainTimer() timer.View {
	return tx.root
}

// AsyncTimers returns the root timer of every async entry, in start order.
// They are kept apart from the main timer so aggregates count each
// transaction once.
func (tx *Transaction) AsyncTimers() []timer.View {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	views := make([]timer.View, 0, len(tx.asyncRoots))
	for _, t := range tx.asyncRoots {
		views = append(views, t)
	}
	return views
}

// StartTraceEntry starts a synchronous entry nested under the current timer.
func (tx *Transaction) StartTraceEntry(message MessageSupplier, timerName string) (TraceEntry, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.rootEntry.state == stateClosed {
		return nil, ErrTransactionEnded
	}
	tick := tx.clock.Nanotime()
	e := &entry{
		tx:        tx,
		message:   message,
		timer:     tx.current.startChild(timerName, false, tick),
		startTick: tick,
	}
	tx.current = e.timer
	tx.pending++
	return e, nil
}

// StartAsyncTraceEntry starts an entry whose work continues on another
// goroutine. The synchronous timer is nested under the current timer and
// the async timer gets its own root.
func (tx *Transaction) StartAsyncTraceEntry(message MessageSupplier, syncTimerName, asyncTimerName string) (AsyncTraceEntry, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.rootEntry.state == stateClosed {
		return nil, ErrTransactionEnded
	}
	tick := tx.clock.Nanotime()
	asyncTimer := &Timer{tx: tx, name: asyncTimerName}
	asyncTimer.start(tick)
	tx.asyncRoots = append(tx.asyncRoots, asyncTimer)
	e := &asyncEntry{
		entry: entry{
			tx:        tx,
			message:   message,
			timer:     asyncTimer,
			startTick: tick,
		},
		syncTimer: tx.current.startChild(syncTimerName, false, tick),
	}
	tx.current = e.syncTimer
	tx.pending++
	return e, nil
}

// popCurrent moves the current timer back to the parent of t when the
// current timer is t or nested below it.
func (tx *Transaction) popCurrent(t *Timer) {
	if t.parent == nil {
		return
	}
	for c := tx.current; c != nil; c = c.parent {
		if c == t {
			tx.current = t.parent
			return
		}
	}
}

// release drops one pending reference and reports whether the transaction
// just completed. Must be called with tx.mu held; the caller hands the
// transaction to complete after unlocking.
func (tx *Transaction) release() bool {
	tx.pending--
	if tx.pending > 0 || tx.completed {
		return false
	}
	tx.completed = true
	return true
}

func (tx *Transaction) complete() {
	if tx.completer != nil {
		tx.completer.Complete(tx)
	}
}
