package trace

import (
	"fmt"

	"github.com/getsentry/apmcore/internal/errorutil"
)

var (
	// ErrEntryClosed is returned when a trace entry is used after it ended.
	ErrEntryClosed = fmt.Errorf("trace: %w: trace entry already ended", errorutil.ErrMisuse)
	// ErrTransactionEnded is returned when an entry is started after the
	// root entry of its transaction ended.
	ErrTransactionEnded = fmt.Errorf("trace: %w: transaction already ended", errorutil.ErrMisuse)
)

type entryState int

const (
	stateOpen entryState = iota
	stateSyncStopped
	stateClosed
)

type (
	// TraceEntry is one timed unit of work within a transaction.
	TraceEntry interface {
		MessageSupplier() MessageSupplier
		// End stops the entry's timer. Ending an entry twice returns
		// ErrEntryClosed.
		End() error
		// EndWithError is End, recording the cause of a failed unit of work.
		EndWithError(cause error) error
		// Err returns the cause recorded by EndWithError.
		Err() error
		// StartTick is the clock tick, in nanoseconds, the entry started at.
		StartTick() int64
		// EndTick is the tick the entry ended at; ok is false while the
		// entry is open.
		EndTick() (tick int64, ok bool)
	}

	// AsyncTraceEntry is a trace entry whose work is handed off to another
	// goroutine. Its synchronous timer covers the time spent on the
	// originating goroutine and can stop before the entry itself ends.
	AsyncTraceEntry interface {
		TraceEntry
		// StopSyncTimer stops the synchronous timer while the entry stays open.
		StopSyncTimer()
		// ExtendSyncTimer adds time to the synchronous timer without
		// extending the trace entry.
		ExtendSyncTimer() (TimerHandle, error)
	}

	// TimerHandle stops a timer extension. Stop is independent of the end of
	// the entry that produced the handle.
	TimerHandle interface {
		Stop()
	}
)

type entry struct {
	tx        *Transaction
	message   MessageSupplier
	timer     *Timer
	startTick int64
	endTick   int64
	state     entryState
	err       error
}

func (e *entry) MessageSupplier() MessageSupplier {
	return e.message
}

func (e *entry) Err() error {
	e.tx.mu.Lock()
	defer e.tx.mu.Unlock()
	return e.err
}

func (e *entry) StartTick() int64 {
	return e.startTick
}

func (e *entry) EndTick() (int64, bool) {
	e.tx.mu.Lock()
	defer e.tx.mu.Unlock()
	return e.endTick, e.state == stateClosed
}

func (e *entry) End() error {
	return e.end(nil)
}

func (e *entry) EndWithError(cause error) error {
	return e.end(cause)
}

func (e *entry) end(cause error) error {
	tx := e.tx
	tx.mu.Lock()
	if e.state == stateClosed {
		tx.mu.Unlock()
		return ErrEntryClosed
	}
	e.closeLocked(cause, tx.clock.Nanotime())
	done := tx.release()
	tx.mu.Unlock()
	if done {
		tx.complete()
	}
	return nil
}

func (e *entry) closeLocked(cause error, tick int64) {
	e.endTick = tick
	e.err = cause
	e.state = stateClosed
	tx := e.tx
	if e == tx.rootEntry {
		tx.endTick = tick
		tx.root.stopAll(tick)
		return
	}
	e.timer.stopAll(tick)
	tx.popCurrent(e.timer)
}

type asyncEntry struct {
	entry
	syncTimer *Timer
}

func (e *asyncEntry) End() error {
	return e.end(nil)
}

func (e *asyncEntry) EndWithError(cause error) error {
	return e.end(cause)
}

func (e *asyncEntry) end(cause error) error {
	tx := e.tx
	tx.mu.Lock()
	if e.state == stateClosed {
		tx.mu.Unlock()
		return ErrEntryClosed
	}
	tick := tx.clock.Nanotime()
	if e.state == stateOpen {
		e.syncTimer.stopAll(tick)
		tx.popCurrent(e.syncTimer)
	}
	e.endTick = tick
	e.err = cause
	e.state = stateClosed
	e.timer.stop(tick)
	done := tx.release()
	tx.mu.Unlock()
	if done {
		tx.complete()
	}
	return nil
}

func (e *asyncEntry) StopSyncTimer() {
	tx := e.tx
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if e.state != stateOpen {
		return
	}
	e.syncTimer.stopAll(tx.clock.Nanotime())
	tx.popCurrent(e.syncTimer)
	e.state = stateSyncStopped
}

func (e *asyncEntry) ExtendSyncTimer() (TimerHandle, error) {
	tx := e.tx
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if e.state == stateClosed {
		return nil, ErrEntryClosed
	}
	parent := e.syncTimer.parent
	if parent == nil {
		parent = e.syncTimer
	}
	ext := &extension{timer: parent.startChild(e.syncTimer.name, true, tx.clock.Nanotime())}
	tx.pending++
	return ext, nil
}

type extension struct {
	timer   *Timer
	stopped bool
}

func (x *extension) Stop() {
	tx := x.timer.tx
	tx.mu.Lock()
	if x.stopped {
		tx.mu.Unlock()
		return
	}
	x.stopped = true
	x.timer.stop(tx.clock.Nanotime())
	done := tx.release()
	tx.mu.Unlock()
	if done {
		tx.complete()
	}
}
