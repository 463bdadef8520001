package trace

import (
	"github.com/getsentry/apmcore/internal/timer"
)

// Timer is a live timer of an in-flight transaction. All fields are guarded
// by the owning transaction's mutex.
type Timer struct {
	tx       *Transaction
	parent   *Timer
	name     string
	extended bool

	startTick  int64
	totalNanos int64
	count      int64
	running    bool

	children []*Timer
}

func (t *Timer) start(tick int64) {
	t.startTick = tick
	t.running = true
	t.count++
}

func (t *Timer) stop(tick int64) {
	if !t.running {
		return
	}
	t.totalNanos += tick - t.startTick
	t.running = false
}

// stopAll stops t and everything still running below it. Extended timers
// are left to the handle that started them.
func (t *Timer) stopAll(tick int64) {
	for _, c := range t.children {
		if !c.extended {
			c.stopAll(tick)
		}
	}
	t.stop(tick)
}

// startChild starts a child timer, reusing a stopped child with the same
// name and extended flag so loops do not grow the tree.
func (t *Timer) startChild(name string, extended bool, tick int64) *Timer {
	for _, c := range t.children {
		if c.name == name && c.extended == extended && !c.running {
			c.start(tick)
			return c
		}
	}
	c := &Timer{tx: t.tx, parent: t, name: name, extended: extended}
	t.children = append(t.children, c)
	c.start(tick)
	return c
}

func (t *Timer) TimerName() string { return t.name }
func (t *Timer) IsExtended() bool  { return t.extended }
func (t *Timer) TotalCount() int64 { return t.count }

// TotalMicros includes the elapsed time of a timer that is still running.
func (t *Timer) TotalMicros() int64 {
	nanos := t.totalNanos
	if t.running {
		nanos += t.tx.clock.Nanotime() - t.startTick
	}
	return nanos / 1000
}

func (t *Timer) ChildViews() []timer.View {
	views := make([]timer.View, len(t.children))
	for i, c := range t.children {
		views[i] = c
	}
	return views
}
