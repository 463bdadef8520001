package trace

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/getsentry/apmcore/internal/errorutil"
	"github.com/getsentry/apmcore/internal/testutil"
	"github.com/getsentry/apmcore/internal/timer"
)

type manualClock struct {
	mu    sync.Mutex
	nanos int64
}

func (c *manualClock) Nanotime() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nanos
}

func (c *manualClock) advanceMicros(us int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nanos += us * 1000
}

type recorder struct {
	mu        sync.Mutex
	completed []*Transaction
}

func (r *recorder) Complete(tx *Transaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, tx)
}

func message(s string) MessageSupplier {
	return func() string { return s }
}

// snapshot folds the main timer of tx into a plain tree for comparison.
func snapshot(t *testing.T, tx *Transaction) *timer.Node {
	t.Helper()
	root := timer.NewSyntheticRoot()
	if err := root.MergeAsChildTimer(tx.MainTimer()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return root
}

func asyncSnapshot(t *testing.T, tx *Transaction) *timer.Node {
	t.Helper()
	root := timer.NewSyntheticRoot()
	for _, v := range tx.AsyncTimers() {
		if err := root.MergeAsChildTimer(v); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	return root
}

func TestSyncEntries(t *testing.T) {
	clock := &manualClock{}
	rec := &recorder{}
	tx, root := Start(rec, "Web", "/orders", message("GET /orders"), "http request", WithClock(clock))

	clock.advanceMicros(10)
	query, err := tx.StartTraceEntry(message("select"), "jdbc query")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	clock.advanceMicros(30)
	if err := query.End(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	query, err = tx.StartTraceEntry(message("select"), "jdbc query")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	clock.advanceMicros(20)
	if err := query.End(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	clock.advanceMicros(40)
	if len(rec.completed) != 0 {
		t.Fatal("transaction completed before its root entry ended")
	}
	if err := root.End(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(rec.completed) != 1 || rec.completed[0] != tx {
		t.Fatalf("expected the transaction to complete exactly once, got %d", len(rec.completed))
	}
	want := &timer.Node{
		Micros: 100,
		Count:  1,
		Children: []*timer.Node{
			{Name: "http request", Micros: 100, Count: 1, Children: []*timer.Node{
				{Name: "jdbc query", Micros: 50, Count: 2},
			}},
		},
	}
	if diff := testutil.Diff(snapshot(t, tx), want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
	if tx.DurationNanos() != 100_000 {
		t.Fatalf("expected a 100us transaction, got %dns", tx.DurationNanos())
	}
}

func TestDoubleEnd(t *testing.T) {
	rec := &recorder{}
	tx, root := Start(rec, "Web", "/", message("GET /"), "http request")
	entry, err := tx.StartTraceEntry(message("select"), "jdbc query")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := entry.End(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := entry.End(); !errors.Is(err, ErrEntryClosed) || !errors.Is(err, errorutil.ErrMisuse) {
		t.Fatalf("expected ErrEntryClosed, got %v", err)
	}
	if err := root.End(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := root.End(); !errors.Is(err, ErrEntryClosed) {
		t.Fatalf("expected ErrEntryClosed, got %v", err)
	}
	if len(rec.completed) != 1 {
		t.Fatalf("expected one completion, got %d", len(rec.completed))
	}
	if _, err := tx.StartTraceEntry(message("late"), "jdbc query"); !errors.Is(err, ErrTransactionEnded) {
		t.Fatalf("expected ErrTransactionEnded, got %v", err)
	}
}

func TestEndWithError(t *testing.T) {
	tx, root := Start(nil, "Web", "/", message("GET /"), "http request")
	entry, err := tx.StartTraceEntry(message("select"), "jdbc query")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cause := errors.New("connection reset")
	if err := entry.EndWithError(cause); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !errors.Is(entry.Err(), cause) {
		t.Fatalf("expected the cause to be recorded, got %v", entry.Err())
	}
	if err := root.End(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !tx.Completed() {
		t.Fatal("expected the transaction to complete")
	}
}

// syncTimerMicros runs one async entry that is handed off after 10us and
// ends after 100us, optionally stopping its sync timer at the handoff.
func syncTimerMicros(t *testing.T, stopEarly bool) int64 {
	t.Helper()
	clock := &manualClock{}
	tx, root := Start(nil, "Web", "/", message("GET /"), "http request", WithClock(clock))
	entry, err := tx.StartAsyncTraceEntry(message("async call"), "http client", "http client async")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	clock.advanceMicros(10)
	if stopEarly {
		entry.StopSyncTimer()
	}
	clock.advanceMicros(90)
	if err := entry.End(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := root.End(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, c := range tx.root.children {
		if c.name == "http client" && !c.extended {
			return c.TotalMicros()
		}
	}
	t.Fatal("sync timer not found")
	return 0
}

func TestStopSyncTimer(t *testing.T) {
	stopped := syncTimerMicros(t, true)
	full := syncTimerMicros(t, false)
	if stopped != 10 || full != 100 {
		t.Fatalf("expected 10us and 100us, got %dus and %dus", stopped, full)
	}
	if stopped >= full {
		t.Fatal("expected stopping the sync timer early to record less time")
	}
}

func TestAsyncEntryLifecycle(t *testing.T) {
	clock := &manualClock{}
	rec := &recorder{}
	tx, root := Start(rec, "Web", "/", message("GET /"), "http request", WithClock(clock))
	entry, err := tx.StartAsyncTraceEntry(message("async call"), "http client", "http client async")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	clock.advanceMicros(5)
	entry.StopSyncTimer()
	// stopping twice is harmless
	entry.StopSyncTimer()

	ext, err := entry.ExtendSyncTimer()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	clock.advanceMicros(5)
	if err := root.End(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		clock.advanceMicros(20)
		if err := entry.End(); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	}()
	wg.Wait()

	if len(rec.completed) != 0 {
		t.Fatal("transaction completed while a timer extension was still running")
	}
	clock.advanceMicros(3)
	ext.Stop()
	ext.Stop()

	if len(rec.completed) != 1 {
		t.Fatalf("expected one completion, got %d", len(rec.completed))
	}
	if _, err := entry.ExtendSyncTimer(); !errors.Is(err, ErrEntryClosed) {
		t.Fatalf("expected ErrEntryClosed, got %v", err)
	}
	if err := entry.End(); !errors.Is(err, ErrEntryClosed) {
		t.Fatalf("expected ErrEntryClosed, got %v", err)
	}

	// one transaction, the async timer stays out of the main tree
	want := &timer.Node{
		Micros: 10,
		Count:  1,
		Children: []*timer.Node{
			{Name: "http request", Micros: 10, Count: 1, Children: []*timer.Node{
				{Name: "http client", Micros: 5, Count: 1},
				{Name: "http client", Extended: true, Micros: 28, Count: 1},
			}},
		},
	}
	if diff := testutil.Diff(snapshot(t, tx), want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
	wantAsync := &timer.Node{
		Micros: 30,
		Count:  1,
		Children: []*timer.Node{
			{Name: "http client async", Micros: 30, Count: 1},
		},
	}
	if diff := testutil.Diff(asyncSnapshot(t, tx), wantAsync); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}

	if entry.StartTick() != 0 {
		t.Fatalf("expected the async entry to start at 0, got %d", entry.StartTick())
	}
	if end, ok := entry.EndTick(); !ok || end != 30_000 {
		t.Fatalf("expected the async entry to end at 30000ns, got %d (ended %v)", end, ok)
	}
}

func TestEntryTicks(t *testing.T) {
	clock := &manualClock{}
	tx, root := Start(nil, "Web", "/", message("GET /"), "http request", WithClock(clock))
	clock.advanceMicros(4)
	query, err := tx.StartTraceEntry(message("select"), "jdbc query")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := query.EndTick(); ok {
		t.Fatal("expected no end tick while the entry is open")
	}
	clock.advanceMicros(6)
	if err := query.End(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := root.End(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name  string
		entry TraceEntry
		start int64
		end   int64
	}{
		{name: "root", entry: root, start: 0, end: 10_000},
		{name: "nested", entry: query, start: 4_000, end: 10_000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.entry.StartTick(); got != tt.start {
				t.Fatalf("StartTick() = %d, want %d", got, tt.start)
			}
			end, ok := tt.entry.EndTick()
			if !ok || end != tt.end {
				t.Fatalf("EndTick() = %d, %v, want %d", end, ok, tt.end)
			}
		})
	}
}

func TestNestedEntryEndedByRoot(t *testing.T) {
	clock := &manualClock{}
	rec := &recorder{}
	tx, root := Start(rec, "Web", "/", message("GET /"), "http request", WithClock(clock))
	entry, err := tx.StartTraceEntry(message("select"), "jdbc query")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	clock.advanceMicros(7)
	if err := root.End(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	clock.advanceMicros(7)
	if err := entry.End(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rec.completed) != 1 {
		t.Fatalf("expected one completion, got %d", len(rec.completed))
	}
	if got := tx.root.children[0].TotalMicros(); got != 7 {
		t.Fatalf("expected the nested timer to stop with the root, got %dus", got)
	}
}

func TestContext(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Fatal("expected no transaction in an empty context")
	}
	tx, root := Start(nil, "Web", "/", func() string { return "GET /" }, "http request")
	defer root.End()
	got, ok := FromContext(NewContext(context.Background(), tx))
	if !ok || got != tx {
		t.Fatalf("expected the stored transaction, got %v", got)
	}
}
