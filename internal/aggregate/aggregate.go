package aggregate

import (
	"sync"

	"github.com/getsentry/apmcore/internal/timer"
)

// Aggregate is a long-lived timer tree accumulating the timers of every
// trace completed within one aggregation scope. Async root timers go to a
// separate tree so the main root counts each trace once. All mutations
// serialize on a mutex scoped to the aggregate.
type Aggregate struct {
	TransactionType string

	mu        sync.Mutex
	root      *timer.Node
	asyncRoot *timer.Node
}

func New(transactionType string) *Aggregate {
	return &Aggregate{
		TransactionType: transactionType,
		root:            timer.NewSyntheticRoot(),
		asyncRoot:       timer.NewSyntheticRoot(),
	}
}

// validateTrace checks every timer of a trace up front so a rejected trace
// leaves no partial merge behind.
func validateTrace(main timer.View, async []timer.View) error {
	if err := timer.Validate(main); err != nil {
		return err
	}
	for _, v := range async {
		if err := timer.Validate(v); err != nil {
			return err
		}
	}
	return nil
}

// Add folds the main timer and the async root timers of one completed
// trace into the aggregate.
func (a *Aggregate) Add(main timer.View, async ...timer.View) error {
	if err := validateTrace(main, async); err != nil {
		return err
	}
	a.add(main, async)
	return nil
}

// add expects validated timers.
func (a *Aggregate) add(main timer.View, async []timer.View) {
	a.mu.Lock()
	defer a.mu.Unlock()
	// validated, the merges can't fail
	_ = a.root.MergeAsChildTimer(main)
	for _, v := range async {
		_ = a.asyncRoot.MergeAsChildTimer(v)
	}
}

// Merge folds other into a. other is drained: its trees are moved into a
// and it restarts empty.
func (a *Aggregate) Merge(other *Aggregate) error {
	if a == other {
		return nil
	}
	other.mu.Lock()
	src, asyncSrc := other.root, other.asyncRoot
	other.root, other.asyncRoot = timer.NewSyntheticRoot(), timer.NewSyntheticRoot()
	other.mu.Unlock()

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.root.MergeMatchedTimer(src); err != nil {
		return err
	}
	return a.asyncRoot.MergeMatchedTimer(asyncSrc)
}

// Snapshot returns a deep copy of the main tree.
func (a *Aggregate) Snapshot() *timer.Node {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.root.Clone()
}

// AsyncSnapshot returns a deep copy of the async tree.
func (a *Aggregate) AsyncSnapshot() *timer.Node {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.asyncRoot.Clone()
}
