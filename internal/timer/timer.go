package timer

import (
	"fmt"

	"github.com/getsentry/apmcore/internal/errorutil"
)

var errDataIntegrityUnnamed = fmt.Errorf("timer: %w: only the synthetic root may have an empty name", errorutil.ErrDataIntegrity)

// View is the read-only surface of a timer tree node, shared by aggregated
// nodes and the live timers of an in-flight trace.
type View interface {
	TimerName() string
	IsExtended() bool
	TotalMicros() int64
	TotalCount() int64
	ChildViews() []View
}

// Node is a timer tree node. The name is only empty for the synthetic root.
//
// Durations are accumulated in microseconds so that a node can take centuries
// of continuous traffic before an int64 rolls over.
type Node struct {
	Name     string  `json:"name,omitempty"`
	Extended bool    `json:"extended"`
	Micros   int64   `json:"totalMicros"`
	Count    int64   `json:"count"`
	Children []*Node `json:"childNodes"`
}

type key struct {
	name     string
	extended bool
}

// NewSyntheticRoot returns an empty root for an aggregation scope.
func NewSyntheticRoot() *Node {
	return &Node{Children: []*Node{}}
}

func newNode(name string, extended bool) *Node {
	return &Node{Name: name, Extended: extended, Children: []*Node{}}
}

func (n *Node) TimerName() string  { return n.Name }
func (n *Node) IsExtended() bool   { return n.Extended }
func (n *Node) TotalMicros() int64 { return n.Micros }
func (n *Node) TotalCount() int64  { return n.Count }

func (n *Node) ChildViews() []View {
	views := make([]View, len(n.Children))
	for i, c := range n.Children {
		views[i] = c
	}
	return views
}

// IsSyntheticRoot reports whether n is the root of an aggregation scope.
func (n *Node) IsSyntheticRoot() bool {
	return n.Name == ""
}

func (n *Node) key() key {
	return key{name: n.Name, extended: n.Extended}
}

// findChild returns the first child matching k. Fan-out is bounded by the
// number of distinct timer names nested under one call site, so a linear
// scan is fine.
func (n *Node) findChild(k key) *Node {
	for _, c := range n.Children {
		if c.Name == k.name && c.Extended == k.extended {
			return c
		}
	}
	return nil
}

// MergeMatchedTimer merges src, which is already known to match n, into n.
//
// Children of src without a counterpart in n are adopted as they are, so
// ownership of those subtrees moves to n and the caller must stop using src.
func (n *Node) MergeMatchedTimer(src *Node) error {
	if err := validateChildren(src); err != nil {
		return err
	}
	n.mergeMatched(src)
	return nil
}

func (n *Node) mergeMatched(src *Node) {
	// snapshot src state first, src may be n itself
	count, micros, children := src.Count, src.Micros, src.Children
	if src == n {
		children = append([]*Node(nil), children...)
	}
	n.Count += count
	n.Micros += micros
	for _, srcChild := range children {
		if match := n.findChild(srcChild.key()); match != nil {
			match.mergeMatched(srcChild)
		} else {
			n.Children = append(n.Children, srcChild)
		}
	}
}

// MergeAsChildTimer folds src into n as if it were a newly observed child of
// n. It is used to fold one trace's timers into a long-lived aggregate whose
// root represents the aggregation window rather than a single trace. src is
// only read.
func (n *Node) MergeAsChildTimer(src View) error {
	if err := validateNamed(src); err != nil {
		return err
	}
	n.mergeAsChild(src)
	return nil
}

func (n *Node) mergeAsChild(src View) {
	k := key{name: src.TimerName(), extended: src.IsExtended()}
	match := n.findChild(k)
	if match == nil {
		match = newNode(k.name, k.extended)
		n.Children = append(n.Children, match)
	}
	micros, count := src.TotalMicros(), src.TotalCount()
	if n.IsSyntheticRoot() {
		// the root stands for total trace time
		n.Micros += micros
		n.Count += count
	}
	match.Micros += micros
	match.Count += count
	for _, c := range src.ChildViews() {
		match.mergeAsChild(c)
	}
}

// Clone returns a deep copy of the tree rooted at n.
func (n *Node) Clone() *Node {
	clone := &Node{
		Name:     n.Name,
		Extended: n.Extended,
		Micros:   n.Micros,
		Count:    n.Count,
		Children: make([]*Node, 0, len(n.Children)),
	}
	for _, c := range n.Children {
		clone.Children = append(clone.Children, c.Clone())
	}
	return clone
}

// validateNamed checks v and every node below it carries a name.
func validateNamed(v View) error {
	if v.TimerName() == "" {
		return errDataIntegrityUnnamed
	}
	return validateChildren(v)
}

// validateChildren checks every node below v carries a name.
func validateChildren(v View) error {
	for _, c := range v.ChildViews() {
		if err := validateNamed(c); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks that v can be folded with MergeAsChildTimer: v and every
// node below it must carry a name.
func Validate(v View) error {
	return validateNamed(v)
}
