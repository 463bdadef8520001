package timer

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/getsentry/apmcore/internal/errorutil"
)

type rawNode struct {
	Name     string     `json:"name"`
	Extended *bool      `json:"extended"`
	Micros   *int64     `json:"totalMicros"`
	Count    *int64     `json:"count"`
	Children []*rawNode `json:"childNodes"`
	// older agents write children under nestedTimers
	Nested []*rawNode `json:"nestedTimers"`
}

// DecodeJSON reads a timer tree previously written with encoding/json or
// goccy/go-json. totalMicros and count are required on every node, extended
// defaults to false and children are read from childNodes, or from
// nestedTimers when childNodes is absent.
func DecodeJSON(b []byte) (*Node, error) {
	var r rawNode
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, err
	}
	return r.toNode(true)
}

func (r *rawNode) toNode(root bool) (*Node, error) {
	if r == nil {
		return nil, fmt.Errorf("timer: %w: null timer node", errorutil.ErrDataIntegrity)
	}
	if r.Micros == nil {
		return nil, fmt.Errorf("timer: %w: missing required property totalMicros", errorutil.ErrDataIntegrity)
	}
	if r.Count == nil {
		return nil, fmt.Errorf("timer: %w: missing required property count", errorutil.ErrDataIntegrity)
	}
	if !root && r.Name == "" {
		return nil, errDataIntegrityUnnamed
	}
	n := &Node{
		Name:     r.Name,
		Extended: r.Extended != nil && *r.Extended,
		Micros:   *r.Micros,
		Count:    *r.Count,
	}
	children := r.Children
	if children == nil {
		children = r.Nested
	}
	n.Children = make([]*Node, 0, len(children))
	for _, c := range children {
		child, err := c.toNode(false)
		if err != nil {
			return nil, err
		}
		n.Children = append(n.Children, child)
	}
	return n, nil
}
