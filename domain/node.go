package domain

import (
	"slices"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// Node is a single entry of the mirrored work hierarchy. Every level, from
// space down to subtask, is represented by the same type tagged with a Kind.
type Node struct {
	ID       string
	Label    string
	CustomID *string
	Color    *string
	ClosedAt *time.Time
	Children []*Node

	kind Kind
}

// Kind returns the hierarchy level of the node. It is fixed at construction.
func (n *Node) Kind() Kind { return n.kind }

// Selectable reports whether time can be tracked against the node.
func (n *Node) Selectable() bool { return n.kind.Selectable() }

// AddChild appends child and re-sorts the children by label.
func (n *Node) AddChild(child *Node) error {
	if child == nil {
		return ErrInvalidChild
	}
	n.Children = append(n.Children, child)
	sortByLabel(n.Children)
	return nil
}

// AddChildren appends a batch of children and re-sorts once. The batch is
// validated up front so a bad entry leaves the node untouched.
func (n *Node) AddChildren(children []*Node) error {
	for _, c := range children {
		if c == nil {
			return ErrInvalidChild
		}
	}
	if len(children) == 0 {
		return nil
	}
	n.Children = append(n.Children, children...)
	sortByLabel(n.Children)
	return nil
}

// Walk visits n and all of its descendants depth first.
func (n *Node) Walk(fn func(*Node)) {
	fn(n)
	for _, c := range n.Children {
		c.Walk(fn)
	}
}

// CountKinds tallies the nodes of a forest per kind.
func CountKinds(forest []*Node) map[Kind]int {
	counts := make(map[Kind]int)
	for _, root := range forest {
		root.Walk(func(n *Node) { counts[n.kind]++ })
	}
	return counts
}

func sortByLabel(nodes []*Node) {
	slices.SortStableFunc(nodes, func(a, b *Node) int {
		return strings.Compare(strings.ToUpper(a.Label), strings.ToUpper(b.Label))
	})
}

type nodeJSON struct {
	ID         string     `json:"id"`
	Label      string     `json:"label"`
	CustomID   *string    `json:"customId"`
	Kind       Kind       `json:"kind"`
	Color      *string    `json:"color"`
	Selectable bool       `json:"selectable"`
	ClosedAt   *time.Time `json:"closedAt,omitempty"`
	Children   []*Node    `json:"children,omitempty"`
}

func (n *Node) MarshalJSON() ([]byte, error) {
	return sonic.Marshal(nodeJSON{
		ID:         n.ID,
		Label:      n.Label,
		CustomID:   n.CustomID,
		Kind:       n.kind,
		Color:      n.Color,
		Selectable: n.kind.Selectable(),
		ClosedAt:   n.ClosedAt,
		Children:   n.Children,
	})
}

func (n *Node) UnmarshalJSON(data []byte) error {
	var raw nodeJSON
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return err
	}
	*n = Node{
		ID:       raw.ID,
		Label:    raw.Label,
		CustomID: raw.CustomID,
		Color:    raw.Color,
		ClosedAt: raw.ClosedAt,
		Children: raw.Children,
		kind:     raw.Kind,
	}
	return nil
}
