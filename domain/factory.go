package domain

import (
	"fmt"
	"maps"
	"sync"
)

// Factory is the only place hierarchy nodes are built. It carries the color
// map of one aggregation run: spaces register their color and every record
// that references an already known space inherits it.
type Factory struct {
	mu     sync.RWMutex
	colors map[string]string
}

func NewFactory() *Factory {
	return &Factory{colors: make(map[string]string)}
}

// Create builds a node of the given kind from a raw record. Passing a node
// that was already constructed returns it unchanged.
func (f *Factory) Create(item any, kind Kind) (*Node, error) {
	if n, ok := item.(*Node); ok && n != nil {
		return n, nil
	}
	raw, err := ParseRawItem(item)
	if err != nil {
		return nil, err
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidKind, kind)
	}

	n := &Node{
		ID:    raw.ID,
		Label: raw.Name,
		kind:  kind,
	}
	n.Color = f.resolveColor(raw)

	switch kind {
	case KindTask, KindSubtask:
		if raw.CustomID != nil && *raw.CustomID != "" {
			id := *raw.CustomID
			n.CustomID = &id
		}
		n.ClosedAt = raw.DateClosed.Time
	case KindSpace, KindFolder, KindList:
	case KindUnknown:
		return nil, fmt.Errorf("%w: %s", ErrInvalidKind, kind)
	}
	return n, nil
}

// CreateAll builds one node per record, stopping at the first failure.
func (f *Factory) CreateAll(items []RawItem, kind Kind) ([]*Node, error) {
	nodes := make([]*Node, 0, len(items))
	for _, it := range items {
		n, err := f.Create(it, kind)
		if err != nil {
			return nil, fmt.Errorf("create %s %s: %w", kind, it.ID, err)
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func (f *Factory) resolveColor(raw RawItem) *string {
	if raw.Color != nil && *raw.Color != "" {
		c := *raw.Color
		f.mu.Lock()
		f.colors[raw.ID] = c
		f.mu.Unlock()
		return &c
	}
	spaceID := raw.SpaceID()
	if spaceID == "" {
		return nil
	}
	f.mu.RLock()
	c, ok := f.colors[spaceID]
	f.mu.RUnlock()
	if !ok {
		return nil
	}
	return &c
}

// Colors returns a snapshot of the colors registered so far, keyed by the
// id of the record that declared them.
func (f *Factory) Colors() map[string]string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return maps.Clone(f.colors)
}
