package domain

import (
	"cmp"
	"slices"
	"strings"
)

// Forest is the nested result of reconciling one list's tasks.
type Forest struct {
	Roots []*Node
	// Orphans are subtasks whose parent is not part of the batch.
	Orphans []OrphanSubtaskError
	// Detached counts subtasks that resolved a parent but still cannot be
	// reached from a root: descendants of orphans and parent cycles.
	Detached int
}

// Reconcile nests a flat, arbitrarily ordered batch of task records into a
// forest of tasks and subtasks. Records are linked through an id index in two
// passes, so the result does not depend on the order the remote service
// delivered them in. Every level is sorted by label, ties broken by id.
func Reconcile(f *Factory, records []RawItem) (Forest, error) {
	byID := make(map[string]*Node, len(records))
	linked := make([]RawItem, 0, len(records))
	for _, rec := range records {
		if _, dup := byID[rec.ID]; dup {
			continue
		}
		kind := KindTask
		if rec.ParentID() != "" {
			kind = KindSubtask
		}
		n, err := f.Create(rec, kind)
		if err != nil {
			return Forest{}, err
		}
		byID[rec.ID] = n
		linked = append(linked, rec)
	}

	var forest Forest
	for _, rec := range linked {
		n := byID[rec.ID]
		parentID := rec.ParentID()
		if parentID == "" {
			forest.Roots = append(forest.Roots, n)
			continue
		}
		parent, ok := byID[parentID]
		if !ok || parentID == rec.ID {
			forest.Orphans = append(forest.Orphans, OrphanSubtaskError{TaskID: rec.ID, ParentID: parentID})
			continue
		}
		parent.Children = append(parent.Children, n)
	}

	reachable := sortTree(forest.Roots)
	forest.Detached = len(byID) - reachable - len(forest.Orphans)
	return forest, nil
}

// sortTree sorts nodes and their descendants and returns how many nodes it
// visited. Only nodes reachable from the given slice are touched, so parent
// cycles, which never contain a root, are not descended into.
func sortTree(nodes []*Node) int {
	slices.SortFunc(nodes, func(a, b *Node) int {
		if c := strings.Compare(strings.ToUpper(a.Label), strings.ToUpper(b.Label)); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	visited := len(nodes)
	for _, n := range nodes {
		if len(n.Children) > 0 {
			visited += sortTree(n.Children)
		}
	}
	return visited
}
