package engine

import (
	"cmp"
	"slices"
	"strconv"
)

// DefaultLoadImageClass is the node class whose image input receives the
// uploaded filename.
const DefaultLoadImageClass = "LoadImage"

// PatchLoadImage sets inputs.image on the first node of class, scanning node
// ids in numeric order (non-numeric ids sort after, lexically). It returns the patched node id, or false when no node
// matched. Nodes without an inputs map get one.
func PatchLoadImage(workflow map[string]any, class, filename string) (string, bool) {
	ids := make([]string, 0, len(workflow))
	for id := range workflow {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, compareNodeIDs)

	for _, id := range ids {
		node, ok := workflow[id].(map[string]any)
		if !ok || node["class_type"] != class {
			continue
		}
		inputs, ok := node["inputs"].(map[string]any)
		if !ok {
			inputs = map[string]any{}
			node["inputs"] = inputs
		}
		inputs["image"] = filename
		return id, true
	}
	return "", false
}

// compareNodeIDs orders numeric ids by value ("9" before "10") ahead of any
// other id.
func compareNodeIDs(a, b string) int {
	na, errA := strconv.ParseInt(a, 10, 64)
	nb, errB := strconv.ParseInt(b, 10, 64)
	switch {
	case errA == nil && errB == nil:
		if c := cmp.Compare(na, nb); c != 0 {
			return c
		}
	case errA == nil:
		return -1
	case errB == nil:
		return 1
	}
	return cmp.Compare(a, b)
}
