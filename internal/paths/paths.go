// Package paths implements dotted-path access into the untyped answer trees
// stored on an interview. All tree traversal in the engine goes through this
// package so callers never split path strings themselves.
package paths

import (
	"strconv"
	"strings"
)

// Get returns the value at the dotted path in tree. The second return value
// reports whether every segment of the path exists.
func Get(tree map[string]any, path string) (any, bool) {
	if tree == nil || path == "" {
		return nil, false
	}
	segments := strings.Split(path, ".")
	var current any = tree
	for _, seg := range segments {
		switch node := current.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			current = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// Set assigns value at the dotted path, creating intermediate containers as
// needed. A numeric segment creates or indexes a list, any other segment an
// object. An existing composite at the target path is replaced wholesale, not
// merged: callers wanting a partial update must address each leaf.
func Set(tree map[string]any, path string, value any) {
	if tree == nil || path == "" {
		return
	}
	segments := strings.Split(path, ".")
	var parent any = tree
	for i := 0; i < len(segments)-1; i++ {
		seg := segments[i]
		next := segments[i+1]
		child := getChild(parent, seg)
		if !isContainer(child) || containerMismatch(child, next) {
			child = newContainer(next)
			setChild(parent, seg, child)
		}
		// Lists may need to grow before the next segment can be indexed.
		if list, ok := child.([]any); ok {
			if idx, err := strconv.Atoi(next); err == nil && idx >= len(list) {
				grown := append(list, make([]any, idx+1-len(list))...)
				setChild(parent, seg, grown)
				child = grown
			}
		}
		parent = getChild(parent, seg)
	}
	setChild(parent, segments[len(segments)-1], value)
}

// Unset removes the leaf at the dotted path. Removing a path that does not
// exist is a no-op. List entries are nulled, not shifted, so sibling indices
// stay stable.
func Unset(tree map[string]any, path string) {
	if tree == nil || path == "" {
		return
	}
	segments := strings.Split(path, ".")
	var parent any = tree
	for i := 0; i < len(segments)-1; i++ {
		child := getChild(parent, segments[i])
		if !isContainer(child) {
			return
		}
		parent = child
	}
	last := segments[len(segments)-1]
	switch node := parent.(type) {
	case map[string]any:
		delete(node, last)
	case []any:
		if idx, err := strconv.Atoi(last); err == nil && idx >= 0 && idx < len(node) {
			node[idx] = nil
		}
	}
}

func getChild(parent any, seg string) any {
	switch node := parent.(type) {
	case map[string]any:
		return node[seg]
	case []any:
		if idx, err := strconv.Atoi(seg); err == nil && idx >= 0 && idx < len(node) {
			return node[idx]
		}
	}
	return nil
}

func setChild(parent any, seg string, value any) {
	switch node := parent.(type) {
	case map[string]any:
		node[seg] = value
	case []any:
		if idx, err := strconv.Atoi(seg); err == nil && idx >= 0 && idx < len(node) {
			node[idx] = value
		}
	}
}

func isContainer(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return true
	}
	return false
}

func containerMismatch(v any, nextSeg string) bool {
	_, numeric := numericSegment(nextSeg)
	switch v.(type) {
	case []any:
		return !numeric
	case map[string]any:
		return numeric
	}
	return true
}

func newContainer(nextSeg string) any {
	if n, ok := numericSegment(nextSeg); ok {
		return make([]any, n+1)
	}
	return map[string]any{}
}

func numericSegment(seg string) (int, bool) {
	n, err := strconv.Atoi(seg)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
