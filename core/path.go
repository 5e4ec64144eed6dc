package core

import (
	"fmt"
	"strconv"
	"strings"
)

// parseIndex parses a path segment as a non-negative array index. Only
// used once the parent container is known to be an array, resolving the
// spec's array-vs-document-key open question: numeric segments index into
// arrays only when the parent actually is one; a numeric-looking document
// key is never reinterpreted as an array index.
func parseIndex(seg string) (int, bool) {
	if seg == "" {
		return 0, false
	}
	n, err := strconv.Atoi(seg)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func splitPath(path string) []string {
	return strings.Split(path, ".")
}

// GetPath resolves a dotted path for reads. A missing path yields
// (Absent(), false), distinct from an explicit null.
func GetPath(doc *Document, path string) (Value, bool) {
	segs := splitPath(path)
	cur, ok := doc.Get(segs[0])
	if !ok {
		return Absent(), false
	}
	return getRec(cur, segs[1:])
}

func getRec(cur Value, segs []string) (Value, bool) {
	if len(segs) == 0 {
		return cur, true
	}
	seg := segs[0]
	switch cur.kind {
	case KArray:
		idx, ok := parseIndex(seg)
		if !ok || idx < 0 || idx >= len(cur.arr) {
			return Absent(), false
		}
		return getRec(cur.arr[idx], segs[1:])
	case KDocument:
		child, ok := cur.doc.Get(seg)
		if !ok {
			return Absent(), false
		}
		return getRec(child, segs[1:])
	default:
		return Absent(), false
	}
}

// SetPath assigns a value at a dotted path, creating missing intermediate
// documents but never auto-creating intermediate arrays (§4.2). It returns
// an error when an existing intermediate value is a scalar or binary that
// cannot be descended into, or when a non-numeric segment addresses an
// existing array.
func SetPath(doc *Document, path string, v Value) error {
	segs := splitPath(path)
	if len(segs) == 1 {
		doc.Set(segs[0], v)
		return nil
	}
	cur, _ := doc.Get(segs[0])
	newVal, err := setRec(cur, segs[1:], v)
	if err != nil {
		return fmt.Errorf("path %q: %w", path, err)
	}
	doc.Set(segs[0], newVal)
	return nil
}

func setRec(cur Value, segs []string, v Value) (Value, error) {
	if len(segs) == 0 {
		return v, nil
	}
	seg := segs[0]
	rest := segs[1:]
	switch cur.kind {
	case KArray:
		idx, ok := parseIndex(seg)
		if !ok {
			return Value{}, fmt.Errorf("non-numeric segment %q into array", seg)
		}
		arr := append([]Value(nil), cur.arr...)
		for len(arr) <= idx {
			arr = append(arr, Null())
		}
		newChild, err := setRec(arr[idx], rest, v)
		if err != nil {
			return Value{}, err
		}
		arr[idx] = newChild
		return Value{kind: KArray, arr: arr}, nil
	case KDocument, KAbsent, KNull:
		var doc *Document
		if cur.kind == KDocument && cur.doc != nil {
			doc = cur.doc.Clone()
		} else {
			doc = NewDocument()
		}
		child, _ := doc.Get(seg)
		newChild, err := setRec(child, rest, v)
		if err != nil {
			return Value{}, err
		}
		doc.Set(seg, newChild)
		return DocValue(doc), nil
	default:
		return Value{}, fmt.Errorf("cannot descend into scalar at %q", seg)
	}
}

// UnsetPath removes the value at a dotted path; a no-op if any segment of
// the path is absent. Unsetting an array element sets it to null (matching
// MongoDB's index-preserving $unset semantics) rather than shrinking the
// array.
func UnsetPath(doc *Document, path string) {
	segs := splitPath(path)
	if len(segs) == 1 {
		doc.Unset(segs[0])
		return
	}
	cur, ok := doc.Get(segs[0])
	if !ok {
		return
	}
	newVal, changed := unsetRec(cur, segs[1:])
	if changed {
		doc.Set(segs[0], newVal)
	}
}

func unsetRec(cur Value, segs []string) (Value, bool) {
	seg := segs[0]
	if len(segs) == 1 {
		switch cur.kind {
		case KDocument:
			if cur.doc == nil {
				return cur, false
			}
			if _, ok := cur.doc.Get(seg); !ok {
				return cur, false
			}
			nd := cur.doc.Clone()
			nd.Unset(seg)
			return DocValue(nd), true
		case KArray:
			idx, ok := parseIndex(seg)
			if !ok || idx < 0 || idx >= len(cur.arr) {
				return cur, false
			}
			arr := append([]Value(nil), cur.arr...)
			arr[idx] = Null()
			return Value{kind: KArray, arr: arr}, true
		default:
			return cur, false
		}
	}
	switch cur.kind {
	case KDocument:
		if cur.doc == nil {
			return cur, false
		}
		child, ok := cur.doc.Get(seg)
		if !ok {
			return cur, false
		}
		newChild, changed := unsetRec(child, segs[1:])
		if !changed {
			return cur, false
		}
		nd := cur.doc.Clone()
		nd.Set(seg, newChild)
		return DocValue(nd), true
	case KArray:
		idx, ok := parseIndex(seg)
		if !ok || idx < 0 || idx >= len(cur.arr) {
			return cur, false
		}
		newChild, changed := unsetRec(cur.arr[idx], segs[1:])
		if !changed {
			return cur, false
		}
		arr := append([]Value(nil), cur.arr...)
		arr[idx] = newChild
		return Value{kind: KArray, arr: arr}, true
	default:
		return cur, false
	}
}
