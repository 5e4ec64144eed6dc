package index

import "github.com/dddevid/mainydb/core"

// SortKey is one field of a requested sort order.
type SortKey struct {
	Path string
	Dir  int8
}

// AccessPath is the planner's decision (§4.6): either a full collection
// scan (UseIndex=false) or an ordered set of candidate ids drawn from one
// index. The caller always re-evaluates the full filter as a residual
// predicate against whichever documents the access path yields — an
// AccessPath never claims to fully satisfy the filter by itself.
type AccessPath struct {
	UseIndex      bool
	IndexName     string
	IDs           []core.DocumentID // nil when UseIndex is false (scan in insertion order)
	SortSatisfied bool              // true if IDs already reflect the requested sort, skipping in-memory sort
}

// FieldConstraint mirrors query.FieldConstraint's shape without importing
// the query package, keeping index free of a dependency on query (query
// has no need to know about indexes, and this avoids a cycle the other
// way since the planner lives alongside the index manager it queries).
type FieldConstraint struct {
	Path  string
	Kind  int // 0=eq 1=in 2=range
	Eq    core.Value
	In    []core.Value
	Lower *core.Value
	LowerIncl bool
	Upper *core.Value
	UpperIncl bool
}

const (
	ConstraintEq = iota
	ConstraintIn
	ConstraintRange
)

// Plan selects an access path given compiled filter constraints and the
// collection's index set, per §4.6's selectivity scoring: equality on every
// key > range on the first key not fixed by equality > $in on that key >
// equality on a leading prefix only. With no constrained leading key it
// falls back to an index matching the sort, else to a full scan.
func Plan(constraints []FieldConstraint, sortKeys []SortKey, mgr *Manager) AccessPath {
	byPath := map[string]FieldConstraint{}
	for _, c := range constraints {
		if _, exists := byPath[c.Path]; !exists {
			byPath[c.Path] = c
		}
	}

	candidates := append([]*Index{}, mgr.All()...)
	candidates = append(candidates, mgr.IDIndex())

	var best *Index
	var bestIDs []core.DocumentID
	bestScore := -1
	bestSortPrefix := 0

	for _, ix := range candidates {
		ids, score, sortPrefix, ok := candidateFor(ix, byPath)
		if !ok || score <= bestScore {
			continue
		}
		best, bestIDs, bestScore, bestSortPrefix = ix, ids, score, sortPrefix
	}

	if best == nil {
		if ix := indexSatisfyingSort(candidates, sortKeys); ix != nil {
			asc := len(sortKeys) == 0 || sortKeys[0].Dir == ix.Keys[0].Dir
			return AccessPath{UseIndex: true, IndexName: ix.Name, IDs: ix.AllIDsOrdered(asc), SortSatisfied: true}
		}
		return AccessPath{UseIndex: false}
	}

	sortSatisfied := bestSortPrefix > 0 && sortPrefixMatches(best, sortKeys, bestSortPrefix)
	return AccessPath{UseIndex: true, IndexName: best.Name, IDs: bestIDs, SortSatisfied: sortSatisfied}
}

func candidateFor(ix *Index, byPath map[string]FieldConstraint) (ids []core.DocumentID, score int, sortPrefixLen int, ok bool) {
	var prefix []core.Value
	k := 0
	for ; k < len(ix.Keys); k++ {
		fc, has := byPath[ix.Keys[k].Path]
		if !has || fc.Kind != ConstraintEq {
			break
		}
		prefix = append(prefix, fc.Eq)
	}
	if k == len(ix.Keys) && k > 0 {
		return ix.EqualityIDs(prefix), 1000 + k, k, true
	}
	if k >= len(ix.Keys) {
		return nil, 0, 0, false
	}
	fc, has := byPath[ix.Keys[k].Path]
	if !has {
		if k == 0 {
			return nil, 0, 0, false
		}
		return ix.EqualityIDs(prefix), 100 + k, k, true
	}
	switch fc.Kind {
	case ConstraintRange:
		return ix.RangeIDs(prefix, fc.Lower, fc.LowerIncl, fc.Upper, fc.UpperIncl), 300 + k, k + 1, true
	case ConstraintIn:
		seen := map[core.DocumentID]bool{}
		var all []core.DocumentID
		for _, v := range fc.In {
			full := append(append([]core.Value{}, prefix...), v)
			for _, id := range ix.EqualityIDs(full) {
				if !seen[id] {
					seen[id] = true
					all = append(all, id)
				}
			}
		}
		return all, 200 + k, 0, true
	default:
		if k == 0 {
			return nil, 0, 0, false
		}
		return ix.EqualityIDs(prefix), 100 + k, k, true
	}
}

func sortPrefixMatches(ix *Index, sortKeys []SortKey, available int) bool {
	if len(sortKeys) == 0 || len(sortKeys) > available || len(sortKeys) > len(ix.Keys) {
		return false
	}
	for i, sk := range sortKeys {
		if ix.Keys[i].Path != sk.Path || ix.Keys[i].Dir != sk.Dir {
			return false
		}
	}
	return true
}

func indexSatisfyingSort(candidates []*Index, sortKeys []SortKey) *Index {
	if len(sortKeys) == 0 {
		return nil
	}
	for _, ix := range candidates {
		if len(ix.Keys) < len(sortKeys) {
			continue
		}
		match := true
		for i, sk := range sortKeys {
			if ix.Keys[i].Path != sk.Path || ix.Keys[i].Dir != sk.Dir {
				match = false
				break
			}
		}
		if match {
			return ix
		}
	}
	return nil
}
