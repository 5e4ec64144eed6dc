package db

import (
	"sort"

	"github.com/dddevid/mainydb/core"
	"github.com/dddevid/mainydb/index"
	"github.com/dddevid/mainydb/query"
)

// SortSpec is one field of a caller-requested sort order, the db-facing
// counterpart of index.SortKey (kept separate so db callers never need to
// import index directly).
type SortSpec struct {
	Path string
	Dir  int8
}

// translateConstraints adapts query.FieldConstraint (the predicate
// engine's planner hints) into index.FieldConstraint (the planner's own
// local type, kept free of a dependency on query to avoid a cycle). This
// is the one place that bridges the two.
func translateConstraints(cs []query.FieldConstraint) []index.FieldConstraint {
	out := make([]index.FieldConstraint, 0, len(cs))
	for _, c := range cs {
		fc := index.FieldConstraint{Path: c.Path}
		switch c.Kind {
		case query.ConstraintEq:
			fc.Kind = index.ConstraintEq
			fc.Eq = c.Eq
		case query.ConstraintIn:
			fc.Kind = index.ConstraintIn
			fc.In = c.In
		case query.ConstraintRange:
			fc.Kind = index.ConstraintRange
			if c.Lower != nil {
				v := c.Lower.Value
				fc.Lower = &v
				fc.LowerIncl = c.Lower.Inclusive
			}
			if c.Upper != nil {
				v := c.Upper.Value
				fc.Upper = &v
				fc.UpperIncl = c.Upper.Inclusive
			}
		}
		out = append(out, fc)
	}
	return out
}

func toSortKeys(sorts []SortSpec) []index.SortKey {
	out := make([]index.SortKey, len(sorts))
	for i, s := range sorts {
		out[i] = index.SortKey{Path: s.Path, Dir: s.Dir}
	}
	return out
}

// sortDocs performs the in-memory composite sort used when the planner
// could not push the requested order down into an index (§4.6).
func sortDocs(docs []*core.Document, sorts []SortSpec) {
	sort.SliceStable(docs, func(i, j int) bool {
		a, b := docs[i], docs[j]
		for _, s := range sorts {
			va, _ := core.GetPath(a, s.Path)
			vb, _ := core.GetPath(b, s.Path)
			c := core.Compare(va, vb)
			if c == 0 {
				continue
			}
			if s.Dir < 0 {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}
