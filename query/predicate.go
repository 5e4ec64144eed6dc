// Package query implements the §4.3 Predicate Engine: compiling a filter
// document into a match function, plus a best-effort extraction of
// index-usable field constraints consumed by the planner package.
package query

import (
	"fmt"
	"strings"

	"github.com/dddevid/mainydb/core"
)

// Matcher reports whether a document satisfies a compiled filter.
type Matcher func(doc *core.Document) bool

// ConstraintKind classifies a FieldConstraint for the planner.
type ConstraintKind int

const (
	ConstraintEq ConstraintKind = iota
	ConstraintIn
	ConstraintRange
)

// Bound is one open or closed endpoint of a range constraint.
type Bound struct {
	Value     core.Value
	Inclusive bool
}

// FieldConstraint is a planner hint: a top-level, AND-reachable condition
// on a single field path that an index probe could exploit. It is always
// an optimization hint — Compiled.Match remains the source of truth and is
// re-evaluated as the residual predicate regardless of which access path a
// planner chooses (§4.6).
type FieldConstraint struct {
	Path  string
	Kind  ConstraintKind
	Eq    core.Value
	In    []core.Value
	Lower *Bound
	Upper *Bound
}

// Compiled is the output of Compile: a match closure plus planner hints.
type Compiled struct {
	Match       Matcher
	Constraints []FieldConstraint
}

// Compile compiles a filter document (§4.3) into a Compiled matcher.
func Compile(filter *core.Document) (*Compiled, error) {
	if filter == nil || filter.Len() == 0 {
		return &Compiled{Match: func(*core.Document) bool { return true }}, nil
	}
	var matchers []Matcher
	var constraints []FieldConstraint
	var err error
	filter.Range(func(key string, val core.Value) bool {
		switch key {
		case "$and":
			var m Matcher
			var cs []FieldConstraint
			m, cs, err = compileLogicalAnd(val)
			if err != nil {
				return false
			}
			matchers = append(matchers, m)
			constraints = append(constraints, cs...)
		case "$or":
			var m Matcher
			var cs []FieldConstraint
			m, cs, err = compileLogicalOr(val)
			if err != nil {
				return false
			}
			matchers = append(matchers, m)
			constraints = append(constraints, cs...)
		case "$nor":
			var m Matcher
			m, _, err = compileLogicalOr(val)
			if err != nil {
				return false
			}
			matchers = append(matchers, negate(m))
		default:
			var m Matcher
			var fc *FieldConstraint
			m, fc, err = compileFieldCondition(key, val)
			if err != nil {
				return false
			}
			matchers = append(matchers, m)
			if fc != nil {
				constraints = append(constraints, *fc)
			}
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return &Compiled{Match: andAll(matchers), Constraints: constraints}, nil
}

func compileLogicalAnd(val core.Value) (Matcher, []FieldConstraint, error) {
	arr, ok := val.AsArray()
	if !ok {
		return nil, nil, badQuery("$and requires an array of filter documents")
	}
	var matchers []Matcher
	var constraints []FieldConstraint
	for _, sub := range arr {
		d, ok := sub.AsDocument()
		if !ok {
			return nil, nil, badQuery("$and element must be a document")
		}
		c, err := Compile(d)
		if err != nil {
			return nil, nil, err
		}
		matchers = append(matchers, c.Match)
		constraints = append(constraints, c.Constraints...)
	}
	return andAll(matchers), constraints, nil
}

func compileLogicalOr(val core.Value) (Matcher, []FieldConstraint, error) {
	arr, ok := val.AsArray()
	if !ok {
		return nil, nil, badQuery("$or/$nor requires an array of filter documents")
	}
	var matchers []Matcher
	var branchConstraints []FieldConstraint
	allUsable := len(arr) > 0
	for _, sub := range arr {
		d, ok := sub.AsDocument()
		if !ok {
			return nil, nil, badQuery("$or/$nor element must be a document")
		}
		c, err := Compile(d)
		if err != nil {
			return nil, nil, err
		}
		matchers = append(matchers, c.Match)
		if len(c.Constraints) == 1 && c.Constraints[0].Kind == ConstraintEq {
			branchConstraints = append(branchConstraints, c.Constraints[0])
		} else {
			allUsable = false
		}
	}
	m := orAll(matchers)
	if !allUsable || len(branchConstraints) == 0 {
		return m, nil, nil
	}
	// Every branch is a single-field equality; usable only if every branch
	// targets the same field (§4.6: "every branch is independently
	// index-usable"), folded into one $in-shaped constraint.
	path := branchConstraints[0].Path
	var in []core.Value
	for _, c := range branchConstraints {
		if c.Path != path {
			return m, nil, nil
		}
		in = append(in, c.Eq)
	}
	return m, []FieldConstraint{{Path: path, Kind: ConstraintIn, In: in}}, nil
}

func compileFieldCondition(path string, cond core.Value) (Matcher, *FieldConstraint, error) {
	if cond.Kind() == core.KDocument {
		d, _ := cond.AsDocument()
		if isOperatorDocument(d) {
			return compileOperators(path, d)
		}
	}
	target := cond
	m := func(doc *core.Document) bool {
		v := fieldValue(doc, path)
		return matchEqCollapse(v, target)
	}
	return m, &FieldConstraint{Path: path, Kind: ConstraintEq, Eq: target}, nil
}

func isOperatorDocument(d *core.Document) bool {
	if d.Len() == 0 {
		return false
	}
	allDollar := true
	d.Range(func(k string, _ core.Value) bool {
		if !strings.HasPrefix(k, "$") {
			allDollar = false
			return false
		}
		return true
	})
	return allDollar
}

func compileOperators(path string, ops *core.Document) (Matcher, *FieldConstraint, error) {
	var matchers []Matcher
	simple := map[string]core.Value{}
	var err error
	ops.Range(func(op string, val core.Value) bool {
		switch op {
		case "$eq":
			target := val
			matchers = append(matchers, func(doc *core.Document) bool {
				return matchEqCollapse(fieldValue(doc, path), target)
			})
			simple[op] = val
		case "$ne":
			target := val
			matchers = append(matchers, func(doc *core.Document) bool {
				return !matchEqCollapse(fieldValue(doc, path), target)
			})
		case "$gt", "$gte", "$lt", "$lte":
			target := val
			cmpOp := op
			matchers = append(matchers, func(doc *core.Document) bool {
				return matchCmpCollapse(fieldValue(doc, path), cmpOp, target)
			})
			simple[op] = val
		case "$in":
			arr, ok := val.AsArray()
			if !ok {
				err = badQuery("$in requires an array")
				return false
			}
			matchers = append(matchers, func(doc *core.Document) bool {
				return matchInCollapse(fieldValue(doc, path), arr, true)
			})
			simple[op] = val
		case "$nin":
			arr, ok := val.AsArray()
			if !ok {
				err = badQuery("$nin requires an array")
				return false
			}
			matchers = append(matchers, func(doc *core.Document) bool {
				return !matchInCollapse(fieldValue(doc, path), arr, true)
			})
		case "$all":
			arr, ok := val.AsArray()
			if !ok {
				err = badQuery("$all requires an array")
				return false
			}
			matchers = append(matchers, func(doc *core.Document) bool {
				return matchAll(fieldValue(doc, path), arr)
			})
		case "$elemMatch":
			sub := val
			matchers = append(matchers, func(doc *core.Document) bool {
				return matchElemMatch(fieldValue(doc, path), sub)
			})
		case "$size":
			n, ok := val.AsInt64()
			if !ok {
				err = badQuery("$size requires an integer")
				return false
			}
			matchers = append(matchers, func(doc *core.Document) bool {
				return matchSize(fieldValue(doc, path), n)
			})
		case "$not":
			if val.Kind() != core.KDocument {
				err = badQuery("$not requires an operator document")
				return false
			}
			subDoc, _ := val.AsDocument()
			inner, _, ierr := compileOperators(path, subDoc)
			if ierr != nil {
				err = ierr
				return false
			}
			matchers = append(matchers, negate(inner))
		default:
			err = badQuery(fmt.Sprintf("unknown operator %q", op))
			return false
		}
		return true
	})
	if err != nil {
		return nil, nil, err
	}
	return andAll(matchers), buildConstraint(path, simple), nil
}

func buildConstraint(path string, ops map[string]core.Value) *FieldConstraint {
	if len(ops) == 0 {
		return nil
	}
	if v, ok := ops["$eq"]; ok && len(ops) == 1 {
		return &FieldConstraint{Path: path, Kind: ConstraintEq, Eq: v}
	}
	if v, ok := ops["$in"]; ok && len(ops) == 1 {
		arr, _ := v.AsArray()
		return &FieldConstraint{Path: path, Kind: ConstraintIn, In: arr}
	}
	onlyRange := true
	for k := range ops {
		if k != "$gt" && k != "$gte" && k != "$lt" && k != "$lte" {
			onlyRange = false
			break
		}
	}
	if !onlyRange {
		return nil
	}
	fc := &FieldConstraint{Path: path, Kind: ConstraintRange}
	if v, ok := ops["$gt"]; ok {
		fc.Lower = &Bound{Value: v, Inclusive: false}
	}
	if v, ok := ops["$gte"]; ok {
		fc.Lower = &Bound{Value: v, Inclusive: true}
	}
	if v, ok := ops["$lt"]; ok {
		fc.Upper = &Bound{Value: v, Inclusive: false}
	}
	if v, ok := ops["$lte"]; ok {
		fc.Upper = &Bound{Value: v, Inclusive: true}
	}
	return fc
}

// fieldValue resolves a dotted path, returning Absent() for a missing
// field (never raising, per §4.3: "evaluation never raises").
func fieldValue(doc *core.Document, path string) core.Value {
	v, ok := core.GetPath(doc, path)
	if !ok {
		return core.Absent()
	}
	return v
}

// matchEqCollapse implements §4.3's implicit array-traversal rule for
// $eq: the whole array itself is checked, and each element is checked.
func matchEqCollapse(v core.Value, target core.Value) bool {
	if arr, ok := v.AsArray(); ok {
		if core.CompareEqual(v, target) {
			return true
		}
		for _, e := range arr {
			if core.CompareEqual(e, target) {
				return true
			}
		}
		return false
	}
	return core.CompareEqual(v, target)
}

func matchCmpCollapse(v core.Value, op string, target core.Value) bool {
	test := func(x core.Value) bool { return evalCmp(x, op, target) }
	if arr, ok := v.AsArray(); ok {
		for _, e := range arr {
			if test(e) {
				return true
			}
		}
		return false
	}
	return test(v)
}

func evalCmp(a core.Value, op string, b core.Value) bool {
	// Type mismatches evaluate to false per MongoDB convention, except
	// both sides being comparable under the total order of §3 (which
	// Compare always provides); the "mismatch" case this guards is really
	// only meaningful for $gt/$lt against absent fields.
	if a.IsAbsent() {
		return false
	}
	c := core.Compare(a, b)
	switch op {
	case "$gt":
		return c > 0
	case "$gte":
		return c >= 0
	case "$lt":
		return c < 0
	case "$lte":
		return c <= 0
	default:
		return false
	}
}

func matchInCollapse(v core.Value, set []core.Value, collapse bool) bool {
	test := func(x core.Value) bool {
		for _, s := range set {
			if core.CompareEqual(x, s) {
				return true
			}
		}
		return false
	}
	if arr, ok := v.AsArray(); ok && collapse {
		if test(v) {
			return true
		}
		for _, e := range arr {
			if test(e) {
				return true
			}
		}
		return false
	}
	return test(v)
}

// matchAll implements $all: the field (must be an array) contains every
// element of operand as a member.
func matchAll(v core.Value, operand []core.Value) bool {
	arr, ok := v.AsArray()
	if !ok {
		return false
	}
	for _, want := range operand {
		found := false
		for _, have := range arr {
			if core.CompareEqual(have, want) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// matchElemMatch implements $elemMatch: at least one array element
// satisfies the nested predicate; disables the implicit collapse rule for
// that nested predicate (§4.3).
func matchElemMatch(v core.Value, sub core.Value) bool {
	arr, ok := v.AsArray()
	if !ok {
		return false
	}
	subDoc, ok := sub.AsDocument()
	if !ok {
		return false
	}
	useFieldOperators := documentOfFieldConditions(subDoc)
	for _, elem := range arr {
		if useFieldOperators {
			ed, ok := elem.AsDocument()
			if !ok {
				continue
			}
			c, err := Compile(subDoc)
			if err != nil {
				continue
			}
			if c.Match(ed) {
				return true
			}
			continue
		}
		// value operators applied directly to the element itself.
		if matchElementAsValue(elem, subDoc) {
			return true
		}
	}
	return false
}

func documentOfFieldConditions(d *core.Document) bool {
	found := false
	d.Range(func(k string, _ core.Value) bool {
		if !strings.HasPrefix(k, "$") {
			found = true
			return false
		}
		return true
	})
	return found
}

// matchElementAsValue evaluates a set of value operators directly against
// an array element (no path indirection), for $elemMatch's value-operator
// form.
func matchElementAsValue(elem core.Value, ops *core.Document) bool {
	result := true
	ops.Range(func(op string, val core.Value) bool {
		switch op {
		case "$eq":
			result = result && matchEqCollapse(elem, val)
		case "$ne":
			result = result && !matchEqCollapse(elem, val)
		case "$gt", "$gte", "$lt", "$lte":
			result = result && evalCmp(elem, op, val)
		case "$in":
			arr, _ := val.AsArray()
			result = result && matchInCollapse(elem, arr, false)
		case "$nin":
			arr, _ := val.AsArray()
			result = result && !matchInCollapse(elem, arr, false)
		default:
			result = false
		}
		return result
	})
	return result
}

func matchSize(v core.Value, n int64) bool {
	arr, ok := v.AsArray()
	if !ok {
		return false
	}
	return int64(len(arr)) == n
}

func andAll(ms []Matcher) Matcher {
	return func(doc *core.Document) bool {
		for _, m := range ms {
			if !m(doc) {
				return false
			}
		}
		return true
	}
}

func orAll(ms []Matcher) Matcher {
	return func(doc *core.Document) bool {
		for _, m := range ms {
			if m(doc) {
				return true
			}
		}
		return false
	}
}

func negate(m Matcher) Matcher {
	return func(doc *core.Document) bool { return !m(doc) }
}

func badQuery(msg string) error {
	return core.NewError("query.Compile", core.KindBadQuery, fmt.Errorf("%s", msg))
}
