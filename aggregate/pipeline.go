package aggregate

import (
	"context"
	"fmt"
	"sort"

	"github.com/dddevid/mainydb/core"
	"github.com/dddevid/mainydb/query"
)

// Build composes a pipeline of stage documents into a single Cursor, each
// stage consuming the previous one (§4.7: "stage N consumes the cursor of
// stage N-1"). lookup resolves $lookup's right-hand collection; it may be
// nil if the pipeline contains no $lookup stage.
func Build(stages []*core.Document, src Cursor, lookup LookupSource) (Cursor, error) {
	cur := src
	for _, stage := range stages {
		op, arg, ok := soleOperator(stage)
		if !ok {
			return nil, badPipeline("pipeline stage must have exactly one operator key")
		}
		var err error
		cur, err = buildStage(op, arg, cur, lookup)
		if err != nil {
			log.Debugw("pipeline stage rejected", "stage", op, "err", err)
			return nil, err
		}
	}
	return cur, nil
}

func buildStage(op string, arg core.Value, prev Cursor, lookup LookupSource) (Cursor, error) {
	switch op {
	case "$match":
		return buildMatch(arg, prev)
	case "$project":
		return buildProject(arg, prev, false)
	case "$addFields":
		return buildProject(arg, prev, true)
	case "$group":
		return buildGroup(arg, prev)
	case "$sort":
		return buildSort(arg, prev)
	case "$limit":
		return buildLimit(arg, prev)
	case "$skip":
		return buildSkip(arg, prev)
	case "$unwind":
		return buildUnwind(arg, prev)
	case "$count":
		return buildCount(arg, prev)
	case "$lookup":
		return buildLookup(arg, prev, lookup)
	default:
		return nil, badPipeline(fmt.Sprintf("unknown pipeline stage %q", op))
	}
}

func buildMatch(arg core.Value, prev Cursor) (Cursor, error) {
	filterDoc, ok := arg.AsDocument()
	if !ok {
		return nil, badPipeline("$match requires a document")
	}
	compiled, err := query.Compile(filterDoc)
	if err != nil {
		return nil, err
	}
	return &funcCursor{pull: func(ctx context.Context) (*core.Document, bool, error) {
		for {
			d, ok, err := prev.Next(ctx)
			if err != nil || !ok {
				return nil, ok, err
			}
			if compiled.Match(d) {
				return d, true, nil
			}
		}
	}}, nil
}

// buildProject handles both $project (inclusion/exclusion, defaulting _id
// to included) and $addFields (always additive, never removes fields).
func buildProject(arg core.Value, prev Cursor, additive bool) (Cursor, error) {
	specDoc, ok := arg.AsDocument()
	if !ok {
		return nil, badPipeline("$project/$addFields requires a document")
	}
	type field struct {
		path string
		kind int // 0=include, 1=exclude, 2=expression
		expr core.Value
	}
	var fields []field
	idExcluded := false
	anyInclude := false
	specDoc.Range(func(k string, v core.Value) bool {
		if n, ok := v.AsInt64(); ok {
			if n == 0 {
				if k == "_id" {
					idExcluded = true
				} else {
					fields = append(fields, field{path: k, kind: 1})
				}
			} else {
				anyInclude = true
				fields = append(fields, field{path: k, kind: 0})
			}
			return true
		}
		if b, ok := v.AsBool(); ok {
			if !b {
				if k == "_id" {
					idExcluded = true
				} else {
					fields = append(fields, field{path: k, kind: 1})
				}
			} else {
				anyInclude = true
				fields = append(fields, field{path: k, kind: 0})
			}
			return true
		}
		fields = append(fields, field{path: k, kind: 2, expr: v})
		anyInclude = true
		return true
	})
	inclusionMode := !additive && anyInclude

	return &funcCursor{pull: func(ctx context.Context) (*core.Document, bool, error) {
		d, ok, err := prev.Next(ctx)
		if err != nil || !ok {
			return nil, ok, err
		}
		out := core.NewDocument()
		if additive {
			d.Range(func(k string, v core.Value) bool {
				out.Set(k, v)
				return true
			})
		} else if inclusionMode {
			if !idExcluded {
				if idv, ok := d.Get("_id"); ok {
					out.Set("_id", idv)
				}
			}
		} else {
			d.Range(func(k string, v core.Value) bool {
				out.Set(k, v)
				return true
			})
			if idExcluded {
				out.Unset("_id")
			}
		}
		for _, f := range fields {
			switch f.kind {
			case 0:
				if v, ok := core.GetPath(d, f.path); ok {
					core.SetPath(out, f.path, v)
				}
			case 1:
				out.Unset(f.path)
			case 2:
				v, evalErr := Eval(f.expr, d)
				if evalErr != nil {
					return nil, false, evalErr
				}
				core.SetPath(out, f.path, v)
			}
		}
		return out, true, nil
	}}, nil
}

type groupAccumulator struct {
	kind string
	sum  float64
	cnt  int64
	min  *core.Value
	max  *core.Value
	list []core.Value
	seen map[string]bool
	isInt bool
}

func buildGroup(arg core.Value, prev Cursor) (Cursor, error) {
	spec, ok := arg.AsDocument()
	if !ok {
		return nil, badPipeline("$group requires a document")
	}
	idExpr, hasID := spec.Get("_id")
	if !hasID {
		return nil, badPipeline("$group requires an _id expression")
	}
	type fieldSpec struct {
		name string
		acc  string
		expr core.Value
	}
	var specs []fieldSpec
	var specErr error
	spec.Range(func(k string, v core.Value) bool {
		if k == "_id" {
			return true
		}
		d, ok := v.AsDocument()
		if !ok || d.Len() != 1 {
			specErr = badPipeline(fmt.Sprintf("$group field %q must be a single-accumulator document", k))
			return false
		}
		var acc string
		var expr core.Value
		d.Range(func(op string, e core.Value) bool {
			acc, expr = op, e
			return false
		})
		specs = append(specs, fieldSpec{name: k, acc: acc, expr: expr})
		return true
	})
	if specErr != nil {
		return nil, specErr
	}

	return &funcCursor{pull: onceCursor(func(ctx context.Context) ([]*core.Document, error) {
		groups := map[string]*core.Document{}
		var order []string
		accs := map[string][]*groupAccumulator{}

		rows, err := Drain(ctx, prev)
		if err != nil {
			return nil, err
		}
		for _, d := range rows {
			keyVal, err := Eval(idExpr, d)
			if err != nil {
				return nil, err
			}
			keyStr := encodeGroupKey(keyVal)
			if _, exists := groups[keyStr]; !exists {
				gd := core.NewDocument()
				gd.Set("_id", keyVal)
				groups[keyStr] = gd
				order = append(order, keyStr)
				gAccs := make([]*groupAccumulator, len(specs))
				for i := range specs {
					gAccs[i] = &groupAccumulator{seen: map[string]bool{}}
				}
				accs[keyStr] = gAccs
			}
			gAccs := accs[keyStr]
			for i, fs := range specs {
				v, err := Eval(fs.expr, d)
				if err != nil {
					return nil, err
				}
				if err := applyAccumulator(gAccs[i], fs.acc, v); err != nil {
					return nil, err
				}
			}
		}
		out := make([]*core.Document, 0, len(order))
		for _, keyStr := range order {
			gd := groups[keyStr]
			for i, fs := range specs {
				gd.Set(fs.name, finalizeAccumulator(gAccsFor(accs, keyStr, i)))
			}
			out = append(out, gd)
		}
		return out, nil
	})}, nil
}

func gAccsFor(accs map[string][]*groupAccumulator, key string, i int) *groupAccumulator {
	return accs[key][i]
}

func applyAccumulator(a *groupAccumulator, op string, v core.Value) error {
	switch op {
	case "$sum":
		f, ok := v.AsFloat64()
		if !ok {
			f = 1 // literal non-numeric constants (commonly 1) count rows
		}
		a.sum += f
		if v.Kind() != core.KFloat {
			a.isInt = true
		} else {
			a.isInt = false
		}
		a.cnt++
	case "$avg":
		f, ok := v.AsFloat64()
		if ok {
			a.sum += f
			a.cnt++
		}
	case "$min":
		if a.min == nil || core.Compare(v, *a.min) < 0 {
			cv := v
			a.min = &cv
		}
	case "$max":
		if a.max == nil || core.Compare(v, *a.max) > 0 {
			cv := v
			a.max = &cv
		}
	case "$first":
		if a.min == nil {
			cv := v
			a.min = &cv
		}
	case "$last":
		cv := v
		a.max = &cv
	case "$push":
		a.list = append(a.list, v)
	case "$addToSet":
		k := encodeGroupKey(v)
		if !a.seen[k] {
			a.seen[k] = true
			a.list = append(a.list, v)
		}
	default:
		return badPipeline(fmt.Sprintf("unknown $group accumulator %q", op))
	}
	a.kind = op
	return nil
}

func finalizeAccumulator(a *groupAccumulator) core.Value {
	switch a.kind {
	case "$sum":
		if a.isInt {
			return core.Int(int64(a.sum))
		}
		return core.Float(a.sum)
	case "$avg":
		if a.cnt == 0 {
			return core.Null()
		}
		return core.Float(a.sum / float64(a.cnt))
	case "$min", "$first":
		if a.min == nil {
			return core.Null()
		}
		return *a.min
	case "$max", "$last":
		if a.max == nil {
			return core.Null()
		}
		return *a.max
	case "$push", "$addToSet":
		return core.Array(a.list...)
	default:
		return core.Null()
	}
}

// encodeGroupKey renders a Value as a string suitable for map-keying group
// buckets, tag-sensitive so Int(1) and Float(1) land in different groups
// (matching strict structural equality, §3 design note 9).
func encodeGroupKey(v core.Value) string {
	switch v.Kind() {
	case core.KNull, core.KAbsent:
		return "n:"
	case core.KBool:
		b, _ := v.AsBool()
		return fmt.Sprintf("b:%v", b)
	case core.KInt:
		i, _ := v.AsInt64()
		return fmt.Sprintf("i:%d", i)
	case core.KFloat:
		f, _ := v.AsFloat64()
		return fmt.Sprintf("f:%v", f)
	case core.KString:
		s, _ := v.AsString()
		return "s:" + s
	case core.KObjectID:
		s, _ := v.AsObjectID()
		return "o:" + s
	case core.KArray:
		arr, _ := v.AsArray()
		out := "a:["
		for _, e := range arr {
			out += encodeGroupKey(e) + ","
		}
		return out + "]"
	case core.KDocument:
		d, _ := v.AsDocument()
		out := "d:{"
		d.Range(func(k string, fv core.Value) bool {
			out += k + "=" + encodeGroupKey(fv) + ";"
			return true
		})
		return out + "}"
	default:
		return "?"
	}
}

func buildSort(arg core.Value, prev Cursor) (Cursor, error) {
	specDoc, ok := arg.AsDocument()
	if !ok {
		return nil, badPipeline("$sort requires a document")
	}
	type key struct {
		path string
		dir  int64
	}
	var keys []key
	var specErr error
	specDoc.Range(func(k string, v core.Value) bool {
		n, ok := v.AsInt64()
		if !ok || (n != 1 && n != -1) {
			specErr = badPipeline("$sort directions must be 1 or -1")
			return false
		}
		keys = append(keys, key{path: k, dir: n})
		return true
	})
	if specErr != nil {
		return nil, specErr
	}
	return &funcCursor{pull: onceCursor(func(ctx context.Context) ([]*core.Document, error) {
		rows, err := Drain(ctx, prev)
		if err != nil {
			return nil, err
		}
		sort.SliceStable(rows, func(i, j int) bool {
			for _, k := range keys {
				vi, _ := core.GetPath(rows[i], k.path)
				vj, _ := core.GetPath(rows[j], k.path)
				c := core.Compare(vi, vj)
				if c == 0 {
					continue
				}
				if k.dir < 0 {
					return c > 0
				}
				return c < 0
			}
			return false
		})
		return rows, nil
	})}, nil
}

func buildLimit(arg core.Value, prev Cursor) (Cursor, error) {
	n, ok := arg.AsInt64()
	if !ok || n < 0 {
		return nil, badPipeline("$limit requires a non-negative integer")
	}
	seen := int64(0)
	return &funcCursor{pull: func(ctx context.Context) (*core.Document, bool, error) {
		if seen >= n {
			return nil, false, nil
		}
		d, ok, err := prev.Next(ctx)
		if err != nil || !ok {
			return nil, ok, err
		}
		seen++
		return d, true, nil
	}}, nil
}

func buildSkip(arg core.Value, prev Cursor) (Cursor, error) {
	n, ok := arg.AsInt64()
	if !ok || n < 0 {
		return nil, badPipeline("$skip requires a non-negative integer")
	}
	skipped := int64(0)
	return &funcCursor{pull: func(ctx context.Context) (*core.Document, bool, error) {
		for skipped < n {
			_, ok, err := prev.Next(ctx)
			if err != nil || !ok {
				return nil, ok, err
			}
			skipped++
		}
		return prev.Next(ctx)
	}}, nil
}

func buildUnwind(arg core.Value, prev Cursor) (Cursor, error) {
	s, ok := arg.AsString()
	if !ok || len(s) == 0 || s[0] != '$' {
		return nil, badPipeline("$unwind requires a field reference string")
	}
	path := s[1:]
	var pending []core.Value
	var base *core.Document
	idx := 0
	return &funcCursor{pull: func(ctx context.Context) (*core.Document, bool, error) {
		for {
			if idx < len(pending) {
				out := base.Clone()
				core.SetPath(out, path, pending[idx])
				idx++
				return out, true, nil
			}
			d, ok, err := prev.Next(ctx)
			if err != nil || !ok {
				return nil, ok, err
			}
			v, has := core.GetPath(d, path)
			arr, isArr := v.AsArray()
			if !has || !isArr || len(arr) == 0 {
				continue
			}
			base, pending, idx = d, arr, 0
		}
	}}, nil
}

func buildCount(arg core.Value, prev Cursor) (Cursor, error) {
	field, ok := arg.AsString()
	if !ok || field == "" {
		return nil, badPipeline("$count requires a field name string")
	}
	return &funcCursor{pull: onceCursor(func(ctx context.Context) ([]*core.Document, error) {
		rows, err := Drain(ctx, prev)
		if err != nil {
			return nil, err
		}
		out := core.NewDocument()
		out.Set(field, core.Int(int64(len(rows))))
		return []*core.Document{out}, nil
	})}, nil
}

func buildLookup(arg core.Value, prev Cursor, lookup LookupSource) (Cursor, error) {
	spec, ok := arg.AsDocument()
	if !ok {
		return nil, badPipeline("$lookup requires a document")
	}
	fromV, _ := spec.Get("from")
	localV, _ := spec.Get("localField")
	foreignV, _ := spec.Get("foreignField")
	asV, _ := spec.Get("as")
	from, ok1 := fromV.AsString()
	localField, ok2 := localV.AsString()
	foreignField, ok3 := foreignV.AsString()
	as, ok4 := asV.AsString()
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil, badPipeline("$lookup requires from/localField/foreignField/as strings")
	}
	if lookup == nil {
		return nil, badPipeline("$lookup used but no lookup source was provided")
	}
	return &funcCursor{pull: func(ctx context.Context) (*core.Document, bool, error) {
		d, ok, err := prev.Next(ctx)
		if err != nil || !ok {
			return nil, ok, err
		}
		localVal, has := core.GetPath(d, localField)
		out := d.Clone()
		if !has {
			out.Set(as, core.Array())
			return out, true, nil
		}
		matches, err := lookup.Lookup(ctx, from, foreignField, localVal)
		if err != nil {
			return nil, false, err
		}
		vals := make([]core.Value, len(matches))
		for i, m := range matches {
			vals[i] = core.DocValue(m)
		}
		out.Set(as, core.Array(vals...))
		return out, true, nil
	}}, nil
}

// onceCursor adapts a blocking stage's drain-then-emit computation into a
// streaming pull function: the first call materializes the whole result,
// subsequent calls replay it.
func onceCursor(compute func(ctx context.Context) ([]*core.Document, error)) func(ctx context.Context) (*core.Document, bool, error) {
	var rows []*core.Document
	var i int
	started := false
	return func(ctx context.Context) (*core.Document, bool, error) {
		if !started {
			started = true
			var err error
			rows, err = compute(ctx)
			if err != nil {
				return nil, false, err
			}
		}
		if i >= len(rows) {
			return nil, false, nil
		}
		d := rows[i]
		i++
		return d, true, nil
	}
}
