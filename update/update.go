// Package update implements the §4.4 Update Engine: applying an
// update-operator (or replacement) document to a single document with
// copy-on-write semantics.
package update

import (
	"fmt"
	"strings"
	"time"

	"github.com/dddevid/mainydb/core"
	"github.com/dddevid/mainydb/query"
)

// Apply applies spec to doc and returns the resulting document (a copy;
// doc itself is never mutated) plus whether the result differs from doc.
// spec must be either a replacement document (no top-level key starts
// with "$") or an operator document (every top-level key does); mixing the
// two shapes is BadUpdate, as is any attempt to modify _id.
func Apply(doc *core.Document, spec *core.Document) (result *core.Document, modified bool, err error) {
	if spec == nil || spec.Len() == 0 {
		return doc.Clone(), false, nil
	}
	isOperator := false
	isLiteral := false
	spec.Range(func(k string, _ core.Value) bool {
		if strings.HasPrefix(k, "$") {
			isOperator = true
		} else {
			isLiteral = true
		}
		return true
	})
	if isOperator && isLiteral {
		return nil, false, badUpdate("update document mixes replacement fields and operators")
	}

	var out *core.Document
	if isLiteral {
		out, err = applyReplacement(doc, spec)
	} else {
		out, err = applyOperators(doc, spec)
	}
	if err != nil {
		return nil, false, err
	}
	modified = !core.Equal(core.DocValue(doc), core.DocValue(out))
	return out, modified, nil
}

func applyReplacement(doc *core.Document, spec *core.Document) (*core.Document, error) {
	newID, hasNewID := spec.Get("_id")
	oldID, hasOldID := doc.Get("_id")
	if hasNewID && hasOldID && !core.Equal(newID, oldID) {
		return nil, badUpdate("replacement document may not change _id")
	}
	out := spec.Clone()
	if hasOldID {
		out.Set("_id", oldID)
	}
	return out, nil
}

func applyOperators(doc *core.Document, spec *core.Document) (*core.Document, error) {
	out := doc.Clone()
	var err error
	spec.Range(func(op string, args core.Value) bool {
		argDoc, ok := args.AsDocument()
		if !ok {
			err = badUpdate(fmt.Sprintf("%s requires a document of path: value pairs", op))
			return false
		}
		switch op {
		case "$set":
			argDoc.Range(func(path string, v core.Value) bool {
				if err = rejectID(path); err != nil {
					return false
				}
				err = core.SetPath(out, path, v)
				return err == nil
			})
		case "$unset":
			argDoc.Range(func(path string, _ core.Value) bool {
				if err = rejectID(path); err != nil {
					return false
				}
				core.UnsetPath(out, path)
				return true
			})
		case "$inc":
			argDoc.Range(func(path string, v core.Value) bool {
				err = applyInc(out, path, v)
				return err == nil
			})
		case "$mul":
			argDoc.Range(func(path string, v core.Value) bool {
				err = applyMul(out, path, v)
				return err == nil
			})
		case "$min":
			argDoc.Range(func(path string, v core.Value) bool {
				err = applyMinMax(out, path, v, true)
				return err == nil
			})
		case "$max":
			argDoc.Range(func(path string, v core.Value) bool {
				err = applyMinMax(out, path, v, false)
				return err == nil
			})
		case "$rename":
			argDoc.Range(func(srcPath string, dst core.Value) bool {
				err = applyRename(out, srcPath, dst)
				return err == nil
			})
		case "$currentDate":
			argDoc.Range(func(path string, _ core.Value) bool {
				if err = rejectID(path); err != nil {
					return false
				}
				err = core.SetPath(out, path, core.Timestamp(time.Now()))
				return err == nil
			})
		case "$push":
			argDoc.Range(func(path string, v core.Value) bool {
				err = applyPush(out, path, v)
				return err == nil
			})
		case "$pop":
			argDoc.Range(func(path string, v core.Value) bool {
				err = applyPop(out, path, v)
				return err == nil
			})
		case "$pull":
			argDoc.Range(func(path string, v core.Value) bool {
				err = applyPull(out, path, v)
				return err == nil
			})
		case "$pullAll":
			argDoc.Range(func(path string, v core.Value) bool {
				err = applyPullAll(out, path, v)
				return err == nil
			})
		case "$addToSet":
			argDoc.Range(func(path string, v core.Value) bool {
				err = applyAddToSet(out, path, v)
				return err == nil
			})
		default:
			err = badUpdate(fmt.Sprintf("unknown update operator %q", op))
		}
		return err == nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func rejectID(path string) error {
	if path == "_id" || strings.HasPrefix(path, "_id.") {
		return badUpdate("_id is immutable")
	}
	return nil
}

func applyInc(doc *core.Document, path string, delta core.Value) error {
	if err := rejectID(path); err != nil {
		return err
	}
	if !delta.IsNumeric() {
		return badUpdate("$inc operand must be numeric")
	}
	cur, ok := core.GetPath(doc, path)
	if !ok || cur.IsNull() {
		return core.SetPath(doc, path, delta)
	}
	if !cur.IsNumeric() {
		return badUpdate(fmt.Sprintf("cannot $inc non-numeric field %q", path))
	}
	return core.SetPath(doc, path, addNumeric(cur, delta))
}

func applyMul(doc *core.Document, path string, factor core.Value) error {
	if err := rejectID(path); err != nil {
		return err
	}
	if !factor.IsNumeric() {
		return badUpdate("$mul operand must be numeric")
	}
	cur, ok := core.GetPath(doc, path)
	if !ok {
		zero := core.Int(0)
		if factor.Kind() == core.KFloat {
			zero = core.Float(0)
		}
		return core.SetPath(doc, path, zero)
	}
	if !cur.IsNumeric() {
		return badUpdate(fmt.Sprintf("cannot $mul non-numeric field %q", path))
	}
	return core.SetPath(doc, path, mulNumeric(cur, factor))
}

func addNumeric(a, b core.Value) core.Value {
	if a.Kind() == core.KFloat || b.Kind() == core.KFloat {
		fa, _ := a.AsFloat64()
		fb, _ := b.AsFloat64()
		return core.Float(fa + fb)
	}
	ia, _ := a.AsInt64()
	ib, _ := b.AsInt64()
	return core.Int(ia + ib)
}

func mulNumeric(a, b core.Value) core.Value {
	if a.Kind() == core.KFloat || b.Kind() == core.KFloat {
		fa, _ := a.AsFloat64()
		fb, _ := b.AsFloat64()
		return core.Float(fa * fb)
	}
	ia, _ := a.AsInt64()
	ib, _ := b.AsInt64()
	return core.Int(ia * ib)
}

func applyMinMax(doc *core.Document, path string, operand core.Value, wantMin bool) error {
	if err := rejectID(path); err != nil {
		return err
	}
	cur, ok := core.GetPath(doc, path)
	if !ok {
		return core.SetPath(doc, path, operand)
	}
	c := core.Compare(operand, cur)
	if (wantMin && c < 0) || (!wantMin && c > 0) {
		return core.SetPath(doc, path, operand)
	}
	return nil
}

func applyRename(doc *core.Document, src string, dstVal core.Value) error {
	if err := rejectID(src); err != nil {
		return err
	}
	dst, ok := dstVal.AsString()
	if !ok {
		return badUpdate("$rename target must be a string path")
	}
	if err := rejectID(dst); err != nil {
		return err
	}
	v, ok := core.GetPath(doc, src)
	if !ok {
		return nil
	}
	core.UnsetPath(doc, src)
	return core.SetPath(doc, dst, v)
}

func applyPush(doc *core.Document, path string, v core.Value) error {
	if err := rejectID(path); err != nil {
		return err
	}
	cur, ok := core.GetPath(doc, path)
	if !ok {
		return core.SetPath(doc, path, core.Array(v))
	}
	arr, isArr := cur.AsArray()
	if !isArr {
		return badUpdate(fmt.Sprintf("cannot $push onto non-array field %q", path))
	}
	return core.SetPath(doc, path, core.Array(append(append([]core.Value{}, arr...), v)...))
}

func applyPop(doc *core.Document, path string, dir core.Value) error {
	if err := rejectID(path); err != nil {
		return err
	}
	cur, ok := core.GetPath(doc, path)
	if !ok {
		return nil
	}
	arr, isArr := cur.AsArray()
	if !isArr || len(arr) == 0 {
		return nil
	}
	n, _ := dir.AsInt64()
	var next []core.Value
	if n < 0 {
		next = arr[1:]
	} else {
		next = arr[:len(arr)-1]
	}
	return core.SetPath(doc, path, core.Array(next...))
}

func applyPull(doc *core.Document, path string, operand core.Value) error {
	if err := rejectID(path); err != nil {
		return err
	}
	cur, ok := core.GetPath(doc, path)
	if !ok {
		return nil
	}
	arr, isArr := cur.AsArray()
	if !isArr {
		return nil
	}
	synthFilter := core.NewDocument()
	synthFilter.Set("_e", operand)
	compiled, err := query.Compile(synthFilter)
	if err != nil {
		return badUpdate(fmt.Sprintf("$pull: %v", err))
	}
	var kept []core.Value
	for _, elem := range arr {
		testDoc := core.NewDocument()
		testDoc.Set("_e", elem)
		if compiled.Match(testDoc) {
			continue
		}
		kept = append(kept, elem)
	}
	return core.SetPath(doc, path, core.Array(kept...))
}

func applyPullAll(doc *core.Document, path string, operand core.Value) error {
	if err := rejectID(path); err != nil {
		return err
	}
	cur, ok := core.GetPath(doc, path)
	if !ok {
		return nil
	}
	arr, isArr := cur.AsArray()
	if !isArr {
		return nil
	}
	removeSet, _ := operand.AsArray()
	var kept []core.Value
	for _, elem := range arr {
		remove := false
		for _, r := range removeSet {
			if core.CompareEqual(elem, r) {
				remove = true
				break
			}
		}
		if !remove {
			kept = append(kept, elem)
		}
	}
	return core.SetPath(doc, path, core.Array(kept...))
}

func applyAddToSet(doc *core.Document, path string, v core.Value) error {
	if err := rejectID(path); err != nil {
		return err
	}
	cur, ok := core.GetPath(doc, path)
	if !ok {
		return core.SetPath(doc, path, core.Array(v))
	}
	arr, isArr := cur.AsArray()
	if !isArr {
		return badUpdate(fmt.Sprintf("cannot $addToSet onto non-array field %q", path))
	}
	for _, e := range arr {
		if core.CompareEqual(e, v) {
			return nil
		}
	}
	return core.SetPath(doc, path, core.Array(append(append([]core.Value{}, arr...), v)...))
}

func badUpdate(msg string) error {
	return core.NewError("update.Apply", core.KindBadUpdate, fmt.Errorf("%s", msg))
}
