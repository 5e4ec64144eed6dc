package aggregate

import (
	"fmt"
	"strings"

	"github.com/dddevid/mainydb/core"
)

// Eval evaluates an expression (a field reference "$path", a literal, or an
// {operator: args} document) against doc (§4.7 "Expressions"). A field
// reference to a missing path resolves to the absent marker, which then
// propagates through arithmetic operators as an error and through
// comparison operators as false.
func Eval(expr core.Value, doc *core.Document) (core.Value, error) {
	switch expr.Kind() {
	case core.KString:
		s, _ := expr.AsString()
		if strings.HasPrefix(s, "$") {
			v, ok := core.GetPath(doc, s[1:])
			if !ok {
				return core.Absent(), nil
			}
			return v, nil
		}
		return expr, nil
	case core.KDocument:
		d, _ := expr.AsDocument()
		if op, args, ok := soleOperator(d); ok {
			return evalOperator(op, args, doc)
		}
		out := core.NewDocument()
		var err error
		d.Range(func(k string, v core.Value) bool {
			var cv core.Value
			cv, err = Eval(v, doc)
			if err != nil {
				return false
			}
			out.Set(k, cv)
			return true
		})
		if err != nil {
			return core.Value{}, err
		}
		return core.DocValue(out), nil
	case core.KArray:
		arr, _ := expr.AsArray()
		out := make([]core.Value, len(arr))
		for i, e := range arr {
			v, err := Eval(e, doc)
			if err != nil {
				return core.Value{}, err
			}
			out[i] = v
		}
		return core.Array(out...), nil
	default:
		return expr, nil
	}
}

// soleOperator reports whether d is an operator-shaped expression: exactly
// one field, whose key starts with "$". A document with more than one
// field, or whose single field doesn't start with "$", is literal object
// construction instead.
func soleOperator(d *core.Document) (op string, args core.Value, ok bool) {
	if d.Len() != 1 {
		return "", core.Value{}, false
	}
	found := false
	d.Range(func(k string, v core.Value) bool {
		if strings.HasPrefix(k, "$") {
			op, args, found = k, v, true
		}
		return false
	})
	return op, args, found
}

func evalOperator(op string, argsExpr core.Value, doc *core.Document) (core.Value, error) {
	switch op {
	case "$add":
		return evalArith(argsExpr, doc, 0, func(acc, v float64) float64 { return acc + v })
	case "$multiply":
		return evalArith(argsExpr, doc, 1, func(acc, v float64) float64 { return acc * v })
	case "$subtract":
		args, err := evalArgs(argsExpr, doc, 2)
		if err != nil {
			return core.Value{}, err
		}
		a, b, err := numericPair(args)
		if err != nil {
			return core.Value{}, err
		}
		return numericResult(args[0], args[1], a-b), nil
	case "$divide":
		args, err := evalArgs(argsExpr, doc, 2)
		if err != nil {
			return core.Value{}, err
		}
		a, b, err := numericPair(args)
		if err != nil {
			return core.Value{}, err
		}
		if b == 0 {
			return core.Value{}, badPipeline("$divide by zero")
		}
		return core.Float(a / b), nil
	case "$mod":
		args, err := evalArgs(argsExpr, doc, 2)
		if err != nil {
			return core.Value{}, err
		}
		a, ok1 := args[0].AsInt64()
		b, ok2 := args[1].AsInt64()
		if !ok1 || !ok2 {
			return core.Value{}, badPipeline("$mod requires integer arguments")
		}
		if b == 0 {
			return core.Value{}, badPipeline("$mod by zero")
		}
		return core.Int(a % b), nil
	case "$concat":
		args, err := evalArgs(argsExpr, doc, -1)
		if err != nil {
			return core.Value{}, err
		}
		var sb strings.Builder
		for _, a := range args {
			s, ok := a.AsString()
			if !ok {
				return core.Value{}, badPipeline("$concat requires string arguments")
			}
			sb.WriteString(s)
		}
		return core.String(sb.String()), nil
	case "$size":
		args, err := evalArgs(argsExpr, doc, 1)
		if err != nil {
			return core.Value{}, err
		}
		arr, ok := args[0].AsArray()
		if !ok {
			return core.Value{}, badPipeline("$size requires an array argument")
		}
		return core.Int(int64(len(arr))), nil
	case "$cond":
		return evalCond(argsExpr, doc)
	case "$eq", "$ne", "$gt", "$gte", "$lt", "$lte":
		raw, ok := argsExpr.AsArray()
		if !ok || len(raw) != 2 {
			return core.Value{}, badPipeline(fmt.Sprintf("%s expects 2 arguments", op))
		}
		a, err := Eval(raw[0], doc)
		if err != nil {
			return core.Value{}, err
		}
		b, err := Eval(raw[1], doc)
		if err != nil {
			return core.Value{}, err
		}
		if a.IsAbsent() || b.IsAbsent() {
			return core.Bool(false), nil
		}
		return core.Bool(evalCompareOp(op, a, b)), nil
	default:
		return core.Value{}, badPipeline(fmt.Sprintf("unknown expression operator %q", op))
	}
}

func evalArgs(argsExpr core.Value, doc *core.Document, want int) ([]core.Value, error) {
	var raw []core.Value
	if arr, ok := argsExpr.AsArray(); ok {
		raw = arr
	} else {
		raw = []core.Value{argsExpr}
	}
	if want >= 0 && len(raw) != want {
		return nil, badPipeline(fmt.Sprintf("expected %d argument(s), got %d", want, len(raw)))
	}
	out := make([]core.Value, len(raw))
	for i, a := range raw {
		v, err := Eval(a, doc)
		if err != nil {
			return nil, err
		}
		if v.IsAbsent() {
			return nil, badPipeline("expression argument is undefined")
		}
		out[i] = v
	}
	return out, nil
}

func evalArith(argsExpr core.Value, doc *core.Document, seed float64, fold func(acc, v float64) float64) (core.Value, error) {
	args, err := evalArgs(argsExpr, doc, -1)
	if err != nil {
		return core.Value{}, err
	}
	acc := seed
	allInt := true
	for _, a := range args {
		f, ok := a.AsFloat64()
		if !ok {
			return core.Value{}, badPipeline("arithmetic operator requires numeric arguments")
		}
		if a.Kind() == core.KFloat {
			allInt = false
		}
		acc = fold(acc, f)
	}
	if allInt {
		return core.Int(int64(acc)), nil
	}
	return core.Float(acc), nil
}

func numericPair(args []core.Value) (float64, float64, error) {
	a, ok1 := args[0].AsFloat64()
	b, ok2 := args[1].AsFloat64()
	if !ok1 || !ok2 {
		return 0, 0, badPipeline("arithmetic operator requires numeric arguments")
	}
	return a, b, nil
}

func numericResult(a, b core.Value, f float64) core.Value {
	if a.Kind() == core.KFloat || b.Kind() == core.KFloat {
		return core.Float(f)
	}
	return core.Int(int64(f))
}

func evalCompareOp(op string, a, b core.Value) bool {
	c := core.Compare(a, b)
	switch op {
	case "$eq":
		return c == 0
	case "$ne":
		return c != 0
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

func evalCond(argsExpr core.Value, doc *core.Document) (core.Value, error) {
	var ifE, thenE, elseE core.Value
	if arr, ok := argsExpr.AsArray(); ok {
		if len(arr) != 3 {
			return core.Value{}, badPipeline("$cond array form requires exactly 3 arguments")
		}
		ifE, thenE, elseE = arr[0], arr[1], arr[2]
	} else if d, ok := argsExpr.AsDocument(); ok {
		var hasIf, hasThen, hasElse bool
		if ifE, hasIf = d.Get("if"); !hasIf {
			return core.Value{}, badPipeline("$cond document form requires if/then/else")
		}
		if thenE, hasThen = d.Get("then"); !hasThen {
			return core.Value{}, badPipeline("$cond document form requires if/then/else")
		}
		if elseE, hasElse = d.Get("else"); !hasElse {
			return core.Value{}, badPipeline("$cond document form requires if/then/else")
		}
	} else {
		return core.Value{}, badPipeline("$cond requires an array or document argument")
	}
	condVal, err := Eval(ifE, doc)
	if err != nil {
		return core.Value{}, err
	}
	b, _ := condVal.AsBool()
	if b {
		return Eval(thenE, doc)
	}
	return Eval(elseE, doc)
}

func badPipeline(msg string) error {
	return core.NewError("aggregate.Eval", core.KindBadPipeline, fmt.Errorf("%s", msg))
}
