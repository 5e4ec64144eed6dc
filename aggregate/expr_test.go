package aggregate

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dddevid/mainydb/core"
)

func sampleDoc() *core.Document {
	d := core.NewDocument()
	d.Set("price", core.Int(10))
	d.Set("qty", core.Int(3))
	d.Set("name", core.String("widget"))
	return d
}

func TestEval_FieldRef(t *testing.T) {
	v, err := Eval(core.String("$name"), sampleDoc())
	require.NoError(t, err)
	s, ok := v.AsString()
	require.True(t, ok)
	require.Equal(t, "widget", s)
}

func TestEval_MissingFieldRefIsAbsent(t *testing.T) {
	v, err := Eval(core.String("$missing"), sampleDoc())
	require.NoError(t, err)
	require.True(t, v.IsAbsent())
}

func TestEval_ArithmeticMultiply(t *testing.T) {
	expr := core.DocValue(docWithOperator("$multiply", core.Array(core.String("$price"), core.String("$qty"))))
	v, err := Eval(expr, sampleDoc())
	require.NoError(t, err)
	n, ok := v.AsInt64()
	require.True(t, ok)
	require.Equal(t, int64(30), n)
}

func TestEval_ArithmeticOnMissingFieldErrors(t *testing.T) {
	expr := core.DocValue(docWithOperator("$add", core.Array(core.String("$price"), core.String("$nope"))))
	_, err := Eval(expr, sampleDoc())
	require.Error(t, err)
	require.True(t, core.IsKind(err, core.KindBadPipeline))
}

func TestEval_ConcatStrings(t *testing.T) {
	expr := core.DocValue(docWithOperator("$concat", core.Array(core.String("$name"), core.String("-tag"))))
	v, err := Eval(expr, sampleDoc())
	require.NoError(t, err)
	s, _ := v.AsString()
	require.Equal(t, "widget-tag", s)
}

func TestEval_CondArrayForm(t *testing.T) {
	cond := core.DocValue(docWithOperator("$gt", core.Array(core.String("$price"), core.Int(5))))
	expr := core.DocValue(docWithOperator("$cond", core.Array(cond, core.String("expensive"), core.String("cheap"))))
	v, err := Eval(expr, sampleDoc())
	require.NoError(t, err)
	s, _ := v.AsString()
	require.Equal(t, "expensive", s)
}

func TestEval_LiteralObjectConstruction(t *testing.T) {
	lit := core.NewDocument()
	lit.Set("total", core.DocValue(docWithOperator("$multiply", core.Array(core.String("$price"), core.String("$qty")))))
	v, err := Eval(core.DocValue(lit), sampleDoc())
	require.NoError(t, err)
	out, ok := v.AsDocument()
	require.True(t, ok)
	totalVal, ok := out.Get("total")
	require.True(t, ok)
	n, _ := totalVal.AsInt64()
	require.Equal(t, int64(30), n)
}

func docWithOperator(op string, args core.Value) *core.Document {
	d := core.NewDocument()
	d.Set(op, args)
	return d
}
