package aggregate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dddevid/mainydb/core"
)

func widget(name string, price, qty int64) *core.Document {
	d := core.NewDocument()
	d.Set("_id", core.ObjectID(name))
	d.Set("name", core.String(name))
	d.Set("price", core.Int(price))
	d.Set("qty", core.Int(qty))
	return d
}

func stage(op string, arg core.Value) *core.Document {
	d := core.NewDocument()
	d.Set(op, arg)
	return d
}

func runPipeline(t *testing.T, stages []*core.Document, docs []*core.Document, lookup LookupSource) []*core.Document {
	t.Helper()
	cur, err := Build(stages, NewSliceCursor(docs), lookup)
	require.NoError(t, err)
	out, err := Drain(context.Background(), cur)
	require.NoError(t, err)
	return out
}

func TestPipeline_MatchThenSort(t *testing.T) {
	docs := []*core.Document{widget("a", 10, 1), widget("b", 5, 2), widget("c", 20, 1)}
	filter := core.NewDocument()
	filter.Set("qty", core.Int(1))
	pipeline := []*core.Document{
		stage("$match", core.DocValue(filter)),
		stage("$sort", core.DocValue(sortSpec("price", 1))),
	}
	out := runPipeline(t, pipeline, docs, nil)
	require.Len(t, out, 2)
	n0, _ := mustGet(out[0], "price").AsInt64()
	n1, _ := mustGet(out[1], "price").AsInt64()
	require.Equal(t, int64(10), n0)
	require.Equal(t, int64(20), n1)
}

func TestPipeline_GroupSum(t *testing.T) {
	docs := []*core.Document{widget("a", 10, 1), widget("b", 20, 1), widget("c", 30, 2)}
	group := core.NewDocument()
	group.Set("_id", core.String("$qty"))
	group.Set("total", core.DocValue(stage("$sum", core.String("$price"))))
	pipeline := []*core.Document{stage("$group", core.DocValue(group))}
	out := runPipeline(t, pipeline, docs, nil)
	require.Len(t, out, 2)
	sums := map[int64]int64{}
	for _, d := range out {
		id, _ := mustGet(d, "_id").AsInt64()
		total, _ := mustGet(d, "total").AsInt64()
		sums[id] = total
	}
	require.Equal(t, int64(30), sums[1])
	require.Equal(t, int64(30), sums[2])
}

func TestPipeline_LimitAndSkip(t *testing.T) {
	docs := []*core.Document{widget("a", 1, 1), widget("b", 2, 1), widget("c", 3, 1), widget("d", 4, 1)}
	pipeline := []*core.Document{
		stage("$skip", core.Int(1)),
		stage("$limit", core.Int(2)),
	}
	out := runPipeline(t, pipeline, docs, nil)
	require.Len(t, out, 2)
	name0, _ := mustGet(out[0], "name").AsString()
	name1, _ := mustGet(out[1], "name").AsString()
	require.Equal(t, "b", name0)
	require.Equal(t, "c", name1)
}

func TestPipeline_Unwind(t *testing.T) {
	d := core.NewDocument()
	d.Set("_id", core.ObjectID("x"))
	d.Set("tags", core.Array(core.String("red"), core.String("blue")))
	pipeline := []*core.Document{stage("$unwind", core.String("$tags"))}
	out := runPipeline(t, pipeline, []*core.Document{d}, nil)
	require.Len(t, out, 2)
	t0, _ := mustGet(out[0], "tags").AsString()
	t1, _ := mustGet(out[1], "tags").AsString()
	require.Equal(t, "red", t0)
	require.Equal(t, "blue", t1)
}

func TestPipeline_Count(t *testing.T) {
	docs := []*core.Document{widget("a", 1, 1), widget("b", 2, 1)}
	pipeline := []*core.Document{stage("$count", core.String("n"))}
	out := runPipeline(t, pipeline, docs, nil)
	require.Len(t, out, 1)
	n, _ := mustGet(out[0], "n").AsInt64()
	require.Equal(t, int64(2), n)
}

func TestPipeline_UnknownStageRejected(t *testing.T) {
	_, err := Build([]*core.Document{stage("$bogus", core.Int(1))}, NewSliceCursor(nil), nil)
	require.Error(t, err)
	require.True(t, core.IsKind(err, core.KindBadPipeline))
}

func TestPipeline_Lookup(t *testing.T) {
	orders := []*core.Document{}
	order := core.NewDocument()
	order.Set("_id", core.ObjectID("o1"))
	order.Set("customerId", core.String("cust1"))
	orders = append(orders, order)

	lookupSpec := core.NewDocument()
	lookupSpec.Set("from", core.String("customers"))
	lookupSpec.Set("localField", core.String("customerId"))
	lookupSpec.Set("foreignField", core.String("_id"))
	lookupSpec.Set("as", core.String("customer"))

	out := runPipeline(t, []*core.Document{stage("$lookup", core.DocValue(lookupSpec))}, orders, fakeLookup{})
	require.Len(t, out, 1)
	arr, ok := mustGet(out[0], "customer").AsArray()
	require.True(t, ok)
	require.Len(t, arr, 1)
}

type fakeLookup struct{}

func (fakeLookup) Lookup(ctx context.Context, from, foreignField string, key core.Value) ([]*core.Document, error) {
	d := core.NewDocument()
	d.Set("_id", key)
	d.Set("name", core.String("acme"))
	return []*core.Document{d}, nil
}

func sortSpec(path string, dir int64) *core.Document {
	d := core.NewDocument()
	d.Set(path, core.Int(dir))
	return d
}

func mustGet(d *core.Document, path string) core.Value {
	v, _ := core.GetPath(d, path)
	return v
}
