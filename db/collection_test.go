package db

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/dddevid/mainydb/core"
)

func tempRoot(t *testing.T) *Root {
	t.Helper()
	dir, err := os.MkdirTemp("", "mainydb_db_test_*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	r, err := Open(filepath.Join(dir, "db.mainydb"))
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func doc(id string, fields map[string]core.Value) *core.Document {
	d := core.NewDocument()
	d.Set("_id", core.ObjectID(id))
	for k, v := range fields {
		d.Set(k, v)
	}
	return d
}

func TestInsertOneAndFindOne(t *testing.T) {
	r := tempRoot(t)
	coll := r.Database("app").Collection("users")

	_, err := coll.InsertOne(doc("u1", map[string]core.Value{"name": core.String("ada")}))
	require.NoError(t, err)

	filter := core.NewDocument()
	filter.Set("name", core.String("ada"))
	found, ok, err := coll.FindOne(filter, nil)
	require.NoError(t, err)
	require.True(t, ok)
	name, _ := found.Get("name")
	s, _ := name.AsString()
	require.Equal(t, "ada", s)
}

func TestInsertOne_DuplicateIDRejected(t *testing.T) {
	r := tempRoot(t)
	coll := r.Database("app").Collection("users")
	_, err := coll.InsertOne(doc("dup", nil))
	require.NoError(t, err)
	_, err = coll.InsertOne(doc("dup", nil))
	require.Error(t, err)
	require.True(t, core.IsKind(err, core.KindDuplicateKey))
}

func TestFind_WithIndexAndRangeAndSort(t *testing.T) {
	r := tempRoot(t)
	coll := r.Database("app").Collection("items")
	_, err := coll.CreateIndex("", []SortSpec{{Path: "price", Dir: 1}}, false)
	require.NoError(t, err)

	for i, price := range []int64{30, 10, 20, 5, 40} {
		_, err := coll.InsertOne(doc(string(rune('a'+i)), map[string]core.Value{"price": core.Int(price)}))
		require.NoError(t, err)
	}

	filter := core.NewDocument()
	priceCond := core.NewDocument()
	priceCond.Set("$gte", core.Int(10))
	filter.Set("price", core.DocValue(priceCond))

	cur, err := coll.Find(FindOptions{Filter: filter, Sort: []SortSpec{{Path: "price", Dir: 1}}})
	require.NoError(t, err)
	out, err := cur.ToList(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 4)
	var prices []int64
	for _, d := range out {
		v, _ := d.Get("price")
		n, _ := v.AsInt64()
		prices = append(prices, n)
	}
	require.Equal(t, []int64{10, 20, 30, 40}, prices)
}

func TestUpdateOne_Upsert(t *testing.T) {
	r := tempRoot(t)
	coll := r.Database("app").Collection("counters")

	filter := core.NewDocument()
	filter.Set("name", core.String("visits"))
	upd := core.NewDocument()
	incSpec := core.NewDocument()
	incSpec.Set("count", core.Int(1))
	upd.Set("$inc", core.DocValue(incSpec))

	matched, modified, upsertedID, err := coll.UpdateOne(filter, upd, true)
	require.NoError(t, err)
	require.False(t, matched)
	require.True(t, modified)
	require.NotEmpty(t, upsertedID)

	found, ok, err := coll.FindOne(filter, nil)
	require.NoError(t, err)
	require.True(t, ok)
	v, _ := found.Get("count")
	n, _ := v.AsInt64()
	require.Equal(t, int64(1), n)
}

func TestDeleteMany(t *testing.T) {
	r := tempRoot(t)
	coll := r.Database("app").Collection("events")
	for i := 0; i < 5; i++ {
		kind := "a"
		if i%2 == 0 {
			kind = "b"
		}
		_, err := coll.InsertOne(doc(string(rune('a'+i)), map[string]core.Value{"kind": core.String(kind)}))
		require.NoError(t, err)
	}
	filter := core.NewDocument()
	filter.Set("kind", core.String("b"))
	n, err := coll.DeleteMany(filter)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	remaining, err := coll.CountDocuments(core.NewDocument())
	require.NoError(t, err)
	require.Equal(t, 2, remaining)
}

func TestAggregate_GroupAcrossCollection(t *testing.T) {
	r := tempRoot(t)
	coll := r.Database("app").Collection("sales")
	_, _ = coll.InsertOne(doc("1", map[string]core.Value{"region": core.String("west"), "amount": core.Int(10)}))
	_, _ = coll.InsertOne(doc("2", map[string]core.Value{"region": core.String("west"), "amount": core.Int(20)}))
	_, _ = coll.InsertOne(doc("3", map[string]core.Value{"region": core.String("east"), "amount": core.Int(5)}))

	groupSpec := core.NewDocument()
	groupSpec.Set("_id", core.String("$region"))
	sumSpec := core.NewDocument()
	sumSpec.Set("$sum", core.String("$amount"))
	groupSpec.Set("total", core.DocValue(sumSpec))
	stageDoc := core.NewDocument()
	stageDoc.Set("$group", core.DocValue(groupSpec))

	cur, err := coll.Aggregate(context.Background(), []*core.Document{stageDoc})
	require.NoError(t, err)
	var got map[string]int64
	got = map[string]int64{}
	for {
		d, ok, err := cur.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			break
		}
		idVal, _ := d.Get("_id")
		region, _ := idVal.AsString()
		totalVal, _ := d.Get("total")
		total, _ := totalVal.AsInt64()
		got[region] = total
	}
	require.Equal(t, int64(30), got["west"])
	require.Equal(t, int64(5), got["east"])
}

func TestCursor_SkipsDocumentsDeletedAfterSnapshot(t *testing.T) {
	r := tempRoot(t)
	coll := r.Database("app").Collection("things")
	_, _ = coll.InsertOne(doc("1", nil))
	_, _ = coll.InsertOne(doc("2", nil))

	cur, err := coll.Find(FindOptions{Filter: core.NewDocument()})
	require.NoError(t, err)

	filter := core.NewDocument()
	filter.Set("_id", core.ObjectID("1"))
	ok, err := coll.DeleteOne(filter)
	require.NoError(t, err)
	require.True(t, ok)

	out, err := cur.ToList(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 1)
}

// TestProperty_ConcurrentCollectionWrites mirrors the teacher's concurrency
// property shape at the db package's level: many goroutines InsertOne into
// the same collection concurrently, and the final document count must
// equal the number of successful inserts, with no lost or duplicated
// writes (§8, §5's per-collection lock).
func TestProperty_ConcurrentCollectionWrites(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 10
	properties := gopter.NewProperties(parameters)

	properties.Property("every concurrent insert is reflected exactly once", prop.ForAll(
		func(numGoroutines, perGoroutine int) bool {
			r := tempRoot(t)
			coll := r.Database("app").Collection("concurrent")

			var wg sync.WaitGroup
			for g := 0; g < numGoroutines; g++ {
				wg.Add(1)
				go func(g int) {
					defer wg.Done()
					for i := 0; i < perGoroutine; i++ {
						id := core.NewObjectID()
						_, _ = coll.InsertOne(doc(id, map[string]core.Value{"g": core.Int(int64(g))}))
					}
				}(g)
			}
			wg.Wait()

			n, err := coll.CountDocuments(core.NewDocument())
			if err != nil {
				return false
			}
			return n == numGoroutines*perGoroutine
		},
		gen.IntRange(2, 6),
		gen.IntRange(3, 10),
	))

	properties.TestingRun(t)
}
